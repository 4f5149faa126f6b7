package notify

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewFallsBackToLogNotifier(t *testing.T) {
	n, closeFn := New("", "relaychat.notifications", zap.NewNop())
	_, ok := n.(*LogNotifier)
	assert.True(t, ok)
	assert.NoError(t, closeFn())
}

func TestLogNotifierLogsRecipient(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))
	user := uuid.New()

	require.NoError(t, n.NotifyOffline(context.Background(), user, Preview{MessageID: uuid.New(), Sequence: 7}))

	entries := logs.FilterMessage("offline notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, user.String(), entries[0].ContextMap()["user_id"])
	assert.Equal(t, int64(7), entries[0].ContextMap()["sequence"])
}
