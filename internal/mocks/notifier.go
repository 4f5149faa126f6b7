// Package mocks holds testify mocks for collaborator interfaces.
package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/notify"
	"github.com/stretchr/testify/mock"
)

// Notifier is a mock notify.Notifier.
type Notifier struct {
	mock.Mock
}

func (m *Notifier) NotifyOffline(ctx context.Context, userID uuid.UUID, preview notify.Preview) error {
	args := m.Called(ctx, userID, preview)
	return args.Error(0)
}

var _ notify.Notifier = (*Notifier)(nil)
