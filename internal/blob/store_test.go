package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 1x1 transparent PNG.
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func openMem(t *testing.T, maxSize int64) *Store {
	t.Helper()
	s, err := Open(InMemory, maxSize, []string{".png", ".txt"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openMem(t, 1<<20)
	ctx := context.Background()
	owner := uuid.New()

	ref, err := s.Put(ctx, "../../etc/pixel.PNG", pngBytes, owner)
	require.NoError(t, err)
	assert.Equal(t, "pixel.PNG", ref.Name)
	assert.Equal(t, "image/png", ref.MimeType)
	assert.Equal(t, int64(len(pngBytes)), ref.Size)
	sum := sha256.Sum256(pngBytes)
	assert.Equal(t, hex.EncodeToString(sum[:]), ref.Checksum)

	data, rec, err := s.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
	assert.Equal(t, owner, rec.UploadedBy)
	assert.Equal(t, ref, rec.FileRef)

	require.NoError(t, s.Delete(ctx, ref.ID))
	_, _, err = s.Get(ctx, ref.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutValidation(t *testing.T) {
	s := openMem(t, 16)
	ctx := context.Background()

	_, err := s.Put(ctx, "notes.txt", nil, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = s.Put(ctx, "big.txt", []byte("this is more than sixteen bytes"), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = s.Put(ctx, "run.exe", []byte("MZ"), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = s.Put(ctx, "..", []byte("hi"), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	ref, err := s.Put(ctx, "hi.txt", []byte("hello"), uuid.New())
	require.NoError(t, err)
	assert.Contains(t, ref.MimeType, "text/plain")
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a.png", SanitizeName(`C:\Users\x\a.png`))
	assert.Equal(t, "b.txt", SanitizeName("/tmp/../b.txt"))
	assert.Equal(t, "", SanitizeName(".."))
}
