// Package blob stores uploaded files. Messages only ever carry the
// resulting models.FileRef.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/models"
	"go.uber.org/zap"
)

// InMemory is the path that keeps the store on an in-memory filesystem.
const InMemory = ":memory:"

var ErrNotFound = errors.New("file not found")

// Executable types are rejected whatever extension they arrive under.
var blockedMimeTypes = []string{
	"application/vnd.microsoft.portable-executable",
	"application/x-elf",
	"application/x-mach-binary",
	"application/x-msdownload",
}

// Record is a stored file's metadata.
type Record struct {
	models.FileRef
	UploadedBy uuid.UUID `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Store keeps file bytes and metadata in Pebble under
//
//	blob:data:<id>  raw bytes
//	blob:meta:<id>  JSON Record
//
// written together in one batch.
type Store struct {
	db         *pebble.DB
	maxSize    int64
	extensions []string
	logger     *zap.Logger
}

// Open opens (or creates) the store at dir. Pass InMemory for a store that
// lives and dies with the process. An empty extensions list allows any
// extension.
func Open(dir string, maxSize int64, extensions []string, logger *zap.Logger) (*Store, error) {
	opts := &pebble.Options{}
	if dir == InMemory {
		opts.FS = vfs.NewMem()
		dir = ""
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	exts := make([]string, 0, len(extensions))
	for _, e := range extensions {
		exts = append(exts, strings.ToLower(e))
	}
	return &Store{db: db, maxSize: maxSize, extensions: exts, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func dataKey(id string) []byte { return []byte("blob:data:" + id) }
func metaKey(id string) []byte { return []byte("blob:meta:" + id) }

// SanitizeName reduces a client-supplied file name to its base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	switch name {
	case ".", "/", "..":
		return ""
	}
	return name
}

// Put validates and stores data. The returned FileRef carries the
// detected mime type and a sha256 checksum.
func (s *Store) Put(_ context.Context, name string, data []byte, uploadedBy uuid.UUID) (models.FileRef, error) {
	name = SanitizeName(name)
	if name == "" {
		return models.FileRef{}, apperr.Invalid("file name is required")
	}
	if len(data) == 0 {
		return models.FileRef{}, apperr.Invalid("file is empty")
	}
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return models.FileRef{}, apperr.Invalid("file is %s, limit is %s",
			humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(s.maxSize)))
	}
	ext := strings.ToLower(path.Ext(name))
	if len(s.extensions) > 0 && !slices.Contains(s.extensions, ext) {
		return models.FileRef{}, apperr.Invalid("extension %q is not allowed", ext)
	}
	mtype := mimetype.Detect(data)
	for _, blocked := range blockedMimeTypes {
		if mtype.Is(blocked) {
			return models.FileRef{}, apperr.Invalid("file type %s is not allowed", mtype.String())
		}
	}

	sum := sha256.Sum256(data)
	rec := Record{
		FileRef: models.FileRef{
			ID:       uuid.NewString(),
			Name:     name,
			Size:     int64(len(data)),
			MimeType: mtype.String(),
			Checksum: hex.EncodeToString(sum[:]),
		},
		UploadedBy: uploadedBy,
		UploadedAt: time.Now().UTC(),
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return models.FileRef{}, fmt.Errorf("encode blob metadata: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(dataKey(rec.ID), data, nil); err != nil {
		return models.FileRef{}, fmt.Errorf("stage blob: %w", err)
	}
	if err := b.Set(metaKey(rec.ID), meta, nil); err != nil {
		return models.FileRef{}, fmt.Errorf("stage blob metadata: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return models.FileRef{}, fmt.Errorf("commit blob: %w", err)
	}

	s.logger.Info("blob stored",
		zap.String("file_id", rec.ID),
		zap.String("mime_type", rec.MimeType),
		zap.String("size", humanize.Bytes(uint64(rec.Size))),
	)
	return rec.FileRef, nil
}

// Get returns the bytes and metadata of a stored file, or ErrNotFound.
func (s *Store) Get(_ context.Context, id string) ([]byte, Record, error) {
	rec, err := s.stat(id)
	if err != nil {
		return nil, Record{}, err
	}
	v, closer, err := s.db.Get(dataKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, Record{}, ErrNotFound
	}
	if err != nil {
		return nil, Record{}, fmt.Errorf("read blob: %w", err)
	}
	defer closer.Close()
	return slices.Clone(v), rec, nil
}

// Stat returns metadata only.
func (s *Store) Stat(_ context.Context, id string) (Record, error) {
	return s.stat(id)
}

func (s *Store) stat(id string) (Record, error) {
	v, closer, err := s.db.Get(metaKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("read blob metadata: %w", err)
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return Record{}, fmt.Errorf("decode blob metadata: %w", err)
	}
	return rec, nil
}

// Delete removes a file. Deleting a missing file is not an error.
func (s *Store) Delete(_ context.Context, id string) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(dataKey(id), nil); err != nil {
		return fmt.Errorf("stage blob delete: %w", err)
	}
	if err := b.Delete(metaKey(id), nil); err != nil {
		return fmt.Errorf("stage blob delete: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
