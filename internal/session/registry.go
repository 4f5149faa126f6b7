// Package session tracks which users are connected and through which
// connections.
package session

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/observ"
	"github.com/lalith-99/relaychat/internal/protocol"
	"go.uber.org/zap"
)

// Conn is a live connection as the registry and the dispatcher see it.
// Send must not block: it queues the frame or fails.
type Conn interface {
	ID() string
	UserID() uuid.UUID
	Send(protocol.Frame) error
	Close() error
}

// Event is a presence change emitted by the registry.
type Event struct {
	UserID uuid.UUID
	Status models.PresenceStatus
	At     time.Time
}

const shardCount = 64

// Registry maps users to their live connections.
//
// Users are spread over shardCount shards, each with its own lock, so
// register/unregister for different users rarely contend. The reverse
// index (connection id → user id) is a sync.Map, which lets Unregister
// find the right shard from a bare connection id.
type Registry struct {
	shards [shardCount]*shard
	index  sync.Map // connection id → uuid.UUID
	events chan Event
	logger *zap.Logger
}

type shard struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*userEntry
}

type userEntry struct {
	conns  map[string]Conn
	status models.PresenceStatus
}

// NewRegistry creates an empty registry whose presence channel buffers up
// to buffer events.
func NewRegistry(buffer int, logger *zap.Logger) *Registry {
	r := &Registry{
		events: make(chan Event, buffer),
		logger: logger,
	}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[uuid.UUID]*userEntry)}
	}
	return r
}

func (r *Registry) shardFor(userID uuid.UUID) *shard {
	return r.shards[binary.BigEndian.Uint64(userID[8:])%shardCount]
}

// Events delivers presence changes. The dispatcher is the only consumer.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// emit must be called with the user's shard locked, so events for one user
// leave in the order the state changed. It never blocks; when the
// consumer is behind the event is dropped.
func (r *Registry) emit(userID uuid.UUID, status models.PresenceStatus) {
	select {
	case r.events <- Event{UserID: userID, Status: status, At: time.Now().UTC()}:
	default:
		observ.IncPresenceDropped()
		r.logger.Warn("presence event dropped",
			zap.String("user_id", userID.String()),
			zap.String("status", string(status)),
		)
	}
}

// Register adds a live connection. It reports whether this was the user's
// first connection, in which case an online event is emitted. Registering
// the same connection id twice is a no-op.
func (r *Registry) Register(c Conn) bool {
	userID := c.UserID()
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	// The index entry is published under the shard lock, so an Unregister
	// that finds it always sees the connection in the shard.
	if _, loaded := r.index.LoadOrStore(c.ID(), userID); loaded {
		return false
	}

	e, ok := s.users[userID]
	first := !ok
	if first {
		e = &userEntry{conns: make(map[string]Conn), status: models.PresenceOnline}
		s.users[userID] = e
	}
	e.conns[c.ID()] = c
	observ.IncWSActive()

	if first {
		r.emit(userID, models.PresenceOnline)
	}
	return first
}

// Unregister removes a connection. It reports whether that was the user's
// last connection, in which case the user goes offline and an offline
// event is emitted. Unknown ids are ignored, so a connection that is torn
// down twice (timeout racing a transport error) is safe.
func (r *Registry) Unregister(connectionID string) bool {
	v, ok := r.index.LoadAndDelete(connectionID)
	if !ok {
		return false
	}
	userID := v.(uuid.UUID)

	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, present := e.conns[connectionID]; present {
		delete(e.conns, connectionID)
		observ.DecWSActive()
	}
	if len(e.conns) > 0 {
		return false
	}
	delete(s.users, userID)
	r.emit(userID, models.PresenceOffline)
	return true
}

// ConnectionsFor returns the ids of the user's live connections, sorted.
// A user with none gets an empty slice.
func (r *Registry) ConnectionsFor(userID uuid.UUID) []string {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	if e, ok := s.users[userID]; ok {
		for id := range e.conns {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Conns returns the user's live connections. The slice is a snapshot;
// a connection may close right after it is returned, and Send on it
// then fails harmlessly.
func (r *Registry) Conns(userID uuid.UUID) []Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.users[userID]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID uuid.UUID) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.users[userID]
	return ok
}

// Status returns online, away or offline.
func (r *Registry) Status(userID uuid.UUID) models.PresenceStatus {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.users[userID]; ok {
		return e.status
	}
	return models.PresenceOffline
}

// SetStatus switches a connected user between online and away. It
// reports whether the status changed. Offline users are left alone:
// offline is derived from having no connections.
func (r *Registry) SetStatus(userID uuid.UUID, status models.PresenceStatus) bool {
	if status != models.PresenceOnline && status != models.PresenceAway {
		return false
	}

	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.users[userID]
	if !ok || e.status == status {
		return false
	}
	e.status = status
	r.emit(userID, status)
	return true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	r.index.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Drain returns every registered connection. Shutdown closes them, and
// each close unregisters itself.
func (r *Registry) Drain() []Conn {
	var out []Conn
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.users {
			for _, c := range e.conns {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
