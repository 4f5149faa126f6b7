package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// sequencer releases one chat's message fan-outs strictly in sequence
// order, whatever order the senders' goroutines finish persisting in.
//
// Fan-outs are queued by sequence; the head is released as soon as it is
// present. A missing head (a message committed by another instance, or by
// a sender that never got to fan out) blocks the queue for at most the
// reorder timeout before it is skipped.
type sequencer struct {
	mu      sync.Mutex
	next    int64
	pending map[int64]func()
	stalled time.Time // when the current head-of-line gap was first seen
}

func newSequencer(last int64) *sequencer {
	return &sequencer{next: last + 1, pending: make(map[int64]func())}
}

// submit queues deliver for seq and runs everything that is now in order.
// Deliveries run with s.mu held; they only enqueue frames on connections
// and never block.
func (s *sequencer) submit(seq int64, deliver func(), now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq < s.next {
		// Its slot was already skipped as a gap. Late is better than never.
		deliver()
		return
	}
	s.pending[seq] = deliver
	s.drain(now)
}

// drain must hold s.mu.
func (s *sequencer) drain(now time.Time) {
	for {
		deliver, ok := s.pending[s.next]
		if !ok {
			break
		}
		delete(s.pending, s.next)
		s.next++
		deliver()
	}
	switch {
	case len(s.pending) == 0:
		s.stalled = time.Time{}
	case s.stalled.IsZero():
		s.stalled = now
	}
}

// skipStalled jumps over a head-of-line gap that has been open longer
// than timeout. It returns the number of sequence numbers skipped.
func (s *sequencer) skipStalled(now time.Time, timeout time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 || s.stalled.IsZero() || now.Sub(s.stalled) < timeout {
		return 0
	}
	seqs := make([]int64, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	skipped := seqs[0] - s.next
	s.next = seqs[0]
	s.stalled = time.Time{}
	s.drain(now)
	return skipped
}

// sequencers owns one sequencer per chat, created lazily from the chat's
// last allocated sequence.
type sequencers struct {
	lastSequence func(ctx context.Context, chatID uuid.UUID) (int64, error)

	mu    sync.RWMutex
	chats map[uuid.UUID]*sequencer
	init  singleflight.Group
}

func newSequencers(lastSequence func(ctx context.Context, chatID uuid.UUID) (int64, error)) *sequencers {
	return &sequencers{lastSequence: lastSequence, chats: make(map[uuid.UUID]*sequencer)}
}

// get must be called before the message is persisted, so the starting
// point never includes a message that still has to be submitted.
func (ss *sequencers) get(ctx context.Context, chatID uuid.UUID) (*sequencer, error) {
	ss.mu.RLock()
	s, ok := ss.chats[chatID]
	ss.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := ss.init.Do(chatID.String(), func() (any, error) {
		ss.mu.RLock()
		s, ok := ss.chats[chatID]
		ss.mu.RUnlock()
		if ok {
			return s, nil
		}

		last, err := ss.lastSequence(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("init sequencer: %w", err)
		}
		s = newSequencer(last)
		ss.mu.Lock()
		ss.chats[chatID] = s
		ss.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sequencer), nil
}

// drop forgets chatID's sequencer once the chat is gone.
func (ss *sequencers) drop(chatID uuid.UUID) {
	ss.mu.Lock()
	delete(ss.chats, chatID)
	ss.mu.Unlock()
}

// sweep skips stalled gaps in every chat and returns how many chats it
// unblocked.
func (ss *sequencers) sweep(now time.Time, timeout time.Duration) int {
	ss.mu.RLock()
	all := make([]*sequencer, 0, len(ss.chats))
	for _, s := range ss.chats {
		all = append(all, s)
	}
	ss.mu.RUnlock()

	n := 0
	for _, s := range all {
		if s.skipStalled(now, timeout) > 0 {
			n++
		}
	}
	return n
}
