package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused limiter is kept before the sweep
// drops it. A dropped limiter comes back with a full bucket.
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool holds one token bucket per sender per chat.
type limiterPool struct {
	rps   rate.Limit
	burst int

	mu sync.Mutex
	m  map[string]*limiterEntry
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{
		rps:   rate.Limit(rps),
		burst: burst,
		m:     make(map[string]*limiterEntry),
	}
}

func (p *limiterPool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: now}
	return l
}

// take consumes one token for key. When the bucket is empty nothing is
// consumed and the wait until the next token is returned.
func (p *limiterPool) take(key string, now time.Time) (time.Duration, bool) {
	if p.rps <= 0 {
		return 0, true
	}
	r := p.get(key, now).ReserveN(now, 1)
	if !r.OK() {
		return time.Second, false
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, false
	}
	return 0, true
}

// sweep drops limiters idle for longer than limiterIdleTTL.
func (p *limiterPool) sweep(now time.Time) int {
	cutoff := now.Add(-limiterIdleTTL)
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
			n++
		}
	}
	return n
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
