package logging

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// throttleSweepEvery is how many Allow calls pass between idle-key sweeps.
const throttleSweepEvery = 512

// Throttle applies a token bucket per message key so that a misbehaving
// client cannot flood the log with one warning per frame.
//
// A nil *Throttle allows everything.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Throttle struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*throttleEntry
	hits  uint64

	dropped atomic.Uint64
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a keyed limiter allowing perSecond records per key
// with the given burst. It returns nil (unlimited) when either is not positive.
func NewThrottle(perSecond float64, burst int, idleTTL time.Duration) *Throttle {
	if perSecond <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Throttle{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*throttleEntry),
	}
}

// Allow reports whether one record for key may be logged at now.
func (t *Throttle) Allow(key string, now time.Time) bool {
	if t == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byKey[key]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)
	if !allowed {
		t.dropped.Add(1)
	}

	t.hits++
	if t.hits%throttleSweepEvery == 0 {
		cutoff := now.Add(-t.idleTTL)
		for k, v := range t.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(t.byKey, k)
			}
		}
	}
	return allowed
}

// Forget drops the bucket for key, typically when a connection closes.
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.byKey, key)
	t.mu.Unlock()
}

// Dropped returns how many records have been suppressed so far.
func (t *Throttle) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// Keys returns the number of tracked keys.
func (t *Throttle) Keys() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}
