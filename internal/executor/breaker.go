package executor

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker is the per-route circuit breaker. threshold consecutive
// failures open it for cooldown; after that a single probe is let
// through in half-open.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

// allow reports whether a call may proceed. In half-open only one probe
// is outstanding at a time.
func (b *breaker) allow() bool {
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			b.probing = true
			return true
		}
		return false
	default: // half-open
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

func (b *breaker) success() {
	b.state = stateClosed
	b.failures = 0
	b.probing = false
}

func (b *breaker) failure() {
	b.probing = false
	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = b.now()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// BreakerSet holds one breaker per route behind a plain mutex.
type BreakerSet struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	byRoute   map[string]*breaker
}

func NewBreakerSet(threshold int, cooldown time.Duration, now func() time.Time) *BreakerSet {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &BreakerSet{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		byRoute:   make(map[string]*breaker),
	}
}

func (s *BreakerSet) get(route string) *breaker {
	b, ok := s.byRoute[route]
	if !ok {
		b = &breaker{threshold: s.threshold, cooldown: s.cooldown, now: s.now}
		s.byRoute[route] = b
	}
	return b
}

func (s *BreakerSet) Allow(route string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(route).allow()
}

func (s *BreakerSet) Success(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(route).success()
}

func (s *BreakerSet) Failure(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(route).failure()
}

// State returns a label for metrics and the doctor report.
func (s *BreakerSet) State(route string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.get(route).state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
