// Package circuit guards the asset source against a degraded backend: after
// repeated transport failures the breaker fast-fails fetches instead of
// tying up pipeline slots on a host that is down.
package circuit

import (
	"sync"
	"time"

	pferrors "github.com/pageflow/pageflow/pkg/errors"
)

// State is the breaker state.
type State int

const (
	// StateClosed passes requests through.
	StateClosed State = iota
	// StateOpen rejects requests immediately.
	StateOpen
	// StateHalfOpen lets a limited number of probe requests through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config tunes the breaker.
type Config struct {
	// FailureThreshold is the consecutive transport-failure count that
	// opens the breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes is how many requests may pass while half-open.
	HalfOpenProbes int
	// OnStateChange is called outside the lock on every transition.
	OnStateChange func(from, to State)
}

// Counts holds breaker activity counters.
type Counts struct {
	Requests            uint64 `json:"requests"`
	Failures            uint64 `json:"failures"`
	Rejections          uint64 `json:"rejections"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Breaker is a three-state circuit breaker counting only transport-class
// failures: NotFound and DecodeError are backend answers, not outages, and
// never trip it.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probes   int

	now func() time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a request may proceed. A rejected request must not
// call Record.
func (b *Breaker) Allow() bool {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.counts.Requests++
		b.mu.Unlock()
		return true

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			b.counts.Rejections++
			b.mu.Unlock()
			return false
		}
		from := b.state
		b.state = StateHalfOpen
		b.probes = 0
		b.counts.Requests++
		b.probes++
		b.mu.Unlock()
		b.notify(from, StateHalfOpen)
		return true

	default: // StateHalfOpen
		if b.probes >= b.cfg.HalfOpenProbes {
			b.counts.Rejections++
			b.mu.Unlock()
			return false
		}
		b.probes++
		b.counts.Requests++
		b.mu.Unlock()
		return true
	}
}

// Record feeds the outcome of an allowed request back into the breaker.
func (b *Breaker) Record(err error) {
	failure := isTransportFailure(err)

	b.mu.Lock()
	var from, to State
	transitioned := false

	if failure {
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
		switch b.state {
		case StateHalfOpen:
			from, to = b.state, StateOpen
			b.state = StateOpen
			b.openedAt = b.now()
			transitioned = true
		case StateClosed:
			if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
				from, to = b.state, StateOpen
				b.state = StateOpen
				b.openedAt = b.now()
				transitioned = true
			}
		}
	} else {
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen {
			from, to = b.state, StateClosed
			b.state = StateClosed
			transitioned = true
		}
	}
	b.mu.Unlock()

	if transitioned {
		b.notify(from, to)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Stats returns a copy of the counters.
func (b *Breaker) Stats() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// isTransportFailure reports whether the error indicates the backend is
// unreachable rather than answering.
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	switch pferrors.CodeOf(err) {
	case pferrors.ErrCodeNetworkError, pferrors.ErrCodeTimeout:
		return true
	}
	return false
}
