package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the callable while the circuit is open.
var ErrOpen = errors.New("breaker: circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker wraps a callable and fails fast after too many errors inside a
// rolling window. It is not a retry; retries belong to the caller.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	resetAfter  time.Duration
	window      time.Duration
	state       State
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probing     bool

	now func() time.Time
}

func New(threshold int, resetAfter, window time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 10
	}
	if resetAfter <= 0 {
		resetAfter = 30 * time.Second
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Breaker{
		threshold:  threshold,
		resetAfter: resetAfter,
		window:     window,
		now:        time.Now,
	}
}

// Execute runs fn unless the circuit is open. The callable's error (or nil)
// is recorded against the breaker and returned unchanged.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.resetAfter {
			return ErrOpen
		}
		b.state = HalfOpen
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probing = false
		if success {
			b.resetLocked()
			return
		}
		b.state = Open
		b.openedAt = b.now()
	case Closed:
		if success {
			return
		}
		now := b.now()
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.window {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.threshold {
			b.state = Open
			b.openedAt = now
		}
	}
}

// Trip forces the circuit open.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Open
	b.openedAt = b.now()
	b.probing = false
}

// Reset forces the circuit closed and clears failure accounting.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Breaker) resetLocked() {
	b.state = Closed
	b.failures = 0
	b.windowStart = time.Time{}
	b.probing = false
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
