// Package breaker guards calls to flaky upstreams with a circuit breaker.
// The transcript store sits behind one so that a dead store fails fast
// instead of holding request goroutines for the full client timeout.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of the circuit.
type State int

const (
	Closed   State = iota // calls pass through
	Open                  // calls rejected until the cooldown elapses
	HalfOpen              // limited probes test whether the upstream recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without calling the upstream while the circuit is open.
	ErrOpen = errors.New("breaker: circuit open")

	// ErrSaturated is returned in half-open state once the probe quota is used.
	ErrSaturated = errors.New("breaker: half-open probe limit reached")
)

// Counts accumulates call outcomes within one generation. A generation ends
// on any state change and, in the closed state, every Interval.
type Counts struct {
	Calls                uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Calls is incremented at admission time in before; these record outcomes.
func (c *Counts) success() {
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Settings tunes one breaker. The zero value of any field falls back to a
// default suitable for an HTTP upstream.
type Settings struct {
	// Name appears in state-change log lines.
	Name string

	// MaxProbes is how many calls may pass in half-open state (default 1).
	MaxProbes uint32

	// Interval resets the closed-state counters so old failures age out
	// (default 60s).
	Interval time.Duration

	// Cooldown is how long the circuit stays open before probing again
	// (default 30s).
	Cooldown time.Duration

	// ShouldTrip decides, after a failure in closed state, whether to open
	// the circuit (default: 5 consecutive failures).
	ShouldTrip func(Counts) bool
}

// Breaker is a single circuit. Safe for concurrent use.
type Breaker struct {
	name       string
	maxProbes  uint32
	interval   time.Duration
	cooldown   time.Duration
	shouldTrip func(Counts) bool

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time

	now func() time.Time
}

// New returns a closed breaker.
func New(st Settings) *Breaker {
	if st.MaxProbes == 0 {
		st.MaxProbes = 1
	}
	if st.Interval == 0 {
		st.Interval = 60 * time.Second
	}
	if st.Cooldown == 0 {
		st.Cooldown = 30 * time.Second
	}
	if st.ShouldTrip == nil {
		st.ShouldTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	b := &Breaker{
		name:       st.Name,
		maxProbes:  st.MaxProbes,
		interval:   st.Interval,
		cooldown:   st.Cooldown,
		shouldTrip: st.ShouldTrip,
		now:        time.Now,
	}
	b.toNewGeneration(b.now())
	return b
}

// Do runs fn unless the circuit rejects the call. fn's error propagates to
// the caller unchanged and feeds the trip counters.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(gen, false)
			panic(r)
		}
	}()
	err = fn()
	b.after(gen, err == nil)
	return err
}

// State reports the current state, advancing open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.current(b.now())
	return s
}

// Counts returns a copy of the current generation's counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, gen := b.current(now)

	switch {
	case state == Open:
		return gen, ErrOpen
	case state == HalfOpen && b.counts.Calls >= b.maxProbes:
		return gen, ErrSaturated
	}
	b.counts.Calls++
	return gen, nil
}

func (b *Breaker) after(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.current(now)
	if gen != current {
		// Result from a previous generation; the state already moved on.
		return
	}

	if ok {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case Closed:
		b.counts.success()
	case HalfOpen:
		b.counts.success()
		if b.counts.ConsecutiveSuccesses >= b.maxProbes {
			b.transition(Closed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case Closed:
		b.counts.failure()
		if b.shouldTrip(b.counts) {
			b.transition(Open, now)
		}
	case HalfOpen:
		b.transition(Open, now)
	}
}

// current returns the state as of now, rolling closed generations over on
// Interval expiry and opening the half-open window after the cooldown.
func (b *Breaker) current(now time.Time) (State, uint64) {
	switch b.state {
	case Closed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case Open:
		if b.expiry.Before(now) {
			b.transition(HalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) transition(state State, now time.Time) {
	if b.state == state {
		return
	}
	from := b.state
	b.state = state
	b.toNewGeneration(now)
	slog.Info("breaker state change", "name", b.name, "from", from.String(), "to", state.String())
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case Closed:
		b.expiry = now.Add(b.interval)
	case Open:
		b.expiry = now.Add(b.cooldown)
	default:
		b.expiry = time.Time{}
	}
}
