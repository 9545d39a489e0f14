// Package resilience guards calls to remote control endpoints with a
// three-state circuit breaker.
//
// A [Breaker] never retries on its own. While open it rejects attempts with
// [ErrCircuitOpen] so a user starting a call against a dead endpoint gets an
// immediate answer; after the cooldown a single probe decides whether the
// endpoint is back. Which errors count against the endpoint is decided by a
// [Classifier], so a rejected agent ID does not trip the breaker for every
// other agent.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects
// attempts.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every attempt.
	StateClosed State = iota

	// StateOpen rejects attempts until the cooldown has elapsed.
	StateOpen

	// StateHalfOpen lets a bounded number of probes through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Classifier reports whether err says something about the health of the
// guarded endpoint. Errors it rejects are returned to the caller but leave
// the breaker untouched.
type Classifier func(err error) bool

// EndpointFault is the default [Classifier]. Every error counts except a
// cancellation by the caller.
func EndpointFault(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Options configures a [Breaker]. Zero values select the defaults.
type Options struct {
	// Name labels log lines and state change callbacks.
	Name string

	// Threshold is the number of consecutive faults that open the breaker.
	// Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open attempts needed to close
	// again. Default: 1.
	Probes int

	// IsFault classifies attempt errors. Default: [EndpointFault].
	IsFault Classifier

	// OnStateChange runs after every transition with no lock held.
	OnStateChange func(name string, from, to State)

	// Logger receives transition logs. Default: [slog.Default].
	Logger *slog.Logger

	// Clock overrides time.Now.
	Clock func() time.Time
}

// Counts is a point-in-time view of a [Breaker].
type Counts struct {
	State     State
	Faults    int
	Rejected  uint64
	OpenUntil time.Time
}

// Breaker implements the circuit breaker. It is safe for concurrent use.
type Breaker struct {
	opts Options

	mu       sync.Mutex
	state    State
	faults   int
	inFlight int
	passed   int
	openedAt time.Time
	rejected uint64
}

// NewBreaker returns a closed breaker configured by opts.
func NewBreaker(opts Options) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Probes <= 0 {
		opts.Probes = 1
	}
	if opts.IsFault == nil {
		opts.IsFault = EndpointFault
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Breaker{opts: opts}
}

// Do runs attempt unless the breaker rejects it. A context that is already
// done is reported without consulting the breaker.
func (b *Breaker) Do(ctx context.Context, attempt func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = attempt(ctx)
	b.settle(probe, err)
	return err
}

// admit decides whether an attempt may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen && !b.coolingLocked() {
		b.state = StateHalfOpen
		b.inFlight, b.passed = 0, 0
	}
	switch b.state {
	case StateOpen:
		b.rejected++
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.inFlight >= b.opts.Probes {
			b.rejected++
			err = ErrCircuitOpen
		} else {
			b.inFlight++
			probe = true
		}
	}
	to := b.state
	b.mu.Unlock()
	b.changed(from, to)
	return probe, err
}

// settle books the outcome of an admitted attempt.
func (b *Breaker) settle(probe bool, err error) {
	fault := err != nil && b.opts.IsFault(err)

	b.mu.Lock()
	from := b.state
	switch {
	case probe && b.state != StateHalfOpen:
		// A Reset or another probe decided while this one was running.
	case probe && fault:
		b.tripLocked()
	case probe:
		if err == nil {
			b.passed++
		}
		b.inFlight--
		if b.passed >= b.opts.Probes {
			b.state = StateClosed
			b.faults = 0
		}
	case fault:
		b.faults++
		if b.state == StateClosed && b.faults >= b.opts.Threshold {
			b.tripLocked()
		}
	case err == nil:
		b.faults = 0
	}
	to, faults := b.state, b.faults
	b.mu.Unlock()

	switch {
	case from == to:
	case to == StateOpen:
		b.opts.Logger.Warn("circuit breaker opened", "name", b.opts.Name, "from", from, "faults", faults, "err", err)
	case to == StateClosed:
		b.opts.Logger.Info("circuit breaker closed", "name", b.opts.Name)
	}
	b.changed(from, to)
}

func (b *Breaker) tripLocked() {
	b.state = StateOpen
	b.openedAt = b.opts.Clock()
	b.faults = b.opts.Threshold
}

func (b *Breaker) coolingLocked() bool {
	return b.opts.Clock().Sub(b.openedAt) < b.opts.Cooldown
}

func (b *Breaker) changed(from, to State) {
	if from != to && b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.opts.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next attempt.
func (b *Breaker) State() State {
	return b.Counts().State
}

// Counts returns a snapshot of the breaker.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := Counts{State: b.state, Faults: b.faults, Rejected: b.rejected}
	if b.state == StateOpen {
		if b.coolingLocked() {
			c.OpenUntil = b.openedAt.Add(b.opts.Cooldown)
		} else {
			c.State = StateHalfOpen
		}
	}
	return c
}

// Reset closes the breaker and forgets all faults.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.faults, b.inFlight, b.passed = 0, 0, 0
	b.mu.Unlock()
	if from != StateClosed {
		b.opts.Logger.Info("circuit breaker reset", "name", b.opts.Name, "from", from)
	}
	b.changed(from, StateClosed)
}
