// Package call orchestrates one voice call at a time.
//
// A [Controller] runs every call on a dedicated event-loop goroutine that
// owns the call state, the playback scheduler and the transport channel.
// Transport events, playback completions, device failures and user requests
// all arrive at that loop and are fed through [callstate.Next]; the loop then
// applies the returned effects. The presentation layer only ever sees a
// [Snapshot]: a state, a user-facing status line, the mute flag and the
// transcript. Raw errors are logged, never surfaced.
package call

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/supportvoice/internal/callstate"
	"github.com/MrWong99/supportvoice/internal/negotiate"
	"github.com/MrWong99/supportvoice/internal/observe"
	"github.com/MrWong99/supportvoice/internal/playback"
	"github.com/MrWong99/supportvoice/internal/transcript"
	"github.com/MrWong99/supportvoice/internal/transport"
	"github.com/MrWong99/supportvoice/pkg/audio"
)

// User-facing status lines.
const (
	StatusNegotiationFailed = "Failed to start voice session. Please try again."
	StatusConnectionError   = "Connection error. Please try again."
	StatusMicrophoneDenied  = "Could not access microphone. Please check permissions."
	StatusAgentError        = "An error occurred during the call."
)

// ErrCallActive is returned by [Controller.Start] while a call is still
// running or tearing down.
var ErrCallActive = errors.New("call: a call is already active")

// SessionStarter negotiates a session for an agent.
type SessionStarter interface {
	StartSession(ctx context.Context, agentID string) (negotiate.Session, error)
}

// Channel is an open transport to the agent.
type Channel interface {
	Events() <-chan transport.Event
	SendAudio(ctx context.Context, frame audio.AudioFrame) error
	Close() error
}

// DialFunc opens a [Channel] to a negotiated transport address.
type DialFunc func(ctx context.Context, url string) (Channel, error)

// Config holds the dependencies of a [Controller].
type Config struct {
	// Negotiator starts sessions. Required.
	Negotiator SessionStarter

	// Microphone and Speaker are the local audio devices. Required.
	Microphone audio.Microphone
	Speaker    audio.Speaker

	// Dial opens the transport. Default: [transport.Dial] with Metrics and
	// Logger applied.
	Dial DialFunc

	// BlockSize is the capture block size. Default: [audio.DefaultBlockSize].
	BlockSize int

	// DrainTolerance is forwarded to the playback scheduler. Default:
	// [playback.DefaultDrainTolerance].
	DrainTolerance time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Snapshot is the externally visible state of the controller.
type Snapshot struct {
	State       callstate.State
	Label       string
	Status      string
	Muted       bool
	CallID      string
	SampleRate  int
	Cursor      time.Duration
	Transcripts []transcript.Entry
}

// Controller starts, runs and ends calls. All exported methods are safe for
// concurrent use.
type Controller struct {
	cfg         Config
	mute        audio.Gate
	transcripts *transcript.Aggregator

	// notifyMu orders snapshot delivery: a snapshot is taken and handed to
	// every listener before the next one is taken.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      callstate.State
	status     string
	callID     string
	sampleRate int
	cursor     time.Duration
	tolerance  time.Duration
	run        *run
	listeners  []func(Snapshot)
}

// run is the handle for one call's event loop.
type run struct {
	end     chan struct{}
	endOnce sync.Once
	done    chan struct{}
}

func (r *run) stop() { r.endOnce.Do(func() { close(r.end) }) }

// New returns an idle Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Negotiator == nil {
		return nil, errors.New("call: negotiator is required")
	}
	if cfg.Microphone == nil || cfg.Speaker == nil {
		return nil, errors.New("call: microphone and speaker are required")
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = audio.DefaultBlockSize
	}
	if cfg.DrainTolerance <= 0 {
		cfg.DrainTolerance = playback.DefaultDrainTolerance
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dial == nil {
		m, l := cfg.Metrics, cfg.Logger
		cfg.Dial = func(ctx context.Context, url string) (Channel, error) {
			return transport.Dial(ctx, url, transport.WithMetrics(m), transport.WithLogger(l))
		}
	}
	return &Controller{
		cfg:         cfg,
		transcripts: transcript.New(),
		state:       callstate.Idle,
		tolerance:   cfg.DrainTolerance,
	}, nil
}

// OnChange registers fn to be called with a fresh [Snapshot] after every
// visible change. Deliveries are serialised, so listeners see snapshots in
// the order they were taken. A listener runs on the call's event loop or on
// the goroutine that called Start, SetMuted or ToggleMute; it must not block
// and must not call any of those methods or [Controller.End].
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Snapshot returns the current visible state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:       c.state,
		Label:       c.state.Label(),
		Status:      c.status,
		Muted:       c.mute.Muted(),
		CallID:      c.callID,
		SampleRate:  c.sampleRate,
		Cursor:      c.cursor,
		Transcripts: c.transcripts.Entries(),
	}
}

// SetMuted sets the mute flag. Blocks captured while muted are never sent,
// including those still queued when the flag is cleared. The flag is
// independent of the call state and survives across calls.
func (c *Controller) SetMuted(muted bool) {
	if c.mute.SetMuted(muted) {
		c.notify()
	}
}

// ToggleMute flips the mute flag and returns the new value.
func (c *Controller) ToggleMute() bool {
	muted := c.mute.Toggle()
	c.notify()
	return muted
}

// SetDrainTolerance changes the drain tolerance used from the next call on.
func (c *Controller) SetDrainTolerance(d time.Duration) {
	if d <= 0 {
		d = playback.DefaultDrainTolerance
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tolerance = d
}

// Start begins a call against agentID and returns immediately; progress is
// reported through [Controller.OnChange] and [Controller.Snapshot]. The call
// runs until it fails, the agent hangs up, [Controller.End] is called or ctx
// is cancelled.
//
// Start returns [ErrCallActive] if the previous call has not fully torn down.
func (c *Controller) Start(ctx context.Context, agentID string) error {
	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		return ErrCallActive
	}
	from := c.state
	to, eff := callstate.Next(from, callstate.EventStart)
	if to != callstate.Connecting {
		c.mu.Unlock()
		return ErrCallActive
	}
	r := &run{end: make(chan struct{}), done: make(chan struct{})}
	c.run = r
	c.state = to
	c.status = ""
	c.callID = uuid.NewString()
	c.sampleRate = 0
	if eff.Has(callstate.EffectResetCursor) {
		c.cursor = 0
	}
	if eff.Has(callstate.EffectClearTranscripts) {
		c.transcripts.Clear()
	}
	callID := c.callID
	tolerance := c.tolerance
	c.mu.Unlock()

	ctx = observe.WithCall(ctx, callID, agentID)
	c.cfg.Metrics.RecordCallStarted(ctx, agentID)
	c.cfg.Metrics.RecordTransition(ctx, from.String(), to.String())
	c.cfg.Metrics.ActiveCalls.Add(ctx, 1)
	c.notify()

	s := &session{
		c:         c,
		run:       r,
		agentID:   agentID,
		tolerance: tolerance,
		log:       observe.LoggerFrom(ctx, c.cfg.Logger),
		ended:     make(chan struct{}, 1),
	}
	go s.loop(ctx)
	return nil
}

// End ends the current call and blocks until it has fully torn down. It is
// idempotent and a no-op when no call is active. End must not be called
// from an [Controller.OnChange] listener.
func (c *Controller) End() {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return
	}
	r.stop()
	<-r.done
}

// Wait blocks until the current call, if any, has torn down or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify delivers a snapshot to every listener. notifyMu is held from taking
// the snapshot until the last listener returns, so an older snapshot never
// reaches a listener after a newer one.
func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	snap := c.snapshotLocked()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}
