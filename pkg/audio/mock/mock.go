// Package mock provides in-memory mock implementations of the
// [audio.Microphone], [audio.CaptureStream], [audio.Speaker], and
// [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	spk := &mock.Speaker{}
//	// ... start a call ...
//	mic.Stream().Push(block)   // feed one captured block
//	spk.Output().Advance(d)    // move the playback clock forward
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/supportvoice/pkg/audio"
)

// ErrClosed is returned by [Output.Schedule] after Close.
var ErrClosed = errors.New("mock: output closed")

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream]. Blocks are
// injected with [CaptureStream.Push] and stamped with the stream's gate at
// that moment, the way a device stamps a block when it is captured.
type CaptureStream struct {
	blocks chan audio.Block
	done   chan struct{}
	gate   *audio.Gate

	mu        sync.Mutex
	closed    bool
	ended     bool
	closeOnce sync.Once

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// StreamBuffer is the number of pushed blocks a [CaptureStream] holds before
// [CaptureStream.Push] waits for the consumer.
const StreamBuffer = 8

// NewCaptureStream returns an open stream whose blocks are stamped with gate.
// A nil gate never mutes.
func NewCaptureStream(gate *audio.Gate) *CaptureStream {
	return &CaptureStream{
		blocks: make(chan audio.Block, StreamBuffer),
		done:   make(chan struct{}),
		gate:   gate,
	}
}

// Blocks implements [audio.CaptureStream].
func (s *CaptureStream) Blocks() <-chan audio.Block { return s.blocks }

// Push captures one block: it is stamped with the gate and queued for the
// consumer. Push waits only while the queue is full. It returns false if the
// stream ended first.
func (s *CaptureStream) Push(samples []float32) bool {
	blk := s.gate.Stamp(samples)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.blocks <- blk:
		return true
	case <-s.done:
		return false
	}
}

// Fail simulates the device going away: the block channel is closed without
// Close being called.
func (s *CaptureStream) Fail() {
	s.shutdown()
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.shutdown()
	s.mu.Lock()
	s.CallCountClose++
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// shutdown releases a Push waiting on a full queue before closing the block
// channel under the lock, so Push never sends on a closed channel.
func (s *CaptureStream) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.ended = true
		close(s.blocks)
		s.mu.Unlock()
	})
}

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr is returned by [Microphone.Open] when non-nil.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Formats records the format passed to each Open call.
	Formats []audio.Format

	// BlockSizes records the block size passed to each Open call.
	BlockSizes []int

	// Gates records the mute gate passed to each Open call.
	Gates []*audio.Gate

	streams []*CaptureStream
	opened  chan struct{}
}

// Open implements [audio.Microphone]. It creates a new [CaptureStream] per
// call unless OpenErr is set.
func (m *Microphone) Open(_ context.Context, format audio.Format, blockSize int, gate *audio.Gate) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	m.Formats = append(m.Formats, format)
	m.BlockSizes = append(m.BlockSizes, blockSize)
	m.Gates = append(m.Gates, gate)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := NewCaptureStream(gate)
	m.streams = append(m.streams, s)
	if m.opened != nil {
		close(m.opened)
		m.opened = nil
	}
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (m *Microphone) Stream() *CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// WaitOpen blocks until at least n streams have been opened or ctx is done,
// returning the latest stream.
func (m *Microphone) WaitOpen(ctx context.Context, n int) (*CaptureStream, error) {
	for {
		m.mu.Lock()
		if len(m.streams) >= n {
			s := m.streams[len(m.streams)-1]
			m.mu.Unlock()
			return s, nil
		}
		if m.opened == nil {
			m.opened = make(chan struct{})
		}
		ch := m.opened
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Scheduled records one call to [Output.Schedule].
type Scheduled struct {
	Buffer audio.Buffer
	At     time.Duration
	Ended  bool
}

// End returns the clock position at which the buffer finishes.
func (s Scheduled) End() time.Duration { return s.At + s.Buffer.Duration() }

// Output is a mock implementation of [audio.Output] with a manually driven
// clock. Completion callbacks fire from [Output.Advance] and [Output.Set].
type Output struct {
	mu        sync.Mutex
	now       time.Duration
	scheduled []Scheduled
	callbacks []func()
	closed    bool

	// ScheduleErr is returned by [Output.Schedule] when non-nil.
	ScheduleErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.Output]. A start time in the past is moved to
// the current clock position, as a real device would.
func (o *Output) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.ScheduleErr != nil {
		return o.ScheduleErr
	}
	if at < o.now {
		at = o.now
	}
	o.scheduled = append(o.scheduled, Scheduled{Buffer: buf, At: at})
	o.callbacks = append(o.callbacks, onEnded)
	return nil
}

// Advance moves the clock forward by d and fires the callbacks of every
// buffer that has finished by the new position, in schedule order.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	t := o.now + d
	o.mu.Unlock()
	o.Set(t)
}

// Set moves the clock to t (never backwards) and fires completed callbacks.
func (o *Output) Set(t time.Duration) {
	o.mu.Lock()
	if t > o.now {
		o.now = t
	}
	var fire []func()
	if !o.closed {
		for i := range o.scheduled {
			s := &o.scheduled[i]
			if s.Ended || s.End() > o.now {
				continue
			}
			s.Ended = true
			if o.callbacks[i] != nil {
				fire = append(fire, o.callbacks[i])
			}
		}
	}
	o.mu.Unlock()
	for _, fn := range fire {
		fn()
	}
}

// Scheduled returns a copy of every Schedule call so far.
func (o *Output) Scheduled() []Scheduled {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Scheduled, len(o.scheduled))
	copy(out, o.scheduled)
	return out
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// OpenErr is returned by [Speaker.Open] when non-nil.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Formats records the format passed to each Open call.
	Formats []audio.Format

	outputs []*Output
}

// Open implements [audio.Speaker]. Each call returns a fresh [Output] whose
// clock starts at zero.
func (s *Speaker) Open(_ context.Context, format audio.Format) (audio.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	s.Formats = append(s.Formats, format)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	o := &Output{}
	s.outputs = append(s.outputs, o)
	return o, nil
}

// Output returns the most recently opened output, or nil.
func (s *Speaker) Output() *Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outputs) == 0 {
		return nil
	}
	return s.outputs[len(s.outputs)-1]
}
