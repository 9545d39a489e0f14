// Package playback places inbound agent audio on an output clock so that
// consecutive frames play back to back without gaps or overlap.
//
// A [Scheduler] owns the playback cursor for exactly one call: the earliest
// clock time at which the next frame may start. Each scheduled frame starts
// at max(now, cursor) and advances the cursor by the frame's duration. A
// server-directed [Scheduler.Clear] pulls the cursor back to the current
// clock time, which deliberately lets new audio overlap audio that is still
// queued.
//
// A Scheduler is not safe for concurrent use; it is owned by the call's event
// loop.
package playback

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/supportvoice/pkg/audio"
)

// DefaultDrainTolerance is the slack allowed between the output clock and the
// cursor when deciding whether playback has drained.
const DefaultDrainTolerance = 50 * time.Millisecond

// ErrInvalidPayload is returned by [Scheduler.Schedule] when an audio payload
// cannot be decoded into a whole, non-empty number of PCM16 samples.
var ErrInvalidPayload = errors.New("playback: invalid audio payload")

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithDrainTolerance overrides [DefaultDrainTolerance]. Negative values are
// treated as zero.
func WithDrainTolerance(d time.Duration) Option {
	return func(s *Scheduler) {
		s.tolerance = max(d, 0)
	}
}

// Scheduler computes start times for inbound audio and hands the decoded
// buffers to an [audio.Output].
type Scheduler struct {
	out       audio.Output
	rate      int
	tolerance time.Duration
	cursor    time.Duration
}

// New returns a Scheduler that plays audio at sampleRate on out with the
// cursor at zero.
func New(out audio.Output, sampleRate int, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:       out,
		rate:      sampleRate,
		tolerance: DefaultDrainTolerance,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule decodes a base64 PCM16 payload and schedules it. See
// [Scheduler.ScheduleSamples] for the timing rules. Payloads that are not
// valid base64, are empty, or have an odd byte count return an error
// wrapping [ErrInvalidPayload] and leave the cursor unchanged.
func (s *Scheduler) Schedule(payload string, onEnded func()) (time.Duration, error) {
	samples, err := audio.DecodePCM16Base64(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return s.ScheduleSamples(samples, onEnded)
}

// ScheduleSamples places samples on the output clock at max(now, cursor),
// advances the cursor to the end of the buffer, and returns the chosen start
// time. onEnded is forwarded to the output and runs on the output's
// goroutine when the buffer finishes.
func (s *Scheduler) ScheduleSamples(samples []float32, onEnded func()) (time.Duration, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("%w: %w", ErrInvalidPayload, audio.ErrEmpty)
	}
	buf := audio.Buffer{Samples: samples, SampleRate: s.rate}
	start := max(s.out.Now(), s.cursor)
	if err := s.out.Schedule(buf, start, onEnded); err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	s.cursor = start + buf.Duration()
	return start, nil
}

// Clear pulls the cursor back to the current clock time; it never moves the
// cursor forward. Audio already handed to the output keeps playing.
func (s *Scheduler) Clear() {
	s.cursor = min(s.cursor, s.out.Now())
}

// Reset moves the cursor back to zero, as at the start or end of a call.
func (s *Scheduler) Reset() {
	s.cursor = 0
}

// Cursor returns the time at which the next frame may start.
func (s *Scheduler) Cursor() time.Duration { return s.cursor }

// SampleRate returns the rate at which buffers are scheduled.
func (s *Scheduler) SampleRate() int { return s.rate }

// Drained reports whether the output clock has reached the cursor, within
// the drain tolerance, meaning no scheduled audio remains queued.
func (s *Scheduler) Drained() bool {
	return s.out.Now() >= s.cursor-s.tolerance
}
