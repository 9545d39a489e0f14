// Package audio defines the interfaces and types for local audio hardware
// used by a voice call: a [Microphone] that yields fixed-size sample blocks
// and a [Speaker] whose [Output] exposes a playback clock on which buffers
// can be placed at exact start times.
//
// The two primary abstractions are:
//
//   - [Microphone] acquires the input device and returns a [CaptureStream].
//   - [Speaker] opens the output device and returns an [Output] clock.
//
// Implementations live in adapter packages (audio/ffmpeg for real devices,
// audio/mock for tests). The interfaces are intentionally narrow so the call
// pipeline stays independent of how samples reach the hardware.
package audio

import (
	"context"
	"time"
)

// CaptureStream is an acquired microphone delivering normalised mono sample
// blocks of a fixed size.
//
// The Blocks channel is closed when the stream ends, either because Close was
// called or because the device went away. Close releases the device; it is
// safe to call more than once.
type CaptureStream interface {
	// Blocks returns the channel on which captured blocks arrive in capture
	// order. Each block holds exactly the block size requested at Open time
	// and carries the state of the mute gate at the moment it was captured.
	Blocks() <-chan Block

	// Close stops capture and releases the device. Subsequent calls are
	// no-ops and return nil.
	Close() error
}

// Microphone is the entry point for an input device.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open acquires the device exclusively and starts continuous capture in
	// the given format, delivering blocks of blockSize samples. Every block
	// is stamped with gate's state when the device produced it; a nil gate
	// never mutes. The supplied ctx governs the acquisition attempt only.
	//
	// Returns an error if the device is absent or access is refused.
	Open(ctx context.Context, format Format, blockSize int, gate *Gate) (CaptureStream, error)
}

// Output is an open playback device with its own monotonic clock. The clock
// starts at zero when the output is opened and advances while audio plays
// out, whether or not anything is scheduled.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Schedule places buf on the timeline so that its first sample plays at
	// clock position at. If at is already in the past, playback starts
	// immediately. Buffers that overlap in time are mixed.
	//
	// onEnded, when non-nil, is invoked exactly once after the buffer has
	// finished playing. It is called from an internal goroutine and must not
	// block. Buffers still pending when the output is closed never end.
	Schedule(buf Buffer, at time.Duration, onEnded func()) error

	// Close stops playback, discards pending buffers, and releases the
	// device. It is safe to call Close more than once.
	Close() error
}

// Speaker is the entry point for an output device.
//
// Implementations must be safe for concurrent use.
type Speaker interface {
	// Open acquires the output device for mono playback at format.SampleRate
	// and returns its clock.
	Open(ctx context.Context, format Format) (Output, error)
}
