package audio

import "time"

// DefaultSampleRate is the sample rate used when the remote agent does not
// announce one during session negotiation.
const DefaultSampleRate = 24000

// DefaultBlockSize is the number of samples per captured block. At 24 kHz a
// block spans roughly 170ms.
const DefaultBlockSize = 4096

// AudioFrame represents a single block of outbound audio flowing from the
// microphone to the remote agent. Frames are produced by the capture pipeline
// and handed to the transport immediately; nothing retains them afterwards.
type AudioFrame struct {
	// Data holds mono PCM16 little-endian samples.
	Data []byte

	// SampleRate in Hz (e.g., 24000 by default, 16000 when the agent asks for it).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of PCM16 samples carried by the frame.
func (f AudioFrame) Samples() int { return len(f.Data) / 2 }

// Buffer is a block of normalised mono samples ready to be placed on an
// [Output] clock. Sample values are in [-1, 1).
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration reports how long the buffer plays at its sample rate. A buffer
// with a non-positive sample rate has zero duration.
func (b Buffer) Duration() time.Duration {
	return SamplesDuration(len(b.Samples), b.SampleRate)
}

// SamplesDuration converts a sample count at rate Hz into a duration.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 || samples <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// DurationSamples converts d into a whole number of samples at rate Hz,
// rounding down.
func DurationSamples(d time.Duration, rate int) int {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}

// NearestSamples converts d into the nearest whole number of samples at rate
// Hz. It inverts [SamplesDuration] exactly, so a clock position derived from
// a sample count maps back to the same sample.
func NearestSamples(d time.Duration, rate int) int {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int((int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second))
}
