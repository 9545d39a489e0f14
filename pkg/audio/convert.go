package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// pcmScale maps a normalised sample onto the signed 16-bit range.
const pcmScale = 32768

var (
	// ErrOddLength is returned when PCM16 data does not contain a whole number
	// of samples.
	ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

	// ErrEmpty is returned when a payload decodes to zero samples.
	ErrEmpty = errors.New("audio: empty PCM16 payload")
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FloatToPCM16Sample quantises a single normalised sample using
// round(clamp(x, -1, 1) * 32768), clamped to the int16 range. NaN maps to 0.
func FloatToPCM16Sample(x float32) int16 {
	v := float64(x)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	q := math.Round(v * pcmScale)
	if q > math.MaxInt16 {
		q = math.MaxInt16
	} else if q < math.MinInt16 {
		q = math.MinInt16
	}
	return int16(q)
}

// FloatToPCM16 converts normalised float samples to little-endian PCM16 bytes.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToPCM16Sample(s)))
	}
	return out
}

// PCM16ToFloat interprets pcm as signed 16-bit little-endian samples and
// normalises each one by dividing by 32768, yielding values in [-1, 1).
// Returns [ErrOddLength] if pcm is not sample aligned.
func PCM16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / pcmScale
	}
	return out, nil
}

// EncodePCM16Base64 quantises samples to PCM16 and returns the standard
// base64 encoding of the resulting bytes, as carried in "audio" frames.
func EncodePCM16Base64(samples []float32) string {
	return base64.StdEncoding.EncodeToString(FloatToPCM16(samples))
}

// DecodePCM16Base64 reverses [EncodePCM16Base64]: base64 → bytes → int16 LE →
// normalised floats. Empty payloads return [ErrEmpty].
func DecodePCM16Base64(payload string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmpty
	}
	return PCM16ToFloat(raw)
}

// Float32LEToSamples decodes raw little-endian IEEE-754 float32 data, the
// layout produced by capture devices running in f32le mode. Trailing bytes
// that do not form a whole sample are ignored.
func Float32LEToSamples(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
