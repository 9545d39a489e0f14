// Package ffmpeg provides [audio.Microphone] and [audio.Speaker]
// implementations backed by the ffmpeg and ffplay command-line tools, plus
// silent variants with the same timing behaviour for headless use.
//
// Capture runs ffmpeg against the platform's default input (PulseAudio on
// Linux, AVFoundation on macOS) and reads mono f32le samples from its stdout.
// Playback mixes scheduled buffers on a tick-paced timeline and streams the
// result to ffplay as s16le.
package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/supportvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Microphone = (*SilentMicrophone)(nil)
)

// Microphone captures audio through an ffmpeg subprocess.
type Microphone struct {
	// Path is the ffmpeg binary. Defaults to "ffmpeg" looked up in PATH.
	Path string

	// Device overrides the platform input device ("default" on Linux, ":0"
	// on macOS).
	Device string
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, format audio.Format, blockSize int, gate *audio.Gate) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid block size %d", blockSize)
	}
	path := m.Path
	if path == "" {
		path = "ffmpeg"
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: ffmpeg is required for capture: %w", err)
	}
	args, err := captureArgs(runtime.GOOS, m.Device, format.SampleRate)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start capture: %w", err)
	}

	s := &stream{
		blocks: make(chan audio.Block, 4),
		done:   make(chan struct{}),
		gate:   gate,
		stop: func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			_ = cmd.Wait()
		},
	}
	go s.pump(stdout, blockSize)
	return s, nil
}

// captureArgs builds the ffmpeg argument list for goos.
func captureArgs(goos, device string, rate int) ([]string, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid sample rate %d", rate)
	}
	var input []string
	switch goos {
	case "linux":
		if device == "" {
			device = "default"
		}
		input = []string{"-f", "pulse", "-i", device}
	case "darwin":
		if device == "" {
			device = ":0"
		}
		input = []string{"-f", "avfoundation", "-i", device}
	default:
		return nil, fmt.Errorf("ffmpeg: capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	args = append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-f", "f32le", "-",
	)
	return args, nil
}

// stream is the [audio.CaptureStream] shared by both microphones.
type stream struct {
	blocks chan audio.Block
	done   chan struct{}
	gate   *audio.Gate
	stop   func()

	closeOnce sync.Once
}

func (s *stream) Blocks() <-chan audio.Block { return s.blocks }

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
	return nil
}

// pump reads whole blocks of f32le samples from r until EOF or Close. Each
// block is stamped with the gate as soon as its last byte has arrived, so a
// block captured while muted stays muted while it waits in the channel.
func (s *stream) pump(r io.Reader, blockSize int) {
	defer close(s.blocks)
	raw := make([]byte, blockSize*4)
	for {
		// A short read means ffmpeg exited or was killed by Close.
		if _, err := io.ReadFull(r, raw); err != nil {
			return
		}
		select {
		case s.blocks <- s.gate.Stamp(audio.Float32LEToSamples(raw)):
		case <-s.done:
			return
		}
	}
}

// SilentMicrophone is an [audio.Microphone] producing blocks of silence at
// the real-time rate of the requested format.
type SilentMicrophone struct{}

// Open implements [audio.Microphone].
func (SilentMicrophone) Open(ctx context.Context, format audio.Format, blockSize int, gate *audio.Gate) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid block size %d", blockSize)
	}
	period := audio.SamplesDuration(blockSize, format.SampleRate)
	if period <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid sample rate %d", format.SampleRate)
	}
	s := &stream{
		blocks: make(chan audio.Block, 1),
		done:   make(chan struct{}),
		gate:   gate,
	}
	go func() {
		defer close(s.blocks)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				select {
				case s.blocks <- s.gate.Stamp(make([]float32, blockSize)):
				case <-s.done:
					return
				}
			}
		}
	}()
	return s, nil
}
