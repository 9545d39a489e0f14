package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/MrWong99/supportvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Speaker = (*Speaker)(nil)
	_ audio.Speaker = (*SilentSpeaker)(nil)
)

// Speaker plays audio through an ffplay subprocess that reads mono s16le PCM
// from its stdin.
type Speaker struct {
	// Path is the ffplay binary. Defaults to "ffplay" looked up in PATH.
	Path string

	// Tick is the render period. Defaults to [DefaultTick].
	Tick time.Duration
}

// Open implements [audio.Speaker]. It starts ffplay and returns an [Output]
// whose clock advances as rendered audio is handed to the player.
func (s *Speaker) Open(ctx context.Context, format audio.Format) (audio.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid sample rate %d", format.SampleRate)
	}
	path := s.Path
	if path == "" {
		path = "ffplay"
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: ffplay is required for playback: %w", err)
	}
	cmd := exec.Command(bin,
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start ffplay: %w", err)
	}

	release := func() error {
		closeErr := stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			return fmt.Errorf("ffmpeg: close ffplay stdin: %w", closeErr)
		}
		return nil
	}
	out := newOutput(stdin, format.SampleRate, s.Tick, release)
	out.start()
	return out, nil
}

// SilentSpeaker is an [audio.Speaker] whose outputs keep wall-clock time but
// discard the rendered samples. It lets the call pipeline run headless.
type SilentSpeaker struct {
	// Tick is the render period. Defaults to [DefaultTick].
	Tick time.Duration
}

// Open implements [audio.Speaker].
func (s *SilentSpeaker) Open(ctx context.Context, format audio.Format) (audio.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid sample rate %d", format.SampleRate)
	}
	out := newOutput(io.Discard, format.SampleRate, s.Tick, nil)
	out.start()
	return out, nil
}
