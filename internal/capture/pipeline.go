// Package capture turns microphone blocks into outbound audio frames.
//
// A [Pipeline] acquires an [audio.Microphone], quantises every captured block
// to PCM16 and hands it to a [Sender] tagged with the session sample rate.
// The microphone stamps every block with the shared mute gate as it is
// captured; blocks captured while muted are dropped before they reach the
// sender, even when the gate has reopened by the time the pump reads them.
// The pump runs on its own goroutine; the only state it shares with the call
// is the gate and the sender, which must be safe for concurrent use.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/supportvoice/internal/observe"
	"github.com/MrWong99/supportvoice/pkg/audio"
)

// Sender delivers one outbound frame to the remote agent.
type Sender interface {
	SendAudio(ctx context.Context, frame audio.AudioFrame) error
}

// DeviceError reports that the microphone could not be acquired.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("capture: acquire microphone: %v", e.Err) }

func (e *DeviceError) Unwrap() error { return e.Err }

// ErrAlreadyStarted is returned by [Pipeline.Start] on a second call.
var ErrAlreadyStarted = errors.New("capture: pipeline already started")

// Config holds the dependencies of a [Pipeline].
type Config struct {
	// Microphone is the input device. Required.
	Microphone audio.Microphone

	// Sender receives every unmuted frame. Required.
	Sender Sender

	// SampleRate is the capture and tagging rate. Default: [audio.DefaultSampleRate].
	SampleRate int

	// BlockSize is the number of samples per frame. Default: [audio.DefaultBlockSize].
	BlockSize int

	// Mute is the gate the microphone stamps onto each block. A nil Mute
	// means never muted.
	Mute *audio.Gate

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Pipeline is one microphone session. It is started at most once.
type Pipeline struct {
	cfg Config

	mu      sync.Mutex
	stream  audio.CaptureStream
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

// New validates cfg and returns an idle pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Microphone == nil {
		return nil, errors.New("capture: microphone is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("capture: sender is required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = audio.DefaultBlockSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, done: make(chan struct{})}, nil
}

// Start acquires the microphone as a mono stream at the configured rate and
// begins pumping blocks. ctx governs the acquisition only; the pump runs
// until [Pipeline.Stop] or until the device stops delivering blocks.
//
// An acquisition failure is returned as a *[DeviceError].
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	if p.stopped {
		return errors.New("capture: pipeline stopped")
	}

	format := audio.Format{SampleRate: p.cfg.SampleRate, Channels: 1}
	stream, err := p.cfg.Microphone.Open(ctx, format, p.cfg.BlockSize, p.cfg.Mute)
	if err != nil {
		return &DeviceError{Err: err}
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.stream = stream
	p.cancel = cancel
	p.started = true
	go p.pump(pumpCtx, stream)

	p.cfg.Logger.Debug("capture: started", "format", format.String(), "block_size", p.cfg.BlockSize)
	return nil
}

// Done is closed when the pump has exited, either after Stop or because the
// device ended its stream. It never closes for a pipeline that was not
// started.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Stop disconnects the pump and releases the device. It blocks until the
// pump has exited. Stop is idempotent and safe on a pipeline that was never
// started.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	stream, cancel := p.stream, p.cancel
	p.mu.Unlock()

	if !started {
		return nil
	}
	cancel()
	err := stream.Close()
	<-p.done
	if err != nil {
		return fmt.Errorf("capture: release microphone: %w", err)
	}
	return nil
}

// pump forwards blocks until the stream ends or ctx is cancelled.
func (p *Pipeline) pump(ctx context.Context, stream audio.CaptureStream) {
	defer close(p.done)

	var (
		elapsed     time.Duration
		sendFailing bool
	)
	blocks := stream.Blocks()
	for {
		var block audio.Block
		var ok bool
		select {
		case block, ok = <-blocks:
		case <-ctx.Done():
			go audio.Drain(blocks)
			return
		}
		if !ok {
			return
		}

		ts := elapsed
		elapsed += audio.SamplesDuration(len(block.Samples), p.cfg.SampleRate)

		if block.Muted {
			p.cfg.Metrics.FramesMuted.Add(ctx, 1)
			continue
		}

		frame := audio.AudioFrame{
			Data:       audio.FloatToPCM16(block.Samples),
			SampleRate: p.cfg.SampleRate,
			Timestamp:  ts,
		}
		if err := p.cfg.Sender.SendAudio(ctx, frame); err != nil {
			p.cfg.Metrics.SendErrors.Add(ctx, 1)
			if !sendFailing && ctx.Err() == nil {
				p.cfg.Logger.Warn("capture: send frame failed", "err", err)
			}
			sendFailing = true
			continue
		}
		sendFailing = false
		p.cfg.Metrics.FramesSent.Add(ctx, 1)
	}
}
