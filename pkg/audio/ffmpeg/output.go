package ffmpeg

import (
	"container/heap"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/supportvoice/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Output = (*Output)(nil)

// DefaultTick is the render period of an [Output]. Each tick renders exactly
// one tick's worth of samples, so the output clock advances in tick steps.
const DefaultTick = 20 * time.Millisecond

// ErrClosed is returned by [Output.Schedule] after the output was closed.
var ErrClosed = errors.New("ffmpeg: output closed")

// Output is a tick-paced [audio.Output]. A render goroutine mixes every voice
// that overlaps the current tick into a PCM16 block and writes it to a sink
// (ffplay's stdin for a real speaker, [io.Discard] for the silent backend).
// The clock is the number of samples rendered so far.
//
// Overlapping voices are summed and clipped, so audio scheduled after a
// barge-in may overlap audio that was already queued.
//
// All exported methods are safe for concurrent use.
type Output struct {
	sink        io.Writer
	rate        int
	tick        time.Duration
	tickSamples int
	release     func() error

	mu      sync.Mutex
	pos     int64     // samples rendered so far
	pending voiceHeap // voices that have not started yet
	active  []*voice  // voices overlapping the render position
	seq     uint64
	mix     []float32

	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closed    bool
	started   bool
}

// newOutput creates an Output rendering mono audio at rate Hz into sink. The
// render loop is not started; call start, or drive render directly in tests.
// release, when non-nil, is invoked once from Close after the loop stops.
func newOutput(sink io.Writer, rate int, tick time.Duration, release func() error) *Output {
	if tick <= 0 {
		tick = DefaultTick
	}
	n := audio.DurationSamples(tick, rate)
	if n <= 0 {
		n = 1
	}
	return &Output{
		sink:        sink,
		rate:        rate,
		tick:        tick,
		tickSamples: n,
		release:     release,
		mix:         make([]float32, n),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return audio.SamplesDuration(int(o.pos), o.rate)
}

// Schedule implements [audio.Output]. Buffers whose sample rate differs from
// the output's are played as if they matched; the call pipeline always opens
// the output at the session rate.
func (o *Output) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	start := int64(audio.NearestSamples(at, o.rate))
	if start < o.pos {
		start = o.pos
	}
	o.seq++
	heap.Push(&o.pending, &voice{
		samples: buf.Samples,
		start:   start,
		onEnded: onEnded,
		seq:     o.seq,
	})
	return nil
}

// Close implements [audio.Output]. Pending and active voices are discarded
// without their completion callbacks.
func (o *Output) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.pending = nil
		o.active = nil
		started := o.started
		o.mu.Unlock()
		close(o.done)
		if started {
			<-o.loopDone
		}
		if o.release != nil {
			err = o.release()
		}
	})
	return err
}

// start launches the render loop.
func (o *Output) start() {
	o.mu.Lock()
	o.started = true
	o.mu.Unlock()
	go o.run()
}

// run renders one tick per tick period until Close is called. A sink write
// failure stops rendering; the clock then stands still.
func (o *Output) run() {
	defer close(o.loopDone)
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			if err := o.render(); err != nil {
				slog.Warn("ffmpeg: output sink failed", "err", err)
				<-o.done
				return
			}
		}
	}
}

// render mixes and writes the next tick, advances the clock, and then fires
// the completion callbacks of voices that finished inside the tick.
func (o *Output) render() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	from := o.pos
	to := from + int64(o.tickSamples)

	for o.pending.Len() > 0 && o.pending[0].start < to {
		o.active = append(o.active, heap.Pop(&o.pending).(*voice))
	}

	clear(o.mix)
	var ended []func()
	kept := o.active[:0]
	for _, v := range o.active {
		lo := max(v.start, from)
		hi := min(v.end(), to)
		for p := lo; p < hi; p++ {
			o.mix[p-from] += v.samples[p-v.start]
		}
		if v.end() <= to {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(o.active); i++ {
		o.active[i] = nil
	}
	o.active = kept
	pcm := audio.FloatToPCM16(o.mix)
	o.pos = to
	o.mu.Unlock()

	if _, err := o.sink.Write(pcm); err != nil {
		return err
	}
	for _, fn := range ended {
		fn()
	}
	return nil
}
