package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/supportvoice/internal/capture"
	"github.com/MrWong99/supportvoice/internal/observe"
	"github.com/MrWong99/supportvoice/pkg/audio"
	"github.com/MrWong99/supportvoice/pkg/audio/mock"
)

// recordingSender collects every frame it is handed and signals each
// attempt on calls.
type recordingSender struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	err    error
	calls  chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{calls: make(chan struct{}, 64)}
}

func (s *recordingSender) SendAudio(_ context.Context, f audio.AudioFrame) error {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		if s.calls != nil {
			s.calls <- struct{}{}
		}
	}()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

// waitCalls blocks until n more SendAudio calls have completed.
func (s *recordingSender) waitCalls(t *testing.T, n int) {
	t.Helper()
	for i := range n {
		select {
		case <-s.calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for send %d of %d", i+1, n)
		}
	}
}

// stallingSender holds its first SendAudio call until release is closed.
type stallingSender struct {
	*recordingSender
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingSender) SendAudio(ctx context.Context, f audio.AudioFrame) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.recordingSender.SendAudio(ctx, f)
}

func (s *recordingSender) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.frames...)
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func block(n int, v float32) []float32 {
	b := make([]float32, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func startPipeline(t *testing.T, cfg capture.Config) (*capture.Pipeline, *mock.CaptureStream) {
	t.Helper()
	p, err := capture.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })
	mic := cfg.Microphone.(*mock.Microphone)
	return p, mic.Stream()
}

func TestPipeline_SendsQuantisedFrames(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	sender := newRecordingSender()
	m, reader := newTestMetrics(t)
	p, stream := startPipeline(t, capture.Config{
		Microphone: mic,
		Sender:     sender,
		SampleRate: 16000,
		BlockSize:  4,
		Metrics:    m,
	})

	stream.Push([]float32{0, 0.5, -1, 2})
	stream.Push(block(4, 0))
	sender.waitCalls(t, 2)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := mic.Formats[0]; got != (audio.Format{SampleRate: 16000, Channels: 1}) {
		t.Errorf("format = %v, want 16000Hz mono", got)
	}
	if got := mic.BlockSizes[0]; got != 4 {
		t.Errorf("block size = %d, want 4", got)
	}

	frames := sender.Frames()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want 2", len(frames))
	}
	want := audio.FloatToPCM16([]float32{0, 0.5, -1, 1})
	if string(frames[0].Data) != string(want) {
		t.Errorf("frame 0 data = %v, want %v", frames[0].Data, want)
	}
	for i, f := range frames {
		if f.SampleRate != 16000 {
			t.Errorf("frame %d sample rate = %d, want 16000", i, f.SampleRate)
		}
	}
	if frames[1].Timestamp != 250*time.Microsecond {
		t.Errorf("frame 1 timestamp = %v, want 250µs", frames[1].Timestamp)
	}
	if got := counterValue(t, reader, "supportvoice.frames.sent"); got != 2 {
		t.Errorf("frames.sent = %d, want 2", got)
	}
	if !stream.Closed() {
		t.Error("stream not released on Stop")
	}
}

func TestPipeline_MuteGatesSending(t *testing.T) {
	t.Parallel()

	var gate audio.Gate
	mic := &mock.Microphone{}
	sender := newRecordingSender()
	m, reader := newTestMetrics(t)
	_, stream := startPipeline(t, capture.Config{
		Microphone: mic,
		Sender:     sender,
		BlockSize:  2,
		Mute:       &gate,
		Metrics:    m,
	})
	if mic.Gates[0] != &gate {
		t.Fatal("microphone was not opened with the mute gate")
	}

	stream.Push(block(2, 0.1))
	sender.waitCalls(t, 1)
	gate.SetMuted(true)
	stream.Push(block(2, 0.2))
	stream.Push(block(2, 0.3))
	gate.SetMuted(false)
	stream.Push(block(2, 0.4))
	sender.waitCalls(t, 1)

	assertFrames(t, sender.Frames(), block(2, 0.1), block(2, 0.4))
	if got := counterValue(t, reader, "supportvoice.frames.muted"); got != 2 {
		t.Errorf("frames.muted = %d, want 2", got)
	}
}

func TestPipeline_MutedBlocksStayMutedWhileQueued(t *testing.T) {
	t.Parallel()

	var gate audio.Gate
	sender := &stallingSender{
		recordingSender: newRecordingSender(),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	m, reader := newTestMetrics(t)
	_, stream := startPipeline(t, capture.Config{
		Microphone: &mock.Microphone{},
		Sender:     sender,
		BlockSize:  2,
		Mute:       &gate,
		Metrics:    m,
	})

	stream.Push(block(2, 0.1))
	<-sender.entered

	// The pump is stuck in SendAudio, so these blocks wait in the device
	// queue until after the gate has reopened.
	gate.SetMuted(true)
	stream.Push(block(2, 0.2))
	stream.Push(block(2, 0.3))
	gate.SetMuted(false)
	stream.Push(block(2, 0.4))
	close(sender.release)
	sender.waitCalls(t, 2)

	assertFrames(t, sender.Frames(), block(2, 0.1), block(2, 0.4))
	if got := counterValue(t, reader, "supportvoice.frames.muted"); got != 2 {
		t.Errorf("frames.muted = %d, want 2", got)
	}
}

func assertFrames(t *testing.T, frames []audio.AudioFrame, want ...[]float32) {
	t.Helper()
	if len(frames) != len(want) {
		t.Fatalf("sent %d frames, want %d", len(frames), len(want))
	}
	for i, w := range want {
		if string(frames[i].Data) != string(audio.FloatToPCM16(w)) {
			t.Errorf("frame %d = %v, want %v", i, frames[i].Data, audio.FloatToPCM16(w))
		}
	}
}

func TestPipeline_DeviceError(t *testing.T) {
	t.Parallel()

	denied := errors.New("permission denied")
	p, err := capture.New(capture.Config{
		Microphone: &mock.Microphone{OpenErr: denied},
		Sender:     &recordingSender{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = p.Start(context.Background())
	var de *capture.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("Start err = %v, want *DeviceError", err)
	}
	if !errors.Is(err, denied) {
		t.Errorf("Start err does not wrap the device cause: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop after failed Start: %v", err)
	}
}

func TestPipeline_StopIdempotentAndNeverStarted(t *testing.T) {
	t.Parallel()

	p, err := capture.New(capture.Config{Microphone: &mock.Microphone{}, Sender: &recordingSender{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := range 3 {
		if err := p.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("Start after Stop succeeded")
	}

	mic := &mock.Microphone{}
	started, _ := startPipeline(t, capture.Config{Microphone: mic, Sender: &recordingSender{}})
	_ = started.Stop()
	_ = started.Stop()
	if got := mic.Stream().CallCountClose; got != 1 {
		t.Errorf("stream closed %d times, want 1", got)
	}
	if err := started.Start(context.Background()); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestPipeline_DoneOnDeviceEnd(t *testing.T) {
	t.Parallel()

	p, stream := startPipeline(t, capture.Config{Microphone: &mock.Microphone{}, Sender: &recordingSender{}})
	stream.Fail()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after device ended")
	}
}

func TestPipeline_SendErrorsCounted(t *testing.T) {
	t.Parallel()

	sender := newRecordingSender()
	sender.err = errors.New("broken pipe")
	m, reader := newTestMetrics(t)
	p, stream := startPipeline(t, capture.Config{
		Microphone: &mock.Microphone{},
		Sender:     sender,
		BlockSize:  1,
		Metrics:    m,
	})
	stream.Push(block(1, 0))
	stream.Push(block(1, 0))
	sender.waitCalls(t, 2)
	_ = p.Stop()

	if got := counterValue(t, reader, "supportvoice.transport.send_errors"); got != 2 {
		t.Errorf("send_errors = %d, want 2", got)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := capture.New(capture.Config{Sender: &recordingSender{}}); err == nil {
		t.Error("New without microphone succeeded")
	}
	if _, err := capture.New(capture.Config{Microphone: &mock.Microphone{}}); err == nil {
		t.Error("New without sender succeeded")
	}
}
