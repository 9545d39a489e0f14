package transport_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/supportvoice/internal/observe"
	"github.com/MrWong99/supportvoice/internal/transport"
	"github.com/MrWong99/supportvoice/pkg/audio"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startAgentServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startAgentServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeRaw sends data as a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// nextEvent waits for one event from ch.
func nextEvent(t *testing.T, ch <-chan transport.Event) (transport.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}, false
	}
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

func ignoredCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "supportvoice.protocol.ignored" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("protocol.ignored is %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesFrame(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- msg
	})

	m, _ := newTestMetrics(t)
	ch, err := transport.Dial(context.Background(), wsURL(srv), transport.WithMetrics(m))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	pcm := audio.FloatToPCM16([]float32{0, 0.5, -1})
	if err := ch.SendAudio(context.Background(), audio.AudioFrame{Data: pcm, SampleRate: 16000}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-got:
		if msg["type"] != "audio" {
			t.Errorf("type = %v, want audio", msg["type"])
		}
		if msg["sampleRate"] != float64(16000) {
			t.Errorf("sampleRate = %v, want 16000", msg["sampleRate"])
		}
		if msg["audio"] != base64.StdEncoding.EncodeToString(pcm) {
			t.Errorf("audio = %v, want base64 of PCM", msg["audio"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive frame")
	}
}

func TestEvents_DeliversFramesAndDropsJunk(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeRaw(t, conn, `{"type":"thinking"}`)
		writeRaw(t, conn, `not json`)
		writeRaw(t, conn, `{"type":"mystery"}`)
		writeRaw(t, conn, `{"type":"audio"}`)
		writeRaw(t, conn, `{"type":"audio","audio":"AAAA"}`)
		writeRaw(t, conn, `{"type":"transcript","role":"user","text":"hello"}`)
		writeRaw(t, conn, `{"type":"clear"}`)
		writeRaw(t, conn, `{"type":"error","message":"oops"}`)
		// Returning closes the connection normally.
	})

	m, reader := newTestMetrics(t)
	ch, err := transport.Dial(context.Background(), wsURL(srv), transport.WithMetrics(m))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	wantTypes := []transport.FrameType{
		transport.TypeThinking,
		transport.TypeAudio,
		transport.TypeTranscript,
		transport.TypeClear,
		transport.TypeError,
	}
	for i, want := range wantTypes {
		ev, ok := nextEvent(t, ch.Events())
		if !ok {
			t.Fatalf("event %d: channel closed early", i)
		}
		if ev.Kind != transport.KindFrame || ev.Frame.Type != want {
			t.Fatalf("event %d = %+v, want %s frame", i, ev, want)
		}
		if want == transport.TypeTranscript && ev.Frame.Text != "hello" {
			t.Errorf("transcript text = %q, want hello", ev.Frame.Text)
		}
		if want == transport.TypeError && ev.Frame.Message != "oops" {
			t.Errorf("error message = %q, want oops", ev.Frame.Message)
		}
	}

	ev, ok := nextEvent(t, ch.Events())
	if !ok || ev.Kind != transport.KindClosed {
		t.Fatalf("final event = %+v (ok=%v), want closed", ev, ok)
	}
	if _, ok := nextEvent(t, ch.Events()); ok {
		t.Error("events channel not closed after terminal event")
	}
	if got := ignoredCount(t, reader); got != 3 {
		t.Errorf("ignored frames = %d, want 3", got)
	}
}

func TestEvents_AbnormalCloseIsError(t *testing.T) {
	t.Parallel()

	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusInternalError, "agent crashed")
	})

	m, _ := newTestMetrics(t)
	ch, err := transport.Dial(context.Background(), wsURL(srv), transport.WithMetrics(m))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	ev, ok := nextEvent(t, ch.Events())
	if !ok || ev.Kind != transport.KindError {
		t.Fatalf("event = %+v (ok=%v), want error", ev, ok)
	}
	var te *transport.Error
	if !errors.As(ev.Err, &te) || te.Op != "read" {
		t.Errorf("err = %v, want *transport.Error{Op: read}", ev.Err)
	}
}

func TestClose_IdempotentAndSilent(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startAgentServer(t, func(conn *websocket.Conn, r *http.Request) {
		// Keep reading so the close handshake completes.
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				close(release)
				return
			}
		}
	})

	m, _ := newTestMetrics(t)
	ch, err := transport.Dial(context.Background(), wsURL(srv), transport.WithMetrics(m))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	for ev := range ch.Events() {
		t.Errorf("unexpected event after Close: %+v", ev)
	}
	if err := ch.SendAudio(context.Background(), audio.AudioFrame{Data: []byte{0, 0}, SampleRate: 24000}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
	select {
	case <-release:
	case <-time.After(5 * time.Second):
		t.Error("server never saw the close")
	}
}

func TestDial_Failure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	m, _ := newTestMetrics(t)
	_, err := transport.Dial(context.Background(), wsURL(srv), transport.WithMetrics(m))
	var te *transport.Error
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("err = %v, want *transport.Error{Op: dial}", err)
	}
}

func TestDial_SendsHeaders(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := startAgentServer(t, func(_ *websocket.Conn, r *http.Request) {
		got <- r.Header.Get("x-api-key")
	})

	m, _ := newTestMetrics(t)
	ch, err := transport.Dial(context.Background(), wsURL(srv),
		transport.WithMetrics(m),
		transport.WithHeader(http.Header{"X-Api-Key": []string{"k"}}),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	if v := <-got; v != "k" {
		t.Errorf("x-api-key = %q, want k", v)
	}
}
