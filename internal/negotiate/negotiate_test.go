package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/supportvoice/internal/observe"
	"github.com/MrWong99/supportvoice/internal/resilience"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// startControlServer serves fn as the session start endpoint and counts
// requests.
func startControlServer(t *testing.T, fn http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fn(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func reply(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func newTestNegotiator(t *testing.T, url string, mutate ...func(*Config)) *Negotiator {
	t.Helper()
	cfg := Config{ControlURL: url, Metrics: testMetrics(t)}
	for _, m := range mutate {
		m(&cfg)
	}
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestStartSession_Success(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	var gotKey, gotCT string
	srv, _ := startControlServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotKey = r.Header.Get("x-api-key")
		gotCT = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		reply(`{"sessionId":"s-1","wsUrl":"wss://x","audioConfig":{"sampleRate":16000}}`)(w, r)
	})

	n := newTestNegotiator(t, srv.URL, func(c *Config) { c.APIKey = "secret" })
	sess, err := n.StartSession(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.TransportURL != "wss://x" || sess.SampleRate != 16000 || sess.ID != "s-1" {
		t.Errorf("session = %+v", sess)
	}
	if gotBody["agentId"] != "agent-1" {
		t.Errorf("request body = %v, want agentId=agent-1", gotBody)
	}
	if gotKey != "secret" {
		t.Errorf("x-api-key = %q, want secret", gotKey)
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type = %q", gotCT)
	}
}

func TestStartSession_SampleRateDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"absent audio config", `{"wsUrl":"wss://x"}`},
		{"null audio config", `{"wsUrl":"wss://x","audioConfig":null}`},
		{"absent rate", `{"wsUrl":"wss://x","audioConfig":{}}`},
		{"string rate", `{"wsUrl":"wss://x","audioConfig":{"sampleRate":"16000"}}`},
		{"zero rate", `{"wsUrl":"wss://x","audioConfig":{"sampleRate":0}}`},
		{"negative rate", `{"wsUrl":"wss://x","audioConfig":{"sampleRate":-8000}}`},
		{"rate above ceiling", `{"wsUrl":"wss://x","audioConfig":{"sampleRate":384001}}`},
		{"huge rate", `{"wsUrl":"wss://x","audioConfig":{"sampleRate":1e30}}`},
		{"audio config not an object", `{"wsUrl":"wss://x","audioConfig":"fast"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, _ := startControlServer(t, reply(tt.body))
			sess, err := newTestNegotiator(t, srv.URL).StartSession(context.Background(), "a")
			if err != nil {
				t.Fatalf("StartSession: %v", err)
			}
			if sess.SampleRate != 24000 {
				t.Errorf("SampleRate = %d, want 24000", sess.SampleRate)
			}
			if sess.ID == "" {
				t.Error("session id not generated")
			}
		})
	}
}

func TestStartSession_SampleRateCeiling(t *testing.T) {
	t.Parallel()

	for body, want := range map[string]int{
		`{"wsUrl":"wss://x","audioConfig":{"sampleRate":384000}}`:  MaxSampleRate,
		`{"wsUrl":"wss://x","audioConfig":{"sampleRate":22050.7}}`: 22050,
	} {
		srv, _ := startControlServer(t, reply(body))
		sess, err := newTestNegotiator(t, srv.URL).StartSession(context.Background(), "a")
		if err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		if sess.SampleRate != want {
			t.Errorf("%s: SampleRate = %d, want %d", body, sess.SampleRate, want)
		}
	}
}

func TestStartSession_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantErr    error
		wantStatus int
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantErr:    ErrUnexpectedStatus,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "missing wsUrl",
			handler:    reply(`{"audioConfig":{"sampleRate":16000}}`),
			wantErr:    ErrNoTransportURL,
			wantStatus: http.StatusOK,
		},
		{
			name:       "empty wsUrl",
			handler:    reply(`{"wsUrl":""}`),
			wantErr:    ErrNoTransportURL,
			wantStatus: http.StatusOK,
		},
		{
			name:       "wsUrl not a string",
			handler:    reply(`{"wsUrl":42}`),
			wantErr:    ErrNoTransportURL,
			wantStatus: http.StatusOK,
		},
		{
			name:       "not json",
			handler:    reply(`<html>`),
			wantStatus: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv, hits := startControlServer(t, tt.handler)
			_, err := newTestNegotiator(t, srv.URL).StartSession(context.Background(), "a")

			var ne *Error
			if !errors.As(err, &ne) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if ne.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", ne.StatusCode, tt.wantStatus)
			}
			if hits.Load() != 1 {
				t.Errorf("requests = %d, want exactly 1 (no retry)", hits.Load())
			}
		})
	}
}

func TestStartSession_EmptyAgentID(t *testing.T) {
	t.Parallel()

	srv, hits := startControlServer(t, reply(`{"wsUrl":"wss://x"}`))
	_, err := newTestNegotiator(t, srv.URL).StartSession(context.Background(), "")
	if !errors.Is(err, ErrEmptyAgentID) {
		t.Fatalf("err = %v, want ErrEmptyAgentID", err)
	}
	if hits.Load() != 0 {
		t.Errorf("requests = %d, want 0", hits.Load())
	}
}

func TestStartSession_TransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestNegotiator(t, url).StartSession(context.Background(), "a")
	var ne *Error
	if !errors.As(err, &ne) || ne.StatusCode != 0 {
		t.Fatalf("err = %v, want *Error without status", err)
	}
}

func TestStartSession_ContextCancelled(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv, _ := startControlServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(block) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestNegotiator(t, srv.URL).StartSession(ctx, "a")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestStartSession_BreakerFailsFast(t *testing.T) {
	t.Parallel()

	srv, hits := startControlServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	cb := resilience.NewBreaker(resilience.Options{
		Name:      "session-start",
		Threshold: 2,
		Cooldown:  time.Hour,
		IsFault:   EndpointFault,
	})
	n := newTestNegotiator(t, srv.URL, func(c *Config) { c.Breaker = cb })

	for range 2 {
		_, _ = n.StartSession(context.Background(), "a")
	}
	_, err := n.StartSession(context.Background(), "a")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	var ne *Error
	if !errors.As(err, &ne) || ne.AgentID != "a" {
		t.Errorf("breaker rejection not wrapped in *Error: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("requests = %d, want 2", hits.Load())
	}
}

func TestStartSession_RejectedAgentKeepsBreakerClosed(t *testing.T) {
	t.Parallel()

	srv, hits := startControlServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	cb := resilience.NewBreaker(resilience.Options{Threshold: 1, IsFault: EndpointFault})
	n := newTestNegotiator(t, srv.URL, func(c *Config) { c.Breaker = cb })

	for range 3 {
		_, err := n.StartSession(context.Background(), "unknown-agent")
		var ne *Error
		if !errors.As(err, &ne) || ne.StatusCode != http.StatusNotFound {
			t.Fatalf("err = %v, want *Error with status 404", err)
		}
	}
	if cb.State() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", cb.State())
	}
	if hits.Load() != 3 {
		t.Errorf("requests = %d, want 3", hits.Load())
	}
}

func TestEndpointFault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"bad gateway", &Error{StatusCode: http.StatusBadGateway, Err: ErrUnexpectedStatus}, true},
		{"not found", &Error{StatusCode: http.StatusNotFound, Err: ErrUnexpectedStatus}, false},
		{"unauthorized", &Error{StatusCode: http.StatusUnauthorized, Err: ErrUnexpectedStatus}, false},
		{"rate limited", &Error{StatusCode: http.StatusTooManyRequests, Err: ErrUnexpectedStatus}, true},
		{"request timeout", &Error{StatusCode: http.StatusRequestTimeout, Err: ErrUnexpectedStatus}, true},
		{"no transport url", &Error{StatusCode: http.StatusOK, Err: ErrNoTransportURL}, true},
		{"network", &Error{Err: errors.New("connection refused")}, true},
		{"cancelled", &Error{Err: context.Canceled}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := EndpointFault(tt.err); got != tt.want {
			t.Errorf("%s: EndpointFault = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNew_RequiresControlURL(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty control URL")
	}
}
