// Package negotiate requests a voice session from the control endpoint.
//
// A [Negotiator] issues exactly one POST per call attempt and turns the reply
// into a [Session]: the websocket address to dial and the sample rate both
// directions use. It never retries. An optional circuit breaker makes repeated
// failures fail fast until the endpoint recovers.
package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/supportvoice/internal/observe"
	"github.com/MrWong99/supportvoice/internal/resilience"
	"github.com/MrWong99/supportvoice/pkg/audio"
)

// maxResponseBytes bounds how much of a session reply is read.
const maxResponseBytes = 1 << 20

// MaxSampleRate is the highest announced sample rate accepted from a session
// reply. Larger values fall back to the default rate.
const MaxSampleRate = 384000

var (
	// ErrEmptyAgentID is returned when StartSession is called without an agent.
	ErrEmptyAgentID = errors.New("agent id must not be empty")

	// ErrNoTransportURL is returned when the reply carries no wsUrl.
	ErrNoTransportURL = errors.New("no transport address in session reply")

	// ErrUnexpectedStatus is returned for non-2xx replies.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// Error is the negotiation failure returned by [Negotiator.StartSession]. Every
// failure, including a breaker rejection, is an *Error.
type Error struct {
	// AgentID is the agent the session was requested for.
	AgentID string

	// StatusCode is the HTTP status of the reply, or 0 if none was received.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("negotiate: start session for %q: %v (status %d)", e.AgentID, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("negotiate: start session for %q: %v", e.AgentID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// EndpointFault reports whether err indicates a problem with the control
// endpoint rather than with the request. Client errors other than timeouts
// and rate limiting are the caller's fault.
func EndpointFault(err error) bool {
	if !resilience.EndpointFault(err) {
		return false
	}
	var ne *Error
	if errors.As(err, &ne) && ne.StatusCode >= 400 && ne.StatusCode < 500 {
		return ne.StatusCode == http.StatusRequestTimeout || ne.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// Session is a negotiated call session.
type Session struct {
	// ID identifies the session. Taken from the reply's sessionId when
	// present, otherwise generated locally.
	ID string

	// TransportURL is the websocket address to dial.
	TransportURL string

	// SampleRate is the audio rate in Hz for both directions.
	SampleRate int
}

// Config holds the settings for a [Negotiator].
type Config struct {
	// ControlURL is the session start endpoint. Required.
	ControlURL string

	// APIKey, when set, is sent in the x-api-key header.
	APIKey string

	// DefaultSampleRate is used when the reply has no usable sample rate.
	// Default: [audio.DefaultSampleRate].
	DefaultSampleRate int

	// HTTPClient performs the request. Default: a client without timeout;
	// cancellation comes from the caller's context.
	HTTPClient *http.Client

	// Breaker, when non-nil, guards every request. Build it with
	// [EndpointFault] as its classifier so rejected agents do not trip it.
	Breaker *resilience.Breaker

	// Metrics records negotiation latency. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Negotiator starts voice sessions against a control endpoint.
// It is safe for concurrent use.
type Negotiator struct {
	cfg Config
}

// New returns a Negotiator for cfg.
func New(cfg Config) (*Negotiator, error) {
	if cfg.ControlURL == "" {
		return nil, errors.New("negotiate: control URL must not be empty")
	}
	if cfg.DefaultSampleRate <= 0 {
		cfg.DefaultSampleRate = audio.DefaultSampleRate
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Negotiator{cfg: cfg}, nil
}

// startRequest is the body POSTed to the control endpoint.
type startRequest struct {
	AgentID string `json:"agentId"`
}

// startResponse is the subset of the reply the client understands. Fields
// are decoded leniently: a wrongly typed field counts as absent.
type startResponse struct {
	SessionID   json.RawMessage `json:"sessionId"`
	WSURL       json.RawMessage `json:"wsUrl"`
	AudioConfig json.RawMessage `json:"audioConfig"`
}

type audioConfig struct {
	SampleRate json.RawMessage `json:"sampleRate"`
}

// StartSession requests a session for agentID. It issues a single request
// and returns an [*Error] on any failure.
func (n *Negotiator) StartSession(ctx context.Context, agentID string) (Session, error) {
	if agentID == "" {
		return Session{}, &Error{Err: ErrEmptyAgentID}
	}

	ctx, span := observe.StartSpan(ctx, "negotiate.StartSession")
	defer span.End()
	span.SetAttributes(attribute.String("agent_id", agentID))

	start := time.Now()
	var sess Session
	call := func(ctx context.Context) error {
		var err error
		sess, err = n.request(ctx, agentID)
		return err
	}

	var err error
	if n.cfg.Breaker != nil {
		err = n.cfg.Breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	n.cfg.Metrics.NegotiationDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
	if err != nil {
		var ne *Error
		if errors.As(err, &ne) {
			return Session{}, ne
		}
		return Session{}, &Error{AgentID: agentID, Err: err}
	}

	observe.Logger(ctx).Debug("voice session negotiated",
		"session_id", sess.ID,
		"sample_rate", sess.SampleRate,
	)
	return sess, nil
}

// request performs the HTTP exchange.
func (n *Negotiator) request(ctx context.Context, agentID string) (Session, error) {
	body, err := json.Marshal(startRequest{AgentID: agentID})
	if err != nil {
		return Session{}, &Error{AgentID: agentID, Err: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.ControlURL, bytes.NewReader(body))
	if err != nil {
		return Session{}, &Error{AgentID: agentID, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.APIKey != "" {
		req.Header.Set("x-api-key", n.cfg.APIKey)
	}

	resp, err := n.cfg.HTTPClient.Do(req)
	if err != nil {
		return Session{}, &Error{AgentID: agentID, Err: fmt.Errorf("http: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Session{}, &Error{AgentID: agentID, StatusCode: resp.StatusCode, Err: ErrUnexpectedStatus}
	}

	var reply startResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&reply); err != nil {
		return Session{}, &Error{AgentID: agentID, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	wsURL := rawString(reply.WSURL)
	if wsURL == "" {
		return Session{}, &Error{AgentID: agentID, StatusCode: resp.StatusCode, Err: ErrNoTransportURL}
	}
	id := rawString(reply.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	return Session{
		ID:           id,
		TransportURL: wsURL,
		SampleRate:   n.sampleRate(reply.AudioConfig),
	}, nil
}

// sampleRate extracts audioConfig.sampleRate, falling back to the default
// when it is absent, not a number, below 1 Hz or above [MaxSampleRate].
// Fractional rates are truncated.
func (n *Negotiator) sampleRate(raw json.RawMessage) int {
	if len(raw) == 0 {
		return n.cfg.DefaultSampleRate
	}
	var ac audioConfig
	if err := json.Unmarshal(raw, &ac); err != nil || len(ac.SampleRate) == 0 {
		return n.cfg.DefaultSampleRate
	}
	var rate float64
	if err := json.Unmarshal(ac.SampleRate, &rate); err != nil || rate < 1 || rate > MaxSampleRate {
		return n.cfg.DefaultSampleRate
	}
	return int(rate)
}

// rawString returns raw as a string if it is a JSON string, or "".
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
