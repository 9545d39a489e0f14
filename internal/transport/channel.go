// Package transport implements the full-duplex message channel between the
// client and the remote voice agent.
//
// The channel carries JSON text frames over a websocket. The client sends
// only "audio" frames; the agent sends "audio", "transcript", "thinking",
// "clear", and "error" frames. Anything else the agent sends, including
// non-JSON payloads and frames of unknown type, is dropped here: it is
// counted and logged at debug level but never surfaces as an error.
//
// A [Channel] is opened once per call and never reconnects.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/supportvoice/internal/observe"
	"github.com/MrWong99/supportvoice/pkg/audio"
)

// defaultReadLimit bounds the size of one inbound frame. Agent audio frames
// routinely exceed the websocket library's 32 KiB default.
const defaultReadLimit = 16 << 20

// eventBuffer is the capacity of the inbound event channel.
const eventBuffer = 64

// ErrClosed is returned by [Channel.SendAudio] after the channel was closed.
var ErrClosed = errors.New("transport: channel closed")

// Error is a channel-level failure: the dial failed or the connection broke.
type Error struct {
	// Op is the failing operation: "dial", "read", or "write".
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// EventKind discriminates [Event] values.
type EventKind int

const (
	// KindFrame carries a well-formed inbound frame.
	KindFrame EventKind = iota + 1

	// KindError reports that the connection failed. No further events follow.
	KindError

	// KindClosed reports that the agent closed the connection normally. No
	// further events follow.
	KindClosed
)

// String returns a short lower-case name for the kind.
func (k EventKind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindError:
		return "error"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item delivered on [Channel.Events].
type Event struct {
	Kind  EventKind
	Frame Frame
	Err   error
}

// Option configures [Dial].
type Option func(*options)

type options struct {
	header    http.Header
	readLimit int64
	metrics   *observe.Metrics
	logger    *slog.Logger
}

// WithHeader adds HTTP headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithReadLimit overrides the maximum inbound frame size in bytes.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger for dropped-frame diagnostics. Default:
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Channel is an open connection to the voice agent.
//
// SendAudio and Close are safe for concurrent use. Events must be consumed
// by a single goroutine.
type Channel struct {
	conn    *websocket.Conn
	events  chan Event
	metrics *observe.Metrics
	log     *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// Dial opens a channel to url. The dial is the only connection attempt; the
// supplied ctx bounds the handshake and nothing else.
func Dial(ctx context.Context, url string, opts ...Option) (*Channel, error) {
	o := options{readLimit: defaultReadLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	ctx, span := observe.StartSpan(ctx, "transport.Dial")
	defer span.End()

	start := time.Now()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: o.header})
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.metrics.DialDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}
	conn.SetReadLimit(o.readLimit)

	chCtx, chCancel := context.WithCancel(context.Background())
	c := &Channel{
		conn:    conn,
		events:  make(chan Event, eventBuffer),
		metrics: o.metrics,
		log:     o.logger,
		ctx:     chCtx,
		cancel:  chCancel,
	}
	go c.receiveLoop()
	return c, nil
}

// Events returns the inbound event stream. The channel is closed after the
// connection ends, either with a terminal [KindError] or [KindClosed] event,
// or silently when [Channel.Close] was called.
func (c *Channel) Events() <-chan Event { return c.events }

// outboundAudio is the only frame the client sends.
type outboundAudio struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	SampleRate int    `json:"sampleRate"`
}

// SendAudio sends frame as an "audio" frame tagged with its sample rate.
// Frames are written in call order.
func (c *Channel) SendAudio(ctx context.Context, frame audio.AudioFrame) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(outboundAudio{
		Type:       string(TypeAudio),
		Audio:      base64.StdEncoding.EncodeToString(frame.Data),
		SampleRate: frame.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

// Close performs the websocket closing handshake with a normal closure
// status and stops the reader. It is safe to call more than once. Close
// errors are not reported: the connection is gone either way.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		_ = c.conn.Close(websocket.StatusNormalClosure, "call ended")
		c.cancel()
	})
	return nil
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// receiveLoop reads frames until the connection ends. It owns the events
// channel and closes it on exit.
func (c *Channel) receiveLoop() {
	defer close(c.events)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.isClosed() || c.ctx.Err() != nil {
				return
			}
			c.emit(terminalEvent(err))
			return
		}
		if typ != websocket.MessageText {
			c.ignore(observe.ReasonMalformed, "binary frame", len(data))
			continue
		}
		f, reason := parseFrame(data)
		if reason != "" {
			c.ignore(reason, f.Type, len(data))
			continue
		}
		c.metrics.RecordFrameReceived(c.ctx, string(f.Type))
		c.emit(Event{Kind: KindFrame, Frame: f})
	}
}

// terminalEvent maps a read failure to the final event of the stream. A
// normal closure by the agent is a close; anything else is an error.
func terminalEvent(err error) Event {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return Event{Kind: KindClosed}
	}
	return Event{Kind: KindError, Err: &Error{Op: "read", Err: err}}
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Channel) ignore(reason string, frameType FrameType, size int) {
	c.metrics.RecordProtocolIgnored(c.ctx, reason)
	c.log.Debug("transport: ignored inbound frame",
		"reason", reason,
		"type", string(frameType),
		"bytes", size,
	)
}
