// Package app wires the supportvoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the devices, the session
// negotiator and the call controller from the config, Run serves the ops
// endpoints and the console until the context ends or the user quits, and
// Shutdown ends any call and releases everything in order.
//
// For testing, inject doubles via functional options (WithMicrophone,
// WithNegotiator, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/supportvoice/internal/call"
	"github.com/MrWong99/supportvoice/internal/config"
	"github.com/MrWong99/supportvoice/internal/console"
	"github.com/MrWong99/supportvoice/internal/health"
	"github.com/MrWong99/supportvoice/internal/negotiate"
	"github.com/MrWong99/supportvoice/internal/observe"
	"github.com/MrWong99/supportvoice/internal/resilience"
	"github.com/MrWong99/supportvoice/pkg/audio"
)

// shutdownGrace bounds how long the ops server waits for in-flight requests.
const shutdownGrace = 5 * time.Second

type closer struct {
	name  string
	close func(context.Context) error
}

// errQuit stops the run group when the console exits.
var errQuit = errors.New("app: console quit")

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	reg      *config.Registry
	logger   *slog.Logger
	levelVar *slog.LevelVar

	mic        audio.Microphone
	spk        audio.Speaker
	negotiator call.SessionStarter
	breaker    *resilience.Breaker
	dial       call.DialFunc
	metrics    *observe.Metrics
	scrape     http.Handler

	in  io.Reader
	out io.Writer

	configPath string
	watcher    *config.Watcher

	ctrl     *call.Controller
	sessions *SessionManager
	health   *health.Handler

	// closers are called in order during Shutdown.
	closers []closer

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMicrophone injects a microphone instead of creating one from the
// capture device config.
func WithMicrophone(m audio.Microphone) Option {
	return func(a *App) { a.mic = m }
}

// WithSpeaker injects a speaker instead of creating one from the playback
// device config.
func WithSpeaker(s audio.Speaker) Option {
	return func(a *App) { a.spk = s }
}

// WithNegotiator injects the session negotiator.
func WithNegotiator(n call.SessionStarter) Option {
	return func(a *App) { a.negotiator = n }
}

// WithDial injects the transport dialer.
func WithDial(d call.DialFunc) Option {
	return func(a *App) { a.dial = d }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler behind GET /metrics. Default: the
// Prometheus default registry via [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevelVar lets config reloads change the log level of the handler
// that reads lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithConsole enables the interactive console on in and out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.in, a.out = in, out }
}

// WithCloser registers fn to run during Shutdown, after the call has ended.
// Closers run in registration order.
func WithCloser(name string, fn func(context.Context) error) Option {
	return func(a *App) { a.closers = append(a.closers, closer{name: name, close: fn}) }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Devices not injected through options are
// created from reg, which must then hold the configured backends.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}

	// ── 1. Devices ───────────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 2. Negotiator ────────────────────────────────────────────────────
	if err := a.initNegotiator(); err != nil {
		return nil, fmt.Errorf("app: init negotiator: %w", err)
	}

	// ── 3. Call controller ───────────────────────────────────────────────
	ctrl, err := call.New(call.Config{
		Negotiator:     a.negotiator,
		Microphone:     a.mic,
		Speaker:        a.spk,
		Dial:           a.dial,
		BlockSize:      cfg.Capture.BlockSize,
		DrainTolerance: cfg.Playback.DrainTolerance,
		Metrics:        a.metrics,
		Logger:         a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init call controller: %w", err)
	}
	a.ctrl = ctrl
	a.sessions = NewSessionManager(ctrl, cfg.Session.AgentID, a.logger)

	// ── 4. Health checks ─────────────────────────────────────────────────
	a.health = health.New(a.checkers()...)

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange, config.WithWatcherLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

func (a *App) initDevices() error {
	if a.mic == nil {
		if a.reg == nil {
			return errors.New("no microphone and no device registry")
		}
		m, err := a.reg.CreateMicrophone(a.cfg.Capture)
		if err != nil {
			return err
		}
		a.mic = m
	}
	if a.spk == nil {
		if a.reg == nil {
			return errors.New("no speaker and no device registry")
		}
		s, err := a.reg.CreateSpeaker(a.cfg.Playback)
		if err != nil {
			return err
		}
		a.spk = s
	}
	return nil
}

func (a *App) initNegotiator() error {
	if a.negotiator != nil {
		return nil
	}
	sc := a.cfg.Session
	var breaker *resilience.Breaker
	if sc.Breaker != nil {
		breaker = resilience.NewBreaker(resilience.Options{
			Name:      "control_endpoint",
			Threshold: sc.Breaker.MaxFailures,
			Cooldown:  sc.Breaker.ResetTimeout,
			IsFault:   negotiate.EndpointFault,
			Logger:    a.logger,
		})
		a.breaker = breaker
	}
	n, err := negotiate.New(negotiate.Config{
		ControlURL:        sc.ControlURL,
		APIKey:            sc.APIKey,
		DefaultSampleRate: sc.DefaultSampleRate,
		Breaker:           breaker,
		Metrics:           a.metrics,
	})
	if err != nil {
		return err
	}
	a.negotiator = n
	return nil
}

// checkers returns the readiness checks for the configured backends. An
// unreachable control endpoint only degrades readiness.
func (a *App) checkers() []health.Checker {
	control := health.Reachable("control_endpoint", a.cfg.Session.ControlURL)
	control.Optional = true
	checks := []health.Checker{control}
	if d := a.cfg.Capture.Device; d.Backend == config.BackendFFmpeg {
		checks = append(checks, health.Executable("microphone", orDefault(d.Path, "ffmpeg")))
	}
	if d := a.cfg.Playback.Device; d.Backend == config.BackendFFmpeg {
		checks = append(checks, health.Executable("speaker", orDefault(d.Path, "ffplay")))
	}
	return checks
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the ops endpoints, the console and the config watcher, each if
// enabled, and blocks until ctx is cancelled, the console quits or the ops
// server fails. A console quit returns nil; cancellation returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen on %s: %w", addr, err)
		}
		srv = &http.Server{
			Handler:           observe.Middleware(a.metrics)(a.Handler()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		a.logger.Info("ops server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		g.Go(func() error {
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			} else {
				err = srv.Serve(ln)
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: ops server: %w", err)
		})
	}

	if a.in != nil {
		con := console.New(a.sessions, a.in, a.out)
		g.Go(func() error {
			if err := con.Run(gctx); err != nil {
				return err
			}
			if gctx.Err() != nil {
				return nil
			}
			return errQuit
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		if srv == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	a.logger.Info("app running", "agent_id", a.sessions.DefaultAgent())
	err := g.Wait()
	switch {
	case errors.Is(err, errQuit):
		return nil
	case err != nil:
		return err
	default:
		return ctx.Err()
	}
}

// Handler returns the ops routes: /healthz, /readyz, /metrics and /status.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.scrape)
	mux.HandleFunc("GET /status", a.serveStatus)
	return mux
}

// statusResponse is the JSON body of GET /status.
type statusResponse struct {
	State       string            `json:"state"`
	Label       string            `json:"label"`
	Status      string            `json:"status,omitempty"`
	Muted       bool              `json:"muted"`
	CallID      string            `json:"callId,omitempty"`
	SampleRate  int               `json:"sampleRate,omitempty"`
	CursorMS    int64             `json:"cursorMs"`
	Transcripts []transcriptEntry `json:"transcripts"`
	Breaker     *breakerStatus    `json:"breaker,omitempty"`
}

type breakerStatus struct {
	State     string     `json:"state"`
	Faults    int        `json:"faults"`
	Rejected  uint64     `json:"rejected"`
	OpenUntil *time.Time `json:"openUntil,omitempty"`
}

type transcriptEntry struct {
	ID   string    `json:"id"`
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

func (a *App) serveStatus(w http.ResponseWriter, _ *http.Request) {
	s := a.sessions.Snapshot()
	res := statusResponse{
		State:       s.State.String(),
		Label:       s.Label,
		Status:      s.Status,
		Muted:       s.Muted,
		CallID:      s.CallID,
		SampleRate:  s.SampleRate,
		CursorMS:    s.Cursor.Milliseconds(),
		Transcripts: make([]transcriptEntry, 0, len(s.Transcripts)),
	}
	for _, e := range s.Transcripts {
		res.Transcripts = append(res.Transcripts, transcriptEntry{ID: e.ID, Role: string(e.Role), Text: e.Text, At: e.At})
	}
	if a.breaker != nil {
		c := a.breaker.Counts()
		res.Breaker = &breakerStatus{State: c.State.String(), Faults: c.Faults, Rejected: c.Rejected}
		if !c.OpenUntil.IsZero() {
			res.Breaker.OpenUntil = &c.OpenUntil
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		a.logger.Warn("encode status", "err", err)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// onConfigChange applies the hot-reloadable parts of a new config and warns
// about the rest.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AgentChanged {
		a.sessions.SetDefaultAgent(d.NewAgentID)
		a.logger.Info("default agent changed", "agent_id", d.NewAgentID)
	}
	if d.DrainToleranceChanged {
		a.ctrl.SetDrainTolerance(d.NewDrainTolerance)
		a.logger.Info("drain tolerance changed", "tolerance", d.NewDrainTolerance)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any active call and runs the closers in order. It respects
// the context deadline: if ctx expires first, remaining closers are skipped
// and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		ended := make(chan struct{})
		go func() {
			a.sessions.EndCall()
			close(ended)
		}()
		select {
		case <-ended:
		case <-ctx.Done():
			a.logger.Warn("shutdown deadline exceeded while ending call")
			shutdownErr = ctx.Err()
			return
		}

		for i, c := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := c.close(ctx); err != nil {
				a.logger.Warn("closer error", "name", c.name, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
