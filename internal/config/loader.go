package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultSampleRate     = 24000
	DefaultBlockSize      = 4096
	DefaultDrainTolerance = 50 * time.Millisecond
	DefaultTick           = 20 * time.Millisecond
	DefaultMaxFailures    = 5
	DefaultResetTimeout   = 30 * time.Second
)

// Environment variables that override file values.
const (
	EnvControlURL = "SUPPORTVOICE_CONTROL_URL"
	EnvAgentID    = "SUPPORTVOICE_AGENT_ID"
	EnvAPIKey     = "SUPPORTVOICE_API_KEY"
	EnvLogLevel   = "SUPPORTVOICE_LOG_LEVEL"
	EnvListenAddr = "SUPPORTVOICE_LISTEN_ADDR"
)

// ValidBackends lists the built-in device backends. Used by [Validate] to
// warn about unrecognised names.
var ValidBackends = []string{BackendFFmpeg, BackendSilent}

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := parse(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted, which makes it
// convenient for tests.
func LoadFromReader(r io.Reader) (*Config, error) {
	return parse(r, nil)
}

// LoadEnvFiles loads KEY=VALUE pairs from the given dotenv files into the
// process environment without overriding variables that are already set.
// Missing files are skipped. With no arguments, ".env" is tried.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
	}
	return nil
}

func parseBytes(data []byte, lookup LookupFunc) (*Config, error) {
	return parse(bytes.NewReader(data), lookup)
}

func parse(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides endpoint, identity and secret settings from the
// SUPPORTVOICE_* environment variables. Empty values are ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvControlURL, &cfg.Session.ControlURL)
	set(EnvAgentID, &cfg.Session.AgentID)
	set(EnvAPIKey, &cfg.Session.APIKey)
	set(EnvListenAddr, &cfg.Server.ListenAddr)
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.DefaultSampleRate == 0 {
		cfg.Session.DefaultSampleRate = DefaultSampleRate
	}
	if b := cfg.Session.Breaker; b != nil {
		if b.MaxFailures == 0 {
			b.MaxFailures = DefaultMaxFailures
		}
		if b.ResetTimeout == 0 {
			b.ResetTimeout = DefaultResetTimeout
		}
	}
	if cfg.Capture.BlockSize == 0 {
		cfg.Capture.BlockSize = DefaultBlockSize
	}
	if cfg.Capture.Device.Backend == "" {
		cfg.Capture.Device.Backend = BackendFFmpeg
	}
	if cfg.Playback.Device.Backend == "" {
		cfg.Playback.Device.Backend = BackendFFmpeg
	}
	if cfg.Playback.DrainTolerance == 0 {
		cfg.Playback.DrainTolerance = DefaultDrainTolerance
	}
	if cfg.Playback.Tick == 0 {
		cfg.Playback.Tick = DefaultTick
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if t := cfg.Server.TLS; t != nil && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Session
	if cfg.Session.ControlURL == "" {
		errs = append(errs, fmt.Errorf("session.control_url is required (or set %s)", EnvControlURL))
	} else if u, err := url.Parse(cfg.Session.ControlURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("session.control_url %q must be an absolute http(s) URL", cfg.Session.ControlURL))
	}
	if r := cfg.Session.DefaultSampleRate; r < 0 || (r > 0 && (r < 8000 || r > 96000)) {
		errs = append(errs, fmt.Errorf("session.default_sample_rate %d is out of range [8000, 96000]", r))
	}
	if b := cfg.Session.Breaker; b != nil {
		if b.MaxFailures < 0 {
			errs = append(errs, fmt.Errorf("session.breaker.max_failures %d must not be negative", b.MaxFailures))
		}
		if b.ResetTimeout < 0 {
			errs = append(errs, fmt.Errorf("session.breaker.reset_timeout %v must not be negative", b.ResetTimeout))
		}
	}
	if cfg.Session.AgentID == "" {
		slog.Warn("session.agent_id is empty; calls must name an agent explicitly")
	}

	// Capture
	if n := cfg.Capture.BlockSize; n < 0 || n > 1<<16 {
		errs = append(errs, fmt.Errorf("capture.block_size %d is out of range [1, 65536]", n))
	}
	validateBackend("capture", cfg.Capture.Device.Backend)

	// Playback
	if cfg.Playback.DrainTolerance < 0 {
		errs = append(errs, fmt.Errorf("playback.drain_tolerance %v must not be negative", cfg.Playback.DrainTolerance))
	}
	if cfg.Playback.Tick < 0 || cfg.Playback.Tick > time.Second {
		errs = append(errs, fmt.Errorf("playback.tick %v is out of range (0, 1s]", cfg.Playback.Tick))
	}
	validateBackend("playback", cfg.Playback.Device.Backend)

	return errors.Join(errs...)
}

// validateBackend logs a warning if name is non-empty and not a built-in
// backend.
func validateBackend(section, name string) {
	if name == "" || slices.Contains(ValidBackends, name) {
		return
	}
	slog.Warn("unknown device backend; it must be registered before use",
		"section", section,
		"backend", name,
		"known", ValidBackends,
	)
}
