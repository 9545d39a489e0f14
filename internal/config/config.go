// Package config provides the configuration schema, loader, device registry
// and hot-reload watcher for supportvoice.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Built-in device backend names.
const (
	BackendFFmpeg = "ffmpeg"
	BackendSilent = "silent"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// ServerConfig holds the ops listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the ops server. When nil, it runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SessionConfig describes how calls are negotiated.
type SessionConfig struct {
	// ControlURL is the session start endpoint
	// (e.g., "https://voice.example.com/session/start").
	ControlURL string `yaml:"control_url"`

	// AgentID is the voice agent called when none is given explicitly.
	AgentID string `yaml:"agent_id"`

	// APIKey is sent in the x-api-key header of the session request and the
	// websocket handshake. Usually supplied through SUPPORTVOICE_API_KEY.
	APIKey string `yaml:"api_key"`

	// DefaultSampleRate is used when the agent does not announce a rate.
	DefaultSampleRate int `yaml:"default_sample_rate"`

	// Breaker guards the control endpoint. When nil, no breaker is used.
	Breaker *BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the control
// endpoint.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open the breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open before probing again.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DeviceEntry selects an audio device backend registered in the [Registry].
type DeviceEntry struct {
	// Backend names the registered implementation ("ffmpeg", "silent").
	Backend string `yaml:"backend"`

	// Path overrides the helper executable used by the backend.
	Path string `yaml:"path"`

	// Device is the backend-specific device identifier. Empty selects the
	// system default.
	Device string `yaml:"device"`
}

// CaptureConfig holds microphone settings.
type CaptureConfig struct {
	Device DeviceEntry `yaml:"device"`

	// BlockSize is the number of samples per outbound frame.
	BlockSize int `yaml:"block_size"`
}

// PlaybackConfig holds speaker settings.
type PlaybackConfig struct {
	Device DeviceEntry `yaml:"device"`

	// DrainTolerance is the slack used when deciding that playback finished.
	DrainTolerance time.Duration `yaml:"drain_tolerance"`

	// Tick is the render period of the output clock.
	Tick time.Duration `yaml:"tick"`
}
