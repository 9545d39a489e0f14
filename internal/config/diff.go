package config

import "time"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; everything else that
// changed is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true when the default agent for new calls changed.
	AgentChanged bool
	NewAgentID   string

	// DrainToleranceChanged is true when playback drain detection changed.
	// Applies from the next call.
	DrainToleranceChanged bool
	NewDrainTolerance     time.Duration

	// RestartRequired names changed settings that only take effect after a
	// restart, using their YAML paths.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AgentChanged || d.DrainToleranceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.AgentID != new.Session.AgentID {
		d.AgentChanged = true
		d.NewAgentID = new.Session.AgentID
	}
	if old.Playback.DrainTolerance != new.Playback.DrainTolerance {
		d.DrainToleranceChanged = true
		d.NewDrainTolerance = new.Playback.DrainTolerance
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !equalPtr(old.Server.TLS, new.Server.TLS))
	restart("session.control_url", old.Session.ControlURL != new.Session.ControlURL)
	restart("session.api_key", old.Session.APIKey != new.Session.APIKey)
	restart("session.default_sample_rate", old.Session.DefaultSampleRate != new.Session.DefaultSampleRate)
	restart("session.breaker", !equalPtr(old.Session.Breaker, new.Session.Breaker))
	restart("capture.device", old.Capture.Device != new.Capture.Device)
	restart("capture.block_size", old.Capture.BlockSize != new.Capture.BlockSize)
	restart("playback.device", old.Playback.Device != new.Playback.Device)
	restart("playback.tick", old.Playback.Tick != new.Playback.Tick)

	return d
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
