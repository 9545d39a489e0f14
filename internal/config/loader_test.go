package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/supportvoice/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "bad log level",
			yaml: `
server:
  log_level: bananas
session:
  control_url: "http://localhost/session/start"
`,
			want: []string{"server.log_level"},
		},
		{
			name: "relative control url",
			yaml: `
session:
  control_url: "/session/start"
`,
			want: []string{"absolute http(s) URL"},
		},
		{
			name: "websocket control url",
			yaml: `
session:
  control_url: "ws://localhost/session/start"
`,
			want: []string{"absolute http(s) URL"},
		},
		{
			name: "incomplete tls",
			yaml: `
server:
  tls:
    cert_file: cert.pem
session:
  control_url: "http://localhost/session/start"
`,
			want: []string{"server.tls"},
		},
		{
			name: "many failures at once",
			yaml: `
session:
  control_url: "http://localhost/session/start"
  default_sample_rate: 100
  breaker:
    max_failures: -1
capture:
  block_size: -5
playback:
  drain_tolerance: -1ms
  tick: 2s
`,
			want: []string{
				"session.default_sample_rate",
				"session.breaker.max_failures",
				"capture.block_size",
				"playback.drain_tolerance",
				"playback.tick",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		config.EnvControlURL: "https://override.example.com/session/start",
		config.EnvAgentID:    "env-agent",
		config.EnvAPIKey:     "env-key",
		config.EnvLogLevel:   "warn",
		config.EnvListenAddr: "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &config.Config{}
	cfg.Server.ListenAddr = ":9090"
	cfg.Session.AgentID = "file-agent"
	config.ApplyEnv(cfg, lookup)

	if cfg.Session.ControlURL != env[config.EnvControlURL] {
		t.Errorf("control_url: got %q", cfg.Session.ControlURL)
	}
	if cfg.Session.AgentID != "env-agent" {
		t.Errorf("agent_id: got %q, want env-agent", cfg.Session.AgentID)
	}
	if cfg.Session.APIKey != "env-key" {
		t.Errorf("api_key: got %q", cfg.Session.APIKey)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("empty env value must not override: got %q", cfg.Server.ListenAddr)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	// Not parallel: mutates the process environment.
	dir := t.TempDir()
	path := filepath.Join(dir, "supportvoice.yaml")
	writeFile(t, path, `
session:
  agent_id: from-file
`)
	t.Setenv(config.EnvControlURL, "http://127.0.0.1:8080/session/start")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.ControlURL != "http://127.0.0.1:8080/session/start" {
		t.Errorf("control_url from env: got %q", cfg.Session.ControlURL)
	}
	if cfg.Session.AgentID != "from-file" {
		t.Errorf("agent_id: got %q", cfg.Session.AgentID)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "open") {
		t.Errorf("expected open error, got: %v", err)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	// Not parallel: mutates the process environment.
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "SUPPORTVOICE_TEST_DOTENV=from-dotenv\nSUPPORTVOICE_TEST_PRESET=from-dotenv\n")
	t.Setenv("SUPPORTVOICE_TEST_PRESET", "from-process")
	t.Cleanup(func() { os.Unsetenv("SUPPORTVOICE_TEST_DOTENV") })

	if err := config.LoadEnvFiles(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got := os.Getenv("SUPPORTVOICE_TEST_DOTENV"); got != "from-dotenv" {
		t.Errorf("dotenv value: got %q", got)
	}
	if got := os.Getenv("SUPPORTVOICE_TEST_PRESET"); got != "from-process" {
		t.Errorf("existing variable overridden: got %q", got)
	}
}
