package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher hot-reloads a config file. [Watcher.Run] polls the file until its
// context ends; [Watcher.Reload] checks it once. A changed file goes through
// the same environment overrides, defaults and validation as [Load]. An
// invalid file is reported and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	lookup   LookupFunc
	log      *slog.Logger

	// reloadMu serialises Reload so onChange calls never overlap.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	digest  [sha256.Size]byte
}

// fileStamp is the cheap part of change detection. The content digest is
// only computed when the stamp moves.
type fileStamp struct {
	size  int64
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup sets how environment overrides are resolved. The default is
// [os.LookupEnv]; nil disables overrides.
func WithLookup(fn LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = fn }
}

// WithWatcherLogger sets the logger for reload reports. Default: [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and returns a Watcher holding the result. onChange,
// when non-nil, is called after every successful reload that changed the
// file's content. Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		lookup:   os.LookupEnv,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.stamp, w.digest = snap.cfg, snap.stamp, snap.digest
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file every interval until ctx ends, then returns nil.
// Failed reloads are logged and polling continues.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Reload(); err != nil {
				w.log.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload checks the file once. It reports whether a new config was applied.
// An unchanged file is (false, nil); an unreadable or invalid file is
// (false, err) and leaves the current config in place.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	unchanged := w.stamp == (fileStamp{size: info.Size(), mtime: info.ModTime()})
	w.mu.Unlock()
	if unchanged {
		return false, nil
	}

	snap, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.stamp = snap.stamp
	if snap.digest == w.digest {
		// Touched but identical.
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.digest = snap.cfg, snap.digest
	w.mu.Unlock()

	w.log.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
	return true, nil
}

type snapshot struct {
	cfg    *Config
	stamp  fileStamp
	digest [sha256.Size]byte
}

// read loads and validates the file in one pass over its bytes.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := parseBytes(data, w.lookup)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{
		cfg:    cfg,
		stamp:  fileStamp{size: info.Size(), mtime: info.ModTime()},
		digest: sha256.Sum256(data),
	}, nil
}
