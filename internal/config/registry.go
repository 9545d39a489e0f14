package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/supportvoice/pkg/audio"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: device backend not registered")

// Registry maps device backend names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	microphones map[string]func(DeviceEntry) (audio.Microphone, error)
	speakers    map[string]func(DeviceEntry, PlaybackConfig) (audio.Speaker, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		microphones: make(map[string]func(DeviceEntry) (audio.Microphone, error)),
		speakers:    make(map[string]func(DeviceEntry, PlaybackConfig) (audio.Speaker, error)),
	}
}

// RegisterMicrophone registers a microphone factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterMicrophone(name string, factory func(DeviceEntry) (audio.Microphone, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.microphones[name] = factory
}

// RegisterSpeaker registers a speaker factory under name. The factory also
// receives the playback section for render settings such as the tick.
func (r *Registry) RegisterSpeaker(name string, factory func(DeviceEntry, PlaybackConfig) (audio.Speaker, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speakers[name] = factory
}

// CreateMicrophone instantiates the microphone selected by cfg.Device.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateMicrophone(cfg CaptureConfig) (audio.Microphone, error) {
	r.mu.RLock()
	factory, ok := r.microphones[cfg.Device.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: microphone/%q", ErrBackendNotRegistered, cfg.Device.Backend)
	}
	return factory(cfg.Device)
}

// CreateSpeaker instantiates the speaker selected by cfg.Device.
func (r *Registry) CreateSpeaker(cfg PlaybackConfig) (audio.Speaker, error) {
	r.mu.RLock()
	factory, ok := r.speakers[cfg.Device.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speaker/%q", ErrBackendNotRegistered, cfg.Device.Backend)
	}
	return factory(cfg.Device, cfg)
}

// Backends returns the sorted names that have both a microphone and a
// speaker registered.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name := range r.microphones {
		if _, ok := r.speakers[name]; ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}
