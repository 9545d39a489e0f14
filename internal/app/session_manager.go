package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/supportvoice/internal/call"
)

// ErrNoAgent is returned by [SessionManager.StartCall] when neither the
// caller nor the configuration names an agent.
var ErrNoAgent = errors.New("app: no agent selected")

// SessionManager fronts the call controller for user-facing surfaces. It
// resolves the default agent for calls started without one.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	ctrl *call.Controller
	log  *slog.Logger

	mu           sync.Mutex
	defaultAgent string
}

// NewSessionManager returns a SessionManager over ctrl. defaultAgent is used
// when StartCall is given an empty agent ID.
func NewSessionManager(ctrl *call.Controller, defaultAgent string, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{ctrl: ctrl, log: logger, defaultAgent: defaultAgent}
}

// StartCall starts a call to agentID, or to the default agent when agentID
// is empty. Returns [call.ErrCallActive] while another call is running.
func (m *SessionManager) StartCall(ctx context.Context, agentID string) error {
	if agentID == "" {
		agentID = m.DefaultAgent()
	}
	if agentID == "" {
		return ErrNoAgent
	}
	if err := m.ctrl.Start(ctx, agentID); err != nil {
		return err
	}
	m.log.Info("call started", "agent_id", agentID)
	return nil
}

// EndCall ends the current call and waits for its resources to be released.
// It does nothing when no call is active.
func (m *SessionManager) EndCall() {
	if !m.ctrl.Snapshot().State.Active() {
		return
	}
	m.ctrl.End()
	m.log.Info("call ended by user")
}

// SetMuted sets the microphone mute flag.
func (m *SessionManager) SetMuted(muted bool) { m.ctrl.SetMuted(muted) }

// Snapshot returns the current call state.
func (m *SessionManager) Snapshot() call.Snapshot { return m.ctrl.Snapshot() }

// OnChange registers a change listener on the controller.
func (m *SessionManager) OnChange(fn func(call.Snapshot)) { m.ctrl.OnChange(fn) }

// DefaultAgent returns the agent used when none is given.
func (m *SessionManager) DefaultAgent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultAgent
}

// SetDefaultAgent changes the agent used by later calls. A running call is
// not affected.
func (m *SessionManager) SetDefaultAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultAgent = agentID
}
