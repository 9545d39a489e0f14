// Package callstate implements the voice call state machine as a pure
// transition function.
//
// Every input to a call (the user starting or ending it, the transport
// opening or failing, frames arriving from the agent, playback draining) is
// expressed as an [Event]. [Next] maps the current [State] and an event to
// the following state and the set of side [Effect]s the caller must apply.
// The package performs no I/O and holds no state of its own, so the rules
// can be tested exhaustively.
//
// Mute is not part of the state machine; it is orthogonal to every state.
package callstate

import "strings"

// State is the phase of a voice call.
type State int

const (
	// Idle means no call is active.
	Idle State = iota

	// Connecting means a session is being negotiated or the transport is
	// opening.
	Connecting

	// Listening means the channel is open and the agent is waiting for the
	// user to speak.
	Listening

	// Processing means the agent signalled it is thinking.
	Processing

	// Speaking means agent audio is scheduled for playback.
	Speaking
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Label returns the user-facing indicator text for the state.
func (s State) Label() string {
	switch s {
	case Idle:
		return "Ready"
	case Connecting:
		return "Connecting..."
	case Listening:
		return "Listening..."
	case Processing:
		return "Processing..."
	case Speaking:
		return "Agent Speaking..."
	default:
		return ""
	}
}

// Active reports whether a call is in progress in state s.
func (s State) Active() bool { return s != Idle }

// connected reports whether the transport is open in state s.
func (s State) connected() bool {
	return s == Listening || s == Processing || s == Speaking
}

// Event is an input to the state machine.
type Event int

const (
	// EventStart is the user starting a call.
	EventStart Event = iota + 1

	// EventOpen is the transport channel becoming open.
	EventOpen

	// EventThinking is a "thinking" frame from the agent.
	EventThinking

	// EventAudioScheduled is an inbound audio frame placed on the playback
	// timeline.
	EventAudioScheduled

	// EventDrained is the last scheduled buffer finishing playback.
	EventDrained

	// EventTransportError is a transport channel failure.
	EventTransportError

	// EventTransportClosed is the transport channel closing for any reason.
	EventTransportClosed

	// EventEnd is the user ending the call.
	EventEnd

	// EventNegotiationFailed is a failed session negotiation.
	EventNegotiationFailed

	// EventDeviceFailed is a failure to acquire an audio device.
	EventDeviceFailed
)

var eventNames = map[Event]string{
	EventStart:             "start",
	EventOpen:              "open",
	EventThinking:          "thinking",
	EventAudioScheduled:    "audio_scheduled",
	EventDrained:           "drained",
	EventTransportError:    "transport_error",
	EventTransportClosed:   "transport_closed",
	EventEnd:               "end",
	EventNegotiationFailed: "negotiation_failed",
	EventDeviceFailed:      "device_failed",
}

func (e Event) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether e always ends the call.
func (e Event) Terminal() bool {
	switch e {
	case EventTransportError, EventTransportClosed, EventEnd, EventNegotiationFailed, EventDeviceFailed:
		return true
	}
	return false
}

// Effect is a bit set of side effects the caller applies after a transition,
// in the order the constants are declared.
type Effect uint8

const (
	// EffectResetCursor resets the playback cursor to zero.
	EffectResetCursor Effect = 1 << iota

	// EffectClearTranscripts empties the transcript list.
	EffectClearTranscripts

	// EffectStartCapture starts the capture pipeline.
	EffectStartCapture

	// EffectStopCapture stops the capture pipeline.
	EffectStopCapture

	// EffectCloseChannel closes the transport channel.
	EffectCloseChannel

	// EffectReleaseOutput closes the playback output.
	EffectReleaseOutput
)

// Teardown is the effect set applied whenever a call ends. Every effect in it
// is safe to apply when the corresponding resource was never acquired.
const Teardown = EffectStopCapture | EffectCloseChannel | EffectResetCursor | EffectReleaseOutput

// Has reports whether all effects in f are set in e.
func (e Effect) Has(f Effect) bool { return e&f == f }

var effectNames = []struct {
	e    Effect
	name string
}{
	{EffectResetCursor, "reset_cursor"},
	{EffectClearTranscripts, "clear_transcripts"},
	{EffectStartCapture, "start_capture"},
	{EffectStopCapture, "stop_capture"},
	{EffectCloseChannel, "close_channel"},
	{EffectReleaseOutput, "release_output"},
}

// String returns the effect names joined with "|", or "none".
func (e Effect) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	for _, n := range effectNames {
		if e.Has(n.e) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Next returns the state following s on event e and the effects to apply.
// Events that are not valid in s leave the state unchanged with no effects.
//
// Terminal events move every state, including Idle, to Idle with the
// [Teardown] effects.
func Next(s State, e Event) (State, Effect) {
	if e.Terminal() {
		return Idle, Teardown
	}
	switch e {
	case EventStart:
		if s == Idle {
			return Connecting, EffectResetCursor | EffectClearTranscripts
		}
	case EventOpen:
		if s == Connecting {
			return Listening, EffectStartCapture
		}
	case EventThinking:
		if s.connected() {
			return Processing, 0
		}
	case EventAudioScheduled:
		if s.connected() {
			return Speaking, 0
		}
	case EventDrained:
		if s == Speaking {
			return Listening, 0
		}
	}
	return s, 0
}
