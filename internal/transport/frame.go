package transport

import (
	"encoding/json"

	"github.com/MrWong99/supportvoice/internal/observe"
)

// FrameType is the "type" discriminator of a control frame.
type FrameType string

const (
	TypeAudio      FrameType = "audio"
	TypeTranscript FrameType = "transcript"
	TypeThinking   FrameType = "thinking"
	TypeClear      FrameType = "clear"
	TypeError      FrameType = "error"
)

// Frame is a decoded inbound control frame. Only the fields meaningful for
// Type are set; string fields that were absent or not JSON strings are empty.
type Frame struct {
	Type FrameType

	// Audio is the base64 PCM16LE payload of an audio frame.
	Audio string

	// Role, Text, and Transcript belong to transcript frames.
	Role       string
	Text       string
	Transcript string

	// Message is the agent's error text. HasMessage is set when the frame
	// carried a JSON string message, which may be empty.
	Message    string
	HasMessage bool
}

// wireFrame mirrors the JSON shape loosely so that a wrongly typed field does
// not reject the whole frame.
type wireFrame struct {
	Type       json.RawMessage `json:"type"`
	Audio      json.RawMessage `json:"audio"`
	Role       json.RawMessage `json:"role"`
	Text       json.RawMessage `json:"text"`
	Transcript json.RawMessage `json:"transcript"`
	Message    json.RawMessage `json:"message"`
}

// parseFrame decodes data. When the frame must be dropped, reason is one of
// the observe.Reason* constants and f carries whatever type was recognised.
func parseFrame(data []byte) (f Frame, reason string) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, observe.ReasonMalformed
	}
	typ, ok := stringField(w.Type)
	if !ok {
		return Frame{}, observe.ReasonMalformed
	}
	f.Type = FrameType(typ)

	switch f.Type {
	case TypeAudio:
		f.Audio, _ = stringField(w.Audio)
		if f.Audio == "" {
			return f, observe.ReasonInvalidAudio
		}
	case TypeTranscript:
		f.Role, _ = stringField(w.Role)
		f.Text, _ = stringField(w.Text)
		f.Transcript, _ = stringField(w.Transcript)
	case TypeError:
		f.Message, f.HasMessage = stringField(w.Message)
	case TypeThinking, TypeClear:
	default:
		return f, observe.ReasonUnknownType
	}
	return f, ""
}

// stringField decodes raw as a JSON string. ok is false when raw is absent
// or holds any other JSON value.
func stringField(raw json.RawMessage) (s string, ok bool) {
	if len(raw) == 0 {
		return "", false
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
