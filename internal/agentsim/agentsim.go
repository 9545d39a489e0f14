// Package agentsim is a scripted stand-in for the remote voice agent.
//
// It serves the two endpoints a call talks to: a session start endpoint that
// hands out websocket addresses, and the websocket itself, which speaks the
// same frame protocol as the real agent. The conversation is canned: a
// greeting on connect, then after every utterance's worth of inbound audio a
// user transcript, a thinking frame, a short synthesized reply and an agent
// transcript. It is meant for tests and local development.
package agentsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/supportvoice/pkg/audio"
)

// Route paths.
const (
	StartPath   = "/session/start"
	SocketPath  = "/ws/"
	defaultTone = 440.0
)

// Config controls the scripted agent.
type Config struct {
	// SampleRate is announced in every session reply. Default: [audio.DefaultSampleRate].
	SampleRate int

	// APIKey, when set, must be presented in the x-api-key header.
	APIKey string

	// Greeting is the agent's first line. Default: "Hello! How can I help you today?".
	Greeting string

	// UtteranceFrames is the number of inbound audio frames that make up one
	// user turn. Default: 8.
	UtteranceFrames int

	// ReplyDuration is the length of each synthesized reply. Default: 600ms.
	ReplyDuration time.Duration

	// ChunkDuration is the length of one outbound audio frame. Default: 100ms.
	ChunkDuration time.Duration

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Server implements both agent endpoints as an [http.Handler].
type Server struct {
	cfg Config
	mux *http.ServeMux

	mu       sync.Mutex
	sessions map[string]int
	received int
}

// New returns a Server for cfg.
func New(cfg Config) *Server {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Greeting == "" {
		cfg.Greeting = "Hello! How can I help you today?"
	}
	if cfg.UtteranceFrames <= 0 {
		cfg.UtteranceFrames = 8
	}
	if cfg.ReplyDuration <= 0 {
		cfg.ReplyDuration = 600 * time.Millisecond
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, sessions: make(map[string]int)}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST "+StartPath, s.handleStart)
	s.mux.HandleFunc("GET "+SocketPath+"{id}", s.handleSocket)
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Received returns the number of audio frames received across all sessions.
func (s *Server) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

type startRequest struct {
	AgentID string `json:"agentId"`
}

type startReply struct {
	SessionID   string      `json:"sessionId"`
	WSURL       string      `json:"wsUrl"`
	AudioConfig audioConfig `json:"audioConfig"`
}

type audioConfig struct {
	SampleRate int `json:"sampleRate"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey != "" && r.Header.Get("x-api-key") != s.cfg.APIKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		http.Error(w, "agentId is required", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = 0
	s.mu.Unlock()

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	reply := startReply{
		SessionID:   id,
		WSURL:       fmt.Sprintf("%s://%s%s%s", scheme, r.Host, SocketPath, id),
		AudioConfig: audioConfig{SampleRate: s.cfg.SampleRate},
	}
	s.cfg.Logger.Info("agentsim: session started", "session_id", id, "agent_id", req.AgentID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, known := s.sessions[id]
	s.mu.Unlock()
	if !known {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(16 << 20)

	log := s.cfg.Logger.With("session_id", id)
	if err := s.converse(r.Context(), conn, id); err != nil {
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
			log.Info("agentsim: session ended")
			return
		}
		log.Warn("agentsim: session failed", "err", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "goodbye")
}

// inbound is the subset of a client frame the simulator reads.
type inbound struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	SampleRate int    `json:"sampleRate"`
}

func (s *Server) converse(ctx context.Context, conn *websocket.Conn, id string) error {
	if err := s.reply(ctx, conn, s.cfg.Greeting); err != nil {
		return err
	}

	var heard time.Duration
	frames := 0
	turns := 0
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "audio" {
			continue
		}
		samples, err := audio.DecodePCM16Base64(msg.Audio)
		if err != nil {
			continue
		}
		heard += audio.SamplesDuration(len(samples), msg.SampleRate)
		frames++

		s.mu.Lock()
		s.sessions[id]++
		s.received++
		s.mu.Unlock()

		if frames < s.cfg.UtteranceFrames {
			continue
		}
		turns++
		user := fmt.Sprintf("(%d ms of audio)", heard.Milliseconds())
		frames, heard = 0, 0
		if err := writeJSON(ctx, conn, map[string]any{"type": "transcript", "role": "user", "text": user}); err != nil {
			return err
		}
		if err := writeJSON(ctx, conn, map[string]string{"type": "thinking"}); err != nil {
			return err
		}
		if err := s.reply(ctx, conn, fmt.Sprintf("Thanks, I heard you. That was turn %d.", turns)); err != nil {
			return err
		}
	}
}

// reply sends a synthesized tone in chunks followed by the agent transcript.
func (s *Server) reply(ctx context.Context, conn *websocket.Conn, text string) error {
	tone := Tone(defaultTone, s.cfg.ReplyDuration, s.cfg.SampleRate)
	chunk := max(audio.DurationSamples(s.cfg.ChunkDuration, s.cfg.SampleRate), 1)
	for off := 0; off < len(tone); off += chunk {
		end := min(off+chunk, len(tone))
		frame := map[string]string{"type": "audio", "audio": audio.EncodePCM16Base64(tone[off:end])}
		if err := writeJSON(ctx, conn, frame); err != nil {
			return err
		}
	}
	return writeJSON(ctx, conn, map[string]string{"type": "transcript", "role": "agent", "transcript": text})
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Tone returns a sine wave at freq Hz with a short linear fade at both ends.
func Tone(freq float64, d time.Duration, rate int) []float32 {
	n := audio.DurationSamples(d, rate)
	out := make([]float32, n)
	fade := min(rate/100, n/2)
	for i := range out {
		v := 0.2 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
		switch {
		case fade > 0 && i < fade:
			v *= float64(i) / float64(fade)
		case fade > 0 && i >= n-fade:
			v *= float64(n-1-i) / float64(fade)
		}
		out[i] = float32(v)
	}
	return out
}
