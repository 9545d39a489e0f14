package call

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/supportvoice/internal/callstate"
	"github.com/MrWong99/supportvoice/internal/capture"
	"github.com/MrWong99/supportvoice/internal/observe"
	"github.com/MrWong99/supportvoice/internal/playback"
	"github.com/MrWong99/supportvoice/internal/transport"
	"github.com/MrWong99/supportvoice/pkg/audio"
)

// StatusSpeakerUnavailable is shown when the output device cannot be opened.
const StatusSpeakerUnavailable = "Could not open audio output. Please check your speakers."

// session is the state owned by one call's event loop. Nothing in it is
// touched from any other goroutine except through the channels below.
type session struct {
	c         *Controller
	run       *run
	agentID   string
	tolerance time.Duration
	log       *slog.Logger

	// ended receives a coalesced signal whenever a scheduled buffer finishes.
	ended chan struct{}

	out   audio.Output
	sched *playback.Scheduler
	ch    Channel
	capt  *capture.Pipeline
}

// loop runs the call from negotiation to teardown.
func (s *session) loop(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-s.run.end:
			cancel()
		case <-ctx.Done():
		}
	}()

	ev, status := s.connect(ctx)
	if ev == 0 {
		ev, status = s.serve(ctx)
	}
	s.finish(ctx, ev, status)
}

// connect negotiates, opens the output and the channel, and starts capture.
// It returns a zero event when the call is up.
func (s *session) connect(ctx context.Context) (callstate.Event, string) {
	c := s.c
	sess, err := c.cfg.Negotiator.StartSession(ctx, s.agentID)
	if err != nil {
		s.log.Warn("call: session negotiation failed", "err", err)
		return s.failure(ctx, callstate.EventNegotiationFailed, StatusNegotiationFailed)
	}
	s.log = s.log.With("session_id", sess.ID)

	c.mu.Lock()
	c.sampleRate = sess.SampleRate
	c.mu.Unlock()

	out, err := c.cfg.Speaker.Open(ctx, audio.Format{SampleRate: sess.SampleRate, Channels: 1})
	if err != nil {
		s.log.Warn("call: open speaker failed", "err", err)
		return s.failure(ctx, callstate.EventDeviceFailed, StatusSpeakerUnavailable)
	}
	s.out = out
	s.sched = playback.New(out, sess.SampleRate, playback.WithDrainTolerance(s.tolerance))

	ch, err := c.cfg.Dial(ctx, sess.TransportURL)
	if err != nil {
		s.log.Warn("call: open transport failed", "err", err)
		return s.failure(ctx, callstate.EventTransportError, StatusConnectionError)
	}
	s.ch = ch

	eff := s.transition(ctx, callstate.EventOpen)
	if eff.Has(callstate.EffectStartCapture) {
		if err := s.startCapture(ctx, sess.SampleRate); err != nil {
			s.log.Warn("call: start capture failed", "err", err)
			return s.failure(ctx, callstate.EventDeviceFailed, StatusMicrophoneDenied)
		}
	}
	s.log.Info("call: connected", "sample_rate", sess.SampleRate)
	return 0, ""
}

// failure maps a setup failure to its terminal event, unless the failure is
// the result of the call being ended while it was being set up.
func (s *session) failure(ctx context.Context, ev callstate.Event, status string) (callstate.Event, string) {
	if ctx.Err() != nil {
		return callstate.EventEnd, ""
	}
	return ev, status
}

func (s *session) startCapture(ctx context.Context, rate int) error {
	p, err := capture.New(capture.Config{
		Microphone: s.c.cfg.Microphone,
		Sender:     s.ch,
		SampleRate: rate,
		BlockSize:  s.c.cfg.BlockSize,
		Mute:       &s.c.mute,
		Metrics:    s.c.cfg.Metrics,
		Logger:     s.log,
	})
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	s.capt = p
	return nil
}

// serve processes events until one of them ends the call.
func (s *session) serve(ctx context.Context) (callstate.Event, string) {
	events := s.ch.Events()
	var capDone <-chan struct{}
	if s.capt != nil {
		capDone = s.capt.Done()
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return callstate.EventTransportClosed, ""
			}
			switch ev.Kind {
			case transport.KindFrame:
				s.handleFrame(ctx, ev.Frame)
			case transport.KindError:
				s.log.Warn("call: transport failed", "err", ev.Err)
				return callstate.EventTransportError, StatusConnectionError
			case transport.KindClosed:
				s.log.Info("call: agent closed the connection")
				return callstate.EventTransportClosed, ""
			}
		case <-s.ended:
			if s.sched.Drained() {
				s.transition(ctx, callstate.EventDrained)
			}
		case <-capDone:
			s.log.Warn("call: microphone stream ended")
			return s.failure(ctx, callstate.EventDeviceFailed, StatusMicrophoneDenied)
		case <-ctx.Done():
			return callstate.EventEnd, ""
		}
	}
}

func (s *session) handleFrame(ctx context.Context, f transport.Frame) {
	m := s.c.cfg.Metrics
	switch f.Type {
	case transport.TypeAudio:
		start, err := s.sched.Schedule(f.Audio, s.onEnded)
		if err != nil {
			if errors.Is(err, playback.ErrInvalidPayload) {
				m.RecordProtocolIgnored(ctx, observe.ReasonInvalidAudio)
				s.log.Debug("call: dropped audio frame", "err", err)
				return
			}
			s.log.Warn("call: schedule audio failed", "err", err)
			return
		}
		m.AudioScheduled.Add(ctx, (s.sched.Cursor() - start).Seconds())
		s.publishCursor()
		s.transition(ctx, callstate.EventAudioScheduled)

	case transport.TypeTranscript:
		e, ok := s.c.transcripts.Append(f.Role, f.Text, f.Transcript)
		if !ok {
			m.RecordProtocolIgnored(ctx, observe.ReasonEmptyTranscript)
			return
		}
		s.log.Debug("call: transcript", "role", string(e.Role), "chars", len(e.Text))
		s.c.notify()

	case transport.TypeThinking:
		s.transition(ctx, callstate.EventThinking)

	case transport.TypeClear:
		s.sched.Clear()
		s.publishCursor()

	case transport.TypeError:
		m.AgentErrors.Add(ctx, 1)
		msg := f.Message
		if !f.HasMessage {
			msg = StatusAgentError
		}
		s.log.Warn("call: agent reported an error", "message", f.Message)
		s.c.mu.Lock()
		s.c.status = msg
		s.c.mu.Unlock()
		s.c.notify()
	}
}

// onEnded runs on the output's goroutine and must not block.
func (s *session) onEnded() {
	select {
	case s.ended <- struct{}{}:
	default:
	}
}

func (s *session) publishCursor() {
	s.c.mu.Lock()
	s.c.cursor = s.sched.Cursor()
	s.c.mu.Unlock()
}

// transition applies ev to the call state and returns the effects the caller
// still has to carry out. Cursor and transcript effects are applied here.
func (s *session) transition(ctx context.Context, ev callstate.Event) callstate.Effect {
	c := s.c
	c.mu.Lock()
	from := c.state
	to, eff := callstate.Next(from, ev)
	c.state = to
	c.mu.Unlock()

	if eff.Has(callstate.EffectResetCursor) && s.sched != nil {
		s.sched.Reset()
		s.publishCursor()
	}
	if eff.Has(callstate.EffectClearTranscripts) {
		c.transcripts.Clear()
	}
	if from != to {
		c.cfg.Metrics.RecordTransition(ctx, from.String(), to.String())
		s.log.Debug("call: state changed", "from", from.String(), "to", to.String(), "event", ev.String())
		c.notify()
	}
	return eff
}

// finish applies the terminal event, releases every resource the call holds
// and hands the controller back for the next call.
func (s *session) finish(ctx context.Context, ev callstate.Event, status string) {
	c := s.c
	c.mu.Lock()
	from := c.state
	to, eff := callstate.Next(from, ev)
	c.mu.Unlock()

	if eff.Has(callstate.EffectStopCapture) && s.capt != nil {
		if err := s.capt.Stop(); err != nil {
			s.log.Warn("call: stop capture", "err", err)
		}
	}
	if eff.Has(callstate.EffectCloseChannel) && s.ch != nil {
		_ = s.ch.Close()
	}
	if eff.Has(callstate.EffectResetCursor) && s.sched != nil {
		s.sched.Reset()
	}
	if eff.Has(callstate.EffectReleaseOutput) && s.out != nil {
		if err := s.out.Close(); err != nil {
			s.log.Warn("call: release speaker", "err", err)
		}
	}

	c.mu.Lock()
	c.state = to
	if status != "" {
		c.status = status
	}
	if eff.Has(callstate.EffectResetCursor) {
		c.cursor = 0
	}
	c.run = nil
	c.mu.Unlock()

	if from != to {
		c.cfg.Metrics.RecordTransition(ctx, from.String(), to.String())
	}
	c.cfg.Metrics.RecordCallEnded(ctx, ev.String())
	c.cfg.Metrics.ActiveCalls.Add(ctx, -1)
	s.log.Info("call: ended", "reason", ev.String(), "effects", eff.String())

	c.notify()
	close(s.run.done)
}
