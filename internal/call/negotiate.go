package call

import (
	"errors"

	"github.com/mossy-p/healthbridge/internal/models"
	"github.com/mossy-p/healthbridge/internal/rtc"
)

// handleMessage advances negotiation for one inbound log message. Messages
// we sent ourselves and messages already seen (replay overlaps the live
// feed) are ignored.
func (e *Engine) handleMessage(c *activeCall, m models.SignalingMessage) {
	if m.SenderID == e.cfg.SelfID {
		return
	}
	if _, dup := c.seen[m.ID]; dup {
		return
	}
	c.seen[m.ID] = struct{}{}

	e.logger.Debug("Received signaling message", "type", m.Type, "from", m.SenderID)

	switch p := m.Payload.(type) {
	case models.JoinPayload:
		e.onJoin(c, m)
	case models.LeavePayload:
		e.onLeave(c)
	case models.DescriptionPayload:
		if m.Type == models.MessageTypeAnswer {
			e.onAnswer(c, p)
		} else {
			e.onOffer(c, p)
		}
	case models.CandidatePayload:
		e.onCandidate(c, p)
	default:
		e.logger.Warn("Unknown signaling payload", "type", m.Type)
	}
}

// onJoin elects the initiator. Both peers compare the same two join
// messages in log order, so exactly one of them sees the other's join as
// the later one and sends the offer.
func (e *Engine) onJoin(c *activeCall, m models.SignalingMessage) {
	e.update(func(s *State) { s.ParticipantPresent = true })

	if c.hasBecomeInitiator || c.joined == nil {
		return
	}
	if !c.joined.Before(m) {
		e.logger.Debug("Participant joined before us, waiting for their offer", "from", m.SenderID)
		return
	}

	c.hasBecomeInitiator = true
	e.update(func(s *State) {
		s.Role = RoleInitiator
		if s.Phase != PhaseConnected {
			s.Phase = PhaseNegotiating
		}
	})
	e.sendOffer(c, rtc.OfferOptions{})
}

func (e *Engine) sendOffer(c *activeCall, opts rtc.OfferOptions) {
	offer, err := c.pc.CreateOffer(c.ctx, opts)
	if err != nil {
		e.negotiationFailed(c, "create offer", err)
		return
	}
	if err := c.pc.SetLocalDescription(c.ctx, offer); err != nil {
		e.negotiationFailed(c, "set local offer", err)
		return
	}
	e.appendDescription(c, offer)
	e.logger.Info("Sent offer", "session", c.sessionID, "ice_restart", opts.ICERestart)
}

func (e *Engine) onOffer(c *activeCall, p models.DescriptionPayload) {
	if c.pc.SignalingState() == rtc.SignalingHaveLocalOffer {
		e.dropInvalid(c, models.MessageTypeOffer, "offer collides with our own pending offer")
		return
	}

	e.update(func(s *State) {
		if !c.hasBecomeInitiator {
			s.Role = RoleResponder
		}
		s.ParticipantPresent = true
		if s.Phase != PhaseConnected {
			s.Phase = PhaseNegotiating
		}
	})

	if err := c.pc.SetRemoteDescription(c.ctx, rtc.SessionDescription{Type: p.Type, SDP: p.SDP}); err != nil {
		e.negotiationFailed(c, "set remote offer", err)
		return
	}
	e.flushCandidates(c)

	answer, err := c.pc.CreateAnswer(c.ctx)
	if err != nil {
		e.negotiationFailed(c, "create answer", err)
		return
	}
	if err := c.pc.SetLocalDescription(c.ctx, answer); err != nil {
		e.negotiationFailed(c, "set local answer", err)
		return
	}
	e.appendDescription(c, answer)
	e.logger.Info("Sent answer", "session", c.sessionID)
}

func (e *Engine) onAnswer(c *activeCall, p models.DescriptionPayload) {
	if c.pc.SignalingState() != rtc.SignalingHaveLocalOffer {
		e.dropInvalid(c, models.MessageTypeAnswer, "no outstanding offer")
		return
	}
	if err := c.pc.SetRemoteDescription(c.ctx, rtc.SessionDescription{Type: p.Type, SDP: p.SDP}); err != nil {
		e.negotiationFailed(c, "set remote answer", err)
		return
	}
	e.flushCandidates(c)
}

// onCandidate applies the candidate, or queues it until a remote
// description exists.
func (e *Engine) onCandidate(c *activeCall, p models.CandidatePayload) {
	cand := rtc.ICECandidate{
		Candidate:        p.Candidate,
		SDPMid:           p.SDPMid,
		SDPMLineIndex:    p.SDPMLineIndex,
		UsernameFragment: p.UsernameFragment,
	}
	if !c.pc.HasRemoteDescription() {
		c.pending = append(c.pending, cand)
		e.logger.Debug("Queuing ICE candidate, no remote description yet", "queued", len(c.pending))
		return
	}
	if err := c.pc.AddICECandidate(c.ctx, cand); err != nil {
		e.logger.Warn("Error adding ICE candidate", "error", err)
	}
}

// flushCandidates applies queued candidates in arrival order and empties
// the queue. Called right after a remote description is accepted.
func (e *Engine) flushCandidates(c *activeCall) {
	if len(c.pending) == 0 {
		return
	}
	pending := c.pending
	c.pending = nil

	e.logger.Debug("Processing pending candidates", "count", len(pending))
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(c.ctx, cand); err != nil {
			e.logger.Warn("Error adding pending ICE candidate", "error", err)
		}
	}
}

func (e *Engine) onLeave(c *activeCall) {
	c.remoteTracks = nil
	e.logger.Info("Participant left", "session", c.sessionID)
	e.update(func(s *State) {
		s.ParticipantPresent = false
		s.RemoteStream = nil
		s.Phase = PhaseDisconnected
	})
}

func (e *Engine) onRemoteTrack(c *activeCall, t rtc.RemoteTrack) {
	c.remoteTracks = append(c.remoteTracks, t)
	tracks := append([]rtc.RemoteTrack(nil), c.remoteTracks...)
	e.logger.Debug("Received remote track", "kind", t.Kind())
	e.update(func(s *State) {
		s.RemoteStream = &RemoteStream{ID: t.StreamID(), Tracks: tracks}
		s.Phase = PhaseConnected
	})
}

func (e *Engine) onConnectionState(c *activeCall, cs rtc.ConnectionState) {
	e.logger.Debug("Connection state", "state", cs)

	switch cs {
	case rtc.ConnectionConnected:
		c.reconnectAttempts = 0
		e.update(func(s *State) {
			s.Phase = PhaseConnected
			if errors.Is(s.LastError, ErrConnectionLost) {
				s.LastError = nil
			}
		})
	case rtc.ConnectionFailed, rtc.ConnectionDisconnected:
		phase := PhaseDisconnected
		if cs == rtc.ConnectionFailed {
			phase = PhaseFailed
		}
		callErr := newError(ErrConnectionLost, "transport "+string(cs), nil)
		e.update(func(s *State) {
			s.Phase = phase
			s.LastError = callErr
		})
		e.scheduleReconnect(c)
	}
}

// scheduleReconnect sends an ICE-restart offer after a backoff when the
// auto policy is enabled. Only the initiator restarts so the two peers
// never race offers.
func (e *Engine) scheduleReconnect(c *activeCall) {
	policy := e.cfg.Reconnect
	if policy.Mode != ReconnectAuto || !c.hasBecomeInitiator {
		return
	}
	if policy.MaxAttempts > 0 && c.reconnectAttempts >= policy.MaxAttempts {
		e.logger.Warn("Reconnect attempts exhausted", "attempts", c.reconnectAttempts)
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}

	c.reconnectAttempts++
	delay := policy.Backoff << (c.reconnectAttempts - 1)
	e.logger.Info("Scheduling ICE restart", "attempt", c.reconnectAttempts, "delay", delay)

	c.reconnectTimer = e.cfg.Clock.AfterFunc(delay, func() {
		e.enqueue(func() {
			if e.call != c || e.State().Phase == PhaseConnected {
				return
			}
			if c.pc.SignalingState() != rtc.SignalingStable {
				return
			}
			e.sendOffer(c, rtc.OfferOptions{ICERestart: true})
		})
	})
}

func (e *Engine) sendCandidate(c *activeCall, cand rtc.ICECandidate) {
	msg := models.NewMessage(c.sessionID, e.cfg.SelfID, models.CandidatePayload{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
	if _, err := e.log.Append(c.ctx, msg); err != nil {
		e.logger.Warn("Failed to send ICE candidate", "error", err)
	}
}

func (e *Engine) appendDescription(c *activeCall, d rtc.SessionDescription) {
	msg := models.NewMessage(c.sessionID, e.cfg.SelfID, models.DescriptionPayload{Type: d.Type, SDP: d.SDP})
	if _, err := e.log.Append(c.ctx, msg); err != nil {
		callErr := newError(ErrSignalingTransport, "send "+d.Type, err)
		e.logger.Error("Failed to send description", "type", d.Type, "error", err)
		e.update(func(s *State) { s.LastError = callErr })
	}
}

func (e *Engine) negotiationFailed(c *activeCall, op string, err error) {
	if c.ctx.Err() != nil {
		return
	}
	callErr := newError(ErrNegotiation, op, err)
	e.logger.Error("Negotiation error", "op", op, "error", err)
	e.update(func(s *State) { s.LastError = callErr })
}

func (e *Engine) dropInvalid(c *activeCall, t models.MessageType, reason string) {
	err := newError(ErrNegotiationState, "handle "+string(t), errors.New(reason))
	e.logger.Warn("Dropping signaling message", "session", c.sessionID, "error", err)
}
