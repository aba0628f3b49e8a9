package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of a signaling message in the call log
type MessageType string

const (
	MessageTypeJoin      MessageType = "join"
	MessageTypeLeave     MessageType = "leave"
	MessageTypeOffer     MessageType = "offer"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeCandidate MessageType = "ice-candidate"
)

// Valid reports whether t is one of the known message types
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeJoin, MessageTypeLeave, MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		return true
	}
	return false
}

// Payload is the typed body of a signaling message. The concrete type is
// determined by the message type.
type Payload interface {
	messageType() MessageType
}

// JoinPayload announces presence in a session
type JoinPayload struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// LeavePayload announces departure from a session
type LeavePayload struct {
	UserID string `json:"userId"`
}

// DescriptionPayload carries an SDP offer or answer
type DescriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (JoinPayload) messageType() MessageType      { return MessageTypeJoin }
func (LeavePayload) messageType() MessageType     { return MessageTypeLeave }
func (CandidatePayload) messageType() MessageType { return MessageTypeCandidate }

func (p DescriptionPayload) messageType() MessageType {
	if p.Type == string(MessageTypeAnswer) {
		return MessageTypeAnswer
	}
	return MessageTypeOffer
}

// SignalingMessage is one append-only record of the signaling log
type SignalingMessage struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"message_type"`
	Payload   Payload     `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewMessage builds an unsaved message whose type is derived from the payload
func NewMessage(sessionID, senderID string, p Payload) SignalingMessage {
	return SignalingMessage{
		SessionID: sessionID,
		SenderID:  senderID,
		Type:      p.messageType(),
		Payload:   p,
	}
}

// Before reports whether m sorts before other in the log's total order.
// Ties on CreatedAt are broken by ID so every reader agrees on the order.
func (m SignalingMessage) Before(other SignalingMessage) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// wireMessage is the JSON shape stored in the log and sent to browsers
type wireMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	SenderID  string          `json:"sender_id"`
	Type      MessageType     `json:"message_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (m SignalingMessage) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		ID:        m.ID,
		SessionID: m.SessionID,
		SenderID:  m.SenderID,
		Type:      m.Type,
		Payload:   raw,
		CreatedAt: m.CreatedAt,
	})
}

func (m *SignalingMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*m = SignalingMessage{
		ID:        w.ID,
		SessionID: w.SessionID,
		SenderID:  w.SenderID,
		Type:      w.Type,
		Payload:   p,
		CreatedAt: w.CreatedAt,
	}
	return nil
}

// DecodePayload turns a raw payload into the variant that belongs to t
func DecodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	switch t {
	case MessageTypeJoin:
		var p JoinPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode join payload: %w", err)
		}
		return p, nil
	case MessageTypeLeave:
		var p LeavePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode leave payload: %w", err)
		}
		return p, nil
	case MessageTypeOffer, MessageTypeAnswer:
		var p DescriptionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		if p.Type == "" {
			p.Type = string(t)
		}
		if p.Type != string(t) {
			return nil, fmt.Errorf("description type %q does not match message type %q", p.Type, t)
		}
		return p, nil
	case MessageTypeCandidate:
		var p CandidatePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode candidate payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown message type: %q", t)
	}
}
