package models

import "time"

// SessionStatus is the lifecycle state of a video call session
type SessionStatus string

const (
	SessionStatusWaiting SessionStatus = "waiting"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusEnded   SessionStatus = "ended"
)

// VideoCallSession groups the signaling messages of one appointment call
type VideoCallSession struct {
	ID            string        `json:"id"`
	AppointmentID string        `json:"appointment_id"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// SessionInfo is returned by the session API
type SessionInfo struct {
	VideoCallSession
	Participants int `json:"participants"`
}

// ChannelName is the change-feed channel a session's signaling uses
func ChannelName(sessionID string) string {
	return "video-call-" + sessionID
}
