// Package rtc is the media collaborator of the call engine: local capture,
// peer connections and the description/candidate exchange they need.
// The engine only sees the interfaces below; pion.go provides the
// production implementation.
package rtc

import (
	"context"
	"errors"
)

// ErrNoDevice is returned by a MediaSource that has nothing to capture
var ErrNoDevice = errors.New("no media device available")

// ErrPermissionDenied is returned when capture is refused
var ErrPermissionDenied = errors.New("media permission denied")

// TrackKind distinguishes audio from video tracks
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// SignalingState mirrors the offer/answer state of a peer connection
type SignalingState string

const (
	SignalingStable             SignalingState = "stable"
	SignalingHaveLocalOffer     SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer    SignalingState = "have-remote-offer"
	SignalingHaveLocalPranswer  SignalingState = "have-local-pranswer"
	SignalingHaveRemotePranswer SignalingState = "have-remote-pranswer"
	SignalingClosed             SignalingState = "closed"
)

// ConnectionState is the transport state reported by a peer connection
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// SessionDescription is an SDP offer or answer
type SessionDescription struct {
	Type string
	SDP  string
}

// ICECandidate is a trickled network candidate
type ICECandidate struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

// OfferOptions tunes CreateOffer
type OfferOptions struct {
	ICERestart bool
}

// LocalTrack is one captured track. Disabling a track keeps it attached
// to the connection but stops sending media.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// LocalStream groups the tracks returned by one capture request
type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
	// Stop stops every track. Idempotent.
	Stop()
}

// RemoteTrack is an inbound track
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() TrackKind
}

// Constraints selects which kinds to capture
type Constraints struct {
	Audio bool
	Video bool
}

// MediaSource acquires local media
type MediaSource interface {
	GetUserMedia(ctx context.Context, c Constraints) (LocalStream, error)
}

// PeerConnection is the subset of a WebRTC peer connection the engine
// drives. Handlers may be invoked from any goroutine.
type PeerConnection interface {
	AddTrack(t LocalTrack) error
	CreateOffer(ctx context.Context, opts OfferOptions) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, d SessionDescription) error
	SetRemoteDescription(ctx context.Context, d SessionDescription) error
	AddICECandidate(ctx context.Context, c ICECandidate) error
	HasRemoteDescription() bool
	SignalingState() SignalingState

	OnTrack(func(RemoteTrack))
	OnICECandidate(func(ICECandidate))
	OnConnectionStateChange(func(ConnectionState))

	Close() error
}

// PeerFactory creates peer connections
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
