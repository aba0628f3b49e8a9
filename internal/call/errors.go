package call

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaAccess means the camera or microphone could not be opened
	ErrMediaAccess = errors.New("unable to access camera or microphone, please check permissions")
	// ErrSignalingTransport means the signaling log could not be written or read
	ErrSignalingTransport = errors.New("signaling transport failure")
	// ErrNegotiation means an offer or answer could not be created or applied
	ErrNegotiation = errors.New("call negotiation failed")
	// ErrNegotiationState marks a message that is invalid for the current
	// signaling state. Such messages are dropped.
	ErrNegotiationState = errors.New("message invalid for signaling state")
	// ErrConnectionLost means the transport failed after negotiation
	ErrConnectionLost = errors.New("connection lost, please try reconnecting")

	ErrCallActive   = errors.New("a call is already active")
	ErrEngineClosed = errors.New("call engine closed")
)

// Error attaches the failed operation to one of the sentinel kinds above.
// errors.Is matches both the kind and the underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
