package call

import (
	"github.com/mossy-p/healthbridge/internal/rtc"
)

// Phase is the connection phase of the current call
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseNegotiating  Phase = "negotiating"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseFailed       Phase = "failed"
)

// Role is decided by join order, never configured
type Role string

const (
	RoleNone      Role = ""
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// RemoteStream describes the media received from the other participant
type RemoteStream struct {
	ID     string
	Tracks []rtc.RemoteTrack
}

// State is a snapshot of everything the UI can observe about a call
type State struct {
	SessionID          string
	Phase              Phase
	Role               Role
	LocalStream        rtc.LocalStream
	RemoteStream       *RemoteStream
	ParticipantPresent bool
	Muted              bool
	VideoOff           bool
	LastError          error
}

func (s State) IsConnected() bool  { return s.Phase == PhaseConnected }
func (s State) IsConnecting() bool { return s.Phase == PhaseNegotiating }

func idleState() State {
	return State{Phase: PhaseIdle}
}

// State returns the latest snapshot
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Watch streams snapshots after every change. Slow readers only miss
// intermediate snapshots, never the latest one. cancel releases the
// channel.
func (e *Engine) Watch() (<-chan State, func()) {
	ch := make(chan State, 8)

	e.mu.Lock()
	id := e.nextWatcher
	e.nextWatcher++
	if e.watchers == nil {
		close(ch)
		e.mu.Unlock()
		return ch, func() {}
	}
	e.watchers[id] = ch
	ch <- e.state
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if w, ok := e.watchers[id]; ok {
			delete(e.watchers, id)
			close(w)
		}
	}
	return ch, cancel
}

// update applies fn to the state and publishes the result. Loop goroutine only.
func (e *Engine) update(fn func(*State)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(&e.state)
	s := e.state
	for _, ch := range e.watchers {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
