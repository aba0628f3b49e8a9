// Package rtctest provides in-memory rtc collaborators for tests. Fake
// peers follow the offer/answer state rules closely enough for the call
// engine to be driven end to end without a network.
package rtctest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mossy-p/healthbridge/internal/rtc"
)

// Track is a fake local track
type Track struct {
	id   string
	kind rtc.TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *Track) ID() string          { return t.id }
func (t *Track) Kind() rtc.TrackKind { return t.kind }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Stopped reports whether Stop was called
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stream is a fake local stream
type Stream struct {
	id     string
	tracks []*Track
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []rtc.LocalTrack {
	out := make([]rtc.LocalTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// AllStopped reports whether every track has been stopped
func (s *Stream) AllStopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

// Media is a fake MediaSource. Set Err to simulate a denied or missing
// device. A non-nil Gate holds GetUserMedia until it is closed, like a
// permission prompt the user has not answered yet.
type Media struct {
	Gate chan struct{}

	mu      sync.Mutex
	Err     error
	streams []*Stream
}

func (m *Media) GetUserMedia(ctx context.Context, c rtc.Constraints) (rtc.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Gate != nil {
		<-m.Gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	s := &Stream{id: uuid.New().String()}
	if c.Audio {
		s.tracks = append(s.tracks, &Track{id: uuid.New().String(), kind: rtc.KindAudio, enabled: true})
	}
	if c.Video {
		s.tracks = append(s.tracks, &Track{id: uuid.New().String(), kind: rtc.KindVideo, enabled: true})
	}
	m.streams = append(m.streams, s)
	return s, nil
}

// Streams returns every stream handed out so far
func (m *Media) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Stream(nil), m.streams...)
}

// Factory hands out fake peers and remembers them
type Factory struct {
	// Candidates are emitted by each peer after its local description is set
	Candidates []string
	Err        error

	mu    sync.Mutex
	peers []*Peer
}

func (f *Factory) NewPeerConnection() (rtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	p := &Peer{
		id:         fmt.Sprintf("pc%d", len(f.peers)+1),
		candidates: append([]string(nil), f.Candidates...),
		state:      rtc.SignalingStable,
	}
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns every peer created so far
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the most recently created peer, or nil
func (f *Factory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

var errClosed = errors.New("peer connection closed")

// Peer is a fake PeerConnection
type Peer struct {
	id         string
	candidates []string

	mu        sync.Mutex
	state     rtc.SignalingState
	hasLocal  bool
	hasRemote bool
	closed    bool
	connected bool
	offers    int
	tracks    []rtc.LocalTrack
	applied   []rtc.ICECandidate
	remoteSDP []string

	// FailRemote makes SetRemoteDescription fail
	FailRemote error

	onTrack     func(rtc.RemoteTrack)
	onCandidate func(rtc.ICECandidate)
	onState     func(rtc.ConnectionState)
}

func (p *Peer) AddTrack(t rtc.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *Peer) CreateOffer(ctx context.Context, opts rtc.OfferOptions) (rtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return rtc.SessionDescription{}, errClosed
	}
	p.offers++
	return rtc.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%s-%d", p.id, p.offers)}, nil
}

func (p *Peer) CreateAnswer(ctx context.Context) (rtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return rtc.SessionDescription{}, errClosed
	}
	if p.state != rtc.SignalingHaveRemoteOffer {
		return rtc.SessionDescription{}, fmt.Errorf("create answer in state %s", p.state)
	}
	return rtc.SessionDescription{Type: "answer", SDP: "answer-" + p.id}, nil
}

func (p *Peer) SetLocalDescription(ctx context.Context, d rtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed
	}
	switch d.Type {
	case "offer":
		if p.state != rtc.SignalingStable && p.state != rtc.SignalingHaveLocalOffer {
			p.mu.Unlock()
			return fmt.Errorf("set local offer in state %s", p.state)
		}
		p.state = rtc.SignalingHaveLocalOffer
	case "answer":
		if p.state != rtc.SignalingHaveRemoteOffer {
			p.mu.Unlock()
			return fmt.Errorf("set local answer in state %s", p.state)
		}
		p.state = rtc.SignalingStable
	default:
		p.mu.Unlock()
		return fmt.Errorf("unknown description type %q", d.Type)
	}
	p.hasLocal = true
	candidates := p.candidates
	p.candidates = nil
	onCandidate := p.onCandidate
	p.mu.Unlock()

	if onCandidate != nil && len(candidates) > 0 {
		go func() {
			for _, c := range candidates {
				onCandidate(rtc.ICECandidate{Candidate: c})
			}
		}()
	}
	p.maybeConnect()
	return nil
}

func (p *Peer) SetRemoteDescription(ctx context.Context, d rtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed
	}
	if p.FailRemote != nil {
		err := p.FailRemote
		p.mu.Unlock()
		return err
	}
	switch d.Type {
	case "offer":
		if p.state != rtc.SignalingStable && p.state != rtc.SignalingHaveRemoteOffer {
			p.mu.Unlock()
			return fmt.Errorf("set remote offer in state %s", p.state)
		}
		p.state = rtc.SignalingHaveRemoteOffer
	case "answer":
		if p.state != rtc.SignalingHaveLocalOffer {
			p.mu.Unlock()
			return fmt.Errorf("set remote answer in state %s", p.state)
		}
		p.state = rtc.SignalingStable
	default:
		p.mu.Unlock()
		return fmt.Errorf("unknown description type %q", d.Type)
	}
	p.hasRemote = true
	p.remoteSDP = append(p.remoteSDP, d.SDP)
	p.mu.Unlock()

	p.maybeConnect()
	return nil
}

// maybeConnect reports a remote track and a connected transport once both
// descriptions are in place and negotiation is stable.
func (p *Peer) maybeConnect() {
	p.mu.Lock()
	ready := p.hasLocal && p.hasRemote && p.state == rtc.SignalingStable && !p.connected && !p.closed
	if ready {
		p.connected = true
	}
	onTrack, onState := p.onTrack, p.onState
	p.mu.Unlock()

	if !ready {
		return
	}
	go func() {
		if onTrack != nil {
			onTrack(remoteTrack{id: "remote-video", stream: "remote-" + p.id, kind: rtc.KindVideo})
		}
		if onState != nil {
			onState(rtc.ConnectionConnecting)
			onState(rtc.ConnectionConnected)
		}
	}()
}

func (p *Peer) AddICECandidate(ctx context.Context, c rtc.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	if !p.hasRemote {
		return errors.New("remote description not set")
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *Peer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasRemote
}

func (p *Peer) SignalingState() rtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return rtc.SignalingClosed
	}
	return p.state
}

func (p *Peer) OnTrack(fn func(rtc.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) OnICECandidate(fn func(rtc.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(rtc.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// EmitState simulates a transport state report
func (p *Peer) EmitState(s rtc.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Closed reports whether Close was called
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Applied returns the candidates added so far, in order
func (p *Peer) Applied() []rtc.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]rtc.ICECandidate(nil), p.applied...)
}

// Tracks returns the local tracks attached to the peer
func (p *Peer) Tracks() []rtc.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]rtc.LocalTrack(nil), p.tracks...)
}

// Offers returns how many offers the peer created
func (p *Peer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

type remoteTrack struct {
	id, stream string
	kind       rtc.TrackKind
}

func (t remoteTrack) ID() string          { return t.id }
func (t remoteTrack) StreamID() string    { return t.stream }
func (t remoteTrack) Kind() rtc.TrackKind { return t.kind }
