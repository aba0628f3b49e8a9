package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// DefaultSTUNServers are used when no ICE servers are configured
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// PionFactory builds pion peer connections sharing one API instance
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	logger     *log.Logger
}

// NewPionFactory registers the default codecs and interceptors and
// prepares an API for the given STUN/TURN URLs.
func NewPionFactory(stunURLs []string, logger *log.Logger) (*PionFactory, error) {
	if len(stunURLs) == 0 {
		stunURLs = DefaultSTUNServers
	}
	if logger == nil {
		logger = log.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// relay paths stall for several seconds during failover
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(15*time.Second, 60*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &PionFactory{
		api:        api,
		iceServers: []webrtc.ICEServer{{URLs: stunURLs}},
		logger:     logger,
	}, nil
}

// NewPeerConnection creates a new, unconfigured connection
func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionPeer{pc: pc, logger: f.logger}, nil
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	logger *log.Logger
}

func (p *pionPeer) AddTrack(t LocalTrack) error {
	st, ok := t.(*SampleTrack)
	if !ok {
		return fmt.Errorf("unsupported local track type %T", t)
	}
	sender, err := p.pc.AddTrack(st.track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", st.Kind(), err)
	}

	// RTCP has to be read for interceptors (NACK, reports) to work
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) CreateOffer(ctx context.Context, opts OfferOptions) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetLocalDescription(ctx context.Context, d SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.SetLocalDescription(toPionDescription(d))
}

func (p *pionPeer) SetRemoteDescription(ctx context.Context, d SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(toPionDescription(d))
}

func (p *pionPeer) AddICECandidate(ctx context.Context, c ICECandidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *pionPeer) SignalingState() SignalingState {
	return SignalingState(p.pc.SignalingState().String())
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(pionRemoteTrack{track: track})
	})
}

func (p *pionPeer) OnICECandidate(fn func(ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("Peer connection state changed", "state", s.String())
		fn(ConnectionState(s.String()))
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func toPionDescription(d SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

type pionRemoteTrack struct {
	track *webrtc.TrackRemote
}

func (t pionRemoteTrack) ID() string       { return t.track.ID() }
func (t pionRemoteTrack) StreamID() string { return t.track.StreamID() }
func (t pionRemoteTrack) Kind() TrackKind  { return TrackKind(t.track.Kind().String()) }

// ErrTrackStopped is returned when writing to a stopped track
var ErrTrackStopped = errors.New("track stopped")

// SampleTrack is a local track fed with already encoded samples. While
// disabled, written samples are dropped so the remote side sees silence or
// a frozen frame without renegotiation.
type SampleTrack struct {
	track *webrtc.TrackLocalStaticSample
	kind  TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *SampleTrack) ID() string      { return t.track.ID() }
func (t *SampleTrack) Kind() TrackKind { return t.kind }

func (t *SampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *SampleTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *SampleTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.enabled = false
	t.mu.Unlock()
}

// WriteSample forwards one encoded sample to every bound connection
func (t *SampleTrack) WriteSample(data []byte, d time.Duration) error {
	t.mu.Lock()
	stopped, enabled := t.stopped, t.enabled
	t.mu.Unlock()

	if stopped {
		return ErrTrackStopped
	}
	if !enabled {
		return nil
	}
	return t.track.WriteSample(media.Sample{Data: data, Duration: d})
}

type sampleStream struct {
	id     string
	tracks []LocalTrack
	once   sync.Once
}

func (s *sampleStream) ID() string           { return s.id }
func (s *sampleStream) Tracks() []LocalTrack { return s.tracks }

func (s *sampleStream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

// SampleSource is a MediaSource for headless participants. It hands out
// VP8/Opus sample tracks that the application feeds through WriteSample.
type SampleSource struct {
	Audio bool
	Video bool
}

// GetUserMedia creates one track per requested kind. Requesting a kind the
// source does not provide fails with ErrNoDevice, as a browser would.
func (s SampleSource) GetUserMedia(ctx context.Context, c Constraints) (LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if (c.Audio && !s.Audio) || (c.Video && !s.Video) || (!c.Audio && !c.Video) {
		return nil, ErrNoDevice
	}

	stream := &sampleStream{id: uuid.New().String()}
	if c.Audio {
		t, err := newSampleTrack(KindAudio, webrtc.MimeTypeOpus, stream.id)
		if err != nil {
			return nil, err
		}
		stream.tracks = append(stream.tracks, t)
	}
	if c.Video {
		t, err := newSampleTrack(KindVideo, webrtc.MimeTypeVP8, stream.id)
		if err != nil {
			return nil, err
		}
		stream.tracks = append(stream.tracks, t)
	}
	return stream, nil
}

func newSampleTrack(kind TrackKind, mime, streamID string) (*SampleTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &SampleTrack{track: track, kind: kind, enabled: true}, nil
}
