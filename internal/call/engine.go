// Package call implements the two-party call engine: it negotiates one
// peer connection per session using the signaling log as its transport
// and tracks local and remote media for the UI.
//
// Every mutation runs on a single event-loop goroutine. Public methods,
// feed deliveries and media callbacks are queued onto that loop, so the
// negotiation handlers never race each other.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/mossy-p/healthbridge/internal/models"
	"github.com/mossy-p/healthbridge/internal/rtc"
	"github.com/mossy-p/healthbridge/internal/signaling"
)

// ReconnectMode selects what happens when the transport drops
type ReconnectMode string

const (
	// ReconnectManual surfaces ErrConnectionLost and waits for the user
	ReconnectManual ReconnectMode = "manual"
	// ReconnectAuto lets the initiator send ICE-restart offers with backoff
	ReconnectAuto ReconnectMode = "auto"
)

// ReconnectPolicy bounds automatic recovery
type ReconnectPolicy struct {
	Mode        ReconnectMode
	MaxAttempts int
	Backoff     time.Duration
}

// Config configures an Engine
type Config struct {
	// SelfID is the identity written as sender of every message
	SelfID       string
	Reconnect    ReconnectPolicy
	LeaveTimeout time.Duration
	// Clock drives reconnect backoff and join timestamps. Defaults to the
	// wall clock.
	Clock        clock.Clock
}

// Engine runs calls for one local participant. At most one call is active.
type Engine struct {
	cfg    Config
	log    signaling.Log
	media  rtc.MediaSource
	peers  rtc.PeerFactory
	logger *log.Logger

	events    chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// owned by the loop goroutine
	call *activeCall

	mu          sync.RWMutex
	state       State
	watchers    map[int]chan State
	nextWatcher int
}

// activeCall is the per-call negotiation state. Only the loop touches it.
type activeCall struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc

	pc     rtc.PeerConnection
	stream rtc.LocalStream
	sub    *signaling.Subscription

	joined             *models.SignalingMessage
	hasBecomeInitiator bool
	pending            []rtc.ICECandidate
	seen               map[string]struct{}
	remoteTracks       []rtc.RemoteTrack

	reconnectAttempts int
	reconnectTimer    *clock.Timer
}

// New starts an engine. Close must be called to release it.
func New(cfg Config, l signaling.Log, media rtc.MediaSource, peers rtc.PeerFactory, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = 5 * time.Second
	}
	if cfg.Reconnect.Mode == "" {
		cfg.Reconnect.Mode = ReconnectManual
	}
	if cfg.Reconnect.Backoff <= 0 {
		cfg.Reconnect.Backoff = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	e := &Engine{
		cfg:      cfg,
		log:      l,
		media:    media,
		peers:    peers,
		logger:   logger.With("component", "call", "user", cfg.SelfID),
		events:   make(chan func(), 256),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		state:    idleState(),
		watchers: make(map[int]chan State),
	}
	go e.run()
	return e
}

func (e *Engine) run() {
	defer close(e.loopDone)
	for {
		select {
		case fn := <-e.events:
			fn()
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) enqueue(fn func()) bool {
	select {
	case e.events <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// do runs fn on the loop and waits for its result
func (e *Engine) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !e.enqueue(func() { errc <- fn() }) {
		return ErrEngineClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.loopDone:
		return ErrEngineClosed
	}
}

// StartCall joins sessionID. If a previous StartCall for the same session
// failed on the signaling transport, calling it again retries the transport
// steps with the existing peer connection.
func (e *Engine) StartCall(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	// a start that finishes after its caller gave up is torn down again
	var (
		mu        sync.Mutex
		finished  bool
		abandoned bool
		result    error
	)
	done := make(chan struct{})
	ok := e.enqueue(func() {
		before := e.call
		err := e.startCall(ctx, sessionID)

		mu.Lock()
		finished = true
		result = err
		gone := abandoned
		mu.Unlock()
		close(done)

		if gone && e.call != nil && e.call != before {
			e.logger.Info("Caller gave up while starting, leaving", "session", sessionID)
			e.teardown(context.Background())
		}
	})
	if !ok {
		return ErrEngineClosed
	}

	select {
	case <-done:
		return result
	case <-e.loopDone:
		return ErrEngineClosed
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return result
		}
		abandoned = true
		return ctx.Err()
	}
}

// EndCall leaves the current call. It is a no-op when no call is active.
func (e *Engine) EndCall(ctx context.Context) error {
	err := e.do(ctx, func() error {
		e.teardown(ctx)
		return nil
	})
	if errors.Is(err, ErrEngineClosed) {
		return nil
	}
	return err
}

// ToggleMute flips the local audio track and returns the new muted state
func (e *Engine) ToggleMute() bool {
	var muted bool
	_ = e.do(context.Background(), func() error {
		muted = e.toggle(rtc.KindAudio)
		return nil
	})
	return muted
}

// ToggleVideo flips the local video track and returns whether video is off
func (e *Engine) ToggleVideo() bool {
	var off bool
	_ = e.do(context.Background(), func() error {
		off = e.toggle(rtc.KindVideo)
		return nil
	})
	return off
}

// Close ends any active call and stops the loop
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		_ = e.do(context.Background(), func() error {
			e.teardown(context.Background())
			return nil
		})
		close(e.quit)
		<-e.loopDone

		e.mu.Lock()
		for id, ch := range e.watchers {
			close(ch)
			delete(e.watchers, id)
		}
		e.watchers = nil
		e.mu.Unlock()
	})
	return nil
}

func (e *Engine) startCall(ctx context.Context, sessionID string) error {
	if c := e.call; c != nil {
		if c.sessionID == sessionID && (c.sub == nil || c.joined == nil) {
			e.logger.Info("Retrying signaling transport", "session", sessionID)
			return e.connectTransport(ctx, c)
		}
		return ErrCallActive
	}

	e.update(func(s *State) {
		*s = State{SessionID: sessionID, Phase: PhaseNegotiating}
	})

	stream, err := e.media.GetUserMedia(ctx, rtc.Constraints{Audio: true, Video: true})
	if err != nil {
		callErr := newError(ErrMediaAccess, "get user media", err)
		e.logger.Error("Error accessing media devices", "error", err)
		e.update(func(s *State) {
			*s = idleState()
			s.LastError = callErr
		})
		return callErr
	}
	e.logger.Debug("Local stream initialized", "stream", stream.ID())

	pc, err := e.peers.NewPeerConnection()
	if err != nil {
		stream.Stop()
		callErr := newError(ErrNegotiation, "create peer connection", err)
		e.update(func(s *State) {
			*s = idleState()
			s.LastError = callErr
		})
		return callErr
	}

	for _, t := range stream.Tracks() {
		if err := pc.AddTrack(t); err != nil {
			e.logger.Warn("Failed to add local track", "kind", t.Kind(), "error", err)
		}
	}

	callCtx, cancel := context.WithCancel(context.Background())
	c := &activeCall{
		sessionID: sessionID,
		ctx:       callCtx,
		cancel:    cancel,
		pc:        pc,
		stream:    stream,
		seen:      make(map[string]struct{}),
	}
	e.call = c
	e.wirePeer(c)

	e.update(func(s *State) {
		s.LocalStream = stream
	})
	e.logger.Info("Starting call", "session", sessionID, "channel", models.ChannelName(sessionID))

	return e.connectTransport(ctx, c)
}

// connectTransport subscribes to the session feed, announces presence and
// replays what the other participant sent before we were listening. Each
// step is skipped if an earlier attempt already completed it.
func (e *Engine) connectTransport(ctx context.Context, c *activeCall) error {
	if c.sub == nil {
		sub, err := e.log.Subscribe(c.ctx, c.sessionID)
		if err != nil {
			return e.transportFailed("subscribe", err)
		}
		c.sub = sub
		go e.pump(c, sub)
	}

	if c.joined == nil {
		join := models.NewMessage(c.sessionID, e.cfg.SelfID, models.JoinPayload{
			UserID:    e.cfg.SelfID,
			Timestamp: e.cfg.Clock.Now().UTC(),
		})
		saved, err := e.log.Append(ctx, join)
		if err != nil {
			return e.transportFailed("announce join", err)
		}
		c.joined = &saved
	}

	e.update(func(s *State) {
		if s.Phase != PhaseConnected {
			s.Phase = PhaseNegotiating
		}
		if errors.Is(s.LastError, ErrSignalingTransport) {
			s.LastError = nil
		}
	})

	history, err := e.log.List(ctx, c.sessionID, e.cfg.SelfID)
	if err != nil {
		// the live feed still works; only earlier messages are missing
		callErr := newError(ErrSignalingTransport, "read existing messages", err)
		e.logger.Warn("Failed to read existing messages", "error", err)
		e.update(func(s *State) { s.LastError = callErr })
		return nil
	}
	for _, m := range history {
		e.handleMessage(c, m)
	}
	return nil
}

func (e *Engine) transportFailed(op string, err error) error {
	callErr := newError(ErrSignalingTransport, op, err)
	e.logger.Error("Signaling transport error", "op", op, "error", err)
	e.update(func(s *State) {
		s.Phase = PhaseDisconnected
		s.LastError = callErr
	})
	return callErr
}

// pump forwards feed deliveries onto the loop
func (e *Engine) pump(c *activeCall, sub *signaling.Subscription) {
	for msg := range sub.Messages() {
		m := msg
		ok := e.enqueue(func() {
			if e.call == c {
				e.handleMessage(c, m)
			}
		})
		if !ok {
			sub.Close()
			return
		}
	}

	err := sub.Err()
	if errors.Is(err, signaling.ErrClosed) || errors.Is(err, context.Canceled) {
		return
	}
	e.enqueue(func() {
		if e.call != c || c.sub != sub {
			return
		}
		c.sub = nil
		sub.Close()
		callErr := newError(ErrSignalingTransport, "subscription", err)
		e.logger.Error("Signaling feed ended", "error", err)
		e.update(func(s *State) { s.LastError = callErr })
	})
}

// wirePeer routes media callbacks onto the loop. Callbacks for a torn-down
// call are discarded.
func (e *Engine) wirePeer(c *activeCall) {
	c.pc.OnTrack(func(t rtc.RemoteTrack) {
		e.enqueue(func() {
			if e.call == c {
				e.onRemoteTrack(c, t)
			}
		})
	})
	c.pc.OnICECandidate(func(cand rtc.ICECandidate) {
		e.enqueue(func() {
			if e.call == c {
				e.sendCandidate(c, cand)
			}
		})
	})
	c.pc.OnConnectionStateChange(func(cs rtc.ConnectionState) {
		e.enqueue(func() {
			if e.call == c {
				e.onConnectionState(c, cs)
			}
		})
	})
}

// teardown releases everything the call owns. The leave message is best
// effort and never blocks the rest of the cleanup.
func (e *Engine) teardown(ctx context.Context) {
	c := e.call
	if c == nil {
		e.update(func(s *State) { *s = idleState() })
		return
	}
	e.call = nil
	e.logger.Info("Ending call", "session", c.sessionID)

	if c.joined != nil {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.LeaveTimeout)
		leave := models.NewMessage(c.sessionID, e.cfg.SelfID, models.LeavePayload{UserID: e.cfg.SelfID})
		if _, err := e.log.Append(lctx, leave); err != nil {
			e.logger.Warn("Failed to send leave message", "error", err)
		}
		cancel()
	}

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.cancel()
	if c.sub != nil {
		c.sub.Close()
	}
	if err := c.pc.Close(); err != nil {
		e.logger.Warn("Failed to close peer connection", "error", err)
	}
	c.stream.Stop()

	e.update(func(s *State) { *s = idleState() })
}

func (e *Engine) toggle(kind rtc.TrackKind) bool {
	c := e.call
	if c == nil {
		s := e.State()
		if kind == rtc.KindAudio {
			return s.Muted
		}
		return s.VideoOff
	}

	var off bool
	for _, t := range c.stream.Tracks() {
		if t.Kind() != kind {
			continue
		}
		t.SetEnabled(!t.Enabled())
		off = !t.Enabled()
		break
	}

	e.update(func(s *State) {
		if kind == rtc.KindAudio {
			s.Muted = off
		} else {
			s.VideoOff = off
		}
	})
	e.logger.Debug(fmt.Sprintf("Local %s toggled", kind), "off", off)
	return off
}
