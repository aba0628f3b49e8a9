package call_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/mossy-p/healthbridge/internal/call"
	"github.com/mossy-p/healthbridge/internal/models"
	"github.com/mossy-p/healthbridge/internal/rtc"
	"github.com/mossy-p/healthbridge/internal/rtc/rtctest"
	"github.com/mossy-p/healthbridge/internal/signaling"
)

type testPeer struct {
	engine  *call.Engine
	media   *rtctest.Media
	factory *rtctest.Factory
}

func newTestPeer(t *testing.T, l signaling.Log, id string, cfg call.Config) *testPeer {
	t.Helper()

	cfg.SelfID = id
	media := &rtctest.Media{}
	factory := &rtctest.Factory{Candidates: []string{"candidate:" + id + ":1", "candidate:" + id + ":2"}}
	logger := log.New(io.Discard)

	e := call.New(cfg, l, media, factory, logger)
	t.Cleanup(func() { e.Close() })
	return &testPeer{engine: e, media: media, factory: factory}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle lets the fake transport finish reporting its connected state
func settle() { time.Sleep(30 * time.Millisecond) }

func countMessages(t *testing.T, l signaling.Log, sessionID string, typ models.MessageType) map[string]int {
	t.Helper()
	msgs, err := l.List(context.Background(), sessionID, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	bySender := make(map[string]int)
	for _, m := range msgs {
		if m.Type == typ {
			bySender[m.SenderID]++
		}
	}
	return bySender
}

func appendFrom(t *testing.T, l signaling.Log, sessionID, sender string, p models.Payload) models.SignalingMessage {
	t.Helper()
	m, err := l.Append(context.Background(), models.NewMessage(sessionID, sender, p))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return m
}

func TestSecondJoinerTriggersSingleOffer(t *testing.T) {
	ctx := context.Background()
	l := signaling.NewMemoryLog()
	u1 := newTestPeer(t, l, "u1", call.Config{})
	u2 := newTestPeer(t, l, "u2", call.Config{})

	if err := u1.engine.StartCall(ctx, "abc"); err != nil {
		t.Fatalf("u1 start: %v", err)
	}
	if s := u1.engine.State(); s.Phase != call.PhaseNegotiating || s.ParticipantPresent {
		t.Fatalf("u1 should be waiting alone, got %+v", s)
	}

	if err := u2.engine.StartCall(ctx, "abc"); err != nil {
		t.Fatalf("u2 start: %v", err)
	}

	waitFor(t, "both peers connected", func() bool {
		return u1.engine.State().IsConnected() && u2.engine.State().IsConnected()
	})

	offers := countMessages(t, l, "abc", models.MessageTypeOffer)
	if offers["u1"] != 1 || offers["u2"] != 0 {
		t.Fatalf("expected exactly one offer from u1, got %v", offers)
	}
	answers := countMessages(t, l, "abc", models.MessageTypeAnswer)
	if answers["u2"] != 1 || answers["u1"] != 0 {
		t.Fatalf("expected exactly one answer from u2, got %v", answers)
	}

	s1, s2 := u1.engine.State(), u2.engine.State()
	if s1.Role != call.RoleInitiator || s2.Role != call.RoleResponder {
		t.Fatalf("unexpected roles: u1=%q u2=%q", s1.Role, s2.Role)
	}
	if s1.RemoteStream == nil || s2.RemoteStream == nil {
		t.Fatalf("expected remote streams on both sides")
	}
	if !s1.ParticipantPresent || !s2.ParticipantPresent {
		t.Fatalf("expected participant present on both sides")
	}

	waitFor(t, "trickled candidates applied", func() bool {
		return len(u1.factory.Last().Applied()) == 2 && len(u2.factory.Last().Applied()) == 2
	})
}

func TestConcurrentJoinsElectOneInitiator(t *testing.T) {
	for i := 0; i < 20; i++ {
		l := signaling.NewMemoryLog()
		a := newTestPeer(t, l, "a", call.Config{})
		b := newTestPeer(t, l, "b", call.Config{})

		errc := make(chan error, 2)
		go func() { errc <- a.engine.StartCall(context.Background(), "s") }()
		go func() { errc <- b.engine.StartCall(context.Background(), "s") }()
		for j := 0; j < 2; j++ {
			if err := <-errc; err != nil {
				t.Fatalf("start: %v", err)
			}
		}

		waitFor(t, "both peers connected", func() bool {
			return a.engine.State().IsConnected() && b.engine.State().IsConnected()
		})

		offers := countMessages(t, l, "s", models.MessageTypeOffer)
		if offers["a"]+offers["b"] != 1 {
			t.Fatalf("run %d: expected exactly one offer, got %v", i, offers)
		}
		a.engine.Close()
		b.engine.Close()
	}
}

func TestCandidatesBufferedUntilOfferIsApplied(t *testing.T) {
	ctx := context.Background()
	l := signaling.NewMemoryLog()

	appendFrom(t, l, "s1", "remote", models.JoinPayload{UserID: "remote"})
	appendFrom(t, l, "s1", "remote", models.CandidatePayload{Candidate: "c1"})
	appendFrom(t, l, "s1", "remote", models.CandidatePayload{Candidate: "c2"})
	appendFrom(t, l, "s1", "remote", models.DescriptionPayload{Type: "offer", SDP: "remote-offer"})

	p := newTestPeer(t, l, "local", call.Config{})
	if err := p.engine.StartCall(ctx, "s1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	pc := p.factory.Last()
	applied := pc.Applied()
	if len(applied) != 2 || applied[0].Candidate != "c1" || applied[1].Candidate != "c2" {
		t.Fatalf("expected [c1 c2] applied in order, got %+v", applied)
	}
	if answers := countMessages(t, l, "s1", models.MessageTypeAnswer); answers["local"] != 1 {
		t.Fatalf("expected one answer, got %v", answers)
	}
	if offers := countMessages(t, l, "s1", models.MessageTypeOffer); offers["local"] != 0 {
		t.Fatalf("late joiner must not offer, got %v", offers)
	}

	appendFrom(t, l, "s1", "remote", models.CandidatePayload{Candidate: "c3"})
	waitFor(t, "live candidate applied", func() bool { return len(pc.Applied()) == 3 })

	applied = pc.Applied()
	if applied[2].Candidate != "c3" {
		t.Fatalf("expected c3 last, got %+v", applied)
	}
}

func TestLiveCandidatesBeforeOfferAreQueued(t *testing.T) {
	ctx := context.Background()
	l := signaling.NewMemoryLog()

	appendFrom(t, l, "s2", "remote", models.JoinPayload{UserID: "remote"})

	p := newTestPeer(t, l, "local", call.Config{})
	if err := p.engine.StartCall(ctx, "s2"); err != nil {
		t.Fatalf("start: %v", err)
	}
	pc := p.factory.Last()

	appendFrom(t, l, "s2", "remote", models.CandidatePayload{Candidate: "early-1"})
	appendFrom(t, l, "s2", "remote", models.CandidatePayload{Candidate: "early-2"})

	time.Sleep(50 * time.Millisecond)
	if n := len(pc.Applied()); n != 0 {
		t.Fatalf("candidates applied before remote description: %d", n)
	}

	appendFrom(t, l, "s2", "remote", models.DescriptionPayload{Type: "offer", SDP: "remote-offer"})
	waitFor(t, "queued candidates flushed", func() bool { return len(pc.Applied()) == 2 })

	applied := pc.Applied()
	if applied[0].Candidate != "early-1" || applied[1].Candidate != "early-2" {
		t.Fatalf("unexpected flush order: %+v", applied)
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := signaling.NewMemoryLog()
	p := newTestPeer(t, l, "u1", call.Config{})

	if err := p.engine.StartCall(ctx, "s3"); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := p.engine.EndCall(ctx); err != nil {
			t.Fatalf("end call %d: %v", i+1, err)
		}
		s := p.engine.State()
		if s.Phase != call.PhaseIdle || s.LocalStream != nil || s.RemoteStream != nil {
			t.Fatalf("end call %d left state %+v", i+1, s)
		}
	}

	if !p.factory.Last().Closed() {
		t.Fatalf("peer connection not closed")
	}
	streams := p.media.Streams()
	if len(streams) != 1 || !streams[0].AllStopped() {
		t.Fatalf("local tracks not stopped")
	}
	if leaves := countMessages(t, l, "s3", models.MessageTypeLeave); leaves["u1"] != 1 {
		t.Fatalf("expected a single leave message, got %v", leaves)
	}
}

func TestEndCallWithoutActiveCall(t *testing.T) {
	p := newTestPeer(t, signaling.NewMemoryLog(), "u1", call.Config{})
	if err := p.engine.EndCall(context.Background()); err != nil {
		t.Fatalf("end call: %v", err)
	}
	if s := p.engine.State(); s.Phase != call.PhaseIdle {
		t.Fatalf("expected idle, got %s", s.Phase)
	}
}

func TestMediaAccessErrorKeepsCallIdle(t *testing.T) {
	l := signaling.NewMemoryLog()
	p := newTestPeer(t, l, "u1", call.Config{})
	p.media.Err = rtc.ErrPermissionDenied

	err := p.engine.StartCall(context.Background(), "s4")
	if !errors.Is(err, call.ErrMediaAccess) || !errors.Is(err, rtc.ErrPermissionDenied) {
		t.Fatalf("expected media access error, got %v", err)
	}

	s := p.engine.State()
	if s.Phase != call.PhaseIdle || !errors.Is(s.LastError, call.ErrMediaAccess) {
		t.Fatalf("unexpected state %+v", s)
	}
	if len(p.factory.Peers()) != 0 {
		t.Fatalf("peer connection created despite media failure")
	}
	if joins := countMessages(t, l, "s4", models.MessageTypeJoin); len(joins) != 0 {
		t.Fatalf("join announced despite media failure: %v", joins)
	}
}

// flakyLog fails the first n appends
type flakyLog struct {
	signaling.Log
	failures int
}

func (f *flakyLog) Append(ctx context.Context, m models.SignalingMessage) (models.SignalingMessage, error) {
	if f.failures > 0 {
		f.failures--
		return models.SignalingMessage{}, errors.New("insert failed")
	}
	return f.Log.Append(ctx, m)
}

func TestTransportFailureCanBeRetried(t *testing.T) {
	ctx := context.Background()
	mem := signaling.NewMemoryLog()
	l := &flakyLog{Log: mem, failures: 1}
	p := newTestPeer(t, l, "u1", call.Config{})

	err := p.engine.StartCall(ctx, "s5")
	if !errors.Is(err, call.ErrSignalingTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if s := p.engine.State(); !errors.Is(s.LastError, call.ErrSignalingTransport) || s.LocalStream == nil {
		t.Fatalf("expected surfaced error with media kept, got %+v", s)
	}
	pc := p.factory.Last()
	if pc.Closed() {
		t.Fatalf("peer connection must survive a transport error")
	}

	if err := p.engine.StartCall(ctx, "s5"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(p.factory.Peers()) != 1 {
		t.Fatalf("retry must reuse the peer connection")
	}
	if joins := countMessages(t, mem, "s5", models.MessageTypeJoin); joins["u1"] != 1 {
		t.Fatalf("expected one join after retry, got %v", joins)
	}
	if s := p.engine.State(); s.LastError != nil {
		t.Fatalf("expected error cleared after retry, got %v", s.LastError)
	}

	if err := p.engine.StartCall(ctx, "s5"); !errors.Is(err, call.ErrCallActive) {
		t.Fatalf("expected ErrCallActive, got %v", err)
	}
}

func TestAbandonedStartLeavesNoActiveCall(t *testing.T) {
	l := signaling.NewMemoryLog()
	p := newTestPeer(t, l, "u1", call.Config{})
	p.media.Gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.engine.StartCall(ctx, "s11") }()

	waitFor(t, "start waiting on media", func() bool { return p.engine.State().Phase == call.PhaseNegotiating })
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	// the media prompt resolves after the caller left
	close(p.media.Gate)
	waitFor(t, "abandoned start torn down", func() bool {
		streams := p.media.Streams()
		return len(streams) == 1 && streams[0].AllStopped() && p.engine.State().Phase == call.PhaseIdle
	})

	p.media.Gate = nil
	if err := p.engine.StartCall(context.Background(), "s11"); err != nil {
		t.Fatalf("restart after abandoned start: %v", err)
	}
	if s := p.engine.State(); s.SessionID != "s11" || s.LocalStream == nil {
		t.Fatalf("unexpected state %+v", s)
	}
}

func TestAnswerWithoutOfferIsDropped(t *testing.T) {
	ctx := context.Background()
	l := signaling.NewMemoryLog()
	p := newTestPeer(t, l, "u1", call.Config{})

	if err := p.engine.StartCall(ctx, "s6"); err != nil {
		t.Fatalf("start: %v", err)
	}
	appendFrom(t, l, "s6", "u2", models.DescriptionPayload{Type: "answer", SDP: "stray"})
	appendFrom(t, l, "s6", "u2", models.CandidatePayload{Candidate: "marker"})

	time.Sleep(50 * time.Millisecond)
	s := p.engine.State()
	if s.LastError != nil {
		t.Fatalf("stray answer must not surface an error: %v", s.LastError)
	}
	if p.factory.Last().HasRemoteDescription() {
		t.Fatalf("stray answer was applied")
	}
}

func TestLeaveClearsRemoteStream(t *testing.T) {
	ctx := context.Background()
	l := signaling.NewMemoryLog()
	u1 := newTestPeer(t, l, "u1", call.Config{})
	u2 := newTestPeer(t, l, "u2", call.Config{})

	if err := u1.engine.StartCall(ctx, "s7"); err != nil {
		t.Fatalf("u1 start: %v", err)
	}
	if err := u2.engine.StartCall(ctx, "s7"); err != nil {
		t.Fatalf("u2 start: %v", err)
	}
	waitFor(t, "connected", func() bool { return u1.engine.State().IsConnected() })
	settle()

	if err := u2.engine.EndCall(ctx); err != nil {
		t.Fatalf("u2 end: %v", err)
	}
	waitFor(t, "u1 sees leave", func() bool {
		s := u1.engine.State()
		return s.Phase == call.PhaseDisconnected && s.RemoteStream == nil && !s.ParticipantPresent
	})
	if u1.factory.Last().Closed() {
		t.Fatalf("remote leave must not tear down the local call")
	}
}

func TestTransportFailureSurfacesConnectionLost(t *testing.T) {
	ctx := context.Background()
	l := signaling.NewMemoryLog()
	u1 := newTestPeer(t, l, "u1", call.Config{})
	u2 := newTestPeer(t, l, "u2", call.Config{})

	if err := u1.engine.StartCall(ctx, "s8"); err != nil {
		t.Fatalf("u1 start: %v", err)
	}
	if err := u2.engine.StartCall(ctx, "s8"); err != nil {
		t.Fatalf("u2 start: %v", err)
	}
	waitFor(t, "connected", func() bool { return u1.engine.State().IsConnected() })
	settle()

	u1.factory.Last().EmitState(rtc.ConnectionFailed)
	waitFor(t, "connection lost", func() bool {
		s := u1.engine.State()
		return s.Phase == call.PhaseFailed && errors.Is(s.LastError, call.ErrConnectionLost)
	})

	settle()
	if n := countMessages(t, l, "s8", models.MessageTypeOffer)["u1"]; n != 1 {
		t.Fatalf("manual policy must not renegotiate, got %d offers", n)
	}
	if u1.factory.Last().Closed() {
		t.Fatalf("call must not be torn down automatically")
	}
}

func TestAutoReconnectSendsICERestart(t *testing.T) {
	ctx := context.Background()
	l := signaling.NewMemoryLog()
	mock := clock.NewMock()
	policy := call.Config{
		Reconnect: call.ReconnectPolicy{Mode: call.ReconnectAuto, MaxAttempts: 2, Backoff: time.Minute},
		Clock:     mock,
	}
	u1 := newTestPeer(t, l, "u1", policy)
	u2 := newTestPeer(t, l, "u2", policy)

	if err := u1.engine.StartCall(ctx, "s9"); err != nil {
		t.Fatalf("u1 start: %v", err)
	}
	if err := u2.engine.StartCall(ctx, "s9"); err != nil {
		t.Fatalf("u2 start: %v", err)
	}
	waitFor(t, "connected", func() bool {
		return u1.engine.State().IsConnected() && u2.engine.State().IsConnected()
	})
	waitFor(t, "answer applied", func() bool {
		return u1.factory.Last().SignalingState() == rtc.SignalingStable
	})
	settle()

	u1.factory.Last().EmitState(rtc.ConnectionDisconnected)
	waitFor(t, "connection lost", func() bool {
		return errors.Is(u1.engine.State().LastError, call.ErrConnectionLost)
	})
	settle()
	if n := countMessages(t, l, "s9", models.MessageTypeOffer)["u1"]; n != 1 {
		t.Fatalf("restart must wait for the backoff, got %d offers", n)
	}

	// each poll moves past the pending backoff
	waitFor(t, "restart offer", func() bool {
		mock.Add(time.Minute)
		return countMessages(t, l, "s9", models.MessageTypeOffer)["u1"] == 2
	})
	waitFor(t, "restart answered", func() bool {
		return countMessages(t, l, "s9", models.MessageTypeAnswer)["u2"] == 2
	})
}

func TestToggleDoesNotRenegotiate(t *testing.T) {
	ctx := context.Background()
	l := signaling.NewMemoryLog()
	p := newTestPeer(t, l, "u1", call.Config{})

	if err := p.engine.StartCall(ctx, "s10"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if muted := p.engine.ToggleMute(); !muted {
		t.Fatalf("expected muted after first toggle")
	}
	if off := p.engine.ToggleVideo(); !off {
		t.Fatalf("expected video off after first toggle")
	}

	s := p.engine.State()
	if !s.Muted || !s.VideoOff {
		t.Fatalf("state not updated: %+v", s)
	}
	for _, tr := range s.LocalStream.Tracks() {
		if tr.Enabled() {
			t.Fatalf("%s track still enabled", tr.Kind())
		}
	}

	if muted := p.engine.ToggleMute(); muted {
		t.Fatalf("expected unmuted after second toggle")
	}
	if p.factory.Last().Offers() != 0 {
		t.Fatalf("toggling must not create offers")
	}
}

func TestWatchDeliversStateChanges(t *testing.T) {
	p := newTestPeer(t, signaling.NewMemoryLog(), "u1", call.Config{})
	ch, cancel := p.engine.Watch()
	defer cancel()

	if s := <-ch; s.Phase != call.PhaseIdle {
		t.Fatalf("expected initial idle snapshot, got %s", s.Phase)
	}
	if err := p.engine.StartCall(context.Background(), "s11"); err != nil {
		t.Fatalf("start: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.Phase == call.PhaseNegotiating && s.LocalStream != nil {
				return
			}
		case <-timeout:
			t.Fatalf("no negotiating snapshot received")
		}
	}
}
