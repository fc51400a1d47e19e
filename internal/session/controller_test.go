package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Roomcall/internal/adapters/loopback"
	"github.com/dkeye/Roomcall/internal/app"
	"github.com/dkeye/Roomcall/internal/app/orch"
	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/core/mediatest"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/negotiation"
	"github.com/dkeye/Roomcall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	room    = domain.RoomID("ab12cd")
)

type stream struct{ tracks []webrtc.TrackLocal }

func (s stream) Tracks() []webrtc.TrackLocal { return s.tracks }

func videoStream(t *testing.T) stream {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	require.NoError(t, err)
	return stream{tracks: []webrtc.TrackLocal{track}}
}

type peer struct {
	ctl *Controller
	ep  *loopback.Endpoint

	mu      sync.Mutex
	fakes   map[domain.ParticipantID]*mediatest.FakeConnection
	prepare func(*mediatest.FakeConnection)
}

func (p *peer) fake(remote domain.ParticipantID) *mediatest.FakeConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fakes[remote]
}

func newHub() *orch.Orchestrator {
	return &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewDirectory(),
		Policy:   app.SimplePolicy{},
	}
}

func newPeer(t *testing.T, hub *orch.Orchestrator, id string, cfg Config, prepare func(*mediatest.FakeConnection)) *peer {
	t.Helper()
	p := &peer{
		ep:      loopback.ConnectID(hub, id, 0),
		fakes:   make(map[domain.ParticipantID]*mediatest.FakeConnection),
		prepare: prepare,
	}
	factory := func(_ context.Context, remote domain.ParticipantID) (core.MediaConnection, error) {
		fc := mediatest.New(id)
		if p.prepare != nil {
			p.prepare(fc)
		}
		p.mu.Lock()
		p.fakes[remote] = fc
		p.mu.Unlock()
		return fc, nil
	}
	p.ctl = New(p.ep, factory, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.ctl.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = p.ctl.Close()
		cancel()
		<-done
	})
	return p
}

func stateOf(p *peer, remote domain.ParticipantID) negotiation.State {
	s, ok := p.ctl.Session(remote)
	if !ok {
		return negotiation.Closed
	}
	return s.State()
}

// joinPair joins a then b and waits until a has seen b arrive.
func joinPair(t *testing.T, a, b *peer) {
	t.Helper()
	ctx := context.Background()
	arrived := make(chan domain.Participant, 1)
	unsubscribe := a.ctl.OnPeerJoined(func(p domain.Participant) { arrived <- p })
	defer unsubscribe()

	_, err := a.ctl.Join(ctx, room, "alice")
	require.NoError(t, err)
	_, err = b.ctl.Join(ctx, room, "bob")
	require.NoError(t, err)

	select {
	case p := <-arrived:
		assert.Equal(t, b.ep.ID(), core.SessionID(p.ID))
		assert.Equal(t, "bob", p.DisplayName)
	case <-time.After(waitFor):
		t.Fatal("peer-joined not observed")
	}
}

func callPair(t *testing.T, a, b *peer) {
	t.Helper()
	require.NoError(t, a.ctl.StartCall(context.Background(), "b"))
	require.Eventually(t, func() bool {
		return stateOf(a, "b") == negotiation.Stable && stateOf(b, "a") == negotiation.Stable
	}, waitFor, tick)
}

func TestJoinValidatesBeforeSending(t *testing.T) {
	a := newPeer(t, newHub(), "a", Config{}, nil)

	_, err := a.ctl.Join(context.Background(), "", "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = a.ctl.Join(context.Background(), room, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, a.ep.Sent(protocol.TypeJoin))
}

func TestJoinReportsSelfAndMembers(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, nil)
	b := newPeer(t, hub, "b", Config{}, nil)

	_, err := a.ctl.Join(context.Background(), room, "alice")
	require.NoError(t, err)
	self, err := b.ctl.Join(context.Background(), room, "bob")
	require.NoError(t, err)

	assert.Equal(t, domain.Participant{ID: "b", DisplayName: "bob"}, self)
	assert.Equal(t, room, b.ctl.Room())
	assert.Equal(t, []domain.Participant{{ID: "a", DisplayName: "alice"}}, b.ctl.Peers())
}

func TestStartCallPreconditions(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, nil)
	b := newPeer(t, hub, "b", Config{}, nil)

	assert.ErrorIs(t, a.ctl.StartCall(context.Background(), "b"), domain.ErrNotJoined)
	joinPair(t, a, b)
	assert.ErrorIs(t, a.ctl.StartCall(context.Background(), "b"), domain.ErrNoLocalMedia)

	a.ctl.SetLocalStream(videoStream(t))
	assert.ErrorIs(t, a.ctl.StartCall(context.Background(), "zz"), domain.ErrUnknownPeer)
	require.NoError(t, a.ctl.StartCall(context.Background(), "b"))
	assert.ErrorIs(t, a.ctl.StartCall(context.Background(), "b"), domain.ErrCallInProgress)
}

func TestCallReachesStableOnBothSides(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, nil)
	b := newPeer(t, hub, "b", Config{}, nil)
	joinPair(t, a, b)
	a.ctl.SetLocalStream(videoStream(t))

	callPair(t, a, b)

	assert.Equal(t, 1, a.ep.Sent(protocol.TypeCall))
	assert.Equal(t, 1, b.ep.Sent(protocol.TypeCallAccepted))
	offers, _, remoteAnswers, _ := a.fake("b").Counters()
	assert.Equal(t, 1, offers)
	assert.Equal(t, 1, remoteAnswers)
}

func TestSendStreamsAfterStableRunsOneCycle(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, nil)
	b := newPeer(t, hub, "b", Config{}, nil)

	var tracks sync.Map
	arrivals := make(chan struct{}, 4)
	b.ctl.OnRemoteTrack(func(_ context.Context, from domain.ParticipantID, track core.RemoteTrack) {
		tracks.Store(track.ID(), from)
		arrivals <- struct{}{}
	})

	joinPair(t, a, b)
	a.ctl.SetLocalStream(videoStream(t))
	callPair(t, a, b)

	require.NoError(t, a.ctl.SendStreams(context.Background()))
	require.Eventually(t, func() bool {
		return a.ep.Received(protocol.TypeNegoFinal) == 1 && stateOf(a, "b") == negotiation.Stable
	}, waitFor, tick)

	assert.Never(t, func() bool { return a.ep.Sent(protocol.TypeNegoNeeded) > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, 1, a.ep.Sent(protocol.TypeNegoNeeded))
	assert.Equal(t, 1, b.ep.Sent(protocol.TypeNegoDone))
	assert.Equal(t, negotiation.Stable, stateOf(b, "a"))
	require.Eventually(t, func() bool { return len(arrivals) == 1 }, waitFor, tick)
	from, ok := tracks.Load("a-track-0")
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("a"), from)

	require.NoError(t, a.ctl.SendStreams(context.Background()))
	assert.Never(t, func() bool { return a.ep.Sent(protocol.TypeNegoNeeded) > 1 }, 100*time.Millisecond, tick)
	assert.Len(t, arrivals, 1)
}

func TestAutoSendAfterOutboundCall(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{AutoSend: true}, nil)
	b := newPeer(t, hub, "b", Config{AutoSend: true}, nil)
	joinPair(t, a, b)
	a.ctl.SetLocalStream(videoStream(t))

	require.NoError(t, a.ctl.StartCall(context.Background(), "b"))
	require.Eventually(t, func() bool {
		return a.ep.Received(protocol.TypeNegoFinal) == 1 &&
			stateOf(a, "b") == negotiation.Stable && stateOf(b, "a") == negotiation.Stable
	}, waitFor, tick)

	s, ok := a.ctl.Session("b")
	require.True(t, ok)
	assert.True(t, s.MediaAttached())
	assert.Equal(t, 0, b.ep.Sent(protocol.TypeNegoNeeded))
}

func TestLeaveDuringOfferMakesLateAnswerNoop(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, nil)
	gate := make(chan struct{})
	b := newPeer(t, hub, "b", Config{}, func(fc *mediatest.FakeConnection) { fc.AnswerGate = gate })
	joinPair(t, a, b)
	a.ctl.SetLocalStream(videoStream(t))

	require.NoError(t, a.ctl.StartCall(context.Background(), "b"))
	sess, ok := a.ctl.Session("b")
	require.True(t, ok)
	require.Equal(t, negotiation.OfferSent, sess.State())
	fake := a.fake("b")

	require.NoError(t, a.ctl.Leave(context.Background()))
	assert.Equal(t, negotiation.Closed, sess.State())
	require.Eventually(t, func() bool { return stateOf(b, "a") == negotiation.Closed }, waitFor, tick)
	close(gate)

	late := protocol.Message{
		Type:   protocol.TypeCallAccepted,
		From:   "b",
		Answer: &protocol.SDP{Type: "answer", SDP: "fake b 1 tracks=0"},
	}
	assert.ErrorIs(t, sess.Handle(context.Background(), late), domain.ErrSessionClosed)
	a.ctl.dispatch(late)

	assert.Equal(t, negotiation.Closed, sess.State())
	_, _, remoteAnswers, _ := fake.Counters()
	assert.Equal(t, 0, remoteAnswers)
	assert.Equal(t, 0, b.ep.Sent(protocol.TypeCallAccepted))
}

func TestUnansweredCallTimesOut(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{CallTimeout: 50 * time.Millisecond}, nil)
	b := newPeer(t, hub, "b", Config{}, func(fc *mediatest.FakeConnection) { fc.AnswerGate = make(chan struct{}) })
	joinPair(t, a, b)
	a.ctl.SetLocalStream(videoStream(t))

	ended := make(chan error, 1)
	a.ctl.OnCallEnded(func(_ domain.ParticipantID, err error) { ended <- err })
	require.NoError(t, a.ctl.StartCall(context.Background(), "b"))

	select {
	case err := <-ended:
		assert.ErrorIs(t, err, domain.ErrPeerUnreachable)
	case <-time.After(waitFor):
		t.Fatal("call did not time out")
	}
	_, ok := a.ctl.Session("b")
	assert.False(t, ok)
}

func TestSimultaneousCallsSettle(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, nil)
	b := newPeer(t, hub, "b", Config{}, nil)
	joinPair(t, a, b)
	a.ctl.SetLocalStream(videoStream(t))
	b.ctl.SetLocalStream(videoStream(t))

	var wg sync.WaitGroup
	for _, c := range []struct {
		p      *peer
		remote domain.ParticipantID
	}{{a, "b"}, {b, "a"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.p.ctl.StartCall(context.Background(), c.remote); err != nil {
				assert.ErrorIs(t, err, domain.ErrCallInProgress)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		sa, okA := a.ctl.Session("b")
		sb, okB := b.ctl.Session("a")
		return okA && okB &&
			sa.State() == negotiation.Stable && !sa.Pending() &&
			sb.State() == negotiation.Stable && !sb.Pending()
	}, waitFor, tick)

	_, _, _, rollbacksB := b.fake("a").Counters()
	assert.Equal(t, 0, rollbacksB)
}

func TestStartCallReportsNegotiationError(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, func(fc *mediatest.FakeConnection) {
		fc.FailOffer = errors.New("malformed description")
	})
	b := newPeer(t, hub, "b", Config{}, nil)
	joinPair(t, a, b)
	a.ctl.SetLocalStream(videoStream(t))

	ended := make(chan error, 2)
	a.ctl.OnCallEnded(func(_ domain.ParticipantID, err error) { ended <- err })

	err := a.ctl.StartCall(context.Background(), "b")
	require.ErrorIs(t, err, domain.ErrNegotiation)
	var nerr *domain.NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "create offer", nerr.Op)
	assert.Equal(t, domain.ParticipantID("b"), nerr.PeerID)

	select {
	case got := <-ended:
		assert.ErrorIs(t, got, domain.ErrNegotiation)
	case <-time.After(waitFor):
		t.Fatal("call-ended not observed")
	}
	assert.Never(t, func() bool { return len(ended) > 0 }, 100*time.Millisecond, tick)
	_, ok := a.ctl.Session("b")
	assert.False(t, ok)
	assert.Equal(t, 0, a.ep.Sent(protocol.TypeCall))
}

func TestRetryAfterOneSidedFailureSettles(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, nil)
	b := newPeer(t, hub, "b", Config{}, nil)
	joinPair(t, a, b)
	a.ctl.SetLocalStream(videoStream(t))
	callPair(t, a, b)

	endedA := make(chan error, 1)
	a.ctl.OnCallEnded(func(_ domain.ParticipantID, err error) { endedA <- err })
	endedB := make(chan error, 1)
	b.ctl.OnCallEnded(func(_ domain.ParticipantID, err error) { endedB <- err })

	old, ok := b.ctl.Session("a")
	require.True(t, ok)
	a.fake("b").FailOffer = errors.New("ice restart refused")
	require.NoError(t, a.ctl.SendStreams(context.Background()))

	select {
	case err := <-endedA:
		assert.ErrorIs(t, err, domain.ErrNegotiation)
	case <-time.After(waitFor):
		t.Fatal("failed call was not torn down")
	}
	_, ok = a.ctl.Session("b")
	require.False(t, ok)
	assert.Equal(t, negotiation.Stable, stateOf(b, "a"))

	callPair(t, a, b)

	select {
	case err := <-endedB:
		assert.ErrorIs(t, err, domain.ErrSessionClosed)
	case <-time.After(waitFor):
		t.Fatal("stale call was not replaced")
	}
	assert.Equal(t, negotiation.Closed, old.State())
	cur, ok := b.ctl.Session("a")
	require.True(t, ok)
	assert.NotSame(t, old, cur)
	assert.Equal(t, 2, a.ep.Sent(protocol.TypeCall))
	assert.Equal(t, 2, b.ep.Sent(protocol.TypeCallAccepted))
}

func TestPeerLeftTearsDownCall(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, nil)
	b := newPeer(t, hub, "b", Config{}, nil)
	joinPair(t, a, b)
	a.ctl.SetLocalStream(videoStream(t))
	callPair(t, a, b)

	ended := make(chan error, 1)
	left := make(chan domain.ParticipantID, 1)
	a.ctl.OnCallEnded(func(_ domain.ParticipantID, err error) { ended <- err })
	a.ctl.OnPeerLeft(func(id domain.ParticipantID) { left <- id })

	require.NoError(t, b.ep.Close())

	select {
	case id := <-left:
		assert.Equal(t, domain.ParticipantID("b"), id)
	case <-time.After(waitFor):
		t.Fatal("peer-left not observed")
	}
	select {
	case err := <-ended:
		assert.ErrorIs(t, err, domain.ErrSessionClosed)
	case <-time.After(waitFor):
		t.Fatal("call not torn down")
	}
	assert.True(t, a.fake("b").IsClosed())
	assert.Empty(t, a.ctl.Peers())
}

func TestPresenceIsBestEffortBroadcast(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, nil)
	b := newPeer(t, hub, "b", Config{}, nil)
	joinPair(t, a, b)

	type seen struct {
		p    domain.Participant
		mode domain.PresenceMode
	}
	got := make(chan seen, 1)
	b.ctl.OnPresence(func(p domain.Participant, mode domain.PresenceMode) { got <- seen{p, mode} })

	assert.ErrorIs(t, a.ctl.SendPresence("slides"), domain.ErrInvalidInput)
	require.NoError(t, a.ctl.SendPresence(domain.PresenceEditor))

	select {
	case s := <-got:
		assert.Equal(t, domain.ParticipantID("a"), s.p.ID)
		assert.Equal(t, "alice", s.p.DisplayName)
		assert.Equal(t, domain.PresenceEditor, s.mode)
	case <-time.After(waitFor):
		t.Fatal("presence not delivered")
	}
	assert.Equal(t, domain.PresenceEditor, b.ctl.PeerPresence("a"))
	_, ok := b.ctl.Session("a")
	assert.False(t, ok)
}

func TestDataChannelRouting(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, nil)
	b := newPeer(t, hub, "b", Config{}, nil)
	joinPair(t, a, b)
	a.ctl.SetLocalStream(videoStream(t))

	assert.ErrorIs(t, a.ctl.SendData("b", []byte("hi")), domain.ErrUnknownPeer)
	callPair(t, a, b)
	require.NoError(t, a.ctl.SendData("b", []byte("hi")))

	got := make(chan string, 1)
	b.ctl.OnData(func(from domain.ParticipantID, data []byte) { got <- string(from) + ":" + string(data) })
	b.fake("a").Deliver([]byte("hello"))

	select {
	case s := <-got:
		assert.Equal(t, "a:hello", s)
	case <-time.After(waitFor):
		t.Fatal("data not delivered")
	}
}

func TestServerErrorReachesHandlers(t *testing.T) {
	a := newPeer(t, newHub(), "a", Config{}, nil)

	got := make(chan error, 1)
	unsubscribe := a.ctl.OnError(func(err error) { got <- err })
	require.NoError(t, a.ep.Send(protocol.Message{Type: "bogus"}))

	select {
	case err := <-got:
		assert.Contains(t, err.Error(), "unknown message type")
	case <-time.After(waitFor):
		t.Fatal("error not delivered")
	}

	unsubscribe()
	unsubscribe()
	require.NoError(t, a.ep.Send(protocol.Message{Type: "bogus"}))
	assert.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, tick)
}

func TestLeaveIsIdempotent(t *testing.T) {
	hub := newHub()
	a := newPeer(t, hub, "a", Config{}, nil)
	b := newPeer(t, hub, "b", Config{}, nil)
	joinPair(t, a, b)

	require.NoError(t, a.ctl.Leave(context.Background()))
	require.NoError(t, a.ctl.Leave(context.Background()))
	assert.Equal(t, 1, a.ep.Sent(protocol.TypeLeave))
	assert.Equal(t, domain.RoomID(""), a.ctl.Room())

	require.NoError(t, b.ctl.Leave(context.Background()))
	assert.Empty(t, hub.Rooms.List())
}
