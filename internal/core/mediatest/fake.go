// Package mediatest provides an in-memory core.MediaConnection that follows
// the WebRTC signaling state rules without touching the network.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed           = errors.New("fake connection closed")
	ErrOfferOutstanding = errors.New("offer already outstanding")
	ErrWrongState       = errors.New("wrong signaling state")
)

// Track is a RemoteTrack reported by the fake.
type Track struct {
	TrackID string
	Stream  string
}

func (t Track) ID() string                { return t.TrackID }
func (t Track) StreamID() string          { return t.Stream }
func (t Track) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

// FakeConnection encodes the number of attached local tracks into every
// offer; the answering side reports one remote track per new track it sees.
type FakeConnection struct {
	mu           sync.Mutex
	name         string
	state        webrtc.SignalingState
	seq          int
	localTracks  int
	remoteTracks int
	deferred     bool
	closed       bool

	offers, answers, remoteAnswers, rollbacks int

	// FailOffer and FailAnswer make the next call return the given error.
	FailOffer  error
	FailAnswer error
	// AnswerGate, when set, blocks CreateAnswer until it is closed or receives.
	AnswerGate chan struct{}

	onRenego func()
	onTrack  func(context.Context, core.RemoteTrack)
	onData   func([]byte)
	onClosed func()
}

func New(name string) *FakeConnection {
	return &FakeConnection{name: name, state: webrtc.SignalingStateStable}
}

func (f *FakeConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if err := f.FailOffer; err != nil {
		f.FailOffer = nil
		return webrtc.SessionDescription{}, err
	}
	if f.state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, ErrOfferOutstanding
	}
	f.seq++
	f.offers++
	f.state = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("fake %s %d tracks=%d", f.name, f.seq, f.localTracks),
	}, nil
}

func (f *FakeConnection) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if gate := f.gate(); gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if err := f.FailAnswer; err != nil {
		f.FailAnswer = nil
		return webrtc.SessionDescription{}, err
	}
	if f.state != webrtc.SignalingStateStable || offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s with %s", ErrWrongState, f.state, offer.Type)
	}
	var (
		name      string
		seq, want int
	)
	if _, err := fmt.Sscanf(offer.SDP, "fake %s %d tracks=%d", &name, &seq, &want); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("malformed offer: %w", err)
	}
	for i := f.remoteTracks; i < want; i++ {
		f.emitTrack(Track{TrackID: fmt.Sprintf("%s-track-%d", name, i), Stream: name})
	}
	if want > f.remoteTracks {
		f.remoteTracks = want
	}
	f.answers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("fake %s %d tracks=0", f.name, seq),
	}, nil
}

func (f *FakeConnection) SetRemoteAnswer(answer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.state != webrtc.SignalingStateHaveLocalOffer || answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: %s with %s", ErrWrongState, f.state, answer.Type)
	}
	f.remoteAnswers++
	f.toStable()
	return nil
}

func (f *FakeConnection) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: rollback in %s", ErrWrongState, f.state)
	}
	f.rollbacks++
	f.toStable()
	return nil
}

func (f *FakeConnection) AttachLocalTracks(tracks ...webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.localTracks += len(tracks)
	if f.state == webrtc.SignalingStateStable {
		f.emitRenego()
	} else {
		f.deferred = true
	}
	return nil
}

func (f *FakeConnection) SendData(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return nil
}

// Deliver simulates a data channel message arriving from the remote side.
func (f *FakeConnection) Deliver(data []byte) {
	f.mu.Lock()
	fn := f.onData
	f.mu.Unlock()
	if fn != nil {
		go fn(data)
	}
}

func (f *FakeConnection) OnRenegotiationNeeded(fn func()) {
	f.mu.Lock()
	f.onRenego = fn
	f.mu.Unlock()
}

func (f *FakeConnection) OnTrack(fn func(context.Context, core.RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *FakeConnection) OnData(fn func([]byte)) {
	f.mu.Lock()
	f.onData = fn
	f.mu.Unlock()
}

func (f *FakeConnection) OnClosed(fn func()) {
	f.mu.Lock()
	f.onClosed = fn
	f.mu.Unlock()
}

func (f *FakeConnection) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	fn := f.onClosed
	f.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

func (f *FakeConnection) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Counters returns how many offers, answers, remote answers and rollbacks ran.
func (f *FakeConnection) Counters() (offers, answers, remoteAnswers, rollbacks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.answers, f.remoteAnswers, f.rollbacks
}

func (f *FakeConnection) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeConnection) gate() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AnswerGate
}

// toStable must be called with f.mu held.
func (f *FakeConnection) toStable() {
	f.state = webrtc.SignalingStateStable
	if f.deferred {
		f.deferred = false
		f.emitRenego()
	}
}

func (f *FakeConnection) emitRenego() {
	if fn := f.onRenego; fn != nil {
		go fn()
	}
}

func (f *FakeConnection) emitTrack(t Track) {
	if fn := f.onTrack; fn != nil {
		go fn(context.Background(), t)
	}
}
