package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	dataChannelLabel     = "data"
	dataChannelID        = uint16(0)
	defaultGatherTimeout = 5 * time.Second
)

var (
	ErrClosed            = errors.New("peer connection closed")
	ErrOfferOutstanding  = errors.New("local offer outstanding")
	ErrNothingToRollback = errors.New("no local offer to roll back")
)

// WebRTCConnection is the MediaConnection for one remote participant.
//
// After the first exchange, offers are generated but only applied together
// with the remote answer, so the pion connection stays stable while one is in
// flight and Rollback just forgets it. The first offer is applied at once to
// start ICE gathering; rolling it back replaces the underlying connection.
type WebRTCConnection struct {
	api           *webrtc.API
	cfg           webrtc.Configuration
	peer          domain.ParticipantID
	gatherTimeout time.Duration
	logger        zerolog.Logger
	ctx           context.Context
	cancel        context.CancelFunc

	mu             sync.Mutex
	pc             *webrtc.PeerConnection
	dc             *webrtc.DataChannel
	tracks         []webrtc.TrackLocal
	pendingOffer   *webrtc.SessionDescription
	negotiated     bool
	onRenego       func()
	onTrack        func(ctx context.Context, track core.RemoteTrack)
	onData         func([]byte)
	onClosed       func()
	deferredRenego bool

	closed     atomic.Bool
	closedOnce sync.Once
}

// NewWebRTCConnection opens a peer connection with a pre-negotiated data
// channel, so every offer carries at least an application section.
func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, peer domain.ParticipantID, gatherTimeout time.Duration) (*WebRTCConnection, error) {
	if gatherTimeout <= 0 {
		gatherTimeout = defaultGatherTimeout
	}
	pc, dc, err := openPeer(api, cfg)
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{
		api:           api,
		cfg:           cfg,
		pc:            pc,
		dc:            dc,
		peer:          peer,
		gatherTimeout: gatherTimeout,
		logger:        log.With().Str("module", "webrtc").Str("peer", string(peer)).Logger(),
	}, nil
}

func openPeer(api *webrtc.API, cfg webrtc.Configuration) (*webrtc.PeerConnection, *webrtc.DataChannel, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("new peer connection: %w", err)
	}
	negotiated := true
	id := dataChannelID
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Negotiated: &negotiated, ID: &id})
	if err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("create data channel: %w", err)
	}
	return pc, dc, nil
}

// Start configures internal callbacks and binds the connection lifetime to ctx.
func (c *WebRTCConnection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx
	c.cancel = cancel

	c.mu.Lock()
	c.wire(c.pc, c.dc)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return nil
}

// wire registers handlers on pc. Handlers of a replaced connection are ignored.
func (c *WebRTCConnection) wire(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if !c.current(pc) {
			return
		}
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.fireClosed()
		}
	})

	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		if !c.current(pc) {
			return
		}
		c.logger.Debug().Str("signaling_state", s.String()).Msg("signaling state")
		if s == webrtc.SignalingStateStable {
			c.flushDeferred()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(c.ctx, track)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		fn := c.onData
		c.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
}

func (c *WebRTCConnection) current(pc *webrtc.PeerConnection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc == pc
}

func (c *WebRTCConnection) peerConn() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

func (c *WebRTCConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if c.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	c.mu.Lock()
	pc, negotiated := c.pc, c.negotiated
	outstanding := c.pendingOffer != nil
	c.mu.Unlock()
	if outstanding || pc.SignalingState() != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, ErrOfferOutstanding
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if !negotiated {
		return c.setLocal(ctx, pc, offer)
	}
	c.mu.Lock()
	c.pendingOffer = &offer
	c.mu.Unlock()
	return offer, nil
}

func (c *WebRTCConnection) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if c.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	c.mu.Lock()
	pc := c.pc
	c.pendingOffer = nil
	c.mu.Unlock()

	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	local, err := c.setLocal(ctx, pc, answer)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	c.mu.Lock()
	c.negotiated = true
	c.mu.Unlock()
	return local, nil
}

// setLocal applies desc and waits for ICE gathering so the returned
// description carries its candidates.
func (c *WebRTCConnection) setLocal(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local %s: %w", desc.Type, err)
	}

	timer := time.NewTimer(c.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		c.logger.Warn().Dur("timeout", c.gatherTimeout).Msg("ICE gathering incomplete, sending partial candidates")
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, ErrClosed
	}
	return *local, nil
}

// SetRemoteAnswer applies the answer, committing a deferred local offer first.
func (c *WebRTCConnection) SetRemoteAnswer(answer webrtc.SessionDescription) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	pc, pending := c.pc, c.pendingOffer
	c.pendingOffer = nil
	c.mu.Unlock()

	if pending != nil {
		if err := pc.SetLocalDescription(*pending); err != nil {
			return fmt.Errorf("commit local offer: %w", err)
		}
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	c.mu.Lock()
	c.negotiated = true
	c.mu.Unlock()
	return nil
}

// Rollback discards the outstanding local offer.
func (c *WebRTCConnection) Rollback() error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	if c.pendingOffer != nil {
		c.pendingOffer = nil
		c.mu.Unlock()
		c.flushDeferred()
		return nil
	}
	pc, negotiated := c.pc, c.negotiated
	c.mu.Unlock()

	if negotiated || pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return ErrNothingToRollback
	}
	return c.rebuild(pc)
}

// rebuild replaces a connection whose only local change is its first offer.
func (c *WebRTCConnection) rebuild(old *webrtc.PeerConnection) error {
	pc, dc, err := openPeer(c.api, c.cfg)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}

	c.mu.Lock()
	tracks := append([]webrtc.TrackLocal(nil), c.tracks...)
	c.mu.Unlock()
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("rollback: add track %s: %w", t.ID(), err)
		}
		go c.drainRTCP(sender)
	}

	c.mu.Lock()
	c.pc, c.dc = pc, dc
	c.wire(pc, dc)
	c.mu.Unlock()

	go func() {
		if err := old.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("close replaced connection")
		}
	}()
	c.logger.Info().Msg("first offer rolled back")
	c.flushDeferred()
	return nil
}

// AttachLocalTracks adds local tracks and drains their RTCP. RenegotiationNeeded
// fires now if no offer is in flight, otherwise once the connection is stable.
func (c *WebRTCConnection) AttachLocalTracks(tracks ...webrtc.TrackLocal) error {
	if c.closed.Load() {
		return ErrClosed
	}
	pc := c.peerConn()
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		go c.drainRTCP(sender)
		c.logger.Info().Str("track_id", t.ID()).Str("kind", t.Kind().String()).Msg("local track attached")
	}

	c.mu.Lock()
	c.tracks = append(c.tracks, tracks...)
	inFlight := c.pendingOffer != nil || pc.SignalingState() != webrtc.SignalingStateStable
	if inFlight {
		c.deferredRenego = true
	}
	c.mu.Unlock()

	if !inFlight {
		c.emitRenegotiationNeeded()
	}
	return nil
}

func (c *WebRTCConnection) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) SendData(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	return dc.Send(data)
}

func (c *WebRTCConnection) flushDeferred() {
	c.mu.Lock()
	deferred := c.deferredRenego && c.pendingOffer == nil
	if deferred {
		c.deferredRenego = false
	}
	c.mu.Unlock()
	if deferred {
		c.emitRenegotiationNeeded()
	}
}

func (c *WebRTCConnection) emitRenegotiationNeeded() {
	c.mu.Lock()
	fn := c.onRenego
	c.mu.Unlock()
	if fn != nil {
		go fn()
	}
}

func (c *WebRTCConnection) fireClosed() {
	c.closedOnce.Do(func() {
		c.mu.Lock()
		fn := c.onClosed
		c.mu.Unlock()
		if fn != nil {
			go fn()
		}
	})
}

func (c *WebRTCConnection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if err := c.peerConn().Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
	} else {
		c.logger.Info().Msg("closed")
	}
	c.fireClosed()
}

func (c *WebRTCConnection) IsClosed() bool { return c.closed.Load() }

// SignalingState reports have-local-offer while a deferred offer is in flight.
func (c *WebRTCConnection) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	pc, pending := c.pc, c.pendingOffer != nil
	c.mu.Unlock()
	if pending {
		return webrtc.SignalingStateHaveLocalOffer
	}
	return pc.SignalingState()
}

func (c *WebRTCConnection) OnRenegotiationNeeded(fn func()) {
	c.mu.Lock()
	c.onRenego = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnData(fn func([]byte)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

// OnClosed sets application-level callback for cleanup.
func (c *WebRTCConnection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

var _ core.MediaConnection = (*WebRTCConnection)(nil)
