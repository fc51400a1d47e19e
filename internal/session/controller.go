// Package session binds one room membership to a negotiation session per
// remote participant and exposes call control to the application.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/negotiation"
	"github.com/dkeye/Roomcall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Channel is the participant end of the signaling transport.
type Channel interface {
	Send(msg protocol.Message) error
	// Incoming is closed when the transport ends.
	Incoming() <-chan protocol.Message
	Close() error
}

// ConnectionFactory opens the media connection for one remote participant.
type ConnectionFactory func(ctx context.Context, remote domain.ParticipantID) (core.MediaConnection, error)

// LocalStream is captured local media.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
}

type Config struct {
	// CallTimeout ends an outbound call that is still unanswered; zero disables it.
	CallTimeout time.Duration
	OpTimeout   time.Duration
	// AutoSend attaches the local stream once an outbound call is Stable.
	AutoSend bool
}

type Controller struct {
	ch      Channel
	newConn ConnectionFactory
	cfg     Config
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	self     domain.Participant
	room     domain.RoomID
	joinWait chan joinResult
	peers    map[domain.ParticipantID]*peerInfo
	calls    map[domain.ParticipantID]*call
	stream   LocalStream

	joined      handlers[func(room domain.RoomID, self domain.Participant, members []domain.Participant)]
	peerJoined  handlers[func(domain.Participant)]
	peerLeft    handlers[func(domain.ParticipantID)]
	presence    handlers[func(peer domain.Participant, mode domain.PresenceMode)]
	remoteTrack handlers[func(ctx context.Context, peer domain.ParticipantID, track core.RemoteTrack)]
	data        handlers[func(peer domain.ParticipantID, data []byte)]
	callEnded   handlers[func(peer domain.ParticipantID, err error)]
	errs        handlers[func(err error)]
}

type peerInfo struct {
	participant domain.Participant
	mode        domain.PresenceMode
}

type joinResult struct {
	self domain.Participant
	err  error
}

func New(ch Channel, newConn ConnectionFactory, cfg Config) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		ch:      ch,
		newConn: newConn,
		cfg:     cfg,
		logger:  log.With().Str("module", "session").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[domain.ParticipantID]*peerInfo),
		calls:   make(map[domain.ParticipantID]*call),
	}
}

// Run consumes signaling messages until the channel closes or ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return nil
		case msg, ok := <-c.ch.Incoming():
			if !ok {
				c.logger.Info().Msg("signaling channel closed")
				c.teardownAll(domain.ErrSessionClosed)
				return nil
			}
			c.dispatch(msg)
		}
	}
}

// Join enters roomID under displayName and waits for the server echo.
// Run must be consuming messages.
func (c *Controller) Join(ctx context.Context, roomID domain.RoomID, displayName string) (domain.Participant, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return domain.Participant{}, err
	}
	if err := domain.ValidateDisplayName(displayName); err != nil {
		return domain.Participant{}, err
	}
	if c.Room() != "" {
		if err := c.Leave(ctx); err != nil {
			return domain.Participant{}, err
		}
	}

	wait := make(chan joinResult, 1)
	c.mu.Lock()
	c.joinWait = wait
	c.mu.Unlock()

	if err := c.ch.Send(protocol.Message{Type: protocol.TypeJoin, RoomID: string(roomID), DisplayName: displayName}); err != nil {
		c.clearJoinWait(wait)
		return domain.Participant{}, fmt.Errorf("send join: %w", err)
	}
	select {
	case r := <-wait:
		return r.self, r.err
	case <-ctx.Done():
		c.clearJoinWait(wait)
		return domain.Participant{}, ctx.Err()
	}
}

func (c *Controller) clearJoinWait(wait chan joinResult) {
	c.mu.Lock()
	if c.joinWait == wait {
		c.joinWait = nil
	}
	c.mu.Unlock()
}

func (c *Controller) Self() domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Controller) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Peers lists the other participants currently known in the room.
func (c *Controller) Peers() []domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Participant, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p.participant)
	}
	return out
}

// PeerPresence returns the last presence mode a peer announced.
func (c *Controller) PeerPresence(id domain.ParticipantID) domain.PresenceMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[id]; ok {
		return p.mode
	}
	return domain.PresenceNone
}

// Session returns the live negotiation session with remote, if any.
func (c *Controller) Session(remote domain.ParticipantID) (*negotiation.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.calls[remote]
	if !ok {
		return nil, false
	}
	return cl.sess, true
}

// SetLocalStream records captured local media. It is not sent until
// SendStreams or an outbound call with AutoSend.
func (c *Controller) SetLocalStream(stream LocalStream) {
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
}

// StartCall sends the initial offer to remote. Local media must be captured
// and remote must have been announced in the room.
func (c *Controller) StartCall(ctx context.Context, remote domain.ParticipantID) error {
	c.mu.Lock()
	switch {
	case c.room == "":
		c.mu.Unlock()
		return domain.ErrNotJoined
	case c.stream == nil:
		c.mu.Unlock()
		return domain.ErrNoLocalMedia
	}
	if _, ok := c.peers[remote]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownPeer, remote)
	}
	if _, ok := c.calls[remote]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrCallInProgress, remote)
	}
	cl, err := c.newCall(remote, true)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := cl.sess.Call(ctx); err != nil {
		// The remote's own call reached the session first and is being answered.
		if errors.Is(err, domain.ErrCallInProgress) {
			return err
		}
		c.teardown(remote, cl, err)
		return err
	}
	if c.cfg.CallTimeout > 0 {
		cl.armTimeout(c.cfg.CallTimeout, func() { c.callTimedOut(remote, cl) })
	}
	c.logger.Info().Str("peer", string(remote)).Msg("call started")
	return nil
}

// HandleIncomingCall opens a session for an inbound call offer, or hands the
// offer to the existing session when both sides called at once. A call that
// finds the session past its first offer means the remote started over, so the
// old call is replaced.
func (c *Controller) HandleIncomingCall(msg protocol.Message) error {
	if msg.Type != protocol.TypeCall || msg.From == "" || msg.Offer == nil {
		return fmt.Errorf("%w: malformed call", domain.ErrInvalidInput)
	}
	remote := domain.ParticipantID(msg.From)

	c.mu.Lock()
	if c.room == "" {
		c.mu.Unlock()
		return domain.ErrNotJoined
	}
	if _, ok := c.peers[remote]; !ok {
		c.peers[remote] = &peerInfo{participant: domain.Participant{ID: remote}}
	}
	cl, ok := c.calls[remote]
	var replaced *call
	if ok && !acceptsCall(cl.sess.State()) {
		replaced = cl
		delete(c.calls, remote)
		ok = false
	}
	if !ok {
		var err error
		if cl, err = c.newCall(remote, false); err != nil {
			c.mu.Unlock()
			if replaced != nil {
				c.finish(remote, replaced, err)
			}
			return err
		}
	}
	c.mu.Unlock()

	if replaced != nil {
		c.logger.Info().Str("peer", string(remote)).Str("state", replaced.sess.State().String()).Msg("remote restarted the call")
		c.finish(remote, replaced, fmt.Errorf("%w: replaced by a new call from %s", domain.ErrSessionClosed, remote))
	}
	c.logger.Info().Str("peer", string(remote)).Bool("existing", ok).Msg("incoming call")
	cl.sess.Deliver(msg)
	return nil
}

// SendStreams attaches the local stream to every call that does not carry it
// yet. Each attachment is ordered with that call's negotiation.
func (c *Controller) SendStreams(ctx context.Context) error {
	c.mu.Lock()
	stream := c.stream
	calls := make([]*call, 0, len(c.calls))
	for _, cl := range c.calls {
		calls = append(calls, cl)
	}
	c.mu.Unlock()
	if stream == nil {
		return domain.ErrNoLocalMedia
	}

	var errs []error
	for _, cl := range calls {
		if err := c.attach(ctx, cl, stream); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) attach(ctx context.Context, cl *call, stream LocalStream) error {
	if !cl.claimMedia() {
		return nil
	}
	if err := cl.sess.AttachLocalTracks(ctx, stream.Tracks()...); err != nil {
		return fmt.Errorf("send stream to %s: %w", cl.remote, err)
	}
	return nil
}

// SendPresence broadcasts a presence indicator to the room. Best effort.
func (c *Controller) SendPresence(mode domain.PresenceMode) error {
	if _, err := domain.ParsePresenceMode(string(mode)); err != nil {
		return err
	}
	c.mu.Lock()
	room, name := c.room, c.self.DisplayName
	c.mu.Unlock()
	if room == "" {
		return domain.ErrNotJoined
	}
	return c.ch.Send(protocol.Message{Type: protocol.TypePresence, Mode: string(mode), DisplayName: name})
}

// SendData writes to the data channel of the call with remote.
func (c *Controller) SendData(remote domain.ParticipantID, data []byte) error {
	c.mu.Lock()
	cl, ok := c.calls[remote]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPeer, remote)
	}
	return cl.conn.SendData(data)
}

// Leave tears down every call and the room membership. It is idempotent.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	room := c.room
	c.room = ""
	c.peers = make(map[domain.ParticipantID]*peerInfo)
	c.mu.Unlock()

	c.teardownAll(nil)
	if room == "" {
		return nil
	}
	c.logger.Info().Str("room_id", string(room)).Msg("leaving room")
	if err := c.ch.Send(protocol.Message{Type: protocol.TypeLeave}); err != nil {
		return fmt.Errorf("send leave: %w", err)
	}
	return ctx.Err()
}

// Close leaves the room, closes the channel and drops every handler.
func (c *Controller) Close() error {
	_ = c.Leave(context.Background())
	c.cancel()
	c.joined.clear()
	c.peerJoined.clear()
	c.peerLeft.clear()
	c.presence.clear()
	c.remoteTrack.clear()
	c.data.clear()
	c.callEnded.clear()
	c.errs.clear()
	return c.ch.Close()
}

func (c *Controller) OnJoined(fn func(room domain.RoomID, self domain.Participant, members []domain.Participant)) func() {
	return c.joined.add(fn)
}

func (c *Controller) OnPeerJoined(fn func(domain.Participant)) func() { return c.peerJoined.add(fn) }

func (c *Controller) OnPeerLeft(fn func(domain.ParticipantID)) func() { return c.peerLeft.add(fn) }

func (c *Controller) OnPresence(fn func(peer domain.Participant, mode domain.PresenceMode)) func() {
	return c.presence.add(fn)
}

// OnRemoteTrack fires once per remote track, on the adapter's goroutine.
func (c *Controller) OnRemoteTrack(fn func(ctx context.Context, peer domain.ParticipantID, track core.RemoteTrack)) func() {
	return c.remoteTrack.add(fn)
}

func (c *Controller) OnData(fn func(peer domain.ParticipantID, data []byte)) func() {
	return c.data.add(fn)
}

// OnCallEnded reports a torn down call. err is nil after a local Leave.
func (c *Controller) OnCallEnded(fn func(peer domain.ParticipantID, err error)) func() {
	return c.callEnded.add(fn)
}

// OnError receives errors reported by the server.
func (c *Controller) OnError(fn func(err error)) func() { return c.errs.add(fn) }

// teardownAll ends every call in parallel.
func (c *Controller) teardownAll(reason error) {
	c.mu.Lock()
	calls := c.calls
	c.calls = make(map[domain.ParticipantID]*call)
	c.mu.Unlock()

	var wg conc.WaitGroup
	for remote, cl := range calls {
		wg.Go(func() { c.finish(remote, cl, reason) })
	}
	wg.Wait()
}

// teardown ends the call with remote if cl is still the current one.
func (c *Controller) teardown(remote domain.ParticipantID, cl *call, reason error) {
	c.mu.Lock()
	if cur, ok := c.calls[remote]; !ok || cur != cl {
		c.mu.Unlock()
		cl.close()
		return
	}
	delete(c.calls, remote)
	c.mu.Unlock()
	c.finish(remote, cl, reason)
}

func (c *Controller) finish(remote domain.ParticipantID, cl *call, reason error) {
	cl.close()
	ev := c.logger.Info()
	if reason != nil {
		ev = c.logger.Warn().Err(reason)
	}
	ev.Str("peer", string(remote)).Msg("call ended")
	c.callEnded.each(func(fn func(domain.ParticipantID, error)) { fn(remote, reason) })
}

// acceptsCall reports whether a session in st can still take an initial offer.
func acceptsCall(st negotiation.State) bool {
	return st == negotiation.Idle || st == negotiation.OfferSent
}

func (c *Controller) callTimedOut(remote domain.ParticipantID, cl *call) {
	if cl.sess.State() != negotiation.OfferSent {
		return
	}
	c.teardown(remote, cl, fmt.Errorf("%w: %s did not answer", domain.ErrPeerUnreachable, remote))
}
