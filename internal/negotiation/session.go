// Package negotiation drives the offer/answer exchanges between one local and
// one remote participant. Every trigger is queued and handled by a single
// goroutine per session.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultQueueSize = 32
	defaultOpTimeout = 15 * time.Second
)

// PeerConnection is the subset of core.MediaConnection the coordinator drives.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteAnswer(answer webrtc.SessionDescription) error
	Rollback() error
	AttachLocalTracks(tracks ...webrtc.TrackLocal) error
}

// Sender delivers an addressed message to the signaling channel.
type Sender interface {
	Send(msg protocol.Message) error
}

type Config struct {
	LocalID  domain.ParticipantID
	RemoteID domain.ParticipantID
	// OpTimeout bounds a single offer/answer operation.
	OpTimeout time.Duration
	QueueSize int
	// OnStateChange runs on the session goroutine. It must not call back into
	// the session synchronously.
	OnStateChange func(from, to State)
	// OnFailure receives the NegotiationError that terminated the session.
	OnFailure func(err error)
}

type eventKind int

const (
	evCall eventKind = iota
	evInbound
	evRenegotiate
	evAttach
)

type event struct {
	kind   eventKind
	msg    protocol.Message
	tracks []webrtc.TrackLocal
	done   chan error
}

// Session is the NegotiationSession for one remote participant.
type Session struct {
	pc     PeerConnection
	out    Sender
	cfg    Config
	polite bool
	logger zerolog.Logger

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.RWMutex
	state         State
	pending       bool
	mediaAttached bool
	err           error
}

// NewSession starts the session goroutine. The participant with the lower id
// is polite: on an offer collision it rolls back and answers.
func NewSession(pc PeerConnection, out Sender, cfg Config) *Session {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		pc:     pc,
		out:    out,
		cfg:    cfg,
		polite: cfg.LocalID < cfg.RemoteID,
		logger: log.With().
			Str("module", "negotiation").
			Str("local", string(cfg.LocalID)).
			Str("peer", string(cfg.RemoteID)).
			Logger(),
		events: make(chan event, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) RemoteID() domain.ParticipantID { return s.cfg.RemoteID }
func (s *Session) Polite() bool                   { return s.polite }
func (s *Session) Done() <-chan struct{}          { return s.done }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Pending reports whether a renegotiation is queued behind the current exchange.
func (s *Session) Pending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

func (s *Session) MediaAttached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mediaAttached
}

// Err returns the error that terminated the session, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Call sends the initial offer. Only valid while Idle.
func (s *Session) Call(ctx context.Context) error {
	return s.do(ctx, event{kind: evCall})
}

// Handle processes an inbound signaling message and waits for the outcome.
// Stale messages return an error wrapping domain.ErrStaleMessage.
func (s *Session) Handle(ctx context.Context, msg protocol.Message) error {
	return s.do(ctx, event{kind: evInbound, msg: msg})
}

// Deliver queues an inbound signaling message without waiting.
func (s *Session) Deliver(msg protocol.Message) {
	if err := s.post(event{kind: evInbound, msg: msg}); err != nil {
		s.logger.Debug().Str("type", msg.Type).Msg("session closed, dropping message")
	}
}

// RenegotiationNeeded is wired to the adapter signal of the same name.
func (s *Session) RenegotiationNeeded() {
	if err := s.post(event{kind: evRenegotiate}); err != nil {
		s.logger.Debug().Msg("session closed, dropping renegotiation signal")
	}
}

// AttachLocalTracks adds local media through the session so it is ordered with
// the offer/answer exchanges.
func (s *Session) AttachLocalTracks(ctx context.Context, tracks ...webrtc.TrackLocal) error {
	return s.do(ctx, event{kind: evAttach, tracks: tracks})
}

// Close tears the session down. Outstanding operations complete as no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state != Closed {
		s.state = Closed
		if s.err == nil {
			s.err = domain.ErrSessionClosed
		}
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) alive() bool { return s.ctx.Err() == nil }

func (s *Session) post(ev event) error {
	if !s.alive() {
		return domain.ErrSessionClosed
	}
	select {
	case <-s.ctx.Done():
		return domain.ErrSessionClosed
	case s.events <- ev:
		return nil
	}
}

func (s *Session) do(ctx context.Context, ev event) error {
	ev.done = make(chan error, 1)
	if err := s.post(ev); err != nil {
		return err
	}
	select {
	case err := <-ev.done:
		return err
	case <-s.ctx.Done():
		// fail cancels before the result is written back.
		select {
		case err := <-ev.done:
			return err
		default:
		}
		if err := s.Err(); err != nil {
			return err
		}
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			err := s.handle(ev)
			if ev.done != nil {
				ev.done <- err
			}
		}
	}
}

func (s *Session) handle(ev event) error {
	if !s.alive() {
		return domain.ErrSessionClosed
	}
	switch ev.kind {
	case evCall:
		return s.onCall()
	case evRenegotiate:
		return s.onRenegotiate()
	case evAttach:
		return s.onAttach(ev.tracks)
	case evInbound:
		return s.onMessage(ev.msg)
	}
	return nil
}

func (s *Session) onCall() error {
	if st := s.State(); st != Idle {
		return fmt.Errorf("%w: session is %s", domain.ErrCallInProgress, st)
	}
	return s.offer(protocol.TypeCall, OfferSent)
}

func (s *Session) onRenegotiate() error {
	if s.State() == Stable {
		return s.offer(protocol.TypeNegoNeeded, RenegoOfferSent)
	}
	s.setPending(true)
	s.logger.Debug().Str("state", s.State().String()).Msg("renegotiation deferred")
	return nil
}

func (s *Session) onAttach(tracks []webrtc.TrackLocal) error {
	if err := s.pc.AttachLocalTracks(tracks...); err != nil {
		return fmt.Errorf("attach local tracks: %w", err)
	}
	s.mu.Lock()
	s.mediaAttached = true
	s.mu.Unlock()
	s.logger.Info().Int("tracks", len(tracks)).Msg("local tracks attached")
	return nil
}

func (s *Session) onMessage(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeCall, protocol.TypeNegoNeeded:
		if msg.Offer == nil {
			return s.stale(msg, "missing offer")
		}
		return s.onOffer(msg)
	case protocol.TypeCallAccepted:
		return s.onAnswer(msg, OfferSent)
	case protocol.TypeNegoFinal:
		return s.onAnswer(msg, RenegoOfferSent)
	default:
		return s.stale(msg, "not a negotiation message")
	}
}

func (s *Session) onOffer(msg protocol.Message) error {
	initial := msg.Type == protocol.TypeCall
	st := s.State()
	switch {
	case initial && st == Idle, !initial && st == Stable:
		return s.answer(msg)
	case initial && st == OfferSent, !initial && st == RenegoOfferSent:
		if !s.polite {
			return s.stale(msg, "offer collision, keeping local offer")
		}
		s.logger.Info().Str("type", msg.Type).Msg("offer collision, rolling back local offer")
		if err := s.pc.Rollback(); err != nil {
			return s.fail("rollback", err)
		}
		s.setPending(true)
		return s.answer(msg)
	default:
		return s.stale(msg, "unexpected offer")
	}
}

func (s *Session) answer(msg protocol.Message) error {
	initial := msg.Type == protocol.TypeCall
	if initial {
		s.setState(OfferReceived)
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OpTimeout)
	defer cancel()

	desc, err := s.pc.CreateAnswer(ctx, msg.Offer.SessionDescription())
	if !s.alive() {
		return domain.ErrSessionClosed
	}
	if err != nil {
		return s.fail("create answer", err)
	}

	reply := protocol.TypeNegoDone
	next := RenegoAnswerSent
	if initial {
		reply = protocol.TypeCallAccepted
		next = AnswerSent
	}
	if err := s.out.Send(protocol.Message{
		Type:   reply,
		To:     string(s.cfg.RemoteID),
		Answer: protocol.FromSessionDescription(desc),
	}); err != nil {
		return s.fail("send answer", err)
	}
	s.setState(next)
	s.setState(Stable)
	return s.settle()
}

func (s *Session) onAnswer(msg protocol.Message, want State) error {
	if msg.Answer == nil {
		return s.stale(msg, "missing answer")
	}
	if st := s.State(); st != want {
		return s.stale(msg, "no matching offer")
	}
	if err := s.pc.SetRemoteAnswer(msg.Answer.SessionDescription()); err != nil {
		if !s.alive() {
			return domain.ErrSessionClosed
		}
		return s.fail("set remote answer", err)
	}
	s.setState(Stable)
	return s.settle()
}

func (s *Session) offer(kind string, next State) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OpTimeout)
	defer cancel()

	desc, err := s.pc.CreateOffer(ctx)
	if !s.alive() {
		return domain.ErrSessionClosed
	}
	if err != nil {
		return s.fail("create offer", err)
	}
	s.setPending(false)
	if err := s.out.Send(protocol.Message{
		Type:  kind,
		To:    string(s.cfg.RemoteID),
		Offer: protocol.FromSessionDescription(desc),
	}); err != nil {
		return s.fail("send offer", err)
	}
	s.setState(next)
	return nil
}

// settle runs a queued renegotiation once the session is Stable again.
func (s *Session) settle() error {
	if !s.Pending() || s.State() != Stable {
		return nil
	}
	return s.offer(protocol.TypeNegoNeeded, RenegoOfferSent)
}

func (s *Session) stale(msg protocol.Message, reason string) error {
	s.logger.Warn().
		Str("type", msg.Type).
		Str("state", s.State().String()).
		Str("reason", reason).
		Msg("discarding stale message")
	return fmt.Errorf("%w: %s in %s: %s", domain.ErrStaleMessage, msg.Type, s.State(), reason)
}

func (s *Session) fail(op string, err error) error {
	nerr := &domain.NegotiationError{Op: op, PeerID: s.cfg.RemoteID, Err: err}
	s.logger.Error().Err(err).Str("op", op).Msg("negotiation failed")

	s.mu.Lock()
	from := s.state
	s.state = Closed
	s.err = nerr
	s.mu.Unlock()
	s.cancel()

	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, Closed)
	}
	if s.cfg.OnFailure != nil {
		s.cfg.OnFailure(nerr)
	}
	return nerr
}

func (s *Session) setPending(v bool) {
	s.mu.Lock()
	s.pending = v
	s.mu.Unlock()
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == Closed {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state change")
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

// IsStale reports whether err is a discarded stale message.
func IsStale(err error) bool { return errors.Is(err, domain.ErrStaleMessage) }
