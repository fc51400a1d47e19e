// Package orch is the relay side of signaling: room membership fan-out,
// addressed delivery between members and presence broadcast. It holds no
// negotiation state.
package orch

import (
	"errors"
	"fmt"

	"github.com/dkeye/Roomcall/internal/app"
	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomDirectory
	Policy   app.Policy
	// PresenceLimit limits presence broadcasts per connection; nil disables it.
	PresenceLimit *app.RateLimiter
}

// Connect registers a new signaling connection. cancel must stop its pumps.
func (o *Orchestrator) Connect(sess core.MemberSession, cancel func(), clientKey string) {
	o.Registry.Bind(sess.ID(), sess, cancel, clientKey)
}

// Dispatch handles one inbound message from sid.
func (o *Orchestrator) Dispatch(sid core.SessionID, msg protocol.Message) {
	if protocol.IsAddressed(msg.Type) {
		o.route(sid, msg)
		return
	}

	var err error
	switch msg.Type {
	case protocol.TypeJoin:
		err = o.Join(sid, domain.RoomID(msg.RoomID), msg.DisplayName)
	case protocol.TypeLeave:
		o.Leave(sid)
		o.reply(sid, protocol.Message{Type: protocol.TypeLeft})
	case protocol.TypePresence:
		err = o.Presence(sid, msg)
	case protocol.TypePing:
		o.reply(sid, protocol.Message{Type: protocol.TypePong})
	case protocol.TypeWhoAmI:
		o.WhoAmI(sid)
	default:
		err = fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidInput, msg.Type)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("type", msg.Type).Msg("dispatch failed")
		o.reply(sid, protocol.ErrorMessage(err))
	}
}

// route relays an addressed message. Unreachable targets are dropped
// without telling the sender.
func (o *Orchestrator) route(sid core.SessionID, msg protocol.Message) {
	err := o.Route(sid, msg)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPeerUnreachable):
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("to", msg.To).Str("type", msg.Type).Msg("dropped unroutable message")
	default:
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("type", msg.Type).Msg("route failed")
		o.reply(sid, protocol.ErrorMessage(err))
	}
}

// OnDisconnect releases everything the connection held.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	o.Leave(sid)
	o.PresenceLimit.Forget(string(sid))
	o.Registry.Unbind(sid)
}

// Kick removes sid from its room and closes its connection.
func (o *Orchestrator) Kick(sid core.SessionID) {
	o.Leave(sid)
	o.Registry.Cancel(sid)
}

func (o *Orchestrator) reply(sid core.SessionID, msg protocol.Message) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	if err := sess.Signal().TrySend(msg); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("type", msg.Type).Msg("reply dropped")
	}
}

// fanOut broadcasts to everyone in room but from and applies the
// backpressure policy to members that could not keep up.
func (o *Orchestrator) fanOut(room core.RoomService, from core.SessionID, msg protocol.Message) {
	res := room.Broadcast(from, msg)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		o.onBackpressure(room, slow, msg)
	}
}

func (o *Orchestrator) onBackpressure(room core.RoomService, slow core.MemberSession, msg protocol.Message) {
	switch o.Policy.OnBackPressure(room, slow, msg) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("sid", string(slow.ID())).Str("type", msg.Type).Msg("kicking slow member")
		o.Kick(slow.ID())
	case app.DropMessage:
		log.Debug().Str("module", "orch").Str("sid", string(slow.ID())).Str("type", msg.Type).Msg("dropped message for slow member")
	case app.NoAction:
	}
}
