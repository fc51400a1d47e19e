package orch

import (
	"errors"
	"fmt"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("rate limited")

// Route delivers an addressed negotiation message to msg.To, which must be in
// the sender's room. The target receives the relayed kind with From set.
func (o *Orchestrator) Route(sid core.SessionID, msg protocol.Message) error {
	kind, ok := protocol.Relayed(msg.Type)
	if !ok {
		return fmt.Errorf("%w: %s is not addressed", domain.ErrInvalidInput, msg.Type)
	}
	if msg.To == "" {
		return fmt.Errorf("%w: %s without target", domain.ErrInvalidInput, msg.Type)
	}
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return domain.ErrNotJoined
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return fmt.Errorf("%w: room %s is gone", domain.ErrPeerUnreachable, roomID)
	}

	out := msg
	out.Type = kind
	out.From = string(sid)
	out.To = ""
	out.RoomID = ""

	to := core.SessionID(msg.To)
	err := room.SendTo(to, out)
	if errors.Is(err, core.ErrBackpressure) {
		if target, ok := room.Member(to); ok && o.Policy != nil {
			o.onBackpressure(room, target, out)
		}
		return fmt.Errorf("%w: %w", domain.ErrPeerUnreachable, err)
	}
	if err != nil {
		return err
	}
	log.Debug().Str("module", "orch").Str("from", string(sid)).Str("to", msg.To).Str("type", kind).Msg("routed")
	return nil
}

// Presence remembers the sender's mode and broadcasts it to the room. It is
// best effort and never touches negotiation.
func (o *Orchestrator) Presence(sid core.SessionID, msg protocol.Message) error {
	roomID, session, ok := o.Registry.RoomOf(sid)
	if !ok {
		return domain.ErrNotJoined
	}
	mode, err := domain.ParsePresenceMode(msg.Mode)
	if err != nil {
		return err
	}
	if !o.PresenceLimit.Allow(string(sid)) {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Msg("presence rate limited")
		return ErrRateLimited
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return domain.ErrNotJoined
	}
	session.Meta().SetPresence(mode)

	o.fanOut(room, sid, protocol.Message{
		Type:        protocol.TypePresence,
		From:        string(sid),
		Mode:        string(mode),
		DisplayName: session.Meta().Participant().DisplayName,
	})
	return nil
}
