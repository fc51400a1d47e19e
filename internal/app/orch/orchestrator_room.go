package orch

import (
	"fmt"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Join puts sid into roomID, echoes joined to it and announces it to the
// members already present. A member of another room leaves that room first.
func (o *Orchestrator) Join(sid core.SessionID, roomID domain.RoomID, displayName string) error {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return err
	}
	if err := domain.ValidateDisplayName(displayName); err != nil {
		return err
	}
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPeer, sid)
	}

	if current, _, ok := o.Registry.RoomOf(sid); ok && current != roomID {
		o.Leave(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(current)).Msg("left previous room")
	}
	if err := session.Meta().SetDisplayName(displayName); err != nil {
		return err
	}

	room := o.Rooms.Join(roomID, sid, session)
	o.Registry.UpdateRoom(sid, roomID)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room_id", string(roomID)).Msg("added to room")

	o.reply(sid, protocol.Message{
		Type:        protocol.TypeJoined,
		RoomID:      string(roomID),
		DisplayName: displayName,
		PeerID:      string(sid),
		Members:     members(room),
	})
	o.fanOut(room, sid, protocol.Message{
		Type:        protocol.TypePeerJoined,
		PeerID:      string(sid),
		DisplayName: displayName,
	})
	return nil
}

// Leave removes sid from its room and tells the remaining members.
// It reports whether sid was in a room.
func (o *Orchestrator) Leave(sid core.SessionID) bool {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return false
	}
	o.Registry.RemoveRoom(sid)
	if !o.Rooms.Leave(roomID, sid) {
		return false
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room_id", string(roomID)).Msg("left room")

	if room, ok := o.Rooms.GetRoom(roomID); ok {
		o.fanOut(room, sid, protocol.Message{Type: protocol.TypePeerLeft, PeerID: string(sid)})
	}
	return true
}

// EvictRoom makes every member leave roomID and discards the room.
func (o *Orchestrator) EvictRoom(roomID domain.RoomID) int {
	snaps := o.Registry.MembersOfRoom(roomID)
	var wg conc.WaitGroup
	for _, snap := range snaps {
		wg.Go(func() {
			if o.Leave(snap.SID) {
				o.reply(snap.SID, protocol.Message{Type: protocol.TypeLeft, RoomID: string(roomID)})
			}
		})
	}
	wg.Wait()
	o.Rooms.StopRoom(roomID)
	log.Info().Str("module", "orch").Str("room_id", string(roomID)).Int("evicted", len(snaps)).Msg("room evicted")
	return len(snaps)
}

// WhoAmI tells sid its own id, display name and room.
func (o *Orchestrator) WhoAmI(sid core.SessionID) {
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	resp := protocol.Message{
		Type:        protocol.TypeWhoAmI,
		PeerID:      string(sid),
		DisplayName: session.Meta().Participant().DisplayName,
	}
	if roomID, _, ok := o.Registry.RoomOf(sid); ok {
		resp.RoomID = string(roomID)
	}
	o.reply(sid, resp)
}

func members(room core.RoomService) []protocol.Member {
	snap := room.MembersSnapshot()
	out := make([]protocol.Member, 0, len(snap))
	for _, m := range snap {
		out = append(out, protocol.Member{PeerID: string(m.ID), DisplayName: m.DisplayName, Mode: string(m.Presence)})
	}
	return out
}
