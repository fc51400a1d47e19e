package session

import (
	"errors"
	"fmt"

	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/protocol"
)

func (c *Controller) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoined:
		c.onJoined(msg)
	case protocol.TypePeerJoined:
		c.onPeerJoined(msg)
	case protocol.TypePeerLeft:
		c.onPeerLeft(msg)
	case protocol.TypePresence:
		c.onPresence(msg)
	case protocol.TypeCall:
		if err := c.HandleIncomingCall(msg); err != nil {
			c.logger.Warn().Err(err).Str("from", msg.From).Msg("incoming call rejected")
		}
	case protocol.TypeCallAccepted, protocol.TypeNegoNeeded, protocol.TypeNegoFinal:
		c.toSession(msg)
	case protocol.TypeError:
		c.onServerError(msg)
	case protocol.TypeLeft, protocol.TypePong, protocol.TypeWhoAmI:
		c.logger.Debug().Str("type", msg.Type).Msg("server notice")
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("unknown message")
	}
}

func (c *Controller) onJoined(msg protocol.Message) {
	self := domain.Participant{ID: domain.ParticipantID(msg.PeerID), DisplayName: msg.DisplayName}
	room := domain.RoomID(msg.RoomID)

	members := make([]domain.Participant, 0, len(msg.Members))
	c.mu.Lock()
	c.self = self
	c.room = room
	c.peers = make(map[domain.ParticipantID]*peerInfo, len(msg.Members))
	for _, m := range msg.Members {
		if m.PeerID == msg.PeerID {
			continue
		}
		p := domain.Participant{ID: domain.ParticipantID(m.PeerID), DisplayName: m.DisplayName}
		c.peers[p.ID] = &peerInfo{participant: p, mode: domain.PresenceMode(m.Mode)}
		members = append(members, p)
	}
	wait := c.joinWait
	c.joinWait = nil
	c.mu.Unlock()

	c.logger.Info().Str("room_id", string(room)).Str("self", string(self.ID)).Int("members", len(members)).Msg("joined")
	if wait != nil {
		wait <- joinResult{self: self}
	}
	c.joined.each(func(fn func(domain.RoomID, domain.Participant, []domain.Participant)) {
		fn(room, self, members)
	})
}

func (c *Controller) onPeerJoined(msg protocol.Message) {
	p := domain.Participant{ID: domain.ParticipantID(msg.PeerID), DisplayName: msg.DisplayName}
	if p.ID == "" {
		return
	}
	c.mu.Lock()
	if c.room == "" {
		c.mu.Unlock()
		return
	}
	c.peers[p.ID] = &peerInfo{participant: p}
	c.mu.Unlock()

	c.logger.Info().Str("peer", string(p.ID)).Str("name", p.DisplayName).Msg("peer joined")
	c.peerJoined.each(func(fn func(domain.Participant)) { fn(p) })
}

func (c *Controller) onPeerLeft(msg protocol.Message) {
	id := domain.ParticipantID(msg.PeerID)
	c.mu.Lock()
	delete(c.peers, id)
	cl, ok := c.calls[id]
	c.mu.Unlock()

	if ok {
		c.teardown(id, cl, fmt.Errorf("%w: %s left", domain.ErrSessionClosed, id))
	}
	c.logger.Info().Str("peer", string(id)).Msg("peer left")
	c.peerLeft.each(func(fn func(domain.ParticipantID)) { fn(id) })
}

func (c *Controller) onPresence(msg protocol.Message) {
	id := domain.ParticipantID(msg.From)
	mode := domain.PresenceMode(msg.Mode)
	p := domain.Participant{ID: id, DisplayName: msg.DisplayName}

	c.mu.Lock()
	if info, ok := c.peers[id]; ok {
		info.mode = mode
		if p.DisplayName == "" {
			p.DisplayName = info.participant.DisplayName
		}
	}
	c.mu.Unlock()

	c.presence.each(func(fn func(domain.Participant, domain.PresenceMode)) { fn(p, mode) })
}

func (c *Controller) toSession(msg protocol.Message) {
	remote := domain.ParticipantID(msg.From)
	c.mu.Lock()
	cl, ok := c.calls[remote]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn().Str("type", msg.Type).Str("from", msg.From).Msg("discarding stale message, no session")
		return
	}
	cl.sess.Deliver(msg)
}

func (c *Controller) onServerError(msg protocol.Message) {
	err := fmt.Errorf("server: %w", errors.New(msg.Error))
	c.mu.Lock()
	wait := c.joinWait
	c.joinWait = nil
	c.mu.Unlock()

	if wait != nil {
		wait <- joinResult{err: err}
		return
	}
	c.logger.Warn().Err(err).Msg("server error")
	c.errs.each(func(fn func(error)) { fn(err) })
}
