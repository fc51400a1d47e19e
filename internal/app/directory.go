package app

import (
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/rs/zerolog/log"
)

// Directory is the in-memory RoomDirectory. Join and Leave are serialized by
// one mutex so a room is never dropped while a member is being added.
type Directory struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]core.RoomService
}

func NewDirectory() *Directory {
	return &Directory{rooms: make(map[domain.RoomID]core.RoomService)}
}

func (d *Directory) Join(id domain.RoomID, sid core.SessionID, ms core.MemberSession) core.RoomService {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[id]
	if !ok {
		room = core.NewRoomService(&domain.Room{ID: id})
		d.rooms[id] = room
		log.Info().Str("module", "app.directory").Str("room_id", string(id)).Msg("room created")
	}
	room.AddMember(sid, ms)
	return room
}

func (d *Directory) Leave(id domain.RoomID, sid core.SessionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[id]
	if !ok {
		return false
	}
	if _, member := room.Member(sid); !member {
		return false
	}
	if room.RemoveMember(sid) == 0 {
		delete(d.rooms, id)
		log.Info().Str("module", "app.directory").Str("room_id", string(id)).Msg("room discarded")
	}
	return true
}

func (d *Directory) GetRoom(id domain.RoomID) (core.RoomService, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[id]
	return room, ok
}

func (d *Directory) List() []core.RoomInfo {
	d.mu.Lock()
	out := make([]core.RoomInfo, 0, len(d.rooms))
	for id, r := range d.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: r.MemberCount()})
	}
	d.mu.Unlock()
	slices.SortFunc(out, func(a, b core.RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (d *Directory) StopRoom(id domain.RoomID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rooms, id)
}

var _ core.RoomDirectory = (*Directory)(nil)
