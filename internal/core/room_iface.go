package core

import (
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/protocol"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID          domain.ParticipantID `json:"peerId"`
	DisplayName string               `json:"displayName"`
	Presence    domain.PresenceMode  `json:"mode,omitempty"`
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO
	Member(sid SessionID) (MemberSession, bool)

	AddMember(sid SessionID, ms MemberSession)
	// RemoveMember returns the number of members left.
	RemoveMember(sid SessionID) int
	Broadcast(from SessionID, msg protocol.Message) PublishResult
	SendTo(sid SessionID, msg protocol.Message) error
}

type RoomInfo struct {
	ID          domain.RoomID `json:"roomId"`
	MemberCount int           `json:"memberCount"`
}

// RoomDirectory tracks which participants are present in which room.
// Rooms are created on first join and discarded when the last member leaves.
type RoomDirectory interface {
	Join(id domain.RoomID, sid SessionID, ms MemberSession) RoomService
	// Leave is idempotent; it reports whether sid was a member.
	Leave(id domain.RoomID, sid SessionID) bool
	GetRoom(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
