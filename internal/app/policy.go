package app

import (
	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/protocol"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropMessage
)

// Policy decides what happens to a member whose send buffer was full when msg
// was due.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession, msg protocol.Message) BackpressureAction
}

// SimplePolicy drops presence, which is best effort anyway, and kicks a member
// that missed anything else: a lost membership or negotiation event leaves
// its view of the room wrong.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ core.RoomService, _ core.MemberSession, msg protocol.Message) BackpressureAction {
	if msg.Type == protocol.TypePresence {
		return DropMessage
	}
	return KickMember
}
