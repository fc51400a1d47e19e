package core_test

import (
	"testing"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/core/mocks"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newMember(t *testing.T, conn core.SignalConnection, id, name string) core.MemberSession {
	t.Helper()
	meta := domain.NewMember(domain.ParticipantID(id))
	require.NoError(t, meta.SetDisplayName(name))
	return core.NewMemberSession(meta, conn)
}

func TestBroadcastSkipsSenderAndReportsDropped(t *testing.T) {
	ctrl := gomock.NewController(t)
	alice := mocks.NewMockSignalConnection(ctrl)
	bob := mocks.NewMockSignalConnection(ctrl)
	carol := mocks.NewMockSignalConnection(ctrl)

	room := core.NewRoomService(&domain.Room{ID: "ab12cd"})
	room.AddMember("a", newMember(t, alice, "a", "alice"))
	room.AddMember("b", newMember(t, bob, "b", "bob"))
	room.AddMember("c", newMember(t, carol, "c", "carol"))

	msg := protocol.Message{Type: protocol.TypePresence, Mode: "editor", DisplayName: "alice"}
	bob.EXPECT().TrySend(msg).Return(nil)
	carol.EXPECT().TrySend(msg).Return(core.ErrBackpressure)

	res := room.Broadcast("a", msg)
	assert.Equal(t, 1, res.SendTo)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, core.SessionID("c"), res.Dropped[0].ID())
}

func TestSendToMissingMemberIsUnreachable(t *testing.T) {
	ctrl := gomock.NewController(t)
	bob := mocks.NewMockSignalConnection(ctrl)

	room := core.NewRoomService(&domain.Room{ID: "ab12cd"})
	room.AddMember("b", newMember(t, bob, "b", "bob"))

	bob.EXPECT().TrySend(gomock.Any()).Return(nil)
	require.NoError(t, room.SendTo("b", protocol.Message{Type: protocol.TypeCall}))

	err := room.SendTo("zz", protocol.Message{Type: protocol.TypeCall})
	assert.ErrorIs(t, err, domain.ErrPeerUnreachable)
}

func TestRemoveMemberReportsRemaining(t *testing.T) {
	ctrl := gomock.NewController(t)
	room := core.NewRoomService(&domain.Room{ID: "ab12cd"})
	room.AddMember("a", newMember(t, mocks.NewMockSignalConnection(ctrl), "a", "alice"))
	room.AddMember("b", newMember(t, mocks.NewMockSignalConnection(ctrl), "b", "bob"))

	assert.Equal(t, 1, room.RemoveMember("a"))
	assert.Equal(t, 1, room.RemoveMember("a"))
	assert.Equal(t, 0, room.RemoveMember("b"))

	snap := room.MembersSnapshot()
	assert.Empty(t, snap)
}

func TestMembersSnapshotCarriesPresence(t *testing.T) {
	ctrl := gomock.NewController(t)
	room := core.NewRoomService(&domain.Room{ID: "ab12cd"})
	ms := newMember(t, mocks.NewMockSignalConnection(ctrl), "a", "alice")
	ms.Meta().SetPresence(domain.PresenceWhiteboard)
	room.AddMember("a", ms)

	snap := room.MembersSnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, core.MemberDTO{ID: "a", DisplayName: "alice", Presence: domain.PresenceWhiteboard}, snap[0])
}
