package domain

import (
	"fmt"
	"sync"
)

type PresenceMode string

const (
	PresenceNone       PresenceMode = ""
	PresenceEditor     PresenceMode = "editor"
	PresenceWhiteboard PresenceMode = "whiteboard"
)

var ErrPresenceMode = fmt.Errorf("%w: unknown presence mode", ErrInvalidInput)

func ParsePresenceMode(s string) (PresenceMode, error) {
	switch m := PresenceMode(s); m {
	case PresenceEditor, PresenceWhiteboard:
		return m, nil
	default:
		return PresenceNone, ErrPresenceMode
	}
}

// Member represents a participant's meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	mu          sync.RWMutex
	participant Participant
	presence    PresenceMode
}

func NewMember(id ParticipantID) *Member {
	return &Member{participant: Participant{ID: id}}
}

func (m *Member) ID() ParticipantID { return m.participant.ID }

func (m *Member) Participant() Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.participant
}

func (m *Member) SetDisplayName(name string) error {
	if err := ValidateDisplayName(name); err != nil {
		return err
	}
	m.mu.Lock()
	m.participant.DisplayName = name
	m.mu.Unlock()
	return nil
}

func (m *Member) Presence() PresenceMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.presence
}

func (m *Member) SetPresence(mode PresenceMode) {
	m.mu.Lock()
	m.presence = mode
	m.mu.Unlock()
}
