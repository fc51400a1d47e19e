package domain

import (
	"fmt"

	"github.com/pion/randutil"
)

const (
	RoomIDLen   = 6
	roomIDRunes = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var ErrRoomIDEmpty = fmt.Errorf("%w: room id empty", ErrInvalidInput)

type RoomID string

type Room struct {
	ID RoomID
}

// NewRoomID returns a short opaque token. Uniqueness is left to collision probability.
func NewRoomID() (RoomID, error) {
	s, err := randutil.GenerateCryptoRandomString(RoomIDLen, roomIDRunes)
	if err != nil {
		return "", err
	}
	return RoomID(s), nil
}

func ValidateRoomID(id RoomID) error {
	if id == "" {
		return ErrRoomIDEmpty
	}
	return nil
}
