package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrStaleMessage    = errors.New("stale message")
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrNegotiation     = errors.New("negotiation failed")

	ErrSessionClosed  = errors.New("session closed")
	ErrNoLocalMedia   = errors.New("no local media captured")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrCallInProgress = errors.New("call already in progress")
	ErrNotJoined      = errors.New("not joined to a room")
)

// NegotiationError is a platform peer-connection failure. It terminates the
// session it happened in.
type NegotiationError struct {
	Op     string
	PeerID ParticipantID
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s with %s: %v", e.Op, e.PeerID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiation }

// Reason is the human readable cause reported to the user.
func (e *NegotiationError) Reason() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}
