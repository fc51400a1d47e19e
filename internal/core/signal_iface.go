package core

import (
	"errors"

	"github.com/dkeye/Roomcall/internal/protocol"
)

//go:generate mockgen -source=signal_iface.go -destination=mocks/signal_mock.go -package=mocks

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is an encoded payload queued for the wire.
type Frame []byte

// SignalConnection abstracts the messaging transport of one participant.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks; a full buffer yields ErrBackpressure.
	TrySend(protocol.Message) error
	Close()
}
