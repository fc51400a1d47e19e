// Package loopback connects a participant to an in-process Orchestrator
// without a network. Messages are encoded and decoded on the way through so
// neither side shares memory with the other.
package loopback

import (
	"errors"
	"sync"

	"github.com/dkeye/Roomcall/internal/app/orch"
	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultBuffer = 256

var ErrClosed = errors.New("loopback endpoint closed")

// Endpoint is the participant end. It satisfies the session signaling channel.
type Endpoint struct {
	id     core.SessionID
	orch   *orch.Orchestrator
	codec  protocol.Codec
	in     chan protocol.Message
	server *serverEnd

	mu       sync.Mutex
	closed   bool
	sent     map[string]int
	received map[string]int
}

// serverEnd is what the Orchestrator sees as the member's SignalConnection.
type serverEnd struct {
	e *Endpoint
}

// Connect registers a new participant with a random id.
func Connect(o *orch.Orchestrator) *Endpoint {
	return ConnectID(o, uuid.NewString(), defaultBuffer)
}

// ConnectID registers a participant with a fixed id and inbound buffer size.
func ConnectID(o *orch.Orchestrator, id string, buffer int) *Endpoint {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	e := &Endpoint{
		id:       core.SessionID(id),
		orch:     o,
		codec:    protocol.JSONCodec{},
		in:       make(chan protocol.Message, buffer),
		sent:     make(map[string]int),
		received: make(map[string]int),
	}
	e.server = &serverEnd{e: e}
	sess := core.NewMemberSession(domain.NewMember(domain.ParticipantID(id)), e.server)
	o.Connect(sess, e.closeInbound, "loopback")
	log.Debug().Str("module", "loopback").Str("sid", id).Msg("connected")
	return e
}

func (e *Endpoint) ID() core.SessionID { return e.id }

// Send dispatches msg to the Orchestrator synchronously.
func (e *Endpoint) Send(msg protocol.Message) error {
	m, err := e.roundTrip(msg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.sent[m.Type]++
	e.mu.Unlock()

	e.orch.Dispatch(e.id, m)
	return nil
}

func (e *Endpoint) Incoming() <-chan protocol.Message { return e.in }

// Close disconnects the participant as if its socket dropped.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	already := e.closed
	e.mu.Unlock()
	if already {
		return nil
	}
	e.orch.OnDisconnect(e.id)
	e.closeInbound()
	return nil
}

// Sent counts messages of kind this endpoint sent.
func (e *Endpoint) Sent(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent[kind]
}

// Received counts messages of kind delivered to this endpoint.
func (e *Endpoint) Received(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received[kind]
}

func (e *Endpoint) closeInbound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.in)
}

func (e *Endpoint) roundTrip(msg protocol.Message) (protocol.Message, error) {
	data, err := e.codec.Marshal(msg)
	if err != nil {
		return protocol.Message{}, err
	}
	var out protocol.Message
	if err := e.codec.Unmarshal(data, &out); err != nil {
		return protocol.Message{}, err
	}
	return out, nil
}

func (s *serverEnd) TrySend(msg protocol.Message) error {
	m, err := s.e.roundTrip(msg)
	if err != nil {
		return err
	}
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	if s.e.closed {
		return core.ErrConnClosed
	}
	select {
	case s.e.in <- m:
		s.e.received[m.Type]++
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (s *serverEnd) Close() { s.e.closeInbound() }
