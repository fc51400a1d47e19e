package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Codec puts messages on the wire. Binary codecs must be written as binary
// WebSocket frames.
type Codec interface {
	Name() string
	Binary() bool
	Marshal(Message) ([]byte, error)
	Unmarshal([]byte, *Message) error
}

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Marshal(m Message) ([]byte, error) { return json.Marshal(m) }

func (JSONCodec) Unmarshal(b []byte, m *Message) error { return json.Unmarshal(b, m) }

type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return CodecMsgpack }
func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Marshal(m Message) ([]byte, error) { return msgpack.Marshal(m) }

func (MsgpackCodec) Unmarshal(b []byte, m *Message) error { return msgpack.Unmarshal(b, m) }
