// Package protocol defines the signaling envelope exchanged between
// participants and the relay, and the codecs that put it on the wire.
package protocol

import "github.com/pion/webrtc/v4"

const (
	TypeJoin         = "join"
	TypeJoined       = "joined"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeLeave        = "leave"
	TypeLeft         = "left"
	TypeCall         = "call"
	TypeCallAccepted = "call-accepted"
	TypeNegoNeeded   = "nego-needed"
	TypeNegoDone     = "nego-done"
	TypeNegoFinal    = "nego-final"
	TypePresence     = "presence"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeWhoAmI       = "whoami"
	TypeError        = "error"
)

// Message is the tagged union of every signaling event. Fields that do not
// apply to a kind stay empty.
type Message struct {
	Type        string   `json:"type" msgpack:"type"`
	RoomID      string   `json:"roomId,omitempty" msgpack:"roomId,omitempty"`
	DisplayName string   `json:"displayName,omitempty" msgpack:"displayName,omitempty"`
	PeerID      string   `json:"peerId,omitempty" msgpack:"peerId,omitempty"`
	From        string   `json:"from,omitempty" msgpack:"from,omitempty"`
	To          string   `json:"to,omitempty" msgpack:"to,omitempty"`
	Offer       *SDP     `json:"offer,omitempty" msgpack:"offer,omitempty"`
	Answer      *SDP     `json:"answer,omitempty" msgpack:"answer,omitempty"`
	Mode        string   `json:"mode,omitempty" msgpack:"mode,omitempty"`
	Members     []Member `json:"members,omitempty" msgpack:"members,omitempty"`
	Error       string   `json:"error,omitempty" msgpack:"error,omitempty"`
}

type Member struct {
	PeerID      string `json:"peerId" msgpack:"peerId"`
	DisplayName string `json:"displayName" msgpack:"displayName"`
	Mode        string `json:"mode,omitempty" msgpack:"mode,omitempty"`
}

// SDP mirrors RTCSessionDescriptionInit.
type SDP struct {
	Type string `json:"type" msgpack:"type"`
	SDP  string `json:"sdp" msgpack:"sdp"`
}

func FromSessionDescription(d webrtc.SessionDescription) *SDP {
	return &SDP{Type: d.Type.String(), SDP: d.SDP}
}

func (s *SDP) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(s.Type), SDP: s.SDP}
}

// relayed maps an addressed kind sent by a client to the kind the target receives.
var relayed = map[string]string{
	TypeCall:         TypeCall,
	TypeCallAccepted: TypeCallAccepted,
	TypeNegoNeeded:   TypeNegoNeeded,
	TypeNegoDone:     TypeNegoFinal,
	TypeNegoFinal:    TypeNegoFinal,
}

// Relayed reports whether t is an addressed kind and, if so, the kind
// delivered to the target.
func Relayed(t string) (string, bool) {
	out, ok := relayed[t]
	return out, ok
}

// IsAddressed reports whether a message of kind t must carry a target id.
func IsAddressed(t string) bool {
	_, ok := relayed[t]
	return ok
}

func ErrorMessage(err error) Message {
	return Message{Type: TypeError, Error: err.Error()}
}
