package protocol

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, c.Name())

	c, err = CodecByName(CodecMsgpack)
	require.NoError(t, err)
	assert.True(t, c.Binary())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}

func TestJSONUsesWireFieldNames(t *testing.T) {
	b, err := JSONCodec{}.Marshal(Message{Type: TypeJoin, RoomID: "ab12cd", DisplayName: "alice"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"join","roomId":"ab12cd","displayName":"alice"}`, string(b))
}

func TestMsgpackCarriesDescriptions(t *testing.T) {
	in := Message{
		Type:  TypeCall,
		To:    "peer-b",
		Offer: FromSessionDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}),
	}
	b, err := MsgpackCodec{}.Marshal(in)
	require.NoError(t, err)

	var out Message
	require.NoError(t, MsgpackCodec{}.Unmarshal(b, &out))
	require.NotNil(t, out.Offer)
	desc := out.Offer.SessionDescription()
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)
	assert.Equal(t, "v=0", desc.SDP)
	assert.Equal(t, "peer-b", out.To)
}

func TestRelayed(t *testing.T) {
	cases := map[string]string{
		TypeCall:         TypeCall,
		TypeCallAccepted: TypeCallAccepted,
		TypeNegoNeeded:   TypeNegoNeeded,
		TypeNegoDone:     TypeNegoFinal,
		TypeNegoFinal:    TypeNegoFinal,
	}
	for in, want := range cases {
		got, ok := Relayed(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := Relayed(TypePresence)
	assert.False(t, ok)
}
