package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the part of *webrtc.TrackRemote the session layer needs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// MediaConnection wraps one platform peer connection per remote participant.
// Callbacks are emitted asynchronously, never from inside a method call.
type MediaConnection interface {
	// CreateOffer generates an offer, sets it as local description and returns it.
	// It must not be called while another offer is outstanding.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer, then generates and sets a local answer.
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// SetRemoteAnswer applies the answer to an offer this side sent.
	SetRemoteAnswer(answer webrtc.SessionDescription) error
	// Rollback discards an outstanding local offer.
	Rollback() error
	// AttachLocalTracks adds local tracks. RenegotiationNeeded fires once the
	// connection is stable.
	AttachLocalTracks(tracks ...webrtc.TrackLocal) error
	SendData(data []byte) error

	OnRenegotiationNeeded(func())
	OnTrack(func(ctx context.Context, track RemoteTrack))
	OnData(func(data []byte))
	// OnClosed sets a callback for a failed or closed connection.
	OnClosed(func())

	Close()
	IsClosed() bool
}
