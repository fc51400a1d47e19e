package media

import (
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackLive TrackState = iota
	TrackMuted
	TrackStopped
)

func (s TrackState) String() string {
	switch s {
	case TrackLive:
		return "live"
	case TrackMuted:
		return "muted"
	case TrackStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SourceTrack produces paced RTP packets for one local track.
type SourceTrack struct {
	Track *webrtc.TrackLocalStaticRTP

	kind     webrtc.RTPCodecType
	interval time.Duration
	tsStep   uint32
	payload  []byte

	// seq and ts are only touched by the pacing goroutine.
	seq uint16
	ts  uint32

	state atomic.Int32
	sent  atomic.Uint64
}

func (t *SourceTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *SourceTrack) State() TrackState { return TrackState(t.state.Load()) }

func (t *SourceTrack) Sent() uint64 { return t.sent.Load() }

func (t *SourceTrack) setMuted(muted bool) {
	if muted {
		t.state.CompareAndSwap(int32(TrackLive), int32(TrackMuted))
	} else {
		t.state.CompareAndSwap(int32(TrackMuted), int32(TrackLive))
	}
}

func (t *SourceTrack) stop() { t.state.Store(int32(TrackStopped)) }

// next builds the packet for the current tick. Muted tracks still advance the
// clock so the receiver sees a gap, not a rewind.
func (t *SourceTrack) next() *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         t.kind == webrtc.RTPCodecTypeVideo,
			SequenceNumber: t.seq,
			Timestamp:      t.ts,
		},
		Payload: t.payload,
	}
	t.seq++
	t.ts += t.tsStep
	return pkt
}
