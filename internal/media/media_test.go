package media

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id string

	mu      sync.Mutex
	packets []*rtp.Packet
	block   chan struct{}
}

func (f *fakeTrack) ID() string                { return f.id }
func (f *fakeTrack) StreamID() string          { return "remote" }
func (f *fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	f.mu.Lock()
	if len(f.packets) > 0 {
		p := f.packets[0]
		f.packets = f.packets[1:]
		f.mu.Unlock()
		return p, nil, nil
	}
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return nil, nil, io.EOF
}

type opaqueTrack struct{ core.RemoteTrack }

func packets(seqs ...uint16) []*rtp.Packet {
	out := make([]*rtp.Packet, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, &rtp.Packet{Header: rtp.Header{SequenceNumber: s}, Payload: []byte{1, 2, 3}})
	}
	return out
}

func TestSinkCountsPacketsAndGaps(t *testing.T) {
	sink := NewSink()
	track := &fakeTrack{id: "a-audio", packets: packets(65534, 65535, 0, 3, 4)}

	err := sink.Drain(context.Background(), "a", track)
	assert.ErrorIs(t, err, io.EOF)

	stats := sink.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, TrackStats{
		Peer:    "a",
		TrackID: "a-audio",
		Kind:    "audio",
		Packets: 5,
		Bytes:   15,
		Gaps:    1,
		Done:    true,
	}, stats[0])
}

func TestSinkStopsOnContext(t *testing.T) {
	sink := NewSink()
	block := make(chan struct{})
	track := &fakeTrack{id: "v", packets: packets(1, 2), block: block}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Drain(ctx, "b", track) }()

	require.Eventually(t, func() bool {
		s := sink.Snapshot()
		return len(s) == 1 && s[0].Packets == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	close(block)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain did not return")
	}
}

func TestSinkRejectsTracksWithoutRTP(t *testing.T) {
	err := NewSink().Drain(context.Background(), "a", opaqueTrack{&fakeTrack{id: "x"}})
	assert.ErrorIs(t, err, ErrNotReadable)
}

func TestSyntheticStreamTracks(t *testing.T) {
	s, err := NewSyntheticStream("alice")
	require.NoError(t, err)

	tracks := s.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Kind())
	for _, tr := range tracks {
		assert.Equal(t, "alice", tr.StreamID())
	}
}

func TestSyntheticStreamMute(t *testing.T) {
	s, err := NewSyntheticStream("alice")
	require.NoError(t, err)

	s.Mute(webrtc.RTPCodecTypeVideo, true)
	assert.Equal(t, TrackMuted, s.Video().State())
	s.Start(context.Background())

	require.Eventually(t, func() bool { return s.Audio().Sent() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.Video().Sent())

	s.Mute(webrtc.RTPCodecTypeVideo, false)
	require.Eventually(t, func() bool { return s.Video().Sent() > 0 }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.Equal(t, TrackStopped, s.Audio().State())
	s.Mute(webrtc.RTPCodecTypeAudio, false)
	assert.Equal(t, TrackStopped, s.Audio().State())
}

func TestSourceTrackAdvancesClockWhileMuted(t *testing.T) {
	s, err := NewSyntheticStream("alice")
	require.NoError(t, err)
	a := s.Audio()

	first := a.next()
	a.setMuted(true)
	a.next()
	third := a.next()

	assert.Equal(t, first.SequenceNumber+2, third.SequenceNumber)
	assert.Equal(t, first.Timestamp+2*960, third.Timestamp)
	assert.False(t, first.Marker)
	assert.True(t, s.Video().next().Marker)
}
