// Package media provides the local and remote ends of a call's media for
// headless participants: a synthetic source stream and a sink that drains
// and counts remote RTP.
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	// Opus DTX silence frame.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// VP8 payload descriptor with the start bit set, followed by filler.
	vp8Filler = []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a}
)

// Stream is a captured local stream of one opus and one VP8 track.
type Stream struct {
	id     string
	audio  *SourceTrack
	video  *SourceTrack
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func NewSyntheticStream(id string) (*Stream, error) {
	rng := randutil.NewMathRandomGenerator()

	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", id)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", id)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}

	return &Stream{
		id: id,
		audio: &SourceTrack{
			Track:    audio,
			kind:     webrtc.RTPCodecTypeAudio,
			interval: 20 * time.Millisecond,
			tsStep:   960,
			payload:  opusSilence,
			seq:      uint16(rng.Uint32()),
			ts:       rng.Uint32(),
		},
		video: &SourceTrack{
			Track:    video,
			kind:     webrtc.RTPCodecTypeVideo,
			interval: time.Second / 30,
			tsStep:   3000,
			payload:  vp8Filler,
			seq:      uint16(rng.Uint32()),
			ts:       rng.Uint32(),
		},
		logger: log.With().Str("module", "media").Str("stream_id", id).Logger(),
	}, nil
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio.Track, s.video.Track}
}

func (s *Stream) Audio() *SourceTrack { return s.audio }
func (s *Stream) Video() *SourceTrack { return s.video }

// Start paces packets onto every track until ctx ends or Stop is called.
// Packets written before the track is bound to a connection are discarded.
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range []*SourceTrack{s.audio, s.video} {
		s.wg.Go(func() { s.pace(ctx, t) })
	}
	s.logger.Info().Msg("stream started")
}

func (s *Stream) pace(ctx context.Context, t *SourceTrack) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pkt := t.next()
		switch t.State() {
		case TrackStopped:
			return
		case TrackMuted:
			continue
		}
		if err := t.Track.WriteRTP(pkt); err != nil {
			s.logger.Error().Err(err).Str("kind", t.kind.String()).Msg("write RTP failed, stopping track")
			t.stop()
			return
		}
		t.sent.Add(1)
	}
}

// Mute pauses or resumes every track of kind.
func (s *Stream) Mute(kind webrtc.RTPCodecType, muted bool) {
	for _, t := range []*SourceTrack{s.audio, s.video} {
		if t.kind == kind {
			t.setMuted(muted)
		}
	}
	s.logger.Info().Str("kind", kind.String()).Bool("muted", muted).Msg("mute changed")
}

// Stop ends pacing and waits for the writers to return.
func (s *Stream) Stop() {
	s.audio.stop()
	s.video.stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
