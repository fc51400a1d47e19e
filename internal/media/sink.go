package media

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

var ErrNotReadable = errors.New("remote track does not carry RTP")

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type TrackStats struct {
	Peer    domain.ParticipantID
	TrackID string
	Kind    string
	Packets uint64
	Bytes   uint64
	// Gaps counts sequence number jumps, an estimate of lost packets.
	Gaps uint64
	Done bool
}

// Sink drains remote tracks and keeps per-track receive counters.
type Sink struct {
	mu    sync.Mutex
	stats map[string]*TrackStats
}

func NewSink() *Sink {
	return &Sink{stats: make(map[string]*TrackStats)}
}

// Drain reads track until ctx ends or the track fails. It blocks.
func (s *Sink) Drain(ctx context.Context, peer domain.ParticipantID, track core.RemoteTrack) error {
	r, ok := track.(rtpReader)
	if !ok {
		return ErrNotReadable
	}
	logger := log.With().
		Str("module", "media").
		Str("peer", string(peer)).
		Str("track_id", track.ID()).
		Logger()

	key := string(peer) + "/" + track.ID()
	st := &TrackStats{Peer: peer, TrackID: track.ID(), Kind: track.Kind().String()}
	s.mu.Lock()
	s.stats[key] = st
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		st.Done = true
		s.mu.Unlock()
	}()

	var (
		last    uint16
		started bool
	)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sink ctx done")
			return nil
		default:
		}
		pkt, _, err := r.ReadRTP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Info().Err(err).Msg("remote track ended")
			return err
		}

		s.mu.Lock()
		st.Packets++
		st.Bytes += uint64(len(pkt.Payload))
		if started && pkt.SequenceNumber != last+1 {
			st.Gaps++
		}
		s.mu.Unlock()
		last, started = pkt.SequenceNumber, true
	}
}

// Snapshot returns a copy of the counters ordered by peer and track.
func (s *Sink) Snapshot() []TrackStats {
	s.mu.Lock()
	out := make([]TrackStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b TrackStats) int {
		return cmp.Or(cmp.Compare(a.Peer, b.Peer), cmp.Compare(a.TrackID, b.TrackID))
	})
	return out
}
