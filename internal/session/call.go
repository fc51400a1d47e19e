package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/negotiation"
)

// call owns the media connection and negotiation session for one remote
// participant. It is never shared between participants.
type call struct {
	remote   domain.ParticipantID
	conn     core.MediaConnection
	sess     *negotiation.Session
	outbound bool

	mu           sync.Mutex
	timer        *time.Timer
	mediaClaimed bool
	closed       bool
}

// newCall must be called with c.mu held.
func (c *Controller) newCall(remote domain.ParticipantID, outbound bool) (*call, error) {
	conn, err := c.newConn(c.ctx, remote)
	if err != nil {
		return nil, fmt.Errorf("open connection to %s: %w", remote, err)
	}
	cl := &call{remote: remote, conn: conn, outbound: outbound}
	cl.sess = negotiation.NewSession(conn, c.ch, negotiation.Config{
		LocalID:   c.self.ID,
		RemoteID:  remote,
		OpTimeout: c.cfg.OpTimeout,
		OnStateChange: func(_, to negotiation.State) {
			c.onStateChange(cl, to)
		},
		OnFailure: func(err error) {
			go c.teardown(remote, cl, err)
		},
	})

	conn.OnRenegotiationNeeded(cl.sess.RenegotiationNeeded)
	conn.OnTrack(func(ctx context.Context, track core.RemoteTrack) {
		c.logger.Info().Str("peer", string(remote)).Str("track_id", track.ID()).Str("kind", track.Kind().String()).Msg("remote track arrived")
		c.remoteTrack.each(func(fn func(context.Context, domain.ParticipantID, core.RemoteTrack)) {
			fn(ctx, remote, track)
		})
	})
	conn.OnData(func(data []byte) {
		c.data.each(func(fn func(domain.ParticipantID, []byte)) { fn(remote, data) })
	})
	conn.OnClosed(func() {
		c.teardown(remote, cl, fmt.Errorf("%w: media connection closed", domain.ErrSessionClosed))
	})

	c.calls[remote] = cl
	return cl, nil
}

func (c *Controller) onStateChange(cl *call, to negotiation.State) {
	if to != negotiation.OfferSent {
		cl.stopTimer()
	}
	if to != negotiation.Stable || !cl.outbound || !c.cfg.AutoSend {
		return
	}
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return
	}
	go func() {
		if err := c.attach(c.ctx, cl, stream); err != nil {
			c.logger.Warn().Err(err).Str("peer", string(cl.remote)).Msg("auto send failed")
		}
	}()
}

func (cl *call) armTimeout(d time.Duration, fn func()) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed || cl.sess.State() != negotiation.OfferSent {
		return
	}
	cl.timer = time.AfterFunc(d, fn)
}

func (cl *call) stopTimer() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.timer != nil {
		cl.timer.Stop()
		cl.timer = nil
	}
}

// claimMedia reports whether the caller is the first to send local media.
func (cl *call) claimMedia() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.mediaClaimed || cl.closed {
		return false
	}
	cl.mediaClaimed = true
	return true
}

func (cl *call) close() {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return
	}
	cl.closed = true
	if cl.timer != nil {
		cl.timer.Stop()
		cl.timer = nil
	}
	cl.mu.Unlock()

	cl.sess.Close()
	cl.conn.Close()
}
