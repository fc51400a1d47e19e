package peercmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Roomcall/internal/adapters/rtc"
	"github.com/dkeye/Roomcall/internal/adapters/wsclient"
	"github.com/dkeye/Roomcall/internal/config"
	"github.com/dkeye/Roomcall/internal/core"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/dkeye/Roomcall/internal/media"
	"github.com/dkeye/Roomcall/internal/protocol"
	"github.com/dkeye/Roomcall/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var ErrDisconnected = errors.New("signaling connection closed")

type joinOptions struct {
	name     string
	call     bool
	duration time.Duration
	presence string
}

var joinOpts joinOptions

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room and exchange synthetic media with its members",
	Long: `Join a room and stay until interrupted or --duration passes.

Examples:
  roomcall-peer join ab12cd --name bot-1
  roomcall-peer join ab12cd --name bot-2 --call --duration 30s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadPeer(cmd.Flags())
		if err != nil {
			return err
		}
		return runJoin(cmd.Context(), cmd, cfg, domain.RoomID(args[0]), joinOpts)
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&joinOpts.name, "name", "roomcall-peer", "display name")
	f.BoolVar(&joinOpts.call, "call", false, "call every member present on join")
	f.DurationVar(&joinOpts.duration, "duration", 0, "leave after this long, zero stays until interrupted")
	f.StringVar(&joinOpts.presence, "presence", "", "announce a presence mode after joining, editor or whiteboard")
}

func rtcFactory(cfg *config.PeerConfig) (session.ConnectionFactory, error) {
	api, err := rtc.NewAPI(rtc.NewLoggerFactory())
	if err != nil {
		return nil, err
	}
	ice := rtc.ICEConfig(cfg.ICEServers, cfg.TURNUsername, cfg.TURNPassword)
	return func(ctx context.Context, remote domain.ParticipantID) (core.MediaConnection, error) {
		conn, err := rtc.NewWebRTCConnection(api, ice, remote, cfg.GatherTimeout)
		if err != nil {
			return nil, err
		}
		if err := conn.Start(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}, nil
}

func runJoin(ctx context.Context, cmd *cobra.Command, cfg *config.PeerConfig, roomID domain.RoomID, opts joinOptions) error {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return err
	}
	var mode domain.PresenceMode
	if opts.presence != "" {
		m, err := domain.ParsePresenceMode(opts.presence)
		if err != nil {
			return err
		}
		mode = m
	}

	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}
	factory, err := rtcFactory(cfg)
	if err != nil {
		return err
	}
	stream, err := media.NewSyntheticStream(opts.name)
	if err != nil {
		return err
	}

	client, err := wsclient.Dial(ctx, cfg.Server, codec)
	if err != nil {
		return err
	}
	ctl := session.New(client, factory, session.Config{CallTimeout: cfg.CallTimeout, AutoSend: true})
	ctl.SetLocalStream(stream)

	sink := media.NewSink()
	logger := log.With().Str("module", "peer").Str("room_id", string(roomID)).Logger()
	ctl.OnRemoteTrack(func(ctx context.Context, peer domain.ParticipantID, track core.RemoteTrack) {
		go func() {
			if err := sink.Drain(ctx, peer, track); err != nil {
				logger.Debug().Err(err).Str("peer", string(peer)).Msg("drain stopped")
			}
		}()
	})
	ctl.OnPeerJoined(func(p domain.Participant) {
		logger.Info().Str("peer", string(p.ID)).Str("name", p.DisplayName).Msg("peer joined")
	})
	ctl.OnPresence(func(p domain.Participant, m domain.PresenceMode) {
		logger.Info().Str("peer", string(p.ID)).Str("mode", string(m)).Msg("presence")
	})
	ctl.OnData(func(peer domain.ParticipantID, data []byte) {
		logger.Info().Str("peer", string(peer)).Int("bytes", len(data)).Msg("data")
	})
	ctl.OnCallEnded(func(peer domain.ParticipantID, err error) {
		logger.Info().Err(err).Str("peer", string(peer)).Msg("call ended")
	})
	ctl.OnError(func(err error) {
		logger.Warn().Err(err).Msg("server error")
	})

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ctl.Run(gctx); err != nil {
			return err
		}
		return ErrDisconnected
	})
	g.Go(func() error {
		stream.Start(gctx)
		self, err := ctl.Join(gctx, roomID, opts.name)
		if err != nil {
			return fmt.Errorf("join %s: %w", roomID, err)
		}
		logger.Info().Str("self", string(self.ID)).Int("members", len(ctl.Peers())).Msg("joined")

		if mode != domain.PresenceNone {
			if err := ctl.SendPresence(mode); err != nil {
				logger.Warn().Err(err).Msg("presence not sent")
			}
		}
		if opts.call {
			for _, p := range ctl.Peers() {
				if err := ctl.StartCall(gctx, p.ID); err != nil {
					logger.Warn().Err(err).Str("peer", string(p.ID)).Msg("call failed")
				}
			}
		}
		<-gctx.Done()
		return gctx.Err()
	})

	err = g.Wait()
	stream.Stop()
	if cerr := ctl.Close(); cerr != nil && !errors.Is(cerr, wsclient.ErrClosed) {
		logger.Debug().Err(cerr).Msg("close")
	}
	renderStats(cmd.OutOrStdout(), sink.Snapshot())

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
