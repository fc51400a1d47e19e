// Package peercmd is the command line of the headless Roomcall participant.
package peercmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "roomcall-peer",
	Short: "Headless Roomcall participant",
	Long: `roomcall-peer joins a Roomcall room over the signaling WebSocket, calls the
other members and exchanges synthetic audio and video with them. It is meant
for smoke tests and load runs against a server.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("server", "ws://localhost:8080/api/ws/signal", "signaling WebSocket URL")
	f.String("codec", "json", "signaling codec, json or msgpack")
	f.StringSlice("ice-servers", nil, "STUN/TURN urls")
	f.String("turn-username", "", "username for TURN urls")
	f.String("turn-password", "", "password for TURN urls")
	f.Duration("gather-timeout", 5*time.Second, "ICE gathering timeout")
	f.Duration("call-timeout", 30*time.Second, "give up on an unanswered call after this long")
	f.String("log-level", "info", "log level")

	rootCmd.AddCommand(joinCmd, roomsCmd, membersCmd, newRoomCmd)
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("roomcall-peer failed")
		return 1
	}
	return 0
}

// Root exposes the command tree for tests.
func Root() *cobra.Command { return rootCmd }
