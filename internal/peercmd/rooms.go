package peercmd

import (
	"fmt"

	"github.com/dkeye/Roomcall/internal/config"
	"github.com/dkeye/Roomcall/internal/domain"
	"github.com/spf13/cobra"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List live rooms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		api, err := apiFromFlags(cmd)
		if err != nil {
			return err
		}
		rooms, err := api.listRooms(cmd.Context())
		if err != nil {
			return err
		}
		renderRooms(cmd.OutOrStdout(), rooms)
		return nil
	},
}

var membersCmd = &cobra.Command{
	Use:   "members <room-id>",
	Short: "List the members of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := domain.RoomID(args[0])
		if err := domain.ValidateRoomID(id); err != nil {
			return err
		}
		api, err := apiFromFlags(cmd)
		if err != nil {
			return err
		}
		members, err := api.members(cmd.Context(), id)
		if err != nil {
			return err
		}
		renderMembers(cmd.OutOrStdout(), members)
		return nil
	},
}

var newRoomCmd = &cobra.Command{
	Use:   "new-room",
	Short: "Ask the server for a fresh room id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		api, err := apiFromFlags(cmd)
		if err != nil {
			return err
		}
		id, err := api.newRoom(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func apiFromFlags(cmd *cobra.Command) (*apiClient, error) {
	cfg, err := config.LoadPeer(cmd.Flags())
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg.Server)
}
