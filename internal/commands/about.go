package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zot/room-relay/internal/config"
)

// AboutCmd represents the about command
var AboutCmd = &cobra.Command{
	Use:   "about",
	Short: "Display information about room-relay",
	Long:  `Display what room-relay does and the limits of the default configuration.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.DefaultConfig()
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "room-relay - share files through short-lived rooms")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "A host opens a room and shares its six-character code; anyone with the code")
		fmt.Fprintln(out, "can join and pull the files the room's members upload.")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Default port:        %d\n", cfg.Server.Port)
		fmt.Fprintf(out, "Chunk size:          %s\n", humanize.IBytes(uint64(cfg.Transfer.ChunkSize)))
		fmt.Fprintf(out, "Chunk lifetime:      %s\n", cfg.Maintenance.ChunkTTL.Duration)
		fmt.Fprintf(out, "Host grace period:   %s\n", cfg.Room.GracePeriod.Duration)
		fmt.Fprintf(out, "Empty rooms removed: after %s\n", cfg.Maintenance.EmptyRoomMaxAge.Duration)
	},
}
