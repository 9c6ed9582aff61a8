package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the release of room-relay.
const Version = "1.0.0"

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version of room-relay",
	Long:  `Display the current version of room-relay.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "room-relay version %s\n", Version)
	},
}
