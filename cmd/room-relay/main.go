package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zot/room-relay/internal/commands"
)

var rootCmd = &cobra.Command{
	Use:   "room-relay",
	Short: "Share files through short-lived rooms",
	Long: `room-relay hosts rooms that browsers join with a six-character code.
Files shared in a room are relayed chunk by chunk through the server and held
only briefly in memory.

Without a subcommand, room-relay runs the server (same as "room-relay serve").`,
	Args:          cobra.NoArgs,
	RunE:          commands.RunServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().AddFlagSet(commands.ServeCmd.Flags())

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.SendCmd)
	rootCmd.AddCommand(commands.ReceiveCmd)
	rootCmd.AddCommand(commands.PsCmd)
	rootCmd.AddCommand(commands.KillCmd)
	rootCmd.AddCommand(commands.KillAllCmd)
	rootCmd.AddCommand(commands.VersionCmd)
	rootCmd.AddCommand(commands.AboutCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
