package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zot/room-relay/internal/pidfile"
)

// KillAllCmd represents the killall command
var KillAllCmd = &cobra.Command{
	Use:   "killall",
	Short: "Stop all running room-relay servers",
	Long: `Stop every room-relay server listed by 'room-relay ps'.

All rooms on those servers close immediately, without the host grace period.`,
	Args: cobra.NoArgs,
	RunE: runKillAll,
}

func runKillAll(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	tracker := pidfile.Default()

	pids, err := tracker.List()
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}
	for _, pid := range pids {
		info, err := pidfile.ProcessInfo(pid)
		if err != nil {
			info = "unknown"
		}
		fmt.Fprintf(out, "Stopping %d: %s\n", pid, info)
	}

	killed, err := tracker.KillAll()
	if err != nil {
		return fmt.Errorf("failed to kill processes: %w", err)
	}
	if killed == 0 {
		fmt.Fprintln(out, "No running room-relay servers found")
		return nil
	}
	fmt.Fprintf(out, "Stopped %d server(s); their rooms are closed\n", killed)
	return nil
}
