package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zot/room-relay/internal/pidfile"
)

// KillCmd represents the kill command
var KillCmd = &cobra.Command{
	Use:   "kill PID...",
	Short: "Stop running room-relay servers",
	Long: `Stop room-relay servers by process ID. Only PIDs listed by 'room-relay ps' are accepted.

The server shuts down as if interrupted: every room it holds is dropped at once, hosts get no
grace period to rejoin and chunks not yet downloaded are lost. Use 'send' on the host side to
close a single room cleanly instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runKill,
}

// parsePIDs converts every argument before any process is signalled.
func parsePIDs(args []string) ([]int32, error) {
	pids := make([]int32, 0, len(args))
	for _, arg := range args {
		pid, err := strconv.ParseInt(arg, 10, 32)
		if err != nil || pid <= 0 {
			return nil, fmt.Errorf("invalid PID: %s", arg)
		}
		pids = append(pids, int32(pid))
	}
	return pids, nil
}

func runKill(cmd *cobra.Command, args []string) error {
	pids, err := parsePIDs(args)
	if err != nil {
		return err
	}

	tracker := pidfile.Default()
	var errs []error
	for _, pid := range pids {
		if err := tracker.Kill(pid); err != nil {
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stopped relay %d; its rooms are closed\n", pid)
	}
	return errors.Join(errs...)
}
