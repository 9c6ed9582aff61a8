package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zot/room-relay/internal/client"
	"github.com/zot/room-relay/internal/protocol"
	"github.com/zot/room-relay/internal/room"
)

var (
	outDir  string
	waitFor bool
)

// ReceiveCmd joins a room and downloads its files
var ReceiveCmd = &cobra.Command{
	Use:   "receive CODE",
	Short: "Join a room and download its files",
	Long: `Join the room CODE and download every file already shared in it.

With --wait, stay in the room and download files as they are shared until the host
closes the room or the command is interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runReceive,
}

func init() {
	ReceiveCmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory to write files to")
	ReceiveCmd.Flags().BoolVarP(&waitFor, "wait", "w", false, "Keep downloading newly shared files")
}

func runReceive(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	code := room.NormalizeCode(args[0])
	if !room.ValidCode(code) {
		return fmt.Errorf("%q: %w", args[0], room.ErrRoomInvalid)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	ctx, stop := interruptible()
	defer stop()

	c := client.New(serverURL, client.Options{MaxRetries: retries})
	announced := make(chan room.FileRecord, 64)
	closed := make(chan protocol.RoomClosed, 1)
	c.OnEvent(func(msg *protocol.Message) {
		switch msg.Method {
		case protocol.MethodFileAvailable:
			var rec room.FileRecord
			if msg.Decode(&rec) == nil {
				select {
				case announced <- rec:
				default:
					fmt.Fprintf(out, "Skipping %s: too many pending files\n", rec.Name)
				}
			}
		case protocol.MethodRoomClosedByHost:
			var rc protocol.RoomClosed
			if msg.Decode(&rc) == nil {
				select {
				case closed <- rc:
				default:
				}
			}
		case protocol.MethodStatusMessage:
			var status protocol.StatusMessage
			if msg.Decode(&status) == nil {
				fmt.Fprintf(out, "[%s] %s\n", status.Type, status.Message)
			}
		}
	})
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	joined, err := c.JoinRoom(ctx, code)
	if errors.Is(err, room.ErrRoomNotFound) {
		return fmt.Errorf("room %s not found", code)
	} else if err != nil {
		return err
	}
	fmt.Fprintf(out, "Joined room %s (%d participants)\n", joined.RoomCode, joined.ParticipantCount)

	seen := map[string]bool{}
	fetch := func(rec room.FileRecord) error {
		if seen[rec.ID] {
			return nil
		}
		seen[rec.ID] = true
		label := fmt.Sprintf("%s (%s)", rec.Name, humanize.IBytes(uint64(rec.Size)))
		file, err := c.Download(ctx, rec.ID, progressPrinter(out, label))
		if errors.Is(err, client.ErrConnectionLost) {
			if _, err := resume(ctx, out, c); err != nil {
				return err
			}
			file, err = c.Download(ctx, rec.ID, progressPrinter(out, label))
		}
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", rec.Name, err)
		}
		target := filepath.Join(outDir, filepath.Base(file.Name))
		if err := os.WriteFile(target, file.Data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "Saved %s\n", target)
		return nil
	}

	for _, rec := range joined.Files {
		if err := fetch(rec); err != nil {
			return err
		}
	}
	if !waitFor {
		if len(joined.Files) == 0 {
			fmt.Fprintln(out, "No files shared yet (use --wait to wait for them)")
		}
		_, err := c.Leave(ctx)
		return err
	}

	fmt.Fprintln(out, "Waiting for files. Press Ctrl-C to leave.")
	for {
		select {
		case rec := <-announced:
			if err := fetch(rec); err != nil {
				return err
			}
		case rc := <-closed:
			fmt.Fprintf(out, "Room closed by host (%s)\n", rc.Reason)
			return nil
		case <-c.Done():
			// files shared while disconnected arrive in the rejoin snapshot
			joined, err := resume(ctx, out, c)
			if err != nil {
				return err
			}
			for _, rec := range joined.Files {
				if err := fetch(rec); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}
