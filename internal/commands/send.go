package commands

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zot/room-relay/internal/client"
	"github.com/zot/room-relay/internal/config"
	"github.com/zot/room-relay/internal/protocol"
)

var (
	serverURL string
	retries   int
)

// SendCmd hosts a room from the command line and shares files into it
var SendCmd = &cobra.Command{
	Use:   "send FILE...",
	Short: "Open a room and share files",
	Long: `Create a room on a relay server, print its code and link, and upload each FILE.

The room stays open until interrupted; leaving closes it for every participant.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	for _, cmd := range []*cobra.Command{SendCmd, ReceiveCmd} {
		cmd.Flags().StringVarP(&serverURL, "server", "s", fmt.Sprintf("ws://localhost:%d/ws", config.DefaultPort), "Relay WebSocket URL")
		cmd.Flags().IntVar(&retries, "retries", 3, "Re-requests of a missing chunk before a download gives up")
	}
}

// interruptible returns a context cancelled by SIGINT or SIGTERM.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// resume rejoins the remembered room after the connection dropped. A host that is back
// within the grace period keeps its room.
func resume(ctx context.Context, out io.Writer, c *client.Client) (protocol.RoomJoined, error) {
	if err := ctx.Err(); err != nil {
		return protocol.RoomJoined{}, err
	}
	fmt.Fprintln(out, "Connection lost, reconnecting...")
	joined, err := c.Resume(ctx)
	if err != nil {
		return joined, fmt.Errorf("failed to rejoin room: %w", err)
	}
	fmt.Fprintf(out, "Rejoined room %s (%d participants)\n", joined.RoomCode, joined.ParticipantCount)
	return joined, nil
}

// roomLink turns the WebSocket URL into the browser link for code.
func roomLink(wsURL, code string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return code
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/" + code
	return u.String()
}

// progressPrinter redraws one progress line per file on out.
func progressPrinter(out io.Writer, label string) client.Progress {
	return func(fraction float64) {
		fmt.Fprintf(out, "\r%s %3.0f%%", label, fraction*100)
		if fraction >= 1 {
			fmt.Fprintln(out)
		}
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ctx, stop := interruptible()
	defer stop()

	c := client.New(serverURL, client.Options{MaxRetries: retries})
	closed := make(chan protocol.RoomClosed, 1)
	c.OnEvent(func(msg *protocol.Message) {
		switch msg.Method {
		case protocol.MethodParticipantCountUpdated:
			var count protocol.ParticipantCount
			if msg.Decode(&count) == nil {
				fmt.Fprintf(out, "Participants: %d\n", count.Count)
			}
		case protocol.MethodRoomClosedByHost:
			var rc protocol.RoomClosed
			if msg.Decode(&rc) == nil {
				select {
				case closed <- rc:
				default:
				}
			}
		}
	})
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	created, err := c.CreateRoom(ctx)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	fmt.Fprintf(out, "Room code: %s\n", created.RoomCode)
	fmt.Fprintf(out, "Link:      %s\n", roomLink(serverURL, created.RoomCode))

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		mimeType := mime.TypeByExtension(filepath.Ext(name))
		label := fmt.Sprintf("%s (%s)", name, humanize.IBytes(uint64(len(data))))
		if _, err := c.Share(ctx, name, mimeType, data, progressPrinter(out, label)); err != nil {
			return fmt.Errorf("failed to share %s: %w", name, err)
		}
	}
	fmt.Fprintln(out, "Sharing. Press Ctrl-C to close the room.")

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case <-c.Done():
			if _, err := resume(ctx, out, c); err != nil {
				return err
			}
		case rc := <-closed:
			fmt.Fprintf(out, "Room closed: %s\n", rc.Reason)
			return nil
		}
	}

	// leave cleanly so participants are told the room closed
	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Leave(leaveCtx); err != nil {
		return err
	}
	if err := c.ConfirmLeave(leaveCtx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Room closed.")
	return nil
}
