package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zot/room-relay/internal/config"
	"github.com/zot/room-relay/internal/pidfile"
	"github.com/zot/room-relay/internal/server"
)

var (
	configPath string
	verbose    int
	port       int
	dir        string
)

// ServeCmd runs the relay server. The root command runs it too.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Run the room relay: serve the web client and relay rooms over /ws.

Configuration is read from room-relay.toml in the working directory (or --config),
then the PORT environment variable, then command-line flags.`,
	Args: cobra.NoArgs,
	RunE: RunServe,
}

func init() {
	ServeCmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: ./"+config.ConfigFileName+" if present)")
	ServeCmd.Flags().CountVarP(&verbose, "verbose", "v", "Verbose output (can be specified multiple times: -v, -vv)")
	ServeCmd.Flags().IntVarP(&port, "port", "p", 0, fmt.Sprintf("Port to listen on (default: $PORT or %d)", config.DefaultPort))
	ServeCmd.Flags().StringVar(&dir, "dir", "", "Directory holding the web client (default: files.root)")
}

// LoadConfig resolves the configuration from file, environment and flags.
func LoadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath, true)
	} else {
		cfg, err = config.LoadFromDir(".")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.Merge(port, dir, verbose)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ConfigureLogging applies the logging section to the standard logrus logger.
func ConfigureLogging(cfg *config.Config) error {
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if cfg.Logging.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// RunServe starts the server and blocks until a signal arrives or the server fails.
func RunServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if err := ConfigureLogging(cfg); err != nil {
		return err
	}

	if _, err := os.Stat(cfg.Files.Root); os.IsNotExist(err) {
		logrus.WithField("root", cfg.Files.Root).Warn("Client directory not found; only /ws will be useful")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(ctx, cfg)
	srv.SetTracker(pidfile.Default())
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer func() {
		if err := srv.Stop(); err != nil {
			logrus.WithError(err).Warn("Server shutdown incomplete")
		}
	}()

	fmt.Printf("Server running at http://localhost:%d\n", srv.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nShutting down (%s)...\n", sig)
	case <-srv.Done():
		fmt.Println("Server context cancelled")
	}
	return nil
}
