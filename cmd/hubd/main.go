// hubd — local multi-agent coordination daemon. Serves NDJSON RPC over
// a Unix socket and owns the shared state under ${HUB_DIR}.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/daemon"
	"github.com/agenthub/hubd/pkg/version"
)

var hubDirFlag string

func main() {
	root := &cobra.Command{
		Use:          "hubd",
		Short:        "Local multi-agent coordination daemon",
		Version:      version.Full(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&hubDirFlag, "hub-dir", "", "state directory (default $HUB_DIR or $HOME/.agenthub)")
	root.AddCommand(startCmd(), stopCmd(), statusCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			configureLogging(cfg.LogLevel)

			slog.Info("Starting hubd", "hub_dir", cfg.HubDir)
			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}
			if err := d.Start(); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			slog.Info("Shutdown signal received", "signal", sig)
			d.Stop()
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal a running daemon to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pid, err := readPID(cfg)
			if err != nil {
				return err
			}
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal pid %d: %w", pid, err)
			}
			fmt.Printf("sent SIGTERM to pid %d\n", pid)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pid, err := readPID(cfg)
			if err != nil {
				fmt.Println("hubd is not running (no PID file)")
				return nil
			}
			if syscall.Kill(pid, 0) != nil {
				fmt.Printf("hubd is not running (stale PID file, pid %d)\n", pid)
				return nil
			}
			// The socket answering is the real liveness signal.
			nc, err := net.DialTimeout("unix", cfg.SocketPath(), 2*time.Second)
			if err != nil {
				fmt.Printf("hubd pid %d is alive but the socket is not answering: %v\n", pid, err)
				return nil
			}
			nc.Close()
			fmt.Printf("hubd is running (pid %d, socket %s)\n", pid, cfg.SocketPath())
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	// .env in the state directory seeds HUB_DIR-relative settings like
	// HISTORY_DATABASE_URL before the YAML template expansion sees them.
	dir := hubDirFlag
	if dir == "" {
		dir = os.Getenv("HUB_DIR")
	}
	if dir != "" {
		if err := godotenv.Load(filepath.Join(dir, ".env")); err == nil {
			slog.Debug("Loaded environment file", "path", filepath.Join(dir, ".env"))
		}
	}
	return config.Load(hubDirFlag)
}

func configureLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func readPID(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(cfg.PIDPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file %s: %w", cfg.PIDPath(), err)
	}
	return pid, nil
}
