package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/clinsync/internal/api"
	"github.com/marcus/clinsync/internal/output"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local sync agent HTTP API",
	Long: `Run the sync agent: a loopback HTTP API other processes on this
device use to trigger sync cycles and inspect conflicts.

Configuration comes from CLINSYNC_AGENT_* environment variables. All
endpoints except /healthz require the bearer token in
CLINSYNC_AGENT_TOKEN; with no token configured, requests are refused.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := api.LoadConfig()
		setupLogger(cfg.LogFormat, cfg.LogLevel)

		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		eng, err := buildEngine(db)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		server := api.NewServer(cfg, db, eng)
		if err := server.Start(); err != nil {
			output.Error("failed to start agent: %v", err)
			return err
		}
		slog.Info("agent listening", "addr", cfg.ListenAddr)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

// setupLogger configures the process-wide slog default.
func setupLogger(format, level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
