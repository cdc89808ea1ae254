// clinsync-server is the clinic record server: the authoritative store
// that devices running clinsync push to and pull from.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/clinsync/internal/peer"
)

var rootCmd = &cobra.Command{
	Use:   "clinsync-server",
	Short: "Clinic record server",
	Long: `clinsync-server stores the authoritative copy of clinical records and
serves the sync API that clinsync devices push to and pull from.

Configuration comes from CLINSYNC_SERVER_* environment variables.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the record server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := peer.LoadConfig()
		setupLogger(cfg.LogFormat, cfg.LogLevel)

		storage, err := peer.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer storage.Close()

		server := peer.NewServer(cfg, storage)
		if err := server.Start(); err != nil {
			return err
		}
		slog.Info("record server listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage server users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <display-name>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, err := openStorage()
		if err != nil {
			return err
		}
		defer storage.Close()

		email, _ := cmd.Flags().GetString("email")
		user, err := storage.CreateUser(args[0], email)
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}

		fmt.Printf("CREATED user %s (%s)\n", user.ID, user.DisplayName)
		return nil
	},
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage device API keys",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate <user-id> <device-id>",
	Short: "Issue an API key for a user's device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, err := openStorage()
		if err != nil {
			return err
		}
		defer storage.Close()

		key, err := storage.GenerateAPIKey(args[0], args[1])
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}

		// The plaintext key is shown exactly once; only its hash is stored.
		fmt.Println(key)
		return nil
	},
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, err := openStorage()
		if err != nil {
			return err
		}
		defer storage.Close()

		if err := storage.RevokeAPIKey(args[0]); err != nil {
			return fmt.Errorf("revoke key: %w", err)
		}

		fmt.Printf("REVOKED %s\n", args[0])
		return nil
	},
}

func openStorage() (*peer.Storage, error) {
	cfg := peer.LoadConfig()
	storage, err := peer.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return storage, nil
}

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
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(keyCmd)
	userCmd.AddCommand(userCreateCmd)
	keyCmd.AddCommand(keyGenerateCmd)
	keyCmd.AddCommand(keyRevokeCmd)

	userCreateCmd.Flags().String("email", "", "User email")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
