package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/clinsync/internal/engine"
	"github.com/marcus/clinsync/internal/output"
	"github.com/marcus/clinsync/internal/remote"
	"github.com/marcus/clinsync/internal/store"
	"github.com/marcus/clinsync/internal/syncconfig"
)

// buildEngine wires the sync engine against the linked record server.
func buildEngine(db *store.DB) (*engine.Engine, error) {
	apiKey := syncconfig.GetAPIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("not linked: run 'clinsync link' first")
	}
	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		return nil, err
	}

	client := remote.New(syncconfig.GetServerURL(), apiKey, deviceID)
	eng := engine.New(db, client, slog.Default())

	if cfg, err := syncconfig.LoadConfig(); err == nil && cfg.Sync.BatchSize != nil && *cfg.Sync.BatchSize > 0 {
		eng.BatchSize = *cfg.Sync.BatchSize
	}
	return eng, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full sync cycle (push, then pull)",
	Long: `Run a full sync cycle against the linked record server.

Pushes queued local changes first, then pulls remote changes. Conflicts
are resolved automatically (signed and locked records always win, newest
timestamp otherwise) and both versions are archived.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := eng.RunFullCycle(ctx)
		if errors.Is(err, engine.ErrSyncInProgress) {
			output.Warning("a sync cycle is already running")
			return nil
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut && result != nil {
			return output.JSON(result)
		}

		if result != nil && result.Push != nil {
			printPushSummary(result.Push)
		}
		if result != nil && result.Pull != nil {
			printPullSummary(result.Pull)
		}
		if err != nil {
			output.Error("sync failed: %v", err)
			return err
		}
		output.Success("Sync complete (%dms)", result.DurationMs)
		return nil
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push queued local changes to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := eng.Push(ctx)
		if errors.Is(err, engine.ErrSyncInProgress) {
			output.Warning("a sync cycle is already running")
			return nil
		}
		if err != nil {
			output.Error("push failed: %v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(summary)
		}
		printPushSummary(summary)
		return nil
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull remote changes from the server",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := eng.Pull(ctx)
		if errors.Is(err, engine.ErrSyncInProgress) {
			output.Warning("a sync cycle is already running")
			return nil
		}
		if err != nil {
			output.Error("pull failed: %v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(summary)
		}
		printPullSummary(summary)
		return nil
	},
}

func printPushSummary(s *engine.PushSummary) {
	fmt.Printf("PUSH  %d total, %d succeeded, %d failed\n", s.Total, s.Succeeded, s.Failed)
	printConflicts(s.Conflicts)
}

func printPullSummary(s *engine.PullSummary) {
	fmt.Printf("PULL  %d total, %d applied, %d skipped\n", s.Total, s.Applied, s.Skipped)
	printConflicts(s.Conflicts)
}

func printConflicts(conflicts []engine.ConflictSummary) {
	for _, c := range conflicts {
		output.Warning("conflict %s/%s: %s won (%s)", c.EntityType, c.EntityID, c.Winner, c.Resolution)
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)

	syncCmd.Flags().Bool("json", false, "JSON output")
	syncPushCmd.Flags().Bool("json", false, "JSON output")
	syncPullCmd.Flags().Bool("json", false, "JSON output")
}
