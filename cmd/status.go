package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/clinsync/internal/output"
	"github.com/marcus/clinsync/internal/syncconfig"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show sync queue depth, last sync, and conflict backlog",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		qs, err := db.GetQueueStatus()
		if err != nil {
			output.Error("failed to read queue: %v", err)
			return err
		}
		lastSync, err := db.GetLastSyncAt()
		if err != nil {
			output.Error("failed to read sync state: %v", err)
			return err
		}
		unresolved, err := db.CountUnresolvedConflicts()
		if err != nil {
			output.Error("failed to count conflicts: %v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(map[string]interface{}{
				"queue":                qs,
				"last_sync_at":         lastSync,
				"unresolved_conflicts": unresolved,
			})
		}

		output.Title("Sync Status")
		if server := syncconfig.GetServerURL(); syncconfig.GetAPIKey() != "" {
			fmt.Printf("Server:    %s\n", server)
		} else {
			output.Warning("not linked to a server")
		}
		if lastSync != nil {
			fmt.Printf("Last sync: %s\n", output.FormatTimeAgo(*lastSync))
		} else {
			fmt.Println("Last sync: never")
		}
		fmt.Printf("Queue:     %d pending, %d processing, %d failed\n",
			qs.Pending, qs.Processing, qs.Failed)
		if qs.OldestPendingAt != nil {
			output.Subtle("oldest pending change from %s", output.FormatTimeAgo(*qs.OldestPendingAt))
		}
		if unresolved > 0 {
			output.Warning("%d unresolved conflicts ('clinsync conflicts list')", unresolved)
		}

		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			entries, err := db.HistoryTail(20)
			if err != nil {
				output.Error("failed to read history: %v", err)
				return err
			}
			if len(entries) > 0 {
				fmt.Println()
				output.Title("Recent Activity")
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{
						output.FormatTimeAgo(e.Timestamp),
						e.Direction,
						e.Operation,
						e.EntityType + "/" + e.EntityID,
						output.Truncate(e.Detail, 40),
					})
				}
				fmt.Print(output.Table([]string{"WHEN", "DIR", "OP", "ENTITY", "DETAIL"}, rows))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Bool("json", false, "JSON output")
	statusCmd.Flags().BoolP("verbose", "v", false, "Include recent sync activity")
}
