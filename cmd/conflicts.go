package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/clinsync/internal/output"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "Inspect the conflict archive",
	Long:    `List, view, and acknowledge archived sync conflicts. Every conflict keeps both competing versions verbatim.`,
	GroupID: "sync",
}

var conflictsListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List archived conflicts",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")
		conflicts, err := db.ListConflicts(!all, limit)
		if err != nil {
			output.Error("failed to list conflicts: %v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(conflicts)
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts")
			return nil
		}

		rows := make([][]string, 0, len(conflicts))
		for _, c := range conflicts {
			resolved := ""
			if c.Resolved {
				resolved = "reviewed"
			}
			rows = append(rows, []string{
				strconv.FormatInt(c.ID, 10),
				c.EntityType + "/" + c.EntityID,
				string(c.Resolution),
				output.FormatTimeAgo(c.DetectedAt),
				resolved,
			})
		}
		fmt.Print(output.Table([]string{"ID", "ENTITY", "RESOLUTION", "DETECTED", "REVIEWED"}, rows))
		return nil
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Display both versions of an archived conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("conflict id must be a number")
		}

		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		c, err := db.GetConflict(id)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(c)
		}

		output.Title(fmt.Sprintf("Conflict #%d  %s/%s", c.ID, c.EntityType, c.EntityID))
		fmt.Printf("Resolution: %s\n", c.Resolution)
		if c.Reason != "" {
			fmt.Printf("Reason:     %s\n", c.Reason)
		}
		fmt.Printf("Detected:   %s\n", output.FormatTimeAgo(c.DetectedAt))
		fmt.Printf("Reviewed:   %v\n", c.Resolved)

		fmt.Println()
		output.Title("Winning version")
		printPayload(c.WinningData)
		fmt.Println()
		output.Title("Losing version")
		printPayload(c.LosingData)
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a conflict as reviewed",
	Long: `Mark an archived conflict as reviewed. The archive entry and both
versions are kept; this only clears the conflict from the unresolved list.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("conflict id must be a number")
		}

		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		c, err := db.GetConflict(id)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			var confirmed bool
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Mark conflict #%d (%s/%s) as reviewed?", c.ID, c.EntityType, c.EntityID)).
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}

		if err := db.MarkConflictResolved(id); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("RESOLVED #%d", id)
		return nil
	},
}

func printPayload(data json.RawMessage) {
	if len(data) == 0 {
		output.Subtle("(record did not exist)")
		return
	}
	var pretty interface{}
	if err := json.Unmarshal(data, &pretty); err != nil {
		fmt.Println(string(data))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)

	conflictsListCmd.Flags().BoolP("all", "a", false, "Include reviewed conflicts")
	conflictsListCmd.Flags().IntP("limit", "n", 50, "Max results")
	conflictsListCmd.Flags().Bool("json", false, "JSON output")

	conflictsShowCmd.Flags().Bool("json", false, "JSON output")

	conflictsResolveCmd.Flags().BoolP("yes", "y", false, "Skip confirmation")
}
