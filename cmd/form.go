package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/clinsync/internal/models"
	"github.com/marcus/clinsync/internal/output"
	"github.com/marcus/clinsync/internal/store"
)

var formCmd = &cobra.Command{
	Use:     "form",
	Short:   "Manage intake forms",
	Long:    `Create, list, view, edit, and lock intake forms. A locked form rejects content changes.`,
	GroupID: "records",
}

var formAddCmd = &cobra.Command{
	Use:   "add <patient-id>",
	Short: "Create an intake form",
	Long: `Create an intake form with JSON responses.

Examples:
  clinsync form add pt-123 --type phq9 --responses '{"q1":2,"q2":1}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		responses, _ := cmd.Flags().GetString("responses")
		if !json.Valid([]byte(responses)) {
			return fmt.Errorf("--responses must be valid JSON")
		}

		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		f := &models.IntakeForm{
			PatientID: args[0],
			Responses: json.RawMessage(responses),
		}
		f.FormType, _ = cmd.Flags().GetString("type")

		if err := db.CreateIntakeForm(actorCtx(), f); err != nil {
			output.Error("failed to create form: %v", err)
			return err
		}

		fmt.Printf("CREATED %s (%s)\n", f.ID, f.FormType)
		return nil
	},
}

var formListCmd = &cobra.Command{
	Use:     "list [patient-id]",
	Short:   "List intake forms",
	Aliases: []string{"ls"},
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		patientID := ""
		if len(args) == 1 {
			patientID = args[0]
		}
		forms, err := db.ListIntakeForms(patientID)
		if err != nil {
			output.Error("failed to list forms: %v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(forms)
		}
		if len(forms) == 0 {
			fmt.Println("No forms found")
			return nil
		}

		rows := make([][]string, 0, len(forms))
		for _, f := range forms {
			locked := ""
			if f.Locked {
				locked = "locked"
			}
			rows = append(rows, []string{
				f.ID,
				f.PatientID,
				f.FormType,
				locked,
				output.FormatTimeAgo(f.SyncMeta.LastModifiedUTC),
				output.SyncState(f.SyncMeta.SyncState),
			})
		}
		fmt.Print(output.Table([]string{"ID", "PATIENT", "TYPE", "LOCKED", "MODIFIED", "SYNC"}, rows))
		return nil
	},
}

var formShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Display an intake form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		f, err := db.GetIntakeForm(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(f)
		}

		output.Title(fmt.Sprintf("%s (%s)", f.ID, f.FormType))
		fmt.Printf("Patient:  %s\n", f.PatientID)
		if f.Locked && f.LockedAt != nil {
			fmt.Printf("Locked:   %s\n", output.FormatTimeAgo(*f.LockedAt))
		}
		fmt.Printf("Sync:     %s\n", output.SyncState(f.SyncMeta.SyncState))
		fmt.Printf("Modified: %s by %s\n",
			output.FormatTimeAgo(f.SyncMeta.LastModifiedUTC), f.SyncMeta.ModifiedByUserID)

		var pretty interface{}
		if err := json.Unmarshal(f.Responses, &pretty); err == nil {
			data, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Printf("\n%s\n", data)
		}
		return nil
	},
}

var formEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit an unlocked intake form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		responses, _ := cmd.Flags().GetString("responses")
		if responses == "" {
			return fmt.Errorf("--responses is required")
		}
		if !json.Valid([]byte(responses)) {
			return fmt.Errorf("--responses must be valid JSON")
		}

		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		f, err := db.GetIntakeForm(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		f.Responses = json.RawMessage(responses)
		if cmd.Flags().Changed("type") {
			f.FormType, _ = cmd.Flags().GetString("type")
		}

		if err := db.UpdateIntakeForm(actorCtx(), f); err != nil {
			if errors.Is(err, store.ErrLocked) {
				output.Error("form is locked")
			} else {
				output.Error("failed to update form: %v", err)
			}
			return err
		}

		fmt.Printf("UPDATED %s\n", f.ID)
		return nil
	},
}

var formLockCmd = &cobra.Command{
	Use:   "lock <id>",
	Short: "Lock a form against further content changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		if err := db.LockForm(actorCtx(), args[0]); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("LOCKED %s", args[0])
		return nil
	},
}

var formDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an unlocked form (soft-delete)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		if err := db.DeleteIntakeForm(actorCtx(), args[0]); err != nil {
			if errors.Is(err, store.ErrLocked) {
				output.Error("form is locked and cannot be deleted")
			} else {
				output.Error("%v", err)
			}
			return err
		}

		fmt.Printf("DELETED %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(formCmd)
	formCmd.AddCommand(formAddCmd)
	formCmd.AddCommand(formListCmd)
	formCmd.AddCommand(formShowCmd)
	formCmd.AddCommand(formEditCmd)
	formCmd.AddCommand(formLockCmd)
	formCmd.AddCommand(formDeleteCmd)

	formAddCmd.Flags().StringP("type", "t", "intake", "Form type")
	formAddCmd.Flags().StringP("responses", "r", "{}", "Responses as JSON")

	formListCmd.Flags().Bool("json", false, "JSON output")
	formShowCmd.Flags().Bool("json", false, "JSON output")

	formEditCmd.Flags().StringP("type", "t", "", "New form type")
	formEditCmd.Flags().StringP("responses", "r", "", "New responses as JSON")
}
