package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/clinsync/internal/models"
	"github.com/marcus/clinsync/internal/output"
)

var patientCmd = &cobra.Command{
	Use:     "patient",
	Short:   "Manage patient records",
	Long:    `Create, list, view, edit, and delete patient demographic records.`,
	Aliases: []string{"pt"},
	GroupID: "records",
}

var patientAddCmd = &cobra.Command{
	Use:   "add <family-name>",
	Short: "Create a patient record",
	Long: `Create a patient record. The record is written locally and queued
for sync.

Examples:
  clinsync patient add Rivera --given Ana --dob 1984-03-12 --mrn MRN-0042`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		p := &models.Patient{FamilyName: args[0]}
		p.GivenName, _ = cmd.Flags().GetString("given")
		p.BirthDate, _ = cmd.Flags().GetString("dob")
		p.MRN, _ = cmd.Flags().GetString("mrn")

		if err := db.CreatePatient(actorCtx(), p); err != nil {
			output.Error("failed to create patient: %v", err)
			return err
		}

		fmt.Printf("CREATED %s %s, %s\n", p.ID, p.FamilyName, p.GivenName)
		return nil
	},
}

var patientListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List patients",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		patients, err := db.ListPatients()
		if err != nil {
			output.Error("failed to list patients: %v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(patients)
		}
		if len(patients) == 0 {
			fmt.Println("No patients found")
			return nil
		}

		rows := make([][]string, 0, len(patients))
		for _, p := range patients {
			rows = append(rows, []string{
				p.ID,
				output.Truncate(p.FamilyName+", "+p.GivenName, 40),
				p.BirthDate,
				p.MRN,
				output.SyncState(p.SyncMeta.SyncState),
			})
		}
		fmt.Print(output.Table([]string{"ID", "NAME", "DOB", "MRN", "SYNC"}, rows))
		return nil
	},
}

var patientShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Display a patient record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		p, err := db.GetPatient(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(p)
		}

		output.Title(fmt.Sprintf("%s, %s", p.FamilyName, p.GivenName))
		fmt.Printf("ID:       %s\n", p.ID)
		fmt.Printf("DOB:      %s\n", p.BirthDate)
		fmt.Printf("MRN:      %s\n", p.MRN)
		fmt.Printf("Sync:     %s\n", output.SyncState(p.SyncMeta.SyncState))
		fmt.Printf("Modified: %s by %s\n",
			output.FormatTimeAgo(p.SyncMeta.LastModifiedUTC), p.SyncMeta.ModifiedByUserID)
		return nil
	},
}

var patientEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a patient record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		p, err := db.GetPatient(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if cmd.Flags().Changed("given") {
			p.GivenName, _ = cmd.Flags().GetString("given")
		}
		if cmd.Flags().Changed("family") {
			p.FamilyName, _ = cmd.Flags().GetString("family")
		}
		if cmd.Flags().Changed("dob") {
			p.BirthDate, _ = cmd.Flags().GetString("dob")
		}
		if cmd.Flags().Changed("mrn") {
			p.MRN, _ = cmd.Flags().GetString("mrn")
		}

		if err := db.UpdatePatient(actorCtx(), p); err != nil {
			output.Error("failed to update patient: %v", err)
			return err
		}

		fmt.Printf("UPDATED %s\n", p.ID)
		return nil
	},
}

var patientDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a patient record (soft-delete)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		if err := db.DeletePatient(actorCtx(), args[0]); err != nil {
			output.Error("%v", err)
			return err
		}

		fmt.Printf("DELETED %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(patientCmd)
	patientCmd.AddCommand(patientAddCmd)
	patientCmd.AddCommand(patientListCmd)
	patientCmd.AddCommand(patientShowCmd)
	patientCmd.AddCommand(patientEditCmd)
	patientCmd.AddCommand(patientDeleteCmd)

	patientAddCmd.Flags().String("given", "", "Given name")
	patientAddCmd.Flags().String("dob", "", "Birth date (YYYY-MM-DD)")
	patientAddCmd.Flags().String("mrn", "", "Medical record number")

	patientListCmd.Flags().Bool("json", false, "JSON output")
	patientShowCmd.Flags().Bool("json", false, "JSON output")

	patientEditCmd.Flags().String("given", "", "New given name")
	patientEditCmd.Flags().String("family", "", "New family name")
	patientEditCmd.Flags().String("dob", "", "New birth date")
	patientEditCmd.Flags().String("mrn", "", "New medical record number")
}
