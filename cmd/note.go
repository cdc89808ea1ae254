package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/clinsync/internal/models"
	"github.com/marcus/clinsync/internal/output"
	"github.com/marcus/clinsync/internal/store"
)

var noteCmd = &cobra.Command{
	Use:     "note",
	Short:   "Manage clinical notes",
	Long:    `Create, list, view, edit, sign, and delete clinical notes. A signed note is immutable forever.`,
	GroupID: "records",
}

var noteAddCmd = &cobra.Command{
	Use:   "add <patient-id>",
	Short: "Create a clinical note",
	Long: `Create a clinical note for a patient.

Examples:
  clinsync note add pt-123 --type progress --content "Seen today for..."
  clinsync note add pt-123 --type intake            # opens editor for content`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, _ := cmd.Flags().GetString("content")
		if !cmd.Flags().Changed("content") {
			edited, err := openEditorForContent("")
			if err != nil {
				output.Error("editor failed: %v", err)
				return err
			}
			content = edited
		}

		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		n := &models.ClinicalNote{PatientID: args[0], Content: content}
		n.NoteType, _ = cmd.Flags().GetString("type")

		if err := db.CreateClinicalNote(actorCtx(), n); err != nil {
			output.Error("failed to create note: %v", err)
			return err
		}

		fmt.Printf("CREATED %s (%s)\n", n.ID, n.NoteType)
		return nil
	},
}

var noteListCmd = &cobra.Command{
	Use:     "list [patient-id]",
	Short:   "List clinical notes",
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
		notes, err := db.ListClinicalNotes(patientID)
		if err != nil {
			output.Error("failed to list notes: %v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(notes)
		}
		if len(notes) == 0 {
			fmt.Println("No notes found")
			return nil
		}

		rows := make([][]string, 0, len(notes))
		for _, n := range notes {
			signed := ""
			if n.SignatureHash != "" {
				signed = "signed"
			}
			rows = append(rows, []string{
				n.ID,
				n.PatientID,
				n.NoteType,
				signed,
				output.FormatTimeAgo(n.SyncMeta.LastModifiedUTC),
				output.SyncState(n.SyncMeta.SyncState),
			})
		}
		fmt.Print(output.Table([]string{"ID", "PATIENT", "TYPE", "SIGNED", "MODIFIED", "SYNC"}, rows))
		return nil
	},
}

var noteShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Display a clinical note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		n, err := db.GetClinicalNote(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(n)
		}

		output.Title(fmt.Sprintf("%s (%s)", n.ID, n.NoteType))
		fmt.Printf("Patient:  %s\n", n.PatientID)
		fmt.Printf("Author:   %s\n", n.AuthorUserID)
		if n.SignatureHash != "" {
			fmt.Printf("Signed:   %s by %s\n", output.FormatTimeAgo(*n.SignedAt), n.SignedByUserID)
			fmt.Printf("Hash:     %s\n", n.SignatureHash)
		}
		fmt.Printf("Sync:     %s\n", output.SyncState(n.SyncMeta.SyncState))
		fmt.Printf("Modified: %s by %s\n",
			output.FormatTimeAgo(n.SyncMeta.LastModifiedUTC), n.SyncMeta.ModifiedByUserID)
		if n.Content != "" {
			fmt.Printf("\n%s\n", n.Content)
		}
		return nil
	},
}

var noteEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit an unsigned clinical note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		n, err := db.GetClinicalNote(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if n.SignatureHash != "" {
			output.Error("note is signed and immutable")
			return store.ErrImmutable
		}

		if cmd.Flags().Changed("type") {
			n.NoteType, _ = cmd.Flags().GetString("type")
		}
		if cmd.Flags().Changed("content") {
			n.Content, _ = cmd.Flags().GetString("content")
		} else if !cmd.Flags().Changed("type") {
			edited, err := openEditorForContent(n.Content)
			if err != nil {
				output.Error("editor failed: %v", err)
				return err
			}
			n.Content = edited
		}

		if err := db.UpdateClinicalNote(actorCtx(), n); err != nil {
			if errors.Is(err, store.ErrImmutable) {
				output.Error("note is signed and immutable")
			} else {
				output.Error("failed to update note: %v", err)
			}
			return err
		}

		fmt.Printf("UPDATED %s\n", n.ID)
		return nil
	},
}

var noteSignCmd = &cobra.Command{
	Use:   "sign <id>",
	Short: "Sign a note, making it permanently immutable",
	Long: `Sign a clinical note. The signature hash is the SHA-256 of the note
content at signing time. A signed note can never be edited or deleted, and
wins every sync conflict.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		n, err := db.GetClinicalNote(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		sum := sha256.Sum256([]byte(n.Content))
		hash := "sha256:" + hex.EncodeToString(sum[:])

		if err := db.SignNote(actorCtx(), n.ID, hash); err != nil {
			if errors.Is(err, store.ErrImmutable) {
				output.Error("note is already signed")
			} else {
				output.Error("failed to sign note: %v", err)
			}
			return err
		}

		output.Success("SIGNED %s", n.ID)
		output.Subtle("hash %s", hash)
		return nil
	},
}

var noteDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an unsigned note (soft-delete)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer db.Close()

		if err := db.DeleteClinicalNote(actorCtx(), args[0]); err != nil {
			if errors.Is(err, store.ErrImmutable) {
				output.Error("note is signed and cannot be deleted")
			} else {
				output.Error("%v", err)
			}
			return err
		}

		fmt.Printf("DELETED %s\n", args[0])
		return nil
	},
}

// openEditorForContent opens the user's default editor with the given initial
// content and returns the edited result. Uses $EDITOR or falls back to "vi".
func openEditorForContent(initial string) (string, error) {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}

	tmpFile, err := os.CreateTemp("", "clinsync-note-*.md")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if initial != "" {
		if _, err := tmpFile.WriteString(initial); err != nil {
			tmpFile.Close()
			return "", fmt.Errorf("write temp file: %w", err)
		}
	}
	tmpFile.Close()

	// Split editor command in case it includes args (e.g. "code --wait")
	parts := strings.Fields(editor)
	cmdArgs := append(parts[1:], tmpFile.Name())
	editorCmd := exec.Command(parts[0], cmdArgs...)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr

	if err := editorCmd.Run(); err != nil {
		return "", fmt.Errorf("editor exited with error: %w", err)
	}

	data, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return "", fmt.Errorf("read edited file: %w", err)
	}

	return strings.TrimRight(string(data), "\n"), nil
}

func init() {
	rootCmd.AddCommand(noteCmd)
	noteCmd.AddCommand(noteAddCmd)
	noteCmd.AddCommand(noteListCmd)
	noteCmd.AddCommand(noteShowCmd)
	noteCmd.AddCommand(noteEditCmd)
	noteCmd.AddCommand(noteSignCmd)
	noteCmd.AddCommand(noteDeleteCmd)

	noteAddCmd.Flags().StringP("type", "t", "progress", "Note type")
	noteAddCmd.Flags().StringP("content", "c", "", "Note content (opens editor if omitted)")

	noteListCmd.Flags().Bool("json", false, "JSON output")
	noteShowCmd.Flags().Bool("json", false, "JSON output")

	noteEditCmd.Flags().StringP("type", "t", "", "New note type")
	noteEditCmd.Flags().StringP("content", "c", "", "New content")
}
