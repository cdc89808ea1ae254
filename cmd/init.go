package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcus/clinsync/internal/output"
	"github.com/marcus/clinsync/internal/store"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize the local record store",
	Long:    `Creates the local .clinsync directory and SQLite database.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()

		if _, err := os.Stat(filepath.Join(baseDir, ".clinsync")); err == nil {
			output.Warning(".clinsync/ already exists")
			return nil
		}

		db, err := store.Initialize(baseDir)
		if err != nil {
			output.Error("failed to initialize database: %v", err)
			return err
		}
		defer db.Close()

		fmt.Println("INITIALIZED .clinsync/")
		output.Subtle("Next: 'clinsync link' to connect this device to a record server")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
