package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/clinsync/internal/crypto"
	"github.com/marcus/clinsync/internal/store"
	"github.com/marcus/clinsync/internal/syncconfig"
)

var (
	version string
	baseDir string
)

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "clinsync",
	Short: "Offline-first clinical record sync CLI",
	Long: `clinsync - An offline-first clinical record store with background
synchronization.

Records are always written locally first; the sync engine pushes queued
changes to the record server and pulls remote changes when connectivity
allows. Signed notes and locked forms are immutable and win every conflict.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initBaseDir)

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Record Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")
}

func initBaseDir() {
	if dir := os.Getenv("CLINSYNC_DATA_DIR"); dir != "" {
		baseDir = dir
		return
	}
	var err error
	baseDir, err = os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
		os.Exit(1)
	}
}

// getBaseDir returns the base directory holding .clinsync/
func getBaseDir() string {
	return baseDir
}

// openDB opens the local database and wires the archive cipher when
// archive encryption is configured.
func openDB() (*store.DB, error) {
	db, err := store.Open(getBaseDir())
	if err != nil {
		return nil, err
	}
	if err := applyArchiveCipher(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// applyArchiveCipher derives the conflict-archive encryption key from
// CLINSYNC_ARCHIVE_KEY and the persisted salt. No-op unless archive
// encryption is turned on in config.json.
func applyArchiveCipher(db *store.DB) error {
	cfg, err := syncconfig.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Archive.Encrypt {
		return nil
	}

	passphrase := os.Getenv("CLINSYNC_ARCHIVE_KEY")
	if passphrase == "" {
		return fmt.Errorf("archive encryption is enabled but CLINSYNC_ARCHIVE_KEY is not set")
	}

	if cfg.Archive.Salt == "" {
		salt, err := crypto.GenerateSalt()
		if err != nil {
			return err
		}
		cfg.Archive.Salt = hex.EncodeToString(salt)
		if err := syncconfig.SaveConfig(cfg); err != nil {
			return fmt.Errorf("persist archive salt: %w", err)
		}
	}
	salt, err := hex.DecodeString(cfg.Archive.Salt)
	if err != nil {
		return fmt.Errorf("archive salt is not valid hex: %w", err)
	}

	cipher, err := crypto.NewCipher(crypto.DeriveKey(passphrase, salt))
	if err != nil {
		return fmt.Errorf("init archive cipher: %w", err)
	}
	db.SetArchiveCipher(cipher)
	return nil
}

// actorCtx returns a context carrying the linked user's identity so record
// writes get stamped with who made them.
func actorCtx() context.Context {
	return store.WithActor(context.Background(), syncconfig.GetUserID())
}
