package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/clinsync/internal/output"
	"github.com/marcus/clinsync/internal/remote"
	"github.com/marcus/clinsync/internal/syncconfig"
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Link this device to a record server",
	Long: `Store the record server URL and API key for this device.

The API key is issued by the server operator (clinsync-server key generate).
Credentials are stored at ~/.config/clinsync/auth.json with 0600 perms.

Examples:
  clinsync link --server https://records.clinic.example --key cls_... --user dr-lee`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		apiKey, _ := cmd.Flags().GetString("key")
		userID, _ := cmd.Flags().GetString("user")
		email, _ := cmd.Flags().GetString("email")

		if apiKey == "" {
			return fmt.Errorf("--key is required")
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		if server == "" {
			server = syncconfig.GetServerURL()
		}

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		// Verify the credentials before persisting them.
		client := remote.New(server, apiKey, deviceID)
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if _, err := client.HealthCheck(ctx); err != nil {
			output.Error("server unreachable: %v", err)
			return err
		}

		creds := &syncconfig.AuthCredentials{
			APIKey:    apiKey,
			UserID:    userID,
			Email:     email,
			ServerURL: server,
			DeviceID:  deviceID,
		}
		if err := syncconfig.SaveAuth(creds); err != nil {
			output.Error("failed to save credentials: %v", err)
			return err
		}

		output.Success("Linked to %s as %s (device %s)", server, userID, deviceID)
		return nil
	},
}

var unlinkCmd = &cobra.Command{
	Use:     "unlink",
	Short:   "Remove stored server credentials",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearAuth(); err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Println("UNLINKED")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(unlinkCmd)

	linkCmd.Flags().String("server", "", "Record server URL (default from config or http://localhost:8686)")
	linkCmd.Flags().String("key", "", "API key issued by the server")
	linkCmd.Flags().String("user", "", "Acting user ID for modification stamps")
	linkCmd.Flags().String("email", "", "User email (informational)")
}
