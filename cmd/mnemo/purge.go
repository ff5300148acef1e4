package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	purgeOlderThanDays int
	purgeMaxAccess     int64
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete cold deactivated artifacts",
	Long: `Permanently removes deactivated artifacts that have not been updated
within the window and were rarely read. Versions, tags, search rows,
and embeddings go with them.`,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().IntVar(&purgeOlderThanDays, "older-than-days", 90,
		"only purge entries untouched for this many days")
	purgeCmd.Flags().Int64Var(&purgeMaxAccess, "max-access", 0,
		"only purge entries read at most this many times")
}

func runPurge(cmd *cobra.Command, args []string) error {
	if purgeOlderThanDays <= 0 {
		return fmt.Errorf("older-than-days must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -purgeOlderThanDays)

	return withApp(func(app *App) error {
		purged, err := app.Maintenance.PurgeInactive(cutoff, purgeMaxAccess)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d entries\n", purged)
		return nil
	})
}
