package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	backupAdminKey  string
	backupKeepCount int
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage database snapshots",
	Long: `Creates and restores online snapshots of the SQLite database.
Every operation requires the admin key from the backup config section.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a snapshot and prune old ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			info, err := app.Backup.Create(backupAdminKey)
			if err != nil {
				return err
			}
			fmt.Printf("Created %s (%d bytes)\n", info.Filename, info.SizeBytes)
			return nil
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			infos, err := app.Backup.List(backupAdminKey)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No backups")
				return nil
			}
			loc, err := time.LoadLocation(cfg.Timestamps.DisplayTimezone)
			if err != nil {
				loc = time.UTC
			}
			for _, info := range infos {
				fmt.Printf("%s  %10d bytes  %s\n",
					info.Filename, info.SizeBytes,
					info.CreatedAt.In(loc).Format("2006-01-02 15:04:05 MST"))
			}
			return nil
		})
	},
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete snapshots beyond the keep count",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			removed, err := app.Backup.Cleanup(backupAdminKey, backupKeepCount)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d snapshots\n", removed)
			return nil
		})
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore [filename]",
	Short: "Replace the live database with a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			if err := app.Backup.Restore(backupAdminKey, args[0]); err != nil {
				return err
			}
			fmt.Printf("Restored %s\n", args[0])
			return nil
		})
	},
}

func init() {
	backupCmd.PersistentFlags().StringVar(&backupAdminKey, "admin-key", "",
		"admin key authorizing backup operations")
	backupCleanupCmd.Flags().IntVar(&backupKeepCount, "keep", 0,
		"snapshots to keep (default from config)")

	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupCleanupCmd)
	backupCmd.AddCommand(backupRestoreCmd)
}

// withApp runs fn against a freshly wired application context.
func withApp(fn func(*App) error) error {
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}
