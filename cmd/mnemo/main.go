package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"mnemo/internal/config"
	"mnemo/internal/logging"
)

var (
	// Global flags
	configPath string
	dbPath     string
	debugMode  bool

	// Loaded once in PersistentPreRunE, shared by every subcommand.
	cfg       *config.Config
	workspace string
)

var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "mnemo - persistent memory service for autonomous agents",
	Long: `mnemo stores guidelines, tools, knowledge, and experiences for
autonomous agents, scoped to organizations, projects, and sessions.

Artifacts are versioned, searchable by text and by vector similarity,
and gated by agent permissions. The serve command runs the background
services; the remaining commands are operational one-shots.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ws, err := config.FindWorkspaceRoot()
		if err != nil {
			return fmt.Errorf("failed to locate workspace: %w", err)
		}
		workspace = ws

		path := configPath
		if path == "" {
			path = filepath.Join(workspace, ".mnemo", "config.yaml")
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dbPath != "" {
			cfg.Storage.DatabasePath = dbPath
		}
		if !filepath.IsAbs(cfg.Storage.DatabasePath) {
			cfg.Storage.DatabasePath = filepath.Join(workspace, cfg.Storage.DatabasePath)
		}
		if debugMode {
			cfg.Logging.DebugMode = true
		}

		return logging.Initialize(workspace, logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default <workspace>/.mnemo/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "",
		"SQLite database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&debugMode, "debug", "d", false,
		"enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reembedCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(purgeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
