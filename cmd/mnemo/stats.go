package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mnemo/internal/types"
)

var (
	statsScopeType string
	statsScopeID   string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print database row counts and usage statistics",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsScopeType, "scope-type", "",
		"restrict usage stats to one scope (org, project, session, global)")
	statsCmd.Flags().StringVar(&statsScopeID, "scope-id", "",
		"scope identifier, required unless scope-type is global")
}

func runStats(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	rows, err := app.Adapter.GetStats()
	if err != nil {
		return fmt.Errorf("failed to read table counts: %w", err)
	}

	scope, err := statsScope()
	if err != nil {
		return err
	}
	usage, err := app.Analytics.Usage(scope)
	if err != nil {
		return fmt.Errorf("failed to compute usage: %w", err)
	}

	out := struct {
		Database string           `json:"database"`
		Tables   map[string]int64 `json:"tables"`
		Usage    interface{}      `json:"usage"`
	}{
		Database: app.Adapter.Path(),
		Tables:   rows,
		Usage:    usage,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func statsScope() (*types.ScopeRef, error) {
	if statsScopeType == "" {
		return nil, nil
	}
	return scopeFromFlags(statsScopeType, statsScopeID)
}
