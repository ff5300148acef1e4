package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mnemo/internal/export"
	"mnemo/internal/types"
)

var (
	exportKind      string
	exportScopeType string
	exportScopeID   string
	exportFormat    string
	exportOut       string

	importFormat    string
	importScopeType string
	importScopeID   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export artifacts of one kind and scope to a file",
	Long: `Writes every active artifact of the given kind at the given scope in
json, yaml, markdown, or openapi format. The openapi format renders
tools only.`,
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import previously exported artifacts",
	Long: `Reads an export file and reconciles it against the database. Records
matching an existing entry are updated in place; unknown records are
created. Re-importing an unchanged export is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	exportCmd.Flags().StringVar(&exportKind, "kind", "",
		"artifact kind (guideline, tool, knowledge, experience)")
	exportCmd.Flags().StringVar(&exportScopeType, "scope-type", "", "scope type")
	exportCmd.Flags().StringVar(&exportScopeID, "scope-id", "", "scope identifier")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json",
		"output format (json, yaml, markdown, openapi)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	_ = exportCmd.MarkFlagRequired("kind")
	_ = exportCmd.MarkFlagRequired("scope-type")

	importCmd.Flags().StringVar(&importFormat, "format", "json",
		"input format (json, yaml, markdown)")
	importCmd.Flags().StringVar(&importScopeType, "scope-type", "",
		"remap every record into this scope")
	importCmd.Flags().StringVar(&importScopeID, "scope-id", "", "remap scope identifier")
}

func runExport(cmd *cobra.Command, args []string) error {
	kind := types.EntryType(exportKind)
	if !types.ValidEntryType(kind) {
		return fmt.Errorf("invalid kind %q", exportKind)
	}
	scope, err := scopeFromFlags(exportScopeType, exportScopeID)
	if err != nil {
		return err
	}

	return withApp(func(app *App) error {
		data, err := app.Exporter.Export(kind, *scope, export.Format(exportFormat))
		if err != nil {
			return err
		}
		if exportOut == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(exportOut, data, 0644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Wrote %s (%d bytes)\n", exportOut, len(data))
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	var opts export.ImportOptions
	if importScopeType != "" {
		scope, err := scopeFromFlags(importScopeType, importScopeID)
		if err != nil {
			return err
		}
		opts.Scope = scope
	}

	return withApp(func(app *App) error {
		result, err := app.Exporter.Import(data, export.Format(importFormat), opts)
		if err != nil {
			return err
		}
		fmt.Printf("Created %d, updated %d, skipped %d\n",
			result.Created, result.Updated, result.Skipped)
		return nil
	})
}

func scopeFromFlags(scopeType, scopeID string) (*types.ScopeRef, error) {
	st := types.ScopeType(scopeType)
	if !types.ValidScope(st) {
		return nil, fmt.Errorf("invalid scope-type %q", scopeType)
	}
	if st != types.ScopeGlobal && scopeID == "" {
		return nil, fmt.Errorf("scope-id is required for scope-type %q", scopeType)
	}
	return &types.ScopeRef{Type: st, ID: scopeID}, nil
}
