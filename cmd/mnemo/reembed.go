package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mnemo/internal/embedding"
	"mnemo/internal/store"
)

var reembedCheckOnly bool

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Recompute embeddings after an embedding model change",
	Long: `Compares stored embedding dimensions against the active engine and
re-embeds every stale vector. A no-op when nothing drifted.`,
	RunE: runReembed,
}

func init() {
	reembedCmd.Flags().BoolVar(&reembedCheckOnly, "check", false,
		"report drift without re-embedding")
}

func runReembed(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to create embedding engine: %w", err)
	}

	vectors := store.NewVectorStore(app.Adapter)
	svc := store.NewReembedService(vectors, engine, store.ReembedOptions{
		BatchSize:  cfg.Embedding.ReembedBatchSize,
		BatchDelay: time.Duration(cfg.Embedding.ReembedBatchDelayMs) * time.Millisecond,
	})

	needed, stale, err := svc.NeedsReembed()
	if err != nil {
		return fmt.Errorf("failed to check dimension drift: %w", err)
	}
	if !needed {
		fmt.Printf("No dimension drift (engine %s, %d dims)\n", engine.Name(), engine.Dimensions())
		return nil
	}
	fmt.Printf("%d stale embeddings (engine %s, %d dims)\n", stale, engine.Name(), engine.Dimensions())
	if reembedCheckOnly {
		return nil
	}

	if err := svc.Run(cmd.Context(), int(stale)); err != nil {
		return fmt.Errorf("re-embed failed: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(svc.Progress())
}
