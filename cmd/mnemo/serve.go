package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mnemo/internal/embedding"
	"mnemo/internal/logging"
	"mnemo/internal/store"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory service background workers",
	Long: `Starts the embedding queue, the invalidation consumer, and the
Prometheus metrics endpoint, then blocks until SIGINT or SIGTERM.

The embedding engine is optional: when no provider is reachable the
service still runs, and artifacts written in the meantime are embedded
once a later serve run picks them up off the invalidation bus.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9464",
		"listen address for the Prometheus /metrics endpoint")
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	boot := logging.Get(logging.CategoryBoot)
	boot.Info("Serving with tools: %v", app.Registry.Tools())

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		boot.Warn("Embedding engine unavailable, vector search disabled: %v", err)
	} else {
		vectors := store.NewVectorStore(app.Adapter)
		queue := embedding.NewQueue(engine, vectors, embedding.QueueOptions{
			MaxConcurrency: cfg.Embedding.MaxConcurrency,
			MaxAttempts:    cfg.Embedding.MaxAttempts,
			RetryBaseDelay: cfg.GetRetryBaseDelay(),
			Metrics:        app.Metrics,
		})
		queue.Start()
		defer queue.Stop()
		cancelInvalidations := queue.ConsumeInvalidations(app.Adapter.Bus())
		defer cancelInvalidations()

		if cfg.Embedding.ReembedOnStartup {
			reembed := store.NewReembedService(vectors, engine, store.ReembedOptions{
				BatchSize:  cfg.Embedding.ReembedBatchSize,
				BatchDelay: time.Duration(cfg.Embedding.ReembedBatchDelayMs) * time.Millisecond,
			})
			go func() {
				if _, err := reembed.TriggerIfNeeded(ctx); err != nil {
					logging.Get(logging.CategoryEmbedding).Warn("Startup re-embed failed: %v", err)
				}
			}()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := app.Adapter.GetStats(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: metricsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	boot.Info("Metrics listening on %s", metricsAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		boot.Warn("Metrics server shutdown: %v", err)
	}
	boot.Info("Shutting down")
	return nil
}
