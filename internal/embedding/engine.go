// Package embedding generates vector embeddings for stored artifacts and runs
// the asynchronous queue that keeps them current. Two backends are supported:
// Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"

	"mnemo/internal/config"
	"mnemo/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name returns the engine name, e.g. "ollama:embeddinggemma".
	Name() string
}

// HealthChecker is an optional interface for engines that can report
// availability. The queue parks jobs instead of failing them while an engine
// that implements this reports unhealthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewEngine creates an embedding engine from the configuration snapshot.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	var engine Engine
	var err error

	switch cfg.Provider {
	case "ollama":
		logging.Embedding("Initializing Ollama engine: endpoint=%s, model=%s", cfg.OllamaEndpoint, cfg.OllamaModel)
		engine, err = NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		logging.Embedding("Initializing GenAI engine: model=%s, task_type=%s", cfg.GenAIModel, cfg.TaskType)
		engine, err = NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine ready: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}
