package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultOllamaEndpoint = "http://localhost:11434"
	defaultOllamaModel    = "embeddinggemma"
	ollamaRequestTimeout  = 30 * time.Second
)

// OllamaEngine embeds artifact text through a local Ollama server. Memory
// writes never block on it; the queue absorbs provider latency and outages.
type OllamaEngine struct {
	base  string
	model string
	http  *http.Client
}

// NewOllamaEngine creates an engine against the given server and model.
// Empty arguments fall back to the local defaults.
func NewOllamaEngine(endpoint, model string) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaEngine{
		base:  endpoint,
		model: model,
		http:  &http.Client{Timeout: ollamaRequestTimeout},
	}, nil
}

type ollamaEmbedCall struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedReply struct {
	Embedding []float32 `json:"embedding"`
}

// Embed computes the vector for one text.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(ollamaEmbedCall{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("encode embed call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.base+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embed call: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed call to %s: %w", e.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed call: %s returned %d: %s",
			e.base, resp.StatusCode, snippet(resp.Body))
	}

	var reply ollamaEmbedReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode embed reply: %w", err)
	}
	if len(reply.Embedding) == 0 {
		return nil, fmt.Errorf("embed call: %s returned an empty vector for model %s", e.base, e.model)
	}
	return reply.Embedding, nil
}

// EmbedBatch embeds texts one by one; the embeddings endpoint takes a single
// prompt per call. Concurrency lives in the queue, not here.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// HealthCheck probes the tags endpoint, the cheapest call the server answers.
func (e *OllamaEngine) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("embedding server %s unreachable: %w", e.base, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding server %s health probe returned %d", e.base, resp.StatusCode)
	}
	return nil
}

// Dimensions reports the vector width the vec0 tables are created with.
// embeddinggemma emits 768 floats.
func (e *OllamaEngine) Dimensions() int {
	return 768
}

func (e *OllamaEngine) Name() string {
	return fmt.Sprintf("ollama:%s", e.model)
}

// snippet reads at most a few hundred bytes of an error body for messages.
func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 300))
	return string(b)
}
