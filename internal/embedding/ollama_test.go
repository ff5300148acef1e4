package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaServer(t *testing.T, handler http.HandlerFunc) *OllamaEngine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	e, err := NewOllamaEngine(srv.URL, "embeddinggemma")
	require.NoError(t, err)
	return e
}

func TestOllamaEmbedRoundTrip(t *testing.T) {
	var gotPrompt, gotModel string
	e := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		var call struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		gotModel, gotPrompt = call.Model, call.Prompt
		json.NewEncoder(w).Encode(map[string]interface{}{
			"embedding": []float32{0.1, 0.2, 0.3},
		})
	})

	vec, err := e.Embed(context.Background(), "retry flaky deploys once")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "embeddinggemma", gotModel)
	assert.Equal(t, "retry flaky deploys once", gotPrompt)
	assert.Equal(t, "ollama:embeddinggemma", e.Name())
}

func TestOllamaEmbedRejectsServerErrors(t *testing.T) {
	e := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	_, err := e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	empty := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{}})
	})
	_, err = empty.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty vector")
}

func TestOllamaHealthCheck(t *testing.T) {
	healthy := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	assert.NoError(t, healthy.HealthCheck(context.Background()))

	down, err := NewOllamaEngine("http://127.0.0.1:1", "")
	require.NoError(t, err)
	assert.Error(t, down.HealthCheck(context.Background()))
}
