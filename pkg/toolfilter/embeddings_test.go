package toolfilter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIBackendEmbed(t *testing.T) {
	var gotModel string
	var gotInputs []any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel, _ = body["model"].(string)
		gotInputs, _ = body["input"].([]any)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  gotModel,
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float64{0.1, 0.2}},
				{"object": "embedding", "index": 1, "embedding": []float64{0.3, 0.4}},
			},
			"usage": map[string]any{"prompt_tokens": 4, "total_tokens": 4},
		})
	}))
	defer srv.Close()

	backend := NewOpenAIBackend(srv.URL, "test-key", "test-model")
	vectors, err := backend.Embed(context.Background(), []string{"get_forecast weather", "read_file disk"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.InDelta(t, 0.1, vectors[0][0], 1e-6)
	assert.InDelta(t, 0.4, vectors[1][1], 1e-6)
	assert.Equal(t, "test-model", gotModel)
	assert.Len(t, gotInputs, 2)
}

func TestOpenAIBackendMismatchedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"object": "embedding", "index": 0, "embedding": []float64{0.1}}},
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer srv.Close()

	backend := NewOpenAIBackend(srv.URL, "test-key", "")
	_, err := backend.Embed(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func TestEmbedNoInputs(t *testing.T) {
	backend := NewOpenAIBackend("http://localhost:0", "key", "")
	vectors, err := backend.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}
