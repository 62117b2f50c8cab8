package toolfilter

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Backend produces one dense vector per input string. The index treats
// it as a black box; a nil backend puts the filter in degraded mode.
type Backend interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// OpenAIBackend talks to an OpenAI-compatible embeddings endpoint. Any
// server speaking the same wire format works via baseURL.
type OpenAIBackend struct {
	client openai.Client
	model  string
}

func NewOpenAIBackend(baseURL, apiKey, model string) *OpenAIBackend {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIBackend{
		client: openai.NewClient(options...),
		model:  model,
	}
}

func (b *OpenAIBackend) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	resp, err := b.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
		Model: b.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(resp.Data), len(inputs))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vectors[i] = toFloat32(data.Embedding)
	}
	return vectors, nil
}

func toFloat32(vector []float64) []float32 {
	out := make([]float32, len(vector))
	for i, v := range vector {
		out[i] = float32(v)
	}
	return out
}
