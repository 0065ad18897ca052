package embed

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompatibleConfig configures OpenAICompatible: base URL + API key +
// model + optional fixed dimensions, since many OpenAI-compatible providers
// require the dimension to be pinned explicitly.
type OpenAICompatibleConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// OpenAICompatible is a reference Embedder over any OpenAI-embeddings-API
// compatible endpoint (DeepInfra, DashScope, local vLLM, ...).
type OpenAICompatible struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAICompatible returns an Embedder backed by client at baseURL.
func NewOpenAICompatible(cfg OpenAICompatibleConfig) (*OpenAICompatible, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("embed: model is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("embed: base URL is required")
	}
	openaiCfg := openai.DefaultConfig(cfg.APIKey)
	openaiCfg.BaseURL = cfg.BaseURL
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	openaiCfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAICompatible{
		client:     openai.NewClientWithConfig(openaiCfg),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

func (e *OpenAICompatible) Model() string   { return e.model }
func (e *OpenAICompatible) Dimensions() int { return e.dimensions }

func (e *OpenAICompatible) EmbedTerm(ctx context.Context, term string) ([]float64, error) {
	vecs, err := e.EmbedTerms(ctx, []string{term})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed: expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

func (e *OpenAICompatible) EmbedTerms(ctx context.Context, terms []string) ([][]float64, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	req := openai.EmbeddingRequest{
		Input: terms,
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		req.Dimensions = e.dimensions
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(terms) {
		return nil, fmt.Errorf("embed: expected %d embeddings, got %d", len(terms), len(resp.Data))
	}

	out := make([][]float64, len(resp.Data))
	for i, row := range resp.Data {
		vec := make([]float64, len(row.Embedding))
		var sumSq float64
		for j, v := range row.Embedding {
			vec[j] = float64(v)
			sumSq += float64(v) * float64(v)
		}
		if sumSq > 0 {
			inv := 1.0 / math.Sqrt(sumSq)
			for j := range vec {
				vec[j] *= inv
			}
		}
		out[i] = vec
	}
	return out, nil
}
