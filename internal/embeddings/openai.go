package embeddings

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// googleOpenAIBaseURL is Gemini's OpenAI-compatible API root.
const googleOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

type openAIConfig struct {
	Provider  string
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
}

// openAIProvider embeds through langchaingo's OpenAI client. The same client
// serves Google's OpenAI-compatible endpoint.
type openAIProvider struct {
	embedder  *embeddings.EmbedderImpl
	dimension int
}

func newOpenAIProvider(cfg openAIConfig) (*openAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s requires an api key", ErrInvalidConfig, cfg.Provider)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	baseURL := cfg.BaseURL
	if cfg.Provider == "googleai" && (baseURL == "" || baseURL == defaultTEIBaseURL) {
		baseURL = googleOpenAIBaseURL
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if baseURL != "" && baseURL != defaultTEIBaseURL {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", cfg.Provider, err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &openAIProvider{embedder: embedder, dimension: cfg.Dimension}, nil
}

func (p *openAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

func (p *openAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vec, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

func (p *openAIProvider) Dimension() int { return p.dimension }

func (p *openAIProvider) Close() error { return nil }
