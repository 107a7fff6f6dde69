package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"math/rand/v2"
	"strings"
	"time"
	"unicode"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github/itish2003/retrieval/models"
)

// Embedding providers accepted by NewEmbedder.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderHash   = "hash"
)

const (
	defaultOllamaModel   = "nomic-embed-text"
	defaultOpenAIModel   = "text-embedding-3-small"
	defaultGeminiModel   = "text-embedding-004"
	defaultHashDimension = 256
	defaultBatchSize     = 64
)

// EmbedderConfig selects and configures an embedding provider.
type EmbedderConfig struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	BatchSize int
	Dimension int // hash provider only
	Retry     RetryConfig
}

// NewEmbedder builds the configured provider and wraps it with retries and
// rate limiting. The returned value satisfies langchaingo's Embedder.
func NewEmbedder(ctx context.Context, cfg EmbedderConfig) (embeddings.Embedder, error) {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	var inner embeddings.Embedder
	switch strings.ToLower(cfg.Provider) {
	case ProviderHash:
		inner = NewHashEmbedder(cfg.Dimension)

	case ProviderOllama, "":
		opts := []ollama.Option{ollama.WithModel(orDefault(cfg.Model, defaultOllamaModel))}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		inner, err = embeddings.NewEmbedder(llm, embeddings.WithBatchSize(batch))
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider: %w", models.ErrConfig)
		}
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithEmbeddingModel(orDefault(cfg.Model, defaultOpenAIModel)),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		inner, err = embeddings.NewEmbedder(llm, embeddings.WithBatchSize(batch))
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}

	case ProviderGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini provider: %w", models.ErrConfig)
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		gemini := &GeminiEmbedder{client: client, model: orDefault(cfg.Model, defaultGeminiModel)}
		inner, err = embeddings.NewEmbedder(gemini, embeddings.WithBatchSize(batch))
		if err != nil {
			return nil, fmt.Errorf("create gemini embedder: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown embedding provider %q: %w", cfg.Provider, models.ErrConfig)
	}

	log.Printf("SERVICE: Using %s embeddings (model: %s)", orDefault(cfg.Provider, ProviderOllama), cfg.Model)
	return NewRetryingEmbedder(inner, cfg.Retry), nil
}

// GeminiEmbedder is a langchaingo EmbedderClient backed by the Gemini API.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

var _ embeddings.EmbedderClient = (*GeminiEmbedder)(nil)

func (g *GeminiEmbedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.Text(t)...)
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embed content: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// HashEmbedder maps text to a fixed-size bag-of-words vector using feature
// hashing. It needs no model and is fully deterministic, which makes it
// useful offline and in tests. It captures word overlap, not meaning.
type HashEmbedder struct {
	dim int
}

var _ embeddings.Embedder = (*HashEmbedder)(nil)

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = defaultHashDimension
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.embed(text), nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dim)
	for _, token := range tokenize(text) {
		hasher := fnv.New64a()
		hasher.Write([]byte(token))
		sum := hasher.Sum64()
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vec[sum%uint64(h.dim)] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// tokenize lower-cases text and splits it on anything that is not a letter
// or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// RetryConfig controls retries and throttling around an embedder.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RatePerSecond float64 // 0 disables throttling
	Burst         int
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// RetryingEmbedder retries a flaky embedder with exponential backoff and
// turns the final failure into a *models.EmbeddingError.
type RetryingEmbedder struct {
	inner   embeddings.Embedder
	cfg     RetryConfig
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ embeddings.Embedder = (*RetryingEmbedder)(nil)

func NewRetryingEmbedder(inner embeddings.Embedder, cfg RetryConfig) *RetryingEmbedder {
	cfg = cfg.withDefaults()
	limiter := rate.NewLimiter(rate.Inf, cfg.Burst)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	return &RetryingEmbedder{inner: inner, cfg: cfg, limiter: limiter, sleep: sleepContext}
}

func (r *RetryingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := r.do(ctx, func() error {
		// langchaingo may rewrite the slice in place, so hand it a copy.
		batch := append([]string(nil), texts...)
		vectors, err := r.inner.EmbedDocuments(ctx, batch)
		if err != nil {
			return err
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
		}
		out = vectors
		return nil
	})
	return out, err
}

func (r *RetryingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := r.do(ctx, func() error {
		vector, err := r.inner.EmbedQuery(ctx, text)
		if err != nil {
			return err
		}
		if len(vector) == 0 {
			return errors.New("embedder returned an empty vector")
		}
		out = vector
		return nil
	})
	return out, err
}

func (r *RetryingEmbedder) do(ctx context.Context, call func() error) error {
	var lastErr error
	attempt := 0
	for attempt < r.cfg.MaxAttempts {
		if err := r.limiter.Wait(ctx); err != nil {
			return &models.EmbeddingError{Attempts: attempt, Err: err}
		}
		attempt++
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < r.cfg.MaxAttempts {
			delay := r.backoff(attempt - 1)
			log.Printf("SERVICE WARN: embedding attempt %d/%d failed: %v (retrying in %s)", attempt, r.cfg.MaxAttempts, lastErr, delay)
			if err := r.sleep(ctx, delay); err != nil {
				break
			}
		}
	}
	return &models.EmbeddingError{Attempts: attempt, Err: lastErr}
}

// backoff returns the wait before retry n (0-indexed), with jitter.
func (r *RetryingEmbedder) backoff(n int) time.Duration {
	base := r.cfg.BaseDelay << uint(n)
	if base <= 0 || base > r.cfg.MaxDelay {
		base = r.cfg.MaxDelay
	}
	var jitter time.Duration
	if half := int64(base) / 2; half > 0 {
		jitter = time.Duration(rand.Int64N(half))
	}
	return base + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
