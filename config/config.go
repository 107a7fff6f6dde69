// Package config loads service settings from .env, an optional config file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github/itish2003/retrieval/models"
)

// Index backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendChroma = "chroma"
)

// Config holds every setting the service reads.
type Config struct {
	Port      string
	CorpusDir string

	IndexBackend     string
	IndexLocation    string
	IndexMetric      string
	ChromaURL        string
	ChromaCollection string
	SQLitePath       string

	EmbeddingProvider string
	EmbeddingModel    string
	EmbeddingDim      int
	OllamaURL         string
	OpenAIAPIKey      string
	GeminiAPIKey      string
	EmbedBatchSize    int
	EmbedMaxAttempts  int
	EmbedRatePerSec   float64

	ChunkSize      int
	ChunkOverlap   int
	ChunkSeparator string

	TopK           int
	ScoreThreshold float64
	ContextWords   int
	FilterFields   []string

	EnrichCandidates bool
	UnidocLicenseKey string
	WatchDebounce    time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("CORPUS_DIR", "./corpus")
	v.SetDefault("INDEX_BACKEND", BackendMemory)
	v.SetDefault("INDEX_LOCATION", "./data/index")
	v.SetDefault("INDEX_METRIC", "cosine")
	v.SetDefault("CHROMA_URL", "http://localhost:8000")
	v.SetDefault("CHROMA_COLLECTION", "retrieval")
	v.SetDefault("SQLITE_PATH", "./data/index.db")
	v.SetDefault("EMBEDDING_PROVIDER", "ollama")
	v.SetDefault("EMBEDDING_MODEL", "")
	v.SetDefault("EMBEDDING_DIM", 256)
	v.SetDefault("OLLAMA_URL", "http://localhost:11434")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("GEMINI_API_KEY", "")
	v.SetDefault("EMBED_BATCH_SIZE", 64)
	v.SetDefault("EMBED_MAX_ATTEMPTS", 3)
	v.SetDefault("EMBED_RATE_PER_SEC", 0)
	v.SetDefault("CHUNK_SIZE", 1000)
	v.SetDefault("CHUNK_OVERLAP", 200)
	v.SetDefault("CHUNK_SEPARATOR", "\n")
	v.SetDefault("TOP_K", 3)
	v.SetDefault("SCORE_THRESHOLD", 0.5)
	v.SetDefault("CONTEXT_WORDS", 600)
	v.SetDefault("FILTER_FIELDS", models.MetaCandidateName)
	v.SetDefault("ENRICH_CANDIDATES", false)
	v.SetDefault("UNIDOC_LICENSE_KEY", "")
	v.SetDefault("WATCH_DEBOUNCE", "2s")
}

// Load reads .env (if present), then the optional config file at path, then
// the environment, which wins over both.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables.")
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load config %s: %w", path, err)
			}
			log.Printf("CONFIG: %s not found, using defaults and environment.", path)
		}
	}

	cfg := &Config{
		Port:      v.GetString("PORT"),
		CorpusDir: v.GetString("CORPUS_DIR"),

		IndexBackend:     strings.ToLower(strings.TrimSpace(v.GetString("INDEX_BACKEND"))),
		IndexLocation:    v.GetString("INDEX_LOCATION"),
		IndexMetric:      v.GetString("INDEX_METRIC"),
		ChromaURL:        v.GetString("CHROMA_URL"),
		ChromaCollection: v.GetString("CHROMA_COLLECTION"),
		SQLitePath:       v.GetString("SQLITE_PATH"),

		EmbeddingProvider: strings.ToLower(strings.TrimSpace(v.GetString("EMBEDDING_PROVIDER"))),
		EmbeddingModel:    v.GetString("EMBEDDING_MODEL"),
		EmbeddingDim:      v.GetInt("EMBEDDING_DIM"),
		OllamaURL:         v.GetString("OLLAMA_URL"),
		OpenAIAPIKey:      v.GetString("OPENAI_API_KEY"),
		GeminiAPIKey:      v.GetString("GEMINI_API_KEY"),
		EmbedBatchSize:    v.GetInt("EMBED_BATCH_SIZE"),
		EmbedMaxAttempts:  v.GetInt("EMBED_MAX_ATTEMPTS"),
		EmbedRatePerSec:   v.GetFloat64("EMBED_RATE_PER_SEC"),

		ChunkSize:      v.GetInt("CHUNK_SIZE"),
		ChunkOverlap:   v.GetInt("CHUNK_OVERLAP"),
		ChunkSeparator: unescape(v.GetString("CHUNK_SEPARATOR")),

		TopK:           v.GetInt("TOP_K"),
		ScoreThreshold: v.GetFloat64("SCORE_THRESHOLD"),
		ContextWords:   v.GetInt("CONTEXT_WORDS"),
		FilterFields:   splitList(v.GetString("FILTER_FIELDS")),

		EnrichCandidates: v.GetBool("ENRICH_CANDIDATES"),
		UnidocLicenseKey: v.GetString("UNIDOC_LICENSE_KEY"),
		WatchDebounce:    v.GetDuration("WATCH_DEBOUNCE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail deep inside a build.
func (c *Config) Validate() error {
	switch c.IndexBackend {
	case BackendMemory, BackendSQLite, BackendChroma:
	default:
		return fmt.Errorf("INDEX_BACKEND must be memory, sqlite or chroma, got %q: %w", c.IndexBackend, models.ErrConfig)
	}
	switch strings.ToLower(c.IndexMetric) {
	case "cosine", "l2":
	default:
		return fmt.Errorf("INDEX_METRIC must be cosine or l2, got %q: %w", c.IndexMetric, models.ErrConfig)
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be in [0, CHUNK_SIZE=%d): %w", c.ChunkOverlap, c.ChunkSize, models.ErrConfig)
	}
	if c.TopK < 1 {
		return fmt.Errorf("TOP_K must be at least 1, got %d: %w", c.TopK, models.ErrConfig)
	}
	if c.ScoreThreshold < 0 {
		return fmt.Errorf("SCORE_THRESHOLD must not be negative, got %v: %w", c.ScoreThreshold, models.ErrConfig)
	}
	if c.IndexBackend == BackendSQLite && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("SQLITE_PATH is required for the sqlite backend: %w", models.ErrConfig)
	}
	if c.IndexBackend == BackendChroma && (strings.TrimSpace(c.ChromaURL) == "" || strings.TrimSpace(c.ChromaCollection) == "") {
		return fmt.Errorf("CHROMA_URL and CHROMA_COLLECTION are required for the chroma backend: %w", models.ErrConfig)
	}
	return nil
}

// unescape lets separators such as "\n" be written literally in .env files.
func unescape(s string) string {
	return strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r").Replace(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
