package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL           string  `yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Model             string  `yaml:"model"`
	Dimensions        int     `yaml:"dimensions" validate:"gte=0"`
	TimeoutSecs       int     `yaml:"timeout_secs" validate:"gte=0"`
	BatchSize         int     `yaml:"batch_size" validate:"gte=0"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	MaxRetries        int     `yaml:"max_retries" validate:"gte=0"`
}

// HashingEmbedderConfig configures the offline hashing embedder.
type HashingEmbedderConfig struct {
	Dims int `yaml:"dims" validate:"gte=0"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type    string                 `yaml:"type" validate:"oneof=openai hashing"`
	OpenAI  *OpenAIEmbedderConfig  `yaml:"openai,omitempty"`
	Hashing *HashingEmbedderConfig `yaml:"hashing,omitempty"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	ChunkSize    int `yaml:"chunk_size" validate:"gt=0"`
	ChunkOverlap int `yaml:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	Addr             string `yaml:"addr" validate:"required,hostname_port"`
	APIKey           string `yaml:"api_key"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// IndexConfig selects where indices are persisted and how they are built.
type IndexConfig struct {
	Backend          string        `yaml:"backend" validate:"oneof=disk qdrant"`
	Dir              string        `yaml:"dir"`
	BatchSize        int           `yaml:"batch_size" validate:"gte=0"`
	CacheTTLSecs     int           `yaml:"cache_ttl_secs" validate:"gte=0"`
	BuildTimeoutSecs int           `yaml:"build_timeout_secs" validate:"gte=0"`
	Qdrant           *QdrantConfig `yaml:"qdrant,omitempty"`
}

// RetrieverConfig tunes retrieval.
type RetrieverConfig struct {
	K                   int     `yaml:"k" validate:"gt=0"`
	FetchK              int     `yaml:"fetch_k" validate:"gtefield=K"`
	Lambda              float64 `yaml:"lambda" validate:"gt=0,lte=1"`
	ScoreThreshold      float64 `yaml:"score_threshold" validate:"gte=0,lte=1"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" validate:"gte=0,lte=1"`
	Compressed          bool    `yaml:"compressed"`
	DigestSentences     int     `yaml:"digest_sentences" validate:"gte=0"`
}

// LogConfig configures the rotating log file.
type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Index     IndexConfig     `yaml:"index"`
	Retriever RetrieverConfig `yaml:"retriever"`
	Log       LogConfig       `yaml:"log"`
}

// CacheTTL returns the in-process index cache lifetime.
func (c *AppConfig) CacheTTL() time.Duration {
	return time.Duration(c.Index.CacheTTLSecs) * time.Second
}

// BuildTimeout returns the upper bound of a background index build.
func (c *AppConfig) BuildTimeout() time.Duration {
	return time.Duration(c.Index.BuildTimeoutSecs) * time.Second
}

var validate = validator.New()

// Validate checks field constraints after defaults have been applied.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Index.Backend == "qdrant" && c.Index.Qdrant == nil {
		return errors.New("config: index.qdrant is required for the qdrant backend")
	}
	return nil
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/sagebot/config.yaml.
// If neither exists, it writes defaults to ~/.config/sagebot/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "sagebot", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Embedder: EmbedderConfig{Type: "openai"},
		Index:    IndexConfig{Backend: "disk"},
	}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = "openai"
	}
	switch cfg.Embedder.Type {
	case "openai":
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		o := cfg.Embedder.OpenAI
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
		if o.BatchSize == 0 {
			o.BatchSize = 32
		}
		if o.MaxRetries == 0 {
			o.MaxRetries = 3
		}
	case "hashing":
		if cfg.Embedder.Hashing == nil {
			cfg.Embedder.Hashing = &HashingEmbedderConfig{}
		}
		if cfg.Embedder.Hashing.Dims == 0 {
			cfg.Embedder.Hashing.Dims = 256
		}
	}

	if cfg.Chunker.ChunkSize == 0 {
		cfg.Chunker.ChunkSize = 1500
		if cfg.Chunker.ChunkOverlap == 0 {
			cfg.Chunker.ChunkOverlap = 100
		}
	}

	if cfg.Index.Backend == "" {
		cfg.Index.Backend = "disk"
	}
	if cfg.Index.Dir == "" {
		cfg.Index.Dir = "data/index"
	}
	if cfg.Index.BatchSize == 0 {
		cfg.Index.BatchSize = 128
	}
	if cfg.Index.CacheTTLSecs == 0 {
		cfg.Index.CacheTTLSecs = 1800
	}
	if cfg.Index.BuildTimeoutSecs == 0 {
		cfg.Index.BuildTimeoutSecs = 600
	}
	if q := cfg.Index.Qdrant; q != nil && q.CollectionPrefix == "" {
		q.CollectionPrefix = "sagebot_"
	}

	r := &cfg.Retriever
	if r.K == 0 {
		r.K = 4
	}
	if r.FetchK == 0 {
		r.FetchK = max(30, r.K)
	}
	if r.Lambda == 0 {
		r.Lambda = 0.5
	}
	scoreFloor, simFloor := 0.3, 0.35
	if cfg.Embedder.Type == "hashing" {
		// keep in sync with hashing.ScoreThreshold and hashing.SimilarityThreshold
		scoreFloor, simFloor = 0.15, 0.2
	}
	if r.ScoreThreshold == 0 {
		r.ScoreThreshold = scoreFloor
	}
	if r.SimilarityThreshold == 0 {
		r.SimilarityThreshold = simFloor
	}
	if r.DigestSentences == 0 {
		r.DigestSentences = 3
	}

	if cfg.Log.File == "" {
		cfg.Log.File = "data/sagebot.log"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 10
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}
}
