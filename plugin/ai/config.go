package ai

import (
	"errors"

	"github.com/hrygo/memosense/internal/profile"
)

// Config represents AI configuration.
type Config struct {
	Enabled bool

	Embedding EmbeddingConfig
}

// EmbeddingConfig represents vector embedding configuration.
type EmbeddingConfig struct {
	Provider   string // siliconflow, openai, ollama
	Model      string // BAAI/bge-m3
	Dimensions int    // 1024
	APIKey     string
	BaseURL    string
}

// NewConfigFromProfile creates AI config from profile.
func NewConfigFromProfile(p *profile.Profile) *Config {
	cfg := &Config{
		Enabled: p.AIEnabled,
	}

	// Dimensions are needed by the fallback embedder even when AI is disabled.
	cfg.Embedding = EmbeddingConfig{
		Provider:   p.AIEmbeddingProvider,
		Model:      p.AIEmbeddingModel,
		Dimensions: p.AIEmbeddingDimensions,
	}
	if cfg.Embedding.Dimensions <= 0 {
		cfg.Embedding.Dimensions = DefaultDimensions
	}

	if !cfg.Enabled {
		return cfg
	}

	switch p.AIEmbeddingProvider {
	case "siliconflow":
		cfg.Embedding.APIKey = p.AISiliconFlowAPIKey
		cfg.Embedding.BaseURL = p.AISiliconFlowBaseURL
	case "openai":
		cfg.Embedding.APIKey = p.AIOpenAIAPIKey
		cfg.Embedding.BaseURL = p.AIOpenAIBaseURL
	case "ollama":
		cfg.Embedding.BaseURL = p.AIOllamaBaseURL
	}

	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Embedding.Provider == "" {
		return errors.New("embedding provider is required")
	}

	if c.Embedding.Model == "" {
		return errors.New("embedding model is required")
	}

	if c.Embedding.Provider != "ollama" && c.Embedding.APIKey == "" {
		return errors.New("embedding API key is required")
	}

	return nil
}
