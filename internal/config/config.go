// Package config holds all knowflow configuration: the YAML file format,
// defaults, and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all knowflow configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Vector    VectorConfig    `yaml:"vector"`
	Inverted  InvertedConfig  `yaml:"inverted"`
	Graph     GraphConfig     `yaml:"graph"`
	Redis     RedisConfig     `yaml:"redis"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Paths     PathsConfig     `yaml:"paths"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	BodyLimit      string   `yaml:"body_limit"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	IdleTimeout    string   `yaml:"idle_timeout"` // generation worker idle timeout
}

// CatalogConfig configures the sqlite metadata catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// VectorConfig configures the vector index.
type VectorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// InvertedConfig configures the inverted index.
type InvertedConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Tokenizer string `yaml:"tokenizer"` // FTS5 tokenizer; deployment decision
}

// GraphConfig configures the graph store.
type GraphConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RedisConfig configures the session message store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LLMConfig configures the chat model client.
type LLMConfig struct {
	Provider   string `yaml:"provider"` // openai or genai
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai or deterministic
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	Dimensions     int    `yaml:"dimensions"`
}

// PathsConfig fixes the on-disk layout.
type PathsConfig struct {
	FileTree       string `yaml:"file_tree"`       // conf/file/{fileId}/
	GraphTree      string `yaml:"graph_tree"`      // lightrag_data/{fileId}/
	DiscussionTree string `yaml:"discussion_tree"` // discussion/{discussionId}/
	SandboxTree    string `yaml:"sandbox_tree"`    // conf/tmp/sandbox_files/
}

// LoggingConfig controls log level and category enablement.
type LoggingConfig struct {
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8087,
			BodyLimit:      "100M",
			AllowedOrigins: []string{"http://localhost:5173"},
			IdleTimeout:    "300s",
		},
		Catalog:  CatalogConfig{Path: "conf/sqlite/knowledge_base.sqlite"},
		Vector:   VectorConfig{Enabled: true, Path: "conf/sqlite/vector_index.sqlite"},
		Inverted: InvertedConfig{Enabled: true, Path: "conf/sqlite/inverted_index.sqlite", Tokenizer: "unicode61"},
		Graph:    GraphConfig{Enabled: true, Path: "conf/sqlite/graph_store.sqlite"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		LLM: LLMConfig{
			Provider:   "openai",
			Model:      "gpt-4o-mini",
			BaseURL:    "https://api.openai.com/v1",
			Timeout:    "5m",
			MaxRetries: 3,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			Dimensions:     768,
		},
		Paths: PathsConfig{
			FileTree:       "conf/file",
			GraphTree:      "lightrag_data",
			DiscussionTree: "discussion",
			SandboxTree:    "conf/tmp/sandbox_files",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path, applies it over defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides secrets and addresses from KNOWFLOW_* variables so
// credentials never need to live in the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("KNOWFLOW_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("KNOWFLOW_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("KNOWFLOW_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("KNOWFLOW_GENAI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("KNOWFLOW_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("KNOWFLOW_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("KNOWFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("KNOWFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// LLMTimeout parses the LLM timeout string, defaulting to five minutes.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// ServerIdleTimeout parses the generation worker idle timeout.
func (c *Config) ServerIdleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.IdleTimeout)
	if err != nil || d <= 0 {
		return 300 * time.Second
	}
	return d
}
