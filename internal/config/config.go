// Package config provides configuration loading and structs for the kotae
// server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/llm"
	"github.com/hyperjump/kotae/internal/retrieval"
	"github.com/hyperjump/kotae/internal/vectorstore"
)

// Config holds all configuration for the application.
type Config struct {
	Debug       bool                 `yaml:"debug"`
	Server      ServerConfig         `yaml:"server"`
	Storage     StorageConfig        `yaml:"storage"`
	VectorStore vectorstore.Config   `yaml:"vector_store"`
	Embedding   embedding.HTTPConfig `yaml:"embedding"`
	LLM         llm.OllamaConfig     `yaml:"llm"`
	Retrieval   retrieval.Options    `yaml:"retrieval"`
	Session     SessionConfig        `yaml:"session"`
	Eval        EvalConfig           `yaml:"eval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the local databases and indices.
type StorageConfig struct {
	SessionDBPath    string `yaml:"session_db_path"`
	EvalDBPath       string `yaml:"eval_db_path"`
	LexicalIndexPath string `yaml:"lexical_index_path"`
}

// SessionConfig holds conversation context settings.
type SessionConfig struct {
	MaxIdleTurns int `yaml:"max_idle_turns"`
}

// EvalConfig holds the evaluation hook settings.
type EvalConfig struct {
	SampleRate float64 `yaml:"sample_rate"`
}

// Load reads and parses the config file at path, applies environment
// overrides for secrets, expands paths, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Pre-seed the sample rate so an absent key is distinguishable from an
	// explicit 0, which disables evaluation.
	cfg := Config{Eval: EvalConfig{SampleRate: -1}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg)
	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.SessionDBPath = expandPath(cfg.Storage.SessionDBPath, configDir)
	cfg.Storage.EvalDBPath = expandPath(cfg.Storage.EvalDBPath, configDir)
	if cfg.Storage.LexicalIndexPath != "" {
		cfg.Storage.LexicalIndexPath = expandPath(cfg.Storage.LexicalIndexPath, configDir)
	}
	cfg.VectorStore.Qdrant.LexicalPath = cfg.Storage.LexicalIndexPath

	return &cfg, nil
}

// applyEnv overrides secrets and connection strings from the environment, so
// they never have to live in the YAML file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.VectorStore.Postgres.URL = v
	}
	if v := os.Getenv("QDRANT_URL"); v != "" {
		cfg.VectorStore.Qdrant.URL = v
	}
	if v := os.Getenv("QDRANT_API_KEY"); v != "" {
		cfg.VectorStore.Qdrant.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("LLM_URL"); v != "" {
		cfg.LLM.URL = v
	}
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
