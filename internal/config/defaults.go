package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.SessionDBPath == "" {
		cfg.Storage.SessionDBPath = "/usr/local/var/kotae/data/db/sessions.db"
	}
	if cfg.Storage.EvalDBPath == "" {
		cfg.Storage.EvalDBPath = "/usr/local/var/kotae/data/db/eval.db"
	}
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "postgres"
	}
	if cfg.VectorStore.Postgres.Dimensions == 0 {
		cfg.VectorStore.Postgres.Dimensions = 1536
	}
	if cfg.VectorStore.Qdrant.Dimensions == 0 {
		cfg.VectorStore.Qdrant.Dimensions = 1536
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 1536
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.LLM.URL == "" {
		cfg.LLM.URL = "http://localhost:11434"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "llama3.1"
	}
	if cfg.Retrieval.Limit == 0 {
		cfg.Retrieval.Limit = 5
	}
	if cfg.Retrieval.VectorWeight == 0 && cfg.Retrieval.KeywordWeight == 0 {
		cfg.Retrieval.VectorWeight = 0.7
		cfg.Retrieval.KeywordWeight = 0.3
	}
	if cfg.Retrieval.Timeout == 0 {
		cfg.Retrieval.Timeout = 5 * time.Second
	}
	if cfg.Session.MaxIdleTurns == 0 {
		cfg.Session.MaxIdleTurns = 20
	}
	// A negative rate means the key was absent. An explicit 0 disables
	// evaluation and must survive defaulting.
	if cfg.Eval.SampleRate < 0 {
		cfg.Eval.SampleRate = 0.1
	}
}
