// Package main is the kotae CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/cli"
	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/engine"
	"github.com/hyperjump/kotae/internal/eval"
	"github.com/hyperjump/kotae/internal/generation"
	"github.com/hyperjump/kotae/internal/llm"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/retrieval"
	"github.com/hyperjump/kotae/internal/server"
	"github.com/hyperjump/kotae/internal/session"
	"github.com/hyperjump/kotae/internal/transform"
	"github.com/hyperjump/kotae/internal/vectorstore"
	"github.com/hyperjump/kotae/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kotae/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	// Secrets come from the environment; a .env file is a dev convenience.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "chat":
		runChat()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("kotae version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.String("provider", cfg.VectorStore.Provider),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	reloadCtx, reloadCancel := context.WithCancel(context.Background())
	defer reloadCancel()
	reloader := config.NewReloader(resolvedConfigPath, func(tn config.Tunables) {
		components.Retriever.SetOptions(retrieval.Options{
			Limit:         tn.Retrieval.Limit,
			MinScore:      tn.Retrieval.MinScore,
			VectorWeight:  tn.Retrieval.VectorWeight,
			KeywordWeight: tn.Retrieval.KeywordWeight,
			Timeout:       cfg.Retrieval.Timeout,
		})
		if components.Evaluator != nil {
			components.Evaluator.SetRate(tn.EvalSampleRate)
		}
	}, logger)
	if err := reloader.Start(reloadCtx); err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
	}

	srv := server.NewServer(
		components.Engine,
		components.Factory,
		components.EvalSink,
		&cfg.Server,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	reloadCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
	if components.Evaluator != nil {
		components.Evaluator.Wait()
	}
}

func runChat() {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	sessionID := fs.String("session", "", "session id (default: new session)")
	projectID := fs.String("project", "", "project id (required)")
	documentID := fs.String("document", "", "explicit document id to focus the question on")
	_ = fs.Parse(os.Args[2:])

	if *projectID == "" {
		fmt.Println("Usage: kotae chat --project <id> [--session <id>] [--document <id>] <message>")
		os.Exit(1)
	}
	message := buildChatMessage(fs.Args())
	if message == "" {
		fmt.Println("Usage: kotae chat --project <id> [--session <id>] [--document <id>] <message>")
		os.Exit(1)
	}
	sess := *sessionID
	if sess == "" {
		sess = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}

	req := models.TurnRequest{
		SessionID:          sess,
		ProjectID:          *projectID,
		Message:            message,
		ExplicitDocumentID: *documentID,
	}
	body, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	resp, err := http.Post(*serverURL+"/api/v1/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}
	if err := cli.RenderChatStream(resp.Body, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Stream failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n(session: %s)\n", sess)
}

// buildChatMessage joins all positional args with spaces so multi-word
// messages work the same with or without shell quoting.
func buildChatMessage(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[2:])

	resp, err := http.Get(*serverURL + "/api/v1/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, string(b))
		os.Exit(1)
	}
	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(status)
}

// Components holds initialized services.
type Components struct {
	SessionStore *session.Store
	Factory      *vectorstore.Factory
	Embedder     embedding.Embedder
	EvalSink     *eval.SQLiteSink
	Evaluator    *eval.Evaluator
	Retriever    *retrieval.Retriever
	Engine       *engine.Engine
}

func (c *Components) Close() {
	if c.SessionStore != nil {
		_ = c.SessionStore.Close()
	}
	if c.Factory != nil {
		_ = c.Factory.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.EvalSink != nil {
		_ = c.EvalSink.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	sessionStore, err := session.NewStore(cfg.Storage.SessionDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	factory := vectorstore.NewFactory(cfg.VectorStore)

	var embedder embedding.Embedder
	if cfg.Embedding.BaseURL != "" {
		embedder, err = embedding.NewHTTPEmbedder(cfg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
	} else {
		// No embedding service configured; deterministic embeddings keep
		// local development working end to end.
		logger.Warn("embedding base_url not set, using mock embedder")
		embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
	}

	llmClient, err := llm.NewOllamaClient(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize llm client: %w", err)
	}

	var evalSink *eval.SQLiteSink
	var evaluator *eval.Evaluator
	if cfg.Eval.SampleRate > 0 {
		evalSink, err = eval.NewSQLiteSink(cfg.Storage.EvalDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize eval sink: %w", err)
		}
		evaluator = eval.NewEvaluator(cfg.Eval.SampleRate, evalSink, logger)
	}

	retriever := retrieval.NewRetriever(factory, embedder, cfg.Retrieval, logger)
	eng := engine.New(
		sessionStore,
		transform.NewTransformer(llmClient, logger),
		retriever,
		generation.NewGenerator(llmClient, logger),
		evaluator,
		cfg.Session.MaxIdleTurns,
		logger,
	)

	return &Components{
		SessionStore: sessionStore,
		Factory:      factory,
		Embedder:     embedder,
		EvalSink:     evalSink,
		Evaluator:    evaluator,
		Retriever:    retriever,
		Engine:       eng,
	}, nil
}

func printUsage() {
	fmt.Println(`kotae - Context-aware retrieval and generation server

Usage:
  kotae server [flags]                 Start the HTTP server
  kotae chat [flags] <message>         Send one chat turn to a running server
  kotae status [flags]                 Show server status
  kotae version                        Show version
  kotae help                           Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/kotae/config.yaml)
  --debug            Enable debug logging

Chat Flags:
  --server string    Server URL (default: http://localhost:8080)
  --session string   Session id; reuse one to keep conversation context
  --project string   Project id (required)
  --document string  Explicit document id to focus the question on

Status Flags:
  --server string    Server URL (default: http://localhost:8080)

Examples:
  kotae server
  kotae chat --project p1 "what does the quarterly report say about revenue?"
  kotae chat --project p1 --session s1 "what about page 5?"
  kotae status`)
}
