package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient talks to an Ollama-compatible generate endpoint. Streaming
// responses arrive as newline-delimited JSON chunks.
type OllamaClient struct {
	url    string
	model  string
	client *http.Client
}

// OllamaConfig configures the model endpoint.
type OllamaConfig struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewOllamaClient creates the client with defaults applied.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("llm url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		url:    strings.TrimRight(cfg.URL, "/"),
		model:  cfg.Model,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate returns the full completion in one call.
func (c *OllamaClient) Generate(ctx context.Context, req Request) (string, error) {
	return c.do(ctx, req, false, nil)
}

// GenerateStream streams the completion through onToken and returns the
// accumulated text.
func (c *OllamaClient) GenerateStream(ctx context.Context, req Request, onToken func(string) error) (string, error) {
	return c.do(ctx, req, true, onToken)
}

func (c *OllamaClient) do(ctx context.Context, req Request, stream bool, onToken func(string) error) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		System: req.System,
		Prompt: req.Prompt,
		Stream: stream,
	})
	if err != nil {
		return "", fmt.Errorf("marshal llm request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build llm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("llm returned %s: %s", resp.Status, msg)
	}

	if !stream {
		var chunk generateChunk
		if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
			return "", fmt.Errorf("decode llm response: %w", err)
		}
		return chunk.Response, nil
	}

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return out.String(), ctx.Err()
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return out.String(), fmt.Errorf("decode llm stream chunk: %w", err)
		}
		if chunk.Response != "" {
			out.WriteString(chunk.Response)
			if onToken != nil {
				if err := onToken(chunk.Response); err != nil {
					return out.String(), err
				}
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return out.String(), fmt.Errorf("read llm stream: %w", err)
	}
	return out.String(), nil
}
