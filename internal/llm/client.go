// Package llm provides the language model client used by the query transform
// and generation stages.
package llm

import "context"

// Request is one completion request.
type Request struct {
	System string
	Prompt string
}

// Client sends prompts to a language model. GenerateStream invokes onToken
// for each partial piece of output as it arrives and returns the full text;
// implementations must stop promptly when ctx is cancelled.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	GenerateStream(ctx context.Context, req Request, onToken func(token string) error) (string, error)
}
