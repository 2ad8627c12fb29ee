package llm

import (
	"context"
	"strings"
)

// FakeClient is a scripted client for tests. Responses are served in order;
// when the script runs out, the last response repeats.
type FakeClient struct {
	Responses []string
	Requests  []Request
	calls     int
}

// NewFakeClient creates a scripted client.
func NewFakeClient(responses ...string) *FakeClient {
	return &FakeClient{Responses: responses}
}

func (f *FakeClient) next() string {
	if len(f.Responses) == 0 {
		return ""
	}
	i := f.calls
	if i >= len(f.Responses) {
		i = len(f.Responses) - 1
	}
	f.calls++
	return f.Responses[i]
}

// Generate records the request and returns the next scripted response.
func (f *FakeClient) Generate(ctx context.Context, req Request) (string, error) {
	f.Requests = append(f.Requests, req)
	return f.next(), nil
}

// GenerateStream streams the scripted response word by word.
func (f *FakeClient) GenerateStream(ctx context.Context, req Request, onToken func(string) error) (string, error) {
	f.Requests = append(f.Requests, req)
	text := f.next()
	if onToken != nil {
		for _, word := range strings.SplitAfter(text, " ") {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
			}
			if err := onToken(word); err != nil {
				return text, err
			}
		}
	}
	return text, nil
}
