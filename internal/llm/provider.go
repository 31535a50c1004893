// Package llm provides the LLM provider abstraction and the fallback gateway
// that routes completion calls across an ordered provider chain.
package llm

import "context"

// Message is one turn of a chat completion conversation.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Completion is a provider-agnostic completion response.
type Completion struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Provider is a single LLM backend. Implementations must respect context
// cancellation and return the typed errors defined in this package so the
// gateway can classify failures.
type Provider interface {
	// Complete sends a completion request and returns the normalized response.
	Complete(ctx context.Context, req *Request) (*Completion, error)

	// Name returns the provider's configured name.
	Name() string
}
