package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/edict-hq/edict/internal/config"
)

const maxErrorBodyBytes = 4096

// HTTPProvider talks to an OpenAI-compatible chat completions endpoint.
type HTTPProvider struct {
	name    string
	baseURL string
	model   string
	apiKey  string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPProvider builds a provider from its configuration. The API key is
// resolved from the named environment variable at construction time.
func NewHTTPProvider(cfg config.ProviderConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		apiKey:  os.Getenv(cfg.APIKeyEnv),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the provider's configured name.
func (p *HTTPProvider) Name() string { return p.name }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends the request to the chat completions endpoint and normalizes
// the response. Errors are classified into the package's typed errors:
// context deadline → TimeoutError, 429 → RateLimitError, 5xx → transient
// ProviderError, other non-2xx → non-transient ProviderError.
func (p *HTTPProvider) Complete(ctx context.Context, req *Request) (*Completion, error) {
	body, err := json.Marshal(chatRequest{
		Model:       p.model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: encoding request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Provider: p.name, Timeout: p.timeout}
		}
		return nil, &ProviderError{Provider: p.name, Message: err.Error(), Transient: true, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{
			Provider:   p.name,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    readErrorBody(resp.Body),
		}
	}
	if resp.StatusCode >= 500 {
		return nil, &ProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
			Transient:  true,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: p.name, Message: "reading response body", Transient: true, Cause: err}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ParseError{Provider: p.name, RawResponse: string(raw), Cause: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ParseError{Provider: p.name, RawResponse: string(raw), Cause: errors.New("no choices in response")}
	}

	model := parsed.Model
	if model == "" {
		model = p.model
	}
	return &Completion{
		Content:      parsed.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil || len(b) == 0 {
		return ""
	}
	return string(b)
}
