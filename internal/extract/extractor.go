// Package extract turns free-form document text into structured requirements
// and search topics using the LLM gateway.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/edict-hq/edict/internal/llm"
	"github.com/edict-hq/edict/model"
)

const requirementsSystemPrompt = `You extract software requirements from documents.
Respond with a JSON object only, no prose, in exactly this shape:
{"requirements":[{"text":"...","type":"functional|compliance|operational","priority":"high|medium|low"}]}`

const topicsSystemPrompt = `You identify the legal and regulatory topics a document touches.
Respond with a JSON object only, no prose, in exactly this shape:
{"topics":["topic one","topic two"]}`

// Extractor wraps the gateway with retry-on-malformed-output semantics. A
// response that fails to parse is retried with the parse failure appended to
// the conversation; after the retry budget is spent the extraction fails
// with MALFORMED_EXTRACTION.
type Extractor struct {
	gateway *llm.Gateway
	retries int
	logger  *zap.Logger
}

// NewExtractor builds an extractor. retries is the number of re-asks after
// the first malformed response; negative values are treated as zero.
func NewExtractor(gateway *llm.Gateway, retries int, logger *zap.Logger) *Extractor {
	if retries < 0 {
		retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{gateway: gateway, retries: retries, logger: logger}
}

type requirementsPayload struct {
	Requirements []model.Requirement `json:"requirements"`
}

type topicsPayload struct {
	Topics []string `json:"topics"`
}

// Requirements extracts normalized requirement statements from document
// text. The attempt records of every gateway call made are returned for the
// run history, on failure as well as success.
func (e *Extractor) Requirements(ctx context.Context, text string) ([]model.Requirement, []model.ProviderAttempt, error) {
	var payload requirementsPayload
	attempts, err := e.structured(ctx, requirementsSystemPrompt, text, &payload)
	if err != nil {
		return nil, attempts, err
	}
	reqs := make([]model.Requirement, 0, len(payload.Requirements))
	for _, r := range payload.Requirements {
		r.Text = strings.TrimSpace(r.Text)
		if r.Text == "" {
			continue
		}
		if r.Type == "" {
			r.Type = "functional"
		}
		if r.Priority == "" {
			r.Priority = "medium"
		}
		reqs = append(reqs, r)
	}
	if len(reqs) == 0 {
		return nil, attempts, model.NewMalformedExtractionError("no requirements found in document")
	}
	return reqs, attempts, nil
}

// Topics extracts the regulatory topics a legal document covers.
func (e *Extractor) Topics(ctx context.Context, text string) ([]string, []model.ProviderAttempt, error) {
	var payload topicsPayload
	attempts, err := e.structured(ctx, topicsSystemPrompt, text, &payload)
	if err != nil {
		return nil, attempts, err
	}
	topics := make([]string, 0, len(payload.Topics))
	for _, topic := range payload.Topics {
		topic = strings.TrimSpace(topic)
		if topic != "" {
			topics = append(topics, topic)
		}
	}
	if len(topics) == 0 {
		return nil, attempts, model.NewMalformedExtractionError("no topics found in document")
	}
	return topics, attempts, nil
}

// structured runs one extraction conversation, re-asking on malformed output
// up to the retry budget.
func (e *Extractor) structured(ctx context.Context, system, text string, out any) ([]model.ProviderAttempt, error) {
	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	}

	var all []model.ProviderAttempt
	var lastErr error
	for i := 0; i <= e.retries; i++ {
		comp, attempts, err := e.gateway.Complete(ctx, &llm.Request{Messages: messages})
		all = append(all, attempts...)
		if err != nil {
			return all, err
		}

		if err := json.Unmarshal([]byte(extractJSON(comp.Content)), out); err == nil {
			return all, nil
		} else {
			lastErr = err
		}

		e.logger.Warn("malformed extraction output, re-asking",
			zap.Int("attempt", i+1), zap.Error(lastErr))
		messages = append(messages,
			llm.Message{Role: "assistant", Content: comp.Content},
			llm.Message{Role: "user", Content: fmt.Sprintf(
				"Your previous answer was not valid JSON (%v). Respond again with only the JSON object.", lastErr)},
		)
	}
	return all, model.NewMalformedExtractionError(fmt.Sprintf("invalid JSON after %d attempts: %v", e.retries+1, lastErr))
}

// extractJSON strips markdown code fences and surrounding prose, keeping the
// outermost JSON object. Models wrap JSON in fences often enough that this
// is worth doing before the strict parse.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
