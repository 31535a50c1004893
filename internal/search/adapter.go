// Package search provides the adapters for the two external evidence stores
// (legal corpus and requirements corpus) behind a shared wire contract, with
// circuit breaking per backend.
package search

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/edict-hq/edict/internal/config"
	"github.com/edict-hq/edict/internal/observability"
	"github.com/edict-hq/edict/model"
)

// Adapter retrieves evidence from one backend. Implementations normalize
// backend results into model.Evidence and return them ranked best-first.
type Adapter interface {
	// Search executes the approved search parameters against the backend.
	// An empty result list is a valid outcome, not an error.
	Search(ctx context.Context, params model.SearchParams) ([]model.Evidence, error)

	// Source returns the evidence source this adapter serves
	// (model.EvidenceSourceLegal or model.EvidenceSourceRequirements).
	Source() string
}

// HashContent returns the hex SHA-256 of an evidence snippet. Used to build
// content-level dedup keys.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// wire types for the backend search contract.
type searchRequest struct {
	Query           string            `json:"query"`
	Filters         map[string]string `json:"filters,omitempty"`
	ScopeDocumentID string            `json:"scope_document_id,omitempty"`
	MaxResults      int               `json:"max_results,omitempty"`
}

type searchResult struct {
	Content          string         `json:"content"`
	SourceDocumentID string         `json:"source_document_id"`
	RelevanceScore   float64        `json:"relevance_score"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type searchResponse struct {
	Results      []searchResult `json:"results"`
	TotalResults int            `json:"total_results"`
}

// HTTPAdapter talks to a search backend over its JSON wire contract, guarded
// by a circuit breaker.
type HTTPAdapter struct {
	source     string
	baseURL    string
	maxResults int
	client     *http.Client
	breaker    *CircuitBreaker
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewHTTPAdapter builds an adapter for one backend. source must be one of
// the model evidence source constants; logger and metrics may be nil.
func NewHTTPAdapter(source string, cfg config.SearchBackendConfig, logger *zap.Logger, metrics *observability.Metrics) *HTTPAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAdapter{
		source:     source,
		baseURL:    cfg.BaseURL,
		maxResults: cfg.MaxResults,
		client:     &http.Client{Timeout: timeout},
		breaker:    NewCircuitBreaker(cfg.CircuitBreaker),
		logger:     logger,
		metrics:    metrics,
	}
}

// Source returns the evidence source this adapter serves.
func (a *HTTPAdapter) Source() string { return a.source }

// BreakerState exposes the breaker state for diagnostics.
func (a *HTTPAdapter) BreakerState() BreakerState { return a.breaker.State() }

// Search executes the search against the backend. Results are normalized to
// evidence, ranked by relevance score descending with the most recently
// updated document winning ties. An open breaker surfaces as
// SEARCH_UNAVAILABLE; call failures as BACKEND_TIMEOUT or
// BACKEND_UNAVAILABLE.
func (a *HTTPAdapter) Search(ctx context.Context, params model.SearchParams) ([]model.Evidence, error) {
	if err := a.breaker.Allow(); err != nil {
		a.observe("breaker_open", 0)
		return nil, model.NewSearchUnavailableError(a.source)
	}

	maxResults := params.MaxResults
	if maxResults <= 0 || (a.maxResults > 0 && maxResults > a.maxResults) {
		maxResults = a.maxResults
	}

	start := time.Now()
	resp, err := a.doSearch(ctx, searchRequest{
		Query:           params.Query,
		Filters:         params.Filters,
		ScopeDocumentID: params.ScopeDocumentID,
		MaxResults:      maxResults,
	})
	duration := time.Since(start)

	if err != nil {
		a.breaker.RecordFailure()
		a.observe("error", duration)
		a.logger.Warn("search backend failure",
			zap.String("backend", a.source),
			zap.String("breaker_state", a.breaker.State().String()),
			zap.Error(err))
		return nil, classifyBackendError(err)
	}

	a.breaker.RecordSuccess()
	a.observe("ok", duration)

	retrievedAt := time.Now().UTC()
	evidence := make([]model.Evidence, 0, len(resp.Results))
	for _, r := range resp.Results {
		evidence = append(evidence, model.Evidence{
			Source:           a.source,
			Content:          r.Content,
			RelevanceScore:   r.RelevanceScore,
			SourceDocumentID: r.SourceDocumentID,
			ContentHash:      HashContent(r.Content),
			Metadata:         r.Metadata,
			RetrievedAt:      retrievedAt,
		})
	}
	rankEvidence(evidence)
	return evidence, nil
}

// HealthCheck probes the backend's health endpoint.
func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("search backend %s health status %d", a.source, resp.StatusCode)
	}
	return nil
}

func (a *HTTPAdapter) doSearch(ctx context.Context, req searchRequest) (*searchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		io.Copy(io.Discard, httpResp.Body)
		return nil, fmt.Errorf("search backend status %d", httpResp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return &parsed, nil
}

func (a *HTTPAdapter) observe(status string, duration time.Duration) {
	if a.metrics == nil {
		return
	}
	a.metrics.RecordSearchRequest(a.source, status, duration)
	a.metrics.SetSearchCircuitBreakerState(a.source, float64(a.breaker.State()))
}

// rankEvidence orders evidence by relevance score descending. Ties fall to
// the most recently updated document when the backend reports an updated_at
// in result metadata, and otherwise keep backend order.
func rankEvidence(evidence []model.Evidence) {
	sort.SliceStable(evidence, func(i, j int) bool {
		if evidence[i].RelevanceScore != evidence[j].RelevanceScore {
			return evidence[i].RelevanceScore > evidence[j].RelevanceScore
		}
		return metadataUpdatedAt(evidence[i]).After(metadataUpdatedAt(evidence[j]))
	})
}

// classifyBackendError maps a backend call failure to a stable error code:
// timeouts are BACKEND_TIMEOUT, everything else BACKEND_UNAVAILABLE.
func classifyBackendError(err error) *model.ErrorEnvelope {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return model.NewBackendTimeoutError()
	}
	return model.NewBackendUnavailableError()
}

func metadataUpdatedAt(e model.Evidence) time.Time {
	raw, _ := e.Metadata["updated_at"].(string)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
