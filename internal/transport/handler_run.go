package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/edict-hq/edict/internal/observability"
	"github.com/edict-hq/edict/internal/run"
	"github.com/edict-hq/edict/model"
)

// maxRequestBody caps request payload sizes. Documents beyond this arrive
// through an upstream ingestion path, not inline.
const maxRequestBody = 1 << 20

type startRunBody struct {
	WorkflowType string `json:"workflow_type"`
	DocumentID   string `json:"document_id"`
	InputText    string `json:"input_text"`
}

func handleRunStart(machine *run.Machine, idem run.IdempotencyStore, idemTTL time.Duration, logger *zap.Logger, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable request body"))
			return
		}
		var body startRunBody
		if err := json.Unmarshal(raw, &body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		idemKey := r.Header.Get("X-Idempotency-Key")
		inputHash := run.HashSubmission(bytes.TrimSpace(raw))
		if idem != nil && idemKey != "" {
			key := run.FormatIdempotencyKey(rctx.TenantID, idemKey)
			runID, found, err := idem.Check(r.Context(), key, inputHash)
			if err != nil {
				env := model.AsEnvelope(err)
				if env.Code == model.ErrConflict {
					metrics.RecordIdempotencyConflict()
				}
				WriteError(w, err)
				return
			}
			if found {
				metrics.RecordIdempotencyHit()
				existing, err := machine.Get(r.Context(), rctx.TenantID, runID)
				if err != nil {
					WriteError(w, err)
					return
				}
				WriteJSON(w, http.StatusOK, existing)
				return
			}
		}

		created, err := machine.Start(r.Context(), run.StartRequest{
			TenantID:     rctx.TenantID,
			SubjectID:    rctx.SubjectID,
			WorkflowType: model.WorkflowType(body.WorkflowType),
			DocumentID:   body.DocumentID,
			InputText:    body.InputText,
		})
		if err != nil {
			WriteError(w, err)
			return
		}

		if idem != nil && idemKey != "" {
			key := run.FormatIdempotencyKey(rctx.TenantID, idemKey)
			if err := idem.Store(r.Context(), key, inputHash, created.ID, idemTTL); err != nil {
				observability.RequestLogger(r.Context(), logger).Warn("idempotency store failed", zap.Error(err))
			}
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleRunGet(machine *run.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		snapshot, err := machine.Get(r.Context(), rctx.TenantID, chi.URLParam(r, "runID"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snapshot)
	}
}

func handleRunList(machine *run.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters := model.RunFilters{
			WorkflowType: r.URL.Query().Get("workflow_type"),
			Status:       r.URL.Query().Get("status"),
			Page:         queryInt(r, "page", 1),
			PageSize:     queryInt(r, "page_size", 20),
		}
		summaries, err := machine.List(r.Context(), rctx.TenantID, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":      summaries,
			"page":      filters.Page,
			"page_size": filters.PageSize,
		})
	}
}

func handleRunCancel(machine *run.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		cancelled, err := machine.Cancel(r.Context(), rctx.TenantID, chi.URLParam(r, "runID"), body.Reason, rctx.SubjectID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"status": cancelled.Status,
		})
	}
}

type resolveApprovalBody struct {
	Decision string              `json:"decision"`
	Params   *model.SearchParams `json:"params,omitempty"`
	Comment  string              `json:"comment,omitempty"`
}

func handleApprovalResolve(machine *run.Machine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body resolveApprovalBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		snapshot, err := machine.ResolveApproval(r.Context(), rctx.TenantID,
			chi.URLParam(r, "runID"), chi.URLParam(r, "approvalID"), run.Decision{
				Action:     body.Decision,
				Params:     body.Params,
				Comment:    body.Comment,
				ResolvedBy: rctx.SubjectID,
			})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snapshot)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
