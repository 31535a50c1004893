package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edict-hq/edict/model"
)

func TestWriteErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{model.NewBadRequestError("x"), http.StatusBadRequest},
		{model.NewUnauthorizedError("x"), http.StatusUnauthorized},
		{model.NewForbiddenError("x"), http.StatusForbidden},
		{model.NewNotFoundError("x"), http.StatusNotFound},
		{model.NewConflictError("x"), http.StatusConflict},
		{model.NewInvalidStateError("x"), http.StatusConflict},
		{model.NewAllProvidersExhaustedError(2), http.StatusBadGateway},
		{model.NewSearchUnavailableError("legal"), http.StatusBadGateway},
		{model.NewSynthesisUnavailableError(), http.StatusBadGateway},
		{model.NewApprovalTimeoutError("a1"), http.StatusConflict},
		{model.NewRateLimitedError(), http.StatusTooManyRequests},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, tc.err)
		if rec.Code != tc.status {
			t.Errorf("error %v: expected status %d, got %d", tc.err, tc.status, rec.Code)
		}

		var body struct {
			Error *model.ErrorEnvelope `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("response is not a JSON error envelope: %v", err)
		}
		if body.Error == nil || body.Error.Code == "" {
			t.Errorf("error %v: missing error code in body %s", tc.err, rec.Body.String())
		}
	}
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("pgx: connection refused to 10.0.0.5"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error.Code != model.ErrInternalError {
		t.Fatalf("expected INTERNAL_ERROR, got %q", body.Error.Code)
	}
	if body.Error.Message != "An unexpected error occurred" {
		t.Fatalf("internal error details leaked: %q", body.Error.Message)
	}
}
