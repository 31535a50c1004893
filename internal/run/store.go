// Package run contains the workflow run state machine and its persistence.
package run

import (
	"context"
	"time"

	"github.com/edict-hq/edict/model"
)

// Store persists workflow runs.
type Store interface {
	// Create persists a new run.
	Create(ctx context.Context, run model.WorkflowRun) error

	// Get retrieves a run by ID, scoped to a tenant. Returns NOT_FOUND if
	// the run doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, runID string) (model.WorkflowRun, error)

	// Update persists an updated run with optimistic locking. The version
	// must match the current stored version; the store bumps it. Returns
	// CONFLICT if the version has changed underneath the caller.
	Update(ctx context.Context, run model.WorkflowRun) error

	// List returns run summaries for a tenant, newest first.
	List(ctx context.Context, tenantID string, filters model.RunFilters) ([]model.RunSummary, error)

	// FindAwaitingExpired returns runs suspended on an approval whose
	// expiry is before the cutoff.
	FindAwaitingExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowRun, error)
}
