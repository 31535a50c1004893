package run

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edict-hq/edict/model"
)

// MemoryStore is an in-memory Store for single-node deployments and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]model.WorkflowRun // key: run ID
}

// NewMemoryStore creates a new in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]model.WorkflowRun)}
}

// Create persists a new run.
func (s *MemoryStore) Create(_ context.Context, run model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("run %q already exists", run.ID))
	}

	s.runs[run.ID] = run.Clone()
	return nil
}

// Get retrieves a run by ID, scoped to tenant. The returned run is a deep
// copy; callers may stage mutations on it freely.
func (s *MemoryStore) Get(_ context.Context, tenantID, runID string) (model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists || run.TenantID != tenantID {
		return model.WorkflowRun{}, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	return run.Clone(), nil
}

// Update persists an updated run with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, run model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.runs[run.ID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("run %q not found", run.ID))
	}

	// Optimistic lock check.
	if existing.Version != run.Version {
		return model.NewConflictError(
			fmt.Sprintf("run %q version conflict (expected %d, got %d)", run.ID, run.Version, existing.Version),
		)
	}

	run.Version++
	run.UpdatedAt = time.Now().UTC()
	s.runs[run.ID] = run.Clone()
	return nil
}

// List returns run summaries for a tenant, newest first.
func (s *MemoryStore) List(_ context.Context, tenantID string, filters model.RunFilters) ([]model.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RunSummary
	for _, run := range s.runs {
		if run.TenantID != tenantID {
			continue
		}
		if filters.WorkflowType != "" && string(run.WorkflowType) != filters.WorkflowType {
			continue
		}
		if filters.Status != "" && run.Status != filters.Status {
			continue
		}
		result = append(result, run.Summary())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	// Apply pagination.
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := filters.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize
	if offset >= len(result) {
		return []model.RunSummary{}, nil
	}
	result = result[offset:]
	if pageSize < len(result) {
		result = result[:pageSize]
	}
	return result, nil
}

// FindAwaitingExpired returns suspended runs whose approval expired.
func (s *MemoryStore) FindAwaitingExpired(_ context.Context, cutoff time.Time) ([]model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowRun
	for _, run := range s.runs {
		if run.Status != model.RunStatusAwaitingApproval {
			continue
		}
		p := run.PendingApproval()
		if p == nil || p.ExpiresAt.IsZero() || !p.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, run.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Approval.ExpiresAt.Before(result[j].Approval.ExpiresAt)
	})
	return result, nil
}

// HealthCheck reports the store as always healthy.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of runs. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
