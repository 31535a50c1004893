package run

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edict-hq/edict/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. The run's reasoning
// state (steps, evidence, approval, assessment) lives in a JSONB column; the
// columns queried by listings and the timeout sweeper are first-class.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL run store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// runState is the JSONB payload of a run row.
type runState struct {
	InputText    string                      `json:"input_text,omitempty"`
	Requirements []model.Requirement         `json:"requirements,omitempty"`
	Topics       []string                    `json:"topics,omitempty"`
	Steps        []model.Step                `json:"steps"`
	Evidence     []model.Evidence            `json:"evidence,omitempty"`
	Approval     *model.ApprovalRequest      `json:"approval,omitempty"`
	Assessment   *model.ComplianceAssessment `json:"assessment,omitempty"`
}

func stateOf(run model.WorkflowRun) ([]byte, error) {
	return json.Marshal(runState{
		InputText:    run.InputText,
		Requirements: run.Requirements,
		Topics:       run.Topics,
		Steps:        run.Steps,
		Evidence:     run.Evidence,
		Approval:     run.Approval,
		Assessment:   run.Assessment,
	})
}

func applyState(run *model.WorkflowRun, stateJSON []byte) error {
	if stateJSON == nil {
		return nil
	}
	var st runState
	if err := json.Unmarshal(stateJSON, &st); err != nil {
		return fmt.Errorf("unmarshal run state: %w", err)
	}
	run.InputText = st.InputText
	run.Requirements = st.Requirements
	run.Topics = st.Topics
	run.Steps = st.Steps
	run.Evidence = st.Evidence
	run.Approval = st.Approval
	run.Assessment = st.Assessment
	return nil
}

// approvalExpiry returns the pending approval's expiry for the dedicated
// column, nil when the run is not suspended.
func approvalExpiry(run model.WorkflowRun) *time.Time {
	if p := run.PendingApproval(); p != nil && !p.ExpiresAt.IsZero() {
		t := p.ExpiresAt
		return &t
	}
	return nil
}

// Create inserts a new run.
func (s *PgStore) Create(ctx context.Context, run model.WorkflowRun) error {
	stateJSON, err := stateOf(run)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_runs (
			id, tenant_id, subject_id, workflow_type, status,
			document_id, rounds, event_seq, failure_code, failure_reason,
			state, version, created_at, updated_at, approval_expires_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		run.ID, run.TenantID, run.SubjectID, run.WorkflowType, run.Status,
		run.DocumentID, run.Rounds, run.EventSeq, run.FailureCode, run.FailureReason,
		stateJSON, run.Version, run.CreatedAt, run.UpdatedAt, approvalExpiry(run),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Get retrieves a run by ID, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, runID string) (model.WorkflowRun, error) {
	var run model.WorkflowRun
	var stateJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, subject_id, workflow_type, status,
		       document_id, rounds, event_seq, failure_code, failure_reason,
		       state, version, created_at, updated_at
		FROM workflow_runs
		WHERE id = $1 AND tenant_id = $2`,
		runID, tenantID,
	).Scan(
		&run.ID, &run.TenantID, &run.SubjectID, &run.WorkflowType, &run.Status,
		&run.DocumentID, &run.Rounds, &run.EventSeq, &run.FailureCode, &run.FailureReason,
		&stateJSON, &run.Version, &run.CreatedAt, &run.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.WorkflowRun{}, model.NewNotFoundError(fmt.Sprintf("run %q not found", runID))
	}
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("query run: %w", err)
	}

	if err := applyState(&run, stateJSON); err != nil {
		return model.WorkflowRun{}, err
	}
	return run, nil
}

// Update persists an updated run with optimistic locking.
func (s *PgStore) Update(ctx context.Context, run model.WorkflowRun) error {
	stateJSON, err := stateOf(run)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs SET
			status = $1,
			rounds = $2,
			event_seq = $3,
			failure_code = $4,
			failure_reason = $5,
			state = $6,
			version = $7,
			updated_at = $8,
			approval_expires_at = $9
		WHERE id = $10 AND version = $11`,
		run.Status, run.Rounds, run.EventSeq, run.FailureCode, run.FailureReason,
		stateJSON, run.Version+1, time.Now().UTC(), approvalExpiry(run),
		run.ID, run.Version,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("run %q version conflict (expected %d)", run.ID, run.Version),
		)
	}
	return nil
}

// List returns run summaries for a tenant, newest first.
func (s *PgStore) List(ctx context.Context, tenantID string, filters model.RunFilters) ([]model.RunSummary, error) {
	query := `SELECT id, workflow_type, status, subject_id, document_id, created_at, updated_at
	          FROM workflow_runs
	          WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.WorkflowType != "" {
		query += fmt.Sprintf(" AND workflow_type = $%d", argIdx)
		args = append(args, filters.WorkflowType)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := filters.Page
	if page < 1 {
		page = 1
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	summaries := []model.RunSummary{}
	for rows.Next() {
		var sum model.RunSummary
		if err := rows.Scan(
			&sum.ID, &sum.WorkflowType, &sum.Status, &sum.SubjectID,
			&sum.DocumentID, &sum.CreatedAt, &sum.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// FindAwaitingExpired returns suspended runs whose approval expired.
func (s *PgStore) FindAwaitingExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, subject_id, workflow_type, status,
		       document_id, rounds, event_seq, failure_code, failure_reason,
		       state, version, created_at, updated_at
		FROM workflow_runs
		WHERE status = $1 AND approval_expires_at IS NOT NULL AND approval_expires_at < $2
		ORDER BY approval_expires_at ASC`,
		model.RunStatusAwaitingApproval, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired runs: %w", err)
	}
	defer rows.Close()

	var runs []model.WorkflowRun
	for rows.Next() {
		var run model.WorkflowRun
		var stateJSON []byte
		if err := rows.Scan(
			&run.ID, &run.TenantID, &run.SubjectID, &run.WorkflowType, &run.Status,
			&run.DocumentID, &run.Rounds, &run.EventSeq, &run.FailureCode, &run.FailureReason,
			&stateJSON, &run.Version, &run.CreatedAt, &run.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := applyState(&run, stateJSON); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
