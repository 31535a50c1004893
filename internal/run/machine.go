// Package run owns the workflow state machine: run lifecycle, persistence,
// the human-in-the-loop approval gate, and idempotent submission. Only the
// machine mutates a run; every other component communicates through inputs
// and outputs.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edict-hq/edict/internal/config"
	"github.com/edict-hq/edict/internal/engine"
	"github.com/edict-hq/edict/internal/extract"
	"github.com/edict-hq/edict/internal/observability"
	"github.com/edict-hq/edict/internal/search"
	"github.com/edict-hq/edict/internal/stream"
	"github.com/edict-hq/edict/model"
)

// Machine drives workflow runs through their lifecycle. All transitions for
// one run are serialized by a per-run mutex; transitions are persisted before
// their events are published, so a subscriber never sees an event the store
// does not back.
type Machine struct {
	store       Store
	extractor   *extract.Extractor
	synthesizer *engine.Synthesizer
	adapters    map[string]search.Adapter
	streamer    *stream.Streamer
	cfg         config.WorkflowConfig
	logger      *zap.Logger
	metrics     *observability.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMachine creates a state machine over the given collaborators. Adapters
// are keyed by their evidence source.
func NewMachine(
	store Store,
	extractor *extract.Extractor,
	synthesizer *engine.Synthesizer,
	adapters []search.Adapter,
	streamer *stream.Streamer,
	cfg config.WorkflowConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Machine {
	bySource := make(map[string]search.Adapter, len(adapters))
	for _, a := range adapters {
		bySource[a.Source()] = a
	}
	return &Machine{
		store:       store,
		extractor:   extractor,
		synthesizer: synthesizer,
		adapters:    bySource,
		streamer:    streamer,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		locks:       make(map[string]*sync.Mutex),
	}
}

// lockRun returns the mutex serializing transitions for one run.
func (m *Machine) lockRun(runID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[runID] = l
	}
	return l
}

// StartRequest carries the inputs of a new run.
type StartRequest struct {
	TenantID     string
	SubjectID    string
	WorkflowType model.WorkflowType
	DocumentID   string
	InputText    string
}

func (r StartRequest) validate() error {
	if !r.WorkflowType.Valid() {
		return model.NewBadRequestError(fmt.Sprintf("unknown workflow type %q", r.WorkflowType))
	}
	if r.InputText == "" {
		return model.NewBadRequestError("input_text is required")
	}
	if r.WorkflowType == model.WorkflowPastLawIteration && r.DocumentID == "" {
		return model.NewBadRequestError("document_id is required for past law iteration")
	}
	return nil
}

// Start creates a new run and begins advancing it in the background. The
// returned snapshot is the run as persisted, in status pending.
func (m *Machine) Start(ctx context.Context, req StartRequest) (model.WorkflowRun, error) {
	if err := req.validate(); err != nil {
		return model.WorkflowRun{}, err
	}

	now := time.Now().UTC()
	run := model.WorkflowRun{
		ID:           uuid.New().String(),
		TenantID:     req.TenantID,
		SubjectID:    req.SubjectID,
		WorkflowType: req.WorkflowType,
		Status:       model.RunStatusPending,
		DocumentID:   req.DocumentID,
		InputText:    req.InputText,
		Steps:        []model.Step{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Create(ctx, run); err != nil {
		return model.WorkflowRun{}, err
	}

	m.metrics.RecordRunStart(string(run.WorkflowType))
	m.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("workflow_type", string(run.WorkflowType)),
		zap.String("tenant_id", run.TenantID),
	)

	go m.advance(context.WithoutCancel(ctx), run.TenantID, run.ID)
	return run, nil
}

// Get returns a run snapshot.
func (m *Machine) Get(ctx context.Context, tenantID, runID string) (model.WorkflowRun, error) {
	return m.store.Get(ctx, tenantID, runID)
}

// List returns run summaries for a tenant.
func (m *Machine) List(ctx context.Context, tenantID string, filters model.RunFilters) ([]model.RunSummary, error) {
	return m.store.List(ctx, tenantID, filters)
}

// txn accumulates one transition's mutations so its events publish only after
// the store accepted the updated run.
type txn struct {
	run    *model.WorkflowRun
	events []model.RunEvent
}

func (t *txn) event(kind string, payload map[string]any) {
	t.run.EventSeq++
	t.events = append(t.events, model.RunEvent{
		RunID:     t.run.ID,
		Sequence:  t.run.EventSeq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func (t *txn) step(kind model.StepKind, payload map[string]any) {
	step := model.Step{
		Sequence:  t.run.NextStepSequence(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	t.run.Steps = append(t.run.Steps, step)
	t.event(string(kind), payload)
}

func (t *txn) status(status string, extra map[string]any) {
	t.run.Status = status
	payload := map[string]any{"status": status}
	for k, v := range extra {
		payload[k] = v
	}
	t.event(model.EventKindStatus, payload)
}

// commit persists the transition and then publishes its events.
func (m *Machine) commit(ctx context.Context, t *txn) error {
	if err := m.store.Update(ctx, *t.run); err != nil {
		return err
	}
	for _, ev := range t.events {
		m.streamer.Publish(ev)
	}
	if model.RunStatusTerminal(t.run.Status) {
		m.metrics.RecordRunCompletion(string(t.run.WorkflowType), t.run.Status, len(t.run.Evidence))
		m.streamer.CloseRun(t.run.ID)
	}
	return nil
}

// fail terminates the run with a failure code, retaining the step history.
func (t *txn) fail(code, reason string) {
	t.run.FailureCode = code
	t.run.FailureReason = reason
	t.status(model.RunStatusFailed, map[string]any{
		"failure_code":   code,
		"failure_reason": reason,
	})
}

// Backlog builds the snapshot a late stream subscriber receives before live
// events: the current status and, when suspended, the pending approval.
func Backlog(run model.WorkflowRun) []model.RunEvent {
	payload := map[string]any{"status": run.Status}
	if p := run.PendingApproval(); p != nil {
		payload["approval_id"] = p.ID
		payload["approval_description"] = p.Description
	}
	return []model.RunEvent{{
		RunID:     run.ID,
		Sequence:  run.EventSeq,
		Kind:      model.EventKindStatus,
		Payload:   payload,
		Timestamp: run.UpdatedAt,
	}}
}

// advanceRetries bounds how many consecutive store failures one advance
// tolerates before abandoning the run to the next trigger (a resolution, the
// sweeper, or another replica picking up the conflict).
const advanceRetries = 3

// advanceRetryBackoff spaces out retries after a store failure.
const advanceRetryBackoff = 200 * time.Millisecond

// advance drives a run until it suspends or terminates. Each iteration
// reloads the run and asks the planner for a fresh decision over the current
// history, so a crashed or retried advance replays to the same state. Store
// failures retry with backoff; a version conflict means another writer moved
// the run, which the reload picks up.
func (m *Machine) advance(ctx context.Context, tenantID, runID string) {
	lock := m.lockRun(runID)
	lock.Lock()
	defer lock.Unlock()

	failures := 0
	retry := func(stage string, err error) bool {
		failures++
		if failures > advanceRetries {
			m.logger.Error("advance abandoned after retries",
				zap.String("run_id", runID),
				zap.String("stage", stage),
				zap.Error(err),
			)
			return false
		}
		m.logger.Warn("advance retrying",
			zap.String("run_id", runID),
			zap.String("stage", stage),
			zap.Int("attempt", failures),
			zap.Error(err),
		)
		time.Sleep(advanceRetryBackoff)
		return true
	}

	for {
		run, err := m.store.Get(ctx, tenantID, runID)
		if err != nil {
			if retry("load", err) {
				continue
			}
			return
		}

		switch run.Status {
		case model.RunStatusPending:
			t := &txn{run: &run}
			t.status(model.RunStatusRunning, nil)
			if err := m.commit(ctx, t); err != nil {
				if retry("start", err) {
					continue
				}
				return
			}
			failures = 0
			continue
		case model.RunStatusRunning:
			// fall through to planning
		default:
			return
		}

		plan := engine.Next(&run, engine.Config{
			MaxRounds:           m.cfg.MaxRounds,
			SimilarityThreshold: m.cfg.SimilarityThreshold,
		})

		done, err := m.apply(ctx, &run, plan)
		if err != nil {
			if retry(string(plan.Kind), err) {
				continue
			}
			return
		}
		failures = 0
		if done {
			return
		}
	}
}

// apply executes one plan against a running run. It returns done=true when
// the run suspended or terminated.
func (m *Machine) apply(ctx context.Context, run *model.WorkflowRun, plan engine.Plan) (bool, error) {
	t := &txn{run: run}

	switch plan.Kind {
	case engine.PlanAwaitApproval:
		// Status was already set when the approval was raised.
		return true, nil

	case engine.PlanExtract:
		m.applyExtract(ctx, t)
		return model.RunStatusTerminal(run.Status), m.commit(ctx, t)

	case engine.PlanProposeSearch:
		proposal := *plan.Proposal
		proposal.ID = uuid.New().String()
		proposal.State = model.ApprovalStatePending
		proposal.CreatedAt = time.Now().UTC()
		proposal.ExpiresAt = proposal.CreatedAt.Add(m.cfg.ApprovalWindow)
		run.Approval = &proposal

		t.step(model.StepProposeSearch, map[string]any{
			"approval_id": proposal.ID,
			"kind":        string(proposal.Kind),
			"backend":     proposal.Backend,
			"label":       proposal.Label,
			"query":       proposal.Params.Query,
		})
		t.status(model.RunStatusAwaitingApproval, map[string]any{
			"approval_id": proposal.ID,
		})
		return true, m.commit(ctx, t)

	case engine.PlanSynthesize:
		m.applySynthesize(ctx, t)
		return true, m.commit(ctx, t)

	case engine.PlanFinishStatic:
		assessment := engine.StaticUndetermined(run, plan.Reason)
		run.Assessment = assessment
		t.step(model.StepLLMSynthesis, map[string]any{
			"static": true,
			"reason": plan.Reason,
		})
		t.status(model.RunStatusCompleted, nil)
		return true, m.commit(ctx, t)
	}

	return true, fmt.Errorf("unknown plan kind %q", plan.Kind)
}

// applyExtract runs structured extraction for the run's workflow type and
// records the outcome as a step. Extraction failure fails the run.
func (m *Machine) applyExtract(ctx context.Context, t *txn) {
	run := t.run
	start := time.Now()

	var attempts []model.ProviderAttempt
	var err error
	payload := map[string]any{}

	switch run.WorkflowType {
	case model.WorkflowRequirementsToLegal:
		var reqs []model.Requirement
		reqs, attempts, err = m.extractor.Requirements(ctx, run.InputText)
		if err == nil {
			run.Requirements = reqs
			payload["requirements"] = len(reqs)
		}
	case model.WorkflowLegalToRequirements:
		var topics []string
		topics, attempts, err = m.extractor.Topics(ctx, run.InputText)
		if err == nil {
			run.Topics = topics
			payload["topics"] = len(topics)
		}
	default:
		err = model.NewInvalidStateError(fmt.Sprintf("workflow %q does not extract", run.WorkflowType))
	}

	payload["provider_attempts"] = len(attempts)
	m.metrics.RecordRunStepDuration(string(run.WorkflowType), string(model.StepExtractRequirements), time.Since(start))

	if err != nil {
		env := model.AsEnvelope(err)
		t.step(model.StepExtractRequirements, map[string]any{
			"error":             env.Code,
			"provider_attempts": len(attempts),
		})
		t.fail(env.Code, env.Message)
		return
	}

	t.step(model.StepExtractRequirements, payload)
}

// applySynthesize produces the final assessment and completes the run. A
// synthesis failure fails the run but keeps the gathered evidence for a
// later resubmission.
func (m *Machine) applySynthesize(ctx context.Context, t *txn) {
	run := t.run

	if run.WorkflowType == model.WorkflowLegalToRequirements &&
		!run.HasEvidence() && searchFailures(run) > 0 {
		t.fail(model.ErrSearchUnavailable, "no evidence gathered: requirements search unavailable")
		return
	}

	start := time.Now()
	assessment, attempts, err := m.synthesizer.Synthesize(ctx, run)
	m.metrics.RecordRunStepDuration(string(run.WorkflowType), string(model.StepLLMSynthesis), time.Since(start))

	if err != nil {
		env := model.AsEnvelope(err)
		t.step(model.StepLLMSynthesis, map[string]any{
			"error":             env.Code,
			"provider_attempts": len(attempts),
		})
		t.fail(env.Code, env.Message)
		return
	}

	run.Assessment = assessment
	t.step(model.StepLLMSynthesis, map[string]any{
		"requires_compliance": assessment.RequiresCompliance,
		"confidence":          assessment.Confidence,
		"matched_regulations": len(assessment.MatchedRegulations),
		"provider_attempts":   len(attempts),
	})
	t.status(model.RunStatusCompleted, nil)
}

// searchFailures counts executed searches that ended in a backend error.
func searchFailures(run *model.WorkflowRun) int {
	n := 0
	for _, step := range run.Steps {
		if step.Kind != model.StepSearchResult {
			continue
		}
		if errCode, _ := step.Payload["error"].(string); errCode != "" {
			n++
		}
	}
	return n
}

// Decision actions accepted by ResolveApproval.
const (
	DecisionApprove = "approve"
	DecisionModify  = "modify"
	DecisionReject  = "reject"
)

// Decision is an operator's resolution of a pending approval.
type Decision struct {
	Action     string
	Params     *model.SearchParams
	Comment    string
	ResolvedBy string
}

func (d Decision) validate() error {
	switch d.Action {
	case DecisionApprove, DecisionReject:
		return nil
	case DecisionModify:
		if d.Params == nil {
			return model.NewBadRequestError("modify requires replacement params")
		}
		if d.Params.MaxResults < 0 {
			return model.NewBadRequestError("max_results must not be negative")
		}
		return nil
	}
	return model.NewBadRequestError(fmt.Sprintf("unknown decision %q", d.Action))
}

// ResolveApproval applies an operator decision to the run's pending approval.
// Approved or modified search proposals execute immediately; the run then
// resumes planning over the updated evidence. Resolving on a terminal run
// fails with RUN_NOT_ACTIVE; resolving anything but the current pending
// approval fails with INVALID_STATE.
func (m *Machine) ResolveApproval(ctx context.Context, tenantID, runID, approvalID string, decision Decision) (model.WorkflowRun, error) {
	if err := decision.validate(); err != nil {
		return model.WorkflowRun{}, err
	}

	lock := m.lockRun(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := m.store.Get(ctx, tenantID, runID)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	if model.RunStatusTerminal(run.Status) {
		return model.WorkflowRun{}, model.NewRunNotActiveError(
			fmt.Sprintf("run %q already %s", runID, run.Status))
	}
	if run.Status != model.RunStatusAwaitingApproval {
		return model.WorkflowRun{}, model.NewInvalidStateError(
			fmt.Sprintf("run %q is %s, not awaiting approval", runID, run.Status))
	}
	pending := run.PendingApproval()
	if pending == nil {
		return model.WorkflowRun{}, model.NewInvalidStateError(
			fmt.Sprintf("run %q has no pending approval", runID))
	}
	if pending.ID != approvalID {
		return model.WorkflowRun{}, model.NewNotFoundError(
			fmt.Sprintf("approval %q is not pending on run %q", approvalID, runID))
	}

	now := time.Now().UTC()
	pending.ResolvedAt = &now
	pending.ResolvedBy = decision.ResolvedBy
	pending.Comment = decision.Comment

	t := &txn{run: &run}

	switch decision.Action {
	case DecisionReject:
		pending.State = model.ApprovalStateRejected
	case DecisionModify:
		pending.State = model.ApprovalStateModified
		pending.Params = *decision.Params
	default:
		pending.State = model.ApprovalStateApproved
	}

	t.step(model.StepApprovalDecision, map[string]any{
		"approval_id": pending.ID,
		"label":       pending.Label,
		"kind":        string(pending.Kind),
		"decision":    pending.State,
		"resolved_by": pending.ResolvedBy,
	})
	m.metrics.RecordApproval(string(run.WorkflowType), pending.State)

	if pending.State != model.ApprovalStateRejected &&
		pending.Kind == model.ApprovalKindSearch {
		m.executeSearch(ctx, t, *pending)
	}

	if !model.RunStatusTerminal(run.Status) {
		t.status(model.RunStatusRunning, nil)
	}
	if err := m.commit(ctx, t); err != nil {
		return model.WorkflowRun{}, err
	}

	if run.Status == model.RunStatusRunning {
		go m.advance(context.WithoutCancel(ctx), tenantID, runID)
	}
	return run, nil
}

// executeSearch runs an approved search proposal against its backend and
// folds the results into the run. A backend failure is handled per workflow
// type: the similarity workflow cannot proceed without the legal corpus and
// aborts; the corpus-analysis workflows record the failure and continue on
// partial evidence.
func (m *Machine) executeSearch(ctx context.Context, t *txn, approval model.ApprovalRequest) {
	run := t.run
	run.Rounds++

	adapter, ok := m.adapters[approval.Backend]
	if !ok {
		t.fail(model.ErrSearchUnavailable, fmt.Sprintf("no adapter for backend %q", approval.Backend))
		return
	}

	start := time.Now()
	evidence, err := adapter.Search(ctx, approval.Params)
	m.metrics.RecordRunStepDuration(string(run.WorkflowType), string(model.StepSearchResult), time.Since(start))

	if err != nil {
		env := model.AsEnvelope(err)
		if run.WorkflowType == model.WorkflowPastLawIteration {
			t.step(model.StepSearchResult, map[string]any{
				"label":   approval.Label,
				"backend": approval.Backend,
				"error":   env.Code,
			})
			t.fail(env.Code, env.Message)
			return
		}
		// Partial-evidence workflows record the failed round and move on.
		t.step(model.StepSearchResult, map[string]any{
			"label":   approval.Label,
			"backend": approval.Backend,
			"error":   env.Code,
		})
		m.logger.Warn("search failed, continuing on partial evidence",
			zap.String("run_id", run.ID),
			zap.String("backend", approval.Backend),
			zap.Error(err),
		)
		return
	}

	added := run.AppendEvidence(evidence)
	t.step(model.StepSearchResult, map[string]any{
		"label":    approval.Label,
		"backend":  approval.Backend,
		"results":  len(evidence),
		"added":    added,
		"query":    approval.Params.Query,
		"modified": approval.State == model.ApprovalStateModified,
	})
}

// Cancel transitions a non-terminal run to cancelled. An outstanding
// approval is abandoned without executing; later cancel or resolution
// attempts fail with RUN_NOT_ACTIVE.
func (m *Machine) Cancel(ctx context.Context, tenantID, runID, reason, by string) (model.WorkflowRun, error) {
	lock := m.lockRun(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := m.store.Get(ctx, tenantID, runID)
	if err != nil {
		return model.WorkflowRun{}, err
	}
	if model.RunStatusTerminal(run.Status) {
		return model.WorkflowRun{}, model.NewRunNotActiveError(
			fmt.Sprintf("run %q already %s", runID, run.Status))
	}

	t := &txn{run: &run}
	if pending := run.PendingApproval(); pending != nil {
		now := time.Now().UTC()
		pending.State = model.ApprovalStateRejected
		pending.ResolvedAt = &now
		pending.ResolvedBy = by
		pending.Comment = "run cancelled"
	}
	t.status(model.RunStatusCancelled, map[string]any{
		"reason": reason,
	})
	if err := m.commit(ctx, t); err != nil {
		return model.WorkflowRun{}, err
	}

	m.logger.Info("run cancelled",
		zap.String("run_id", runID),
		zap.String("reason", reason),
	)
	return run, nil
}

// ProcessApprovalTimeouts fails every suspended run whose approval window
// elapsed. Called periodically by the sweeper.
func (m *Machine) ProcessApprovalTimeouts(ctx context.Context) int {
	expired, err := m.store.FindAwaitingExpired(ctx, time.Now().UTC())
	if err != nil {
		m.logger.Error("approval timeout sweep failed", zap.Error(err))
		return 0
	}

	timedOut := 0
	for _, stale := range expired {
		if m.timeoutRun(ctx, stale.TenantID, stale.ID) {
			timedOut++
		}
	}
	return timedOut
}

// timeoutRun re-checks and fails one expired run under its lock. The reload
// guards against an approval resolved between the sweep query and the lock.
func (m *Machine) timeoutRun(ctx context.Context, tenantID, runID string) bool {
	lock := m.lockRun(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := m.store.Get(ctx, tenantID, runID)
	if err != nil {
		m.logger.Error("timeout load failed", zap.String("run_id", runID), zap.Error(err))
		return false
	}
	pending := run.PendingApproval()
	if run.Status != model.RunStatusAwaitingApproval || pending == nil ||
		pending.ExpiresAt.After(time.Now().UTC()) {
		return false
	}

	now := time.Now().UTC()
	pending.State = model.ApprovalStateRejected
	pending.ResolvedAt = &now
	pending.ResolvedBy = "system"
	pending.Comment = "approval window elapsed"

	t := &txn{run: &run}
	t.step(model.StepApprovalDecision, map[string]any{
		"approval_id": pending.ID,
		"label":       pending.Label,
		"decision":    pending.State,
		"resolved_by": "system",
		"timeout":     true,
	})
	env := model.NewApprovalTimeoutError(pending.ID)
	t.fail(env.Code, env.Message)

	if err := m.commit(ctx, t); err != nil {
		m.logger.Error("timeout commit failed", zap.String("run_id", runID), zap.Error(err))
		return false
	}

	m.metrics.RecordApprovalTimeout(string(run.WorkflowType))
	m.logger.Warn("approval timed out",
		zap.String("run_id", runID),
		zap.String("approval_id", pending.ID),
	)
	return true
}
