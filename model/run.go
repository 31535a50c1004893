// Package model defines the shared domain types for the compliance reasoning
// engine: workflow runs, steps, evidence, approvals, and assessments.
package model

import "time"

// WorkflowType is one of the three supported compliance-analysis directions.
type WorkflowType string

const (
	// WorkflowLegalToRequirements analyses an uploaded legal document against
	// the requirements corpus and produces a gap/compliance report.
	WorkflowLegalToRequirements WorkflowType = "legal_to_requirements"
	// WorkflowPastLawIteration checks a new legal document for similarity
	// against the existing legal corpus before it is admitted.
	WorkflowPastLawIteration WorkflowType = "past_law_iteration"
	// WorkflowRequirementsToLegal analyses an uploaded requirements document
	// against the legal corpus and produces per-requirement compliance status.
	WorkflowRequirementsToLegal WorkflowType = "requirements_to_legal"
)

// Valid reports whether t is a known workflow type.
func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowLegalToRequirements, WorkflowPastLawIteration, WorkflowRequirementsToLegal:
		return true
	}
	return false
}

// Run status constants.
const (
	RunStatusPending          = "pending"
	RunStatusRunning          = "running"
	RunStatusAwaitingApproval = "awaiting_approval"
	RunStatusCompleted        = "completed"
	RunStatusFailed           = "failed"
	RunStatusCancelled        = "cancelled"
)

// RunStatusTerminal reports whether status is a terminal run status.
func RunStatusTerminal(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepKind identifies what a recorded reasoning step represents.
type StepKind string

const (
	StepExtractRequirements StepKind = "extract_requirements"
	StepProposeSearch       StepKind = "propose_search"
	StepSearchResult        StepKind = "search_result"
	StepLLMSynthesis        StepKind = "llm_synthesis"
	StepApprovalDecision    StepKind = "approval_decision"
)

// Step is one entry in a run's append-only reasoning history. Steps are never
// mutated after creation; the run's history is the concatenation of its steps.
type Step struct {
	Sequence  int            `json:"sequence"`
	Kind      StepKind       `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Evidence sources.
const (
	EvidenceSourceLegal        = "legal"
	EvidenceSourceRequirements = "requirements"
)

// Evidence is a normalized search match retrieved from one of the two
// external stores. Evidence is owned by the run and accumulated across steps.
type Evidence struct {
	Source           string         `json:"source"`
	Content          string         `json:"content"`
	RelevanceScore   float64        `json:"relevance_score"`
	SourceDocumentID string         `json:"source_document_id"`
	ContentHash      string         `json:"content_hash"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	RetrievedAt      time.Time      `json:"retrieved_at"`
}

// DedupKey identifies evidence by content, not arrival order. Re-running the
// same search never double-counts evidence.
func (e Evidence) DedupKey() string {
	return e.Source + "|" + e.SourceDocumentID + "|" + e.ContentHash
}

// Approval request states.
const (
	ApprovalStatePending  = "pending"
	ApprovalStateApproved = "approved"
	ApprovalStateModified = "modified"
	ApprovalStateRejected = "rejected"
)

// ApprovalKind distinguishes ordinary search proposals from the
// delete-or-keep corpus decision raised by the past-law workflow.
type ApprovalKind string

const (
	ApprovalKindSearch         ApprovalKind = "search"
	ApprovalKindCorpusDecision ApprovalKind = "corpus_decision"
)

// SearchParams are the constructed call parameters of a proposed search.
// On a modified approval the operator-supplied parameters replace these
// before execution.
type SearchParams struct {
	Query           string            `json:"query"`
	Filters         map[string]string `json:"filters,omitempty"`
	ScopeDocumentID string            `json:"scope_document_id,omitempty"`
	MaxResults      int               `json:"max_results,omitempty"`
}

// ApprovalRequest is the human-in-the-loop checkpoint preceding any
// externally-visible action. At most one may be pending per run at any time;
// the state machine enforces that invariant.
type ApprovalRequest struct {
	ID          string       `json:"id"`
	Kind        ApprovalKind `json:"kind"`
	Description string       `json:"description"`
	Backend     string       `json:"backend,omitempty"`
	Params      SearchParams `json:"params"`
	// Label ties the proposal back to the requirement or topic it serves.
	Label      string     `json:"label,omitempty"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	Comment    string     `json:"comment,omitempty"`
}

// Requirement is one normalized requirement statement produced by the
// extractor.
type Requirement struct {
	Text     string `json:"text"`
	Type     string `json:"type"`     // functional, compliance, operational
	Priority string `json:"priority"` // high, medium, low
}

// ComplianceAssessment is the final structured result of a run. Immutable
// once attached to a terminal run.
type ComplianceAssessment struct {
	RequiresCompliance bool      `json:"requires_compliance"`
	Confidence         float64   `json:"confidence"`
	Reasoning          string    `json:"reasoning"`
	MatchedRegulations []string  `json:"matched_regulations"`
	// Findings carries one entry per extracted requirement on
	// requirements-driven runs; empty otherwise.
	Findings    []RequirementFinding `json:"findings,omitempty"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// Per-requirement compliance statuses.
const (
	FindingCompliant    = "compliant"
	FindingNonCompliant = "non_compliant"
	FindingUndetermined = "undetermined"
)

// RequirementFinding is the compliance status of a single requirement. A
// requirement for which no evidence was gathered is always undetermined.
type RequirementFinding struct {
	Requirement string   `json:"requirement"`
	Status      string   `json:"status"`
	Citations   []string `json:"citations"`
}

// Provider attempt outcomes.
const (
	AttemptOutcomeSuccess     = "success"
	AttemptOutcomeRateLimited = "rate_limited"
	AttemptOutcomeError       = "error"
	AttemptOutcomeTimeout     = "timeout"
)

// ProviderAttempt records the outcome of one provider in the fallback chain
// for a single gateway call. Recorded for observability only; it never
// affects run identity.
type ProviderAttempt struct {
	Provider  string        `json:"provider"`
	Outcome   string        `json:"outcome"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// WorkflowRun is the authoritative record of one end-to-end execution of a
// workflow for one input payload. Only the state machine mutates it; all
// other components communicate through inputs and outputs.
type WorkflowRun struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	SubjectID    string       `json:"subject_id"`
	WorkflowType WorkflowType `json:"workflow_type"`
	Status       string       `json:"status"`

	// Input payload: normalized plain text plus a document reference. Binary
	// parsing happens upstream.
	DocumentID string `json:"document_id,omitempty"`
	InputText  string `json:"input_text,omitempty"`

	Requirements []Requirement `json:"requirements,omitempty"`
	Topics       []string      `json:"topics,omitempty"`
	Steps        []Step        `json:"steps"`
	Evidence     []Evidence    `json:"evidence,omitempty"`

	// Approval holds the current pending approval, or the most recently
	// resolved one. Exactly one approval may be pending at any time.
	Approval *ApprovalRequest `json:"approval,omitempty"`

	// Rounds counts evidence-gathering rounds consumed against the cap.
	Rounds int `json:"rounds"`

	Assessment    *ComplianceAssessment `json:"assessment,omitempty"`
	FailureCode   string                `json:"failure_code,omitempty"`
	FailureReason string                `json:"failure_reason,omitempty"`

	// EventSeq is the per-run event stream sequence counter.
	EventSeq int `json:"event_seq"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the run. Stores hand out clones so that
// staged mutations never alias persisted state.
func (r WorkflowRun) Clone() WorkflowRun {
	out := r
	if r.Requirements != nil {
		out.Requirements = append([]Requirement(nil), r.Requirements...)
	}
	if r.Topics != nil {
		out.Topics = append([]string(nil), r.Topics...)
	}
	if r.Steps != nil {
		out.Steps = append([]Step(nil), r.Steps...)
	}
	if r.Evidence != nil {
		out.Evidence = append([]Evidence(nil), r.Evidence...)
	}
	if r.Approval != nil {
		a := *r.Approval
		if r.Approval.ResolvedAt != nil {
			at := *r.Approval.ResolvedAt
			a.ResolvedAt = &at
		}
		if r.Approval.Params.Filters != nil {
			f := make(map[string]string, len(r.Approval.Params.Filters))
			for k, v := range r.Approval.Params.Filters {
				f[k] = v
			}
			a.Params.Filters = f
		}
		out.Approval = &a
	}
	if r.Assessment != nil {
		as := *r.Assessment
		if r.Assessment.MatchedRegulations != nil {
			as.MatchedRegulations = append([]string(nil), r.Assessment.MatchedRegulations...)
		}
		if r.Assessment.Findings != nil {
			as.Findings = append([]RequirementFinding(nil), r.Assessment.Findings...)
		}
		out.Assessment = &as
	}
	return out
}

// PendingApproval returns the run's pending approval, or nil.
func (r *WorkflowRun) PendingApproval() *ApprovalRequest {
	if r.Approval != nil && r.Approval.State == ApprovalStatePending {
		return r.Approval
	}
	return nil
}

// NextStepSequence returns the sequence number for the next appended step.
func (r *WorkflowRun) NextStepSequence() int {
	return len(r.Steps) + 1
}

// HasEvidence reports whether the run gathered any evidence at all.
func (r *WorkflowRun) HasEvidence() bool {
	return len(r.Evidence) > 0
}

// AppendEvidence merges new evidence into the run, deduplicating by
// (source, source_document_id, content_hash). Returns the number of items
// actually added.
func (r *WorkflowRun) AppendEvidence(items []Evidence) int {
	seen := make(map[string]bool, len(r.Evidence))
	for _, e := range r.Evidence {
		seen[e.DedupKey()] = true
	}
	added := 0
	for _, e := range items {
		key := e.DedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		r.Evidence = append(r.Evidence, e)
		added++
	}
	return added
}

// RunSummary is a lightweight representation of a run used in list views.
type RunSummary struct {
	ID           string       `json:"id"`
	WorkflowType WorkflowType `json:"workflow_type"`
	Status       string       `json:"status"`
	SubjectID    string       `json:"subject_id"`
	DocumentID   string       `json:"document_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Summary converts a run to its list representation.
func (r *WorkflowRun) Summary() RunSummary {
	return RunSummary{
		ID:           r.ID,
		WorkflowType: r.WorkflowType,
		Status:       r.Status,
		SubjectID:    r.SubjectID,
		DocumentID:   r.DocumentID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// Run event kinds beyond step kinds.
const (
	EventKindStatus = "status"
)

// RunEvent is one entry in a run's live event stream: one event per step
// append and one per status transition, in creation order. Consumers
// deduplicate by (run_id, sequence); delivery is at-least-once.
type RunEvent struct {
	RunID     string         `json:"run_id"`
	Sequence  int            `json:"sequence"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunFilters are optional filters for listing runs.
type RunFilters struct {
	WorkflowType string
	Status       string
	Page         int
	PageSize     int
}
