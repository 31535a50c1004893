// Package engine contains the compliance reasoning logic: the pure planner
// that decides a run's next action from its recorded history, and the
// synthesizer that produces the final assessment.
package engine

import (
	"fmt"

	"github.com/edict-hq/edict/model"
)

// similarityLabel tags the single similarity probe of a past-law run.
const similarityLabel = "similarity"

// PlanKind identifies the next action for a run.
type PlanKind string

const (
	// PlanExtract runs structured extraction on the input document.
	PlanExtract PlanKind = "extract"
	// PlanProposeSearch raises a new approval request for a search.
	PlanProposeSearch PlanKind = "propose_search"
	// PlanAwaitApproval means a pending approval exists; the run suspends.
	PlanAwaitApproval PlanKind = "await_approval"
	// PlanSynthesize produces the final assessment from gathered evidence.
	PlanSynthesize PlanKind = "synthesize"
	// PlanFinishStatic terminates the run with a fixed undetermined
	// assessment and no model call.
	PlanFinishStatic PlanKind = "finish_static"
)

// Plan is the planner's decision for one advance of the state machine.
type Plan struct {
	Kind PlanKind

	// Proposal is set for PlanProposeSearch. ID and timestamps are stamped
	// by the state machine, not the planner.
	Proposal *model.ApprovalRequest

	// Reason is a human-readable note for PlanFinishStatic.
	Reason string
}

// Config carries the planner knobs.
type Config struct {
	MaxRounds           int
	SimilarityThreshold float64
}

// labelState is the per-label progress derived from the run history.
type labelState struct {
	done     map[string]bool
	rejected map[string]bool
	pending  string
}

// deriveLabels replays the run history into per-label progress. A label is
// done once a search executed for it; a rejected label is never re-proposed.
func deriveLabels(run *model.WorkflowRun) labelState {
	st := labelState{
		done:     make(map[string]bool),
		rejected: make(map[string]bool),
	}
	for _, step := range run.Steps {
		label, _ := step.Payload["label"].(string)
		if label == "" {
			continue
		}
		switch step.Kind {
		case model.StepSearchResult:
			st.done[label] = true
		case model.StepApprovalDecision:
			if decision, _ := step.Payload["decision"].(string); decision == model.ApprovalStateRejected {
				st.rejected[label] = true
			}
		}
	}
	if p := run.PendingApproval(); p != nil {
		st.pending = p.Label
	}
	return st
}

// Next decides the run's next action. It is a pure function of the run
// snapshot: replaying it against the same history always yields the same
// plan, which is what makes retried advances idempotent.
func Next(run *model.WorkflowRun, cfg Config) Plan {
	if run.PendingApproval() != nil {
		return Plan{Kind: PlanAwaitApproval}
	}

	switch run.WorkflowType {
	case model.WorkflowRequirementsToLegal:
		return nextEvidenceGathering(run, cfg, requirementLabels(run), model.EvidenceSourceLegal,
			"Search the legal corpus for regulations matching requirement: ")
	case model.WorkflowLegalToRequirements:
		return nextEvidenceGathering(run, cfg, run.Topics, model.EvidenceSourceRequirements,
			"Search the requirements corpus for items affected by topic: ")
	case model.WorkflowPastLawIteration:
		return nextPastLaw(run, cfg)
	}
	return Plan{Kind: PlanFinishStatic, Reason: fmt.Sprintf("unknown workflow type %q", run.WorkflowType)}
}

// nextEvidenceGathering drives the two corpus-analysis workflows: extract,
// then one approval-gated search per label until all labels are served,
// rejected, or the round cap is hit, then synthesis.
func nextEvidenceGathering(run *model.WorkflowRun, cfg Config, labels []string, backend, descPrefix string) Plan {
	if len(labels) == 0 {
		return Plan{Kind: PlanExtract}
	}

	st := deriveLabels(run)

	if cfg.MaxRounds > 0 && run.Rounds >= cfg.MaxRounds {
		return synthesizeOrStatic(run, st, labels)
	}

	for _, label := range labels {
		if st.done[label] || st.rejected[label] || st.pending == label {
			continue
		}
		return Plan{Kind: PlanProposeSearch, Proposal: &model.ApprovalRequest{
			Kind:        model.ApprovalKindSearch,
			Description: descPrefix + label,
			Backend:     backend,
			Label:       label,
			Params: model.SearchParams{
				Query: label,
			},
		}}
	}

	return synthesizeOrStatic(run, st, labels)
}

// synthesizeOrStatic ends evidence gathering. A run whose every proposal was
// rejected and that holds no evidence terminates without a model call: an
// assessment cannot claim support it does not have.
func synthesizeOrStatic(run *model.WorkflowRun, st labelState, labels []string) Plan {
	if !run.HasEvidence() {
		allRejected := len(labels) > 0
		for _, label := range labels {
			if !st.rejected[label] {
				allRejected = false
				break
			}
		}
		if allRejected {
			return Plan{Kind: PlanFinishStatic, Reason: "all search proposals rejected; no evidence gathered"}
		}
	}
	return Plan{Kind: PlanSynthesize}
}

// nextPastLaw drives the similarity workflow: one approval-gated similarity
// search against the legal corpus, an optional delete-or-keep corpus
// decision when a close match is found, then synthesis.
func nextPastLaw(run *model.WorkflowRun, cfg Config) Plan {
	st := deriveLabels(run)

	if st.rejected[similarityLabel] {
		return Plan{Kind: PlanFinishStatic, Reason: "similarity search rejected; document not assessed"}
	}

	if !st.done[similarityLabel] {
		return Plan{Kind: PlanProposeSearch, Proposal: &model.ApprovalRequest{
			Kind:        model.ApprovalKindSearch,
			Description: "Search the legal corpus for laws similar to the submitted document",
			Backend:     model.EvidenceSourceLegal,
			Label:       similarityLabel,
			Params: model.SearchParams{
				Query:           run.InputText,
				ScopeDocumentID: run.DocumentID,
			},
		}}
	}

	// Similarity search done. Raise the corpus decision once when the
	// closest match is at or above the threshold.
	if top, ok := topMatch(run); ok && top.RelevanceScore >= cfg.SimilarityThreshold && !corpusDecisionResolved(run) {
		return Plan{Kind: PlanProposeSearch, Proposal: &model.ApprovalRequest{
			Kind: model.ApprovalKindCorpusDecision,
			Description: fmt.Sprintf(
				"Document %s matches existing corpus entry %s with similarity %.2f. Approve to replace the existing entry, reject to keep both.",
				run.DocumentID, top.SourceDocumentID, top.RelevanceScore),
			Backend: model.EvidenceSourceLegal,
			Label:   "corpus_decision",
			Params: model.SearchParams{
				ScopeDocumentID: top.SourceDocumentID,
			},
		}}
	}

	return Plan{Kind: PlanSynthesize}
}

// topMatch returns the highest-scoring legal evidence item.
func topMatch(run *model.WorkflowRun) (model.Evidence, bool) {
	var best model.Evidence
	found := false
	for _, e := range run.Evidence {
		if e.Source != model.EvidenceSourceLegal {
			continue
		}
		if !found || e.RelevanceScore > best.RelevanceScore {
			best = e
			found = true
		}
	}
	return best, found
}

// corpusDecisionResolved reports whether the delete-or-keep decision was
// already taken, in either direction.
func corpusDecisionResolved(run *model.WorkflowRun) bool {
	for _, step := range run.Steps {
		if step.Kind != model.StepApprovalDecision {
			continue
		}
		if label, _ := step.Payload["label"].(string); label == "corpus_decision" {
			return true
		}
	}
	return false
}

// requirementLabels returns the label set for a requirements-driven run.
func requirementLabels(run *model.WorkflowRun) []string {
	labels := make([]string, 0, len(run.Requirements))
	for _, r := range run.Requirements {
		labels = append(labels, r.Text)
	}
	return labels
}
