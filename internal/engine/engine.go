package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edict-hq/edict/internal/llm"
	"github.com/edict-hq/edict/model"
)

const synthesisSystemPrompt = `You are a legal compliance analyst. Given a document summary and the
evidence retrieved for it, produce a compliance assessment.
Respond with a JSON object only, no prose, in exactly this shape:
{"requires_compliance":true,"confidence":0.0,"reasoning":"...","matched_regulations":["document id", "..."]}
matched_regulations may only contain document ids that appear in the evidence list.
When requirements are listed, additionally include one entry per requirement:
"findings":[{"requirement":"requirement text","status":"compliant|non_compliant|undetermined","citations":["document id"]}]`

// maxEvidenceSnippet bounds how much of each evidence item goes into the
// synthesis prompt.
const maxEvidenceSnippet = 600

// Synthesizer produces the final assessment of a run from its gathered
// evidence.
type Synthesizer struct {
	gateway *llm.Gateway
	retries int
	logger  *zap.Logger
}

// NewSynthesizer builds a synthesizer. retries is the number of re-asks
// after a malformed model response.
func NewSynthesizer(gateway *llm.Gateway, retries int, logger *zap.Logger) *Synthesizer {
	if retries < 0 {
		retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{gateway: gateway, retries: retries, logger: logger}
}

type assessmentPayload struct {
	RequiresCompliance bool             `json:"requires_compliance"`
	Confidence         float64          `json:"confidence"`
	Reasoning          string           `json:"reasoning"`
	MatchedRegulations []string         `json:"matched_regulations"`
	Findings           []findingPayload `json:"findings"`
}

type findingPayload struct {
	Requirement string   `json:"requirement"`
	Status      string   `json:"status"`
	Citations   []string `json:"citations"`
}

// Synthesize runs the synthesis conversation and normalizes the result.
// Normalization enforces two guarantees regardless of what the model says:
// confidence is clamped to [0,1], and an assessment may not claim compliance
// obligations without evidence; matched regulations are filtered to
// documents actually gathered, and a positive verdict with no surviving
// evidence is downgraded to undetermined.
func (s *Synthesizer) Synthesize(ctx context.Context, run *model.WorkflowRun) (*model.ComplianceAssessment, []model.ProviderAttempt, error) {
	messages := []llm.Message{
		{Role: "system", Content: synthesisSystemPrompt},
		{Role: "user", Content: synthesisInput(run)},
	}

	var all []model.ProviderAttempt
	var lastErr error
	for i := 0; i <= s.retries; i++ {
		comp, attempts, err := s.gateway.Complete(ctx, &llm.Request{Messages: messages})
		all = append(all, attempts...)
		if err != nil {
			return nil, all, err
		}

		var payload assessmentPayload
		if err := json.Unmarshal([]byte(extractJSON(comp.Content)), &payload); err != nil {
			lastErr = err
			s.logger.Warn("malformed synthesis output, re-asking",
				zap.Int("attempt", i+1), zap.Error(err))
			messages = append(messages,
				llm.Message{Role: "assistant", Content: comp.Content},
				llm.Message{Role: "user", Content: fmt.Sprintf(
					"Your previous answer was not valid JSON (%v). Respond again with only the JSON object.", err)},
			)
			continue
		}
		return normalize(run, payload), all, nil
	}
	s.logger.Error("synthesis output stayed malformed", zap.Error(lastErr))
	return nil, all, model.NewSynthesisUnavailableError()
}

// StaticUndetermined returns the terminal assessment for runs that end
// without any model synthesis, such as when every proposal was rejected.
// Requirements-driven runs get one undetermined finding per requirement.
func StaticUndetermined(run *model.WorkflowRun, reason string) *model.ComplianceAssessment {
	var findings []model.RequirementFinding
	for _, r := range run.Requirements {
		findings = append(findings, model.RequirementFinding{
			Requirement: r.Text,
			Status:      model.FindingUndetermined,
			Citations:   []string{},
		})
	}
	return &model.ComplianceAssessment{
		RequiresCompliance: false,
		Confidence:         0,
		Reasoning:          "Undetermined: " + reason,
		MatchedRegulations: []string{},
		Findings:           findings,
		GeneratedAt:        time.Now().UTC(),
	}
}

func normalize(run *model.WorkflowRun, p assessmentPayload) *model.ComplianceAssessment {
	confidence := p.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	known := make(map[string]bool, len(run.Evidence))
	for _, e := range run.Evidence {
		known[e.SourceDocumentID] = true
	}
	matched := make([]string, 0, len(p.MatchedRegulations))
	for _, id := range p.MatchedRegulations {
		if known[id] {
			matched = append(matched, id)
		}
	}

	requires := p.RequiresCompliance
	reasoning := strings.TrimSpace(p.Reasoning)
	if requires && len(matched) == 0 {
		requires = false
		confidence = 0
		reasoning = "Undetermined: verdict claimed compliance obligations without supporting evidence. " + reasoning
	}

	return &model.ComplianceAssessment{
		RequiresCompliance: requires,
		Confidence:         confidence,
		Reasoning:          reasoning,
		MatchedRegulations: matched,
		Findings:           normalizeFindings(run, p.Findings, known),
		GeneratedAt:        time.Now().UTC(),
	}
}

// normalizeFindings builds one finding per requirement. A requirement whose
// search yielded no evidence is undetermined no matter what the model said,
// and citations are filtered to documents actually gathered.
func normalizeFindings(run *model.WorkflowRun, reported []findingPayload, known map[string]bool) []model.RequirementFinding {
	if len(run.Requirements) == 0 {
		return nil
	}

	byRequirement := make(map[string]findingPayload, len(reported))
	for _, f := range reported {
		byRequirement[strings.TrimSpace(f.Requirement)] = f
	}
	served := labelsWithEvidence(run)

	findings := make([]model.RequirementFinding, 0, len(run.Requirements))
	for _, r := range run.Requirements {
		finding := model.RequirementFinding{
			Requirement: r.Text,
			Status:      model.FindingUndetermined,
			Citations:   []string{},
		}
		if served[r.Text] {
			if f, ok := byRequirement[r.Text]; ok {
				switch f.Status {
				case model.FindingCompliant, model.FindingNonCompliant, model.FindingUndetermined:
					finding.Status = f.Status
				}
				for _, id := range f.Citations {
					if known[id] {
						finding.Citations = append(finding.Citations, id)
					}
				}
			}
		}
		findings = append(findings, finding)
	}
	return findings
}

// labelsWithEvidence returns the labels whose search produced at least one
// result. Counts survive a JSON round trip through the store, so numbers may
// arrive as float64.
func labelsWithEvidence(run *model.WorkflowRun) map[string]bool {
	served := make(map[string]bool)
	for _, step := range run.Steps {
		if step.Kind != model.StepSearchResult {
			continue
		}
		label, _ := step.Payload["label"].(string)
		if label == "" {
			continue
		}
		if _, failed := step.Payload["error"]; failed {
			continue
		}
		if payloadCount(step.Payload["results"]) > 0 {
			served[label] = true
		}
	}
	return served
}

func payloadCount(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// synthesisInput renders the run state into the synthesis prompt.
func synthesisInput(run *model.WorkflowRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s\nDocument: %s\n\n", run.WorkflowType, run.DocumentID)

	if len(run.Requirements) > 0 {
		b.WriteString("Requirements under assessment:\n")
		for _, r := range run.Requirements {
			fmt.Fprintf(&b, "- [%s/%s] %s\n", r.Type, r.Priority, r.Text)
		}
		b.WriteString("\n")
	}
	if len(run.Topics) > 0 {
		b.WriteString("Topics under assessment:\n")
		for _, topic := range run.Topics {
			fmt.Fprintf(&b, "- %s\n", topic)
		}
		b.WriteString("\n")
	}

	if len(run.Evidence) == 0 {
		b.WriteString("Evidence: none gathered.\n")
		return b.String()
	}

	b.WriteString("Evidence:\n")
	for _, e := range run.Evidence {
		content := e.Content
		if len(content) > maxEvidenceSnippet {
			content = content[:maxEvidenceSnippet] + "…"
		}
		fmt.Fprintf(&b, "- [%s %s score=%.2f] %s\n", e.Source, e.SourceDocumentID, e.RelevanceScore, content)
	}
	return b.String()
}

// extractJSON strips markdown code fences and surrounding prose, keeping the
// outermost JSON object.
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
