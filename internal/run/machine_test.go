package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/edict-hq/edict/internal/config"
	"github.com/edict-hq/edict/internal/engine"
	"github.com/edict-hq/edict/internal/extract"
	"github.com/edict-hq/edict/internal/llm"
	"github.com/edict-hq/edict/internal/observability"
	"github.com/edict-hq/edict/internal/search"
	"github.com/edict-hq/edict/internal/stream"
	"github.com/edict-hq/edict/model"
)

const (
	testTenant  = "tenant-1"
	testSubject = "user-1"

	reqCurrencies = "Payment must support multiple currencies"
	reqAgeCheck   = "Age verification required under 18"

	requirementsJSON = `{"requirements":[` +
		`{"text":"` + reqCurrencies + `","type":"functional","priority":"high"},` +
		`{"text":"` + reqAgeCheck + `","type":"compliance","priority":"high"}]}`

	topicsJSON = `{"topics":["data-privacy","age-verification"]}`

	assessmentJSON = `{"requires_compliance":true,"confidence":0.9,` +
		`"reasoning":"Both requirements map to existing regulation.",` +
		`"matched_regulations":["gdpr-1","coppa-7"]}`
)

// scriptedLLM serves canned completions in order and errors once exhausted.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (p *scriptedLLM) Name() string { return "scripted" }

func (p *scriptedLLM) Complete(_ context.Context, _ *llm.Request) (*llm.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.responses) == 0 {
		return nil, &llm.ProviderError{Provider: "scripted", StatusCode: 500, Message: "script exhausted"}
	}
	content := p.responses[0]
	p.responses = p.responses[1:]
	return &llm.Completion{Content: content, Model: "scripted-1"}, nil
}

func (p *scriptedLLM) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeAdapter serves evidence keyed by query, with optional per-query or
// blanket failures.
type fakeAdapter struct {
	source  string
	mu      sync.Mutex
	results map[string][]model.Evidence
	fail    map[string]error
	err     error
	calls   []model.SearchParams
}

func (f *fakeAdapter) Source() string { return f.source }

func (f *fakeAdapter) Search(_ context.Context, params model.SearchParams) ([]model.Evidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	if err, ok := f.fail[params.Query]; ok {
		return nil, err
	}
	return f.results[params.Query], nil
}

func (f *fakeAdapter) callParams() []model.SearchParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.SearchParams, len(f.calls))
	copy(out, f.calls)
	return out
}

func ev(source, docID, content string, score float64) model.Evidence {
	return model.Evidence{
		Source:           source,
		SourceDocumentID: docID,
		Content:          content,
		ContentHash:      search.HashContent(content),
		RelevanceScore:   score,
		RetrievedAt:      time.Now().UTC(),
	}
}

func testWorkflowConfig() config.WorkflowConfig {
	return config.WorkflowConfig{
		MaxRounds:           5,
		SimilarityThreshold: 0.85,
		ApprovalWindow:      time.Hour,
		ExtractRetries:      1,
	}
}

func newTestMachine(t *testing.T, responses []string, adapters []search.Adapter, cfg config.WorkflowConfig) (*Machine, *scriptedLLM) {
	t.Helper()
	provider := &scriptedLLM{responses: responses}
	gateway := llm.NewGateway(
		[]llm.Provider{provider},
		[]config.ProviderConfig{{Name: "scripted"}},
		config.GatewayConfig{RetryBackoff: time.Millisecond},
		nil, nil,
	)
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	machine := NewMachine(
		NewMemoryStore(),
		extract.NewExtractor(gateway, cfg.ExtractRetries, nil),
		engine.NewSynthesizer(gateway, cfg.ExtractRetries, nil),
		adapters,
		stream.NewStreamer(nil, metrics),
		cfg,
		zap.NewNop(),
		metrics,
	)
	return machine, provider
}

func waitForStatus(t *testing.T, m *Machine, runID, status string) model.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last model.WorkflowRun
	for time.Now().Before(deadline) {
		run, err := m.Get(context.Background(), testTenant, runID)
		if err == nil {
			last = run
			if run.Status == status {
				return run
			}
			if model.RunStatusTerminal(run.Status) && run.Status != status {
				t.Fatalf("run reached terminal status %q (failure %s: %s), wanted %q",
					run.Status, run.FailureCode, run.FailureReason, status)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run never reached status %q, last seen %q", status, last.Status)
	return model.WorkflowRun{}
}

// waitForApproval waits until a pending approval other than prevID exists.
func waitForApproval(t *testing.T, m *Machine, runID, prevID string) (model.WorkflowRun, model.ApprovalRequest) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := m.Get(context.Background(), testTenant, runID)
		if err == nil {
			if model.RunStatusTerminal(run.Status) {
				t.Fatalf("run reached terminal status %q (failure %s: %s) while waiting for approval",
					run.Status, run.FailureCode, run.FailureReason)
			}
			if p := run.PendingApproval(); p != nil && p.ID != prevID {
				return run, *p
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no new pending approval appeared")
	return model.WorkflowRun{}, model.ApprovalRequest{}
}

func approve(t *testing.T, m *Machine, runID, approvalID string) {
	t.Helper()
	_, err := m.ResolveApproval(context.Background(), testTenant, runID, approvalID,
		Decision{Action: DecisionApprove, ResolvedBy: testSubject})
	if err != nil {
		t.Fatalf("approve %s: %v", approvalID, err)
	}
}

func TestRequirementsToLegalEndToEnd(t *testing.T) {
	legal := &fakeAdapter{
		source: model.EvidenceSourceLegal,
		results: map[string][]model.Evidence{
			reqCurrencies: {ev(model.EvidenceSourceLegal, "gdpr-1", "currency disclosure rules", 0.81)},
			reqAgeCheck:   {ev(model.EvidenceSourceLegal, "coppa-7", "age verification mandate", 0.93)},
		},
	}
	m, provider := newTestMachine(t, []string{requirementsJSON, assessmentJSON},
		[]search.Adapter{legal}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowRequirementsToLegal,
		InputText:    "The platform accepts payments and serves minors.",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.Status != model.RunStatusPending {
		t.Fatalf("expected pending at creation, got %q", run.Status)
	}

	snap, first := waitForApproval(t, m, run.ID, "")
	if first.Kind != model.ApprovalKindSearch {
		t.Fatalf("expected a search approval, got %q", first.Kind)
	}
	if first.Label != reqCurrencies {
		t.Fatalf("expected first proposal for %q, got %q", reqCurrencies, first.Label)
	}
	if snap.PendingApproval() == nil {
		t.Fatal("suspended run must expose its pending approval")
	}
	approve(t, m, run.ID, first.ID)

	_, second := waitForApproval(t, m, run.ID, first.ID)
	if second.Label != reqAgeCheck {
		t.Fatalf("expected second proposal for %q, got %q", reqAgeCheck, second.Label)
	}
	approve(t, m, run.ID, second.ID)

	final := waitForStatus(t, m, run.ID, model.RunStatusCompleted)
	if len(final.Evidence) != 2 {
		t.Fatalf("expected 2 evidence items, got %d", len(final.Evidence))
	}
	if final.Assessment == nil || !final.Assessment.RequiresCompliance {
		t.Fatalf("expected a positive assessment, got %+v", final.Assessment)
	}
	if got := len(final.Assessment.MatchedRegulations); got != 2 {
		t.Fatalf("expected both citations to survive, got %d", got)
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected 1 extraction + 1 synthesis call, got %d", provider.callCount())
	}

	kinds := map[model.StepKind]int{}
	for _, s := range final.Steps {
		kinds[s.Kind]++
	}
	if kinds[model.StepExtractRequirements] != 1 || kinds[model.StepProposeSearch] != 2 ||
		kinds[model.StepApprovalDecision] != 2 || kinds[model.StepSearchResult] != 2 ||
		kinds[model.StepLLMSynthesis] != 1 {
		t.Fatalf("unexpected step mix: %v", kinds)
	}
}

func TestResolveApprovalWrongID(t *testing.T) {
	legal := &fakeAdapter{source: model.EvidenceSourceLegal}
	m, _ := newTestMachine(t, []string{requirementsJSON}, []search.Adapter{legal}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowRequirementsToLegal,
		InputText:    "doc",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, pending := waitForApproval(t, m, run.ID, "")

	_, err = m.ResolveApproval(context.Background(), testTenant, run.ID, "nope",
		Decision{Action: DecisionApprove, ResolvedBy: testSubject})
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrNotFound {
		t.Fatalf("expected NOT_FOUND for wrong approval id, got %v", err)
	}

	// The real approval is still the single pending one.
	snap, err := m.Get(context.Background(), testTenant, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p := snap.PendingApproval(); p == nil || p.ID != pending.ID {
		t.Fatalf("pending approval changed unexpectedly: %+v", p)
	}
}

func TestAllProposalsRejectedFinishesWithoutSynthesisCall(t *testing.T) {
	legal := &fakeAdapter{source: model.EvidenceSourceLegal}
	m, provider := newTestMachine(t, []string{requirementsJSON}, []search.Adapter{legal}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowRequirementsToLegal,
		InputText:    "doc",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	prevID := ""
	for i := 0; i < 2; i++ {
		_, pending := waitForApproval(t, m, run.ID, prevID)
		if _, err := m.ResolveApproval(context.Background(), testTenant, run.ID, pending.ID,
			Decision{Action: DecisionReject, ResolvedBy: testSubject, Comment: "not allowed"}); err != nil {
			t.Fatalf("reject: %v", err)
		}
		prevID = pending.ID
	}

	final := waitForStatus(t, m, run.ID, model.RunStatusCompleted)
	if final.Assessment == nil || final.Assessment.RequiresCompliance {
		t.Fatalf("expected an undetermined assessment, got %+v", final.Assessment)
	}
	if !strings.HasPrefix(final.Assessment.Reasoning, "Undetermined:") {
		t.Fatalf("expected undetermined reasoning, got %q", final.Assessment.Reasoning)
	}
	if provider.callCount() != 1 {
		t.Fatalf("rejecting everything must not trigger synthesis; provider calls = %d", provider.callCount())
	}
	if len(legal.callParams()) != 0 {
		t.Fatal("rejected proposals must never execute")
	}
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	legal := &fakeAdapter{source: model.EvidenceSourceLegal}
	m, _ := newTestMachine(t, []string{requirementsJSON}, []search.Adapter{legal}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowRequirementsToLegal,
		InputText:    "doc",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, pending := waitForApproval(t, m, run.ID, "")

	cancelled, err := m.Cancel(context.Background(), testTenant, run.ID, "no longer needed", testSubject)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %q", cancelled.Status)
	}

	_, err = m.ResolveApproval(context.Background(), testTenant, run.ID, pending.ID,
		Decision{Action: DecisionApprove, ResolvedBy: testSubject})
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrRunNotActive {
		t.Fatalf("expected RUN_NOT_ACTIVE after cancel, got %v", err)
	}
	if len(legal.callParams()) != 0 {
		t.Fatal("cancelled proposal must never execute")
	}

	// A second cancel is invalid too.
	_, err = m.Cancel(context.Background(), testTenant, run.ID, "again", testSubject)
	if !errors.As(err, &env) || env.Code != model.ErrRunNotActive {
		t.Fatalf("expected RUN_NOT_ACTIVE cancelling a terminal run, got %v", err)
	}
}

func TestDuplicateSearchResultsDeduplicate(t *testing.T) {
	shared := ev(model.EvidenceSourceLegal, "gdpr-1", "identical snippet", 0.8)
	legal := &fakeAdapter{
		source: model.EvidenceSourceLegal,
		results: map[string][]model.Evidence{
			reqCurrencies: {shared},
			reqAgeCheck:   {shared},
		},
	}
	m, _ := newTestMachine(t, []string{requirementsJSON, assessmentJSON},
		[]search.Adapter{legal}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowRequirementsToLegal,
		InputText:    "doc",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	prevID := ""
	for i := 0; i < 2; i++ {
		_, pending := waitForApproval(t, m, run.ID, prevID)
		approve(t, m, run.ID, pending.ID)
		prevID = pending.ID
	}

	final := waitForStatus(t, m, run.ID, model.RunStatusCompleted)
	if len(final.Evidence) != 1 {
		t.Fatalf("identical results must fold into one evidence item, got %d", len(final.Evidence))
	}
}

func TestPastLawIterationRaisesCorpusDecision(t *testing.T) {
	const inputText = "A new act regulating online marketplaces."
	legal := &fakeAdapter{
		source: model.EvidenceSourceLegal,
		results: map[string][]model.Evidence{
			inputText: {
				ev(model.EvidenceSourceLegal, "law-42", "existing marketplace act", 0.92),
				ev(model.EvidenceSourceLegal, "law-7", "unrelated act", 0.40),
			},
		},
	}
	m, _ := newTestMachine(t, []string{assessmentJSON}, []search.Adapter{legal}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowPastLawIteration,
		DocumentID:   "doc-new",
		InputText:    inputText,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, similarity := waitForApproval(t, m, run.ID, "")
	if similarity.Kind != model.ApprovalKindSearch {
		t.Fatalf("expected similarity search approval first, got %q", similarity.Kind)
	}
	if similarity.Params.ScopeDocumentID != "doc-new" {
		t.Fatalf("similarity search must be scoped to the new document, got %q", similarity.Params.ScopeDocumentID)
	}
	approve(t, m, run.ID, similarity.ID)

	_, decision := waitForApproval(t, m, run.ID, similarity.ID)
	if decision.Kind != model.ApprovalKindCorpusDecision {
		t.Fatalf("0.92 similarity over a 0.85 threshold must raise a corpus decision, got %q", decision.Kind)
	}
	if decision.Params.ScopeDocumentID != "law-42" {
		t.Fatalf("corpus decision must reference the matched entry, got %q", decision.Params.ScopeDocumentID)
	}
	if !strings.Contains(decision.Description, "law-42") {
		t.Fatalf("decision description should name the matched entry: %q", decision.Description)
	}
	approve(t, m, run.ID, decision.ID)

	final := waitForStatus(t, m, run.ID, model.RunStatusCompleted)
	if final.Assessment == nil {
		t.Fatal("expected an assessment")
	}
	// Exactly one search executed; the corpus decision is a decision, not a query.
	if calls := legal.callParams(); len(calls) != 1 {
		t.Fatalf("expected 1 backend search, got %d", len(calls))
	}
}

func TestPastLawBelowThresholdSkipsCorpusDecision(t *testing.T) {
	const inputText = "A wholly novel statute."
	legal := &fakeAdapter{
		source: model.EvidenceSourceLegal,
		results: map[string][]model.Evidence{
			inputText: {ev(model.EvidenceSourceLegal, "law-7", "distant act", 0.50)},
		},
	}
	m, _ := newTestMachine(t, []string{assessmentJSON}, []search.Adapter{legal}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowPastLawIteration,
		DocumentID:   "doc-new",
		InputText:    inputText,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, similarity := waitForApproval(t, m, run.ID, "")
	approve(t, m, run.ID, similarity.ID)

	final := waitForStatus(t, m, run.ID, model.RunStatusCompleted)
	for _, s := range final.Steps {
		if s.Kind == model.StepProposeSearch {
			if kind, _ := s.Payload["kind"].(string); kind == string(model.ApprovalKindCorpusDecision) {
				t.Fatal("below-threshold match must not raise a corpus decision")
			}
		}
	}
}

func TestPastLawSearchUnavailableFailsRun(t *testing.T) {
	legal := &fakeAdapter{
		source: model.EvidenceSourceLegal,
		err:    model.NewSearchUnavailableError(model.EvidenceSourceLegal),
	}
	m, _ := newTestMachine(t, nil, []search.Adapter{legal}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowPastLawIteration,
		DocumentID:   "doc-new",
		InputText:    "text",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, similarity := waitForApproval(t, m, run.ID, "")
	approve(t, m, run.ID, similarity.ID)

	final := waitForStatus(t, m, run.ID, model.RunStatusFailed)
	if final.FailureCode != model.ErrSearchUnavailable {
		t.Fatalf("expected SEARCH_UNAVAILABLE failure, got %q", final.FailureCode)
	}
	if len(final.Steps) == 0 {
		t.Fatal("failed run must retain its step history")
	}
}

func TestLegalToRequirementsProceedsOnPartialEvidence(t *testing.T) {
	requirements := &fakeAdapter{
		source: model.EvidenceSourceRequirements,
		results: map[string][]model.Evidence{
			"age-verification": {ev(model.EvidenceSourceRequirements, "req-12", "age gate requirement", 0.88)},
		},
		fail: map[string]error{
			"data-privacy": model.NewSearchUnavailableError(model.EvidenceSourceRequirements),
		},
	}
	m, _ := newTestMachine(t, []string{topicsJSON, assessmentJSON},
		[]search.Adapter{requirements}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowLegalToRequirements,
		InputText:    "A privacy statute with age verification duties.",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	prevID := ""
	for i := 0; i < 2; i++ {
		_, pending := waitForApproval(t, m, run.ID, prevID)
		approve(t, m, run.ID, pending.ID)
		prevID = pending.ID
	}

	final := waitForStatus(t, m, run.ID, model.RunStatusCompleted)
	if len(final.Evidence) != 1 {
		t.Fatalf("expected the surviving backend's evidence, got %d items", len(final.Evidence))
	}
}

func TestLegalToRequirementsFailsWithNoEvidenceAtAll(t *testing.T) {
	requirements := &fakeAdapter{
		source: model.EvidenceSourceRequirements,
		err:    model.NewSearchUnavailableError(model.EvidenceSourceRequirements),
	}
	m, _ := newTestMachine(t, []string{topicsJSON}, []search.Adapter{requirements}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowLegalToRequirements,
		InputText:    "statute",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	prevID := ""
	for i := 0; i < 2; i++ {
		_, pending := waitForApproval(t, m, run.ID, prevID)
		approve(t, m, run.ID, pending.ID)
		prevID = pending.ID
	}

	final := waitForStatus(t, m, run.ID, model.RunStatusFailed)
	if final.FailureCode != model.ErrSearchUnavailable {
		t.Fatalf("expected SEARCH_UNAVAILABLE failure, got %q", final.FailureCode)
	}
}

func TestModifiedApprovalReplacesParams(t *testing.T) {
	legal := &fakeAdapter{
		source: model.EvidenceSourceLegal,
		results: map[string][]model.Evidence{
			"narrowed query": {ev(model.EvidenceSourceLegal, "gdpr-1", "narrow match", 0.9)},
			reqAgeCheck:      {ev(model.EvidenceSourceLegal, "coppa-7", "age mandate", 0.9)},
		},
	}
	m, _ := newTestMachine(t, []string{requirementsJSON, assessmentJSON},
		[]search.Adapter{legal}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowRequirementsToLegal,
		InputText:    "doc",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, first := waitForApproval(t, m, run.ID, "")
	if _, err := m.ResolveApproval(context.Background(), testTenant, run.ID, first.ID, Decision{
		Action:     DecisionModify,
		Params:     &model.SearchParams{Query: "narrowed query", MaxResults: 3},
		ResolvedBy: testSubject,
	}); err != nil {
		t.Fatalf("modify: %v", err)
	}

	_, second := waitForApproval(t, m, run.ID, first.ID)
	approve(t, m, run.ID, second.ID)

	final := waitForStatus(t, m, run.ID, model.RunStatusCompleted)

	calls := legal.callParams()
	if len(calls) != 2 {
		t.Fatalf("expected 2 searches, got %d", len(calls))
	}
	if calls[0].Query != "narrowed query" || calls[0].MaxResults != 3 {
		t.Fatalf("modified params must replace proposed ones, got %+v", calls[0])
	}
	if final.Approval == nil {
		t.Fatal("expected the last resolved approval on the run")
	}

	modified := 0
	for _, s := range final.Steps {
		if s.Kind == model.StepApprovalDecision {
			if d, _ := s.Payload["decision"].(string); d == model.ApprovalStateModified {
				modified++
			}
		}
	}
	if modified != 1 {
		t.Fatalf("expected exactly one modified decision step, got %d", modified)
	}
}

func TestApprovalTimeoutFailsRun(t *testing.T) {
	legal := &fakeAdapter{source: model.EvidenceSourceLegal}
	cfg := testWorkflowConfig()
	cfg.ApprovalWindow = time.Millisecond
	m, _ := newTestMachine(t, []string{requirementsJSON}, []search.Adapter{legal}, cfg)

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowRequirementsToLegal,
		InputText:    "doc",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForApproval(t, m, run.ID, "")
	time.Sleep(10 * time.Millisecond)

	if n := m.ProcessApprovalTimeouts(context.Background()); n != 1 {
		t.Fatalf("expected 1 timed-out run, got %d", n)
	}

	final := waitForStatus(t, m, run.ID, model.RunStatusFailed)
	if final.FailureCode != model.ErrApprovalTimeout {
		t.Fatalf("expected APPROVAL_TIMEOUT failure, got %q", final.FailureCode)
	}
	if final.Approval == nil || final.Approval.State != model.ApprovalStateRejected {
		t.Fatalf("expired approval should be closed out, got %+v", final.Approval)
	}

	// The sweep is idempotent.
	if n := m.ProcessApprovalTimeouts(context.Background()); n != 0 {
		t.Fatalf("second sweep should find nothing, got %d", n)
	}
}

func TestStartValidation(t *testing.T) {
	m, _ := newTestMachine(t, nil, nil, testWorkflowConfig())

	cases := []struct {
		name string
		req  StartRequest
	}{
		{"unknown workflow", StartRequest{TenantID: testTenant, WorkflowType: "bogus", InputText: "x"}},
		{"missing input", StartRequest{TenantID: testTenant, WorkflowType: model.WorkflowRequirementsToLegal}},
		{"past law without document", StartRequest{TenantID: testTenant, WorkflowType: model.WorkflowPastLawIteration, InputText: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Start(context.Background(), tc.req)
			var env *model.ErrorEnvelope
			if !errors.As(err, &env) || env.Code != model.ErrBadRequest {
				t.Fatalf("expected BAD_REQUEST, got %v", err)
			}
		})
	}
}

func TestEventStreamOrderAndBacklog(t *testing.T) {
	legal := &fakeAdapter{
		source: model.EvidenceSourceLegal,
		results: map[string][]model.Evidence{
			reqCurrencies: {ev(model.EvidenceSourceLegal, "gdpr-1", "rules", 0.8)},
			reqAgeCheck:   {ev(model.EvidenceSourceLegal, "coppa-7", "mandate", 0.9)},
		},
	}
	m, _ := newTestMachine(t, []string{requirementsJSON, assessmentJSON},
		[]search.Adapter{legal}, testWorkflowConfig())

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowRequirementsToLegal,
		InputText:    "doc",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	snap, first := waitForApproval(t, m, run.ID, "")

	// A late joiner gets a snapshot event carrying the pending approval.
	backlog := Backlog(snap)
	if len(backlog) != 1 {
		t.Fatalf("expected a single snapshot event, got %d", len(backlog))
	}
	if backlog[0].Payload["approval_id"] != first.ID {
		t.Fatalf("snapshot should carry the pending approval, got %v", backlog[0].Payload)
	}
	if backlog[0].Sequence != snap.EventSeq {
		t.Fatalf("snapshot sequence %d should match the run's event seq %d",
			backlog[0].Sequence, snap.EventSeq)
	}

	sub := m.streamer.Subscribe(run.ID, backlog)
	defer m.streamer.Unsubscribe(sub)

	approve(t, m, run.ID, first.ID)
	_, second := waitForApproval(t, m, run.ID, first.ID)
	approve(t, m, run.ID, second.ID)
	waitForStatus(t, m, run.ID, model.RunStatusCompleted)

	var events []model.RunEvent
	deadline := time.After(3 * time.Second)
collect:
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				break collect
			}
			events = append(events, ev)
		case <-sub.Closed:
			// Drain whatever was buffered.
			for {
				select {
				case ev := <-sub.Events:
					events = append(events, ev)
				default:
					break collect
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream events")
		}
	}

	if len(events) < 2 {
		t.Fatalf("expected snapshot plus live events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence < events[i-1].Sequence {
			t.Fatalf("events out of order at %d: %d after %d", i, events[i].Sequence, events[i-1].Sequence)
		}
	}
	last := events[len(events)-1]
	if last.Kind != model.EventKindStatus || last.Payload["status"] != model.RunStatusCompleted {
		t.Fatalf("expected a completed status event last, got %+v", last)
	}
}

func TestIdempotentSubmission(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	key := FormatIdempotencyKey(testTenant, "client-key-1")
	hash := HashSubmission([]byte(`{"workflow_type":"requirements_to_legal"}`))

	if _, found, err := store.Check(context.Background(), key, hash); err != nil || found {
		t.Fatalf("expected miss on first check, found=%v err=%v", found, err)
	}
	if err := store.Store(context.Background(), key, hash, "run-1", time.Minute); err != nil {
		t.Fatalf("store: %v", err)
	}

	runID, found, err := store.Check(context.Background(), key, hash)
	if err != nil || !found || runID != "run-1" {
		t.Fatalf("expected cached run id, got %q found=%v err=%v", runID, found, err)
	}

	// Same key, different payload: conflict.
	_, _, err = store.Check(context.Background(), key, HashSubmission([]byte(`{"workflow_type":"past_law_iteration"}`)))
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrConflict {
		t.Fatalf("expected CONFLICT for reused key with different input, got %v", err)
	}
}

func TestIdempotencyEntryExpires(t *testing.T) {
	store := NewMemoryIdempotencyStore()
	key := FormatIdempotencyKey(testTenant, "short-lived")
	if err := store.Store(context.Background(), key, "h", "run-1", time.Millisecond); err != nil {
		t.Fatalf("store: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, found, _ := store.Check(context.Background(), key, "h"); found {
		t.Fatal("expired entry must not be served")
	}
}

func TestMemoryStoreOptimisticLocking(t *testing.T) {
	store := NewMemoryStore()
	run := model.WorkflowRun{
		ID:           "r1",
		TenantID:     testTenant,
		WorkflowType: model.WorkflowRequirementsToLegal,
		Status:       model.RunStatusPending,
	}
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}

	a, _ := store.Get(context.Background(), testTenant, "r1")
	b, _ := store.Get(context.Background(), testTenant, "r1")

	a.Status = model.RunStatusRunning
	if err := store.Update(context.Background(), a); err != nil {
		t.Fatalf("first update: %v", err)
	}

	b.Status = model.RunStatusCancelled
	err := store.Update(context.Background(), b)
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrConflict {
		t.Fatalf("expected CONFLICT on stale version, got %v", err)
	}

	got, _ := store.Get(context.Background(), testTenant, "r1")
	if got.Status != model.RunStatusRunning || got.Version != a.Version+1 {
		t.Fatalf("unexpected state after conflict: status=%q version=%d", got.Status, got.Version)
	}
}

// flakyStore fails a set number of Updates before behaving normally.
type flakyStore struct {
	*MemoryStore
	mu        sync.Mutex
	remaining int
}

func (s *flakyStore) Update(ctx context.Context, run model.WorkflowRun) error {
	s.mu.Lock()
	fail := s.remaining > 0
	if fail {
		s.remaining--
	}
	s.mu.Unlock()
	if fail {
		return model.NewInternalError()
	}
	return s.MemoryStore.Update(ctx, run)
}

func TestAdvanceRetriesTransientStoreFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), remaining: 2}
	provider := &scriptedLLM{responses: []string{requirementsJSON}}
	gateway := llm.NewGateway(
		[]llm.Provider{provider},
		[]config.ProviderConfig{{Name: "scripted"}},
		config.GatewayConfig{RetryBackoff: time.Millisecond},
		nil, nil,
	)
	cfg := testWorkflowConfig()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	m := NewMachine(
		store,
		extract.NewExtractor(gateway, cfg.ExtractRetries, nil),
		engine.NewSynthesizer(gateway, cfg.ExtractRetries, nil),
		[]search.Adapter{&fakeAdapter{source: model.EvidenceSourceLegal}},
		stream.NewStreamer(nil, metrics),
		cfg,
		zap.NewNop(),
		metrics,
	)

	run, err := m.Start(context.Background(), StartRequest{
		TenantID:     testTenant,
		SubjectID:    testSubject,
		WorkflowType: model.WorkflowRequirementsToLegal,
		InputText:    "doc",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// The first two commits fail; the run must still reach its first
	// suspension instead of being abandoned in running.
	waitForApproval(t, m, run.ID, "")
}

func TestMemoryStoreGetReturnsDetachedCopy(t *testing.T) {
	store := NewMemoryStore()
	run := model.WorkflowRun{
		ID:           "r1",
		TenantID:     testTenant,
		WorkflowType: model.WorkflowRequirementsToLegal,
		Status:       model.RunStatusAwaitingApproval,
		Steps: []model.Step{
			{Sequence: 1, Kind: model.StepProposeSearch, Payload: map[string]any{"label": "l"}},
		},
		Approval: &model.ApprovalRequest{
			ID:    "appr-1",
			Kind:  model.ApprovalKindSearch,
			State: model.ApprovalStatePending,
		},
	}
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Mutate one Get result exactly as a resolution would, without any
	// Update. The store must not observe it.
	a, _ := store.Get(context.Background(), testTenant, "r1")
	now := time.Now().UTC()
	a.Approval.State = model.ApprovalStateApproved
	a.Approval.ResolvedAt = &now
	a.Steps = append(a.Steps, model.Step{Sequence: 2, Kind: model.StepApprovalDecision})

	b, _ := store.Get(context.Background(), testTenant, "r1")
	if b.Approval.State != model.ApprovalStatePending {
		t.Fatalf("unpersisted approval state leaked into store: %q", b.Approval.State)
	}
	if b.Approval.ResolvedAt != nil {
		t.Fatal("unpersisted resolution timestamp leaked into store")
	}
	if len(b.Steps) != 1 {
		t.Fatalf("unpersisted step leaked into store: %d steps", len(b.Steps))
	}

	// FindAwaitingExpired results are detached too.
	run2 := run
	run2.ID = "r2"
	run2.Approval = &model.ApprovalRequest{
		ID:        "appr-2",
		Kind:      model.ApprovalKindSearch,
		State:     model.ApprovalStatePending,
		ExpiresAt: now.Add(-time.Minute),
	}
	if err := store.Create(context.Background(), run2); err != nil {
		t.Fatalf("create: %v", err)
	}
	expired, err := store.FindAwaitingExpired(context.Background(), now)
	if err != nil || len(expired) != 1 {
		t.Fatalf("expired = %v, err = %v", expired, err)
	}
	expired[0].Approval.State = model.ApprovalStateRejected

	c, _ := store.Get(context.Background(), testTenant, "r2")
	if c.Approval.State != model.ApprovalStatePending {
		t.Fatalf("sweeper mutation leaked into store: %q", c.Approval.State)
	}
}

func TestMemoryStoreListFiltersAndPaginates(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		wt := model.WorkflowRequirementsToLegal
		if i%2 == 1 {
			wt = model.WorkflowPastLawIteration
		}
		run := model.WorkflowRun{
			ID:           fmt.Sprintf("r%d", i),
			TenantID:     testTenant,
			WorkflowType: wt,
			Status:       model.RunStatusRunning,
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := store.Create(context.Background(), run); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	all, err := store.List(context.Background(), testTenant, model.RunFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 runs, got %d", len(all))
	}
	if all[0].ID != "r4" {
		t.Fatalf("expected newest first, got %q", all[0].ID)
	}

	filtered, _ := store.List(context.Background(), testTenant, model.RunFilters{
		WorkflowType: string(model.WorkflowPastLawIteration),
	})
	if len(filtered) != 2 {
		t.Fatalf("expected 2 past-law runs, got %d", len(filtered))
	}

	page, _ := store.List(context.Background(), testTenant, model.RunFilters{Page: 2, PageSize: 2})
	if len(page) != 2 || page[0].ID != "r2" {
		t.Fatalf("unexpected second page: %+v", page)
	}

	other, _ := store.List(context.Background(), "other-tenant", model.RunFilters{})
	if len(other) != 0 {
		t.Fatal("tenants must not see each other's runs")
	}
}
