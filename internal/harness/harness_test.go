package harness

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Jawbreaker1/EvidenceBot/internal/backend"
	"github.com/Jawbreaker1/EvidenceBot/internal/config"
	"github.com/Jawbreaker1/EvidenceBot/internal/events"
	"github.com/Jawbreaker1/EvidenceBot/internal/llm"
)

type scriptedClient struct {
	responses []llm.ChatResponse
	calls     int
}

func (c *scriptedClient) Chat(_ context.Context, _ llm.ChatRequest) (llm.ChatResponse, error) {
	if c.calls >= len(c.responses) {
		return llm.ChatResponse{}, fmt.Errorf("unexpected model call %d", c.calls+1)
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

func say(text string) llm.ChatResponse {
	return llm.ChatResponse{Content: text, FinishReason: "stop"}
}

type fakeBackend struct {
	results  []backend.Result
	commands []string
}

var _ backend.Backend = (*fakeBackend)(nil)

func (b *fakeBackend) Execute(_ context.Context, command string, _ time.Duration) (backend.Result, error) {
	b.commands = append(b.commands, command)
	if len(b.results) == 0 {
		return backend.Result{}, fmt.Errorf("no scripted result for %q", command)
	}
	res := b.results[0]
	b.results = b.results[1:]
	return res, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Session.Dir = t.TempDir()
	cfg.Backend.TimeoutSeconds = 5
	return cfg
}

func shellStep(cmd string) llm.ChatResponse {
	return say("THOUGHT: gather data from the source.\n" +
		`ACTION: {"tool":"shell","args":{"cmd":"` + cmd + `"}}` + "\n" +
		"EVIDENCE_USED: none\n" +
		"STATUS_UPDATE: UNRESOLVED gathering evidence\n")
}

func noOpStep() llm.ChatResponse {
	return say("THOUGHT: thinking about the next move.\n" +
		`ACTION: {"tool":"none"}` + "\n" +
		"EVIDENCE_USED: none\n" +
		"STATUS_UPDATE: UNRESOLVED need more data\n")
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusRunning, StatusAwaitingNotes, true},
		{StatusRunning, StatusVerifying, true},
		{StatusRunning, StatusExhausted, true},
		{StatusAwaitingNotes, StatusRunning, true},
		{StatusVerifying, StatusResolved, true},
		{StatusVerifying, StatusRunning, true},
		{StatusRunning, StatusRunning, true},
		{StatusResolved, StatusRunning, false},
		{StatusAwaitingNotes, StatusVerifying, false},
		{StatusExhausted, StatusRunning, false},
		{Status("bogus"), StatusRunning, false},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Fatalf("transition %s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("transition %s -> %s: expected error", tc.from, tc.to)
		}
	}
}

func TestRunResolvesWhenVerifierAccepts(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	client := &scriptedClient{responses: []llm.ChatResponse{
		shellStep("curl -sL https://webbook.nist.gov/cgi/ethanol"),
		shellStep("curl -sL https://pubchem.ncbi.nlm.nih.gov/compound/ethanol"),
		shellStep("curl -sL https://www.chemeurope.com/ethanol"),
		say("THOUGHT: record findings.\n" +
			`ACTION: {"action":"write_file","path":"notes.md","content":"- bp of ethanol is 78.37 C (ev_0001)"}` + "\n" +
			"EVIDENCE_USED: ev_0001\n" +
			"STATUS_UPDATE: UNRESOLVED recording notes\n"),
		say("THOUGHT: the evidence is sufficient.\n" +
			`ACTION: {"tool":"final","answer":"Ethanol boils at 78.37 C at 1 atm."}` + "\n" +
			"EVIDENCE_USED: ev_0001, ev_0002\n" +
			"STATUS_UPDATE: VERIFIED boiling point confirmed\n"),
		// Verifier round: decompose, one check, judge.
		say(`[{"kind":"support","claim":"Ethanol boils at 78.37 C","question":"Does a source show ethanol boiling at 78.37 C?","source_hint":"https://webbook.nist.gov"}]`),
		say(`{"answer":"yes","evidence":[{"type":"url","ref":"https://webbook.nist.gov/cgi/ethanol","snippet":"78.37"},{"type":"url","ref":"https://pubchem.ncbi.nlm.nih.gov/compound/ethanol","snippet":"78.37"}]}`),
		say(`{"score":4,"explanation":"Claim supported by two independent sources.","next_actions":[]}`),
	}}
	be := &fakeBackend{results: []backend.Result{
		{ExitCode: 0, Output: "boiling point 78.37 C"},
		{ExitCode: 0, Output: "Boiling Point: 78.37 C"},
		{ExitCode: 0, Output: "bp 78.37 C"},
	}}

	r, err := New(cfg, "Find the boiling point of ethanol.", "run-resolve", Deps{Client: client, Backend: be})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != string(StatusResolved) {
		t.Fatalf("expected RESOLVED, got %s (%s)", report.Status, report.Reason)
	}
	if report.Score != 4 || report.Answer == "" {
		t.Fatalf("unexpected verdict in report: score=%d answer=%q", report.Score, report.Answer)
	}
	if report.Steps != 5 || report.ToolCalls != 3 || report.EvidenceCount != 3 {
		t.Fatalf("unexpected accounting: %+v", report)
	}
	if client.calls != 8 {
		t.Fatalf("expected 8 model calls, got %d", client.calls)
	}

	notesData, err := os.ReadFile(r.Layout().Notes)
	if err != nil {
		t.Fatalf("read notes: %v", err)
	}
	if !strings.HasPrefix(string(notesData), "# Task\n") {
		t.Fatalf("notes not seeded with task header:\n%s", notesData)
	}

	recorded, err := events.ReadEvents(r.Layout().Events)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if err := events.ValidateMonotonicSequences(recorded); err != nil {
		t.Fatalf("event sequences: %v", err)
	}
	if recorded[0].Type != events.EventTypeTask {
		t.Fatalf("first event should be task, got %s", recorded[0].Type)
	}
	if recorded[len(recorded)-1].Type != events.EventTypeRunState {
		t.Fatalf("last event should be run_state, got %s", recorded[len(recorded)-1].Type)
	}
}

func TestNegativeClaimBudgetSettlesRun(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Budgets.MaxSteps = 5 // evidence budget = 3 at the default 0.6 pct
	client := &scriptedClient{responses: []llm.ChatResponse{
		shellStep("curl -sL https://www.nist.gov/firmware-db"),
		shellStep("curl -sL https://www.ema.europa.eu/firmware-db"),
		shellStep("curl -sL https://www.chemeurope.com/firmware-db"),
	}}
	be := &fakeBackend{results: []backend.Result{
		{ExitCode: 0, Output: "no entry for 9.1"},
		{ExitCode: 0, Output: "no entry for 9.1"},
		{ExitCode: 0, Output: "no entry for 9.1"},
	}}
	r, err := New(cfg, "Confirm the vendor has not shipped firmware 9.1.", "run-settle", Deps{Client: client, Backend: be})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if !r.state.NegativeClaim {
		t.Fatalf("task should be detected as a negative claim")
	}

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != string(StatusUnresolved) {
		t.Fatalf("expected UNRESOLVED, got %s (%s)", report.Status, report.Reason)
	}
	if !strings.Contains(report.Reason, "negative-claim evidence budget") {
		t.Fatalf("reason should name the settled budget: %q", report.Reason)
	}
	if report.Steps != 3 || client.calls != 3 {
		t.Fatalf("run should settle at the budget, not burn remaining steps: steps=%d calls=%d", report.Steps, client.calls)
	}
	if len(report.Official) != 2 || len(report.Independent) != 1 {
		t.Fatalf("unexpected coverage: official=%v independent=%v", report.Official, report.Independent)
	}
	if r.state.Epistemic.Status != "UNRESOLVED" {
		t.Fatalf("settlement should mark the epistemic state, got %s", r.state.Epistemic.Status)
	}
	if !r.classifier.HasOfficialHints() {
		t.Fatalf("official fetches should record domain hints")
	}

	recorded, err := events.ReadEvents(r.Layout().Events)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	sawWorkerScope := false
	for _, e := range recorded {
		if e.Type == events.EventTypeModel && strings.Contains(string(e.Payload), `"scope":"worker"`) {
			sawWorkerScope = true
		}
	}
	if !sawWorkerScope {
		t.Fatalf("worker model events should carry a worker scope")
	}
}

func TestNotesGateBlocksUntilAppend(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	client := &scriptedClient{responses: []llm.ChatResponse{
		shellStep("curl -sL https://one.example.org/a"),
		shellStep("curl -sL https://two.example.net/b"),
		shellStep("curl -sL https://three.example.com/c"),
		shellStep("curl -sL https://four.example.io/d"),
		shellStep("echo '- found a lead' >> notes.md"),
	}}
	be := &fakeBackend{results: []backend.Result{
		{ExitCode: 0, Output: "a"},
		{ExitCode: 0, Output: "b"},
		{ExitCode: 0, Output: "c"},
		{ExitCode: 0, Output: ""},
	}}
	r, err := New(cfg, "Find the founding year of the example institute.", "run-gate", Deps{Client: client, Backend: be})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r.state.Step++
		if _, err := r.step(ctx); err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
	}
	if r.state.StepsSinceNotes != 3 {
		t.Fatalf("expected 3 steps since notes, got %d", r.state.StepsSinceNotes)
	}

	// Fourth tool call without a notes update must be blocked, recorded, and
	// must move the run to AWAITING_NOTES.
	r.state.Step++
	if _, err := r.step(ctx); err != nil {
		t.Fatalf("gated step: %v", err)
	}
	if r.state.Status != StatusAwaitingNotes {
		t.Fatalf("expected AWAITING_NOTES, got %s", r.state.Status)
	}
	if r.state.ToolCalls != 3 {
		t.Fatalf("blocked command must not count as a tool call, got %d", r.state.ToolCalls)
	}
	if got := r.evidence.Count(); got != 4 {
		t.Fatalf("blocked attempt should still be recorded, evidence count %d", got)
	}
	last := r.tail[len(r.tail)-1].Content
	if !strings.Contains(last, "notes.md") {
		t.Fatalf("block instruction should mention notes.md: %q", last)
	}

	// An append to notes releases the gate.
	r.state.Step++
	if _, err := r.step(ctx); err != nil {
		t.Fatalf("release step: %v", err)
	}
	if r.state.Status != StatusRunning {
		t.Fatalf("expected RUNNING after notes append, got %s", r.state.Status)
	}
	if r.state.StepsSinceNotes != 0 {
		t.Fatalf("steps since notes should reset, got %d", r.state.StepsSinceNotes)
	}
	if r.state.ToolCalls != 4 {
		t.Fatalf("notes append via shell should execute, tool calls %d", r.state.ToolCalls)
	}
}

func TestStagnationForcesToolOverNoOp(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Budgets.NotesInterval = 10
	client := &scriptedClient{responses: []llm.ChatResponse{
		noOpStep(), noOpStep(), noOpStep(), noOpStep(),
	}}
	r, err := New(cfg, "Find the founding year of the example institute.", "run-stagnation", Deps{Client: client, Backend: &fakeBackend{}})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r.state.Step++
		if _, err := r.step(ctx); err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
	}
	if !r.state.ForceToolNext {
		t.Fatalf("three unresolved no-op turns should arm the forced tool call: %+v", r.state)
	}

	r.state.Step++
	if _, err := r.step(ctx); err != nil {
		t.Fatalf("forced step: %v", err)
	}
	last := r.tail[len(r.tail)-1].Content
	if !strings.Contains(last, "STAGNATION DETECTED") {
		t.Fatalf("expected stagnation instruction, got %q", last)
	}

	recorded, err := events.ReadEvents(r.Layout().Events)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	sawForce := false
	for _, e := range recorded {
		if e.Type == "policy_stagnation" {
			sawForce = true
		}
	}
	if !sawForce {
		t.Fatalf("expected a policy_stagnation event")
	}
}

func TestNotesAreBytePrefixAcrossSteps(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	client := &scriptedClient{responses: []llm.ChatResponse{
		shellStep("curl -sL https://one.example.org/a"),
		say("THOUGHT: save what was learned.\n" +
			`ACTION: {"action":"write_file","path":"notes.md","content":"- first lead recorded"}` + "\n" +
			"EVIDENCE_USED: ev_0001\n" +
			"STATUS_UPDATE: UNRESOLVED keeping notes\n"),
		shellStep("curl -sL https://two.example.net/b"),
	}}
	be := &fakeBackend{results: []backend.Result{
		{ExitCode: 0, Output: "a"},
		{ExitCode: 0, Output: "b"},
	}}
	r, err := New(cfg, "Find the founding year of the example institute.", "run-prefix", Deps{Client: client, Backend: be})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	ctx := context.Background()
	prev := ""
	for i := 0; i < 3; i++ {
		r.state.Step++
		if _, err := r.step(ctx); err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
		current := r.notes.Read()
		if !strings.HasPrefix(current, prev) {
			t.Fatalf("notes after step %d are not a byte prefix extension:\nprev:\n%s\ncurrent:\n%s", i+1, prev, current)
		}
		if len(current) <= len(prev) {
			t.Fatalf("notes did not grow at step %d", i+1)
		}
		prev = current
	}
}

func TestRunExhaustsStepBudget(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Budgets.MaxSteps = 2
	client := &scriptedClient{responses: []llm.ChatResponse{
		shellStep("curl -sL https://one.example.org/a"),
		shellStep("curl -sL https://two.example.net/b"),
	}}
	be := &fakeBackend{results: []backend.Result{
		{ExitCode: 0, Output: "a"},
		{ExitCode: 0, Output: "b"},
	}}
	r, err := New(cfg, "Find the founding year of the example institute.", "run-exhaust", Deps{Client: client, Backend: be})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != string(StatusExhausted) {
		t.Fatalf("expected EXHAUSTED, got %s", report.Status)
	}
	if !strings.Contains(report.Reason, "step budget") {
		t.Fatalf("reason should name the budget: %q", report.Reason)
	}
	if _, err := os.Stat(r.Layout().Report); err != nil {
		t.Fatalf("report not written: %v", err)
	}
}
