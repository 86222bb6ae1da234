package policy

import (
	"strings"
	"testing"

	"github.com/Jawbreaker1/EvidenceBot/internal/codec"
	"github.com/Jawbreaker1/EvidenceBot/internal/config"
	"github.com/Jawbreaker1/EvidenceBot/internal/notes"
)

func newEngine() *Engine {
	return NewEngine(config.Default())
}

func shellFacts(cmd string) ActionFacts {
	return ActionFacts{Kind: codec.KindShell, Command: cmd}
}

func TestNotesOverwriteAlwaysBlocked(t *testing.T) {
	t.Parallel()

	e := newEngine()
	facts := shellFacts("echo start > notes.md")
	facts.NotesMode = notes.ModeOverwrite

	d := e.Decide(RunView{}, facts)
	if d.Verdict != VerdictBlock || d.Rule != RuleNotesGuard {
		t.Fatalf("expected notes_guard block, got %+v", d)
	}
	if !strings.Contains(d.Instruction, "append") {
		t.Fatalf("expected instruction to name the append alternative, got %q", d.Instruction)
	}

	// The guard outranks the notes gate: an overwrite during an armed gate is
	// still a guard block, not a gate block.
	d = e.Decide(RunView{NotesGateArmed: true}, facts)
	if d.Rule != RuleNotesGuard {
		t.Fatalf("expected notes_guard to outrank notes_gate, got %+v", d)
	}
}

func TestNotesGateBlocksEverythingButAppends(t *testing.T) {
	t.Parallel()

	e := newEngine()
	view := RunView{NotesGateArmed: true}

	for _, facts := range []ActionFacts{
		shellFacts("curl -sL https://example.com"),
		{Kind: codec.KindNoOp},
	} {
		d := e.Decide(view, facts)
		if d.Verdict != VerdictBlock || d.Rule != RuleNotesGate {
			t.Fatalf("expected notes_gate block for %s, got %+v", facts.Kind, d)
		}
		if d.ErrorType != "notes_update_required" {
			t.Fatalf("expected notes_update_required classification, got %q", d.ErrorType)
		}
	}

	appendFacts := shellFacts("echo 'found it' >> notes.md")
	appendFacts.NotesMode = notes.ModeAppend
	if d := e.Decide(view, appendFacts); !d.Allowed() {
		t.Fatalf("expected notes append to pass the gate, got %+v", d)
	}
	if d := e.Decide(view, ActionFacts{Kind: codec.KindNotes, NotesMode: notes.ModeAppend}); !d.Allowed() {
		t.Fatalf("expected notes update action to pass the gate, got %+v", d)
	}
}

func TestStagnationVerdictForcesTool(t *testing.T) {
	t.Parallel()

	e := newEngine()
	view := RunView{
		Status:           "UNRESOLVED",
		ToolCalls:        10,
		ForceToolNext:    true,
		StagnationStreak: 3,
	}

	d := e.Decide(view, ActionFacts{Kind: codec.KindNoOp})
	if d.Verdict != VerdictForce || d.Rule != RuleStagnation {
		t.Fatalf("expected forced tool invocation, got %+v", d)
	}
	if d.Action != "run_tool" {
		t.Fatalf("expected run_tool substitution, got %q", d.Action)
	}
	if !strings.Contains(d.Instruction, "STAGNATION") {
		t.Fatalf("expected stagnation instruction, got %q", d.Instruction)
	}

	// A tool call satisfies the force; it is not blocked.
	if d := e.Decide(view, shellFacts("curl -sL https://example.org")); !d.Allowed() {
		t.Fatalf("expected tool call to clear the force, got %+v", d)
	}
}

func TestStagnationInstructionEscalatesOnFailureStreak(t *testing.T) {
	t.Parallel()

	e := newEngine()
	view := RunView{
		Status:        "UNRESOLVED",
		ForceToolNext: true,
		FailureType:   "access_blocked",
		FailureStreak: 3,
	}
	d := e.Decide(view, ActionFacts{Kind: codec.KindNoOp})
	if d.Verdict != VerdictForce {
		t.Fatalf("expected force, got %+v", d)
	}
	if !strings.Contains(d.Instruction, "access_blocked") {
		t.Fatalf("expected instruction to name the failure type, got %q", d.Instruction)
	}
	if !strings.Contains(d.Instruction, "Escalate") {
		t.Fatalf("expected escalated instruction after repeated identical failures, got %q", d.Instruction)
	}
}

func TestDomainShiftGuardBlocksRepeatDomain(t *testing.T) {
	t.Parallel()

	e := newEngine()
	view := RunView{
		NegativeClaim:      true,
		DomainShiftArmed:   true,
		LastDomain:         "vendor.example.com",
		DomainStreak:       2,
		OfficialDomains:    1,
		IndependentDomains: 0,
		ToolCalls:          5,
	}

	facts := shellFacts("curl -sL https://vendor.example.com/changelog")
	facts.Domain = "vendor.example.com"
	d := e.Decide(view, facts)
	if d.Verdict != VerdictBlock || d.Rule != RuleDomainShift {
		t.Fatalf("expected domain_shift block, got %+v", d)
	}
	if !strings.Contains(d.Instruction, "vendor.example.com") {
		t.Fatalf("expected instruction to name the over-queried domain, got %q", d.Instruction)
	}

	other := shellFacts("curl -sL https://registry.example.org/entry")
	other.Domain = "registry.example.org"
	if d := e.Decide(view, other); !d.Allowed() {
		t.Fatalf("expected a different domain to be allowed, got %+v", d)
	}
}

func TestQueryMutationBlocksArmedFamily(t *testing.T) {
	t.Parallel()

	e := newEngine()
	view := RunView{QueryFamilyArmed: true, QueryFamilyStreak: 3, ToolCalls: 4}

	facts := shellFacts("curl -sL 'https://duckduckgo.com/?q=aspirin+solubility'")
	facts.Domain = "duckduckgo.com"
	facts.QueryFamily = "aspirin solubility"
	d := e.Decide(view, facts)
	if d.Verdict != VerdictBlock || d.Rule != RuleQueryMutation {
		t.Fatalf("expected query_mutation block, got %+v", d)
	}
	if !strings.Contains(d.Instruction, "materially different") {
		t.Fatalf("expected mutation instruction, got %q", d.Instruction)
	}

	// A mutated family reaches the engine with QueryFamilyArmed unset and
	// passes; the arming is per-family state owned by the query ledger.
	mutated := facts
	mutated.QueryFamily = "acetylsalicylic acid water"
	if d := e.Decide(RunView{ToolCalls: 4}, mutated); !d.Allowed() {
		t.Fatalf("expected mutated family to be allowed, got %+v", d)
	}
}

func TestNegativeClaimCoverageMinima(t *testing.T) {
	t.Parallel()

	e := newEngine()
	conclude := ActionFacts{Kind: codec.KindNoOp, Concluding: true}

	// {official:{a.com}, independent:{}} is insufficient.
	view := RunView{
		NegativeClaim:      true,
		OfficialDomains:    1,
		IndependentDomains: 0,
		ToolCalls:          6,
	}
	d := e.Decide(view, conclude)
	if d.Verdict != VerdictBlock || d.Rule != RuleNegativeClaim {
		t.Fatalf("expected negative_claim block, got %+v", d)
	}
	if !strings.Contains(d.Instruction, "1 more official domain") {
		t.Fatalf("expected instruction to count missing official coverage, got %q", d.Instruction)
	}
	if !strings.Contains(d.Instruction, "1 more independent domain") {
		t.Fatalf("expected instruction to count missing independent coverage, got %q", d.Instruction)
	}

	// {official:{a.com,b.com}, independent:{c.org}} satisfies the minima.
	view.OfficialDomains = 2
	view.IndependentDomains = 1
	if d := e.Decide(view, conclude); !d.Allowed() {
		t.Fatalf("expected conclusion with coverage to be allowed, got %+v", d)
	}
}

func TestFinalizationStopAfterRepeatedDeliverableWrites(t *testing.T) {
	t.Parallel()

	e := newEngine()
	facts := shellFacts("echo done > /work/final_answer.md")
	facts.FinalIntent = true
	facts.WritesFinal = true

	if d := e.Decide(RunView{FinalizationHits: 1, ToolCalls: 5}, facts); !d.Allowed() {
		t.Fatalf("expected second finalization write to pass, got %+v", d)
	}

	d := e.Decide(RunView{FinalizationHits: 2, ToolCalls: 5}, facts)
	if !d.Terminal() || d.Rule != RuleFinalizationStop {
		t.Fatalf("expected terminal finalization stop, got %+v", d)
	}
	if !strings.Contains(d.Reason, "no new evidence") {
		t.Fatalf("expected reason to explain the loop, got %q", d.Reason)
	}
}

func TestNoToolGatingOrder(t *testing.T) {
	t.Parallel()

	e := newEngine()
	noop := ActionFacts{Kind: codec.KindNoOp}

	// Pending verifier feedback outranks everything else.
	d := e.Decide(RunView{GradientPending: true, ToolCalls: 10}, noop)
	if d.Rule != RuleReminder {
		t.Fatalf("expected gradient reminder, got %+v", d)
	}

	// Stale feedback stops reminding after the cap.
	d = e.Decide(RunView{GradientPending: true, GradientReminders: 4, ToolCalls: 10}, noop)
	if !d.Allowed() {
		t.Fatalf("expected stale gradient to stop blocking, got %+v", d)
	}

	// Before the exploration gate the verifier is never entered.
	d = e.Decide(RunView{ToolCalls: 2}, noop)
	if d.Rule != RulePreToolNudge {
		t.Fatalf("expected pre-tool nudge, got %+v", d)
	}
	d = e.Decide(RunView{ToolCalls: 2, PreToolNudges: 6}, noop)
	if d.Rule != RulePreToolNudge || !strings.Contains(d.Instruction, "Stop planning") {
		t.Fatalf("expected terse nudge after the soft cap, got %+v", d)
	}

	// Length-truncated answers get a retry nudge instead of verification.
	d = e.Decide(RunView{ToolCalls: 5, TruncatedResponse: true}, noop)
	if d.Rule != RuleLengthNudge {
		t.Fatalf("expected length nudge, got %+v", d)
	}

	// Past the gate, untruncated, nothing pending: hand over to the verifier.
	if d := e.Decide(RunView{ToolCalls: 5}, noop); !d.Allowed() {
		t.Fatalf("expected verifier entry, got %+v", d)
	}
}

func TestOnFormatError(t *testing.T) {
	t.Parallel()

	e := newEngine()

	d := e.OnFormatError(RunView{ParseErrors: 1}, "Missing THOUGHT block.")
	if d.Verdict != VerdictBlock || d.Rule != RuleParseError {
		t.Fatalf("expected parse_error block, got %+v", d)
	}
	if !strings.Contains(d.Instruction, "Missing THOUGHT block.") {
		t.Fatalf("expected the codec notice to pass through, got %q", d.Instruction)
	}

	d = e.OnFormatError(RunView{ParseErrors: 2, TruncatedResponse: true}, "Missing THOUGHT block.")
	if d.Rule != RuleLengthNudge {
		t.Fatalf("expected truncated response to count as a length nudge, got %+v", d)
	}

	d = e.OnFormatError(RunView{ParseErrors: 5}, "Missing THOUGHT block.")
	if !d.Terminal() {
		t.Fatalf("expected terminal stop at the parse error limit, got %+v", d)
	}
}

func TestInterventionsRenderPendingForces(t *testing.T) {
	t.Parallel()

	e := newEngine()
	view := RunView{
		ForceToolNext:      true,
		ForceQueryMutation: true,
		ForceMoveChange:    true,
		ForceSourceShift:   true,
		NegativeClaim:      true,
		DomainShiftArmed:   true,
		NotesGateArmed:     true,
	}
	out := e.Interventions(view)
	if len(out) != 6 {
		t.Fatalf("expected 6 interventions, got %d: %v", len(out), out)
	}
	joined := strings.Join(out, "\n")
	for _, marker := range []string{
		"STAGNATION DETECTED",
		"QUERY MUTATION REQUIRED",
		"MOVE CHANGE REQUIRED",
		"SOURCE CLASS SHIFT REQUIRED",
		"DOMAIN SHIFT REQUIRED",
		"SYSTEM INTERVENTION",
	} {
		if !strings.Contains(joined, marker) {
			t.Fatalf("expected %q in interventions, got %v", marker, out)
		}
	}

	if out := e.Interventions(RunView{}); len(out) != 0 {
		t.Fatalf("expected no interventions for a quiet view, got %v", out)
	}
}

func TestDecisionLogPayload(t *testing.T) {
	t.Parallel()

	d := block(RuleNotesGate, "no notes update for 3 steps", "update notes.md", "notes_update_required")
	payload := d.LogPayload()
	if payload["verdict"] != "block" || payload["rule"] != RuleNotesGate {
		t.Fatalf("unexpected payload %v", payload)
	}
	if _, ok := payload["action"]; ok {
		t.Fatalf("expected empty fields omitted, got %v", payload)
	}
}
