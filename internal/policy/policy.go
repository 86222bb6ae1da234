package policy

import (
	"fmt"
	"strings"

	"github.com/Jawbreaker1/EvidenceBot/internal/codec"
	"github.com/Jawbreaker1/EvidenceBot/internal/config"
	"github.com/Jawbreaker1/EvidenceBot/internal/notes"
)

// Verdict is the outcome class of a policy decision.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictBlock Verdict = "block"
	VerdictForce Verdict = "force"
	VerdictStop  Verdict = "stop"
)

// Rule names. Each decision is traced as a policy_<rule> event.
const (
	RuleNotesGuard        = "notes_guard"
	RuleNotesGate         = "notes_gate"
	RuleStagnation        = "stagnation"
	RuleFailureEscalation = "failure_escalation"
	RuleDomainShift       = "domain_shift"
	RuleQueryMutation     = "query_mutation"
	RuleNegativeClaim     = "negative_claim"
	RuleFinalizationStop  = "finalization_stop"
	RuleParseError        = "parse_error"
	RuleLengthNudge       = "length_nudge"
	RulePreToolNudge      = "pre_tool_nudge"
	RuleReminder          = "reminder"
)

// Gradient reminders have no config knob; after this many the pending
// feedback is considered stale and the harness clears it.
const gradientReminderCap = 4

// Decision is what the engine says about one step. Instruction is the text
// shown to the model; ErrorType is the classification recorded on the
// blocked observation in the evidence ledger.
type Decision struct {
	Verdict     Verdict `json:"verdict"`
	Rule        string  `json:"rule,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Action      string  `json:"action,omitempty"`
	Instruction string  `json:"instruction,omitempty"`
	ErrorType   string  `json:"error_type,omitempty"`
}

// Allowed reports whether the action may execute as issued.
func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// Terminal reports whether the decision ends the run.
func (d Decision) Terminal() bool { return d.Verdict == VerdictStop }

// LogPayload renders the decision for event tracing.
func (d Decision) LogPayload() map[string]any {
	payload := map[string]any{"verdict": string(d.Verdict)}
	if d.Rule != "" {
		payload["rule"] = d.Rule
	}
	if d.Reason != "" {
		payload["reason"] = d.Reason
	}
	if d.Action != "" {
		payload["action"] = d.Action
	}
	if d.Instruction != "" {
		payload["instruction"] = d.Instruction
	}
	if d.ErrorType != "" {
		payload["error_type"] = d.ErrorType
	}
	return payload
}

func allow() Decision {
	return Decision{Verdict: VerdictAllow}
}

func block(rule, reason, instruction, errorType string) Decision {
	return Decision{
		Verdict:     VerdictBlock,
		Rule:        rule,
		Reason:      reason,
		Instruction: instruction,
		ErrorType:   errorType,
	}
}

func force(rule, action, instruction string) Decision {
	return Decision{
		Verdict:     VerdictForce,
		Rule:        rule,
		Action:      action,
		Instruction: instruction,
	}
}

func stop(rule, reason string) Decision {
	return Decision{Verdict: VerdictStop, Rule: rule, Reason: reason}
}

// RunView is the per-step read model the harness assembles for the engine.
// Counts include the current turn where noted.
type RunView struct {
	Step      int
	Status    string
	ToolCalls int

	NotesGateArmed bool

	ForceToolNext    bool
	StagnationStreak int

	FailureType   string
	FailureStreak int

	NegativeClaim      bool
	OfficialDomains    int
	IndependentDomains int
	LastDomain         string
	DomainStreak       int
	DomainShiftArmed   bool

	// QueryFamilyArmed is the mutation state for the current action's
	// family; ForceQueryMutation is the sticky flag set by a prior block.
	QueryFamilyArmed   bool
	QueryFamilyStreak  int
	ForceQueryMutation bool

	ForceMoveChange  bool
	ForceSourceShift bool

	FinalizationHits int

	// ParseErrors includes the error being decided on.
	ParseErrors       int
	LengthNudges      int
	PreToolNudges     int
	TruncatedResponse bool

	GradientPending   bool
	GradientReminders int
}

// Engine holds the configured limits. It carries no run state.
type Engine struct {
	notesInterval          int
	stagnationLimit        int
	failureEscalationLimit int
	queryRepeatLimit       int
	domainShiftLimit       int
	minOfficial            int
	minIndependent         int
	finalizationLimit      int
	parseErrorLimit        int
	lengthNudgeLimit       int
	preToolNudgeLimit      int
	explorationGate        int
}

func NewEngine(cfg config.Config) *Engine {
	b := cfg.Budgets
	return &Engine{
		notesInterval:          b.NotesInterval,
		stagnationLimit:        b.StagnationLimit,
		failureEscalationLimit: b.FailureEscalationLimit,
		queryRepeatLimit:       b.QueryRepeatLimit,
		domainShiftLimit:       b.DomainShiftLimit,
		minOfficial:            b.NegativeClaimMinOfficial,
		minIndependent:         b.NegativeClaimMinIndependent,
		finalizationLimit:      b.FinalizationLimit,
		parseErrorLimit:        b.ParseErrorLimit,
		lengthNudgeLimit:       b.LengthNudgeLimit,
		preToolNudgeLimit:      b.PreToolNudgeLimit,
		explorationGate:        b.ExplorationGate,
	}
}

// Decide evaluates one parsed action against the rule chain.
func (e *Engine) Decide(view RunView, facts ActionFacts) Decision {
	if facts.NotesMode == notes.ModeOverwrite {
		return block(
			RuleNotesGuard,
			"notes.md is append-only",
			"Action Blocked: Overwriting notes.md is not allowed. Use append (>> or tee -a).",
			"notes_overwrite_blocked",
		)
	}

	if view.NotesGateArmed && !facts.notesUpdate() {
		return block(
			RuleNotesGate,
			fmt.Sprintf("no notes update for %d steps", e.notesInterval),
			"Action Blocked: You must update notes.md first (append-only).",
			"notes_update_required",
		)
	}

	if view.ForceToolNext && facts.Kind == codec.KindNoOp {
		return force(RuleStagnation, "run_tool", e.stagnationInstruction(view))
	}

	if view.NegativeClaim && view.DomainShiftArmed && facts.Domain != "" && facts.Domain == view.LastDomain {
		return block(
			RuleDomainShift,
			fmt.Sprintf("%d consecutive attempts on %s with coverage unmet", view.DomainStreak, facts.Domain),
			fmt.Sprintf(
				"Action Blocked: domain shift required for negative-claim tasks. "+
					"Need at least %d official and %d independent domains; checked %d official, %d independent. "+
					"Use a different domain than %s.",
				e.minOfficial, e.minIndependent,
				view.OfficialDomains, view.IndependentDomains, facts.Domain,
			),
			"domain_shift_required",
		)
	}

	if facts.QueryFamily != "" && view.QueryFamilyArmed {
		return block(
			RuleQueryMutation,
			fmt.Sprintf("query family repeated %d times", view.QueryFamilyStreak),
			fmt.Sprintf(
				"Action Blocked: query mutation required before retrying. "+
					"The query %q has been tried %d times; propose a materially different query "+
					"(different keywords, synonyms, or formulation).",
				facts.QueryFamily, view.QueryFamilyStreak,
			),
			"query_mutation_required",
		)
	}

	if view.NegativeClaim && facts.Concluding {
		if missing := e.missingCoverage(view); missing != "" {
			return block(
				RuleNegativeClaim,
				"absence conclusion without source coverage",
				fmt.Sprintf(
					"Action Blocked: cannot conclude absence yet. Consult %s before concluding "+
						"'no official announcement found in sources checked'.",
					missing,
				),
				"negative_claim_coverage",
			)
		}
	}

	if facts.FinalIntent && facts.WritesFinal && view.FinalizationHits+1 >= e.finalizationLimit {
		return stop(
			RuleFinalizationStop,
			fmt.Sprintf(
				"final deliverables rewritten %d times with no new evidence; stopping to prevent a tool loop",
				view.FinalizationHits+1,
			),
		)
	}

	if facts.Kind == codec.KindNoOp {
		return e.decideNoTool(view)
	}

	return allow()
}

// decideNoTool applies the supplements that gate verifier entry when the
// model produced no tool call. Allow here means: hand the answer to the
// verifier.
func (e *Engine) decideNoTool(view RunView) Decision {
	if view.GradientPending && view.GradientReminders < gradientReminderCap {
		return block(
			RuleReminder,
			"verifier feedback pending",
			"You have verifier feedback. Use tools to gather missing evidence and make progress now. "+
				"Prefer the suggested next actions when helpful, but you may choose any sensible action.",
			"",
		)
	}

	if view.ToolCalls < e.explorationGate {
		instruction := "You have not used tools yet. Use the shell now to make concrete progress. " +
			"You can chain commands with && to do multiple steps in one tool call."
		if view.PreToolNudges >= e.preToolNudgeLimit {
			instruction = "Stop planning and run a shell command that gathers evidence."
		}
		return block(
			RulePreToolNudge,
			fmt.Sprintf("only %d tool calls before the exploration gate of %d", view.ToolCalls, e.explorationGate),
			instruction,
			"",
		)
	}

	if view.TruncatedResponse && view.LengthNudges < e.lengthNudgeLimit {
		return block(
			RuleLengthNudge,
			"response hit the completion token cap",
			"Your previous response was truncated. Keep it short and run a shell command now.",
			"",
		)
	}

	return allow()
}

// OnFormatError decides the reaction to a response the codec rejected.
// A truncated response gets a length nudge instead of a strike; repeated
// strikes end the run.
func (e *Engine) OnFormatError(view RunView, notice string) Decision {
	if view.TruncatedResponse {
		return block(
			RuleLengthNudge,
			"response hit the completion token cap",
			"Your response was truncated due to length limits. "+
				"Please try again, but output a shorter response or split the content into multiple steps.",
			"",
		)
	}
	if view.ParseErrors >= e.parseErrorLimit {
		return stop(RuleParseError, fmt.Sprintf("%d format errors (missing THOUGHT/ACTION)", view.ParseErrors))
	}
	return block(RuleParseError, "malformed step", "SYSTEM FORMAT ERROR: "+notice, "")
}

// Interventions renders the pending force flags as context messages, in the
// order the model should read them.
func (e *Engine) Interventions(view RunView) []string {
	var out []string
	if view.ForceToolNext {
		out = append(out, e.stagnationInstruction(view))
	}
	if view.ForceQueryMutation {
		out = append(out, "QUERY MUTATION REQUIRED: propose a materially different query before retrying. "+
			"Use different keywords, synonyms, or a different formulation.")
	}
	if view.ForceMoveChange {
		out = append(out, "MOVE CHANGE REQUIRED: change your search move type (reformulate or shift domain). "+
			"Avoid repeating the same move.")
	}
	if view.ForceSourceShift {
		out = append(out, "SOURCE CLASS SHIFT REQUIRED: switch to a different source class "+
			"(for example registry, primary literature, regulatory, or commentary).")
	}
	if view.NegativeClaim && view.DomainShiftArmed {
		out = append(out, fmt.Sprintf(
			"DOMAIN SHIFT REQUIRED: use a different domain than the last attempt. "+
				"Negative-claim tasks need at least %d official domains and %d independent domains checked.",
			e.minOfficial, e.minIndependent,
		))
	}
	if view.NotesGateArmed {
		out = append(out, fmt.Sprintf(
			"SYSTEM INTERVENTION: It has been %d steps. "+
				"You must update notes.md with your latest findings/failures before proceeding.",
			e.notesInterval,
		))
	}
	return out
}

func (e *Engine) stagnationInstruction(view RunView) string {
	var b strings.Builder
	b.WriteString("STAGNATION DETECTED: You must run a tool now to obtain new evidence.")
	if view.FailureType != "" {
		fmt.Fprintf(&b, " Previous failures: %s. Try a different source/tool.", view.FailureType)
	}
	if view.FailureType != "" && view.FailureStreak >= e.failureEscalationLimit {
		b.WriteString(" Escalate to a different acquisition path (alternate domain, API, or browser automation).")
	}
	return b.String()
}

// missingCoverage names what the negative-claim minima still need, or ""
// when coverage is satisfied.
func (e *Engine) missingCoverage(view RunView) string {
	var parts []string
	if view.OfficialDomains < e.minOfficial {
		parts = append(parts, fmt.Sprintf(
			"%d more official domain(s) (%d of %d checked)",
			e.minOfficial-view.OfficialDomains, view.OfficialDomains, e.minOfficial,
		))
	}
	if view.IndependentDomains < e.minIndependent {
		parts = append(parts, fmt.Sprintf(
			"%d more independent domain(s) (%d of %d checked)",
			e.minIndependent-view.IndependentDomains, view.IndependentDomains, e.minIndependent,
		))
	}
	return strings.Join(parts, " and ")
}
