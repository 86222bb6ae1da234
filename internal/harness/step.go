package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Jawbreaker1/EvidenceBot/internal/backend"
	"github.com/Jawbreaker1/EvidenceBot/internal/codec"
	"github.com/Jawbreaker1/EvidenceBot/internal/domains"
	"github.com/Jawbreaker1/EvidenceBot/internal/events"
	"github.com/Jawbreaker1/EvidenceBot/internal/ledger"
	"github.com/Jawbreaker1/EvidenceBot/internal/llm"
	"github.com/Jawbreaker1/EvidenceBot/internal/notes"
	"github.com/Jawbreaker1/EvidenceBot/internal/policy"
	"github.com/Jawbreaker1/EvidenceBot/internal/prompt"
	"github.com/Jawbreaker1/EvidenceBot/internal/session"
	"github.com/Jawbreaker1/EvidenceBot/internal/verifier"
)

// step runs one model turn end to end. A nil terminal means the run
// continues; an error is a run-level hard failure.
func (r *Runner) step(ctx context.Context) (*terminal, error) {
	interventions := r.engine.Interventions(r.view(policy.ActionFacts{}))
	msgs := prompt.AssembleWithInterventions(prompt.Input{
		System:      prompt.SystemPrompt,
		Status:      r.state.Epistemic.Status,
		Task:        r.task,
		Notes:       r.notes.Read(),
		Constraints: r.state.Epistemic.Constraints,
		Unresolved:  r.state.Epistemic.Unresolved,
		Blocked:     r.state.Epistemic.Blocked,
		Tail:        r.tail,
	}, interventions...)

	resp, err := r.chat(ctx, msgs)
	if err != nil {
		var unavailable *llm.ErrModelUnavailable
		if errors.As(err, &unavailable) {
			return nil, err
		}
		r.log.Warn("model call failed", zap.Int("step", r.state.Step), zap.Error(err))
		r.emit(events.EventTypeModel, map[string]any{"error": err.Error()})
		return nil, nil
	}
	r.state.TruncatedLast = resp.FinishReason == "length"
	r.emit(events.EventTypeModel, map[string]any{
		"scope":             "worker",
		"finish_reason":     resp.FinishReason,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
		"latency_ms":        resp.Latency.Milliseconds(),
		"chars":             len(resp.Content),
	})
	r.pushTail("assistant", resp.Content)
	if err := r.notes.LogModelOutput(r.state.Step, resp.Content, "worker"); err != nil {
		r.log.Warn("log model output", zap.Error(err))
	}

	act, ferr := codec.Parse(resp.Content)
	if ferr != nil {
		return r.handleFormatError(ferr), nil
	}

	facts := policy.AnalyzeAction(act, r.classifier)
	token := codec.StatusToken(act.StatusUpdate)
	r.state.Epistemic.Apply(token, act.StatusUpdate)

	decision := r.engine.Decide(r.view(facts), facts)
	r.emitDecision(decision)

	notesUpdate := facts.Kind == codec.KindNotes || facts.NotesMode == notes.ModeAppend

	var term *terminal
	switch decision.Verdict {
	case policy.VerdictStop:
		if act.FinalText != "" {
			r.answer = act.FinalText
		}
		return &terminal{status: StatusUnresolved, reason: decision.Reason}, nil
	case policy.VerdictBlock:
		r.applyBlock(decision, act, facts, token)
		notesUpdate = false
	case policy.VerdictForce:
		r.pushTail("user", decision.Instruction)
		r.noteProgress(token, false)
	default:
		switch act.Kind {
		case codec.KindShell:
			term, err = r.execShell(ctx, act, facts, token)
			if err != nil {
				return nil, err
			}
		case codec.KindNotes:
			r.applyNotes(act, token)
		default:
			term, err = r.verify(ctx, act, token)
			if err != nil {
				return nil, err
			}
		}
	}
	if term != nil {
		return term, nil
	}

	if notesUpdate {
		r.state.StepsSinceNotes = 0
		if r.state.Status == StatusAwaitingNotes {
			if err := r.state.Transition(StatusRunning); err != nil {
				r.log.Debug("notes gate release", zap.Error(err))
			}
		}
	} else {
		r.state.StepsSinceNotes++
	}
	return nil, nil
}

// handleFormatError reacts to a response the codec rejected. Truncated
// responses cost a length nudge, not a parse strike.
func (r *Runner) handleFormatError(ferr *codec.FormatError) *terminal {
	view := r.view(policy.ActionFacts{})
	view.ParseErrors = r.state.ParseErrors + 1
	decision := r.engine.OnFormatError(view, ferr.Notice)
	r.emitDecision(decision)
	switch {
	case decision.Terminal():
		r.state.ParseErrors++
		return &terminal{status: StatusUnresolved, reason: decision.Reason}
	case decision.Rule == policy.RuleLengthNudge:
		r.state.LengthNudges++
	default:
		r.state.ParseErrors++
	}
	r.pushTail("user", decision.Instruction)
	r.state.StepsSinceNotes++
	return nil
}

// applyBlock absorbs a blocked action: the instruction replaces execution,
// blocked shell attempts leave a ledger trace, and no streak advances.
func (r *Runner) applyBlock(decision policy.Decision, act *codec.Action, facts policy.ActionFacts, token string) {
	switch decision.Rule {
	case policy.RuleNotesGate:
		if r.state.Status == StatusRunning {
			if err := r.state.Transition(StatusAwaitingNotes); err != nil {
				r.log.Debug("notes gate transition", zap.Error(err))
			}
		}
	case policy.RuleQueryMutation:
		r.state.ForceQueryMutation = true
	case policy.RuleReminder:
		r.state.GradientReminders++
	case policy.RulePreToolNudge:
		r.state.PreToolNudges++
	case policy.RuleLengthNudge:
		r.state.LengthNudges++
	}

	if act.Kind == codec.KindShell && decision.ErrorType != "" {
		rec, err := r.evidence.Append(r.state.Step, "shell", act.Command, ledger.Outcome{
			Error:     decision.Reason,
			ErrorType: decision.ErrorType,
		})
		if err != nil {
			r.log.Error("append blocked evidence", zap.Error(err))
		} else {
			r.records = append(r.records, *rec)
			if err := session.AppendEvidenceRow(r.layout.EvidenceMarkdown, rec); err != nil {
				r.log.Warn("mirror blocked evidence", zap.Error(err))
			}
		}
		r.appendMove(act, facts, "blocked", decision.ErrorType, false)
		r.appendQuery(facts, "blocked")
	}

	r.pushTail("user", decision.Instruction)
	r.noteProgress(token, false)
}

// execShell executes an allowed command and folds the outcome into every
// ledger and streak the policy engine reads next step.
func (r *Runner) execShell(ctx context.Context, act *codec.Action, facts policy.ActionFacts, token string) (*terminal, error) {
	preCount := r.evidence.Count()
	timeout := time.Duration(r.cfg.Backend.TimeoutSeconds) * time.Second
	result, err := r.backend.Execute(ctx, act.Command, timeout)

	var out ledger.Outcome
	executed := false
	switch {
	case err == nil:
		exit := result.ExitCode
		out = ledger.Outcome{ExitCode: &exit, Output: result.Output}
		executed = true
	case hardFailure(err):
		return nil, err
	default:
		out = ledger.Outcome{Error: err.Error()}
		var denied *backend.DeniedError
		if errors.As(err, &denied) {
			out.ErrorType = "policy_violation"
		}
	}

	rec, aerr := r.evidence.Append(r.state.Step, "shell", act.Command, out)
	if aerr != nil {
		r.log.Error("append evidence", zap.Error(aerr))
		r.pushTail("user", "OBSERVATION: evidence ledger write failed; result discarded.")
		return nil, nil
	}
	r.records = append(r.records, *rec)
	if err := session.AppendEvidenceRow(r.layout.EvidenceMarkdown, rec); err != nil {
		r.log.Warn("mirror evidence", zap.Error(err))
	}

	outcome := "denied"
	if executed {
		outcome = "executed"
		if rec.FailureType != "" {
			outcome = "failed"
		}
		r.state.ToolCalls++
	}
	r.state.RecordFailure(rec.FailureType)
	r.appendMove(act, facts, outcome, rec.FailureType, executed)
	r.appendQuery(facts, outcome)

	b := r.cfg.Budgets
	r.state.ForceMoveChange = b.MoveRepeatLimit > 0 && r.moves.RepeatStreak() >= b.MoveRepeatLimit
	r.state.ForceSourceShift = r.state.FailureStreak >= b.FailureEscalationLimit && r.moves.LastSourceClass() != ""
	if facts.QueryFamily != "" && !r.queries.MutationRequired(facts.QueryFamily) {
		r.state.ForceQueryMutation = false
	}

	if executed && r.state.NegativeClaim && facts.Domain != "" &&
		result.ExitCode == 0 && !domains.IsSearch(facts.Domain) {
		official := r.classifier.IsOfficial(facts.Domain)
		if official {
			// Sibling hosts of a confirmed official publisher stay official.
			r.classifier.AddOfficialHint(domains.Registrable(facts.Domain))
		}
		r.state.AddCoverage(domains.Registrable(facts.Domain), official)
	}
	if facts.FinalIntent && facts.WritesFinal {
		r.state.RecordFinalWrite(preCount)
	}

	r.emit(events.EventTypeTool, map[string]any{
		"cmd":          act.Command,
		"evidence_id":  rec.ID,
		"outcome":      outcome,
		"exit_code":    rec.ExitCode,
		"failure_type": rec.FailureType,
	})
	r.pushTail("user", observationText(rec))
	r.noteProgress(token, executed)
	return nil, nil
}

// applyNotes performs a structured notes update. Notes are progress but not
// evidence, so the stagnation streak does not reset here.
func (r *Runner) applyNotes(act *codec.Action, token string) {
	text := strings.TrimSpace(act.NotesText)
	if text != "" {
		if err := r.notes.Append("\n" + text + "\n"); err != nil {
			r.log.Error("append notes", zap.Error(err))
			r.pushTail("user", "Notes update failed; try again.")
			return
		}
	}
	r.emit(events.EventTypeNotes, map[string]any{"chars": len(text)})
	r.pushTail("user", "Notes updated.")
	r.noteProgress(token, false)
}

// verify hands a final-style answer to the auditor. The answer must satisfy
// the status contract first: a status token and only known evidence ids.
func (r *Runner) verify(ctx context.Context, act *codec.Action, token string) (*terminal, error) {
	dangling := codec.ValidateEvidence(act, r.evidence.Known)
	if token == "" || dangling != nil {
		reason := "final answer missing a STATUS_UPDATE token"
		if dangling != nil {
			reason = dangling.Warning()
		}
		r.state.Epistemic.Apply("UNRESOLVED", reason)
		r.state.Epistemic.AddConstraint(reason)
		r.pushTail("user", reason+" Cite only evidence ids that exist in the ledger and report a status token.")
		r.noteProgress("UNRESOLVED", false)
		return nil, nil
	}

	if r.state.VerifierRounds >= r.cfg.Budgets.MaxVerifierRounds {
		return &terminal{status: StatusUnresolved, reason: "verifier round budget spent"}, nil
	}
	if err := r.state.Transition(StatusVerifying); err != nil {
		r.log.Debug("enter verifying", zap.Error(err))
	}
	r.state.GradientPending = false
	r.state.VerifierRounds++

	answer := act.FinalText
	if answer == "" {
		answer = act.Thought
	}
	if answer == "" {
		answer = act.Raw
	}

	verdict, err := r.auditor.Verify(ctx, verifier.Input{
		Task:          r.task,
		Answer:        answer,
		Notes:         r.notes.Read(),
		Evidence:      r.records,
		NegativeClaim: r.state.NegativeClaim,
	})
	if err != nil {
		if terr := r.state.Transition(StatusRunning); terr != nil {
			r.log.Debug("leave verifying", zap.Error(terr))
		}
		r.guard.RecordFailure()
		if r.guard.Tripped() {
			return nil, &llm.ErrModelUnavailable{
				Failures:  r.guard.Failures(),
				OpenUntil: r.guard.OpenUntilTime(),
			}
		}
		r.log.Warn("verifier round failed", zap.Error(err))
		r.emit(events.EventTypeVerifier, map[string]any{"error": err.Error()})
		return nil, nil
	}
	r.guard.RecordSuccess()
	r.emit(events.EventTypeVerifier, verdict)
	r.log.Info("verifier round",
		zap.Int("round", r.state.VerifierRounds),
		zap.Int("score", verdict.Score),
		zap.Bool("capped", verdict.Capped),
		zap.Int("checks_run", verdict.ChecksRun))

	if verdict.Score > r.state.BestScore {
		r.state.BestScore = verdict.Score
		r.score = verdict.Score
	}
	if verdict.Passing() {
		r.answer = answer
		r.score = verdict.Score
		return &terminal{status: StatusResolved, reason: "verifier accepted the answer"}, nil
	}
	if err := r.state.Transition(StatusRunning); err != nil {
		r.log.Debug("leave verifying", zap.Error(err))
	}
	r.state.GradientPending = true
	r.state.GradientReminders = 0
	r.pushTail("user", verifier.FormatFeedback(verdict))
	r.noteProgress("UNRESOLVED", false)
	return nil, nil
}

// noteProgress maintains the stagnation streak: consecutive unresolved turns
// with no newly executed evidence arm the forced tool call. New evidence
// clears both the streak and any pending verifier gradient.
func (r *Runner) noteProgress(token string, newEvidence bool) {
	if newEvidence {
		r.state.StagnationStreak = 0
		r.state.ForceToolNext = false
		r.state.GradientPending = false
		return
	}
	if token == "UNRESOLVED" {
		r.state.StagnationStreak++
		if r.state.StagnationStreak >= r.cfg.Budgets.StagnationLimit {
			r.state.ForceToolNext = true
		}
	}
}

func (r *Runner) appendMove(act *codec.Action, facts policy.ActionFacts, outcome, failureType string, observe bool) {
	kind := ledger.ClassifyKind(act.Command)
	rec := &ledger.MoveRecord{
		Step:        r.state.Step,
		Tool:        "shell",
		Command:     act.Command,
		URL:         facts.URL,
		Domain:      facts.Domain,
		Query:       facts.Query,
		QueryFamily: facts.QueryFamily,
		SourceClass: facts.SourceClass,
		Kind:        kind,
		Relation:    r.moves.Relation(facts.Domain, facts.QueryFamily, facts.SourceClass),
		Fingerprint: ledger.Fingerprint(kind, facts.Domain, facts.QueryFamily),
		FailureType: failureType,
		Outcome:     outcome,
	}
	if err := r.moves.Append(rec); err != nil {
		r.log.Warn("append move", zap.Error(err))
		return
	}
	if observe {
		r.moves.Observe(rec)
	}
}

func (r *Runner) appendQuery(facts policy.ActionFacts, outcome string) {
	if facts.QueryFamily == "" {
		return
	}
	attempt := &ledger.QueryAttempt{
		Step:        r.state.Step,
		URL:         facts.URL,
		Domain:      facts.Domain,
		Query:       facts.Query,
		FamilyKey:   facts.QueryFamily,
		SourceClass: facts.SourceClass,
		Relation:    r.moves.Relation(facts.Domain, facts.QueryFamily, facts.SourceClass),
		Outcome:     outcome,
	}
	if err := r.queries.Append(attempt); err != nil {
		r.log.Warn("append query attempt", zap.Error(err))
	}
}

func (r *Runner) emitDecision(d policy.Decision) {
	if d.Rule == "" {
		return
	}
	r.emit(events.PolicyTypePrefix+d.Rule, d.LogPayload())
}

func observationText(rec *ledger.EvidenceRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OBSERVATION %s", rec.ID)
	if rec.ExitCode != nil {
		fmt.Fprintf(&b, " (exit %d)", *rec.ExitCode)
	}
	if rec.FailureType != "" {
		fmt.Fprintf(&b, " [%s]", rec.FailureType)
	}
	b.WriteString(":\n")
	switch {
	case rec.OutputExcerpt != "":
		b.WriteString(rec.OutputExcerpt)
	case rec.Error != "":
		b.WriteString(rec.Error)
	default:
		b.WriteString("(no output)")
	}
	return b.String()
}
