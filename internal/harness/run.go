package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Jawbreaker1/EvidenceBot/internal/backend"
	"github.com/Jawbreaker1/EvidenceBot/internal/config"
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

// Deps lets callers substitute the external collaborators. Nil fields get
// real implementations built from the config.
type Deps struct {
	Client  llm.Client
	Backend backend.Backend
	Sink    *events.Sink
	Logger  *zap.Logger
}

// Runner executes one task to a terminal status.
type Runner struct {
	cfg    config.Config
	log    *zap.Logger
	task   string
	runID  string
	layout session.Layout

	client     llm.Client
	guard      *llm.FailureGuard
	backend    backend.Backend
	notes      *notes.Manager
	evidence   *ledger.EvidenceLedger
	moves      *ledger.MoveLedger
	queries    *ledger.QueryLedger
	sink       *events.Sink
	engine     *policy.Engine
	auditor    *verifier.Verifier
	classifier *domains.Classifier

	state   *RunState
	tail    []llm.Message
	records []ledger.EvidenceRecord

	answer    string
	score     int
	startedAt time.Time
}

// New wires a runner for one task. The run directory is created here so a
// construction failure never leaves a half-run on disk.
func New(cfg config.Config, task, runID string, deps Deps) (*Runner, error) {
	if task == "" {
		return nil, fmt.Errorf("task is empty")
	}
	if runID == "" {
		runID = session.NewID()
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("run_id", runID))

	layout := session.NewLayout(cfg, runID)
	if err := layout.Create(); err != nil {
		return nil, err
	}
	if err := config.Save(layout.Snapshot, cfg); err != nil {
		return nil, fmt.Errorf("snapshot config: %w", err)
	}

	be := deps.Backend
	if be == nil {
		workDir := cfg.Backend.WorkDir
		if workDir == "" {
			workDir = filepath.Join(layout.Dir, "work")
		}
		runner, err := backend.NewLocalRunner(workDir, time.Duration(cfg.Backend.TimeoutSeconds)*time.Second, cfg.Backend.DenyExtra)
		if err != nil {
			return nil, fmt.Errorf("init backend: %w", err)
		}
		be = runner
	}
	client := deps.Client
	if client == nil {
		client = llm.NewLMStudioClient(cfg)
	}
	sink := deps.Sink
	if sink == nil {
		var err error
		sink, err = events.NewSink(layout.Events)
		if err != nil {
			return nil, fmt.Errorf("open event sink: %w", err)
		}
	}

	r := &Runner{
		cfg:        cfg,
		log:        log,
		task:       task,
		runID:      runID,
		layout:     layout,
		client:     client,
		guard:      llm.NewFailureGuard(cfg),
		backend:    be,
		notes:      notes.NewManager(layout.Notes),
		evidence:   ledger.NewEvidenceLedger(layout.Evidence),
		moves:      ledger.NewMoveLedger(layout.Moves),
		queries:    ledger.NewQueryLedger(layout.Queries, cfg.Budgets.QueryRepeatLimit),
		sink:       sink,
		engine:     policy.NewEngine(cfg),
		classifier: domains.NewClassifier(task),
		state:      NewRunState(policy.DetectNegativeClaim(task)),
	}
	vTemp, vTokens := llm.Tuning(cfg, "verifier")
	r.auditor = verifier.New(client, be, verifier.Options{
		Logger:         log,
		Temperature:    vTemp,
		MaxTokens:      vTokens,
		CommandTimeout: time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		Trace: func(eventType string, payload any) {
			r.emit(eventType, payload)
		},
	})
	return r, nil
}

// Layout exposes where this run writes its files.
func (r *Runner) Layout() session.Layout { return r.layout }

// State exposes the run state for inspection after Run returns.
func (r *Runner) State() *RunState { return r.state }

// terminal carries a decided ending from a step back to the loop.
type terminal struct {
	status Status
	reason string
}

// Run drives steps until a terminal status or the step budget. Cancellation
// is honored at step boundaries only; in-flight calls finish on their own
// timeouts. The returned error is non-nil only for run-level hard failures
// (model or backend unavailable); EXHAUSTED and UNRESOLVED are ordinary
// outcomes.
func (r *Runner) Run(ctx context.Context) (session.Report, error) {
	r.startedAt = time.Now().UTC()
	if err := session.InitMeta(r.layout.Dir, r.runID, r.task, r.cfg.LLM.Model); err != nil {
		return session.Report{}, err
	}
	if r.notes.Read() == "" {
		if err := r.notes.Init(r.task); err != nil {
			return session.Report{}, err
		}
	}
	r.emit(events.EventTypeTask, map[string]any{
		"task":           r.task,
		"negative_claim": r.state.NegativeClaim,
		"max_steps":      r.cfg.Budgets.MaxSteps,
	})
	r.log.Info("run started",
		zap.String("task", r.task),
		zap.Bool("negative_claim", r.state.NegativeClaim))

	maxSteps := r.cfg.Budgets.MaxSteps
	for r.state.Step < maxSteps {
		if ctx.Err() != nil {
			return r.finish(StatusUnresolved, "canceled"), nil
		}
		r.state.Step++
		term, err := r.step(ctx)
		if err != nil {
			report := r.finish(StatusUnresolved, err.Error())
			return report, err
		}
		if term != nil {
			return r.finish(term.status, term.reason), nil
		}
		if reason, settled := r.negativeClaimSettled(); settled {
			r.state.Epistemic.Apply("UNRESOLVED", reason)
			return r.finish(StatusUnresolved, reason), nil
		}
	}
	return r.finish(StatusExhausted, fmt.Sprintf("step budget of %d spent", maxSteps)), nil
}

// negativeClaimSettled reports whether a negative-claim run has spent its
// evidence budget with the coverage minima met. Once official and independent
// sources agree on the absence, further searching cannot prove it harder; the
// run settles UNRESOLVED instead of burning the remaining steps.
func (r *Runner) negativeClaimSettled() (string, bool) {
	if !r.state.NegativeClaim {
		return "", false
	}
	b := r.cfg.Budgets
	budget := policy.NegativeClaimBudget(b.MaxSteps, b.NegativeClaimBudgetPct)
	if r.state.Step < budget {
		return "", false
	}
	if len(r.state.Official) < b.NegativeClaimMinOfficial ||
		len(r.state.Independent) < b.NegativeClaimMinIndependent {
		return "", false
	}
	return fmt.Sprintf("negative-claim evidence budget of %d steps spent with coverage satisfied", budget), true
}

func (r *Runner) finish(status Status, reason string) session.Report {
	if err := r.state.Transition(status); err != nil {
		// Terminal states accept no further transitions; keep the first.
		r.log.Debug("terminal transition rejected", zap.Error(err))
	}
	report := session.Report{
		RunID:          r.runID,
		Task:           r.task,
		Status:         string(r.state.Status),
		Reason:         reason,
		Answer:         r.answer,
		Score:          r.score,
		Steps:          r.state.Step,
		ToolCalls:      r.state.ToolCalls,
		EvidenceCount:  r.evidence.Count(),
		VerifierRounds: r.state.VerifierRounds,
		Official:       sortedSet(r.state.Official),
		Independent:    sortedSet(r.state.Independent),
		StartedAt:      r.startedAt.Format(time.RFC3339),
		FinishedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := session.WriteReport(r.layout.Report, report); err != nil {
		r.log.Error("write report", zap.Error(err))
	}
	if err := session.CloseMeta(r.layout.Dir, r.runID, report.Status); err != nil {
		r.log.Error("close run meta", zap.Error(err))
	}
	r.emit(events.EventTypeRunState, map[string]any{
		"status": report.Status,
		"reason": report.Reason,
		"steps":  report.Steps,
		"score":  report.Score,
	})
	r.log.Info("run finished",
		zap.String("status", report.Status),
		zap.String("reason", report.Reason),
		zap.Int("steps", report.Steps),
		zap.Int("evidence", report.EvidenceCount))
	return report
}

// chat calls the model through the failure guard. A tripped guard is the
// hard-failure path; a single transport error is survivable and costs the
// step.
func (r *Runner) chat(ctx context.Context, msgs []llm.Message) (llm.ChatResponse, error) {
	if r.guard.Tripped() {
		return llm.ChatResponse{}, &llm.ErrModelUnavailable{
			Failures:  r.guard.Failures(),
			OpenUntil: r.guard.OpenUntilTime(),
		}
	}
	temperature, maxTokens := llm.Tuning(r.cfg, "worker")
	resp, err := r.client.Chat(ctx, llm.ChatRequest{
		Model:       r.cfg.LLM.Model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		r.guard.RecordFailure()
		if r.guard.Tripped() {
			return resp, &llm.ErrModelUnavailable{
				Failures:  r.guard.Failures(),
				OpenUntil: r.guard.OpenUntilTime(),
			}
		}
		return resp, err
	}
	r.guard.RecordSuccess()
	return resp, nil
}

// view assembles the policy read model for the action being decided.
func (r *Runner) view(facts policy.ActionFacts) policy.RunView {
	s := r.state
	b := r.cfg.Budgets
	coverageUnmet := len(s.Official) < b.NegativeClaimMinOfficial ||
		len(s.Independent) < b.NegativeClaimMinIndependent
	domainAttempts := r.moves.DomainStreak() + 1
	return policy.RunView{
		Step:      s.Step,
		Status:    string(s.Status),
		ToolCalls: s.ToolCalls,

		NotesGateArmed: s.StepsSinceNotes >= b.NotesInterval,

		ForceToolNext:    s.ForceToolNext,
		StagnationStreak: s.StagnationStreak,

		FailureType:   s.FailureType,
		FailureStreak: s.FailureStreak,

		NegativeClaim:      s.NegativeClaim,
		OfficialDomains:    len(s.Official),
		IndependentDomains: len(s.Independent),
		LastDomain:         r.moves.LastDomain(),
		DomainStreak:       domainAttempts,
		DomainShiftArmed:   coverageUnmet && domainAttempts >= b.DomainShiftLimit,

		QueryFamilyArmed:   r.queries.MutationRequired(facts.QueryFamily),
		QueryFamilyStreak:  r.queries.Streak(facts.QueryFamily),
		ForceQueryMutation: s.ForceQueryMutation,

		ForceMoveChange:  s.ForceMoveChange,
		ForceSourceShift: s.ForceSourceShift,

		FinalizationHits: s.FinalizationHits,

		ParseErrors:       s.ParseErrors,
		LengthNudges:      s.LengthNudges,
		PreToolNudges:     s.PreToolNudges,
		TruncatedResponse: s.TruncatedLast,

		GradientPending:   s.GradientPending,
		GradientReminders: s.GradientReminders,
	}
}

func (r *Runner) emit(eventType string, payload any) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Emit(r.runID, r.state.Step, eventType, payload); err != nil {
		r.log.Warn("emit event", zap.String("type", eventType), zap.Error(err))
	}
}

// pushTail appends one message to the action tail, bounding its length; the
// assembler trims further by character budget.
func (r *Runner) pushTail(role, content string) {
	r.tail = append(r.tail, llm.Message{Role: role, Content: content})
	if len(r.tail) > 4*prompt.ActionTailMessages {
		r.tail = r.tail[len(r.tail)-4*prompt.ActionTailMessages:]
	}
}

// hardFailure reports whether an execution error must abort the run.
func hardFailure(err error) bool {
	var unavailable *backend.UnavailableError
	return errors.As(err, &unavailable)
}
