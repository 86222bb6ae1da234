// Package verifier audits the worker's candidate answer in a clean room: it
// sees the task, the notes snapshot, and the evidence ledger, never the
// worker's message history. Each round decomposes the answer into at most
// three yes/no checks, verifies them with a bounded tool sub-loop, and
// judges a 1-4 score with corrective instructions. SCOUT gating caps the
// score before it is returned, so an early stop is always a gated score.
package verifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Jawbreaker1/EvidenceBot/internal/backend"
	"github.com/Jawbreaker1/EvidenceBot/internal/ledger"
	"github.com/Jawbreaker1/EvidenceBot/internal/llm"
)

// MaxChecks bounds one round's decomposition.
const MaxChecks = 3

// MaxInstructions bounds the corrective instructions one verdict carries.
const MaxInstructions = 3

// DefaultCheckSteps is the tool budget of one check's sub-loop.
const DefaultCheckSteps = 4

// TraceFunc receives verifier-internal events for the run's event stream.
type TraceFunc func(eventType string, payload any)

// Input is the clean-room context of one verification round.
type Input struct {
	Task          string
	Answer        string
	Notes         string
	Evidence      []ledger.EvidenceRecord
	NegativeClaim bool
}

// Outcome pairs one check with its sub-loop result.
type Outcome struct {
	Check  Check       `json:"check"`
	Result CheckResult `json:"result"`
}

// Verdict is one round's judgment.
type Verdict struct {
	Score        int            `json:"score"`
	Explanation  string         `json:"explanation"`
	Instructions []string       `json:"instructions,omitempty"`
	Capped       bool           `json:"capped,omitempty"`
	CapReasons   []string       `json:"cap_reasons,omitempty"`
	Checks       []Outcome      `json:"checks,omitempty"`
	Gradient     map[string]any `json:"gradient,omitempty"`
	ChecksRun    int            `json:"checks_run"`
	ModelCalls   int            `json:"model_calls"`
	ToolCalls    int            `json:"tool_calls"`
	ToolErrors   int            `json:"tool_errors"`
	Usage        llm.Usage      `json:"usage"`
	Latency      time.Duration  `json:"-"`
	LatencyMS    int64          `json:"latency_ms"`
}

// Passing reports whether the round clears the resolution threshold.
func (v Verdict) Passing() bool { return v.Score >= 3 }

// Options configures a Verifier beyond its two collaborators.
type Options struct {
	Logger         *zap.Logger
	Temperature    float32
	MaxTokens      int
	CheckSteps     int
	CommandTimeout time.Duration
	Trace          TraceFunc
}

// Verifier runs decompose-verify-judge rounds against the same execution
// backend the worker uses, with its own model tuning.
type Verifier struct {
	client         llm.Client
	backend        backend.Backend
	log            *zap.Logger
	temperature    float32
	maxTokens      int
	checkSteps     int
	commandTimeout time.Duration
	trace          TraceFunc
}

func New(client llm.Client, be backend.Backend, opts Options) *Verifier {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	checkSteps := opts.CheckSteps
	if checkSteps <= 0 {
		checkSteps = DefaultCheckSteps
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 800
	}
	return &Verifier{
		client:         client,
		backend:        be,
		log:            log,
		temperature:    opts.Temperature,
		maxTokens:      maxTokens,
		checkSteps:     checkSteps,
		commandTimeout: opts.CommandTimeout,
		trace:          opts.Trace,
	}
}

// Verify runs one round. Checks execute one at a time; after each check the
// judge scores everything gathered so far and SCOUT gating is applied. A
// gated score of 3 or better returns immediately, skipping the remaining
// checks. Only a model transport failure is an error; anything the round
// cannot establish lands in the verdict as a low capped score.
func (v *Verifier) Verify(ctx context.Context, in Input) (Verdict, error) {
	start := time.Now()
	meter := &usageMeter{}

	checks := v.decompose(ctx, in, meter)
	needCoverage := in.NegativeClaim || isNegativeAnswer(in.Answer) || needsCoverage(in.Task)
	checks = ensureCoverageCheck(checks, needCoverage)

	v.log.Debug("verifier round decomposed",
		zap.Int("checks", len(checks)),
		zap.Bool("need_coverage", needCoverage),
	)

	var outcomes []Outcome
	var verdict Verdict
	for i, check := range checks {
		result := v.runCheck(ctx, check, i+1, meter)
		outcomes = append(outcomes, Outcome{Check: check, Result: result})

		judged, err := v.judge(ctx, in, outcomes, meter)
		if err != nil {
			return Verdict{}, err
		}
		verdict = judged
		applyScoutGate(&verdict, outcomes, needCoverage)
		if verdict.Passing() {
			break
		}
	}
	if len(outcomes) == 0 {
		// Decomposition produced nothing to check; judge the bare answer.
		judged, err := v.judge(ctx, in, nil, meter)
		if err != nil {
			return Verdict{}, err
		}
		verdict = judged
		applyScoutGate(&verdict, nil, needCoverage)
	}

	verdict.Checks = outcomes
	verdict.ChecksRun = len(outcomes)
	meter.fill(&verdict)
	verdict.Latency = time.Since(start)
	verdict.LatencyMS = verdict.Latency.Milliseconds()

	v.log.Info("verifier round judged",
		zap.Int("score", verdict.Score),
		zap.Bool("capped", verdict.Capped),
		zap.Strings("cap_reasons", verdict.CapReasons),
		zap.Int("checks_run", verdict.ChecksRun),
	)
	return verdict, nil
}

func (v *Verifier) emit(eventType string, payload any) {
	if v.trace != nil {
		v.trace(eventType, payload)
	}
}

// usageMeter accumulates model and tool accounting across one round.
type usageMeter struct {
	modelCalls int
	toolCalls  int
	toolErrors int
	usage      llm.Usage
}

func (m *usageMeter) addModel(resp llm.ChatResponse) {
	m.modelCalls++
	m.usage.PromptTokens += resp.Usage.PromptTokens
	m.usage.CompletionTokens += resp.Usage.CompletionTokens
	m.usage.TotalTokens += resp.Usage.TotalTokens
}

func (m *usageMeter) addTool(failed bool) {
	m.toolCalls++
	if failed {
		m.toolErrors++
	}
}

func (m *usageMeter) fill(verdict *Verdict) {
	verdict.ModelCalls = m.modelCalls
	verdict.ToolCalls = m.toolCalls
	verdict.ToolErrors = m.toolErrors
	verdict.Usage = m.usage
}
