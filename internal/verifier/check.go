package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Jawbreaker1/EvidenceBot/internal/codec"
	"github.com/Jawbreaker1/EvidenceBot/internal/ledger"
	"github.com/Jawbreaker1/EvidenceBot/internal/llm"
)

// Check is one targeted yes/no question decomposed from the candidate
// answer. Coverage checks establish that a complete candidate set was
// enumerated; support checks test a single claim against a source.
type Check struct {
	Kind       string `json:"kind"`
	Claim      string `json:"claim"`
	Question   string `json:"question"`
	SourceHint string `json:"source_hint,omitempty"`
	Taxonomy   string `json:"taxonomy,omitempty"`
}

const (
	CheckKindCoverage = "coverage"
	CheckKindSupport  = "support"
)

var failureTaxonomy = []string{
	"Source acquisition failure (wrong/low-quality/outdated source)",
	"Evidence extraction failure (misquote/wrong number/wrong section)",
	"Reasoning/aggregation failure (jump to conclusion/mix jurisdictions/entities)",
	"Tool execution failure (ignored errors/wrong path/partial extraction)",
	"Safety/ops failure (destructive commands/data leakage)",
}

const auditorSystemPrompt = `You are an adversarial auditor. You do not care about the agent's thought
process. You only care about evidence quality and whether claims are
supported. Flag any complex identifier, hash, URL, or constant that never
appeared in a tool output: values derived solely from internal memory are
not evidence. Be strict, skeptical, and concise. Do not assume missing
facts.`

func decompositionPrompt() string {
	return auditorSystemPrompt + "\n" +
		"You are a decomposition module for a research-agent verifier.\n" +
		"Propose the fewest high-leverage verification checks. Use the failure\n" +
		"taxonomy to look for risk. Do NOT re-solve the task.\n" +
		"Return EXACTLY ONE LINE: a JSON array of up to 3 check objects.\n" +
		"Each check must be answerable via tools and must be yes/no.\n" +
		`Schema: [{"kind":"coverage|support","claim":"...","question":"...","source_hint":"(url or file path or search query)","taxonomy":"..."}]` + "\n" +
		fmt.Sprintf("Failure taxonomy: %v\n", failureTaxonomy)
}

// decompose asks the model for checks. Any decomposition failure degrades
// to an empty list; ensureCoverageCheck supplies the fallback.
func (v *Verifier) decompose(ctx context.Context, in Input, meter *usageMeter) []Check {
	req := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: decompositionPrompt()},
			{Role: "user", Content: cleanRoomContext(in) + "\n\nGenerate checks now."},
		},
		Temperature: v.temperature,
		MaxTokens:   v.maxTokens,
	}
	resp, err := v.client.Chat(ctx, req)
	if err != nil {
		v.log.Warn("verifier decomposition failed", zap.Error(err))
		return nil
	}
	meter.addModel(resp)
	v.emit("model", map[string]any{
		"scope":             "verifier_decompose",
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"latency_ms":        resp.Latency.Milliseconds(),
	})

	raw, ok := codec.FirstJSON(resp.Content)
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var checks []Check
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		check := Check{
			Kind:       strings.ToLower(strings.TrimSpace(stringAt(obj, "kind"))),
			Claim:      strings.TrimSpace(stringAt(obj, "claim")),
			Question:   strings.TrimSpace(stringAt(obj, "question")),
			SourceHint: strings.TrimSpace(stringAt(obj, "source_hint")),
			Taxonomy:   strings.TrimSpace(stringAt(obj, "taxonomy")),
		}
		if check.Claim == "" || check.Question == "" {
			continue
		}
		if check.Kind != CheckKindCoverage && check.Kind != CheckKindSupport {
			check.Kind = CheckKindSupport
		}
		checks = append(checks, check)
		if len(checks) >= MaxChecks {
			break
		}
	}
	return checks
}

// ensureCoverageCheck guarantees a coverage check leads the list when the
// answer needs one, and a single support fallback exists when decomposition
// produced nothing at all.
func ensureCoverageCheck(checks []Check, needCoverage bool) []Check {
	if needCoverage && !hasCoverageCheck(checks) {
		coverage := Check{
			Kind:       CheckKindCoverage,
			Claim:      "The task requires reasoning over a complete candidate set under a stated scope.",
			Question:   "Does the source explicitly enumerate the complete candidate set under the relevant scope, so an absence or selection claim is justified?",
			SourceHint: "authoritative complete list of candidates for the entity in the task",
			Taxonomy:   "Reasoning/aggregation failure (jump to conclusion/mix jurisdictions/entities)",
		}
		checks = append([]Check{coverage}, checks...)
		if len(checks) > MaxChecks {
			checks = checks[:MaxChecks]
		}
		return checks
	}
	if len(checks) == 0 {
		return []Check{{
			Kind:     CheckKindSupport,
			Claim:    "The key claim of the answer is supported by a citable source.",
			Question: "Does a retrievable source directly support the key claim of the answer?",
		}}
	}
	return checks
}

func hasCoverageCheck(checks []Check) bool {
	for _, c := range checks {
		if c.Kind == CheckKindCoverage {
			return true
		}
	}
	return false
}

var negativeAnswerPattern = regexp.MustCompile(`^(none|no one|nobody|no member|no members|no\b|never\b)`)

// isNegativeAnswer reports whether the answer opens with an absence claim.
func isNegativeAnswer(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	if a == "" {
		return false
	}
	first := a
	if i := strings.IndexByte(a, '\n'); i >= 0 {
		first = a[:i]
	}
	return negativeAnswerPattern.MatchString(first)
}

var coveragePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bwhich\b`),
	regexp.MustCompile(`\bwho\b`),
	regexp.MustCompile(`\bany\b`),
	regexp.MustCompile(`\bever\b`),
	regexp.MustCompile(`\bnever\b`),
	regexp.MustCompile(`\bno one\b`),
	regexp.MustCompile(`\bnobody\b`),
	regexp.MustCompile(`\bnone\b`),
	regexp.MustCompile(`\bearliest\b`),
	regexp.MustCompile(`\blatest\b`),
	regexp.MustCompile(`\bonly\b`),
	regexp.MustCompile(`\ball\b`),
}

// needsCoverage flags tasks that quantify over a candidate set: which/who
// selections and any/ever/never universals need an enumerated scope before
// a conclusion is trustworthy.
func needsCoverage(task string) bool {
	t := strings.ToLower(task)
	for _, p := range coveragePatterns {
		if p.MatchString(t) {
			return true
		}
	}
	return false
}

// cleanRoomContext renders the verifier's view of the run: task, answer,
// notes, and a compact evidence summary. Nothing from the worker's message
// history is present.
func cleanRoomContext(in Input) string {
	notes := in.Notes
	if strings.TrimSpace(notes) == "" {
		notes = "(notes empty)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n\n", in.Task)
	fmt.Fprintf(&b, "UNVERIFIED_ANSWER:\n%s\n\n", in.Answer)
	fmt.Fprintf(&b, "NOTES:\n%s", ledger.ClipText(notes, 4000))
	if summary := summarizeEvidence(in.Evidence); summary != "" {
		fmt.Fprintf(&b, "\n\nEVIDENCE_LOG:\n%s", summary)
	}
	return b.String()
}

const (
	evidenceSummaryMaxLines = 40
	evidenceSummaryMaxChars = 3000
)

// summarizeEvidence renders the tail of the evidence ledger as one compact
// JSON line per record.
func summarizeEvidence(records []ledger.EvidenceRecord) string {
	if len(records) > evidenceSummaryMaxLines {
		records = records[len(records)-evidenceSummaryMaxLines:]
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		urls := rec.URLs
		if len(urls) > 3 {
			urls = urls[:3]
		}
		snippet := map[string]any{
			"id":           rec.ID,
			"step":         rec.Step,
			"tool":         rec.Tool,
			"exit_code":    rec.ExitCode,
			"failure_type": rec.FailureType,
			"urls":         urls,
		}
		data, err := json.Marshal(snippet)
		if err != nil {
			continue
		}
		lines = append(lines, string(data))
	}
	out := strings.Join(lines, "\n")
	if len(out) > evidenceSummaryMaxChars {
		out = out[:evidenceSummaryMaxChars]
	}
	return out
}

func stringAt(obj map[string]any, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}
