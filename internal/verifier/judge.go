package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Jawbreaker1/EvidenceBot/internal/codec"
	"github.com/Jawbreaker1/EvidenceBot/internal/domains"
	"github.com/Jawbreaker1/EvidenceBot/internal/ledger"
	"github.com/Jawbreaker1/EvidenceBot/internal/llm"
)

const judgePrompt = auditorSystemPrompt + `
You are a judge module for a research-agent verifier. You receive the task,
the unverified answer, a notes snapshot, and the results of targeted
verification checks.
Score 1-4: 1=entirely incorrect, 2=mostly incorrect, 3=mostly correct,
4=entirely correct.
Return a single-line JSON object with this minimal schema:
{"score":1,"explanation":"...","missing":["..."],"wrong":[{"item":"...","why":"..."}],"next_actions":[{"goal":"...","suggested_tools":[{"tool":"shell","cmd":"..."}],"success_criteria":"..."}],"stop_when":["..."]}
Do NOT add extra text outside the JSON.`

var scoreLinePattern = regexp.MustCompile(`\bScore\s*:\s*([1-4])\b`)

var bareScorePattern = regexp.MustCompile(`\b([1-4])\b`)

// judge scores the answer against the check outcomes gathered so far. The
// parse path is deliberately forgiving: an unscorable response defaults to
// 2, which keeps an inconclusive round low without failing it.
func (v *Verifier) judge(ctx context.Context, in Input, outcomes []Outcome, meter *usageMeter) (Verdict, error) {
	checksJSON, _ := json.Marshal(outcomes)
	user := cleanRoomContext(in) +
		"\n\nCHECK_RESULTS:\n" + ledger.ClipText(string(checksJSON), 12000) + "\n"

	resp, err := v.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: judgePrompt},
			{Role: "user", Content: user},
		},
		Temperature: v.temperature,
		MaxTokens:   v.maxTokens,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("judge call: %w", err)
	}
	meter.addModel(resp)
	v.emit("model", map[string]any{
		"scope":             "verifier_judge",
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"latency_ms":        resp.Latency.Milliseconds(),
	})

	return parseJudgeResponse(resp.Content), nil
}

func parseJudgeResponse(text string) Verdict {
	verdict := Verdict{Score: parseJudgeScore(text)}

	raw, ok := codec.FirstJSON(text)
	gradient, isObj := raw.(map[string]any)
	if !ok || !isObj {
		verdict.Explanation = fallbackExplanation(text)
		if verdict.Score <= 2 {
			verdict.Instructions = parseInstructionLines(text)
		}
		return verdict
	}

	verdict.Gradient = gradient
	if score, ok := gradient["score"].(float64); ok {
		if s := int(score); s >= 1 && s <= 4 {
			verdict.Score = s
		}
	}
	verdict.Explanation = strings.TrimSpace(stringAt(gradient, "explanation"))
	if verdict.Explanation == "" {
		verdict.Explanation = "No explanation."
	}
	if verdict.Score <= 2 {
		verdict.Instructions = instructionsFromGradient(gradient)
	}
	return verdict
}

func parseJudgeScore(text string) int {
	if m := scoreLinePattern.FindStringSubmatch(text); m != nil {
		return int(m[1][0] - '0')
	}
	if m := bareScorePattern.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
		return int(m[1][0] - '0')
	}
	return 2
}

func fallbackExplanation(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "No explanation."
	}
	first := trimmed
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		first = trimmed[:i]
	}
	return ledger.ClipText(first, 500)
}

var instructionLinePattern = regexp.MustCompile(`(?i)^Instruction\s*\d+:\s*(.*)$`)

func parseInstructionLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := instructionLinePattern.FindStringSubmatch(line); m != nil {
			out = append(out, strings.TrimSpace(m[1]))
		} else if strings.HasPrefix(line, "- ") {
			out = append(out, strings.TrimSpace(line[2:]))
		}
		if len(out) >= MaxInstructions {
			break
		}
	}
	return out
}

// instructionsFromGradient turns the judge's next_actions into corrective
// instructions, each naming the concrete goal and its success criterion.
func instructionsFromGradient(gradient map[string]any) []string {
	actions, ok := gradient["next_actions"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range actions {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		goal := strings.TrimSpace(stringAt(entry, "goal"))
		success := strings.TrimSpace(stringAt(entry, "success_criteria"))
		switch {
		case goal != "" && success != "":
			out = append(out, goal+" | success: "+success)
		case goal != "":
			out = append(out, goal)
		case success != "":
			out = append(out, "success: "+success)
		}
		if len(out) >= MaxInstructions {
			break
		}
	}
	return out
}

// SCOUT cap reasons.
const (
	CapUnknownChecks        = "unknown_checks_present"
	CapInsufficientCitation = "insufficient_independent_citations"
	CapMissingCoverage      = "missing_coverage_proof"
)

// minCitationDomains is the distinct-registrable-domain floor the citations
// of one round must clear.
const minCitationDomains = 2

var cannedCapInstructions = map[string]string{
	CapInsufficientCitation: "Add at least two independent citations from different domains that directly support the key claim.",
	CapMissingCoverage:      "State the scope (what counts as a candidate) and cite a source that enumerates the complete candidate set under that scope; then verify the predicate for all candidates.",
	CapUnknownChecks:        "Resolve unknown checks by retrying with alternative sources/tools; do not claim high confidence while a load-bearing check is unknown.",
}

// applyScoutGate enforces Scope/Candidates/Outcomes before a score leaves
// the round: unknown load-bearing checks, thin citations, or an
// unestablished coverage check cap the score at 2.
func applyScoutGate(verdict *Verdict, outcomes []Outcome, needCoverage bool) {
	unknown := 0
	coverageOK := false
	coverageSeen := false
	var hosts []string
	for _, outcome := range outcomes {
		if outcome.Result.Unknown() {
			unknown++
		}
		if outcome.Check.Kind == CheckKindCoverage {
			coverageSeen = true
			coverageOK = outcome.Result.Answer == "yes" && !outcome.Result.Unknown()
		}
		for _, citation := range outcome.Result.Evidence {
			if citation.Type != "url" {
				continue
			}
			if host := domains.HostOf(citation.Ref); host != "" {
				hosts = append(hosts, host)
			}
		}
	}

	var reasons []string
	if unknown > 0 || len(outcomes) == 0 {
		reasons = append(reasons, CapUnknownChecks)
	}
	if domains.DistinctRegistrable(hosts) < minCitationDomains {
		reasons = append(reasons, CapInsufficientCitation)
	}
	if needCoverage && (!coverageSeen || !coverageOK) {
		reasons = append(reasons, CapMissingCoverage)
	}
	if len(reasons) == 0 {
		return
	}

	verdict.Capped = true
	verdict.CapReasons = reasons
	if verdict.Score > 2 {
		verdict.Score = 2
	}
	for _, reason := range reasons {
		if len(verdict.Instructions) >= MaxInstructions {
			break
		}
		verdict.Instructions = append(verdict.Instructions, cannedCapInstructions[reason])
	}
	verdict.Explanation += " [SCOUT gating applied: score capped due to " + strings.Join(reasons, ", ") + "]"
}
