package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Jawbreaker1/EvidenceBot/internal/backend"
	"github.com/Jawbreaker1/EvidenceBot/internal/codec"
	"github.com/Jawbreaker1/EvidenceBot/internal/ledger"
	"github.com/Jawbreaker1/EvidenceBot/internal/llm"
)

// Citation is one evidence hook a check produced.
type Citation struct {
	Type    string `json:"type"`
	Ref     string `json:"ref"`
	Snippet string `json:"snippet,omitempty"`
}

// CheckResult is the sub-loop's structured answer to one check.
type CheckResult struct {
	Answer     string     `json:"answer"`
	Evidence   []Citation `json:"evidence,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	ToolCalls  int        `json:"tool_calls"`
	ToolErrors int        `json:"tool_errors"`
	LoopKiller bool       `json:"loop_killer,omitempty"`
}

// Unknown reports whether the check failed to establish anything load
// bearing: no yes/no answer, no evidence hooks, or tool failures along the
// way all leave the check unknown.
func (r CheckResult) Unknown() bool {
	answer := strings.ToLower(strings.TrimSpace(r.Answer))
	if answer != "yes" && answer != "no" {
		return true
	}
	if len(r.Evidence) == 0 {
		return true
	}
	return r.ToolErrors > 0
}

// identicalFailureLimit kills a sub-loop once the same failing signature
// repeats this many times.
const identicalFailureLimit = 3

const checkSystemPrompt = `You are a verification agent answering ONE yes/no check with tools.
Rules:
- Prefer primary sources; avoid random blogs when possible.
- If a tool fails, acknowledge it and try an alternative.
- Do NOT re-solve the whole task. Only answer the check.
There is only ONE tool: a shell command runner. If you need the internet,
do it from the shell.
Tool-call format: output EXACTLY ONE single-line JSON object with fields tool, args:
{"tool":"shell","args":{"cmd":"<bash command>"}}
When done, output EXACTLY ONE JSON line:
{"answer":"yes|no|unknown","evidence":[{"type":"url|file|cmd","ref":"...","snippet":"..."}],"notes":"..."}`

// runCheck verifies one check with a bounded tool loop. It never returns an
// error: anything that prevents a confident answer leaves the result
// unknown, which the SCOUT gate turns into a capped score.
func (v *Verifier) runCheck(ctx context.Context, check Check, idx int, meter *usageMeter) CheckResult {
	messages := []llm.Message{
		{Role: "system", Content: checkSystemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"CLAIM: %s\nQUESTION (yes/no): %s\nSOURCE_HINT: %s\n",
			check.Claim, check.Question, check.SourceHint,
		)},
	}

	result := CheckResult{Answer: "unknown"}
	signatures := map[string]int{}

	for step := 0; step < v.checkSteps; step++ {
		resp, err := v.client.Chat(ctx, llm.ChatRequest{
			Messages:    messages,
			Temperature: v.temperature,
			MaxTokens:   v.maxTokens,
		})
		if err != nil {
			v.log.Warn("verifier check chat failed", zap.Int("check", idx), zap.Error(err))
			result.Notes = "Verification stopped: model call failed."
			return result
		}
		meter.addModel(resp)
		v.emit("model", map[string]any{
			"scope":             "verifier_check",
			"check":             idx,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"latency_ms":        resp.Latency.Milliseconds(),
		})

		payload := codec.FirstPayload(resp.Content)
		if payload == nil || payload.Kind != codec.KindShell || payload.Command == "" {
			if final, ok := parseCheckAnswer(resp.Content); ok {
				final.ToolCalls = result.ToolCalls
				final.ToolErrors = result.ToolErrors
				return final
			}
			result.Notes = "Verification agent returned unstructured output."
			return result
		}

		obs := v.execute(ctx, payload.Command)
		failed := obs.failed()
		meter.addTool(failed)
		result.ToolCalls++
		if failed {
			result.ToolErrors++
		}
		v.emit("tool", map[string]any{
			"scope": "verifier",
			"check": idx,
			"cmd":   payload.Command,
			"obs":   obs,
		})

		sig := fmt.Sprintf("shell|%s|%d|%s", payload.Command, obs.ExitCode, obs.Error)
		signatures[sig]++
		if failed && signatures[sig] >= identicalFailureLimit {
			result.Notes = "Stopped verification early: repeated identical failures."
			result.LoopKiller = true
			return result
		}

		obsJSON, _ := json.Marshal(map[string]any{"tool": "shell", "obs": obs})
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: "OBSERVATION:\n" + ledger.ClipText(string(obsJSON), backend.OutputMax)},
		)
	}

	result.Notes = "Verification hit the sub-loop step limit."
	return result
}

// observation is the check sub-loop's view of one executed command.
type observation struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (o observation) failed() bool {
	return o.ExitCode != 0 || o.Error != ""
}

func (v *Verifier) execute(ctx context.Context, command string) observation {
	res, err := v.backend.Execute(ctx, command, v.commandTimeout)
	if err != nil {
		return observation{ExitCode: -1, Error: err.Error()}
	}
	return observation{
		ExitCode: res.ExitCode,
		Output:   ledger.ClipText(res.Output, ledger.OutputExcerptMax),
	}
}

// parseCheckAnswer extracts the final {"answer":...} object from a check
// agent response.
func parseCheckAnswer(text string) (CheckResult, bool) {
	raw, ok := codec.FirstJSON(text)
	if !ok {
		return CheckResult{}, false
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return CheckResult{}, false
	}
	answer, ok := obj["answer"].(string)
	if !ok {
		return CheckResult{}, false
	}
	result := CheckResult{
		Answer: strings.ToLower(strings.TrimSpace(answer)),
		Notes:  stringAt(obj, "notes"),
	}
	if list, ok := obj["evidence"].([]any); ok {
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			citation := Citation{
				Type:    strings.TrimSpace(stringAt(entry, "type")),
				Ref:     strings.TrimSpace(stringAt(entry, "ref")),
				Snippet: strings.TrimSpace(stringAt(entry, "snippet")),
			}
			if citation.Ref == "" {
				continue
			}
			result.Evidence = append(result.Evidence, citation)
		}
	}
	return result, true
}
