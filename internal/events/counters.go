package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ModelStats accumulates token usage and latency for one call scope.
type ModelStats struct {
	Calls            int
	PromptTokens     int64
	CompletionTokens int64
	LatencyMS        int64
}

// Counters summarizes a recorded event stream for the counters command.
type Counters struct {
	Events      int
	Runs        int
	Scores      map[int]int
	PolicyRules map[string]int
	Model       map[string]ModelStats
}

type modelPayload struct {
	Scope            string `json:"scope"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	LatencyMS        int64  `json:"latency_ms"`
}

type verifierPayload struct {
	Score int `json:"score"`
}

// Collect scans envelopes and tallies the verifier score histogram, policy
// rule triggers, and per-scope model usage. Malformed payloads are skipped.
func Collect(events []Envelope) Counters {
	c := Counters{
		Scores:      map[int]int{},
		PolicyRules: map[string]int{},
		Model:       map[string]ModelStats{},
	}
	runs := map[string]struct{}{}
	for _, event := range events {
		c.Events++
		runs[event.RunID] = struct{}{}
		switch {
		case event.Type == EventTypeVerifier:
			var p verifierPayload
			if err := json.Unmarshal(event.Payload, &p); err == nil && p.Score >= 1 {
				c.Scores[p.Score]++
			}
		case event.Type == EventTypeModel:
			var p modelPayload
			if err := json.Unmarshal(event.Payload, &p); err != nil {
				continue
			}
			scope := p.Scope
			if scope == "" {
				scope = "unknown"
			}
			stats := c.Model[scope]
			stats.Calls++
			stats.PromptTokens += p.PromptTokens
			stats.CompletionTokens += p.CompletionTokens
			stats.LatencyMS += p.LatencyMS
			c.Model[scope] = stats
		case strings.HasPrefix(event.Type, PolicyTypePrefix):
			c.PolicyRules[strings.TrimPrefix(event.Type, PolicyTypePrefix)]++
		}
	}
	c.Runs = len(runs)
	return c
}

// Render formats the counters as stable plain text, map keys sorted.
func (c Counters) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "events: %d\n", c.Events)
	fmt.Fprintf(&b, "runs: %d\n", c.Runs)

	b.WriteString("verifier scores:\n")
	scores := make([]int, 0, len(c.Scores))
	for score := range c.Scores {
		scores = append(scores, score)
	}
	sort.Ints(scores)
	for _, score := range scores {
		fmt.Fprintf(&b, "  score=%d: %d\n", score, c.Scores[score])
	}

	b.WriteString("policy triggers:\n")
	rules := make([]string, 0, len(c.PolicyRules))
	for rule := range c.PolicyRules {
		rules = append(rules, rule)
	}
	sort.Strings(rules)
	for _, rule := range rules {
		fmt.Fprintf(&b, "  %s: %d\n", rule, c.PolicyRules[rule])
	}

	b.WriteString("model usage:\n")
	scopes := make([]string, 0, len(c.Model))
	for scope := range c.Model {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		stats := c.Model[scope]
		fmt.Fprintf(&b, "  scope=%s calls=%d prompt_tokens=%d completion_tokens=%d latency_ms=%d\n",
			scope, stats.Calls, stats.PromptTokens, stats.CompletionTokens, stats.LatencyMS)
	}
	return b.String()
}
