package events

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCollectTalliesScoresRulesAndUsage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewSink(path)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}

	emits := []struct {
		runID string
		typ   string
		body  map[string]any
	}{
		{"run-a", EventTypeModel, map[string]any{"scope": "worker", "prompt_tokens": 100, "completion_tokens": 40, "latency_ms": 900}},
		{"run-a", EventTypeModel, map[string]any{"scope": "worker", "prompt_tokens": 150, "completion_tokens": 60, "latency_ms": 1100}},
		{"run-a", EventTypeModel, map[string]any{"scope": "verifier", "prompt_tokens": 80, "completion_tokens": 20, "latency_ms": 700}},
		{"run-a", PolicyTypePrefix + "notes_gate", map[string]any{"decision": "block"}},
		{"run-a", PolicyTypePrefix + "notes_gate", map[string]any{"decision": "block"}},
		{"run-b", PolicyTypePrefix + "query_mutation", map[string]any{"decision": "block"}},
		{"run-a", EventTypeVerifier, map[string]any{"round": 1, "score": 2}},
		{"run-a", EventTypeVerifier, map[string]any{"round": 2, "score": 3}},
		{"run-b", EventTypeVerifier, map[string]any{"round": 1, "score": 3}},
		{"run-b", EventTypeTool, map[string]any{"cmd": "ls"}},
	}
	for i, e := range emits {
		if err := sink.Emit(e.runID, i+1, e.typ, e.body); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	read, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	c := Collect(read)

	if c.Events != 10 || c.Runs != 2 {
		t.Fatalf("expected 10 events over 2 runs, got %d/%d", c.Events, c.Runs)
	}
	if c.Scores[2] != 1 || c.Scores[3] != 2 {
		t.Fatalf("unexpected score histogram: %v", c.Scores)
	}
	if c.PolicyRules["notes_gate"] != 2 || c.PolicyRules["query_mutation"] != 1 {
		t.Fatalf("unexpected rule counts: %v", c.PolicyRules)
	}
	worker := c.Model["worker"]
	if worker.Calls != 2 || worker.PromptTokens != 250 || worker.CompletionTokens != 100 || worker.LatencyMS != 2000 {
		t.Fatalf("unexpected worker usage: %+v", worker)
	}
	verifier := c.Model["verifier"]
	if verifier.Calls != 1 || verifier.PromptTokens != 80 {
		t.Fatalf("unexpected verifier usage: %+v", verifier)
	}
}

func TestRenderIsStable(t *testing.T) {
	t.Parallel()

	c := Counters{
		Events:      3,
		Runs:        1,
		Scores:      map[int]int{3: 1, 1: 2},
		PolicyRules: map[string]int{"stagnation": 1, "notes_gate": 4},
		Model:       map[string]ModelStats{"worker": {Calls: 3, PromptTokens: 10, CompletionTokens: 5, LatencyMS: 42}},
	}
	out := c.Render()
	if out != c.Render() {
		t.Fatalf("expected deterministic render")
	}
	for _, want := range []string{
		"events: 3",
		"score=1: 2",
		"score=3: 1",
		"notes_gate: 4",
		"scope=worker calls=3 prompt_tokens=10 completion_tokens=5 latency_ms=42",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("render missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, "score=1") > strings.Index(out, "score=3") {
		t.Fatalf("expected scores sorted ascending:\n%s", out)
	}
	if strings.Index(out, "notes_gate") > strings.Index(out, "stagnation") {
		t.Fatalf("expected rules sorted:\n%s", out)
	}
}

func TestCollectSkipsMalformedPayloads(t *testing.T) {
	t.Parallel()

	events := []Envelope{
		{RunID: "r1", Type: EventTypeVerifier, Payload: []byte(`"not an object"`)},
		{RunID: "r1", Type: EventTypeModel, Payload: []byte(`{`)},
		{RunID: "r1", Type: EventTypeModel, Payload: []byte(`{"prompt_tokens": 7}`)},
	}
	c := Collect(events)
	if len(c.Scores) != 0 {
		t.Fatalf("expected no scores, got %v", c.Scores)
	}
	if c.Model["unknown"].PromptTokens != 7 {
		t.Fatalf("expected scopeless usage bucketed as unknown, got %v", c.Model)
	}
}
