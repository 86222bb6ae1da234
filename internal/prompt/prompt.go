// Package prompt assembles the deterministic per-step model context. The
// layout is fixed: system prompt, epistemic status, primary task, pinned
// notes, open constraint blocks, then the action tail. Over budget, the
// oldest tail message goes first; the pinned sections are never trimmed.
package prompt

import (
	"strings"

	"github.com/Jawbreaker1/EvidenceBot/internal/llm"
)

// MaxChars is the default character budget for one assembled context.
const MaxChars = 20000

// ActionTailMessages is how many recent step messages ride along.
const ActionTailMessages = 10

// EmptyNotesWarning is injected when the pinned notes file has no content.
const EmptyNotesWarning = "SYSTEM WARNING: notes.md is empty. Initialize notes.md now before proceeding."

// Input is everything one context assembly reads. Assembly is a pure
// function of it: equal inputs produce equal outputs.
type Input struct {
	System      string
	Status      string
	Task        string
	Notes       string
	Constraints []string
	Unresolved  []string
	Blocked     []string
	Tail        []llm.Message
	MaxChars    int
}

// Assemble builds the context with no trailing intervention.
func Assemble(in Input) []llm.Message {
	return AssembleWithInterventions(in)
}

// AssembleWithInterventions appends intervention lines after the tail. They
// are part of the budget but never the trim victim: only tail messages are
// dropped, oldest first, until the context fits.
func AssembleWithInterventions(in Input, interventions ...string) []llm.Message {
	maxChars := in.MaxChars
	if maxChars <= 0 {
		maxChars = MaxChars
	}

	pinned := pinnedSections(in)

	tail := in.Tail
	if len(tail) > ActionTailMessages {
		tail = tail[len(tail)-ActionTailMessages:]
	}

	extra := make([]llm.Message, 0, len(interventions))
	for _, text := range interventions {
		if strings.TrimSpace(text) == "" {
			continue
		}
		extra = append(extra, llm.Message{Role: "user", Content: text})
	}

	for {
		assembled := make([]llm.Message, 0, len(pinned)+len(tail)+len(extra))
		assembled = append(assembled, pinned...)
		assembled = append(assembled, tail...)
		assembled = append(assembled, extra...)
		if totalChars(assembled) <= maxChars || len(tail) == 0 {
			return assembled
		}
		tail = tail[1:]
	}
}

func pinnedSections(in Input) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: in.System}}
	if in.Status != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: "EPISTEMIC STATE: " + in.Status})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: "PRIMARY TASK:\n" + in.Task})
	if strings.TrimSpace(in.Notes) != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: "CURRENT NOTES (PINNED):\n" + in.Notes})
	} else {
		msgs = append(msgs,
			llm.Message{Role: "system", Content: EmptyNotesWarning},
			llm.Message{Role: "user", Content: "CURRENT NOTES (PINNED):\n<empty>"},
		)
	}
	if block := bulleted("OPEN CONSTRAINTS:", in.Constraints); block != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: block})
	}
	if block := bulleted("UNRESOLVED REASONS:", in.Unresolved); block != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: block})
	}
	if block := bulleted("BLOCKERS:", in.Blocked); block != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: block})
	}
	return msgs
}

func bulleted(header string, items []string) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item) == "" {
			continue
		}
		lines = append(lines, "- "+item)
	}
	if len(lines) == 0 {
		return ""
	}
	return header + "\n" + strings.Join(lines, "\n")
}

func totalChars(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total
}
