package verifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jawbreaker1/EvidenceBot/internal/ledger"
)

// FormatFeedback renders a verdict as the coaching message injected into the
// worker's next context. When the judge produced a structured gradient the
// whole object is forwarded; otherwise a plain-text digest is built.
func FormatFeedback(verdict Verdict) string {
	if len(verdict.Gradient) > 0 {
		data, err := json.Marshal(verdict.Gradient)
		if err == nil {
			return "VERIFIER_GRADIENT_JSON:\n" + string(data) + "\n" +
				"Use this as coaching. Make progress with tools now. " +
				"Prefer next_actions when helpful, but they are not mandatory."
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "VERIFICATION SCORE: %d/4\n", verdict.Score)
	fmt.Fprintf(&b, "EXPLANATION: %s\n", verdict.Explanation)
	if len(verdict.Instructions) > 0 {
		b.WriteString("INSTRUCTIONS (follow strictly; max 3):\n")
		for i, instruction := range verdict.Instructions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, instruction)
		}
	} else {
		b.WriteString("INSTRUCTIONS: (none)\n")
	}
	if len(verdict.Checks) > 0 {
		checksJSON, err := json.Marshal(verdict.Checks)
		if err == nil {
			b.WriteString("CHECK RESULTS (evidence hooks):\n")
			b.WriteString(ledger.ClipText(string(checksJSON), 8000))
			b.WriteString("\n")
		}
	}
	b.WriteString("Now revise the answer. Add concrete evidence hooks " +
		"(URLs with short quotes, or file paths + commands). Call tools if needed.")
	return b.String()
}
