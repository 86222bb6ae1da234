// Package codec parses the model's single-step output into a typed action.
// A step response must carry exactly one THOUGHT line, one action payload,
// one EVIDENCE_USED line, and one STATUS_UPDATE line; anything else is a
// format error that is never executed.
package codec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Kind is the action variant carried by a parsed step.
type Kind string

const (
	KindShell Kind = "shell"
	KindNotes Kind = "notes"
	KindNoOp  Kind = "noop"
)

// Action is one validated model step.
type Action struct {
	Kind         Kind     `json:"kind"`
	Tool         string   `json:"tool,omitempty"`
	Thought      string   `json:"thought,omitempty"`
	Command      string   `json:"command,omitempty"`
	NotesText    string   `json:"notes_text,omitempty"`
	FinalText    string   `json:"final_text,omitempty"`
	EvidenceUsed []string `json:"evidence_used,omitempty"`
	StatusUpdate string   `json:"status_update,omitempty"`
	Raw          string   `json:"-"`
}

// FormatError names the contract element a response violated. Notice is the
// corrective text injected into the next context.
type FormatError struct {
	Element string
	Notice  string
}

func (e *FormatError) Error() string {
	return e.Notice
}

// DanglingEvidence flags cited evidence ids that do not exist in the ledger.
// It is a warning, not a blocker.
type DanglingEvidence struct {
	IDs []string
}

func (w *DanglingEvidence) Warning() string {
	return "Unknown EVIDENCE_USED ids: " + strings.Join(w.IDs, ", ")
}

var (
	thoughtPattern  = regexp.MustCompile(`\bTHOUGHT:`)
	actionPattern   = regexp.MustCompile(`\bACTION:\s*`)
	statusPattern   = regexp.MustCompile(`(?i)\bSTATUS_UPDATE\s*:\s*(.+)`)
	evidencePattern = regexp.MustCompile(`(?i)\bEVIDENCE_USED\s*:\s*(.+)`)
	evidenceSplit   = regexp.MustCompile(`[,\s]+`)
)

// Parse validates a raw model response against the step contract and returns
// the typed action. It never executes anything.
func Parse(raw string) (*Action, *FormatError) {
	text := raw
	if strings.TrimSpace(text) == "" {
		return nil, &FormatError{Element: "THOUGHT", Notice: "Missing THOUGHT block. You must plan before acting."}
	}

	thoughts := thoughtPattern.FindAllStringIndex(text, -1)
	if len(thoughts) == 0 {
		return nil, &FormatError{Element: "THOUGHT", Notice: "Missing THOUGHT block. You must plan before acting."}
	}
	if len(thoughts) > 1 {
		return nil, &FormatError{Element: "THOUGHT", Notice: "Multiple THOUGHT blocks found. Emit exactly one THOUGHT."}
	}

	payloads := collectPayloads(payloadRegion(text))
	if len(payloads) == 0 {
		return nil, &FormatError{Element: "ACTION", Notice: "Invalid or missing JSON Action."}
	}
	if len(payloads) > 1 {
		return nil, &FormatError{Element: "ACTION", Notice: "Multiple action payloads found. Emit exactly one action payload."}
	}

	statuses := statusPattern.FindAllStringSubmatch(text, -1)
	if len(statuses) == 0 {
		return nil, &FormatError{Element: "STATUS_UPDATE", Notice: "Missing STATUS_UPDATE line. Report VERIFIED, UNRESOLVED, or BLOCKED with a short reason."}
	}
	if len(statuses) > 1 {
		return nil, &FormatError{Element: "STATUS_UPDATE", Notice: "Multiple STATUS_UPDATE lines found. Emit exactly one STATUS_UPDATE."}
	}

	evidences := evidencePattern.FindAllStringSubmatch(text, -1)
	if len(evidences) == 0 {
		return nil, &FormatError{Element: "EVIDENCE_USED", Notice: "Missing EVIDENCE_USED line. Cite the evidence ids your claim rests on, or 'none'."}
	}
	if len(evidences) > 1 {
		return nil, &FormatError{Element: "EVIDENCE_USED", Notice: "Multiple EVIDENCE_USED lines found. Emit exactly one EVIDENCE_USED."}
	}

	action := payloads[0]
	action.Thought = extractThought(text, thoughts[0][1])
	action.StatusUpdate = strings.TrimSpace(statuses[0][1])
	action.EvidenceUsed = parseEvidenceList(evidences[0][1])
	action.Raw = raw
	return action, nil
}

// payloadRegion narrows the text scanned for action payloads to everything
// after an explicit ACTION: marker when one is present.
func payloadRegion(text string) string {
	if m := actionPattern.FindStringIndex(text); m != nil {
		return text[m[1]:]
	}
	return text
}

func extractThought(text string, start int) string {
	remainder := text[start:]
	cut := len(remainder)
	if i := strings.IndexAny(remainder, "{["); i >= 0 {
		cut = i
	}
	thought := remainder[:cut]
	for _, marker := range []string{"ACTION:", "EVIDENCE_USED", "STATUS_UPDATE"} {
		if i := strings.Index(thought, marker); i >= 0 {
			thought = thought[:i]
		}
	}
	return strings.TrimSpace(thought)
}

func parseEvidenceList(blob string) []string {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil
	}
	var list []any
	if err := json.Unmarshal([]byte(blob), &list); err == nil {
		out := make([]string, 0, len(list))
		for _, item := range list {
			s := strings.TrimSpace(fmt.Sprintf("%v", item))
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	parts := evidenceSplit.Split(blob, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidateEvidence checks cited ids against the ledger and reports the
// unknown ones. A nil return means every citation resolves.
func ValidateEvidence(a *Action, known func(string) bool) *DanglingEvidence {
	if a == nil || len(a.EvidenceUsed) == 0 || known == nil {
		return nil
	}
	var missing []string
	for _, id := range a.EvidenceUsed {
		if !known(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &DanglingEvidence{IDs: missing}
}

// StatusToken reduces a STATUS_UPDATE line to its status keyword. UNRESOLVED
// outranks BLOCKED outranks VERIFIED when a line carries more than one.
func StatusToken(status string) string {
	upper := strings.ToUpper(status)
	switch {
	case strings.Contains(upper, "UNRESOLVED"):
		return "UNRESOLVED"
	case strings.Contains(upper, "BLOCKED"):
		return "BLOCKED"
	case strings.Contains(upper, "VERIFIED"):
		return "VERIFIED"
	}
	return ""
}

// LogPayload flattens the action for event logging.
func (a *Action) LogPayload() map[string]any {
	payload := map[string]any{
		"kind": string(a.Kind),
	}
	if a.Tool != "" {
		payload["tool"] = a.Tool
	}
	if a.Command != "" {
		payload["cmd"] = a.Command
	}
	if a.StatusUpdate != "" {
		payload["status_update"] = a.StatusUpdate
	}
	if len(a.EvidenceUsed) > 0 {
		payload["evidence_used"] = a.EvidenceUsed
	}
	return payload
}
