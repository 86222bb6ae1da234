package codec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// collectPayloads scans text for balanced top-level JSON objects and keeps
// the ones that normalize into an action payload. Fenced wrapping needs no
// special casing: the scanner walks through fence markers like any text.
func collectPayloads(text string) []*Action {
	var out []*Action
	for _, blob := range scanJSONObjects(text) {
		obj, ok := unmarshalLenient(blob)
		if !ok {
			continue
		}
		dict, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		if a := normalizePayload(dict); a != nil {
			out = append(out, a)
		}
	}
	return out
}

// FirstPayload returns the first action payload found anywhere in free text,
// or nil. Unlike Parse it imposes no step contract; verification sub-agents
// emit bare tool calls without THOUGHT or STATUS_UPDATE lines.
func FirstPayload(text string) *Action {
	payloads := collectPayloads(text)
	if len(payloads) == 0 {
		return nil
	}
	return payloads[0]
}

// FirstJSON extracts the first balanced JSON object or array in text that
// decodes, with the same newline leniency the payload parser applies.
func FirstJSON(text string) (any, bool) {
	for _, blob := range scanJSONValues(text) {
		if v, ok := unmarshalLenient(blob); ok {
			return v, true
		}
	}
	return nil, false
}

// scanJSONValues returns every balanced top-level {...} or [...] region in
// order, skipping bracket characters inside quoted strings.
func scanJSONValues(text string) []string {
	var blobs []string
	start := -1
	depth := 0
	inString := false
	escape := false
	for i, r := range text {
		if start == -1 {
			if r == '{' || r == '[' {
				start = i
				depth = 1
				inString = false
				escape = false
			}
			continue
		}
		if inString {
			if escape {
				escape = false
				continue
			}
			switch r {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				blobs = append(blobs, text[start:i+1])
				start = -1
			}
		}
	}
	return blobs
}

// scanJSONObjects returns every balanced {...} region in order, skipping
// brace characters inside quoted strings. Nested objects are part of their
// enclosing region, not separate results.
func scanJSONObjects(text string) []string {
	var blobs []string
	start := -1
	depth := 0
	inString := false
	escape := false
	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
				inString = false
				escape = false
			}
			continue
		}
		if inString {
			if escape {
				escape = false
				continue
			}
			switch r {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				blobs = append(blobs, text[start:i+1])
				start = -1
			}
		}
	}
	return blobs
}

// unmarshalLenient parses JSON, retrying once with raw newlines inside
// quoted strings escaped. Models routinely emit multi-line command strings.
func unmarshalLenient(blob string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(blob), &v); err == nil {
		return v, true
	}
	var b strings.Builder
	b.Grow(len(blob))
	inString := false
	escape := false
	for _, ch := range blob {
		if inString {
			switch {
			case escape:
				escape = false
				b.WriteRune(ch)
			case ch == '\\':
				escape = true
				b.WriteRune(ch)
			case ch == '"':
				inString = false
				b.WriteRune(ch)
			case ch == '\n':
				b.WriteString(`\n`)
			case ch == '\r':
				b.WriteString(`\r`)
			default:
				b.WriteRune(ch)
			}
		} else {
			if ch == '"' {
				inString = true
			}
			b.WriteRune(ch)
		}
	}
	if err := json.Unmarshal([]byte(b.String()), &v); err == nil {
		return v, true
	}
	return nil, false
}

var noOpTools = map[string]struct{}{
	"none": {}, "noop": {}, "no_op": {}, "final": {}, "answer": {}, "respond": {},
}

// normalizePayload maps the payload shapes models actually emit onto the
// three action variants. Returns nil when the object is not an action.
func normalizePayload(obj map[string]any) *Action {
	if a := normalizeSimpleAction(obj); a != nil {
		return a
	}
	if a := normalizeCanonical(obj); a != nil {
		return a
	}
	if a := normalizeFlattened(obj); a != nil {
		return a
	}
	if a := normalizeNested(obj); a != nil {
		return a
	}
	if a := normalizeBare(obj); a != nil {
		return a
	}
	if a := normalizeFinal(obj); a != nil {
		return a
	}
	if a := normalizeSingleKey(obj); a != nil {
		return a
	}
	return nil
}

// {"action":"run","command":"..."} and {"action":"write_file","path":...,"content":...}
func normalizeSimpleAction(obj map[string]any) *Action {
	action, _ := obj["action"].(string)
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "run", "shell":
		if cmd := stringField(obj, "command", "cmd"); cmd != "" {
			return shellAction(cmd)
		}
	case "write_file", "writefile", "write":
		path, _ := obj["path"].(string)
		content, hasContent := obj["content"].(string)
		path = strings.TrimSpace(path)
		if path == "" || !hasContent {
			return nil
		}
		if strings.HasSuffix(path, "notes.md") {
			return &Action{Kind: KindNotes, Tool: "write_file", NotesText: content}
		}
		cmd := fmt.Sprintf("cat > %s << 'EOF'\n%s\nEOF", path, content)
		return shellAction(cmd)
	}
	return nil
}

// {"tool":"shell","args":{"cmd":"..."}} with the usual field confusions.
func normalizeCanonical(obj map[string]any) *Action {
	toolVal, present := obj["tool"]
	if !present {
		return nil
	}
	tool, _ := toolVal.(string)
	tool = strings.TrimSpace(tool)
	lower := strings.ToLower(tool)

	if _, ok := noOpTools[lower]; ok {
		a := &Action{Kind: KindNoOp, Tool: lower}
		a.FinalText = stringField(obj, "final", "answer", "text")
		if args, ok := obj["args"].(map[string]any); ok && a.FinalText == "" {
			a.FinalText = stringField(args, "final", "answer", "text")
		}
		return a
	}

	if args, ok := obj["args"].(map[string]any); ok {
		// Smaller models sometimes put the literal field name in "tool".
		if lower == "args" {
			if cmd := stringField(args, "cmd", "command"); cmd != "" {
				return shellAction(cmd)
			}
		}
		cmd := stringField(args, "cmd", "command")
		if lower == "shell" {
			if cmd == "" {
				cmd = stringField(obj, "cmd", "command")
			}
			if cmd != "" {
				return shellAction(cmd)
			}
		}
		if tool != "" {
			return &Action{Kind: KindShell, Tool: tool, Command: cmd}
		}
		return nil
	}
	if args, ok := obj["args"].(string); ok && strings.TrimSpace(args) != "" {
		if lower == "shell" {
			return shellAction(args)
		}
		return &Action{Kind: KindShell, Tool: tool, Command: args}
	}
	if cmd := stringField(obj, "cmd", "command"); cmd != "" {
		if lower == "shell" {
			return shellAction(cmd)
		}
		return &Action{Kind: KindShell, Tool: tool, Command: cmd}
	}
	if tool != "" {
		return &Action{Kind: KindShell, Tool: tool}
	}
	return nil
}

// {"tool_name":"curl","command_line":"curl -sL https://..."}
func normalizeFlattened(obj map[string]any) *Action {
	_, hasName := obj["tool_name"]
	_, hasLine := obj["command_line"]
	if !hasName && !hasLine {
		return nil
	}
	name := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", obj["tool_name"])))
	if cmd := stringField(obj, "command_line", "command", "cmd"); cmd != "" {
		return shellAction(cmd)
	}
	if param := stringField(obj, "parameter", "parameters"); name != "" && param != "" {
		return shellAction(name + " " + param)
	}
	return nil
}

// {"command":{"tool":"bash","parameters":{"command":"..."}}} and the list
// form {"commands":[...]}; the first entry that resolves wins.
func normalizeNested(obj map[string]any) *Action {
	if cmdObj, ok := obj["command"].(map[string]any); ok {
		if a := normalizeNestedEntry(cmdObj); a != nil {
			return a
		}
	}
	if list, ok := obj["commands"].([]any); ok {
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if a := normalizeNestedEntry(entry); a != nil {
				return a
			}
		}
	}
	if shell, ok := obj["shell"].(map[string]any); ok {
		if cmd := stringField(shell, "cmd", "command"); cmd != "" {
			return shellAction(cmd)
		}
	}
	return nil
}

func normalizeNestedEntry(entry map[string]any) *Action {
	name := strings.ToLower(strings.TrimSpace(stringField(entry, "tool", "name")))
	params, _ := entry["parameters"].(map[string]any)
	if params == nil {
		params, _ = entry["args"].(map[string]any)
	}
	if params != nil {
		if cmd := stringField(params, "command", "cmd"); cmd != "" {
			return shellAction(cmd)
		}
		if url := stringField(params, "url", "href", "link"); url != "" && (name == "curl" || name == "wget") {
			return shellAction(name + " -sL " + url)
		}
		if path := stringField(params, "file_path", "filepath", "path", "file"); path != "" && name != "" {
			return shellAction(name + " " + path)
		}
	}
	if cmd := stringField(entry, "command", "cmd"); cmd != "" {
		return shellAction(cmd)
	}
	return nil
}

// {"cmd":"..."} / {"command":"..."} with no tool field at all.
func normalizeBare(obj map[string]any) *Action {
	if cmd := stringField(obj, "cmd", "command"); cmd != "" {
		return shellAction(cmd)
	}
	return nil
}

// {"final":"..."} / {"answer":"..."}: a concluding no-op.
func normalizeFinal(obj map[string]any) *Action {
	if final := stringField(obj, "final", "answer"); final != "" {
		return &Action{Kind: KindNoOp, Tool: "final", FinalText: final}
	}
	return nil
}

// {"<tool>":{...}} with a single top-level key.
func normalizeSingleKey(obj map[string]any) *Action {
	if len(obj) != 1 {
		return nil
	}
	for key, value := range obj {
		nested, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		if key == "shell" {
			if cmd := stringField(nested, "cmd", "command"); cmd != "" {
				return shellAction(cmd)
			}
			return nil
		}
		cmd := stringField(nested, "cmd", "command")
		return &Action{Kind: KindShell, Tool: key, Command: cmd}
	}
	return nil
}

func shellAction(cmd string) *Action {
	return &Action{Kind: KindShell, Tool: "shell", Command: strings.TrimSpace(cmd)}
}

func stringField(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := obj[key].(string); ok {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}
