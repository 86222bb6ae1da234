// Package notes maintains the run's pinned notes file. The file is the
// model's durable memory: the runtime appends audit entries, the model
// appends findings through shell commands, and overwrites are classified
// so the policy layer can block them.
package notes

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the notes file name inside the session working directory.
// The write-mode classifier is keyed to it.
const FileName = "notes.md"

// MaxModelNoteChars caps how much of a model response is copied into the
// notes log per step.
const MaxModelNoteChars = 6000

// Manager reads and writes the notes file on behalf of the runtime.
type Manager struct {
	path string
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) Path() string {
	return m.path
}

// Init seeds the notes file with the task header and an empty log section.
func (m *Manager) Init(task string) error {
	return m.Reset("# Task\n" + task + "\n\n# Log\n")
}

// Reset replaces the whole notes file. Only the runtime may do this; model
// commands that overwrite notes are blocked upstream.
func (m *Manager) Reset(text string) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create notes dir: %w", err)
	}
	if err := os.WriteFile(m.path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("reset notes: %w", err)
	}
	return nil
}

// Append adds text to the end of the notes file, creating it if needed.
func (m *Manager) Append(text string) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create notes dir: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open notes: %w", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(text)); err != nil {
		return fmt.Errorf("append notes: %w", err)
	}
	return nil
}

// Read returns the current notes content, or "" when the file is missing.
func (m *Manager) Read() string {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return ""
	}
	return string(data)
}

// LogModelOutput appends a clamped copy of a model response under a step
// heading so the notes double as an audit trail of what the model said.
func (m *Manager) LogModelOutput(step int, text, tag string) error {
	if text == "" {
		return nil
	}
	snippet := strings.TrimSpace(text)
	if len(snippet) > MaxModelNoteChars {
		snippet = snippet[:MaxModelNoteChars] + "\n... [truncated]"
	}
	return m.Append(fmt.Sprintf("\n\n## Step %d (model_output:%s)\n%s\n", step, tag, snippet))
}
