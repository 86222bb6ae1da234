// Package session owns the on-disk shape of one run: the run directory and
// the paths inside it, the human-readable evidence mirror, run metadata, and
// the terminal report. The machine-readable ledgers and event stream are
// written by their owning packages; session only decides where they live.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Jawbreaker1/EvidenceBot/internal/config"
)

// NewID returns a sortable run id: a UTC timestamp plus a random suffix so
// runs started in the same second never collide.
func NewID() string {
	ts := time.Now().UTC().Format("20060102-150405")
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-0000", ts)
	}
	return fmt.Sprintf("%s-%s", ts, hex.EncodeToString(buf))
}

// Layout resolves every per-run file to an absolute location under one run
// directory. All fields are full paths.
type Layout struct {
	Dir string

	Notes            string
	Evidence         string
	Moves            string
	Queries          string
	EvidenceMarkdown string
	Events           string
	Report           string
	Snapshot         string
}

// NewLayout maps the configured filenames onto root/runID. It does not touch
// the filesystem; call Create before writing anything.
func NewLayout(cfg config.Config, runID string) Layout {
	dir := filepath.Join(cfg.Session.Dir, runID)
	return Layout{
		Dir:              dir,
		Notes:            filepath.Join(dir, cfg.Session.NotesFilename),
		Evidence:         filepath.Join(dir, cfg.Session.EvidenceFilename),
		Moves:            filepath.Join(dir, cfg.Session.MovesFilename),
		Queries:          filepath.Join(dir, cfg.Session.QueriesFilename),
		EvidenceMarkdown: filepath.Join(dir, cfg.Session.EvidenceMarkdown),
		Events:           filepath.Join(dir, cfg.Session.EventsFilename),
		Report:           filepath.Join(dir, cfg.Session.ReportFilename),
		Snapshot:         filepath.Join(dir, cfg.Session.SnapshotFilename),
	}
}

// Create makes the run directory.
func (l Layout) Create() error {
	if l.Dir == "" {
		return fmt.Errorf("run dir is empty")
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	return nil
}
