package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Meta is the long-lived per-run descriptor written at start and sealed at
// the end. It intentionally duplicates a few report fields so a run directory
// is self-describing even when the run died before reporting.
type Meta struct {
	ID        string `json:"id"`
	Task      string `json:"task"`
	Model     string `json:"model,omitempty"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`
	Status    string `json:"status"`
}

func MetaPath(runDir string) string {
	return filepath.Join(runDir, "run.json")
}

// InitMeta records a new active run. Re-initializing an existing run dir is a
// no-op so resumed runs keep their original start time.
func InitMeta(runDir, runID, task, model string) error {
	path := MetaPath(runDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	meta := Meta{
		ID:        runID,
		Task:      task,
		Model:     model,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Status:    "active",
	}
	return writeMeta(path, meta)
}

// CloseMeta seals the run with its terminal status.
func CloseMeta(runDir, runID, status string) error {
	path := MetaPath(runDir)
	meta, err := readMeta(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		meta = Meta{
			ID:        runID,
			StartedAt: time.Now().UTC().Format(time.RFC3339),
		}
	}
	if meta.ID == "" {
		meta.ID = runID
	}
	meta.Status = status
	meta.EndedAt = time.Now().UTC().Format(time.RFC3339)
	return writeMeta(path, meta)
}

func readMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("parse run meta: %w", err)
	}
	return meta, nil
}

func writeMeta(path string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run meta: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run meta: %w", err)
	}
	return nil
}
