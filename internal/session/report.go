package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Report is the terminal summary of a run.
type Report struct {
	RunID          string   `json:"run_id"`
	Task           string   `json:"task"`
	Status         string   `json:"status"`
	Reason         string   `json:"reason,omitempty"`
	Answer         string   `json:"answer,omitempty"`
	Score          int      `json:"score,omitempty"`
	Steps          int      `json:"steps"`
	ToolCalls      int      `json:"tool_calls"`
	EvidenceCount  int      `json:"evidence_count"`
	VerifierRounds int      `json:"verifier_rounds"`
	Official       []string `json:"official_domains,omitempty"`
	Independent    []string `json:"independent_domains,omitempty"`
	StartedAt      string   `json:"started_at,omitempty"`
	FinishedAt     string   `json:"finished_at,omitempty"`
}

// WriteReport writes the report atomically: a half-written report.json after
// a crash would be worse than none at all.
func WriteReport(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*.json")
	if err != nil {
		return fmt.Errorf("create report tmp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close report tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace report: %w", err)
	}
	return nil
}

// ReadReport loads a finished run's report.
func ReadReport(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("read report: %w", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return Report{}, fmt.Errorf("parse report: %w", err)
	}
	return report, nil
}
