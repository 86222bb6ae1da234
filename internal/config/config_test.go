package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestLoadMergesConfigFiles(t *testing.T) {
	temp := t.TempDir()
	defaultPath := filepath.Join(temp, "default.yaml")
	profilePath := filepath.Join(temp, "profile.yaml")
	runPath := filepath.Join(temp, "run.yaml")

	writeYAML(t, defaultPath, map[string]any{
		"llm": map[string]any{
			"base_url": "http://10.0.0.5:1234",
			"model":    "local-model",
		},
		"budgets": map[string]any{
			"max_steps":      60,
			"notes_interval": 4,
		},
		"session": map[string]any{
			"dir": "runs",
		},
	})

	writeYAML(t, profilePath, map[string]any{
		"budgets": map[string]any{
			"max_steps": 30,
		},
		"ui": map[string]any{
			"verbose": true,
		},
	})

	writeYAML(t, runPath, map[string]any{
		"budgets": map[string]any{
			"notes_interval": 2,
		},
	})

	cfg, paths, err := Load(defaultPath, profilePath, runPath)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 layered paths, got %d", len(paths))
	}

	if cfg.LLM.BaseURL != "http://10.0.0.5:1234" {
		t.Fatalf("base_url mismatch: got %s", cfg.LLM.BaseURL)
	}
	if cfg.Budgets.MaxSteps != 30 {
		t.Fatalf("max_steps mismatch: got %d", cfg.Budgets.MaxSteps)
	}
	if cfg.Budgets.NotesInterval != 2 {
		t.Fatalf("notes_interval mismatch: got %d", cfg.Budgets.NotesInterval)
	}
	if cfg.Session.Dir != "runs" {
		t.Fatalf("session dir mismatch: got %s", cfg.Session.Dir)
	}
	if !cfg.UI.Verbose {
		t.Fatalf("expected verbose from profile layer")
	}
	// Untouched keys keep built-in defaults.
	if cfg.Budgets.MaxVerifierRounds != 8 {
		t.Fatalf("max_verifier_rounds default lost: got %d", cfg.Budgets.MaxVerifierRounds)
	}
	if cfg.Backend.TimeoutSeconds != 900 {
		t.Fatalf("backend timeout default lost: got %d", cfg.Backend.TimeoutSeconds)
	}
}

func TestLoadWithoutFilesReturnsDefaults(t *testing.T) {
	cfg, paths, err := Load("", "", "")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected no file layers, got %v", paths)
	}
	want := Default()
	if cfg.Budgets != want.Budgets {
		t.Fatalf("budget defaults mismatch: got %+v", cfg.Budgets)
	}
	if cfg.LLM.BaseURL != want.LLM.BaseURL || cfg.LLM.TimeoutSeconds != 150 {
		t.Fatalf("llm defaults mismatch: got %+v", cfg.LLM)
	}
	if cfg.LLM.Temperature == nil || *cfg.LLM.Temperature != 0.2 {
		t.Fatalf("temperature default mismatch: got %v", cfg.LLM.Temperature)
	}
}

func TestLoadMissingNamedFileFails(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "", ""); err == nil {
		t.Fatalf("expected error for missing named config file")
	}
}

func TestSaveWritesYAML(t *testing.T) {
	temp := t.TempDir()
	path := filepath.Join(temp, "config.yaml")
	cfg := Default()
	cfg.LLM.Model = "research-model"
	cfg.Budgets.MaxSteps = 12

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	var decoded Config
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal saved file: %v", err)
	}
	if decoded.LLM.Model != "research-model" {
		t.Fatalf("model mismatch: got %s", decoded.LLM.Model)
	}
	if decoded.Budgets.MaxSteps != 12 {
		t.Fatalf("max_steps mismatch: got %d", decoded.Budgets.MaxSteps)
	}
}

func writeYAML(t *testing.T, path string, payload map[string]any) {
	t.Helper()
	data, err := yaml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
