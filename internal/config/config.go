// Package config loads layered YAML configuration: built-in defaults, an
// optional default file, an optional profile, and an optional per-run
// override, deep-merged in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM struct {
		BaseURL         string                `yaml:"base_url"`
		Model           string                `yaml:"model"`
		TimeoutSeconds  int                   `yaml:"timeout_seconds"`
		APIKey          string                `yaml:"api_key"`
		MaxFailures     int                   `yaml:"max_failures"`
		CooldownSeconds int                   `yaml:"cooldown_seconds"`
		Temperature     *float32              `yaml:"temperature,omitempty"`
		MaxTokens       *int                  `yaml:"max_tokens,omitempty"`
		Roles           map[string]LLMRoleCfg `yaml:"roles,omitempty"`
	} `yaml:"llm"`
	Budgets struct {
		MaxSteps                    int     `yaml:"max_steps"`
		MaxVerifierRounds           int     `yaml:"max_verifier_rounds"`
		StagnationLimit             int     `yaml:"stagnation_limit"`
		FailureEscalationLimit      int     `yaml:"failure_escalation_limit"`
		NotesInterval               int     `yaml:"notes_interval"`
		QueryRepeatLimit            int     `yaml:"query_repeat_limit"`
		MoveRepeatLimit             int     `yaml:"move_repeat_limit"`
		DomainShiftLimit            int     `yaml:"domain_shift_limit"`
		NegativeClaimMinOfficial    int     `yaml:"negative_claim_min_official"`
		NegativeClaimMinIndependent int     `yaml:"negative_claim_min_independent"`
		NegativeClaimBudgetPct      float64 `yaml:"negative_claim_budget_pct"`
		FinalizationLimit           int     `yaml:"finalization_limit"`
		ParseErrorLimit             int     `yaml:"parse_error_limit"`
		LengthNudgeLimit            int     `yaml:"length_nudge_limit"`
		PreToolNudgeLimit           int     `yaml:"pre_tool_nudge_limit"`
		ExplorationGate             int     `yaml:"exploration_gate"`
	} `yaml:"budgets"`
	Backend struct {
		WorkDir        string   `yaml:"workdir"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		DenyExtra      []string `yaml:"deny_extra"`
	} `yaml:"backend"`
	Session struct {
		Dir              string `yaml:"dir"`
		NotesFilename    string `yaml:"notes_filename"`
		EvidenceFilename string `yaml:"evidence_filename"`
		MovesFilename    string `yaml:"moves_filename"`
		QueriesFilename  string `yaml:"queries_filename"`
		EvidenceMarkdown string `yaml:"evidence_markdown"`
		EventsFilename   string `yaml:"events_filename"`
		ReportFilename   string `yaml:"report_filename"`
		SnapshotFilename string `yaml:"snapshot_filename"`
	} `yaml:"session"`
	Events struct {
		Path string `yaml:"path"`
	} `yaml:"events"`
	UI struct {
		Verbose bool `yaml:"verbose"`
	} `yaml:"ui"`
}

type LLMRoleCfg struct {
	Temperature *float32 `yaml:"temperature,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty"`
}

// Default returns the built-in configuration all files layer over.
func Default() Config {
	var cfg Config
	cfg.LLM.BaseURL = "http://127.0.0.1:1234"
	cfg.LLM.TimeoutSeconds = 150
	cfg.LLM.MaxFailures = 3
	cfg.LLM.CooldownSeconds = 30
	temp := float32(0.2)
	cfg.LLM.Temperature = &temp
	maxTokens := 1200
	cfg.LLM.MaxTokens = &maxTokens
	// Verifier calls run cold and short regardless of worker tuning.
	verifierTemp := float32(0)
	verifierTokens := 800
	cfg.LLM.Roles = map[string]LLMRoleCfg{
		"verifier": {Temperature: &verifierTemp, MaxTokens: &verifierTokens},
	}

	cfg.Budgets.MaxSteps = 120
	cfg.Budgets.MaxVerifierRounds = 8
	cfg.Budgets.StagnationLimit = 3
	cfg.Budgets.FailureEscalationLimit = 3
	cfg.Budgets.NotesInterval = 3
	cfg.Budgets.QueryRepeatLimit = 3
	cfg.Budgets.MoveRepeatLimit = 3
	cfg.Budgets.DomainShiftLimit = 2
	cfg.Budgets.NegativeClaimMinOfficial = 2
	cfg.Budgets.NegativeClaimMinIndependent = 1
	cfg.Budgets.NegativeClaimBudgetPct = 0.6
	cfg.Budgets.FinalizationLimit = 3
	cfg.Budgets.ParseErrorLimit = 5
	cfg.Budgets.LengthNudgeLimit = 4
	cfg.Budgets.PreToolNudgeLimit = 6
	cfg.Budgets.ExplorationGate = 3

	cfg.Backend.TimeoutSeconds = 900

	cfg.Session.Dir = "sessions"
	cfg.Session.NotesFilename = "notes.md"
	cfg.Session.EvidenceFilename = "evidence.jsonl"
	cfg.Session.MovesFilename = "moves.jsonl"
	cfg.Session.QueriesFilename = "queries.jsonl"
	cfg.Session.EvidenceMarkdown = "EVIDENCE.md"
	cfg.Session.EventsFilename = "events.jsonl"
	cfg.Session.ReportFilename = "report.json"
	cfg.Session.SnapshotFilename = "config.yaml"
	return cfg
}

func DefaultPath() string {
	return filepath.Join("config", "default.yaml")
}

func ProfilePath(profile string) string {
	return filepath.Join("config", "profiles", profile+".yaml")
}

func RunPath(sessionsDir, runID string) string {
	return filepath.Join(sessionsDir, runID, "config.yaml")
}

// Load merges defaultPath, profilePath, and runPath over the built-in
// defaults. Empty paths are skipped; named paths must exist.
func Load(defaultPath, profilePath, runPath string) (Config, []string, error) {
	paths := []string{}
	merged, err := toMap(Default())
	if err != nil {
		return Config{}, paths, err
	}

	for _, path := range []string{defaultPath, profilePath, runPath} {
		if path == "" {
			continue
		}
		if err := mergeFile(merged, path); err != nil {
			return Config{}, paths, err
		}
		paths = append(paths, path)
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return Config{}, paths, fmt.Errorf("marshal merged config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, paths, fmt.Errorf("unmarshal merged config: %w", err)
	}
	return cfg, paths, nil
}

func toMap(cfg Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal defaults: %w", err)
	}
	return out, nil
}

func mergeFile(dst map[string]any, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config file not found: %s", path)
	}
	if info.IsDir() {
		return fmt.Errorf("config path is a directory: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %s: %w", path, err)
	}
	var src map[string]any
	if err := yaml.Unmarshal(data, &src); err != nil {
		return fmt.Errorf("parse config: %s: %w", path, err)
	}
	deepMerge(dst, src)
	return nil
}

func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		srcMap, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		if existing, ok := dst[key]; ok {
			if existingMap, ok := existing.(map[string]any); ok {
				deepMerge(existingMap, srcMap)
				continue
			}
		}
		newMap := map[string]any{}
		deepMerge(newMap, srcMap)
		dst[key] = newMap
	}
}

// Save writes the config snapshot for a run.
func Save(path string, cfg Config) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
