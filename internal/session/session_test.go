package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Jawbreaker1/EvidenceBot/internal/config"
	"github.com/Jawbreaker1/EvidenceBot/internal/ledger"
)

func TestNewIDIsUnique(t *testing.T) {
	t.Parallel()
	a := NewID()
	b := NewID()
	if a == "" || a == b {
		t.Fatalf("expected distinct ids, got %q and %q", a, b)
	}
}

func TestLayoutResolvesConfiguredPaths(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Session.Dir = t.TempDir()

	layout := NewLayout(cfg, "run-1")
	if layout.Dir != filepath.Join(cfg.Session.Dir, "run-1") {
		t.Fatalf("unexpected run dir %q", layout.Dir)
	}
	if filepath.Base(layout.Evidence) != cfg.Session.EvidenceFilename {
		t.Fatalf("evidence path %q does not use configured filename", layout.Evidence)
	}
	if err := layout.Create(); err != nil {
		t.Fatalf("create layout: %v", err)
	}
	if info, err := os.Stat(layout.Dir); err != nil || !info.IsDir() {
		t.Fatalf("run dir not created: %v", err)
	}
}

func TestAppendEvidenceRowWritesHeaderOnce(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "EVIDENCE.md")
	exit := 0
	rec := &ledger.EvidenceRecord{
		ID:            "ev_0001",
		Step:          3,
		Tool:          "run_tool",
		Command:       "curl -sL 'https://example.com/?a=1|2'",
		ExitCode:      &exit,
		OutputExcerpt: "line one\nline two",
	}
	if err := AppendEvidenceRow(path, rec); err != nil {
		t.Fatalf("append row: %v", err)
	}
	rec2 := *rec
	rec2.ID = "ev_0002"
	if err := AppendEvidenceRow(path, &rec2); err != nil {
		t.Fatalf("append second row: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	text := string(data)
	if strings.Count(text, "# Evidence") != 1 {
		t.Fatalf("header written more than once:\n%s", text)
	}
	if !strings.Contains(text, "ev_0001") || !strings.Contains(text, "ev_0002") {
		t.Fatalf("missing rows:\n%s", text)
	}
	if !strings.Contains(text, `a=1\|2`) {
		t.Fatalf("pipe in command not escaped:\n%s", text)
	}
	if strings.Contains(text, "line one\nline two") {
		t.Fatalf("excerpt newlines must be flattened:\n%s", text)
	}
}

func TestMetaInitAndClose(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := InitMeta(dir, "run-9", "find the answer", "gpt-test"); err != nil {
		t.Fatalf("init meta: %v", err)
	}
	// Second init must not reset the start time.
	if err := InitMeta(dir, "run-9", "other task", "gpt-test"); err != nil {
		t.Fatalf("re-init meta: %v", err)
	}
	meta, err := readMeta(MetaPath(dir))
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if meta.Task != "find the answer" || meta.Status != "active" {
		t.Fatalf("unexpected meta %+v", meta)
	}

	if err := CloseMeta(dir, "run-9", "RESOLVED"); err != nil {
		t.Fatalf("close meta: %v", err)
	}
	meta, err = readMeta(MetaPath(dir))
	if err != nil {
		t.Fatalf("read closed meta: %v", err)
	}
	if meta.Status != "RESOLVED" || meta.EndedAt == "" {
		t.Fatalf("meta not sealed: %+v", meta)
	}
}

func TestReportWriteAndRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "report.json")
	want := Report{
		RunID:         "run-2",
		Task:          "who discovered argon",
		Status:        "RESOLVED",
		Answer:        "Rayleigh and Ramsay",
		Score:         4,
		Steps:         17,
		ToolCalls:     9,
		EvidenceCount: 9,
		Official:      []string{"nobelprize.org"},
	}
	if err := WriteReport(path, want); err != nil {
		t.Fatalf("write report: %v", err)
	}
	got, err := ReadReport(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if got.RunID != want.RunID || got.Score != want.Score || got.Answer != want.Answer {
		t.Fatalf("report round trip mismatch: %+v", got)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".report-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}
