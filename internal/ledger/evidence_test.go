package ledger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestEvidenceIDsStrictlyIncreaseAcrossFailures(t *testing.T) {
	t.Parallel()

	l := NewEvidenceLedger(filepath.Join(t.TempDir(), "evidence.jsonl"))
	first, err := l.Append(1, "shell", "curl -sL https://example.com", Outcome{ExitCode: intPtr(0), Output: "ok"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	failed, err := l.Append(2, "shell", "curl -sL https://example.com/missing", Outcome{ExitCode: intPtr(22), Output: "404"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	third, err := l.Append(3, "shell", "ls -la", Outcome{ExitCode: intPtr(0), Output: "files"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.ID != "ev_0001" || failed.ID != "ev_0002" || third.ID != "ev_0003" {
		t.Fatalf("expected strictly increasing ids, got %s %s %s", first.ID, failed.ID, third.ID)
	}
	if !l.Known("ev_0002") {
		t.Fatalf("expected failed outcome to still own its id")
	}
	if l.Count() != 3 {
		t.Fatalf("expected 3 records, got %d", l.Count())
	}
}

func TestEvidenceOutputExcerptClamped(t *testing.T) {
	t.Parallel()

	l := NewEvidenceLedger(filepath.Join(t.TempDir(), "evidence.jsonl"))
	long := strings.Repeat("a", OutputExcerptMax+123)
	rec, err := l.Append(1, "shell", "cat big.txt", Outcome{ExitCode: intPtr(0), Output: long})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !strings.HasSuffix(rec.OutputExcerpt, "...[truncated 123 chars]") {
		t.Fatalf("expected truncation annotation, got tail %q", rec.OutputExcerpt[len(rec.OutputExcerpt)-40:])
	}
	if len(rec.OutputExcerpt) >= len(long) {
		t.Fatalf("expected excerpt shorter than output")
	}
}

func TestEvidenceDomainExtraction(t *testing.T) {
	t.Parallel()

	l := NewEvidenceLedger(filepath.Join(t.TempDir(), "evidence.jsonl"))
	rec, err := l.Append(1, "shell", "curl -sL https://www.fda.gov/drugs", Outcome{ExitCode: intPtr(0), Output: "<html>"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.DomainOrPath != "fda.gov" {
		t.Fatalf("expected domain extracted, got %q", rec.DomainOrPath)
	}
	rec, err = l.Append(2, "shell", "cat /work/notes.md", Outcome{ExitCode: intPtr(0), Output: "notes"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.DomainOrPath != "/work/notes.md" {
		t.Fatalf("expected path extracted, got %q", rec.DomainOrPath)
	}
}

func TestEvidenceRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "evidence.jsonl")
	l := NewEvidenceLedger(path)
	if _, err := l.Append(4, "shell", "curl -sL https://example.com", Outcome{ExitCode: intPtr(0), Output: "body"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger file: %v", err)
	}
	line := bytes.TrimSpace(raw)
	var rec EvidenceRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	again, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	if !bytes.Equal(again, line) {
		t.Fatalf("expected identical record after roundtrip:\n%s\n%s", line, again)
	}
}

func TestClassifyFailureOrdering(t *testing.T) {
	t.Parallel()

	if got := ClassifyFailure("shell", "curl x", Outcome{ErrorType: "notes_update_required"}); got != "" {
		t.Fatalf("expected notes policy block to not count as failure, got %q", got)
	}
	if got := ClassifyFailure("shell", "curl x", Outcome{Error: "boom"}); got != "tool_error" {
		t.Fatalf("expected tool_error for bare error, got %q", got)
	}
	if got := ClassifyFailure("shell", "curl x", Outcome{ErrorType: "timeout"}); got != "timeout" {
		t.Fatalf("expected explicit error type preserved, got %q", got)
	}
	if got := ClassifyFailure("shell", "curl x", Outcome{ExitCode: intPtr(7), Output: "x"}); got != "tool_error" {
		t.Fatalf("expected nonzero exit classified, got %q", got)
	}
	if got := ClassifyFailure("shell", "curl https://x", Outcome{ExitCode: intPtr(0), Output: "403 Forbidden by cloudflare"}); got != "access_blocked" {
		t.Fatalf("expected access_blocked, got %q", got)
	}
	if got := ClassifyFailure("shell", "curl https://x", Outcome{ExitCode: intPtr(0), Output: "HTTP 401 Unauthorized"}); got != "auth_required" {
		t.Fatalf("expected auth_required, got %q", got)
	}
	if got := ClassifyFailure("shell", "curl https://x", Outcome{ExitCode: intPtr(0), Output: "429 Too Many Requests"}); got != "rate_limited" {
		t.Fatalf("expected rate_limited, got %q", got)
	}
	if got := ClassifyFailure("shell", "curl https://x", Outcome{ExitCode: intPtr(0), Output: "   "}); got != "empty_response" {
		t.Fatalf("expected empty_response, got %q", got)
	}
	if got := ClassifyFailure("shell", "ls", Outcome{ExitCode: intPtr(0), Output: ""}); got != "" {
		t.Fatalf("expected empty output from non-fetch to pass, got %q", got)
	}
}
