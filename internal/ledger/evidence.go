// Package ledger holds the run's append-only records: evidence from executed
// actions, classified search moves, and query families. Records are
// write-once; nothing here mutates or deletes a line once appended.
package ledger

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Jawbreaker1/EvidenceBot/internal/domains"
)

// OutputExcerptMax bounds how much tool output one evidence record keeps.
const OutputExcerptMax = 2000

const maxRecordedURLs = 20

// Outcome is the normalized result of one executed action, before it is
// clipped and classified into an evidence record.
type Outcome struct {
	ExitCode  *int
	Output    string
	Error     string
	ErrorType string
}

// EvidenceRecord is one immutable ledger line, citable by id.
type EvidenceRecord struct {
	ID            string    `json:"id"`
	TS            time.Time `json:"ts"`
	Step          int       `json:"step"`
	Tool          string    `json:"tool"`
	Command       string    `json:"command,omitempty"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	ErrorType     string    `json:"error_type,omitempty"`
	Error         string    `json:"error,omitempty"`
	OutputExcerpt string    `json:"output_excerpt,omitempty"`
	URLs          []string  `json:"urls,omitempty"`
	DomainOrPath  string    `json:"domain_or_path,omitempty"`
	FailureType   string    `json:"failure_type,omitempty"`
}

// EvidenceLedger assigns one monotonically increasing id per appended
// outcome. Ids are never reused, including when the append itself fails.
type EvidenceLedger struct {
	path    string
	counter int
	ids     map[string]struct{}
}

func NewEvidenceLedger(path string) *EvidenceLedger {
	return &EvidenceLedger{path: path, ids: map[string]struct{}{}}
}

// Append normalizes an outcome into an evidence record and writes it.
func (l *EvidenceLedger) Append(step int, tool, command string, out Outcome) (*EvidenceRecord, error) {
	l.counter++
	id := fmt.Sprintf("ev_%04d", l.counter)

	urls := domains.ExtractURLs(command + "\n" + out.Output)
	if len(urls) > maxRecordedURLs {
		urls = urls[:maxRecordedURLs]
	}
	rec := &EvidenceRecord{
		ID:            id,
		TS:            time.Now().UTC(),
		Step:          step,
		Tool:          tool,
		Command:       command,
		ExitCode:      out.ExitCode,
		ErrorType:     out.ErrorType,
		Error:         out.Error,
		OutputExcerpt: ClipText(out.Output, OutputExcerptMax),
		URLs:          urls,
		DomainOrPath:  domainOrPath(command, urls),
		FailureType:   ClassifyFailure(tool, command, out),
	}
	if err := appendJSONL(l.path, rec); err != nil {
		return nil, err
	}
	l.ids[id] = struct{}{}
	return rec, nil
}

// Known reports whether an id was issued by this ledger.
func (l *EvidenceLedger) Known(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Count returns how many records were successfully appended.
func (l *EvidenceLedger) Count() int {
	return len(l.ids)
}

// ReadEvidence loads every record from an evidence ledger file.
func ReadEvidence(path string) ([]EvidenceRecord, error) {
	var records []EvidenceRecord
	err := readJSONLines(path, func(line []byte) error {
		var rec EvidenceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

var (
	accessBlockedPattern = regexp.MustCompile(`(?i)\b(403|forbidden|access denied|captcha|cloudflare)\b`)
	authRequiredPattern  = regexp.MustCompile(`(?i)\b(401|unauthorized)\b`)
	rateLimitedPattern   = regexp.MustCompile(`(?i)\b(429|rate limit|too many requests)\b`)
	pathPattern          = regexp.MustCompile(`(?:^|\s)(/[^\s'"]+)`)
)

// ClassifyFailure reduces an outcome to a failure type, or "" on success.
// Notes-policy blocks are not failures; they are redirections.
func ClassifyFailure(tool, command string, out Outcome) string {
	if strings.HasPrefix(out.ErrorType, "notes_") {
		return ""
	}
	failure := ""
	switch {
	case out.ErrorType != "":
		failure = out.ErrorType
	case out.Error != "":
		failure = "tool_error"
	case out.ExitCode != nil && *out.ExitCode != 0:
		failure = "tool_error"
	}
	if tool == "shell" && command != "" {
		if failure == "" && accessBlockedPattern.MatchString(out.Output) {
			failure = "access_blocked"
		}
		if failure == "" && authRequiredPattern.MatchString(out.Output) {
			failure = "auth_required"
		}
		if failure == "" && rateLimitedPattern.MatchString(out.Output) {
			failure = "rate_limited"
		}
		if failure == "" && strings.TrimSpace(out.Output) == "" &&
			(strings.Contains(command, "curl") || strings.Contains(command, "wget")) {
			failure = "empty_response"
		}
	}
	return failure
}

// ClipText truncates text to max characters, annotating how much was cut.
func ClipText(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + fmt.Sprintf("...[truncated %d chars]", len(text)-max)
}

func domainOrPath(command string, urls []string) string {
	if len(urls) > 0 {
		if host := domains.HostOf(urls[0]); host != "" {
			return host
		}
	}
	if m := pathPattern.FindStringSubmatch(command); m != nil {
		return m[1]
	}
	return ""
}
