package session

import (
	"fmt"
	"os"
	"strings"

	"github.com/Jawbreaker1/EvidenceBot/internal/ledger"
)

const mirrorExcerptMax = 160

// AppendEvidenceRow mirrors one evidence record into a markdown table for
// human review. The JSONL ledger stays the source of truth; this file is a
// convenience view and is never read back.
func AppendEvidenceRow(path string, rec *ledger.EvidenceRecord) error {
	if rec == nil {
		return fmt.Errorf("evidence record is nil")
	}
	if err := ensureMirrorHeader(path); err != nil {
		return err
	}
	exit := ""
	if rec.ExitCode != nil {
		exit = fmt.Sprintf("%d", *rec.ExitCode)
	}
	excerpt := rec.OutputExcerpt
	if len(excerpt) > mirrorExcerptMax {
		excerpt = excerpt[:mirrorExcerptMax] + "..."
	}
	entry := fmt.Sprintf("| %s | %d | %s | %s | %s | %s | %s |\n",
		rec.ID,
		rec.Step,
		escapePipes(rec.Tool),
		escapePipes(rec.Command),
		exit,
		escapePipes(rec.FailureType),
		escapePipes(flattenLines(excerpt)),
	)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open evidence mirror: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append evidence mirror: %w", err)
	}
	return nil
}

func ensureMirrorHeader(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := "# Evidence\n\n| ID | Step | Tool | Command | Exit | Failure | Excerpt |\n| --- | --- | --- | --- | --- | --- | --- |\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write evidence mirror header: %w", err)
	}
	return nil
}

func escapePipes(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}

func flattenLines(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
