package notes

import (
	"regexp"
	"strings"
)

// WriteMode is how a shell command touches the notes file.
type WriteMode string

const (
	ModeNone      WriteMode = ""
	ModeAppend    WriteMode = "append"
	ModeOverwrite WriteMode = "overwrite"
)

var (
	appendRedirect  = regexp.MustCompile(`>>\s*[^\n]*notes\.md`)
	appendTee       = regexp.MustCompile(`\btee\b[^\n]*\s(-a|--append)\b[^\n]*notes\.md`)
	singleRedirect  = regexp.MustCompile(`(^|[^>])>\s*[^\n]*notes\.md`)
	catRedirect     = regexp.MustCompile(`\bcat\b\s+>.*notes\.md`)
	plainTee        = regexp.MustCompile(`\btee\b[^\n]*notes\.md`)
	truncateNotes   = regexp.MustCompile(`\btruncate\b[^\n]*notes\.md`)
	removeNotes     = regexp.MustCompile(`\brm\b[^\n]*notes\.md`)
	moveNotes       = regexp.MustCompile(`\bmv\b[^\n]*notes\.md`)
	copyOverNotes   = regexp.MustCompile(`\bcp\b[^\n]*notes\.md`)
	appendMarkers   = []string{"notes_append"}
	overwriteLeaked = []string{"write_text", "write(", "notes_reset"}
)

// ClassifyWrite reports whether a shell command appends to, overwrites, or
// merely reads the notes file. Append checks run first so `>>` never falls
// through to the single-`>` overwrite match.
func ClassifyWrite(cmd string) WriteMode {
	if cmd == "" || !strings.Contains(cmd, "notes.md") {
		return ModeNone
	}
	c := strings.ToLower(cmd)
	if appendRedirect.MatchString(c) {
		return ModeAppend
	}
	if appendTee.MatchString(c) {
		return ModeAppend
	}
	for _, marker := range appendMarkers {
		if strings.Contains(c, marker) {
			return ModeAppend
		}
	}
	if singleRedirect.MatchString(c) {
		return ModeOverwrite
	}
	if catRedirect.MatchString(c) {
		return ModeOverwrite
	}
	if plainTee.MatchString(c) {
		return ModeOverwrite
	}
	if truncateNotes.MatchString(c) {
		return ModeOverwrite
	}
	if removeNotes.MatchString(c) {
		return ModeOverwrite
	}
	if moveNotes.MatchString(c) {
		return ModeOverwrite
	}
	if copyOverNotes.MatchString(c) {
		return ModeOverwrite
	}
	for _, marker := range overwriteLeaked {
		if strings.Contains(c, marker) {
			return ModeOverwrite
		}
	}
	return ModeNone
}

// IsAppend reports whether the command is an append-style notes update.
func IsAppend(cmd string) bool {
	return ClassifyWrite(cmd) == ModeAppend
}
