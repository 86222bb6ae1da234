package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueryAttempt is one search-like action appended to the query ledger. It
// carries the family aggregate alongside the attempt so a single line is a
// complete picture of where that family stands.
type QueryAttempt struct {
	ID              string    `json:"id"`
	TS              time.Time `json:"ts"`
	Step            int       `json:"step"`
	URL             string    `json:"url,omitempty"`
	Domain          string    `json:"domain,omitempty"`
	Query           string    `json:"query,omitempty"`
	FamilyKey       string    `json:"family_key"`
	SourceClass     string    `json:"source_class,omitempty"`
	Relation        Relation  `json:"relation,omitempty"`
	Outcome         string    `json:"outcome"`
	Occurrences     int       `json:"occurrences"`
	LastMutatedStep int       `json:"last_mutated_step"`
}

// QueryRecord is the per-family aggregate: total occurrences and the step at
// which the family last changed hands.
type QueryRecord struct {
	FamilyKey       string `json:"family_key"`
	Occurrences     int    `json:"occurrences"`
	LastMutatedStep int    `json:"last_mutated_step"`
}

// QueryLedger tracks query families and their consecutive repetition. A
// family repeated repeatLimit times unchanged arms a mutation requirement;
// switching to a materially different key resets it.
type QueryLedger struct {
	path        string
	counter     int
	families    map[string]*QueryRecord
	lastFamily  string
	streak      int
	repeatLimit int
}

func NewQueryLedger(path string, repeatLimit int) *QueryLedger {
	if repeatLimit <= 0 {
		repeatLimit = 3
	}
	return &QueryLedger{path: path, families: map[string]*QueryRecord{}, repeatLimit: repeatLimit}
}

// Streak returns the consecutive run length the family would be at if
// attempted now.
func (l *QueryLedger) Streak(family string) int {
	if family == "" || family != l.lastFamily {
		return 0
	}
	return l.streak
}

// MutationRequired reports whether another attempt in this family must be
// blocked until a materially different key appears.
func (l *QueryLedger) MutationRequired(family string) bool {
	return family != "" && family == l.lastFamily && l.streak >= l.repeatLimit
}

// Family returns the aggregate for a key.
func (l *QueryLedger) Family(key string) (QueryRecord, bool) {
	rec, ok := l.families[key]
	if !ok {
		return QueryRecord{}, false
	}
	return *rec, true
}

// Append logs the attempt. Blocked attempts are recorded without advancing
// occurrence counts or the repetition streak.
func (l *QueryLedger) Append(a *QueryAttempt) error {
	l.counter++
	a.ID = fmt.Sprintf("q_%04d", l.counter)
	a.TS = time.Now().UTC()
	if a.Outcome != "blocked" && a.FamilyKey != "" {
		rec := l.families[a.FamilyKey]
		if rec == nil {
			rec = &QueryRecord{FamilyKey: a.FamilyKey, LastMutatedStep: a.Step}
			l.families[a.FamilyKey] = rec
		}
		rec.Occurrences++
		if a.FamilyKey == l.lastFamily {
			l.streak++
		} else {
			if l.lastFamily != "" {
				rec.LastMutatedStep = a.Step
			}
			l.lastFamily = a.FamilyKey
			l.streak = 1
		}
		a.Occurrences = rec.Occurrences
		a.LastMutatedStep = rec.LastMutatedStep
	}
	return appendJSONL(l.path, a)
}

// ReadQueries loads every attempt from a query ledger file.
func ReadQueries(path string) ([]QueryAttempt, error) {
	var attempts []QueryAttempt
	err := readJSONLines(path, func(line []byte) error {
		var a QueryAttempt
		if err := json.Unmarshal(line, &a); err != nil {
			return err
		}
		attempts = append(attempts, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attempts, nil
}
