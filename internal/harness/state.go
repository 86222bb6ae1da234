// Package harness drives one run: assemble context, call the model, parse,
// apply policy, execute, record, and periodically hand the answer to the
// verifier. All cross-package state lives in RunState; the collaborators are
// pure or act only through their own files.
package harness

import (
	"fmt"
	"strings"
)

// Status is the run lifecycle state.
type Status string

const (
	StatusRunning       Status = "RUNNING"
	StatusAwaitingNotes Status = "AWAITING_NOTES"
	StatusVerifying     Status = "VERIFYING"
	StatusResolved      Status = "RESOLVED"
	StatusUnresolved    Status = "UNRESOLVED"
	StatusExhausted     Status = "EXHAUSTED"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusRunning: {
		StatusAwaitingNotes: {},
		StatusVerifying:     {},
		StatusResolved:      {},
		StatusUnresolved:    {},
		StatusExhausted:     {},
	},
	StatusAwaitingNotes: {
		StatusRunning:    {},
		StatusUnresolved: {},
		StatusExhausted:  {},
	},
	StatusVerifying: {
		StatusRunning:    {},
		StatusResolved:   {},
		StatusUnresolved: {},
		StatusExhausted:  {},
	},
	StatusResolved:   {},
	StatusUnresolved: {},
	StatusExhausted:  {},
}

func ValidateStatus(status Status) error {
	if _, ok := allowedTransitions[status]; !ok {
		return fmt.Errorf("invalid run status: %q", status)
	}
	return nil
}

func ValidateTransition(from, to Status) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid run transition: %s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether the status ends the run.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusUnresolved || s == StatusExhausted
}

// Epistemic tracks what the model itself claims about its progress, parsed
// from STATUS_UPDATE lines. It steers the pinned context sections, never the
// run terminals directly.
type Epistemic struct {
	Status      string
	Constraints []string
	Unresolved  []string
	Blocked     []string
}

const epistemicListCap = 5

// Apply folds one STATUS_UPDATE token and its reason text into the state.
func (e *Epistemic) Apply(token, reason string) {
	if token == "" {
		return
	}
	e.Status = token
	reason = strings.TrimSpace(reason)
	switch token {
	case "UNRESOLVED":
		e.Unresolved = appendBounded(e.Unresolved, reason)
	case "BLOCKED":
		e.Blocked = appendBounded(e.Blocked, reason)
	}
}

// AddConstraint records a named obstacle shown in every later context.
func (e *Epistemic) AddConstraint(text string) {
	e.Constraints = appendBounded(e.Constraints, text)
}

func appendBounded(list []string, item string) []string {
	if item == "" {
		return list
	}
	for _, have := range list {
		if have == item {
			return list
		}
	}
	list = append(list, item)
	if len(list) > epistemicListCap {
		list = list[len(list)-epistemicListCap:]
	}
	return list
}

// RunState is the mutable center of one run. Streaks derived from the move
// and query ledgers live in those ledgers; everything else is here.
type RunState struct {
	Status Status
	Step   int

	ToolCalls       int
	StepsSinceNotes int

	StagnationStreak int
	ForceToolNext    bool

	FailureType   string
	FailureStreak int

	ForceQueryMutation bool
	ForceMoveChange    bool
	ForceSourceShift   bool

	ParseErrors   int
	LengthNudges  int
	PreToolNudges int
	TruncatedLast bool

	GradientPending   bool
	GradientReminders int

	FinalizationHits   int
	finalEvidenceCount int

	VerifierRounds int
	BestScore      int

	NegativeClaim bool
	Official      map[string]struct{}
	Independent   map[string]struct{}

	Epistemic Epistemic
}

func NewRunState(negativeClaim bool) *RunState {
	return &RunState{
		Status:        StatusRunning,
		NegativeClaim: negativeClaim,
		Official:      map[string]struct{}{},
		Independent:   map[string]struct{}{},
		Epistemic:     Epistemic{Status: "IN_PROGRESS"},
	}
}

// Transition moves the run to a new status, validating against the table.
func (s *RunState) Transition(to Status) error {
	if err := ValidateTransition(s.Status, to); err != nil {
		return err
	}
	s.Status = to
	return nil
}

// AddCoverage records a consulted registrable domain in its coverage bucket.
func (s *RunState) AddCoverage(domain string, official bool) {
	if domain == "" {
		return
	}
	if official {
		s.Official[domain] = struct{}{}
	} else {
		s.Independent[domain] = struct{}{}
	}
}

// RecordFailure folds one evidence failure type into the consecutive-failure
// streak. An empty type breaks the streak.
func (s *RunState) RecordFailure(failureType string) {
	if failureType == "" {
		s.FailureType = ""
		s.FailureStreak = 0
		return
	}
	if failureType == s.FailureType {
		s.FailureStreak++
	} else {
		s.FailureType = failureType
		s.FailureStreak = 1
	}
}

// RecordFinalWrite tracks rewrites of final-style deliverables. A rewrite
// with no evidence growth since the previous one advances the loop counter.
func (s *RunState) RecordFinalWrite(evidenceCount int) {
	if evidenceCount == s.finalEvidenceCount {
		s.FinalizationHits++
	} else {
		s.FinalizationHits = 0
		s.finalEvidenceCount = evidenceCount
	}
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
