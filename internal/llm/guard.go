package llm

import (
	"fmt"
	"time"

	"github.com/Jawbreaker1/EvidenceBot/internal/config"
)

// FailureGuard trips after maxFailures consecutive chat failures and holds
// the circuit open for a cooldown window. A run that hits a tripped guard
// aborts instead of burning its step budget against a dead model server.
type FailureGuard struct {
	maxFailures int
	cooldown    time.Duration
	failures    int
	openUntil   time.Time
	now         func() time.Time
}

func NewFailureGuard(cfg config.Config) *FailureGuard {
	return &FailureGuard{
		maxFailures: cfg.LLM.MaxFailures,
		cooldown:    time.Duration(cfg.LLM.CooldownSeconds) * time.Second,
		now:         time.Now,
	}
}

// Tripped reports whether the circuit is currently open.
func (g *FailureGuard) Tripped() bool {
	if g == nil || g.openUntil.IsZero() {
		return false
	}
	return g.now().Before(g.openUntil)
}

func (g *FailureGuard) RecordFailure() {
	if g == nil || g.maxFailures <= 0 {
		return
	}
	g.failures++
	if g.failures >= g.maxFailures {
		g.openUntil = g.now().Add(g.cooldown)
	}
}

func (g *FailureGuard) RecordSuccess() {
	if g == nil {
		return
	}
	g.failures = 0
	g.openUntil = time.Time{}
}

func (g *FailureGuard) Failures() int {
	if g == nil {
		return 0
	}
	return g.failures
}

// ErrModelUnavailable is returned once the guard has tripped; the run loop
// treats it as a hard failure, not evidence.
type ErrModelUnavailable struct {
	Failures  int
	OpenUntil time.Time
}

func (e *ErrModelUnavailable) Error() string {
	return fmt.Sprintf("model unavailable after %d consecutive failures (cooldown until %s)",
		e.Failures, e.OpenUntil.UTC().Format(time.RFC3339))
}

// OpenUntilTime exposes when the circuit closes again.
func (g *FailureGuard) OpenUntilTime() time.Time {
	if g == nil {
		return time.Time{}
	}
	return g.openUntil
}
