// Package events defines the append-only run event stream: a JSONL sink with
// per-run monotonic sequence numbers, a validating reader, and a counters
// exporter over recorded streams.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeTask     = "task"
	EventTypeModel    = "model"
	EventTypeTool     = "tool"
	EventTypeNotes    = "notes"
	EventTypeVerifier = "verifier"
	EventTypeRunState = "run_state"

	// Policy decisions are emitted as policy_<rule>.
	PolicyTypePrefix = "policy_"
)

var ErrInvalidEvent = errors.New("invalid event")

var fixedEventTypes = map[string]struct{}{
	EventTypeTask:     {},
	EventTypeModel:    {},
	EventTypeTool:     {},
	EventTypeNotes:    {},
	EventTypeVerifier: {},
	EventTypeRunState: {},
}

// Envelope is one line of the event stream. Seq is monotonic per run id.
type Envelope struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	Step    int             `json:"step,omitempty"`
	TS      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEventID() string {
	return "evt-" + uuid.NewString()
}

func ValidateEnvelope(event Envelope) error {
	if strings.TrimSpace(event.EventID) == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(event.RunID) == "" {
		return fmt.Errorf("%w: run_id is required", ErrInvalidEvent)
	}
	if event.Seq <= 0 {
		return fmt.Errorf("%w: seq must be > 0", ErrInvalidEvent)
	}
	if event.TS.IsZero() {
		return fmt.Errorf("%w: ts is required", ErrInvalidEvent)
	}
	eventType := strings.TrimSpace(event.Type)
	if eventType == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if _, ok := fixedEventTypes[eventType]; !ok && !strings.HasPrefix(eventType, PolicyTypePrefix) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, eventType)
	}
	return nil
}

func rawPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
