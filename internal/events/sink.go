package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink appends envelopes to one JSONL file. Concurrent runs may share a sink;
// a mutex serializes appends so each envelope lands as one complete line.
type Sink struct {
	path string

	mu  sync.Mutex
	seq map[string]int64
	now func() time.Time
}

// NewSink opens a sink at path, seeding per-run sequence counters from any
// events already on disk so restarts never reissue a seq.
func NewSink(path string) (*Sink, error) {
	s := &Sink{path: path, seq: map[string]int64{}, now: func() time.Time { return time.Now().UTC() }}
	existing, err := ReadEvents(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	for _, event := range existing {
		if event.Seq > s.seq[event.RunID] {
			s.seq[event.RunID] = event.Seq
		}
	}
	return s, nil
}

func (s *Sink) Path() string { return s.path }

// Emit assigns an event id, timestamp, and the next sequence number for the
// run, then appends one line. Payload may be any JSON-marshalable value.
func (s *Sink) Emit(runID string, step int, eventType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.seq[runID] + 1
	event := Envelope{
		EventID: NewEventID(),
		RunID:   runID,
		Seq:     next,
		Step:    step,
		TS:      s.now(),
		Type:    eventType,
		Payload: rawPayload(payload),
	}
	if err := appendEventJSONL(s.path, event); err != nil {
		return err
	}
	s.seq[runID] = next
	return nil
}

func appendEventJSONL(path string, event Envelope) error {
	if err := ValidateEnvelope(event); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ReadEvents parses and validates the whole stream. A missing file surfaces
// as os.IsNotExist so callers can treat it as empty.
func ReadEvents(path string) ([]Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	events := []Envelope{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Envelope
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse event line %d: %w", lineNo, err)
		}
		if err := ValidateEnvelope(event); err != nil {
			return nil, fmt.Errorf("validate event line %d: %w", lineNo, err)
		}
		events = append(events, event)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}

// ValidateMonotonicSequences checks that seq strictly increases within each
// run across the stream.
func ValidateMonotonicSequences(events []Envelope) error {
	lastSeq := map[string]int64{}
	for _, event := range events {
		prev, ok := lastSeq[event.RunID]
		if ok && event.Seq <= prev {
			return fmt.Errorf("non-monotonic seq for run %s: %d <= %d", event.RunID, event.Seq, prev)
		}
		lastSeq[event.RunID] = event.Seq
	}
	return nil
}
