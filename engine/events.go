/*
events.go - Domain events emitted by the pipeline

PURPOSE:
  Downstream consumers (EOB generation, payment, GL posting - all out of
  scope) react to adjudication outcomes through explicit events rather than
  database triggers. The pipeline emits events only after state has
  committed; a denied or pended line emits its event with no money moved.
*/
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	EventClaimAdjudicated    EventType = "ClaimAdjudicated"
	EventAccumulatorsUpdated EventType = "AccumulatorsUpdated"
	EventPaymentApproved     EventType = "PaymentApproved"
	EventClaimPended         EventType = "ClaimPended"
	EventClaimVoided         EventType = "ClaimVoided"
)

type Event struct {
	ID          string
	Type        EventType
	ClaimLineID string
	At          time.Time
	Payload     map[string]any
}

func newEvent(t EventType, claimLineID string, payload map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        t,
		ClaimLineID: claimLineID,
		At:          time.Now().UTC(),
		Payload:     payload,
	}
}

// EventSink receives domain events. Emission happens after commit; sinks
// must not fail the pipeline, so Emit has no error return.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// =============================================================================
// SINKS
// =============================================================================

// MemorySink collects events, for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Emit(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of everything emitted so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType filters collected events.
func (s *MemorySink) ByType(t EventType) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// LogSink writes events to a zerolog logger. Used by the server.
type LogSink struct {
	Logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink { return &LogSink{Logger: logger} }

func (s *LogSink) Emit(_ context.Context, e Event) {
	s.Logger.Info().
		Str("event", string(e.Type)).
		Str("claim_line_id", e.ClaimLineID).
		Fields(e.Payload).
		Msg("domain event")
}

// MultiSink fans out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}
