// Package event defines the domain event value object and the partitioned
// sequence key that pins all events for one aggregate to a single owning
// partition.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"eventsaga/messaging"
)

// Event is the immutable domain event value object (spec §3, Domain Event).
//
// It embeds messaging.Message so it can travel unmodified through the
// existing bus/transport stack (eventsaga/messaging, eventsaga/eventing/bus).
type Event struct {
	messaging.Message

	EventVersion int    `json:"event_version"`
	Source       string `json:"source"`
	EntityKey    string `json:"entity_key"`

	Sequence      uint64 `json:"sequence"`
	CorrelationID string `json:"correlation_id,omitempty"`

	SagaID         string `json:"saga_id,omitempty"`
	SagaType       string `json:"saga_type,omitempty"`
	StepNumber     int    `json:"step_number,omitempty"`
	IsCompensating bool   `json:"is_compensating,omitempty"`

	SubmittedAt       time.Time `json:"submitted_at,omitempty"`
	PipelineEntryTime time.Time `json:"pipeline_entry_time,omitempty"`
}

// New creates a domain event with a freshly generated eventID.
func New(eventType, entityKey string, payload map[string]any) *Event {
	return &Event{
		Message: messaging.Message{
			ID:        uuid.NewString(),
			Type:      eventType,
			Timestamp: time.Now(),
			Payload:   payload,
			Metadata:  make(map[string]any),
		},
		EventVersion: 1,
		EntityKey:    entityKey,
	}
}

// EventID is a semantic alias over the embedded message ID.
func (e *Event) EventID() string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return e.ID
}

// PayloadMap returns the payload as a field map, coercing nil to empty.
func (e *Event) PayloadMap() map[string]any {
	if m, ok := e.Payload.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Validate enforces the invariants from spec §3: eventId set (generated
// if empty), entityKey set, eventType set. Sequence is not checked.
func (e *Event) Validate() error {
	if e.EventID() == "" {
		return fmt.Errorf("event: eventId must not be empty")
	}
	if e.EntityKey == "" {
		return fmt.Errorf("event: entityKey must not be empty")
	}
	if e.GetType() == "" {
		return fmt.Errorf("event: eventType must not be empty")
	}
	return nil
}

// PartitionedSequenceKey is the composite key (sequence, entityKey)
// (spec §3). K is constrained to string-like types so the partition hash
// can be computed without reflection; services that only ever use string
// entity keys can use PartitionedSequenceKey[string] directly.
type PartitionedSequenceKey[K ~string] struct {
	Sequence  uint64
	EntityKey K
}

// Key renders the composite key's canonical string form, used as the map
// key inside grid.Map-backed stores.
func (k PartitionedSequenceKey[K]) Key() string {
	return fmt.Sprintf("%s#%020d", string(k.EntityKey), k.Sequence)
}

func (k PartitionedSequenceKey[K]) String() string { return k.Key() }
