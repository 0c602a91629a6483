package event

import (
	"maps"
	"time"
)

// Record is the schemaless, field-addressable current-state representation
// of one aggregate (spec §3, Domain Object / View Record). It is mutated
// only by the view updater's atomic per-key processor (view.Store.Update).
type Record struct {
	EntityKey string         `json:"entity_key"`
	Fields    map[string]any `json:"fields"`
	Version   uint64         `json:"version"` // sequence of the last event applied
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewRecord returns an empty record for entityKey.
func NewRecord(entityKey string) *Record {
	return &Record{EntityKey: entityKey, Fields: make(map[string]any)}
}

// Get reads a field, the zero value/false if absent.
func (r *Record) Get(field string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[field]
	return v, ok
}

// Set writes a field in place.
func (r *Record) Set(field string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[field] = value
}

// Clone returns a deep-enough copy for safe handoff across goroutines;
// field values are shared by reference (the payload contract assumes they
// are treated as immutable once set).
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		EntityKey: r.EntityKey,
		Fields:    maps.Clone(r.Fields),
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}

// Submission is the minimum contract a collaborator must meet to hand a
// domain event to the controller (spec §6, Controller inputs). Apply is
// the update function the view updater runs inside its atomic per-key
// processor: given the current record (nil if the aggregate is new), it
// returns the new record.
type Submission interface {
	EventType() string
	EntityKey() string
	Payload() (map[string]any, error)
	Apply(current *Record) (*Record, error)
}
