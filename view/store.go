// Package view implements the materialized view store (spec §4.C): the
// current-state record for one aggregate, mutated only through an atomic
// per-key processor so concurrent updates to the same key never race.
package view

import (
	"context"
	"fmt"
	"time"

	"eventsaga/event"
	"eventsaga/grid"
	"eventsaga/logging"
)

// Store fronts a grid.Map[*event.Record]. Backup reads (stale, cached)
// are allowed for plain reads; the only mutation path is Update, which
// runs entirely inside the grid's atomic per-key processor.
type Store struct {
	maps   grid.Map[*event.Record]
	logger logging.ILogger
}

// NewStore wires a view store over the given grid map.
func NewStore(maps grid.Map[*event.Record], logger logging.ILogger) *Store {
	if logger == nil {
		logger = logging.ComponentLogger("view.store")
	}
	return &Store{maps: maps, logger: logger}
}

// Get performs a direct (non-atomic) read — acceptable per spec §4.C
// ("backup reads are allowed for read operations").
func (s *Store) Get(ctx context.Context, entityKey string) (*event.Record, bool, error) {
	return s.maps.Get(ctx, entityKey)
}

// Update reads the current record (nil if absent), applies sub's update
// function, and writes the result back — all inside the grid's single
// atomic operation for entityKey. It is the only legal path that
// mutates a view record.
func (s *Store) Update(ctx context.Context, entityKey string, sequence uint64, sub event.Submission) (*event.Record, error) {
	result, err := s.maps.Update(ctx, entityKey, func(current *event.Record, ok bool) (*event.Record, error) {
		var cur *event.Record
		if ok {
			cur = current
		}
		next, err := sub.Apply(cur)
		if err != nil {
			return nil, fmt.Errorf("view: apply event to %s: %w", entityKey, err)
		}
		if next == nil {
			next = event.NewRecord(entityKey)
		}
		next.EntityKey = entityKey
		if sequence > next.Version {
			next.Version = sequence
		}
		next.UpdatedAt = time.Now()
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubmissionFactory turns a persisted event back into the Submission the
// view updater's Apply function expects — used by Rebuild, which only
// has access to the raw event log, not the original in-flight
// Submission value.
type SubmissionFactory func(e *event.Event) (event.Submission, error)

// Rebuild discards the current record for entityKey and replays events
// (already ordered by ascending sequence by the caller — normally
// eventing/store.Store.GetForKey) through the same Apply function used
// by Update, then writes the rebuilt record back atomically.
func (s *Store) Rebuild(ctx context.Context, entityKey string, events []*event.Event, toSubmission SubmissionFactory) (*event.Record, error) {
	var rec *event.Record
	var lastSeq uint64
	for _, e := range events {
		sub, err := toSubmission(e)
		if err != nil {
			return nil, fmt.Errorf("view: rebuild %s: decode event %s: %w", entityKey, e.EventID(), err)
		}
		rec, err = sub.Apply(rec)
		if err != nil {
			return nil, fmt.Errorf("view: rebuild %s: apply event %s: %w", entityKey, e.EventID(), err)
		}
		if e.Sequence > lastSeq {
			lastSeq = e.Sequence
		}
	}
	if rec == nil {
		rec = event.NewRecord(entityKey)
	}
	rec.EntityKey = entityKey
	rec.Version = lastSeq
	rec.UpdatedAt = time.Now()

	if err := s.maps.Put(ctx, entityKey, rec); err != nil {
		return nil, fmt.Errorf("view: rebuild %s: write back: %w", entityKey, err)
	}
	s.logger.Info(ctx, "view rebuilt", logging.String("entity_key", entityKey), logging.Int("events_replayed", len(events)))
	return rec, nil
}

// Delete removes entityKey's record entirely, for flows that cancel an
// aggregate outright (e.g. order cancellation).
func (s *Store) Delete(ctx context.Context, entityKey string) error {
	return s.maps.Delete(ctx, entityKey)
}
