package saga

import (
	"context"
	"fmt"
	"time"

	"eventsaga/grid"
)

// Store is the saga state store (spec §4.K): a shared grid map keyed
// by sagaId, with predicate queries for status/correlation/deadline.
// Every mutation goes through the grid map's atomic per-key processor
// (grid.Map.Update), matching the spec's "mutations are done via
// per-key atomic processors" — two orchestrator executors or an
// orchestrator and the timeout detector racing to finalize the same
// saga never corrupt each other's write.
type Store struct {
	m grid.Map[*State]
}

// NewStore wires a saga state store over m — typically a
// grid.RedisMap[*State] in production, grid.LocalMap[*State] in tests
// (the same pairing as grid.RedisMap/LocalMap everywhere else in this
// codebase).
func NewStore(m grid.Map[*State]) *Store {
	return &Store{m: m}
}

// Load returns sagaId's current state, or ErrSagaNotFound.
func (s *Store) Load(ctx context.Context, sagaID string) (*State, error) {
	state, ok, err := s.m.Get(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("saga: load %s: %w", sagaID, err)
	}
	if !ok {
		return nil, ErrSagaNotFound
	}
	return state, nil
}

// Save writes the initial record for a new saga instance.
func (s *Store) Save(ctx context.Context, state *State) error {
	if state == nil || state.SagaID == "" {
		return ErrSagaInvalidState
	}
	if err := s.m.Put(ctx, state.SagaID, state); err != nil {
		return fmt.Errorf("saga: save %s: %w", state.SagaID, err)
	}
	return nil
}

// UpdateOrAddStep applies step to sagaId's step list and advances
// CurrentStep/Status under the map's atomic processor (spec §4.K:
// "updateOrAddStep(sagaId, step) appends if new, else overwrites by
// stepNumber").
func (s *Store) UpdateOrAddStep(ctx context.Context, sagaID string, step StepState, status Status) (*State, error) {
	next, err := s.m.Update(ctx, sagaID, func(current *State, ok bool) (*State, error) {
		if !ok {
			return nil, ErrSagaNotFound
		}
		clone := current.Clone()
		clone.UpsertStep(step)
		if !clone.Status.IsTerminal() {
			clone.Status = status
			if step.StepNumber+1 > clone.CurrentStep {
				clone.CurrentStep = step.StepNumber + 1
			}
		}
		return clone, nil
	})
	if err != nil {
		return nil, fmt.Errorf("saga: update step %s: %w", sagaID, err)
	}
	return next, nil
}

// CompleteSaga idempotently transitions sagaId into a terminal status
// (spec §4.K: "succeeds only if current status is non-terminal; if
// already terminal it returns the existing state unchanged"). The
// second return value is true only when this call performed the
// transition — callers like the timeout detector use that to decide
// whether to launch compensation.
func (s *Store) CompleteSaga(ctx context.Context, sagaID string, terminal Status) (*State, bool, error) {
	var transitioned bool
	next, err := s.m.Update(ctx, sagaID, func(current *State, ok bool) (*State, error) {
		if !ok {
			return nil, ErrSagaNotFound
		}
		clone := current.Clone()
		transitioned = clone.transitionToTerminal(terminal)
		return clone, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("saga: complete %s: %w", sagaID, err)
	}
	return next, transitioned, nil
}

// scanner returns s.m as a grid.Query, when the backing map supports
// predicate scans — LocalMap and RedisMap do; WriteBehindMap does not.
func (s *Store) scanner() (grid.Query[*State], bool) {
	q, ok := s.m.(grid.Query[*State])
	return q, ok
}

// GetByStatus returns up to limit sagas currently in status.
func (s *Store) GetByStatus(ctx context.Context, status Status, limit int) ([]*State, error) {
	q, ok := s.scanner()
	if !ok {
		return nil, fmt.Errorf("saga: store does not support predicate queries")
	}
	return q.Scan(ctx, "", func(st *State) bool { return st.Status == status }, limit)
}

// GetByCorrelationID returns every saga sharing correlationID.
func (s *Store) GetByCorrelationID(ctx context.Context, correlationID string) ([]*State, error) {
	q, ok := s.scanner()
	if !ok {
		return nil, fmt.Errorf("saga: store does not support predicate queries")
	}
	return q.Scan(ctx, "", func(st *State) bool { return st.CorrelationID == correlationID }, 0)
}

// FindTimedOut returns up to limit sagas whose deadline has passed and
// are still in a non-terminal, in-flight status (spec §4.K:
// "status ∈ {STARTED, IN_PROGRESS, COMPENSATING} AND deadline < now").
func (s *Store) FindTimedOut(ctx context.Context, now time.Time, limit int) ([]*State, error) {
	q, ok := s.scanner()
	if !ok {
		return nil, fmt.Errorf("saga: store does not support predicate queries")
	}
	return q.Scan(ctx, "", func(st *State) bool {
		switch st.Status {
		case StatusStarted, StatusInProgress, StatusCompensating:
			return st.Deadline.Before(now)
		default:
			return false
		}
	}, limit)
}
