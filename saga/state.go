// Package saga implements the distributed saga engine (spec §4.K,
// §4.M): durable saga state shared across services via a grid map, and
// an orchestrator that drives a SagaDefinition as a state machine.
// Choreography listeners live in the sibling saga/choreography
// package; the timeout sweeper lives in timeout.go.
package saga

import (
	"time"
)

// Status is a saga instance's lifecycle state (spec §3, Saga State).
// COMPLETED, COMPENSATED, FAILED, and TIMED_OUT are terminal and sticky
// — no further transition is permitted out of them.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// IsTerminal reports whether s is one of the sticky terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// StepStatus is one step record's lifecycle state.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepSkipped     StepStatus = "SKIPPED"
	StepCompensated StepStatus = "COMPENSATED"
)

// StepState is one step's recorded outcome inside a saga instance
// (spec §3, Saga State: "steps[]").
type StepState struct {
	StepNumber    int        `json:"step_number"`
	StepName      string     `json:"step_name"`
	Service       string     `json:"service"`
	EventType     string     `json:"event_type"`
	Status        StepStatus `json:"status"`
	Timestamp     time.Time  `json:"timestamp"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// State is one saga instance's durable record (spec §3, Saga State).
type State struct {
	SagaID        string      `json:"saga_id"`
	SagaType      string      `json:"saga_type"`
	Status        Status      `json:"status"`
	StartedAt     time.Time   `json:"started_at"`
	CompletedAt   time.Time   `json:"completed_at,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	CurrentStep   int         `json:"current_step"`
	TotalSteps    int         `json:"total_steps"`
	Deadline      time.Time   `json:"deadline"`
	Steps         []StepState `json:"steps"`
}

// NewState builds a fresh STARTED saga instance.
func NewState(sagaID, sagaType, correlationID string, totalSteps int, deadline time.Time) *State {
	return &State{
		SagaID:        sagaID,
		SagaType:      sagaType,
		Status:        StatusStarted,
		StartedAt:     time.Now(),
		CorrelationID: correlationID,
		TotalSteps:    totalSteps,
		Deadline:      deadline,
		Steps:         make([]StepState, 0, totalSteps),
	}
}

// Clone returns a deep-enough copy safe to hand across goroutines —
// the same contract as event.Record.Clone.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Steps = make([]StepState, len(s.Steps))
	copy(out.Steps, s.Steps)
	return &out
}

// UpsertStep appends step if StepNumber is new, otherwise overwrites
// the existing entry in place (spec §4.K: "updateOrAddStep ... appends
// if new, else overwrites by stepNumber").
func (s *State) UpsertStep(step StepState) {
	for i := range s.Steps {
		if s.Steps[i].StepNumber == step.StepNumber {
			s.Steps[i] = step
			return
		}
	}
	s.Steps = append(s.Steps, step)
}

// transitionToTerminal moves s into a terminal status if and only if it
// is not already terminal (spec §4.K: completeSaga is idempotent —
// "succeeds only if current status is non-terminal"). It returns false
// when s was already terminal, signaling the caller that nothing
// changed.
func (s *State) transitionToTerminal(status Status) bool {
	if s.Status.IsTerminal() {
		return false
	}
	s.Status = status
	s.CompletedAt = time.Now()
	return true
}
