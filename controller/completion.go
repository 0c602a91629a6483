package controller

import (
	"context"
	"time"
)

// Outcome classifies how a handleEvent call's future resolved (spec
// §4.A, §7 "Failure & Retry Semantics").
type Outcome string

const (
	// OutcomeSuccess means the pipeline ran every stage to completion.
	OutcomeSuccess Outcome = "SUCCESS"
	// OutcomeSubmissionFailed means the event never reached the pending
	// map — failure occurred before or during step 5 of handleEvent.
	OutcomeSubmissionFailed Outcome = "SUBMISSION_FAILED"
	// OutcomePipelineFailed means a pipeline stage (persist/update
	// view/publish) failed after the entry was accepted.
	OutcomePipelineFailed Outcome = "PIPELINE_FAILED"
	// OutcomeOrphaned means the 30-second pending-completions sweep
	// evicted the entry before the pipeline resolved it.
	OutcomeOrphaned Outcome = "ORPHANED"
)

// CompletionInfo is the value a handleEvent future resolves with (spec
// §4.A step 6, §4.D step 6).
type CompletionInfo struct {
	EntityKey   string
	Sequence    uint64
	Outcome     Outcome
	Err         error
	CompletedAt time.Time
}

// Future is the caller-facing handle returned by handleEvent. It
// behaves like a single-value, single-producer channel wrapped for
// cancellation: Wait blocks until either the pipeline resolves the
// event or ctx is cancelled, in which case the pending-completion
// entry is removed and notification is abandoned (spec §7,
// "Cancellation and timeouts" — the pipeline still completes the
// event; cancellation is advisory only).
type Future struct {
	psk string
	ch  chan CompletionInfo

	cancel func()
}

// Wait blocks for the result or ctx's cancellation, whichever comes
// first.
func (f *Future) Wait(ctx context.Context) (CompletionInfo, error) {
	select {
	case info, ok := <-f.ch:
		if !ok {
			return CompletionInfo{}, context.Canceled
		}
		return info, nil
	case <-ctx.Done():
		if f.cancel != nil {
			f.cancel()
		}
		return CompletionInfo{}, ctx.Err()
	}
}

func newFuture(psk string, cancel func()) *Future {
	return &Future{psk: psk, ch: make(chan CompletionInfo, 1), cancel: cancel}
}

func (f *Future) resolve(info CompletionInfo) {
	select {
	case f.ch <- info:
	default:
	}
}
