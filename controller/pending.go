package controller

import (
	"sync"
	"time"

	"eventsaga/metrics"
)

// pendingEntry tracks one in-flight handleEvent call awaiting pipeline
// completion.
type pendingEntry struct {
	future    *Future
	entityKey string
	sequence  uint64
	createdAt time.Time
}

// pendingCompletions is the in-memory map keyed by the partitioned
// sequence key's canonical string form (spec §4.A step 4: "pending-
// completion entry ... in an in-memory map with a 30-second sweep
// timeout"). It is in-process by construction — futures cannot survive
// a restart, unlike the durable pending-events map.
type pendingCompletions struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	ttl     time.Duration
	reg     *metrics.Registry
}

func newPendingCompletions(ttl time.Duration, reg *metrics.Registry) *pendingCompletions {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &pendingCompletions{entries: make(map[string]*pendingEntry), ttl: ttl, reg: reg}
}

func (p *pendingCompletions) add(psk, entityKey string, sequence uint64, future *Future) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[psk] = &pendingEntry{future: future, entityKey: entityKey, sequence: sequence, createdAt: time.Now()}
	p.recordGauge()
}

func (p *pendingCompletions) remove(psk string) (*pendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[psk]
	if ok {
		delete(p.entries, psk)
		p.recordGauge()
	}
	return e, ok
}

// sweep evicts entries older than the configured TTL, resolving their
// futures with OutcomeOrphaned and counting them (spec §4.A: "The
// pending-completions sweeper evicts entries older than 30s and counts
// them as orphaned").
func (p *pendingCompletions) sweep(now time.Time) int {
	p.mu.Lock()
	var orphaned []*pendingEntry
	for psk, e := range p.entries {
		if now.Sub(e.createdAt) >= p.ttl {
			orphaned = append(orphaned, e)
			delete(p.entries, psk)
		}
	}
	p.recordGauge()
	p.mu.Unlock()

	for _, e := range orphaned {
		e.future.resolve(CompletionInfo{
			EntityKey:   e.entityKey,
			Sequence:    e.sequence,
			Outcome:     OutcomeOrphaned,
			CompletedAt: now,
		})
		if p.reg != nil {
			p.reg.Counter("completions.orphaned").Inc()
		}
	}
	return len(orphaned)
}

func (p *pendingCompletions) recordGauge() {
	if p.reg != nil {
		p.reg.Gauge("pending.completions").Set(int64(len(p.entries)))
	}
}
