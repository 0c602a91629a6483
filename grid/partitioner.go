package grid

import (
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// Partitioner resolves which node (or, within a single process, which
// pipeline worker) owns a given entity key. It realizes "partition
// ownership co-locates all events for one aggregate" (spec §3, §5) using
// rendezvous (highest random weight) hashing, so adding or removing a
// node only reshuffles the keys that hashed to it — not the whole
// keyspace, unlike naive modulo sharding.
type Partitioner struct {
	rv *rendezvous.Rendezvous
}

// NewPartitioner builds a partitioner over the given node (or worker)
// names.
func NewPartitioner(nodes []string) *Partitioner {
	return &Partitioner{rv: rendezvous.New(nodes, hashSeed)}
}

func hashSeed(s string, seed uint64) uint64 {
	return xxhash.Sum64String(s) ^ seed
}

// Owner returns the node/worker name that owns entityKey.
func (p *Partitioner) Owner(entityKey string) string {
	return p.rv.Lookup(entityKey)
}
