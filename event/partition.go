package event

import "github.com/cespare/xxhash/v2"

// PartitionHash implements the partitioning contract: the hash of
// entityKey alone (never the full composite key) selects the partition,
// so every event for one aggregate co-locates on the same partition
// regardless of its sequence number.
func (k PartitionedSequenceKey[K]) PartitionHash() uint64 {
	return xxhash.Sum64String(string(k.EntityKey))
}

// Partition maps the entity key's hash onto one of n partitions.
func (k PartitionedSequenceKey[K]) Partition(n int) int {
	if n <= 0 {
		return 0
	}
	return int(k.PartitionHash() % uint64(n))
}

// PartitionOf is the free-function form, usable when only the entity key
// (not a full PartitionedSequenceKey) is in hand — e.g. to route a
// pipeline entry to its owning worker before a sequence has been read.
func PartitionOf(entityKey string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(entityKey) % uint64(n))
}
