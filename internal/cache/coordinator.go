// Package cache implements the two-tier coordinator: it routes keys to
// partitions and drives the spill/promote protocol between the
// in-memory LRU tier and the on-disk CAS tier.
package cache

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mi0772/podcache/internal/cas"
	"github.com/mi0772/podcache/internal/digest"
	"github.com/mi0772/podcache/internal/lru"
)

// ErrValueTooLarge is returned when a value cannot be made to fit its
// partition even after evicting every other entry in it (spec §4.4
// step 2e / §9 "empty-partition spill").
var ErrValueTooLarge = errors.New("cache: value does not fit in an empty partition")

// Clock abstracts wall-clock time so tests can control entry
// timestamps; a nil Clock passed to New selects the real clock
// (Unix seconds).
type Clock func() int64

// Cache is the coordinator described in spec §4.4: total_capacity
// partitioned across partition_count independent LRU instances, each
// backed by the shared CAS store for overflow.
type Cache struct {
	partitions []*lru.Partition
	cas        *cas.Store
	log        *zap.Logger
	now        Clock
}

// New builds a Cache with totalCapacity bytes split evenly (floor
// division, spec §3) across partitionCount partitions, all sharing cas
// as their spill target.
func New(totalCapacity int64, partitionCount int, casStore *cas.Store, log *zap.Logger, now Clock) *Cache {
	if now == nil {
		now = defaultClock
	}
	perPartition := totalCapacity / int64(partitionCount)
	partitions := make([]*lru.Partition, partitionCount)
	for i := range partitions {
		partitions[i] = lru.New(perPartition)
	}
	return &Cache{partitions: partitions, cas: casStore, log: log, now: now}
}

// PartitionCount returns the number of partitions.
func (c *Cache) PartitionCount() int {
	return len(c.partitions)
}

// PartitionFor returns the partition a key routes to, for diagnostics
// and tests.
func (c *Cache) PartitionFor(key string) int {
	return partitionIndex(key, len(c.partitions))
}

func partitionIndex(key string, partitionCount int) int {
	return int(digest.DJB2(key) % uint32(partitionCount))
}

// Put stores value under key, spilling the coldest entries in the
// target partition to disk as many times as needed to make room.
func (c *Cache) Put(key string, value []byte) error {
	idx := partitionIndex(key, len(c.partitions))
	partition := c.partitions[idx]

	for {
		switch partition.Put(key, value, c.now()) {
		case lru.Inserted, lru.Replaced:
			return nil
		case lru.Overflow:
			tail, ok := partition.PeekTail()
			if !ok {
				// Partition is empty and the value still doesn't fit:
				// no amount of eviction will help.
				return ErrValueTooLarge
			}
			if _, err := c.cas.Put(tail.Key, tail.Value); err != nil {
				return fmt.Errorf("cache: spill %q to disk: %w", tail.Key, err)
			}
			if !partition.PopTail() {
				return fmt.Errorf("cache: tail %q vanished mid-spill", tail.Key)
			}
			c.log.Debug("spilled tail entry to make room",
				zap.Int("partition", idx), zap.String("spilled_key", tail.Key), zap.String("key", key))
			// loop: retry the put, which may overflow again if the
			// partition held many small entries.
		}
	}
}

// Get returns the value for key, promoting it from disk to memory on
// a memory-miss/disk-hit.
func (c *Cache) Get(key string) (value []byte, ok bool, err error) {
	idx := partitionIndex(key, len(c.partitions))
	partition := c.partitions[idx]

	if value, ok := partition.Get(key); ok {
		return value, true, nil
	}

	diskValue, found, err := c.cas.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("cache: disk lookup for %q: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}

	if err := c.promote(idx, key, diskValue); err != nil {
		return nil, false, err
	}
	if _, err := c.cas.Evict(key); err != nil {
		return nil, false, fmt.Errorf("cache: evict promoted disk copy of %q: %w", key, err)
	}

	c.log.Debug("promoted entry from disk to memory", zap.Int("partition", idx), zap.String("key", key))
	return diskValue, true, nil
}

// promote writes value back into the memory tier, applying the same
// overflow/retry protocol Put uses (spec §4.4 step 2).
func (c *Cache) promote(partitionIdx int, key string, value []byte) error {
	partition := c.partitions[partitionIdx]
	for {
		switch partition.Put(key, value, c.now()) {
		case lru.Inserted, lru.Replaced:
			return nil
		case lru.Overflow:
			tail, ok := partition.PeekTail()
			if !ok {
				return ErrValueTooLarge
			}
			if _, err := c.cas.Put(tail.Key, tail.Value); err != nil {
				return fmt.Errorf("cache: spill %q to disk during promotion: %w", tail.Key, err)
			}
			if !partition.PopTail() {
				return fmt.Errorf("cache: tail %q vanished mid-promotion-spill", tail.Key)
			}
		}
	}
}

// Close tears down the cache's disk tier: the CAS store's base_path is
// recursively deleted so spilled data does not survive a clean
// shutdown (spec §3 lifecycle / §5). It is called once, from the
// server's shutdown path, never per-connection.
func (c *Cache) Close() error {
	return c.cas.Destroy()
}

// Evict removes key from whichever tier holds it. ok reports whether
// any copy was removed.
func (c *Cache) Evict(key string) (ok bool, err error) {
	idx := partitionIndex(key, len(c.partitions))
	if c.partitions[idx].Evict(key) {
		return true, nil
	}
	removed, err := c.cas.Evict(key)
	if err != nil {
		return false, fmt.Errorf("cache: evict %q from disk: %w", key, err)
	}
	return removed, nil
}

// Incr parses the existing value of key as a signed decimal integer
// (treating a missing key as 0), increments it, stores the new ASCII
// decimal value back, and returns it. A non-integer existing value is
// reported as an error.
//
// The read-modify-write sequence itself runs under the partition's own
// lock via Partition.Incr, so two concurrent INCRs on a key already
// resident in memory cannot interleave and lose an update (spec §9
// "Open question — INCR atomicity", resolved in favor of atomicity).
// A key that currently lives only on disk is promoted to memory first
// as a separate, non-atomic step — the same race window Get/Put already
// have around promotion, not a new one specific to INCR.
func (c *Cache) Incr(key string) (int64, error) {
	idx := partitionIndex(key, len(c.partitions))
	partition := c.partitions[idx]

	if !partition.Contains(key) {
		diskValue, found, err := c.cas.Get(key)
		if err != nil {
			return 0, fmt.Errorf("cache: disk lookup for %q: %w", key, err)
		}
		if found {
			if err := c.promote(idx, key, diskValue); err != nil {
				return 0, err
			}
			if _, err := c.cas.Evict(key); err != nil {
				return 0, fmt.Errorf("cache: evict promoted disk copy of %q: %w", key, err)
			}
		}
	}

	for {
		val, outcome, err := partition.Incr(key, c.now())
		if err != nil {
			return 0, err
		}
		switch outcome {
		case lru.Inserted, lru.Replaced:
			return val, nil
		case lru.Overflow:
			tail, ok := partition.PeekTail()
			if !ok {
				return 0, ErrValueTooLarge
			}
			if _, err := c.cas.Put(tail.Key, tail.Value); err != nil {
				return 0, fmt.Errorf("cache: spill %q to disk during incr: %w", tail.Key, err)
			}
			if !partition.PopTail() {
				return 0, fmt.Errorf("cache: tail %q vanished mid-incr-spill", tail.Key)
			}
		}
	}
}

func defaultClock() int64 {
	return nowUnix()
}
