// Package lru implements a single bounded-byte LRU partition.
//
// Internally each entry lives in a growable arena; the key-to-entry
// index is a native Go map (the idiomatic equivalent of the hand-rolled
// chained hash table in the original C source) and recency order is
// threaded through the arena with prev/next handles, the same
// arena-plus-handle shape `ecache2.cache[K]` uses for its own
// fixed-capacity ring. Arena slot 0 is a sentinel: dlnk-style, index 0
// never holds a real entry, and head/tail of 0 mean "empty".
package lru

import (
	"errors"
	"strconv"
	"sync"
)

// ErrNotInteger is returned by Incr when the existing value for a key
// cannot be parsed as a signed decimal integer (spec §4.6).
var ErrNotInteger = errors.New("lru: value is not an integer or out of range")

// PutOutcome distinguishes the three ways a Put can end, replacing the
// source's overloaded sentinel return codes (0 / -900) with a named
// result the caller can switch on directly.
type PutOutcome int

const (
	// Inserted means a new key was stored.
	Inserted PutOutcome = iota
	// Replaced means an existing key's value was overwritten in place.
	Replaced
	// Overflow means the new key does not fit without first evicting
	// the tail; nothing was stored and current_bytes is unchanged.
	Overflow
)

// minTableSize and maxTableSize clamp the bucket-count hint computed
// from byte capacity (spec §4.3): next power of two above
// (capacity/1024)/0.75, clamped to [16, 65536].
const (
	minTableSize = 16
	maxTableSize = 65536
)

func bucketHint(byteCapacity int64) int {
	estimatedElements := byteCapacity / 1024
	target := float64(estimatedElements) / 0.75

	size := minTableSize
	for size < int(target) && size < maxTableSize {
		size <<= 1
	}
	return size
}

type handle uint32

const nilHandle handle = 0

type node struct {
	key       string
	value     []byte
	size      int64
	createdAt int64
	prev      handle
	next      handle
}

// Partition is a bounded-byte LRU with O(1) expected get/put/evict.
// All exported methods are safe for concurrent use; one mutex guards
// the entire partition, matching spec §4.3/§5 (partitions are the
// unit of lock granularity, never the whole cache).
type Partition struct {
	mu sync.Mutex

	byteCapacity int64
	currentBytes int64

	arena []node // arena[0] is the sentinel; real entries start at 1
	free  []handle
	index map[string]handle

	head handle // most-recently-used
	tail handle // least-recently-used
}

// New creates a partition with the given byte budget.
func New(byteCapacity int64) *Partition {
	return &Partition{
		byteCapacity: byteCapacity,
		arena:        make([]node, 1, 64), // slot 0 reserved as sentinel
		index:        make(map[string]handle, bucketHint(byteCapacity)),
	}
}

// ByteCapacity returns the partition's fixed byte budget.
func (p *Partition) ByteCapacity() int64 {
	return p.byteCapacity
}

// CurrentBytes returns the number of bytes currently accounted for.
func (p *Partition) CurrentBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentBytes
}

// Len returns the number of live entries.
func (p *Partition) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.index)
}

// Get looks up key, returning a fresh copy of its value and moving it
// to the head of the recency list on a hit.
func (p *Partition) Get(key string) (value []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, found := p.index[key]
	if !found {
		return nil, false
	}
	n := &p.arena[h]
	out := make([]byte, len(n.value))
	copy(out, n.value)
	p.moveToHead(h)
	return out, true
}

// Put inserts or replaces key's value. A replacement never overflows:
// only a brand-new key that would push current_bytes at or past
// capacity reports Overflow, and on Overflow nothing is mutated — the
// caller (the coordinator) is responsible for making room and retrying.
func (p *Partition) Put(key string, value []byte, createdAt int64) PutOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := int64(len(value))

	if h, found := p.index[key]; found {
		n := &p.arena[h]
		delta := size - n.size
		stored := make([]byte, len(value))
		copy(stored, value)
		n.value = stored
		n.size = size
		n.createdAt = createdAt
		p.currentBytes += delta
		p.moveToHead(h)
		return Replaced
	}

	if p.currentBytes+size >= p.byteCapacity {
		return Overflow
	}

	h := p.allocate()
	stored := make([]byte, len(value))
	copy(stored, value)
	n := &p.arena[h]
	n.key = key
	n.value = stored
	n.size = size
	n.createdAt = createdAt
	n.prev = nilHandle
	n.next = nilHandle

	p.index[key] = h
	p.currentBytes += size
	p.linkAtHead(h)
	return Inserted
}

// Contains reports whether key currently resides in this partition,
// without affecting recency order.
func (p *Partition) Contains(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, found := p.index[key]
	return found
}

// Incr atomically reads, parses, increments, and writes back the
// integer value of key (spec §4.6/§9). A key absent from this
// partition is treated as 0, so its first Incr stores "1". The
// returned PutOutcome mirrors Put's: Overflow means a brand-new
// counter entry didn't fit and nothing was stored, leaving the caller
// to make room and retry, exactly as with Put.
func (p *Partition) Incr(key string, now int64) (value int64, outcome PutOutcome, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, found := p.index[key]; found {
		n := &p.arena[h]
		old, parseErr := strconv.ParseInt(string(n.value), 10, 64)
		if parseErr != nil {
			return 0, Replaced, ErrNotInteger
		}
		newVal := old + 1
		newBytes := []byte(strconv.FormatInt(newVal, 10))
		p.currentBytes += int64(len(newBytes)) - n.size
		n.value = newBytes
		n.size = int64(len(newBytes))
		n.createdAt = now
		p.moveToHead(h)
		return newVal, Replaced, nil
	}

	newBytes := []byte("1")
	size := int64(len(newBytes))
	if p.currentBytes+size >= p.byteCapacity {
		return 0, Overflow, nil
	}

	h := p.allocate()
	n := &p.arena[h]
	n.key = key
	n.value = newBytes
	n.size = size
	n.createdAt = now
	n.prev = nilHandle
	n.next = nilHandle

	p.index[key] = h
	p.currentBytes += size
	p.linkAtHead(h)
	return 1, Inserted, nil
}

// Evict removes key if present, releasing its bytes. Returns false if
// the key was absent.
func (p *Partition) Evict(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, found := p.index[key]
	if !found {
		return false
	}
	p.unlinkAndFree(h)
	return true
}

// TailEntry describes the current LRU-tail candidate for spilling.
type TailEntry struct {
	Key       string
	Value     []byte
	Size      int64
	CreatedAt int64
}

// PeekTail returns the current tail entry without perturbing recency
// order. The second return is false if the partition is empty.
func (p *Partition) PeekTail() (TailEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tail == nilHandle {
		return TailEntry{}, false
	}
	n := &p.arena[p.tail]
	value := make([]byte, len(n.value))
	copy(value, n.value)
	return TailEntry{Key: n.key, Value: value, Size: n.size, CreatedAt: n.createdAt}, true
}

// PopTail removes the LRU tail entry, releasing its bytes. Returns
// false if the partition is empty.
func (p *Partition) PopTail() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tail == nilHandle {
		return false
	}
	p.unlinkAndFree(p.tail)
	return true
}

// Walk calls fn for every live entry, head to tail, stopping early if
// fn returns false. Used only by tests and diagnostics; it does not
// perturb recency order.
func (p *Partition) Walk(fn func(key string, value []byte) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for h := p.head; h != nilHandle; h = p.arena[h].next {
		n := &p.arena[h]
		if !fn(n.key, n.value) {
			return
		}
	}
}

func (p *Partition) allocate() handle {
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		return h
	}
	p.arena = append(p.arena, node{})
	return handle(len(p.arena) - 1)
}

func (p *Partition) linkAtHead(h handle) {
	n := &p.arena[h]
	n.prev = nilHandle
	n.next = p.head
	if p.head != nilHandle {
		p.arena[p.head].prev = h
	}
	p.head = h
	if p.tail == nilHandle {
		p.tail = h
	}
}

func (p *Partition) unlink(h handle) {
	n := &p.arena[h]
	if n.prev != nilHandle {
		p.arena[n.prev].next = n.next
	} else {
		p.head = n.next
	}
	if n.next != nilHandle {
		p.arena[n.next].prev = n.prev
	} else {
		p.tail = n.prev
	}
	n.prev, n.next = nilHandle, nilHandle
}

func (p *Partition) moveToHead(h handle) {
	if p.head == h {
		return
	}
	p.unlink(h)
	p.linkAtHead(h)
}

func (p *Partition) unlinkAndFree(h handle) {
	n := &p.arena[h]
	p.currentBytes -= n.size
	delete(p.index, n.key)
	p.unlink(h)
	n.key = ""
	n.value = nil
	n.size = 0
	p.free = append(p.free, h)
}
