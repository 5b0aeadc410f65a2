package comms

import "sync"

// dedupRing is a bounded FIFO set of message digests, used to decide
// whether an incoming message has already been seen. Capacity is
// global per corenode process: 100000 entries, evicted oldest-first
// once full.
type dedupRing struct {
	mu       sync.Mutex
	capacity int
	order    []([32]byte)
	index    map[[32]byte]struct{}
	next     int
}

func newDedupRing(capacity int) *dedupRing {
	return &dedupRing{
		capacity: capacity,
		order:    make([]([32]byte), 0, capacity),
		index:    make(map[[32]byte]struct{}, capacity),
	}
}

// SeenOrMark reports whether digest was already recorded; if not, it
// records it and returns false.
func (d *dedupRing) SeenOrMark(digest [32]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[digest]; ok {
		return true
	}

	if len(d.order) < d.capacity {
		d.order = append(d.order, digest)
	} else {
		evict := d.order[d.next]
		delete(d.index, evict)
		d.order[d.next] = digest
		d.next = (d.next + 1) % d.capacity
	}
	d.index[digest] = struct{}{}
	return false
}

// Len reports the number of digests currently tracked.
func (d *dedupRing) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}
