package sink

import (
	"sync"

	"github.com/chengwei-dev/r-enhanced-viewer/table"
)

// snapshotQueue is a thread-safe circular buffer of snapshots with
// drop-oldest overflow. A stale table preview is worthless once a newer
// one exists, so under pressure the oldest queued snapshot makes room.
type snapshotQueue struct {
	mu       sync.Mutex
	items    []*table.Snapshot
	capacity int
	size     int
	head     int // Points to the next write position
	tail     int // Points to the next read position
}

func newSnapshotQueue(capacity int) *snapshotQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &snapshotQueue{
		items:    make([]*table.Snapshot, capacity),
		capacity: capacity,
	}
}

// Push appends a snapshot, returning the snapshot that was dropped to
// make room, or nil when there was space.
func (q *snapshotQueue) Push(s *table.Snapshot) *table.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped *table.Snapshot
	if q.size == q.capacity {
		dropped = q.items[q.tail]
		q.tail = (q.tail + 1) % q.capacity
		q.size--
	}

	q.items[q.head] = s
	q.head = (q.head + 1) % q.capacity
	q.size++
	return dropped
}

// Pop removes and returns the oldest snapshot.
func (q *snapshotQueue) Pop() (*table.Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, false
	}
	s := q.items[q.tail]
	q.items[q.tail] = nil
	q.tail = (q.tail + 1) % q.capacity
	q.size--
	return s, true
}

// Len returns the number of queued snapshots.
func (q *snapshotQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
