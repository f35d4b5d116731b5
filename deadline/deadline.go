// Package deadline maintains a set of keyed deadlines driven by a single
// timer. Deadlines can be rescheduled or cancelled by key. When the earliest
// deadline passes the owner is woken and collects every passed deadline with
// PopExpired, so expiry is always processed on the owner's terms.
package deadline

import (
	"container/heap"
	"sync"
	"time"
)

// WakeFunc is called, without any lock held, when at least one deadline has
// passed. The timer is not re-armed for passed deadlines until PopExpired is
// called.
type WakeFunc func()

// Item is a single scheduled deadline
type Item struct {
	Key   string
	At    time.Time
	Value interface{}

	index int
}

type items []*Item

func (h items) Len() int           { return len(h) }
func (h items) Less(i, j int) bool { return h[i].At.Before(h[j].At) }
func (h items) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *items) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *items) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is a deadline ordered queue
type Queue struct {
	lock    sync.Mutex
	heap    items
	byKey   map[string]*Item
	timer   *time.Timer
	wake    WakeFunc
	woken   bool
	stopped bool
}

// New creates a queue that calls `wake` as deadlines pass
func New(wake WakeFunc) *Queue {
	return &Queue{
		byKey: make(map[string]*Item),
		wake:  wake,
	}
}

// Schedule sets the deadline for the given key, replacing any deadline
// already scheduled for that key
func (q *Queue) Schedule(key string, at time.Time, value interface{}) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if item, ok := q.byKey[key]; ok {
		item.At = at
		item.Value = value
		heap.Fix(&q.heap, item.index)
	} else {
		item = &Item{Key: key, At: at, Value: value}
		heap.Push(&q.heap, item)
		q.byKey[key] = item
	}
	q.arm()
}

// Cancel removes the deadline for the given key, returning false if none
// was scheduled
func (q *Queue) Cancel(key string) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	item, ok := q.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byKey, key)
	q.arm()
	return true
}

// Next returns the earliest scheduled deadline
func (q *Queue) Next() (time.Time, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].At, true
}

// Len returns the number of scheduled deadlines
func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.heap)
}

// PopExpired removes and returns, in deadline order, all items whose
// deadline is not after `now`
func (q *Queue) PopExpired(now time.Time) []Item {
	q.lock.Lock()
	defer q.lock.Unlock()
	expired := q.popExpired(now)
	q.woken = false
	q.arm()
	return expired
}

// Stop releases the timer, the owner is not woken again
func (q *Queue) Stop() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) popExpired(now time.Time) []Item {
	var expired []Item
	for len(q.heap) > 0 && !q.heap[0].At.After(now) {
		item := heap.Pop(&q.heap).(*Item)
		delete(q.byKey, item.Key)
		expired = append(expired, *item)
	}
	return expired
}

// arm sets the single timer to the earliest deadline. Must be called with the
// lock held.
func (q *Queue) arm() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if q.stopped || len(q.heap) == 0 {
		return
	}
	wait := time.Until(q.heap[0].At)
	if wait <= 0 {
		if q.woken {
			// owner already told, waiting on PopExpired
			return
		}
		wait = 0
	}
	q.timer = time.AfterFunc(wait, q.fire)
}

func (q *Queue) fire() {
	q.lock.Lock()
	if q.stopped || len(q.heap) == 0 || q.heap[0].At.After(time.Now()) {
		q.arm()
		q.lock.Unlock()
		return
	}
	q.woken = true
	q.timer = nil
	wake := q.wake
	q.lock.Unlock()

	if wake != nil {
		wake()
	}
}
