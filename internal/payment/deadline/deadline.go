// Package deadline implements the deadline checker (spec §4.9, "C10"): a
// single priority queue of (deadline, category, id) entries, polled by one
// goroutine and fanned out to subscribers as they elapse, grounded on the
// teacher's connection_pool.go keep-alive sweep generalized from a fixed
// tick to an arbitrary next-deadline wakeup.
package deadline

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry is one tracked deadline.
type Entry struct {
	Category string
	ID       string
	Deadline time.Time
}

// Elapsed is emitted to subscribers once an entry's deadline is reached
// (spec §4.9).
type Elapsed struct {
	Category string
	ID       string
	Deadline time.Time
}

type pqItem struct {
	entry Entry
	index int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].entry.Deadline.Before(pq[j].entry.Deadline)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Checker is the deadline-checker actor: a priority queue of pending
// deadlines, a wakeup channel, and a set of subscribers notified as
// deadlines elapse (spec §4.9).
type Checker struct {
	log *logrus.Entry

	mu    sync.Mutex
	pq    priorityQueue
	byKey map[string]*pqItem // key = category + NUL + id

	subMu sync.RWMutex
	subs  []chan Elapsed

	wake chan struct{}
}

func NewChecker() *Checker {
	c := &Checker{
		log:   logrus.WithField("component", "payment.deadline"),
		byKey: make(map[string]*pqItem),
		wake:  make(chan struct{}, 1),
	}
	heap.Init(&c.pq)
	return c
}

func key(category, id string) string { return category + "\x00" + id }

// TrackDeadline schedules (or reschedules) id under category to elapse at
// deadline (spec §4.9).
func (c *Checker) TrackDeadline(category, id string, deadline time.Time) {
	c.mu.Lock()
	k := key(category, id)
	if existing, ok := c.byKey[k]; ok {
		existing.entry.Deadline = deadline
		heap.Fix(&c.pq, existing.index)
	} else {
		item := &pqItem{entry: Entry{Category: category, ID: id, Deadline: deadline}}
		heap.Push(&c.pq, item)
		c.byKey[k] = item
	}
	c.mu.Unlock()
	c.poke()
}

// StopTracking cancels a single tracked deadline.
func (c *Checker) StopTracking(id, category string) {
	c.mu.Lock()
	k := key(category, id)
	if item, ok := c.byKey[k]; ok {
		heap.Remove(&c.pq, item.index)
		delete(c.byKey, k)
	}
	c.mu.Unlock()
}

// StopTrackingCategory cancels every deadline tracked under category (spec
// §4.9, used when an agreement closes).
func (c *Checker) StopTrackingCategory(category string) {
	c.mu.Lock()
	for k, item := range c.byKey {
		if item.entry.Category == category {
			heap.Remove(&c.pq, item.index)
			delete(c.byKey, k)
		}
	}
	c.mu.Unlock()
}

// Subscribe returns a channel fed every Elapsed event; buffer sizes its
// backlog. A full subscriber channel drops events rather than blocking the
// checker (spec §4.9: the checker must never stall on a slow consumer).
func (c *Checker) Subscribe(buffer int) <-chan Elapsed {
	ch := make(chan Elapsed, buffer)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

func (c *Checker) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives the checker until ctx is cancelled, sleeping until the next
// deadline or a wake signal, whichever comes first (spec §4.9).
func (c *Checker) Run(ctx context.Context) {
	for {
		c.mu.Lock()
		var wait time.Duration
		var fire *Entry
		if c.pq.Len() == 0 {
			wait = time.Hour
		} else {
			head := c.pq[0]
			now := time.Now()
			if !head.entry.Deadline.After(now) {
				heap.Pop(&c.pq)
				delete(c.byKey, key(head.entry.Category, head.entry.ID))
				e := head.entry
				fire = &e
			} else {
				wait = head.entry.Deadline.Sub(now)
			}
		}
		c.mu.Unlock()

		if fire != nil {
			c.emit(Elapsed{Category: fire.Category, ID: fire.ID, Deadline: fire.Deadline})
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-c.wake:
			timer.Stop()
		}
	}
}

func (c *Checker) emit(e Elapsed) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, sub := range c.subs {
		select {
		case sub <- e:
		default:
			c.log.WithField("id", e.ID).Debug("deadline subscriber queue full, dropping")
		}
	}
}
