package negotiation

import (
	"context"
	"sync"
	"time"
)

// EventKind distinguishes a rejection from any other negotiation event, so
// query_events can surface rejections first (spec §4.6.5: "rejection
// events must not be starved by proposal events").
type EventKind int

const (
	EventProposal EventKind = iota
	EventRejection
	EventAgreement
)

// NegotiationEvent is one durable entry under a notifier topic. Seq is
// monotonically increasing per key and is what lets a subscriber resume a
// query_events poll without re-observing events it already saw.
type NegotiationEvent struct {
	Seq       int64
	Kind      EventKind
	SubjectID string
	Reason    string
	Payload   any
	At        time.Time
}

// Notifier is a bounded, in-memory, per-key event log with timeout-aware
// waiters, the Go shape of spec §4.6.5's three notifier topics
// (negotiation_notifier, session_notifier, agreement_notifier).
type Notifier struct {
	mu      sync.Mutex
	events  map[string][]NegotiationEvent
	waiters map[string][]chan struct{}
	seq     map[string]int64
	maxLog  int
}

// NewNotifier creates a Notifier retaining at most maxLog events per key
// (oldest dropped first). Events are kept only in memory: they are not
// written to internal/store, so dropped events and the whole log are lost
// for good, including on restart.
func NewNotifier(maxLog int) *Notifier {
	return &Notifier{
		events:  make(map[string][]NegotiationEvent),
		waiters: make(map[string][]chan struct{}),
		seq:     make(map[string]int64),
		maxLog:  maxLog,
	}
}

// Push appends ev under key, stamping it with the next sequence number for
// that key, and wakes any waiters blocked on that key.
func (n *Notifier) Push(key string, ev NegotiationEvent) {
	n.mu.Lock()
	n.seq[key]++
	ev.Seq = n.seq[key]
	n.events[key] = append(n.events[key], ev)
	if n.maxLog > 0 && len(n.events[key]) > n.maxLog {
		n.events[key] = n.events[key][len(n.events[key])-n.maxLog:]
	}
	waiters := n.waiters[key]
	n.waiters[key] = nil
	n.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// QueryEvents waits up to timeout for at least one event with Seq >
// afterSeq on key, then returns up to maxEvents of them (rejections ordered
// before other kinds within the batch, per spec §4.6.5) plus the cursor the
// caller should pass as afterSeq on its next call. Passing afterSeq=0
// replays the full retained log for key. If matching events are already
// present, it returns immediately without waiting.
func (n *Notifier) QueryEvents(ctx context.Context, key string, afterSeq int64, timeout time.Duration, maxEvents int) (events []NegotiationEvent, nextSeq int64, err error) {
	n.mu.Lock()
	if !hasNewer(n.events[key], afterSeq) {
		wake := make(chan struct{})
		n.waiters[key] = append(n.waiters[key], wake)
		n.mu.Unlock()

		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, afterSeq, ctx.Err()
		case <-timer.C:
			// Timeout: fall through and return whatever (possibly nothing) has
			// accumulated since.
		case <-wake:
		}
		n.mu.Lock()
	}
	defer n.mu.Unlock()

	pending := make([]NegotiationEvent, 0, len(n.events[key]))
	for _, e := range n.events[key] {
		if e.Seq > afterSeq {
			pending = append(pending, e)
		}
	}
	if maxEvents > 0 && len(pending) > maxEvents {
		pending = pending[:maxEvents]
	}
	sortRejectionsFirst(pending)

	cursor := afterSeq
	for _, e := range pending {
		if e.Seq > cursor {
			cursor = e.Seq
		}
	}
	return pending, cursor, nil
}

// hasNewer reports whether any event in events carries a Seq greater than
// afterSeq.
func hasNewer(events []NegotiationEvent, afterSeq int64) bool {
	for _, e := range events {
		if e.Seq > afterSeq {
			return true
		}
	}
	return false
}

// sortRejectionsFirst stable-partitions rejections ahead of other kinds
// while preserving relative insertion order within each partition.
func sortRejectionsFirst(events []NegotiationEvent) {
	out := make([]NegotiationEvent, 0, len(events))
	for _, e := range events {
		if e.Kind == EventRejection {
			out = append(out, e)
		}
	}
	for _, e := range events {
		if e.Kind != EventRejection {
			out = append(out, e)
		}
	}
	copy(events, out)
}
