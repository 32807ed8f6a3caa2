package notify

import (
	"sync"
	"time"
)

// Event is delivered to subscribers. KeepAlive events carry no payload.
type Event struct {
	Seq       uint64         `json:"seq,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	KeepAlive bool           `json:"keep_alive,omitempty"`
	// Skipped counts payloads this subscriber missed because they were dropped before delivery.
	Skipped int       `json:"skipped,omitempty"`
	At      time.Time `json:"at"`
}

type entry struct {
	seq     uint64
	payload map[string]any
	at      time.Time
}

type subscriber struct {
	cursor uint64
}

// Queue is the bounded per-decision log. Payloads stay pending until every registered
// subscriber has received them; with no subscribers they wait for the next one.
type Queue struct {
	mu         sync.Mutex
	entries    []entry
	nextSeq    uint64
	subs       map[*subscriber]struct{}
	wake       chan struct{}
	done       chan struct{}
	closed     bool
	dropped    int
	terminalAt time.Time
}

func newQueue() *Queue {
	return &Queue{
		nextSeq: 1,
		subs:    map[*subscriber]struct{}{},
		wake:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// push appends a payload. Unexported methods expect q.mu to be held.
func (q *Queue) push(payload map[string]any, capacity int, policy OverflowPolicy, now time.Time) (dropped bool, err error) {
	if len(q.entries) >= capacity {
		if policy == OverflowReject {
			return false, errRejected
		}
		q.entries = q.entries[1:]
		q.dropped++
		dropped = true
	}
	q.entries = append(q.entries, entry{seq: q.nextSeq, payload: payload, at: now})
	q.nextSeq++
	close(q.wake)
	q.wake = make(chan struct{})
	return dropped, nil
}

// peek returns the first entry at or after the subscriber's cursor.
func (q *Queue) peek(s *subscriber) (entry, bool) {
	for _, e := range q.entries {
		if e.seq >= s.cursor {
			return e, true
		}
	}
	return entry{}, false
}

// start is the first sequence a subscriber resuming after afterSeq should receive. A resume
// point past the log belongs to an earlier incarnation of the queue (restart or eviction);
// such subscribers start from the oldest retained entry.
func (q *Queue) start(afterSeq uint64) uint64 {
	first := q.nextSeq
	if len(q.entries) > 0 {
		first = q.entries[0].seq
	}
	if afterSeq > 0 && afterSeq < q.nextSeq && afterSeq+1 > first {
		return afterSeq + 1
	}
	return first
}

func (q *Queue) register(afterSeq uint64) *subscriber {
	s := &subscriber{cursor: q.start(afterSeq)}
	q.subs[s] = struct{}{}
	return s
}

// pending counts the retained entries a subscriber resuming after afterSeq would receive.
func (q *Queue) pending(afterSeq uint64) int {
	from := q.start(afterSeq)
	n := 0
	for _, e := range q.entries {
		if e.seq >= from {
			n++
		}
	}
	return n
}

func (q *Queue) unregister(s *subscriber) {
	delete(q.subs, s)
}

// trim drops entries every registered subscriber has already received.
func (q *Queue) trim() {
	if len(q.subs) == 0 {
		return
	}
	min := q.nextSeq
	for s := range q.subs {
		if s.cursor < min {
			min = s.cursor
		}
	}
	i := 0
	for i < len(q.entries) && q.entries[i].seq < min {
		i++
	}
	if i > 0 {
		q.entries = append([]entry(nil), q.entries[i:]...)
	}
}

func (q *Queue) close() {
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of pending payloads.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
