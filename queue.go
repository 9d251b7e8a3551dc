package tether

import (
	"context"
	"sync"
)

// ============================================================================
// Offline Send Queue
// ============================================================================

// SendQueue is a FIFO of not-yet-delivered outbound contents for one
// conversation. A content string is never queued and in-flight at the same
// time, and is never sent twice concurrently.
//
// De-duplication matches on exact content. That conflates "same text sent
// twice on purpose" with "accidental duplicate"; kept because it is the
// observed behavior of the protocol this client tracks. See DESIGN.md.
type SendQueue struct {
	mu       sync.Mutex
	items    []string
	inflight map[string]struct{}
	draining bool
}

// NewSendQueue creates an empty queue.
func NewSendQueue() *SendQueue {
	return &SendQueue{inflight: make(map[string]struct{})}
}

// Enqueue appends content unless it is already queued or in-flight.
// Reports whether the content was accepted.
func (q *SendQueue) Enqueue(content string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, busy := q.inflight[content]; busy {
		return false
	}
	for _, it := range q.items {
		if it == content {
			return false
		}
	}
	q.items = append(q.items, content)
	return true
}

// Len returns the number of queued (not in-flight) items.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot of the queued contents in submission order.
func (q *SendQueue) Items() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.items...)
}

// Drain delivers queued items strictly in order via send. On the first
// failure the failed item is re-queued at the front and draining stops, so
// order is preserved for the next drain. Concurrent drains are collapsed:
// a second caller returns immediately.
func (q *SendQueue) Drain(ctx context.Context, send func(ctx context.Context, content string) error) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.items[0]
		q.items = q.items[1:]
		q.inflight[head] = struct{}{}
		q.mu.Unlock()

		err := send(ctx, head)

		q.mu.Lock()
		delete(q.inflight, head)
		if err != nil {
			// Back to the front so the next drain retries it first.
			q.items = append([]string{head}, q.items...)
			q.mu.Unlock()
			return err
		}
		q.mu.Unlock()
	}
}
