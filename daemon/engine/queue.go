package engine

import "sync"

// queue is an unbounded FIFO mailbox for one worker. Intake
// backpressure is the bus handler budget, not a queue cap, so push
// never blocks.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*submission
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends sub and reports whether the queue was still open.
func (q *queue) push(sub *submission) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, sub)
	q.cond.Signal()
	return true
}

// pop blocks until an item is available or the queue is closed and
// drained.
func (q *queue) pop() (*submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	sub := q.items[0]
	q.items = q.items[1:]
	return sub, true
}

// close stops intake; queued items still drain.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
