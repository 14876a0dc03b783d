package relay

import "sync"

// queue is an unbounded FIFO of chunks between the reader and the
// dispatcher. Push never blocks; Pop blocks until a chunk is available or
// the queue is closed and drained.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Chunk
	head   int
	closed bool

	peak int
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends c. Pushing to a closed queue drops c.
func (q *queue) push(c Chunk) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, c)
	if n := len(q.items) - q.head; n > q.peak {
		q.peak = n
	}
	q.mu.Unlock()
	q.cond.Signal()
}

// pop removes the oldest chunk. ok is false once the queue is closed and empty.
func (q *queue) pop() (c Chunk, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == len(q.items) && !q.closed {
		q.cond.Wait()
	}
	if q.head == len(q.items) {
		return nil, false
	}
	c = q.items[q.head]
	q.items[q.head] = nil
	q.head++
	// Compact once the consumed prefix dominates the backing array.
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return c, true
}

// close wakes the consumer; remaining chunks are still delivered.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *queue) highWater() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peak
}
