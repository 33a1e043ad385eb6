// README: Background writer for the location mirror; keeps network calls off the submit path.
package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trackline/internal/types"
)

// mirrorOp is the newest pending write for one order. A nil sample clears it.
type mirrorOp struct {
	sample *Sample
}

// mirrorQueue feeds a Mirror from one goroutine. Only the latest op per order
// is kept, so a slow mirror sees fewer writes instead of holding up drivers.
type mirrorQueue struct {
	m       Mirror
	timeout time.Duration

	mu      sync.Mutex
	pending map[types.ID]mirrorOp
	fifo    []types.ID
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newMirrorQueue(m Mirror, timeout time.Duration) *mirrorQueue {
	q := &mirrorQueue{
		m:       m,
		timeout: timeout,
		pending: make(map[types.ID]mirrorOp),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *mirrorQueue) set(s Sample) {
	q.put(s.OrderID, mirrorOp{sample: &s})
}

func (q *mirrorQueue) clear(orderID types.ID) {
	q.put(orderID, mirrorOp{})
}

func (q *mirrorQueue) put(orderID types.ID, op mirrorOp) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if _, ok := q.pending[orderID]; !ok {
		q.fifo = append(q.fifo, orderID)
	}
	q.pending[orderID] = op
	q.mu.Unlock()
	q.signal()
}

func (q *mirrorQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *mirrorQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.fifo) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		orderID := q.fifo[0]
		q.fifo = q.fifo[1:]
		op := q.pending[orderID]
		delete(q.pending, orderID)
		q.mu.Unlock()

		q.apply(orderID, op)
	}
}

func (q *mirrorQueue) apply(orderID types.ID, op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	if op.sample == nil {
		if err := q.m.Clear(ctx, orderID); err != nil {
			slog.Warn("location: clear mirror", "order_id", orderID, "error", err)
		}
		return
	}
	if err := q.m.Mirror(ctx, *op.sample); err != nil {
		slog.Warn("location: mirror sample", "order_id", orderID, "error", err)
	}
}

// close stops accepting writes and returns once the pending ones are done.
func (q *mirrorQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	<-q.done
}
