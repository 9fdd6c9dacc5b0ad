package call

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO of closures. push never blocks, so pion and
// signaling callbacks can feed the machine from any goroutine, including
// the machine's own.
type queue struct {
	mx     sync.Mutex
	items  []func()
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(fn func()) {
	q.mx.Lock()
	q.items = append(q.items, fn)
	q.mx.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []func() {
	q.mx.Lock()
	defer q.mx.Unlock()
	items := q.items
	q.items = nil
	return items
}

// run executes queued closures in order until ctx is done. With flush set
// closures queued before ctx was done still run.
func (q *queue) run(ctx context.Context, flush bool) {
	for {
		select {
		case <-ctx.Done():
			if flush {
				for _, fn := range q.drain() {
					fn()
				}
			}
			return
		case <-q.signal:
			for _, fn := range q.drain() {
				fn()
			}
		}
	}
}
