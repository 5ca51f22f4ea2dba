package edgeevents

import "sync"

// callbackQueue runs application callbacks one at a time on its own
// goroutine so that handlers may call back into the connection.
type callbackQueue struct {
	mu      sync.Mutex
	items   []func()
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
}

func newCallbackQueue() *callbackQueue {
	q := &callbackQueue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *callbackQueue) push(f func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *callbackQueue) pop() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *callbackQueue) run() {
	for {
		for _, f := range q.pop() {
			f()
		}
		select {
		case <-q.wake:
		case <-q.stop:
			// Run what was queued before close.
			for _, f := range q.pop() {
				f()
			}
			return
		}
	}
}

// close stops the queue once pending callbacks ran. It does not wait, so it
// may be called from a callback.
func (q *callbackQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	close(q.stop)
}
