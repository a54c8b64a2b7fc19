package gateway

import "sync"

// relay hands values from the worker to a consumer goroutine through an
// unbounded buffer. push never blocks, so a slow or re-entrant consumer
// cannot stall the worker.
type relay[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func startRelay[T any](deliver func(T), finish func()) *relay[T] {
	r := &relay[T]{}
	r.cond = sync.NewCond(&r.mu)

	go func() {
		if finish != nil {
			defer finish()
		}
		for {
			r.mu.Lock()
			for len(r.items) == 0 && !r.closed {
				r.cond.Wait()
			}
			if len(r.items) == 0 {
				r.mu.Unlock()
				return
			}
			batch := r.items
			r.items = nil
			r.mu.Unlock()

			for _, v := range batch {
				deliver(v)
			}
		}
	}()

	return r
}

func (r *relay[T]) push(v T) {
	r.mu.Lock()
	if !r.closed {
		r.items = append(r.items, v)
		r.cond.Signal()
	}
	r.mu.Unlock()
}

// close lets the consumer goroutine exit once the buffer is drained
func (r *relay[T]) close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Signal()
	r.mu.Unlock()
}
