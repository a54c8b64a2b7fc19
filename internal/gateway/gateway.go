// Package gateway serializes all access to an open archive through one
// worker goroutine. Any number of goroutines may submit requests; they run
// one at a time in submission order and each completes a Future.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jchantrell/ggpkfs/internal/bundle"
	"github.com/jchantrell/ggpkfs/internal/namespace"
)

var (
	// ErrClosed is returned by Submit after Close or CloseNow
	ErrClosed = errors.New("gateway closed")
	// ErrCancelled is wrapped by the error of a cancelled request
	ErrCancelled = errors.New("request cancelled")
	// ErrInvalidRequest reports a request missing the fields its Op needs
	ErrInvalidRequest = errors.New("invalid request")
)

// Options configures Open
type Options struct {
	Codec  bundle.Codec
	Policy namespace.Policy
	Logger *slog.Logger
	// DecodeText is the default for extraction requests
	DecodeText bool
}

// Gateway owns an archive handle and the resolver built on it. Only the
// worker goroutine touches either.
type Gateway struct {
	handle   *namespace.Handle
	resolver *namespace.Resolver
	options  Options
	logger   *slog.Logger

	ctx       context.Context
	cancelAll context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*task
	pending map[uint64]*task
	nextID  uint64
	closing bool

	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type task struct {
	req    Request
	ctx    context.Context
	cancel context.CancelFunc
	future *Future
}

// Open opens the archive at path and starts the worker. A GGPK file and an
// install directory are both accepted.
func Open(path string, options Options) (*Gateway, error) {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	h, err := namespace.OpenHandle(path, namespace.OpenOptions{Codec: options.Codec, Logger: options.Logger})
	if err != nil {
		return nil, err
	}

	return New(h, options), nil
}

// New starts a gateway over an already open handle. The gateway takes
// ownership of h and closes it on shutdown.
func New(h *namespace.Handle, options Options) *Gateway {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		handle:    h,
		resolver:  namespace.New(h, namespace.Options{Policy: options.Policy, Logger: options.Logger}),
		options:   options,
		logger:    options.Logger,
		ctx:       ctx,
		cancelAll: cancel,
		pending:   make(map[uint64]*task),
		stopped:   make(chan struct{}),
	}
	g.cond = sync.NewCond(&g.mu)

	go g.work()

	return g
}

// Submit enqueues req. It only takes the queue lock and never waits for
// the worker.
func (g *Gateway) Submit(req Request) (*Future, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closing {
		return nil, ErrClosed
	}

	g.nextID++
	ctx, cancel := context.WithCancel(g.ctx)
	t := &task{
		req:    req,
		ctx:    ctx,
		cancel: cancel,
		future: newFuture(g.nextID, req.Op, req.Op == OpSearch && req.Stream),
	}

	g.queue = append(g.queue, t)
	g.pending[t.future.id] = t
	g.cond.Signal()

	return t.future, nil
}

func validate(req Request) error {
	switch req.Op {
	case OpResolve, OpListChildren, OpReadBytes, OpConflicts:
		return nil
	case OpExtract:
		if len(req.Paths) == 0 {
			return fmt.Errorf("%w: extract needs at least one path", ErrInvalidRequest)
		}
		if req.Sink == nil && req.Destination == "" {
			return fmt.Errorf("%w: extract needs a sink or a destination", ErrInvalidRequest)
		}
		return nil
	case OpSearch:
		return nil
	default:
		return fmt.Errorf("%w: unknown op %s", ErrInvalidRequest, req.Op)
	}
}

// Cancel asks a queued or running request to stop. It reports whether the
// request was still pending. A queued request completes as cancelled
// without running; a running one stops at its next cancellation point.
func (g *Gateway) Cancel(id uint64) bool {
	g.mu.Lock()
	t, ok := g.pending[id]
	g.mu.Unlock()

	if ok {
		t.cancel()
	}
	return ok
}

// Close stops accepting requests, waits for the queue to drain and then
// releases the archive.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closing = true
	g.cond.Broadcast()
	g.mu.Unlock()

	return g.shutdown()
}

// CloseNow cancels every queued and running request, waits for the worker
// to stop and releases the archive.
func (g *Gateway) CloseNow() error {
	g.mu.Lock()
	g.closing = true
	g.cancelAll()
	g.cond.Broadcast()
	g.mu.Unlock()

	return g.shutdown()
}

func (g *Gateway) shutdown() error {
	<-g.stopped

	g.closeOnce.Do(func() {
		g.cancelAll()
		if err := g.handle.Close(); err != nil {
			g.closeErr = fmt.Errorf("closing archive: %w", err)
		}
		g.logger.Debug("Gateway closed")
	})

	return g.closeErr
}

func (g *Gateway) next() (*task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for len(g.queue) == 0 {
		if g.closing {
			return nil, false
		}
		g.cond.Wait()
	}

	t := g.queue[0]
	g.queue[0] = nil
	g.queue = g.queue[1:]
	return t, true
}

func (g *Gateway) work() {
	defer close(g.stopped)

	for {
		t, ok := g.next()
		if !ok {
			return
		}
		g.run(t)
	}
}

func (g *Gateway) run(t *task) {
	start := time.Now()
	id := t.future.id

	var (
		result Result
		err    error
	)
	if ctxErr := t.ctx.Err(); ctxErr != nil {
		err = ctxErr
		if t.future.matches != nil {
			close(t.future.matches)
		}
	} else {
		result, err = g.execute(t)
	}

	if err != nil && errors.Is(err, context.Canceled) {
		result.Cancelled = true
		if !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}

	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
	t.cancel()

	g.logger.Debug("Request finished", "id", id, "op", t.req.Op, "duration", time.Since(start), "cancelled", result.Cancelled, "error", err)

	t.future.complete(result, err)
}
