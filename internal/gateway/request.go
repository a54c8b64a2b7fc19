package gateway

import (
	"context"
	"fmt"

	"github.com/jchantrell/ggpkfs/internal/extract"
	"github.com/jchantrell/ggpkfs/internal/namespace"
	"github.com/jchantrell/ggpkfs/internal/search"
)

// Op is the kind of work a request asks for
type Op uint8

const (
	OpResolve Op = iota + 1
	OpListChildren
	OpReadBytes
	OpExtract
	OpSearch
	OpConflicts
)

func (o Op) String() string {
	switch o {
	case OpResolve:
		return "resolve"
	case OpListChildren:
		return "list"
	case OpReadBytes:
		return "read"
	case OpExtract:
		return "extract"
	case OpSearch:
		return "search"
	case OpConflicts:
		return "conflicts"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Request describes one operation. Which fields are used depends on Op:
//
//   - Resolve, ListChildren, ReadBytes: Paths[0]
//   - Extract: every entry of Paths, written to Sink or, when Sink is nil,
//     below the directory Destination
//   - Search: Query and SearchOptions below Paths[0] (the root when empty)
//   - Conflicts: nothing
type Request struct {
	Op    Op
	Paths []string

	Destination string
	Sink        extract.Sink
	// DecodeText overrides the gateway default when set
	DecodeText *bool
	// Filter limits which files of extracted directories are written
	Filter *extract.Filter

	Query         string
	SearchOptions search.Options
	// Stream delivers search matches on Future.Matches as they are found
	Stream bool

	// OnProgress receives extraction progress. It is never called from the
	// worker goroutine.
	OnProgress extract.ProgressCallback
}

func (r Request) path() string {
	if len(r.Paths) == 0 {
		return ""
	}
	return r.Paths[0]
}

// Result is the outcome of a request. Only the fields of the request's Op
// are set.
type Result struct {
	Node    namespace.Node
	Nodes   []namespace.Node
	Data    []byte
	Summary extract.Summary
	Matches []search.Result

	Conflicts []namespace.Conflict
	// Warnings are recoverable errors: corrupt records skipped while
	// listing, or directories a search could not enter
	Warnings []error

	Cancelled bool
}

// Future is the pending result of a submitted request
type Future struct {
	id      uint64
	op      Op
	done    chan struct{}
	result  Result
	err     error
	matches chan search.Result
}

func newFuture(id uint64, op Op, stream bool) *Future {
	f := &Future{id: id, op: op, done: make(chan struct{})}
	if stream {
		f.matches = make(chan search.Result)
	}
	return f
}

// ID identifies the request for Cancel
func (f *Future) ID() uint64 {
	return f.id
}

// Done is closed once the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the request completes or ctx is done. Giving up on
// the wait does not cancel the request.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Matches streams search results of a request submitted with Stream set.
// The channel is closed after the last match; it is nil otherwise. A
// streaming consumer should read until close so the relay can exit.
func (f *Future) Matches() <-chan search.Result {
	return f.matches
}

func (f *Future) complete(result Result, err error) {
	f.result = result
	f.err = err
	close(f.done)
}
