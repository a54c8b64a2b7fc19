package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/jchantrell/ggpkfs/internal/extract"
	"github.com/jchantrell/ggpkfs/internal/namespace"
	"github.com/jchantrell/ggpkfs/internal/search"
)

// execute runs on the worker goroutine
func (g *Gateway) execute(t *task) (Result, error) {
	req := t.req

	switch req.Op {
	case OpResolve:
		node, err := g.resolver.Resolve(req.path())
		return Result{Node: node}, err

	case OpListChildren:
		node, err := g.resolver.Resolve(req.path())
		if err != nil {
			return Result{}, err
		}
		nodes, err := g.resolver.ListChildren(node)
		return Result{Node: node, Nodes: nodes, Warnings: g.sourceWarnings()}, err

	case OpReadBytes:
		node, err := g.resolver.Resolve(req.path())
		if err != nil {
			return Result{}, err
		}
		data, err := g.resolver.ReadBytes(t.ctx, node)
		return Result{Node: node, Data: data}, err

	case OpExtract:
		return g.extract(t)

	case OpSearch:
		return g.search(t)

	case OpConflicts:
		return Result{Conflicts: g.resolver.Conflicts(), Warnings: g.sourceWarnings()}, nil
	}

	return Result{}, fmt.Errorf("%w: unknown op %s", ErrInvalidRequest, req.Op)
}

type warner interface {
	Warnings() []error
}

func (g *Gateway) sourceWarnings() []error {
	warnings := append([]error(nil), g.handle.Warnings...)
	if w, ok := g.handle.Source.(warner); ok {
		warnings = append(warnings, w.Warnings()...)
	}
	return append(warnings, g.resolver.Warnings()...)
}

func (g *Gateway) extract(t *task) (Result, error) {
	req := t.req

	decode := g.options.DecodeText
	if req.DecodeText != nil {
		decode = *req.DecodeText
	}

	sink := req.Sink
	if sink == nil {
		sink = extract.NewDirSink(req.Destination)
	}

	var progress extract.ProgressCallback
	if req.OnProgress != nil {
		type event struct {
			done, total int
			path        string
		}
		r := startRelay(func(e event) { req.OnProgress(e.done, e.total, e.path) }, nil)
		defer r.close()
		progress = func(done, total int, path string) {
			r.push(event{done, total, path})
		}
	}

	ex := extract.NewExtractor(g.resolver, extract.Options{DecodeText: decode, Filter: req.Filter, Logger: g.logger})

	// resolve everything first so progress carries one total
	nodes := make([]namespace.Node, 0, len(req.Paths))
	var unresolved []extract.Failure
	for _, p := range req.Paths {
		node, err := g.resolver.Resolve(p)
		if err != nil {
			unresolved = append(unresolved, extract.Failure{Path: p, Err: err})
			continue
		}
		nodes = append(nodes, node)
	}

	summary, err := ex.Extract(t.ctx, nodes, sink, progress)
	summary.Total += len(unresolved)
	summary.Failed = append(unresolved, summary.Failed...)
	return Result{Summary: summary}, err
}

func (g *Gateway) search(t *task) (Result, error) {
	req := t.req
	f := t.future

	var stream *relay[search.Result]
	if f.matches != nil {
		out := f.matches
		stream = startRelay(func(r search.Result) { out <- r }, func() { close(out) })
		defer stream.close()
	}

	m, err := search.Compile(req.Query, req.SearchOptions)
	if err != nil {
		return Result{}, err
	}

	root, err := g.resolver.Resolve(req.path())
	if err != nil {
		return Result{}, err
	}

	var result Result
	for match, err := range m.Walk(t.ctx, g.resolver, root) {
		if err != nil {
			var dirErr *search.DirectoryError
			if errors.As(err, &dirErr) {
				g.logger.Warn("Skipping unreadable directory", "path", dirErr.Path, "error", dirErr.Err)
				result.Warnings = append(result.Warnings, err)
				continue
			}
			return result, err
		}

		result.Matches = append(result.Matches, match)
		if stream != nil {
			stream.push(match)
		}
	}

	return result, nil
}

// List returns the children of the directory at path
func (g *Gateway) List(ctx context.Context, path string) ([]namespace.Node, error) {
	res, err := g.do(ctx, Request{Op: OpListChildren, Paths: []string{path}})
	return res.Nodes, err
}

// Read returns the contents of the file at path
func (g *Gateway) Read(ctx context.Context, path string) ([]byte, error) {
	res, err := g.do(ctx, Request{Op: OpReadBytes, Paths: []string{path}})
	return res.Data, err
}

// Stat resolves path to its node
func (g *Gateway) Stat(ctx context.Context, path string) (namespace.Node, error) {
	res, err := g.do(ctx, Request{Op: OpResolve, Paths: []string{path}})
	return res.Node, err
}

// Conflicts returns every name collision found in the directories loaded
// so far
func (g *Gateway) Conflicts(ctx context.Context) ([]namespace.Conflict, error) {
	res, err := g.do(ctx, Request{Op: OpConflicts})
	return res.Conflicts, err
}

// do submits req and waits for it. If ctx ends first the request is
// cancelled as well.
func (g *Gateway) do(ctx context.Context, req Request) (Result, error) {
	f, err := g.Submit(req)
	if err != nil {
		return Result{}, err
	}

	res, err := f.Wait(ctx)
	if ctx.Err() != nil && err == ctx.Err() {
		g.Cancel(f.ID())
	}
	return res, err
}
