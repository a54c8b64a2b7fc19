// Package search finds namespace nodes whose name or path matches a query.
// Traversal is breadth first and lazy: directories are only listed as the
// caller consumes results.
package search

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"

	"github.com/jchantrell/ggpkfs/internal/namespace"
)

// ErrInvalidQuery is matched by errors.Is for every InvalidQueryError
var ErrInvalidQuery = errors.New("invalid query")

// InvalidQueryError reports a query that cannot be compiled
type InvalidQueryError struct {
	Query string
	Err   error
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query %q: %v", e.Query, e.Err)
}

func (e *InvalidQueryError) Unwrap() error {
	return e.Err
}

func (e *InvalidQueryError) Is(target error) bool {
	return target == ErrInvalidQuery
}

// Options controls matching and scope
type Options struct {
	// MatchCase makes matching case sensitive
	MatchCase bool
	// UseRegex treats the query as a regular expression
	UseRegex bool
	// ScopeAllDirectories descends into every subdirectory; otherwise only
	// the immediate children of the root are searched
	ScopeAllDirectories bool
}

// Field names the string a result matched in
type Field uint8

const (
	FieldPath Field = iota + 1
	FieldName
)

func (f Field) String() string {
	if f == FieldName {
		return "name"
	}
	return "path"
}

// Result is one matching node. Start and End are byte offsets into the
// node's Name when Field is FieldName, or its Path when Field is FieldPath.
type Result struct {
	Node  namespace.Node
	Field Field
	// Rank is 2 for name matches and 1 for path matches
	Rank  int
	Start int
	End   int
}

// Tree lists directories. namespace.Resolver satisfies it.
type Tree interface {
	ListChildren(node namespace.Node) ([]namespace.Node, error)
}

// Matcher is a compiled query
type Matcher struct {
	query   string
	options Options
	re      *regexp.Regexp
}

// Compile validates and compiles query. An empty query or an invalid
// pattern fails with an InvalidQueryError.
func Compile(query string, options Options) (*Matcher, error) {
	if query == "" {
		return nil, &InvalidQueryError{Query: query, Err: errors.New("empty query")}
	}

	m := &Matcher{query: query, options: options}

	switch {
	case options.UseRegex:
		pattern := query
		if !options.MatchCase {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &InvalidQueryError{Query: query, Err: err}
		}
		m.re = re
	case !options.MatchCase:
		// folding through the regexp engine keeps offsets in the original string
		m.re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(query))
	}

	return m, nil
}

// Options returns the options the matcher was compiled with
func (m *Matcher) Options() Options {
	return m.options
}

func (m *Matcher) find(s string) (int, int, bool) {
	if m.re != nil {
		loc := m.re.FindStringIndex(s)
		if loc == nil {
			return 0, 0, false
		}
		return loc[0], loc[1], true
	}
	i := strings.Index(s, m.query)
	if i < 0 {
		return 0, 0, false
	}
	return i, i + len(m.query), true
}

// Match tests a single node, preferring a match in its name
func (m *Matcher) Match(node namespace.Node) (Result, bool) {
	if start, end, ok := m.find(node.Name); ok {
		return Result{Node: node, Field: FieldName, Rank: 2, Start: start, End: end}, true
	}
	if start, end, ok := m.find(node.Path); ok {
		return Result{Node: node, Field: FieldPath, Rank: 1, Start: start, End: end}, true
	}
	return Result{}, false
}

// DirectoryError reports a directory that could not be listed. The walk
// continues past it.
type DirectoryError struct {
	Path string
	Err  error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("searching %q: %v", e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// Walk searches below root breadth first. Each yielded pair carries either
// a match or an error; DirectoryError values are recoverable and the walk
// goes on, a context error ends it. ctx is checked before each directory
// is listed.
func (m *Matcher) Walk(ctx context.Context, tree Tree, root namespace.Node) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		if !root.IsDir() {
			return
		}

		queue := []namespace.Node{root}
		for len(queue) > 0 {
			dir := queue[0]
			queue = queue[1:]

			if err := ctx.Err(); err != nil {
				yield(Result{}, err)
				return
			}

			children, err := tree.ListChildren(dir)
			if err != nil {
				if !yield(Result{Node: dir}, &DirectoryError{Path: dir.Path, Err: err}) {
					return
				}
				continue
			}

			for _, child := range children {
				if r, ok := m.Match(child); ok {
					if !yield(r, nil) {
						return
					}
				}
				if child.IsDir() && m.options.ScopeAllDirectories {
					queue = append(queue, child)
				}
			}
		}
	}
}

// Search compiles query and walks root. Compilation errors are returned
// before any directory is listed.
func Search(ctx context.Context, tree Tree, root namespace.Node, query string, options Options) (iter.Seq2[Result, error], error) {
	m, err := Compile(query, options)
	if err != nil {
		return nil, err
	}
	return m.Walk(ctx, tree, root), nil
}
