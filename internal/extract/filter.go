package extract

import (
	"fmt"
	"strings"

	"github.com/woozymasta/pathrules"
)

// Filter selects which files of a subtree are extracted. Patterns use
// gitignore syntax and are matched case insensitively against the full
// namespace path; the last matching pattern decides.
type Filter struct {
	matcher *pathrules.Matcher
}

// NewFilter compiles include and exclude patterns. With no include
// patterns everything not excluded is extracted. Exclude patterns are
// applied after include patterns, so they win on overlap. Both lists
// empty yields a nil filter, which keeps everything.
func NewFilter(include, exclude []string) (*Filter, error) {
	include = normalizePatterns(include)
	exclude = normalizePatterns(exclude)
	if len(include) == 0 && len(exclude) == 0 {
		return nil, nil
	}

	opts := pathrules.MatcherOptions{
		CaseInsensitive: true,
		DefaultAction:   pathrules.ActionInclude,
	}
	if len(include) > 0 {
		opts.DefaultAction = pathrules.ActionExclude
	}

	rules := make([]pathrules.Rule, 0, len(include)+len(exclude))
	for _, p := range include {
		rules = append(rules, pathrules.Rule{Action: pathrules.ActionInclude, Pattern: p})
	}
	for _, p := range exclude {
		rules = append(rules, pathrules.Rule{Action: pathrules.ActionExclude, Pattern: p})
	}

	m, err := pathrules.NewMatcher(rules, opts)
	if err != nil {
		return nil, fmt.Errorf("compile extract filter: %w", err)
	}
	return &Filter{matcher: m}, nil
}

// Keep reports whether the node at path should be extracted. A nil filter
// keeps everything.
func (f *Filter) Keep(path string, dir bool) bool {
	if f == nil {
		return true
	}
	return f.matcher.Included(path, dir)
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
