package router

import (
	"context"
	"strings"
)

// Params holds the values captured by :name segments.
type Params map[string]string

// Handler renders a page for a matched route.
type Handler func(ctx context.Context, params Params) (string, error)

type route struct {
	pattern  string
	segments []string
	handler  Handler
}

// Table matches request paths against patterns like /branch/:name/commit/:commit.
// Routes are tried in insertion order, the first match wins.
type Table struct {
	routes []*route
}

func NewTable() *Table {
	return &Table{}
}

func (t *Table) Add(pattern string, handler Handler) {
	t.routes = append(t.routes, &route{
		pattern:  pattern,
		segments: strings.Split(pattern, "/"),
		handler:  handler,
	})
}

// Match returns the handler of the first route with the same number of segments
// whose literal segments equal the path's. A :name segment never matches an empty one.
func (t *Table) Match(path string) (Handler, Params, bool) {
	parts := strings.Split(path, "/")

	for _, r := range t.routes {
		if params, ok := r.match(parts); ok {
			return r.handler, params, true
		}
	}

	return nil, nil, false
}

func (t *Table) Patterns() []string {
	patterns := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		patterns = append(patterns, r.pattern)
	}

	return patterns
}

func (r *route) match(parts []string) (Params, bool) {
	if len(parts) != len(r.segments) {
		return nil, false
	}

	params := make(Params)

	for i, segment := range r.segments {
		if strings.HasPrefix(segment, ":") {
			if parts[i] == "" {
				return nil, false
			}

			params[segment[1:]] = parts[i]

			continue
		}

		if segment != parts[i] {
			return nil, false
		}
	}

	return params, true
}
