package rpc

import (
	"context"
	"fmt"
	"strings"
)

// Path accumulates the segments of a method name. It is immutable: every
// Append returns a new Path, so a shared prefix can be extended safely.
type Path struct {
	segments []string
}

// NewPath skips empty segments.
func NewPath(segments ...string) Path {
	return Path{}.Append(segments...)
}

func (p Path) Append(segments ...string) Path {
	next := make([]string, 0, len(p.segments)+len(segments))
	next = append(next, p.segments...)

	for _, segment := range segments {
		if segment != "" {
			next = append(next, segment)
		}
	}

	return Path{segments: next}
}

// WithSuffix returns the path with suffix appended to its last segment.
func (p Path) WithSuffix(suffix string) Path {
	if len(p.segments) == 0 {
		return NewPath(suffix)
	}

	next := p.Segments()
	next[len(next)-1] += suffix

	return Path{segments: next}
}

func (p Path) Segments() []string {
	return append([]string(nil), p.segments...)
}

func (p Path) Method() string {
	return strings.Join(p.segments, ".")
}

func (p Path) IsZero() bool {
	return len(p.segments) == 0
}

func (p Path) String() string {
	return p.Method()
}

// PluginFunc is an extra call kind made available at every path of a client.
type PluginFunc func(ctx context.Context, path Path, args ...any) (any, error)

type Plugins map[string]PluginFunc

func (ps Plugins) Call(ctx context.Context, name string, path Path, args ...any) (any, error) {
	plugin, ok := ps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}

	return plugin(ctx, path, args...)
}
