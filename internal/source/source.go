// Package source holds read-only tile source definitions. Sources are supplied
// by the caller at startup (the metadata loader lives outside the engine) and
// never mutated afterwards, apart from the round-robin URL index.
package source

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Source describes one tile server or local tile directory.
type Source struct {
	ID          string
	URLs        []string // alternation targets, substituted round-robin
	MinZoom     int
	MaxZoom     int
	TileSize    int
	Attribution string
	RequireTLS  bool
	WrapX       bool // X wraps across the antimeridian; Y always clamps

	next atomic.Uint64
}

// New validates and returns a source. TileSize defaults to 256 and WrapX to
// true when unset, matching the slippy-map convention.
func New(id string, urls []string, minZoom, maxZoom int) (*Source, error) {
	if id == "" {
		return nil, fmt.Errorf("tile source needs an id")
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("tile source %q has no urls", id)
	}
	if minZoom < 0 || maxZoom < minZoom {
		return nil, fmt.Errorf("tile source %q has invalid zoom range %d..%d", id, minZoom, maxZoom)
	}
	return &Source{
		ID:       id,
		URLs:     urls,
		MinZoom:  minZoom,
		MaxZoom:  maxZoom,
		TileSize: 256,
		WrapX:    true,
	}, nil
}

// URLFor expands the next template in the alternation list for a tile address.
// Both ${x} (legacy) and {x} placeholder styles are accepted.
func (s *Source) URLFor(z, x, y uint32) string {
	i := s.next.Add(1) - 1
	url := s.URLs[i%uint64(len(s.URLs))]

	r := strings.NewReplacer(
		"${z}", fmt.Sprintf("%d", z),
		"${x}", fmt.Sprintf("%d", x),
		"${y}", fmt.Sprintf("%d", y),
		"{z}", fmt.Sprintf("%d", z),
		"{x}", fmt.Sprintf("%d", x),
		"{y}", fmt.Sprintf("%d", y),
	)
	return r.Replace(url)
}

// Local reports whether the source serves tiles from the filesystem.
func (s *Source) Local() bool {
	return strings.HasPrefix(s.URLs[0], "file:")
}

// Validate checks transport requirements across all templates.
func (s *Source) Validate() error {
	for _, u := range s.URLs {
		if s.RequireTLS && strings.HasPrefix(u, "http://") {
			return fmt.Errorf("tile source %q requires TLS but has plain http url %s", s.ID, u)
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "file:") {
			return fmt.Errorf("tile source %q has unsupported url scheme in %s", s.ID, u)
		}
	}
	return nil
}

// ClampZoom limits an integer zoom to the source's pyramid.
func (s *Source) ClampZoom(z int) int {
	if z < s.MinZoom {
		return s.MinZoom
	}
	if z > s.MaxZoom {
		return s.MaxZoom
	}
	return z
}

// Registry is an immutable id -> source lookup.
type Registry struct {
	byID  map[string]*Source
	order []*Source
}

func NewRegistry(sources ...*Source) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Source, len(sources))}
	for _, s := range sources {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate tile source id %q", s.ID)
		}
		r.byID[s.ID] = s
		r.order = append(r.order, s)
	}
	return r, nil
}

// Get returns the source with the given id, or nil.
func (r *Registry) Get(id string) *Source {
	return r.byID[id]
}

// All returns sources in registration order.
func (r *Registry) All() []*Source {
	return r.order
}
