// Package discovery enumerates the base URLs of feed servers for a
// named service tag. Three sources exist: a static list, a peers file
// reloaded on change, and NATS service announcements. The feed
// registry only sees the merged, deduplicated result.
package discovery

import (
	"strings"
	"sync"
)

// Source yields the currently known peer base URLs.
type Source interface {
	Peers() []string
}

// Static is a fixed list of base URLs, typically from the command line.
type Static struct {
	urls []string
}

func NewStatic(commaList string) *Static {
	var urls []string
	for _, u := range strings.Split(commaList, ",") {
		u = strings.TrimSuffix(strings.TrimSpace(u), "/")
		if u != "" {
			urls = append(urls, u)
		}
	}
	return &Static{urls: urls}
}

func (s *Static) Peers() []string {
	return append([]string(nil), s.urls...)
}

// Composite merges several sources, dropping duplicates. The first
// source to report a URL wins; order is stable across calls.
type Composite struct {
	mu      sync.Mutex
	sources []Source
}

func NewComposite(sources ...Source) *Composite {
	return &Composite{sources: sources}
}

func (c *Composite) Add(s Source) {
	c.mu.Lock()
	c.sources = append(c.sources, s)
	c.mu.Unlock()
}

func (c *Composite) Peers() []string {
	c.mu.Lock()
	sources := append([]Source(nil), c.sources...)
	c.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, s := range sources {
		for _, u := range s.Peers() {
			if seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
