// Package category implements the dotted, hierarchical keys used to address
// every measured quantity, e.g. "environment.temperature.dewpoint".
package category

import (
	"errors"
	"slices"
	"strings"
)

const (
	separator = "."
	// Wildcard matches any single segment when used in a probe.
	Wildcard = "*"
)

// ErrEmptyKey is returned when a key has no segments.
var ErrEmptyKey = errors.New("empty category key")

// Item is an immutable category key. It is comparable and safe to use as a map key.
// The optional source distinguishes the same quantity reported by different plugins.
type Item struct {
	path      string
	source    string
	anonymous bool
}

// Parse builds an Item from a dotted string. Empty segments are dropped.
func Parse(s string) Item {
	return New(strings.Split(s, separator)...)
}

// MustParse is like Parse but panics on an empty key. Intended for static tables.
func MustParse(s string) Item {
	it := Parse(s)
	if it.IsZero() {
		panic(ErrEmptyKey)
	}
	return it
}

// New builds an Item from segments. A segment containing dots is split.
func New(segments ...string) Item {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		for _, p := range strings.Split(seg, separator) {
			p = strings.TrimSpace(p)
			if p != "" {
				parts = append(parts, p)
			}
		}
	}
	return Item{path: strings.Join(parts, separator)}
}

// WithSource returns a copy of i tagged with the given source chain.
func (i Item) WithSource(source ...string) Item {
	i.source = strings.Join(source, ",")
	return i
}

// Anonymous returns a copy of i that matches the same path from any source.
func (i Item) Anonymous() Item {
	i.anonymous = true
	i.source = ""
	return i
}

// Bare strips the source tag and anonymous flag.
func (i Item) Bare() Item {
	return Item{path: i.path}
}

func (i Item) IsAnonymous() bool { return i.anonymous }

func (i Item) IsZero() bool { return i.path == "" }

// Sources returns the source chain, or nil when untagged.
func (i Item) Sources() []string {
	if i.source == "" {
		return nil
	}
	return strings.Split(i.source, ",")
}

// Segments returns a copy of the path segments.
func (i Item) Segments() []string {
	if i.path == "" {
		return nil
	}
	return strings.Split(i.path, separator)
}

func (i Item) String() string { return i.path }

// Name is the last segment.
func (i Item) Name() string {
	if idx := strings.LastIndex(i.path, separator); idx >= 0 {
		return i.path[idx+1:]
	}
	return i.path
}

// Category is the first segment.
func (i Item) Category() string {
	if idx := strings.Index(i.path, separator); idx >= 0 {
		return i.path[:idx]
	}
	return i.path
}

// Parent drops the last segment. The parent of a single segment key is the zero Item.
func (i Item) Parent() Item {
	idx := strings.LastIndex(i.path, separator)
	if idx < 0 {
		return Item{source: i.source, anonymous: i.anonymous}
	}
	return Item{path: i.path[:idx], source: i.source, anonymous: i.anonymous}
}

// HasPrefix reports whether prefix's segments lead i's segments.
func (i Item) HasPrefix(prefix Item) bool {
	if prefix.path == "" {
		return true
	}
	return i.path == prefix.path || strings.HasPrefix(i.path, prefix.path+separator)
}

// HasWildcard reports whether any segment is the wildcard.
func (i Item) HasWildcard() bool {
	return slices.Contains(i.Segments(), Wildcard)
}

// Matches reports whether probe addresses i. Wildcard segments in either item match
// any single segment. Sources must agree unless either side is anonymous or untagged.
func (i Item) Matches(probe Item) bool {
	if !i.anonymous && !probe.anonymous && i.source != "" && probe.source != "" && i.source != probe.source {
		return false
	}
	if i.path == probe.path {
		return true
	}
	a, b := i.Segments(), probe.Segments()
	if len(a) != len(b) {
		return false
	}
	for n := range a {
		if a[n] != b[n] && a[n] != Wildcard && b[n] != Wildcard {
			return false
		}
	}
	return true
}

// MarshalText renders the dotted path.
func (i Item) MarshalText() ([]byte, error) {
	return []byte(i.path), nil
}

// UnmarshalText parses a dotted path.
func (i *Item) UnmarshalText(b []byte) error {
	*i = Parse(string(b))
	return nil
}

// Filter returns the keys that match probe, in input order.
func Filter(keys []Item, probe Item) []Item {
	var out []Item
	for _, k := range keys {
		if k.Matches(probe) {
			out = append(out, k)
		}
	}
	return out
}

// Compare orders by path, then source.
func Compare(a, b Item) int {
	if c := strings.Compare(a.path, b.path); c != 0 {
		return c
	}
	return strings.Compare(a.source, b.source)
}

// Sort orders keys with Compare.
func Sort(keys []Item) {
	slices.SortFunc(keys, Compare)
}
