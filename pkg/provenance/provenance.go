// Package provenance resolves the archive (library artifact) that a
// compilation unit was loaded from, together with a content digest of that
// archive.
package provenance

import (
	"errors"
	"slices"
	"strings"
)

// ErrUnknownLocator is returned by Digest for locators the resolver did not
// hand out.
var ErrUnknownLocator = errors.New("unknown archive locator")

// Resolver maps compilation units to archives.
//
// Locate returns the locator of the archive containing unit, or false if
// the unit cannot be attributed to an archive. Digest returns the content
// digest of a located archive. Implementations must be safe for concurrent
// use; callers memoize both results.
type Resolver interface {
	Locate(unit string) (string, bool)
	Digest(locator string) (string, error)
}

// None resolves nothing.
type None struct{}

func (None) Locate(string) (string, bool) { return "", false }

func (None) Digest(locator string) (string, error) { return "", ErrUnknownLocator }

// Archive describes one archive for a Static resolver.
type Archive struct {
	Locator string   `yaml:"locator"`
	Digest  string   `yaml:"digest"`
	Units   []string `yaml:"units"` // unit prefixes contained in the archive
}

// Static resolves units by longest matching unit prefix against a fixed
// list of archives.
type Static struct {
	prefixes []staticPrefix
	digests  map[string]string
}

type staticPrefix struct {
	prefix  string
	locator string
}

// NewStatic returns a Static resolver over archives.
func NewStatic(archives []Archive) *Static {
	s := &Static{digests: make(map[string]string, len(archives))}
	for _, a := range archives {
		s.digests[a.Locator] = a.Digest
		for _, u := range a.Units {
			s.prefixes = append(s.prefixes, staticPrefix{prefix: u, locator: a.Locator})
		}
	}
	// Longest prefix first.
	slices.SortStableFunc(s.prefixes, func(a, b staticPrefix) int {
		return len(b.prefix) - len(a.prefix)
	})
	return s
}

func (s *Static) Locate(unit string) (string, bool) {
	for _, p := range s.prefixes {
		if unitHasPrefix(unit, p.prefix) {
			return p.locator, true
		}
	}
	return "", false
}

func (s *Static) Digest(locator string) (string, error) {
	d, ok := s.digests[locator]
	if !ok {
		return "", ErrUnknownLocator
	}
	return d, nil
}

// unitHasPrefix reports whether unit equals prefix or is nested below it,
// so that "com.lib" matches "com.lib.Foo" but not "com.library.Foo".
func unitHasPrefix(unit, prefix string) bool {
	if !strings.HasPrefix(unit, prefix) {
		return false
	}
	if len(unit) == len(prefix) {
		return true
	}
	switch unit[len(prefix)] {
	case '.', '/', '$':
		return true
	}
	return false
}
