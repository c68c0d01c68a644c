package construct

import (
	"maps"
	"slices"
)

// Set is a set of constructs keyed by qualified name.
type Set map[string]ID

// NewSet returns a set holding ids.
func NewSet(ids ...ID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id, keeping the first ID seen for a qualified name.
func (s Set) Add(id ID) {
	if _, ok := s[id.QName]; !ok {
		s[id.QName] = id
	}
}

// Has reports whether a construct with id's qualified name is in s.
func (s Set) Has(id ID) bool {
	_, ok := s[id.QName]
	return ok
}

// Len returns the number of constructs in s.
func (s Set) Len() int { return len(s) }

// Sorted returns the members of s ordered by qualified name.
func (s Set) Sorted() []ID {
	return slices.SortedFunc(maps.Values(s), Compare)
}

// Names returns the sorted qualified names of s.
func (s Set) Names() []string {
	return slices.Sorted(maps.Keys(s))
}
