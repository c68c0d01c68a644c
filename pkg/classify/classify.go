// Package classify decides whether a construct belongs to the application
// or to library code, and whether it is excluded by a blacklist.
//
// A Filter is immutable once built and safe for concurrent use; one Filter
// is created per analysis run and shared by all workers of that run.
package classify

import (
	"slices"
	"sort"
	"strings"

	"github.com/715d/vulnreach/pkg/construct"
)

// Filter classifies qualified names.
type Filter struct {
	blacklist []string
}

// NewFilter returns a filter blacklisting the platform and custom prefixes.
func NewFilter(platform, custom []string) *Filter {
	var prefixes []string
	for _, p := range slices.Concat(platform, custom) {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	slices.Sort(prefixes)
	return &Filter{blacklist: slices.Compact(prefixes)}
}

// Blacklist returns the blacklisted prefixes in sorted order.
func (f *Filter) Blacklist() []string { return slices.Clone(f.blacklist) }

// IsBlacklisted reports whether name starts with a blacklisted prefix.
// Matching is case-sensitive.
func (f *Filter) IsBlacklisted(name string) bool {
	for _, p := range f.blacklist {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// IsApp reports whether name belongs to the application described by apps.
// Any inner class or closure suffix starting at the first '$' is removed
// first; the remaining name must prefix the qualified name of some
// application construct.
func (f *Filter) IsApp(apps *AppIndex, name string) bool {
	if i := strings.IndexByte(name, '$'); i >= 0 {
		name = name[:i]
	}
	return apps.HasPrefixed(name)
}

// IsLibrary is the negation of IsApp.
func (f *Filter) IsLibrary(apps *AppIndex, name string) bool {
	return !f.IsApp(apps, name)
}

// AppIndex is a sorted index over the qualified names of the application
// constructs, answering prefix queries in logarithmic time.
type AppIndex struct {
	names []string
}

// NewAppIndex indexes apps.
func NewAppIndex(apps construct.Set) *AppIndex {
	return &AppIndex{names: apps.Names()}
}

// Len returns the number of indexed constructs.
func (a *AppIndex) Len() int { return len(a.names) }

// HasPrefixed reports whether some indexed name starts with prefix.
func (a *AppIndex) HasPrefixed(prefix string) bool {
	// Names sharing a prefix are contiguous and start at its insertion point.
	i := sort.SearchStrings(a.names, prefix)
	return i < len(a.names) && strings.HasPrefix(a.names[i], prefix)
}

// DefaultPlatformPrefixes returns the runtime prefixes blacklisted by
// default for lang.
func DefaultPlatformPrefixes(lang construct.Lang) []string {
	switch lang {
	case construct.LangJava:
		return []string{"java.", "javax.", "jdk.", "sun.", "com.sun.", "org.w3c.dom.", "org.xml.sax."}
	case construct.LangGo:
		return []string{"runtime.", "internal/", "reflect.", "sync.", "syscall.", "unsafe."}
	default:
		return nil
	}
}
