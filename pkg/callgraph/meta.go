package callgraph

import (
	"errors"
	"log/slog"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/provenance"
)

// NodeMeta describes one call graph node: the construct as reported by the
// construction engine, its normalized identity (if any), and the archive it
// was loaded from.
type NodeMeta struct {
	Original construct.ID `json:"original"`

	// Normalized is set only if the engine reported a construct with
	// synthetic parts that had to be stripped; it is the zero ID otherwise.
	Normalized construct.ID `json:"normalized,omitzero"`

	Locator string `json:"locator,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

// Effective returns the identity used downstream: the normalized identity if
// present, the original otherwise.
func (m NodeMeta) Effective() construct.ID {
	if !m.Normalized.IsZero() {
		return m.Normalized
	}
	return m.Original
}

// Resolved reports whether the node could be attributed to an archive.
func (m NodeMeta) Resolved() bool { return m.Digest != "" }

// Provenance memoizes archive resolution for one call graph construction.
// A new Provenance is created for every construction so that results never
// leak across runs.
type Provenance struct {
	resolver   provenance.Resolver
	locators   *xsync.Map[string, locatorEntry] // compilation unit -> locator
	digests    *xsync.Map[string, string]       // locator -> digest
	unresolved *xsync.Map[string, construct.ID]
}

type locatorEntry struct {
	locator string
	ok      bool
}

// NewProvenance returns an empty cache in front of resolver.
func NewProvenance(resolver provenance.Resolver) *Provenance {
	if resolver == nil {
		resolver = provenance.None{}
	}
	return &Provenance{
		resolver:   resolver,
		locators:   xsync.NewMap[string, locatorEntry](),
		digests:    xsync.NewMap[string, string](),
		unresolved: xsync.NewMap[string, construct.ID](),
	}
}

// Meta computes the metadata of id.
func (p *Provenance) Meta(id construct.ID) NodeMeta {
	meta := NodeMeta{Original: id}
	if norm, ok := construct.Normalize(id); ok {
		meta.Normalized = norm
	}

	unit := id.CompilationUnit()
	loc, _ := p.locators.LoadOrCompute(unit, func() (locatorEntry, bool) {
		l, ok := p.resolver.Locate(unit)
		return locatorEntry{locator: l, ok: ok}, false
	})
	if !loc.ok {
		p.unresolved.Store(id.QName, id)
		return meta
	}
	meta.Locator = loc.locator

	// Failed digests are memoized as "".
	digest, _ := p.digests.LoadOrCompute(loc.locator, func() (string, bool) {
		d, err := p.resolver.Digest(loc.locator)
		if err != nil {
			if !errors.Is(err, provenance.ErrUnknownLocator) {
				slog.Warn("computing archive digest", "locator", loc.locator, "error", err)
			}
			return "", false
		}
		return d, false
	})
	if digest == "" {
		p.unresolved.Store(id.QName, id)
		return meta
	}
	meta.Digest = digest
	return meta
}

// Unresolved returns the constructs whose archive could not be resolved.
func (p *Provenance) Unresolved() construct.Set {
	s := make(construct.Set, p.unresolved.Size())
	p.unresolved.Range(func(_ string, id construct.ID) bool {
		s.Add(id)
		return true
	})
	return s
}
