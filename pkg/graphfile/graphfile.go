// Package graphfile builds call graphs from YAML documents. It lets call
// graphs produced by other tools, and small hand-written graphs, go through
// the same analysis as graphs built from Go programs.
//
//	lang: java
//	edges:
//	  - app.A.a() -> app.B.b()
//	  - app.B.b() -> lib.C.c()
//	entry_points: [app.A.a()]
//	app: [app.]
//	archives:
//	  - locator: lib-1.0.jar
//	    digest: 3f2a...
//	    units: [lib]
package graphfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/715d/vulnreach/pkg/callgraph"
	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/provenance"
)

// ErrMissingEntryPoint is returned by a strict Build when a declared entry
// point is not a vertex of the graph.
var ErrMissingEntryPoint = errors.New("entry point not in graph")

// Document is the YAML form of a call graph.
type Document struct {
	Lang        construct.Lang       `yaml:"lang"`
	Nodes       []string             `yaml:"nodes"`
	Edges       []string             `yaml:"edges"`
	EntryPoints []string             `yaml:"entry_points"`
	App         []string             `yaml:"app"`
	Archives    []provenance.Archive `yaml:"archives"`
}

// Builder builds the call graph described by a Document.
type Builder struct {
	doc Document

	raw     *callgraph.MapGraph
	entries construct.Set
	apps    construct.Set
	elapsed time.Duration
}

// New returns a Builder for doc. Lang defaults to java.
func New(doc Document) *Builder {
	if doc.Lang == "" {
		doc.Lang = construct.LangJava
	}
	return &Builder{doc: doc}
}

// Load reads the document at path.
func Load(path string) (*Builder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return New(doc), nil
}

// Parse decodes a Document. Unknown keys are an error.
func Parse(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Document{}, err
	}
	return doc, nil
}

// ParseEdge splits "from -> to".
func ParseEdge(s string) (from, to string, err error) {
	from, to, ok := strings.Cut(s, "->")
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if !ok || from == "" || to == "" {
		return "", "", fmt.Errorf("malformed edge %q: want \"from -> to\"", s)
	}
	return from, to, nil
}

// Build constructs the graph. Entry points missing from the graph are
// dropped with a warning, or fail the build when strict is set.
func (b *Builder) Build(ctx context.Context, strict bool) error {
	start := time.Now()
	defer func() { b.elapsed = time.Since(start) }()

	lang := b.doc.Lang
	raw := callgraph.NewMapGraph()
	for _, n := range b.doc.Nodes {
		if n = strings.TrimSpace(n); n != "" {
			raw.AddVertex(construct.Parse(lang, n))
		}
	}
	for i, e := range b.doc.Edges {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		from, to, err := ParseEdge(e)
		if err != nil {
			return err
		}
		raw.AddEdge(construct.Parse(lang, from), construct.Parse(lang, to))
	}

	vertices := make(map[string]struct{}, raw.Len())
	for v := range raw.Vertices() {
		vertices[v.QName] = struct{}{}
	}

	entries := make(construct.Set, len(b.doc.EntryPoints))
	var missing []string
	for _, name := range b.doc.EntryPoints {
		id := construct.Parse(lang, strings.TrimSpace(name))
		if _, ok := vertices[id.QName]; !ok {
			missing = append(missing, id.QName)
			continue
		}
		entries.Add(id)
	}
	if len(missing) > 0 {
		if strict {
			return fmt.Errorf("%w: %s", ErrMissingEntryPoint, strings.Join(missing, ", "))
		}
		slog.Warn("dropping entry points not in graph", "entry_points", missing)
	}

	apps := make(construct.Set, len(b.doc.App))
	for _, name := range b.doc.App {
		apps.Add(construct.Parse(lang, strings.TrimSpace(name)))
	}

	b.raw, b.entries, b.apps = raw, entries, apps
	slog.Debug("graph loaded", "vertices", raw.Len(), "edges", raw.EdgeLen(), "entry_points", entries.Len())
	return nil
}

func (b *Builder) Graph() callgraph.RawGraph { return b.raw }

func (b *Builder) EntryPoints() construct.Set { return b.entries }

func (b *Builder) ConstructionTime() time.Duration { return b.elapsed }

func (b *Builder) AppConstructs() construct.Set { return b.apps }

// Resolver attributes constructs to the document's archives.
func (b *Builder) Resolver() provenance.Resolver {
	return provenance.NewStatic(b.doc.Archives)
}

// Lang returns the language of the document's constructs.
func (b *Builder) Lang() construct.Lang { return b.doc.Lang }
