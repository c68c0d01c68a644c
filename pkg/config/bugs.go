package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/715d/vulnreach/pkg/construct"
)

// BugFile is the on-disk list of tracked vulnerabilities:
//
//	bugs:
//	  CVE-2021-44228:
//	    - org.apache.logging.log4j.core.lookup.JndiLookup.lookup(LogEvent,String)
type BugFile struct {
	Bugs map[string][]string `yaml:"bugs"`
}

// LoadBugs reads a bug file and parses every target construct in lang.
func LoadBugs(path string, lang construct.Lang) (map[string]construct.Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bugs: %w", err)
	}
	var f BugFile
	if err := decodeStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return f.Targets(lang)
}

// Targets converts f into per-bug construct sets.
func (f BugFile) Targets(lang construct.Lang) (map[string]construct.Set, error) {
	bugs := make(map[string]construct.Set, len(f.Bugs))
	for bug, names := range f.Bugs {
		if strings.TrimSpace(bug) == "" {
			return nil, fmt.Errorf("%w: empty bug id", ErrInvalid)
		}
		set := make(construct.Set, len(names))
		for _, name := range names {
			if name = strings.TrimSpace(name); name != "" {
				set.Add(construct.Parse(lang, name))
			}
		}
		bugs[bug] = set
	}
	return bugs, nil
}
