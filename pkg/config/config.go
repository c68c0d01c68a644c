// Package config loads the analysis configuration and bug files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	yaml "gopkg.in/yaml.v3"

	"github.com/715d/vulnreach/pkg/classify"
	"github.com/715d/vulnreach/pkg/construct"
	"github.com/715d/vulnreach/pkg/gobuilder"
	"github.com/715d/vulnreach/pkg/paths"
	"github.com/715d/vulnreach/pkg/reach"
)

// DefaultFile is the configuration file looked up when none is given.
const DefaultFile = "vulnreach.yaml"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the on-disk configuration.
type Config struct {
	Lang              construct.Lang `yaml:"lang" toml:"lang"`
	TimeoutMinutes    int            `yaml:"timeout_minutes" toml:"timeout_minutes"`
	ShortestOnly      bool           `yaml:"shortest_only" toml:"shortest_only"`
	TouchPoints       bool           `yaml:"touch_points" toml:"touch_points"`
	MaxPathsPerTarget int            `yaml:"max_paths_per_target" toml:"max_paths_per_target"`
	Workers           string         `yaml:"workers" toml:"workers"` // "auto", "auto:<factor>" or a count
	Strategy          string         `yaml:"strategy" toml:"strategy"`
	PathLimit         int            `yaml:"path_limit" toml:"path_limit"`
	Strict            bool           `yaml:"strict" toml:"strict"`
	EntryRegex        string         `yaml:"entry_regex" toml:"entry_regex"`
	StatusInterval    time.Duration  `yaml:"status_interval" toml:"status_interval"`
	Blacklist         Blacklist      `yaml:"blacklist" toml:"blacklist"`
	App               []string       `yaml:"app" toml:"app"` // application constructs or prefixes

	Go     Go     `yaml:"go" toml:"go"`
	Graph  string `yaml:"graph" toml:"graph"`   // YAML call graph file, replaces the Go builder
	Output string `yaml:"output" toml:"output"` // directory for JSON uploads

	// UploadRate caps uploads per second; 0 means unlimited.
	UploadRate float64 `yaml:"upload_rate" toml:"upload_rate"`
}

// Blacklist holds the two prefix lists. A nil Platform list means the
// language defaults.
type Blacklist struct {
	Platform []string `yaml:"platform" toml:"platform"`
	Custom   []string `yaml:"custom" toml:"custom"`
}

// Go configures the Go call graph builder.
type Go struct {
	Dir             string   `yaml:"dir" toml:"dir"`
	Packages        []string `yaml:"packages" toml:"packages"`
	BuildTags       []string `yaml:"build_tags" toml:"build_tags"`
	Tests           bool     `yaml:"tests" toml:"tests"`
	Algorithm       string   `yaml:"algorithm" toml:"algorithm"`
	ExcludePackages []string `yaml:"exclude_packages" toml:"exclude_packages"`
	EntryPoints     []string `yaml:"entry_points" toml:"entry_points"`
}

// Default returns the configuration used for absent keys.
func Default() Config {
	return Config{
		Lang:              construct.LangGo,
		TouchPoints:       true,
		MaxPathsPerTarget: 10,
		Workers:           "auto",
		Strategy:          paths.StrategyPruned,
		StatusInterval:    reach.DefaultStatusInterval,
		Go: Go{
			Packages:  []string{"./..."},
			Algorithm: gobuilder.AlgorithmRTA,
		},
	}
}

// Load reads path on top of Default. Files ending in .toml are TOML, all
// others YAML. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	decode := decodeStrict
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		decode = decodeTOML
	}
	if err := decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// LoadOptional is Load, except that a missing file yields Default.
func LoadOptional(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Decode decodes data on top of cfg without validating. Unknown keys are
// an error.
func Decode(data []byte, cfg *Config) error {
	return decodeStrict(data, cfg)
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeTOML(data []byte, out any) error {
	md, err := toml.Decode(string(data), out)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks value ranges and names.
func (c Config) Validate() error {
	switch c.Lang {
	case construct.LangGo, construct.LangJava:
	default:
		return fmt.Errorf("%w: unknown lang %q", ErrInvalid, c.Lang)
	}
	if c.TimeoutMinutes < 0 {
		return fmt.Errorf("%w: negative timeout_minutes", ErrInvalid)
	}
	if c.MaxPathsPerTarget < 0 || c.PathLimit < 0 {
		return fmt.Errorf("%w: negative path limits", ErrInvalid)
	}
	if _, _, err := ParseWorkers(c.Workers); err != nil {
		return err
	}
	if _, err := paths.ByName(c.Strategy, 0); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.Go.Algorithm {
	case "", gobuilder.AlgorithmCHA, gobuilder.AlgorithmRTA, gobuilder.AlgorithmStatic, gobuilder.AlgorithmVTA:
	default:
		return fmt.Errorf("%w: %w %q", ErrInvalid, gobuilder.ErrUnknownAlgorithm, c.Go.Algorithm)
	}
	for _, pattern := range c.Go.ExcludePackages {
		if gobuilder.IsGlob(pattern) && !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("%w: exclude_packages: bad pattern %q", ErrInvalid, pattern)
		}
	}
	if c.UploadRate < 0 {
		return fmt.Errorf("%w: negative upload_rate", ErrInvalid)
	}
	if c.EntryRegex != "" {
		if _, err := regexp.Compile(c.EntryRegex); err != nil {
			return fmt.Errorf("%w: entry_regex: %w", ErrInvalid, err)
		}
	}
	return nil
}

// ParseWorkers parses the worker policy: a fixed count, or "auto" with an
// optional factor of GOMAXPROCS ("auto:2"). It returns the fixed count
// (0 for auto) and the factor.
func ParseWorkers(s string) (count, factor int, err error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "auto" {
		return 0, 1, nil
	}
	if f, ok := strings.CutPrefix(s, "auto:"); ok {
		factor, err = strconv.Atoi(f)
		if err != nil || factor < 1 {
			return 0, 0, fmt.Errorf("%w: workers %q: factor must be a positive integer", ErrInvalid, s)
		}
		return 0, factor, nil
	}
	count, err = strconv.Atoi(s)
	if err != nil || count < 1 {
		return 0, 0, fmt.Errorf("%w: workers %q: want a positive count or auto[:factor]", ErrInvalid, s)
	}
	return count, 1, nil
}

// Options converts c into analyzer options. The uploader is left unset.
// lang is the language of the analyzed graph as returned by NewBuilder; it
// selects the default platform prefixes and parses the app names. Empty
// means c.Lang.
func (c Config) Options(lang construct.Lang) (reach.Options, error) {
	if err := c.Validate(); err != nil {
		return reach.Options{}, err
	}
	if lang == "" {
		lang = c.Lang
	}
	count, factor, _ := ParseWorkers(c.Workers)
	enumerator, _ := paths.ByName(c.Strategy, c.PathLimit)

	opts := reach.Options{
		Timeout:           time.Duration(c.TimeoutMinutes) * time.Minute,
		ShortestOnly:      c.ShortestOnly,
		TouchPoints:       c.TouchPoints,
		MaxPathsPerTarget: c.MaxPathsPerTarget,
		Workers:           count,
		WorkerFactor:      factor,
		Enumerator:        enumerator,
		Strict:            c.Strict,
		StatusInterval:    c.StatusInterval,
		Blacklist: reach.Blacklist{
			Platform: c.Blacklist.Platform,
			Custom:   c.Blacklist.Custom,
		},
	}
	if opts.Blacklist.Platform == nil {
		opts.Blacklist.Platform = classify.DefaultPlatformPrefixes(lang)
	}
	if c.EntryRegex != "" {
		opts.EntryFilter = regexp.MustCompile(c.EntryRegex)
	}
	if len(c.App) > 0 {
		opts.AppConstructs = make(construct.Set, len(c.App))
		for _, name := range c.App {
			opts.AppConstructs.Add(construct.Parse(lang, name))
		}
	}
	return opts, nil
}
