// Package main implements the CLI driver for the vulnreach analyzer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/715d/vulnreach/pkg/config"
	"github.com/715d/vulnreach/pkg/reach"
	"github.com/715d/vulnreach/pkg/upload"
)

// Flags holds the command-line options. Options that also exist in the
// configuration file override it only when set explicitly.
type Flags struct {
	Config      string
	Bugs        string
	Graph       string
	Out         string
	Dir         string
	BuildTags   []string
	Tests       bool
	Timeout     int
	Shortest    bool
	TouchPoints bool
	MaxPaths    int
	Workers     string
	Strategy    string
	Algorithm   string
	EntryRegex  string
	Strict      bool
	Exclude     []string
	UploadRate  float64

	Verbose     bool
	JSON        bool
	Profile     bool
	MetricsAddr string
	MetricsFile string
}

const (
	exitReachable = 1
	exitError     = 2
)

var (
	// Set via ldflags during build.
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var flags Flags

func main() {
	var rootCmd = &cobra.Command{
		Use:   "vulnreach --bugs bugs.yaml [packages...]",
		Short: "Find call paths from a program into vulnerable library code",
		Long: `vulnreach builds the call graph of a program and reports, for every
tracked vulnerability, the call paths from the program's entry points to the
vulnerable constructs. It also lists the library constructs the program can
reach and the calls that cross from application into library code.

Exit status is 1 when any vulnerability is reachable, 2 on error.`,
		Example: `  vulnreach --bugs bugs.yaml ./...                # Analyze the Go module in the current directory
  vulnreach --bugs bugs.yaml --shortest ./cmd/...  # Only the shortest path per entry point
  vulnreach --bugs bugs.yaml --graph graph.yaml    # Analyze a prebuilt call graph
  vulnreach --bugs bugs.yaml --out results ./...   # Write JSON documents to results/
  vulnreach -c vulnreach.toml --bugs bugs.yaml     # Read a TOML configuration`,
		Args:               cobra.ArbitraryArgs,
		RunE:               runCommand,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Version:            version,
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf("vulnreach version %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime))

	f := rootCmd.PersistentFlags()
	f.StringVarP(&flags.Config, "config", "c", config.DefaultFile, "Configuration file; a missing default file is ignored")
	f.StringVarP(&flags.Bugs, "bugs", "b", "", "Bug file mapping vulnerability ids to target constructs")
	f.StringVar(&flags.Graph, "graph", "", "Analyze a YAML call graph file instead of Go packages")
	f.StringVarP(&flags.Out, "out", "o", "", "Directory to write JSON path, reachable and touch point documents to")
	f.StringVar(&flags.Dir, "dir", "", "Directory to load Go packages from")
	f.StringSliceVar(&flags.BuildTags, "build-tags", nil, "Build tags to use during package loading")
	f.BoolVar(&flags.Tests, "tests", false, "Load test packages; test functions become entry points")
	f.IntVar(&flags.Timeout, "timeout", 0, "Analysis timeout in minutes; 0 disables it")
	f.BoolVar(&flags.Shortest, "shortest", false, "Search only the shortest path from each entry point")
	f.BoolVar(&flags.TouchPoints, "touch-points", true, "Collect application to library touch points")
	f.IntVar(&flags.MaxPaths, "max-paths", 10, "Maximum paths uploaded per target construct; 0 keeps all")
	f.StringVar(&flags.Workers, "workers", "auto", `Worker count, "auto" or "auto:<factor of GOMAXPROCS>"`)
	f.StringVar(&flags.Strategy, "strategy", "pruned", "Path enumeration strategy: pruned or dfs")
	f.StringVar(&flags.Algorithm, "algorithm", "rta", "Go call graph algorithm: rta, cha, static or vta")
	f.StringVar(&flags.EntryRegex, "entry-regex", "", "Only keep entry points matching this regular expression")
	f.BoolVar(&flags.Strict, "strict", false, "Fail when configured entry points are missing from the graph")
	f.StringArrayVar(&flags.Exclude, "exclude", nil, "Go package path prefixes or doublestar globs to leave out of the graph")
	f.Float64Var(&flags.UploadRate, "upload-rate", 0, "Maximum uploads per second to the output directory; 0 is unlimited")
	f.BoolVarP(&flags.Verbose, "verbose", "v", false, "Enable verbose output")
	f.BoolVar(&flags.JSON, "json", false, "Output in JSON format")
	f.BoolVar(&flags.Profile, "profile", false, "Enable CPU and memory profiling (writes cpu.prof and mem.prof to current directory)")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	f.StringVar(&flags.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		_ = teardown(nil, nil)
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		var cErr codedError
		if errors.As(err, &cErr) {
			os.Exit(cErr.code)
		}
		os.Exit(exitError)
	}
}

func runCommand(cmd *cobra.Command, args []string) error {
	if flags.Bugs == "" {
		return errWithCode(errors.New("--bugs is required"), exitError)
	}

	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return errWithCode(err, exitError)
	}

	builder, lang, err := cfg.NewBuilder("")
	if err != nil {
		return errWithCode(fmt.Errorf("create builder: %w", err), exitError)
	}
	bugs, err := config.LoadBugs(flags.Bugs, lang)
	if err != nil {
		return errWithCode(err, exitError)
	}

	opts, err := cfg.Options(lang)
	if err != nil {
		return errWithCode(err, exitError)
	}
	uploaders := upload.Multi{upload.Log{}}
	if cfg.Output != "" {
		dir := upload.NewDir(cfg.Output)
		slog.Info("writing uploads", "dir", cfg.Output, "run", dir.Run(), "rate", cfg.UploadRate)
		uploaders = append(uploaders, upload.NewThrottle(dir, cfg.UploadRate))
	}
	opts.Uploader = uploaders

	slog.Info("starting reachability analysis", "bugs", len(bugs), "lang", lang)
	result, err := reach.NewAnalyzer(builder, opts).Run(cmd.Context(), bugs)
	if err != nil {
		return errWithCode(fmt.Errorf("analyze: %w", err), exitError)
	}

	if err := writeResults(result); err != nil {
		return errWithCode(fmt.Errorf("format results: %w", err), exitError)
	}
	if err := writeMetrics(); err != nil {
		return errWithCode(err, exitError)
	}

	switch {
	case !result.Success:
		return errWithCode(fmt.Errorf("analysis failed: %w", result.Err), exitError)
	case len(result.Reachable()) > 0:
		return errWithCode(nil, exitReachable)
	}
	return nil
}

// loadConfig reads the configuration file and applies the flags that were
// set explicitly.
func loadConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	load := config.Load
	if !cmd.Flags().Changed("config") {
		load = config.LoadOptional
	}
	cfg, err := load(flags.Config)
	if err != nil {
		return cfg, err
	}

	changed := cmd.Flags().Changed
	if len(args) > 0 {
		cfg.Go.Packages = args
	}
	if changed("graph") {
		cfg.Graph = flags.Graph
	}
	if changed("out") {
		cfg.Output = flags.Out
	}
	if changed("dir") {
		cfg.Go.Dir = flags.Dir
	}
	if changed("build-tags") {
		cfg.Go.BuildTags = flags.BuildTags
	}
	if changed("tests") {
		cfg.Go.Tests = flags.Tests
	}
	if changed("timeout") {
		cfg.TimeoutMinutes = flags.Timeout
	}
	if changed("shortest") {
		cfg.ShortestOnly = flags.Shortest
	}
	if changed("touch-points") {
		cfg.TouchPoints = flags.TouchPoints
	}
	if changed("max-paths") {
		cfg.MaxPathsPerTarget = flags.MaxPaths
	}
	if changed("workers") {
		cfg.Workers = flags.Workers
	}
	if changed("strategy") {
		cfg.Strategy = flags.Strategy
	}
	if changed("algorithm") {
		cfg.Go.Algorithm = flags.Algorithm
	}
	if changed("entry-regex") {
		cfg.EntryRegex = flags.EntryRegex
	}
	if changed("strict") {
		cfg.Strict = flags.Strict
	}
	if changed("exclude") {
		cfg.Go.ExcludePackages = flags.Exclude
	}
	if changed("upload-rate") {
		cfg.UploadRate = flags.UploadRate
	}
	return cfg, cfg.Validate()
}

func writeMetrics() error {
	if flags.MetricsFile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(flags.MetricsFile, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}

var (
	cpuProfile    *os.File
	metricsServer *http.Server
)

func setup(_ *cobra.Command, _ []string) error {
	// Disable logger unless verbose flag is set.
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if flags.Verbose {
		opts := &slog.HandlerOptions{Level: slog.LevelDebug}
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
		if flags.JSON {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
		slog.SetDefault(slog.New(handler))
	}

	if flags.MetricsAddr != "" {
		if err := serveMetrics(flags.MetricsAddr); err != nil {
			return err
		}
	}

	if !flags.Profile {
		return nil
	}

	var err error
	cpuProfile, err = os.Create("cpu.prof")
	if err != nil {
		return fmt.Errorf("creating cpu.prof: %w", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		_ = cpuProfile.Close()
		return fmt.Errorf("starting CPU profile: %w", err)
	}
	slog.Info("cpu profiling started", "file", "cpu.prof")
	return nil
}

func serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "err", err)
		}
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(ctx)
		cancel()
		metricsServer = nil
	}

	if !flags.Profile || cpuProfile == nil {
		return nil
	}

	pprof.StopCPUProfile()
	defer cpuProfile.Close()
	cpuProfile = nil
	slog.Info("cpu profiling stopped", "file", "cpu.prof")

	memFile, err := os.Create("mem.prof")
	if err != nil {
		return fmt.Errorf("creating mem.prof: %w", err)
	}
	defer memFile.Close()
	runtime.GC() // Get up-to-date statistics
	if err := pprof.WriteHeapProfile(memFile); err != nil {
		return fmt.Errorf("writing memory profile: %w", err)
	}
	slog.Info("memory profiling completed", "file", "mem.prof")
	return nil
}

func errWithCode(err error, code int) error {
	return codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code int
}

func (e codedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}
