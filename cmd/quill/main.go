// quill runs compiled programs, prints their disassembly, serves them over
// Connect and reports trace statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/quill/config"
	"github.com/chazu/quill/stats"
	"github.com/chazu/quill/vm"
	"github.com/chazu/quill/vm/wire"
)

var log = commonlog.GetLogger("quill")

func main() {
	configPath := flag.String("config", "", "Configuration file (default: quill.toml found from the working directory)")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides [log] verbosity)")
	noJIT := flag.Bool("no-jit", false, "Disable the trace compiler")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: quill [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run [-jit-stats] FILE.qbc...   Evaluate compiled programs in the global environment\n")
		fmt.Fprintf(os.Stderr, "  dump FILE.qbc...               Print the disassembly of compiled programs\n")
		fmt.Fprintf(os.Stderr, "  serve [-addr host:port]        Start the evaluation server\n")
		fmt.Fprintf(os.Stderr, "  stats                          Summarize recorded trace events per loop\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}
	if *noJIT {
		cfg.JIT.Enabled = false
	}
	configureLogging(cfg)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "run":
		os.Exit(handleRunCommand(cfg, args[1:], os.Stdout, os.Stderr))
	case "dump":
		os.Exit(handleDumpCommand(args[1:], os.Stdout, os.Stderr))
	case "serve":
		os.Exit(handleServeCommand(cfg, args[1:]))
	case "stats":
		os.Exit(handleStatsCommand(cfg, os.Stdout, os.Stderr))
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

// loadConfig reads the file given with -config, else the nearest
// quill.toml, else the defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", path, err)
		}
		return config.Parse(data, path)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func configureLogging(cfg *config.Config) {
	var path *string
	if cfg.Log.File != "" {
		path = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity, path)
}

// newRuntime builds a runtime from cfg that loads .qbc files for source()
// and library(), and attaches the statistics store when one is configured.
// The returned function releases the store.
func newRuntime(ctx context.Context, cfg *config.Config, out io.Writer) (*vm.Runtime, func(), error) {
	rt := vm.NewRuntime(cfg.VM())
	rt.Output = out
	rt.Loader = wire.ReadFile

	path := cfg.StatsPath()
	if path == "" {
		return rt, func() {}, nil
	}
	store, err := stats.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Attach(ctx, rt); err != nil {
		store.Close()
		return nil, nil, err
	}
	release := func() {
		if err := store.SaveCounters(ctx, rt.ID, rt.JIT.Stats()); err != nil {
			log.Errorf("%s", err)
		}
		if err := store.Close(); err != nil {
			log.Errorf("%s", err)
		}
	}
	return rt, release, nil
}
