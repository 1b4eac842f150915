package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/chazu/quill/config"
	"github.com/chazu/quill/vm"
	"github.com/chazu/quill/vm/wire"
)

// handleRunCommand processes `quill run`. Each file is evaluated in the
// global environment in order; visible results are printed like the
// console does. The exit code is 1 when any file fails.
func handleRunCommand(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jitStats := fs.Bool("jit-stats", false, "Print trace compiler statistics and traces after running")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "Error: run requires at least one file")
		return 2
	}

	ctx := context.Background()
	rt, release, err := newRuntime(ctx, cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer release()

	th := rt.NewThread()
	defer th.Close()

	code := 0
	for _, path := range fs.Args() {
		if err := runFile(th, path, stdout, stderr); err != nil {
			fmt.Fprintln(stderr, err)
			code = 1
			break
		}
	}

	if *jitStats {
		printJITStats(rt, stdout)
	}
	return code
}

// runFile evaluates one compiled file and prints its visible result and
// warnings.
func runFile(th *vm.Thread, path string, stdout, stderr io.Writer) error {
	p, err := wire.ReadFile(path)
	if err != nil {
		return err
	}
	log.Debugf("running %s", path)
	v, err := th.EvalGlobal(p)
	defer th.ClearWarnings()
	for _, w := range th.Warnings() {
		fmt.Fprintln(stderr, w)
	}
	if err != nil {
		return err
	}
	if th.Visible() {
		fmt.Fprintln(stdout, vm.Format(v))
	}
	return nil
}

func printJITStats(rt *vm.Runtime, w io.Writer) {
	s := rt.JIT.Stats()
	fmt.Fprintf(w, "recordings %d, installed %d, aborted %d, blacklisted %d\n",
		s.Recordings, s.Installed, s.Aborted, s.Blacklisted)
	fmt.Fprintf(w, "invalidated %d, evicted %d, cached %d\n", s.Invalidated, s.Evicted, s.Cached)
	fmt.Fprintf(w, "trace entries %d, side exits %d\n", s.Entries, s.SideExits)
	rt.JIT.Dump(w)
}

// handleDumpCommand processes `quill dump`.
func handleDumpCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Error: dump requires at least one file")
		return 2
	}
	for i, path := range args {
		p, err := wire.ReadFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if i > 0 {
			fmt.Fprintln(stdout)
		}
		if len(args) > 1 {
			fmt.Fprintf(stdout, "; %s\n", path)
		}
		fmt.Fprintln(stdout, vm.Disassemble(p))
	}
	return 0
}
