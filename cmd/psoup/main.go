// Psoup CLI - runs a program snapshot on the isolate runtime
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/primordialsoup/psoup/manifest"
	"github.com/primordialsoup/psoup/vm"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	configDir := flag.String("config", ".", "Directory containing psoup.toml")
	workers := flag.Int("workers", 0, "Worker thread count (overrides manifest)")
	loop := flag.String("loop", "", "Message loop strategy: portable or native (overrides manifest)")
	seed := flag.Uint64("seed", 0, "Root random seed (overrides manifest)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: psoup [options] [snapshot] [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a program snapshot on the isolate runtime.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  psoup program.snap             # Run a snapshot\n")
		fmt.Fprintf(os.Stderr, "  psoup -loop native program.snap -- arg1 arg2\n")
		fmt.Fprintf(os.Stderr, "  psoup -workers 8 -v program.snap\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	m := manifest.Default()
	if loaded, err := manifest.Load(*configDir); err == nil {
		m = loaded
	} else if !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	if *workers != 0 {
		m.Pool.Workers = *workers
	}
	if *loop != "" {
		m.Loop.Strategy = *loop
	}
	if *seed != 0 {
		m.Isolate.Seed = *seed
	}
	if err := m.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	vm.SetInvariantChecks(m.Debug.InvariantChecks)

	var snapshot []byte
	args := flag.Args()
	if len(args) > 0 {
		var err error
		snapshot, err = os.ReadFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading snapshot %s: %v\n", args[0], err)
			os.Exit(1)
		}
	}

	rt, err := vm.StartupRuntime(vm.RuntimeOptions{
		Workers:        m.Pool.Workers,
		Strategy:       vm.LoopStrategy(m.Loop.Strategy),
		Seed:           m.Isolate.Seed,
		Snapshot:       snapshot,
		NewHeap:        newSnapshotHeap,
		NewInterpreter: newShellInterpreter,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting runtime: %v\n", err)
		os.Exit(1)
	}

	// The program argv is the first event the main isolate observes.
	main, err := rt.Spawn(vm.NewArgvMessage(vm.IllegalPort, args), m.Isolate.Seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error spawning main isolate: %v\n", err)
		os.Exit(1)
	}
	main.Await()
	rt.Shutdown()
}
