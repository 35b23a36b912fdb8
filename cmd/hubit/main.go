// Command hubit is the thin CLI wrapper around pkg/hubit/model: it
// decodes a model file and an input file, builds a Model against a Go-
// plugin component loader, runs a query, and prints the response as
// YAML. Model/input parsing and component resolution both live here,
// at the edge, per spec.md §1 — the engine core packages never see a
// file path.
package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/starkandwayne/goutils/ansi"
	"github.com/voxelbrain/goptions"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mrsonne/hubit-go/internal/hlog"
	"github.com/mrsonne/hubit-go/pkg/hubit/cache"
	"github.com/mrsonne/hubit-go/pkg/hubit/engine"
	"github.com/mrsonne/hubit-go/pkg/hubit/model"
)

var printfStdOut = func(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
}

var getopts = func(o interface{}) {
	if err := goptions.Parse(o); err != nil {
		usage()
	}
}

var exit = func(code int) { os.Exit(code) }

var usage = func() {
	goptions.PrintHelp()
	exit(1)
}

type getOpts struct {
	Model       string             `goptions:"-m, --model, obligatory, description='Model file (YAML)'"`
	Input       string             `goptions:"-i, --input, obligatory, description='Input file (YAML)'"`
	CacheDir    string             `goptions:"--cache-dir, description='Persisted-cache directory; unset disables persisted caching'"`
	Parallel    bool               `goptions:"--parallel, description='Dispatch ready workers across a pool instead of inline'"`
	WorkerCache bool               `goptions:"--worker-cache, description='Enable content-addressed worker caching'"`
	Help        bool               `goptions:"--help, -h"`
	Query       goptions.Remainder `goptions:"description='Query paths to resolve'"`
}

func main() {
	var options struct {
		Debug   bool         `goptions:"-D, --debug, description='Enable debug logging'"`
		Trace   bool         `goptions:"-T, --trace, description='Enable trace logging'"`
		Version bool         `goptions:"-v, --version, description='Display version information'"`
		Action  goptions.Verbs
		Get     getOpts `goptions:"get"`
	}
	getopts(&options)

	if options.Debug {
		hlog.SetLevel(hlog.LevelDebug)
	}
	if options.Trace {
		hlog.SetLevel(hlog.LevelTrace)
	}
	ansi.Color(isatty.IsTerminal(os.Stderr.Fd()))

	if options.Version {
		printfStdOut("hubit - Version %s\n", Version)
		return
	}

	switch options.Action {
	case "get":
		if options.Get.Help || len(options.Get.Query) == 0 {
			usage()
			return
		}
		if err := runGet(options.Get); err != nil {
			hlog.ERROR("%s", err)
			exit(2)
		}
	default:
		usage()
	}
}

// Version is overridden at build time via -ldflags.
var Version = "(development)"

func runGet(opts getOpts) error {
	modelData, err := os.ReadFile(opts.Model)
	if err != nil {
		return fmt.Errorf("hubit: read model file: %w", err)
	}
	entries, err := loadModelFile(modelData)
	if err != nil {
		return err
	}
	specs, err := toComponentSpecs(entries)
	if err != nil {
		return err
	}

	inputData, err := os.ReadFile(opts.Input)
	if err != nil {
		return fmt.Errorf("hubit: read input file: %w", err)
	}
	input, err := loadInputFile(inputData)
	if err != nil {
		return err
	}

	var backend model.CacheBackend
	if opts.CacheDir != "" {
		disk, err := cache.NewDiskBackend(opts.CacheDir)
		if err != nil {
			return fmt.Errorf("hubit: persisted cache: %w", err)
		}
		backend = disk
	}

	m, err := model.New(specs, NewPluginLoader(entries), backend)
	if err != nil {
		return err
	}
	if err := m.SetInput(input); err != nil {
		return err
	}

	mode := engine.Cooperative
	if opts.Parallel {
		mode = engine.Parallel
	}
	resp, err := m.Get([]string(opts.Query), model.GetOptions{
		Engine: engine.Options{Mode: mode, Caching: opts.WorkerCache},
	})
	if err != nil {
		return err
	}

	out, err := yamlv3.Marshal(resp)
	if err != nil {
		return fmt.Errorf("hubit: marshal response: %w", err)
	}
	printfStdOut("%s", string(out))
	return nil
}
