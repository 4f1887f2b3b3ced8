// cloudstate CLI - runs a script once or serves its classes over HTTP
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tliron/commonlog"

	"github.com/chazu/cloudstate/manifest"
	"github.com/chazu/cloudstate/store"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("cloudstate")

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "run":
		os.Exit(handleRunCommand(args[1:]))
	case "serve":
		os.Exit(handleServeCommand(args[1:]))
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: cloudstate <command> [options] <script.js>\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run    Run a script once and print its result\n")
	fmt.Fprintf(os.Stderr, "  serve  Serve the script's classes over HTTP\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  cloudstate run --memory-only test.js      # Run against a throwaway store\n")
	fmt.Fprintf(os.Stderr, "  cloudstate serve --watch index.js         # Serve on 0.0.0.0:3000, reload on save\n")
	fmt.Fprintf(os.Stderr, "  cloudstate serve --addr :8080 index.js    # Serve on another port\n")
	fmt.Fprintf(os.Stderr, "\nConfiguration is read from cloudstate.toml next to the script (or a parent\n")
	fmt.Fprintf(os.Stderr, "directory) and CLOUDSTATE_* environment variables; flags override both.\n")
}

// verbosity counts repeated -v flags.
type verbosity int

func (v *verbosity) String() string   { return strconv.Itoa(int(*v)) }
func (v *verbosity) IsBoolFlag() bool { return true }

func (v *verbosity) Set(s string) error {
	if s == "true" {
		*v++
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*v = verbosity(n)
	return nil
}

// commonFlags are shared by run and serve.
type commonFlags struct {
	filename   string
	memoryOnly bool
	backend    string
	namespace  string
	verbose    verbosity
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.filename, "filename", "", "Script to load (alternative to the positional argument)")
	fs.BoolVar(&c.memoryOnly, "memory-only", false, "Use a volatile in-memory store")
	fs.StringVar(&c.backend, "store", "", "Store backend: disk, memory or redis (default from cloudstate.toml)")
	fs.StringVar(&c.namespace, "namespace", "", "Storage namespace (default from cloudstate.toml)")
	fs.Var(&c.verbose, "v", "Increase log verbosity (repeatable)")
}

// resolve finds the script path and the manifest governing it, and applies
// the flags that override manifest settings.
func (c *commonFlags) resolve(positional []string) (string, *manifest.Manifest, error) {
	commonlog.Configure(int(c.verbose), nil)

	path := c.filename
	if path == "" && len(positional) > 0 {
		path = positional[0]
	}
	if path == "" {
		m, err := manifest.FindAndLoad(".")
		if err != nil {
			return "", nil, err
		}
		if m == nil || m.EntryPath() == "" {
			return "", nil, errors.New("no script given and no [project] entry in cloudstate.toml")
		}
		path = m.EntryPath()
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return "", nil, err
	}
	m, err := manifest.ForScript(path)
	if err != nil {
		return "", nil, err
	}

	if c.namespace != "" {
		m.Project.Namespace = c.namespace
	}
	if c.backend != "" {
		m.Store.Backend = c.backend
	}
	if c.memoryOnly {
		m.Store.Backend = store.BackendMemory
	}
	return path, m, nil
}

func openStore(ctx context.Context, m *manifest.Manifest) (store.Store, error) {
	return store.Open(ctx, store.Options{
		Backend:  m.Store.Backend,
		Path:     m.StorePath(),
		RedisURL: m.Store.RedisURL,
	})
}

// parseArgs parses flags that may follow positional arguments, as in
// "cloudstate run test.js --memory-only", and returns the positionals.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}
