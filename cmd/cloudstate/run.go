package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/chazu/cloudstate/bridge"
	"github.com/chazu/cloudstate/engine"
	"github.com/chazu/cloudstate/manifest"
)

// handleRunCommand processes the `cloudstate run` subcommand: the script is
// evaluated once as a top-level program and globalThis.result is printed.
// Usage:
//
//	cloudstate run [--memory-only] [--store B] [--namespace NS] <file>
func handleRunCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	timeout := fs.Duration("timeout", 0, "Wall-clock limit for the script (default from cloudstate.toml)")
	positional, err := parseArgs(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	path, m, err := common.resolve(positional)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *timeout > 0 {
		m.Server.Timeout = *timeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := runOnce(ctx, path, m)
	var serr *engine.ScriptError
	if errors.As(err, &serr) {
		res, err = &engine.Result{Err: serr}, nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if res.Err != nil {
		out, _ := json.Marshal(map[string]*engine.ScriptError{"error": res.Err})
		fmt.Println(string(out))
		return 1
	}
	fmt.Println(string(res.Value))
	return 0
}

func runOnce(ctx context.Context, path string, m *manifest.Manifest) (*engine.Result, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	script, err := engine.PrepareFile(path, string(source))
	if err != nil {
		return nil, err
	}
	env, err := manifest.CaptureEnv(path)
	if err != nil {
		return nil, err
	}

	s, err := openStore(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", m.Store.Backend, err)
	}
	defer s.Close()

	return engine.RunOnce(ctx, engine.Config{
		Bridge:    bridge.New(s),
		Namespace: m.Project.Namespace,
		Env:       env,
		Timeout:   m.Server.Timeout,
	}, script)
}
