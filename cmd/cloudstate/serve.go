package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chazu/cloudstate/bridge"
	"github.com/chazu/cloudstate/manifest"
	"github.com/chazu/cloudstate/server"
	"github.com/chazu/cloudstate/watch"
)

// handleServeCommand processes the `cloudstate serve` subcommand.
// Usage:
//
//	cloudstate serve [--watch] [--memory-only] [--addr A] <file>
func handleServeCommand(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	addr := fs.String("addr", "", "Listen address (default "+manifest.DefaultAddr+")")
	watchFile := fs.Bool("watch", false, "Reload the script when it changes")
	workers := fs.Int("workers", 0, "Concurrent invocations (default one per CPU)")
	timeout := fs.Duration("timeout", 0, "Wall-clock limit per invocation (default 30s)")
	bodyLimit := fs.Int64("body-limit", -1, "Maximum request body in bytes, 0 for no limit")
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
	if *addr != "" {
		m.Server.Addr = *addr
	}
	if *watchFile {
		m.Server.Watch = true
	}
	if *workers > 0 {
		m.Server.Workers = *workers
	}
	if *timeout > 0 {
		m.Server.Timeout = *timeout
	}
	if *bodyLimit >= 0 {
		m.Server.BodyLimit = *bodyLimit
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, path, m); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, path string, m *manifest.Manifest) error {
	s, err := openStore(ctx, m)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", m.Store.Backend, err)
	}
	defer s.Close()
	b := bridge.New(s)

	cfg := server.ReloaderConfig{
		Path:      path,
		Namespace: m.Project.Namespace,
		Timeout:   m.Server.Timeout,
		Env:       manifest.CaptureEnv,
	}
	var w *watch.Watcher
	if m.Server.Watch {
		if w, err = watch.New(path, 0); err != nil {
			return err
		}
		go w.Run(ctx)
		cfg.Loaded = func(st *server.State) {
			if err := w.Track(st.Script.Inputs...); err != nil {
				log.Warningf("watching imports of %s: %v", path, err)
			}
		}
	}

	reloader := server.NewReloader(server.NewSlot(nil), cfg)
	if _, err := reloader.Reload(ctx); err != nil {
		return err
	}
	if w != nil {
		go reloader.Run(ctx, w.Events())
	}

	srv := server.New(reloader, b,
		server.WithWorkers(m.Server.Workers),
		server.WithTimeout(m.Server.Timeout),
		server.WithBodyLimit(m.Server.BodyLimit),
	)
	defer srv.Stop()
	return srv.ListenAndServe(ctx, m.Server.Addr)
}
