package server

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

var reloadLog = commonlog.GetLogger("cloudstate.reload")

// ReloadError reports a rebuild that failed. The previous state stays
// active.
type ReloadError struct {
	Path    string
	Version uint64
	Err     error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reload %s (version %d): %v", e.Path, e.Version, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// EnvFunc captures the environment handed to scripts built from path.
type EnvFunc func(path string) (map[string]string, error)

// ReloaderConfig configures a Reloader.
type ReloaderConfig struct {
	Path      string
	Namespace string
	Timeout   time.Duration
	// Env is called on every build. Nil means an empty environment.
	Env EnvFunc
	// Loaded, when set, is called with every state the reloader installs.
	Loaded func(*State)
}

// Reloader rebuilds the State from the script file and installs it in a
// Slot. Builds run without holding the slot lock; only the pointer swap
// takes the write lock.
type Reloader struct {
	cfg  ReloaderConfig
	slot *Slot

	mu      sync.Mutex // serializes builds
	version uint64

	errMu   sync.RWMutex
	lastErr error
}

// NewReloader returns a reloader installing into slot.
func NewReloader(slot *Slot, cfg ReloaderConfig) *Reloader {
	return &Reloader{cfg: cfg, slot: slot}
}

// Slot returns the slot the reloader installs into.
func (r *Reloader) Slot() *Slot { return r.slot }

// Path returns the script path.
func (r *Reloader) Path() string { return r.cfg.Path }

// Reload re-reads the script and environment, builds a new state and swaps
// it in. On failure the active state is kept and a *ReloadError returned.
func (r *Reloader) Reload(ctx context.Context) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	version := r.version + 1
	state, err := r.build(ctx, version)
	if err != nil {
		rerr := &ReloadError{Path: r.cfg.Path, Version: version, Err: err}
		r.setLastError(rerr)
		reloadLog.Errorf("%s", rerr)
		return nil, rerr
	}

	r.version = version
	r.setLastError(nil)
	r.slot.Swap(state)
	reloadLog.Noticef("loaded %s (version %d, %d routes)", r.cfg.Path, version, len(state.Routes))
	if r.cfg.Loaded != nil {
		r.cfg.Loaded(state)
	}
	return state, nil
}

func (r *Reloader) build(ctx context.Context, version uint64) (*State, error) {
	source, err := os.ReadFile(r.cfg.Path)
	if err != nil {
		return nil, err
	}
	var env map[string]string
	if r.cfg.Env != nil {
		env, err = r.cfg.Env(r.cfg.Path)
		if err != nil {
			return nil, err
		}
	}
	return Build(ctx, BuildInput{
		Path:      r.cfg.Path,
		Source:    string(source),
		Namespace: r.cfg.Namespace,
		Env:       env,
		Version:   version,
		Timeout:   r.cfg.Timeout,
	})
}

// LastError returns the error of the most recent reload, or nil when it
// succeeded. It does not wait for a build in progress.
func (r *Reloader) LastError() error {
	r.errMu.RLock()
	defer r.errMu.RUnlock()
	return r.lastErr
}

func (r *Reloader) setLastError(err error) {
	r.errMu.Lock()
	r.lastErr = err
	r.errMu.Unlock()
}

// Run reloads once per value received on events until ctx is done or
// events is closed. Failed reloads are logged and do not stop the loop.
func (r *Reloader) Run(ctx context.Context, events <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			r.Reload(ctx)
		}
	}
}
