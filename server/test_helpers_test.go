package server

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/cloudstate/bridge"
	"github.com/chazu/cloudstate/store"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Every test gets its own in-memory store and script file so tests can run
// invocations that mutate state without interfering with each other.
// ---------------------------------------------------------------------------

const counterScript = `
export class Counter {
  constructor() { this.count = 0; }
  increment(by) { this.count += by === undefined ? 1 : by; return this.count; }
  add(a, b) { return a + b; }
  echo(value) { return value; }
  fail() { throw new Error("counter failed"); }
  spin() { while (true) {} }
}

export class Notes {
  static id = "notes";
  constructor() { this.items = []; }
  add(text) { this.items.push(text); return this.items.length; }
  list() { return this.items; }
}
`

// writeScript writes src to a fresh index.js and returns its path.
func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.js")
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func rewriteScript(t *testing.T, path, src string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestBridge(t *testing.T) *bridge.Bridge {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return bridge.New(s)
}

// newTestReloader loads src into a new slot.
func newTestReloader(t *testing.T, src string) *Reloader {
	t.Helper()
	r := NewReloader(NewSlot(nil), ReloaderConfig{
		Path:      writeScript(t, src),
		Namespace: "test",
		Timeout:   5 * time.Second,
	})
	if _, err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return r
}

type testServer struct {
	*httptest.Server
	server   *Server
	reloader *Reloader
	bridge   *bridge.Bridge
}

func newTestServer(t *testing.T, src string, opts ...ServerOption) *testServer {
	t.Helper()
	r := newTestReloader(t, src)
	b := newTestBridge(t)
	opts = append([]ServerOption{WithWorkers(2), WithTimeout(5 * time.Second)}, opts...)
	s := New(r, b, opts...)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		s.Stop()
	})
	return &testServer{Server: hs, server: s, reloader: r, bridge: b}
}
