package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/cloudstate/engine"
	"github.com/chazu/cloudstate/manifest"
	"github.com/chazu/cloudstate/store"
)

func TestParseArgsInterleaved(t *testing.T) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)

	positional, err := parseArgs(fs, []string{"-v", "test.js", "--memory-only", "-v", "--namespace", "ns"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if len(positional) != 1 || positional[0] != "test.js" {
		t.Errorf("positional = %v, want [test.js]", positional)
	}
	if !common.memoryOnly {
		t.Error("--memory-only after the file was not parsed")
	}
	if common.namespace != "ns" {
		t.Errorf("namespace = %q, want ns", common.namespace)
	}
	if common.verbose != 2 {
		t.Errorf("verbosity = %d, want 2", common.verbose)
	}
}

func TestResolveAppliesFlags(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte("[project]\nnamespace = \"from-file\"\n[store]\nbackend = \"redis\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(dir, "index.js")

	c := commonFlags{memoryOnly: true, namespace: "from-flag"}
	path, m, err := c.resolve([]string{script})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if path != script {
		t.Errorf("path = %q, want %q", path, script)
	}
	if m.Project.Namespace != "from-flag" {
		t.Errorf("namespace = %q, want from-flag", m.Project.Namespace)
	}
	if m.Store.Backend != store.BackendMemory {
		t.Errorf("backend = %q, want memory", m.Store.Backend)
	}
}

func TestRunOnceScript(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "test.js")
	src := `
const object = { greeting: env.GREETING };
setRoot("test-root", object);
commit();
result = { greeting: getRoot("test-root").greeting };
`
	if err := os.WriteFile(script, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.EnvFile), []byte("GREETING=hello\n"), 0644); err != nil {
		t.Fatal(err)
	}

	m := manifest.Default()
	m.Store.Backend = store.BackendMemory
	res, err := runOnce(context.Background(), script, m)
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("script error: %v", res.Err)
	}
	if got := string(res.Value); got != `{"greeting":"hello"}` {
		t.Errorf("result = %s", got)
	}
}

func TestRunOnceDiskStorePersists(t *testing.T) {
	dir := t.TempDir()
	write := filepath.Join(dir, "write.js")
	read := filepath.Join(dir, "read.js")
	if err := os.WriteFile(write, []byte(`setRoot("n", { v: 41 }); commit();`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(read, []byte(`result = getRoot("n").v + 1;`), 0644); err != nil {
		t.Fatal(err)
	}

	m := manifest.Default()
	m.Store.Path = filepath.Join(dir, "data")
	for _, path := range []string{write, read} {
		res, err := runOnce(context.Background(), path, m)
		if err != nil {
			t.Fatalf("runOnce %s: %v", path, err)
		}
		if res.Err != nil {
			t.Fatalf("%s: %v", path, res.Err)
		}
		if path == read && strings.TrimSpace(string(res.Value)) != "42" {
			t.Errorf("result = %s, want 42", res.Value)
		}
	}
}

func TestRunOnceBundlesImports(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greet.js"), []byte("export const greet = (n) => \"hi \" + n;\n"), 0644); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(dir, "main.js")
	if err := os.WriteFile(script, []byte("import { greet } from \"./greet.js\";\nresult = greet(\"there\");\n"), 0644); err != nil {
		t.Fatal(err)
	}

	m := manifest.Default()
	m.Store.Backend = store.BackendMemory
	res, err := runOnce(context.Background(), script, m)
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("script error: %v", res.Err)
	}
	if got := string(res.Value); got != `"hi there"` {
		t.Errorf("result = %s", got)
	}
}

func TestRunOnceSyntaxError(t *testing.T) {
	script := filepath.Join(t.TempDir(), "bad.js")
	if err := os.WriteFile(script, []byte("result = ;\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m := manifest.Default()
	m.Store.Backend = store.BackendMemory
	_, err := runOnce(context.Background(), script, m)
	var serr *engine.ScriptError
	if !errors.As(err, &serr) || serr.Name != "SyntaxError" {
		t.Fatalf("err = %v, want SyntaxError", err)
	}
}
