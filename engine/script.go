package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"
)

// ExportsGlobal is the global the bundled script assigns its ES module
// exports to.
const ExportsGlobal = "__cloudstate_exports"

// DefaultExportName routes an anonymous default-exported class.
const DefaultExportName = "Default"

var identRe = regexp.MustCompile(`^[A-Za-z_$][\w$]*$`)

// Export binds a routable class name to where the loaded script holds the
// class.
type Export struct {
	Name string
	// Key is the property of the module's export object. It is empty for
	// classes of a script without exports, which are looked up by name.
	Key string
}

// Script is a user script bundled for evaluation as a classic script.
type Script struct {
	// Path is the entry file; empty for scripts given as text.
	Path string
	// Source is the text as written by the user.
	Source string
	// Text is the bundled program: the entry and everything it imports,
	// wrapped so that its exports land in ExportsGlobal.
	Text string
	// Exports lists the routable classes. When the entry has no export
	// statements every top-level class is listed.
	Exports []Export
	// Classes lists the top-level classes of the entry, exported or not.
	Classes []string
	// Inputs are the absolute paths of the files bundled into Text.
	Inputs []string
}

// Prepare bundles source with imports resolved against the working
// directory.
func Prepare(source string) (*Script, error) {
	return PrepareFile("", source)
}

// PrepareFile bundles source, read from path, together with the modules it
// imports. Syntax and resolution errors are returned as *ScriptError.
func PrepareFile(path, source string) (*Script, error) {
	dir, err := resolveDir(path)
	if err != nil {
		return nil, err
	}
	name := "script.js"
	if path != "" {
		name = filepath.Base(path)
	}

	s := &Script{Path: path, Source: source}
	if err := s.analyze(name); err != nil {
		return nil, err
	}

	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   withScope(source, s.Classes),
			ResolveDir: dir,
			Sourcefile: name,
			Loader:     api.LoaderJS,
		},
		AbsWorkingDir: dir,
		Bundle:        true,
		Format:        api.FormatIIFE,
		GlobalName:    ExportsGlobal,
		Platform:      api.PlatformNeutral,
		MainFields:    []string{"module", "main"},
		Target:        api.ESNext,
		KeepNames:     true,
		TreeShaking:   api.TreeShakingFalse,
		Metafile:      true,
		LogLevel:      api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return nil, buildError(result.Errors[0])
	}
	if len(result.OutputFiles) != 1 {
		return nil, fmt.Errorf("engine: bundling %s: got %d outputs", name, len(result.OutputFiles))
	}
	s.Text = string(result.OutputFiles[0].Contents)

	inputs, err := metafileInputs(result.Metafile, dir, filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	if path != "" {
		inputs = append([]string{path}, inputs...)
	}
	s.Inputs = inputs
	return s, nil
}

func resolveDir(path string) (string, error) {
	if path == "" {
		return os.Getwd()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Dir(abs), nil
}

// analyze records the entry's top-level classes and its exported classes.
func (s *Script) analyze(name string) error {
	ast, err := js.Parse(parse.NewInputString(s.Source), js.Options{})
	if err != nil {
		var perr *parse.Error
		if errors.As(err, &perr) {
			return &ScriptError{
				Name:    "SyntaxError",
				Message: perr.Message,
				Stack:   fmt.Sprintf("    at %s:%d:%d", name, perr.Line, perr.Column),
			}
		}
		return &ScriptError{Name: "SyntaxError", Message: err.Error()}
	}

	isClass := make(map[string]bool)
	addClass := func(v *js.Var) {
		if v == nil {
			return
		}
		n := string(v.Name())
		if !isClass[n] {
			isClass[n] = true
			s.Classes = append(s.Classes, n)
		}
	}
	addClassVars := func(decl *js.VarDecl) []string {
		var names []string
		for _, el := range decl.List {
			v, ok := el.Binding.(*js.Var)
			if !ok {
				continue
			}
			if _, ok := el.Default.(*js.ClassDecl); ok {
				addClass(v)
				names = append(names, string(v.Name()))
			}
		}
		return names
	}

	var (
		hasExports bool
		exports    []Export
		// local bindings exported by name, checked once all classes are known
		pending []Export
	)
	for _, stmt := range ast.List {
		switch n := stmt.(type) {
		case *js.ClassDecl:
			addClass(n.Name)
		case *js.VarDecl:
			addClassVars(n)
		case *js.ExportStmt:
			hasExports = true
			switch decl := n.Decl.(type) {
			case *js.ClassDecl:
				addClass(decl.Name)
				switch {
				case n.Default && decl.Name != nil:
					exports = append(exports, Export{Name: string(decl.Name.Name()), Key: "default"})
				case n.Default:
					exports = append(exports, Export{Name: DefaultExportName, Key: "default"})
				case decl.Name != nil:
					name := string(decl.Name.Name())
					exports = append(exports, Export{Name: name, Key: name})
				}
			case *js.VarDecl:
				for _, name := range addClassVars(decl) {
					exports = append(exports, Export{Name: name, Key: name})
				}
			case *js.Var:
				if n.Default {
					pending = append(pending, Export{Name: string(decl.Name()), Key: "default"})
				}
			case nil:
				for _, alias := range n.List {
					if alias.Binding == nil || string(alias.Binding) == "*" {
						continue
					}
					exported := string(alias.Binding)
					local := exported
					if alias.Name != nil {
						local = string(alias.Name)
					}
					switch {
					case n.Module != nil:
						// re-exported from another module; the object model
						// skips it at load time unless it is a class
						exports = append(exports, Export{Name: exported, Key: exported})
					case exported == "default":
						pending = append(pending, Export{Name: local, Key: "default"})
					default:
						pending = append(pending, Export{Name: local, Key: exported})
					}
				}
			}
		}
	}
	for _, e := range pending {
		if isClass[e.Name] {
			if e.Key != "default" {
				e.Name = e.Key
			}
			exports = append(exports, e)
		}
	}

	if !hasExports {
		for _, c := range s.Classes {
			exports = append(exports, Export{Name: c})
		}
	}

	seen := make(map[string]bool)
	for _, e := range exports {
		if seen[e.Name] || !identRe.MatchString(e.Name) {
			continue
		}
		seen[e.Name] = true
		s.Exports = append(s.Exports, e)
	}
	return nil
}

// withScope gives the object model a way to reach the entry's top-level
// classes, which the bundle keeps out of the global scope. The statement
// shares the first line with the source so reported line numbers hold.
func withScope(source string, classes []string) string {
	var b strings.Builder
	b.WriteString("__cloudstate_scope(function (name) { switch (name) {")
	for _, c := range classes {
		fmt.Fprintf(&b, " case %s: return %s;", jsString(c), c)
	}
	b.WriteString(" } }); ")

	if strings.HasPrefix(source, "#!") {
		line, rest, _ := strings.Cut(source, "\n")
		return line + "\n" + b.String() + rest
	}
	return b.String() + source
}

func buildError(m api.Message) *ScriptError {
	serr := &ScriptError{Name: "SyntaxError", Message: m.Text}
	if m.Location != nil {
		serr.Stack = fmt.Sprintf("    at %s:%d:%d", m.Location.File, m.Location.Line, m.Location.Column+1)
	}
	return serr
}

// metafileInputs lists the files esbuild read, excluding the entry.
func metafileInputs(metafile, dir, entry string) ([]string, error) {
	var meta struct {
		Inputs map[string]json.RawMessage `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(metafile), &meta); err != nil {
		return nil, fmt.Errorf("engine: decoding metafile: %w", err)
	}
	var out []string
	for p := range meta.Inputs {
		if strings.HasPrefix(p, "<") || strings.Contains(p, ":") {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if p != entry {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// registration returns the statement that hands the routable classes to
// the object model.
func (s *Script) registration() string {
	var b strings.Builder
	b.WriteString("__cloudstate_register({")
	for i, e := range s.Exports {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(jsString(e.Name))
		b.WriteString(": ")
		if e.Key != "" {
			b.WriteString(ExportsGlobal + "[" + jsString(e.Key) + "]")
		} else {
			b.WriteString("__cloudstate_class(" + jsString(e.Name) + ")")
		}
	}
	b.WriteString("});")
	return b.String()
}
