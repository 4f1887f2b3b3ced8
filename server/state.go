package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/chazu/cloudstate/bridge"
	"github.com/chazu/cloudstate/engine"
)

// StatusPath answers liveness checks.
const StatusPath = "/cloudstate/status"

// ErrRouteNotFound is returned when no route matches a request path. It is
// an expected outcome and is not logged as an error.
var ErrRouteNotFound = errors.New("route not found")

// reservedNames cannot be used as class names: "cloudstate" is the first
// segment of StatusPath and the rest are object model globals.
var reservedNames = map[string]bool{
	"cloudstate":            true,
	"Cloudstate":            true,
	"CloudstateTransaction": true,
	"StoreError":            true,
	"BridgeError":           true,
}

// IsReservedName reports whether name cannot be used as a class name.
func IsReservedName(name string) bool {
	return reservedNames[name]
}

// Route binds a request path to a class method.
type Route struct {
	Class  string `json:"class"`
	Method string `json:"method"`
}

// RoutePath is the request path for method on class.
func RoutePath(class, method string) string {
	return "/" + class + "/" + method
}

// State is an immutable snapshot of a compiled script and its routes.
// A *State is never modified after Build returns it.
type State struct {
	Version   uint64
	Path      string
	Script    *engine.Script
	Namespace string
	Env       map[string]string
	Classes   []engine.Class
	Routes    map[string]Route
	BuiltAt   time.Time
}

// Resolve returns the route bound to path.
func (s *State) Resolve(path string) (Route, error) {
	r, ok := s.Routes[path]
	if !ok {
		return Route{}, ErrRouteNotFound
	}
	return r, nil
}

// RoutePaths returns the route table's paths in sorted order.
func (s *State) RoutePaths() []string {
	paths := make([]string, 0, len(s.Routes))
	for p := range s.Routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// BuildInput is everything a State is derived from.
type BuildInput struct {
	Path      string
	Source    string
	Namespace string
	Env       map[string]string
	Version   uint64
	Timeout   time.Duration
}

// Build compiles the script in a throwaway engine instance with no store
// attached and derives the route table. Storage calls made while the
// script loads fail, so a build never touches the store.
func Build(ctx context.Context, in BuildInput) (*State, error) {
	if err := bridge.Validate("namespace", in.Namespace); err != nil {
		return nil, err
	}
	script, err := engine.PrepareFile(in.Path, in.Source)
	if err != nil {
		return nil, err
	}

	inst, err := engine.New(ctx, engine.Config{
		Bridge:    bridge.Unavailable(),
		Namespace: in.Namespace,
		Env:       in.Env,
		Timeout:   in.Timeout,
	}, script)
	if err != nil {
		return nil, err
	}
	defer inst.Close()

	classes, err := inst.Describe(ctx)
	if err != nil {
		return nil, err
	}

	routes := make(map[string]Route)
	for _, c := range classes {
		if IsReservedName(c.Name) {
			return nil, fmt.Errorf("class %s: name is reserved", c.Name)
		}
		for _, m := range c.Methods {
			path := RoutePath(c.Name, m)
			if prev, ok := routes[path]; ok {
				return nil, fmt.Errorf("route %s is bound to both %s.%s and %s.%s", path, prev.Class, prev.Method, c.Name, m)
			}
			routes[path] = Route{Class: c.Name, Method: m}
		}
	}

	return &State{
		Version:   in.Version,
		Path:      in.Path,
		Script:    script,
		Namespace: in.Namespace,
		Env:       in.Env,
		Classes:   classes,
		Routes:    routes,
		BuiltAt:   time.Now(),
	}, nil
}
