// Package manifest handles cloudstate.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// FileName is the manifest file looked up next to the script and in its
// parent directories.
const FileName = "cloudstate.toml"

// EnvPrefix prefixes every environment override, e.g. CLOUDSTATE_SERVER_ADDR.
const EnvPrefix = "CLOUDSTATE"

// Defaults.
const (
	DefaultAddr      = "0.0.0.0:3000"
	DefaultTimeout   = 30 * time.Second
	DefaultStorePath = "cloudstate"
	DefaultBackend   = "disk"
)

// Manifest represents a cloudstate.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Server  Server  `toml:"server"`
	Store   Store   `toml:"store"`

	// Dir is the directory containing the cloudstate.toml file (set at load
	// time). Empty when no file was found.
	Dir string `toml:"-" ignored:"true"`
}

// Project contains project metadata.
type Project struct {
	Name      string `toml:"name"`
	Namespace string `toml:"namespace"`
	Entry     string `toml:"entry"`
}

// Server configures the HTTP server.
type Server struct {
	Addr    string        `toml:"addr"`
	Workers int           `toml:"workers"`
	Timeout time.Duration `toml:"timeout"`
	Watch   bool          `toml:"watch"`

	// BodyLimit caps request bodies in bytes. Zero disables the limit.
	BodyLimit int64 `toml:"body-limit" split_words:"true"`
}

// Store selects and configures the object store backend.
type Store struct {
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	RedisURL string `toml:"redis-url" split_words:"true"`
}

// Default returns a manifest with every default applied and no Dir.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Project.Namespace == "" {
		m.Project.Namespace = NamespaceFor(m.Project.Name)
	}
	if m.Server.Addr == "" {
		m.Server.Addr = DefaultAddr
	}
	if m.Server.Timeout <= 0 {
		m.Server.Timeout = DefaultTimeout
	}
	if m.Store.Backend == "" {
		m.Store.Backend = DefaultBackend
	}
	if m.Store.Path == "" {
		m.Store.Path = DefaultStorePath
	}
}

// Load parses a cloudstate.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find a cloudstate.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// ForScript returns the manifest governing scriptPath, falling back to the
// defaults, with CLOUDSTATE_* environment overrides applied.
func ForScript(scriptPath string) (*Manifest, error) {
	m, err := FindAndLoad(filepath.Dir(scriptPath))
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = Default()
	}
	if err := m.ApplyEnv(); err != nil {
		return nil, err
	}
	return m, nil
}

// ApplyEnv overrides fields from CLOUDSTATE_* environment variables. Unset
// variables leave the current value alone.
func (m *Manifest) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, m); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	m.applyDefaults()
	return nil
}

// StorePath returns the on-disk store directory. A relative path is
// resolved against the manifest directory when there is one.
func (m *Manifest) StorePath() string {
	if filepath.IsAbs(m.Store.Path) || m.Dir == "" {
		return m.Store.Path
	}
	return filepath.Join(m.Dir, m.Store.Path)
}

// EntryPath returns the configured entry script, or "" when unset.
func (m *Manifest) EntryPath() string {
	if m.Project.Entry == "" {
		return ""
	}
	if filepath.IsAbs(m.Project.Entry) || m.Dir == "" {
		return m.Project.Entry
	}
	return filepath.Join(m.Dir, m.Project.Entry)
}
