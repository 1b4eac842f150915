// Package config handles quill.toml engine configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"

	"github.com/chazu/quill/vm"
)

// FileName is the name of the configuration file.
const FileName = "quill.toml"

//go:embed schema.cue
var schemaSource string

// Config represents a quill.toml file.
type Config struct {
	Engine Engine `toml:"engine"`
	JIT    JIT    `toml:"jit"`
	Server Server `toml:"server"`
	Stats  Stats  `toml:"stats"`
	Log    Log    `toml:"log"`

	// Dir is the directory containing the quill.toml file (set at load time).
	Dir string `toml:"-"`
}

// Engine configures the interpreter and its heap.
type Engine struct {
	GCThreshold int    `toml:"gc-threshold"`
	LibraryPath string `toml:"library-path"`
}

// JIT configures the trace recorder and compiler.
type JIT struct {
	Enabled          bool `toml:"enabled"`
	RecordTrigger    int  `toml:"record-trigger"`
	SpecializeLength int  `toml:"specialize-length"`
	MaxRecordLength  int  `toml:"max-record-length"`
	ExitBlacklist    int  `toml:"exit-blacklist"`
	AbortBlacklist   int  `toml:"abort-blacklist"`
	TraceCacheSize   int  `toml:"trace-cache-size"`
	FusionWidth      int  `toml:"fusion-width"`
}

// Server configures quill serve.
type Server struct {
	Addr        string `toml:"addr"`
	MaxSessions int    `toml:"max-sessions"`
}

// Stats configures the trace statistics store. An empty path disables it.
type Stats struct {
	Path string `toml:"path"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no quill.toml is present.
func Default() *Config {
	d := vm.DefaultConfig()
	return &Config{
		Engine: Engine{GCThreshold: d.GCThreshold, LibraryPath: d.LibraryPath},
		JIT: JIT{
			Enabled:          d.JITEnabled,
			RecordTrigger:    d.RecordTrigger,
			SpecializeLength: d.SpecializeLength,
			MaxRecordLength:  d.MaxRecordLength,
			ExitBlacklist:    d.ExitBlacklist,
			AbortBlacklist:   d.AbortBlacklist,
			TraceCacheSize:   d.TraceCacheSize,
			FusionWidth:      d.FusionWidth,
		},
		Server: Server{Addr: "127.0.0.1:7077", MaxSessions: 64},
		Log:    Log{Verbosity: 0},
	}
}

// Parse decodes configuration text. name is used in error messages. Keys
// that are absent keep their defaults.
func Parse(data []byte, name string) (*Config, error) {
	raw := map[string]any{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	return c, nil
}

// validate checks decoded TOML against the embedded CUE schema: known
// keys only, and every value in range.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(raw))
	return v.Validate(cue.Concrete(true))
}

// Load parses the quill.toml file in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a quill.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// resolve makes a configured path absolute relative to the file's
// directory.
func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// StatsPath returns the statistics database path, or "" when disabled.
func (c *Config) StatsPath() string {
	return c.resolve(c.Stats.Path)
}

// VM returns the runtime tunables.
func (c *Config) VM() vm.Config {
	return vm.Config{
		GCThreshold:      c.Engine.GCThreshold,
		JITEnabled:       c.JIT.Enabled,
		RecordTrigger:    c.JIT.RecordTrigger,
		SpecializeLength: c.JIT.SpecializeLength,
		MaxRecordLength:  c.JIT.MaxRecordLength,
		ExitBlacklist:    c.JIT.ExitBlacklist,
		AbortBlacklist:   c.JIT.AbortBlacklist,
		TraceCacheSize:   c.JIT.TraceCacheSize,
		FusionWidth:      c.JIT.FusionWidth,
		LibraryPath:      c.resolve(c.Engine.LibraryPath),
	}
}
