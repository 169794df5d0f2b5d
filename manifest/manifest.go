// Package manifest handles boot.toml, the build-time configuration embedded
// next to the bytecode image.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/ev3boot/pkg/bytecode"
)

// FileName is the manifest's name on disk.
const FileName = "boot.toml"

// Manifest represents a boot.toml configuration.
type Manifest struct {
	App App      `toml:"app"`
	VM  VMConfig `toml:"vm"`
	Log Log      `toml:"log"`

	// Dir is the directory containing the boot.toml file (set by Load).
	Dir string `toml:"-"`
}

// App names the program and its image file.
type App struct {
	Name  string `toml:"name"`
	Image string `toml:"image"`
}

// VMConfig sizes the VM instance.
type VMConfig struct {
	StackSize   int   `toml:"stack_size"`
	MaxFrames   int   `toml:"max_frames"`
	MaxHandlers int   `toml:"max_handlers"`
	MemoryLimit int64 `toml:"memory_limit"`
	Trace       bool  `toml:"trace"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Silent is the verbosity that turns logging off.
const Silent = -4

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid manifest")

// Parse decodes manifest data and applies defaults. Unknown keys are errors.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	// Defaults
	defaults := bytecode.DefaultConfig()
	if m.App.Name == "" {
		m.App.Name = "ev3_app"
	}
	if m.App.Image == "" {
		m.App.Image = m.App.Name + ".evi"
	}
	if !md.IsDefined("vm", "stack_size") {
		m.VM.StackSize = defaults.StackSize
	}
	if !md.IsDefined("vm", "max_frames") {
		m.VM.MaxFrames = defaults.MaxFrames
	}
	if !md.IsDefined("vm", "max_handlers") {
		m.VM.MaxHandlers = defaults.MaxHandlers
	}
	if !md.IsDefined("log", "verbosity") {
		m.Log.Verbosity = Silent
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load parses the boot.toml file in dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a boot.toml file,
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
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate rejects sizes a VM cannot be opened with.
func (m *Manifest) Validate() error {
	switch {
	case m.VM.StackSize <= 0:
		return fmt.Errorf("%w: vm.stack_size must be positive, got %d", ErrInvalid, m.VM.StackSize)
	case m.VM.MaxFrames <= 0:
		return fmt.Errorf("%w: vm.max_frames must be positive, got %d", ErrInvalid, m.VM.MaxFrames)
	case m.VM.MaxHandlers < 0:
		return fmt.Errorf("%w: vm.max_handlers must not be negative, got %d", ErrInvalid, m.VM.MaxHandlers)
	case m.VM.MemoryLimit < 0:
		return fmt.Errorf("%w: vm.memory_limit must not be negative, got %d", ErrInvalid, m.VM.MemoryLimit)
	}
	return nil
}

// VMConfig returns the VM sizes the manifest asks for.
func (m *Manifest) VMConfig() bytecode.Config {
	return bytecode.Config{
		StackSize:   m.VM.StackSize,
		MaxFrames:   m.VM.MaxFrames,
		MaxHandlers: m.VM.MaxHandlers,
		MemoryLimit: m.VM.MemoryLimit,
		Trace:       m.VM.Trace,
	}
}

// ImagePath returns the image file path relative to the manifest directory.
func (m *Manifest) ImagePath() string {
	if filepath.IsAbs(m.App.Image) || m.Dir == "" {
		return m.App.Image
	}
	return filepath.Join(m.Dir, m.App.Image)
}

// LogPath returns the configured log file, or nil for stderr.
func (m *Manifest) LogPath() *string {
	if m.Log.Path == "" {
		return nil
	}
	path := m.Log.Path
	return &path
}
