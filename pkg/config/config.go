// Package config handles qvm.toml host configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fortiblox/qvm/pkg/qvm/vm"
	"github.com/fortiblox/qvm/pkg/rpc"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "qvm.toml"

// Config is the host configuration.
type Config struct {
	DebugLevel      int             `toml:"debug_level"`
	MaxInstructions uint64          `toml:"max_instructions"`
	Store           StoreConfig     `toml:"store"`
	Snapshots       SnapshotsConfig `toml:"snapshots"`
	Log             LogConfig       `toml:"log"`
	RPC             RPCConfig       `toml:"rpc"`

	// Dir is the directory containing the config file (set at load time).
	// Relative paths are resolved against it.
	Dir string `toml:"-"`
}

// StoreConfig configures the module store.
type StoreConfig struct {
	Path   string `toml:"path"`
	NoSync bool   `toml:"no_sync"`
}

// SnapshotsConfig configures the snapshot store.
type SnapshotsConfig struct {
	Path       string `toml:"path"`
	SyncWrites *bool  `toml:"sync_writes"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// RPCConfig configures the JSON-RPC server started by qvm serve.
type RPCConfig struct {
	Addr           string        `toml:"addr"`
	MaxRequestSize int64         `toml:"max_request_size"`
	EnableCORS     bool          `toml:"enable_cors"`
	AllowedOrigins []string      `toml:"allowed_origins"`
	LogRequests    bool          `toml:"log_requests"`
	CallTimeout    time.Duration `toml:"call_timeout"` // e.g. "10s"
	MaxOutput      int           `toml:"max_output"`
}

// Default returns the configuration used when no file exists.
func Default(dir string) *Config {
	c := &Config{Dir: dir}
	c.applyDefaults()
	return c
}

// Load parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find qvm.toml. When none is found
// it returns the defaults rooted at startDir.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for d := dir; ; {
		path := filepath.Join(d, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(d)
		if parent == d {
			return Default(dir), nil
		}
		d = parent
	}
}

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(".qvm", "modules.db")
	}
	if c.Snapshots.Path == "" {
		c.Snapshots.Path = filepath.Join(".qvm", "snapshots")
	}
	defaults := rpc.DefaultConfig()
	if c.RPC.Addr == "" {
		c.RPC.Addr = defaults.Addr
	}
	if c.RPC.MaxRequestSize == 0 {
		c.RPC.MaxRequestSize = defaults.MaxRequestSize
	}
	if c.RPC.CallTimeout == 0 {
		c.RPC.CallTimeout = defaults.CallTimeout
	}
	if c.RPC.MaxOutput == 0 {
		c.RPC.MaxOutput = defaults.MaxOutput
	}
	if c.Snapshots.SyncWrites == nil {
		sync := true
		c.Snapshots.SyncWrites = &sync
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DebugLevel < 0 || c.DebugLevel > 2 {
		errs = append(errs, fmt.Errorf("debug_level %d not in 0..2", c.DebugLevel))
	}
	if c.Log.Verbosity < -4 || c.Log.Verbosity > 2 {
		errs = append(errs, fmt.Errorf("log.verbosity %d not in -4..2", c.Log.Verbosity))
	}
	if c.RPC.MaxRequestSize < 0 {
		errs = append(errs, fmt.Errorf("rpc.max_request_size %d is negative", c.RPC.MaxRequestSize))
	}
	if c.RPC.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("rpc.call_timeout %v is negative", c.RPC.CallTimeout))
	}
	return errors.Join(errs...)
}

// StorePath returns the absolute module store path.
func (c *Config) StorePath() string {
	return c.resolve(c.Store.Path)
}

// SnapshotsPath returns the absolute snapshot store path.
func (c *Config) SnapshotsPath() string {
	return c.resolve(c.Snapshots.Path)
}

// LogFile returns the absolute log file path, or "" for stderr.
func (c *Config) LogFile() string {
	if c.Log.File == "" {
		return ""
	}
	return c.resolve(c.Log.File)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// VMOptions returns the VM options derived from the configuration.
func (c *Config) VMOptions() vm.Options {
	return vm.Options{
		DebugLevel:      c.DebugLevel,
		MaxInstructions: c.MaxInstructions,
	}
}

// RPCOptions returns the RPC server configuration derived from the
// configuration.
func (c *Config) RPCOptions(version string) rpc.Config {
	cfg := rpc.DefaultConfig()
	cfg.Addr = c.RPC.Addr
	cfg.MaxRequestSize = c.RPC.MaxRequestSize
	cfg.EnableCORS = c.RPC.EnableCORS
	cfg.AllowedOrigins = c.RPC.AllowedOrigins
	cfg.LogRequests = c.RPC.LogRequests
	cfg.CallTimeout = c.RPC.CallTimeout
	cfg.MaxOutput = c.RPC.MaxOutput
	cfg.VM = c.VMOptions()
	cfg.Version = version
	return cfg
}
