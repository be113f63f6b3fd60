package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/portvisor/internal/env"
	"github.com/loykin/portvisor/internal/logger"
	"github.com/loykin/portvisor/internal/manager"
	"github.com/loykin/portvisor/internal/registry"
	pvtls "github.com/loykin/portvisor/internal/tls"
)

// FileName is the config file picked up from the working directory when no
// path is given.
const FileName = "portvisor.toml"

// EnvPrefix prefixes environment overrides, e.g. PORTVISOR_STARTUP_TIMEOUT.
const EnvPrefix = "PORTVISOR"

const (
	defaultStateDir = ".portvisor"
	defaultListen   = "127.0.0.1:9090"
	defaultBasePath = "/api"
)

// Config is the top-level TOML structure.
type Config struct {
	// Root anchors the built-in service table when no services are listed.
	Root           string        `mapstructure:"root"`
	StateDir       string        `mapstructure:"state_dir"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	KillWait       time.Duration `mapstructure:"kill_wait"`
	Workers        int           `mapstructure:"workers"`

	Env      EnvConfig       `mapstructure:"env"`
	Log      logger.Config   `mapstructure:"log"`
	History  HistoryConfig   `mapstructure:"history"`
	Server   ServerConfig    `mapstructure:"server"`
	Services []ServiceConfig `mapstructure:"services"`

	path string
	base string // relative paths in the file resolve against this
}

type EnvConfig struct {
	FileName     string   `mapstructure:"file_name"`
	FallbackDirs []string `mapstructure:"fallback_dirs"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string       `mapstructure:"listen"`
	BasePath string       `mapstructure:"base_path"`
	TLS      pvtls.Config `mapstructure:"tls"`
}

type ServiceConfig struct {
	Name         string             `mapstructure:"name"`
	Port         int                `mapstructure:"port"`
	Command      string             `mapstructure:"command"`
	WorkDir      string             `mapstructure:"workdir"`
	RequiredKeys []string           `mapstructure:"required_keys"`
	Env          []string           `mapstructure:"env"`
	Log          *logger.FileConfig `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", ".")
	v.SetDefault("state_dir", defaultStateDir)
	v.SetDefault("startup_timeout", manager.DefaultStartupTimeout)
	v.SetDefault("grace_period", manager.DefaultGracePeriod)
	v.SetDefault("kill_wait", manager.DefaultKillWait)
	v.SetDefault("workers", manager.DefaultWorkers)
	v.SetDefault("env.file_name", env.DefaultFileName)
	v.SetDefault("env.fallback_dirs", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("server.listen", defaultListen)
	v.SetDefault("server.base_path", defaultBasePath)
	v.SetDefault("server.tls.enabled", false)
}

// Find returns dir/portvisor.toml when it exists, or "".
func Find(dir string) string {
	p := filepath.Join(dir, FileName)
	if st, err := os.Stat(p); err == nil && !st.IsDir() {
		return p
	}
	return ""
}

// Load reads path as TOML. An empty path yields the defaults and the built-in
// service table. Scalar settings can be overridden with PORTVISOR_* variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	base, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		base = filepath.Dir(abs)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	c.path = path
	c.base = base
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Path returns the file the config was loaded from, or "" for defaults.
func (c *Config) Path() string { return c.path }

func (c *Config) validate() error {
	var errs []error
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"startup_timeout", c.StartupTimeout},
		{"grace_period", c.GracePeriod},
		{"kill_wait", c.KillWait},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", d.name, d.v))
		}
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/', got %q", bp))
	}
	if err := c.ServerTLS().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// resolve makes p absolute against the config file's directory.
func (c *Config) resolve(p string) string {
	p = env.ExpandHome(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.base, p)
}

func (c *Config) StateDirPath() string { return c.resolve(c.StateDir) }

// Registry builds the service table. Without [[services]] entries the
// built-in table rooted at Root is used.
func (c *Config) Registry() (*registry.Registry, error) {
	if len(c.Services) == 0 {
		return registry.Default(c.resolve(c.Root)), nil
	}
	descs := make([]registry.Descriptor, 0, len(c.Services))
	for _, s := range c.Services {
		d := registry.Descriptor{
			Name:         s.Name,
			Port:         s.Port,
			Command:      s.Command,
			WorkDir:      c.resolve(s.WorkDir),
			RequiredKeys: s.RequiredKeys,
			Env:          s.Env,
		}
		if d.WorkDir == "" {
			d.WorkDir = c.base
		}
		if s.Log != nil {
			d.Log = *s.Log
			d.Log.Dir = c.resolve(d.Log.Dir)
			d.Log.StdoutPath = c.resolve(d.Log.StdoutPath)
			d.Log.StderrPath = c.resolve(d.Log.StderrPath)
		}
		descs = append(descs, d)
	}
	reg, err := registry.New(descs...)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", c.path, err)
	}
	return reg, nil
}

// Resolver builds the config-key resolver shared by every component.
func (c *Config) Resolver() *env.Resolver {
	dirs := make([]string, 0, len(c.Env.FallbackDirs))
	for _, d := range c.Env.FallbackDirs {
		if strings.TrimSpace(d) != "" {
			dirs = append(dirs, c.resolve(d))
		}
	}
	return env.NewResolver(c.Env.FileName, dirs...)
}

// LogConfig returns the supervisor log settings with the file path resolved.
func (c *Config) LogConfig() logger.Config {
	lc := c.Log
	lc.Path = c.resolve(lc.Path)
	return lc
}

// ServiceLog is the output destination for services without their own
// [services.log]. It defaults to <state_dir>/logs.
func (c *Config) ServiceLog() logger.FileConfig {
	fc := c.Log.File
	fc.Dir = c.resolve(fc.Dir)
	fc.StdoutPath = c.resolve(fc.StdoutPath)
	fc.StderrPath = c.resolve(fc.StderrPath)
	if !fc.Enabled() {
		fc.Dir = filepath.Join(c.StateDirPath(), "logs")
	}
	return fc
}

// HistoryDSN returns the history DSN with a relative sqlite path resolved.
func (c *Config) HistoryDSN() string {
	dsn := strings.TrimSpace(c.History.DSN)
	if dsn == "" {
		return ""
	}
	const sqlitePrefix = "sqlite://"
	switch {
	case strings.HasPrefix(strings.ToLower(dsn), sqlitePrefix):
		p := dsn[len(sqlitePrefix):]
		if p == "" || strings.HasPrefix(p, ":memory:") || strings.HasPrefix(p, "file:") {
			return dsn
		}
		return sqlitePrefix + c.resolve(p)
	case !strings.Contains(dsn, "://"):
		return c.resolve(dsn)
	}
	return dsn
}

// ServerTLS returns [server.tls] with paths resolved. An enabled table
// without cert files or dir uses <state_dir>/tls.
func (c *Config) ServerTLS() pvtls.Config {
	t := c.Server.TLS
	t.CertFile = c.resolve(t.CertFile)
	t.KeyFile = c.resolve(t.KeyFile)
	t.Dir = c.resolve(t.Dir)
	if t.Enabled && t.CertFile == "" && t.KeyFile == "" && t.Dir == "" {
		t.Dir = filepath.Join(c.StateDirPath(), "tls")
	}
	return t
}

// ManagerOptions maps the file onto supervisor settings. Callers add the
// logger, prober, history sinks and the detached flag.
func (c *Config) ManagerOptions() (manager.Options, error) {
	reg, err := c.Registry()
	if err != nil {
		return manager.Options{}, err
	}
	return manager.Options{
		Registry:       reg,
		Resolver:       c.Resolver(),
		StateDir:       c.StateDirPath(),
		StartupTimeout: c.StartupTimeout,
		GracePeriod:    c.GracePeriod,
		KillWait:       c.KillWait,
		Workers:        c.Workers,
		ServiceLog:     c.ServiceLog(),
	}, nil
}
