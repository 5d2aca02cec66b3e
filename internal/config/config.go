// Package config loads the memline configuration from a TOML or YAML file.
//
// Example memline.toml:
//
//	[swap]
//	dirs = [".", "~/tmp", "/var/tmp"]
//	update_count = 200
//	fsync = true
//
//	[logger]
//	log_level = "debug"
//	file_log_name = "/var/log/memline.log"
//
//	[server]
//	port = 8080
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/oda/memline/internal/block"
	"github.com/oda/memline/pkg/memline"
)

// Config is the complete configuration.
type Config struct {
	Swap   Swap   `toml:"swap" yaml:"swap"`
	Logger Logger `toml:"logger" yaml:"logger"`
	Server Server `toml:"server" yaml:"server"`
}

// Swap configures the swap files.
type Swap struct {
	Dirs               []string `toml:"dirs" yaml:"dirs"`
	UpdateCount        int      `toml:"update_count" yaml:"update_count"`
	Fsync              bool     `toml:"fsync" yaml:"fsync"`
	PageSize           int      `toml:"page_size" yaml:"page_size"`
	MaxCachedBlocks    int      `toml:"max_cached_blocks" yaml:"max_cached_blocks"`
	ShortMessAttention bool     `toml:"short_mess_attention" yaml:"short_mess_attention"`
}

// Logger configures logging; an empty FileLogName logs to stderr.
type Logger struct {
	LogLevel    string `toml:"log_level" yaml:"log_level"`
	FileLogName string `toml:"file_log_name" yaml:"file_log_name"`
	MaxBackups  int    `toml:"max_backups" yaml:"max_backups"`
	MaxAge      int    `toml:"max_age" yaml:"max_age"`
	MaxSize     int    `toml:"max_size" yaml:"max_size"`
	Compress    bool   `toml:"compress" yaml:"compress"`
}

// Server configures the HTTP server.
type Server struct {
	Host string `toml:"host" yaml:"host"`
	Port int    `toml:"port" yaml:"port"`
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Swap: Swap{
			Dirs:        append([]string(nil), memline.DefaultDirs...),
			UpdateCount: 200,
			Fsync:       true,
			PageSize:    block.DefaultPageSize,
		},
		Logger: Logger{
			LogLevel:   "info",
			MaxBackups: 3,
			MaxAge:     28,
			MaxSize:    100,
		},
		Server: Server{
			Host: "localhost",
			Port: 8080,
		},
	}
}

// ParseError is returned for a configuration file that cannot be decoded.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return "parse error in " + e.Path + " at line " + strconv.Itoa(e.Line) +
			", column " + strconv.Itoa(e.Column) + ": " + e.Message
	}
	return "parse error in " + e.Path + ": " + e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Load reads the file at path over the defaults. The format follows the
// extension: .toml, .yaml or .yml. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := Decode(path, data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Decode decodes data into cfg; path only selects the format and names the
// source in errors.
func Decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			pe := &ParseError{Path: path, Message: err.Error(), Err: err}
			var de *toml.DecodeError
			if errors.As(err, &de) {
				pe.Line, pe.Column = de.Position()
			}
			return pe
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return &ParseError{Path: path, Message: err.Error(), Err: err}
		}
	default:
		return &ParseError{Path: path, Message: "unknown config format " + strconv.Quote(ext)}
	}
	return nil
}

// Validate checks the values that have a restricted range.
func (c *Config) Validate() error {
	ps := c.Swap.PageSize
	if ps < block.MinPageSize || ps > block.MaxPageSize || ps&(ps-1) != 0 {
		return errors.Errorf("swap.page_size %d: must be a power of two between %d and %d",
			ps, block.MinPageSize, block.MaxPageSize)
	}
	if c.Swap.UpdateCount < 0 {
		return errors.Errorf("swap.update_count %d: must not be negative", c.Swap.UpdateCount)
	}
	if c.Swap.MaxCachedBlocks < 0 {
		return errors.Errorf("swap.max_cached_blocks %d: must not be negative", c.Swap.MaxCachedBlocks)
	}
	if _, err := zapcore.ParseLevel(c.Logger.LogLevel); err != nil {
		return errors.Wrap(err, "logger.log_level")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port %d: out of range", c.Server.Port)
	}
	return nil
}

// Env variables that override the file.
const (
	EnvLogLevel = "MEMLINE_LOG_LEVEL"
	EnvSwapDirs = "MEMLINE_SWAP_DIRS" // list separated by the OS path list separator
	EnvPort     = "MEMLINE_PORT"
)

// ApplyEnv overrides settings from environment variables found by lookup,
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvLogLevel); ok {
		c.Logger.LogLevel = v
	}
	if v, ok := lookup(EnvSwapDirs); ok {
		c.Swap.Dirs = filepath.SplitList(v)
	}
	if v, ok := lookup(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvPort)
		}
		c.Server.Port = port
	}
	return c.Validate()
}

// Options returns the memline options for the edited file fname.
func (s Swap) Options(fname string, log *zap.Logger) memline.Options {
	return memline.Options{
		FileName:           fname,
		PageSize:           s.PageSize,
		Dirs:               s.Dirs,
		UpdateCount:        s.UpdateCount,
		MaySwap:            s.UpdateCount > 0,
		Fsync:              s.Fsync,
		MaxCached:          s.MaxCachedBlocks,
		ShortMessAttention: s.ShortMessAttention,
		Logger:             log,
	}
}
