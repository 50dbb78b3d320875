package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/imgcatch/artifact"
	"github.com/hazyhaar/imgcatch/dbopen"
	"github.com/hazyhaar/imgcatch/trace"
)

// Header matching modes.
const (
	// HeaderMatchSubstring looks for the literal bytes "Content-Type: image"
	// anywhere in the header section, case-sensitive.
	HeaderMatchSubstring = "substring"
	// HeaderMatchStructured parses header lines and matches a Content-Type
	// field whose media type is image/*.
	HeaderMatchStructured = "structured"
)

// Config holds the full imgcatch configuration.
type Config struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Backlog int    `yaml:"backlog"` // informational, the OS listen queue applies

	ChunkSize       int           `yaml:"chunk_size"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"` // 0 = unbounded
	ReadTimeout     time.Duration `yaml:"read_timeout"`      // 0 = wait forever

	RequestDir string `yaml:"request_dir"`
	ImageDir   string `yaml:"image_dir"`
	Naming     string `yaml:"naming"` // timestamp | unique

	HeaderMatch     string `yaml:"header_match"` // substring | structured
	AnchorEndMarker bool   `yaml:"anchor_end_marker"`

	Concurrent bool `yaml:"concurrent"`
	MaxConns   int  `yaml:"max_conns"` // concurrent mode only, 0 = unbounded

	LedgerPath        string        `yaml:"ledger_path"`         // empty disables the ledger
	LedgerBusyTimeout time.Duration `yaml:"ledger_busy_timeout"` // sqlite busy_timeout
	LedgerSynchronous string        `yaml:"ledger_synchronous"`  // OFF | NORMAL | FULL | EXTRA
	MetricsPath       string        `yaml:"metrics_path"`        // empty disables metrics
	AdminListen       string        `yaml:"admin_listen"`        // empty disables the admin API
	TraceSQL          bool          `yaml:"trace_sql"`           // trace ledger statements
}

// DefaultConfig returns the single-connection behaviour: loopback
// port 8000, 8 KiB reads, no limits, second-resolution names.
func DefaultConfig() *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        8000,
		Backlog:     5,
		ChunkSize:   8192,
		RequestDir:  "./request",
		ImageDir:    "./images",
		Naming:      artifact.NamingTimestamp,
		HeaderMatch: HeaderMatchSubstring,

		LedgerBusyTimeout: 10 * time.Second,
		LedgerSynchronous: "NORMAL",
	}
}

// LoadConfig reads a YAML file over DefaultConfig. A missing file is not an
// error when allowMissing is set: defaults are returned as-is.
func LoadConfig(path string, allowMissing bool) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && errors.Is(err, fs.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("backlog must be > 0")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be > 0")
	}
	if c.MaxRequestBytes < 0 {
		return fmt.Errorf("max_request_bytes must be >= 0")
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout must be >= 0")
	}
	if c.RequestDir == "" || c.ImageDir == "" {
		return fmt.Errorf("request_dir and image_dir are required")
	}
	switch c.Naming {
	case artifact.NamingTimestamp, artifact.NamingUnique:
	default:
		return fmt.Errorf("invalid naming %q (want timestamp|unique)", c.Naming)
	}
	switch c.HeaderMatch {
	case HeaderMatchSubstring, HeaderMatchStructured:
	default:
		return fmt.Errorf("invalid header_match %q (want substring|structured)", c.HeaderMatch)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("max_conns must be >= 0")
	}
	if c.LedgerBusyTimeout < 0 {
		return fmt.Errorf("ledger_busy_timeout must be >= 0")
	}
	switch strings.ToUpper(c.LedgerSynchronous) {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("invalid ledger_synchronous %q (want OFF|NORMAL|FULL|EXTRA)", c.LedgerSynchronous)
	}
	return nil
}

// Addr returns host:port for net.Listen.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ReadOptions derives the stream reader settings.
func (c *Config) ReadOptions() ReadOptions {
	return ReadOptions{
		ChunkSize: c.ChunkSize,
		MaxBytes:  c.MaxRequestBytes,
		Timeout:   c.ReadTimeout,
	}
}

// LedgerOptions derives the dbopen options for the ledger database.
func (c *Config) LedgerOptions() []dbopen.Option {
	opts := []dbopen.Option{
		dbopen.WithBusyTimeout(int(c.LedgerBusyTimeout.Milliseconds())),
		dbopen.WithSynchronous(strings.ToUpper(c.LedgerSynchronous)),
	}
	if c.TraceSQL {
		opts = append(opts, dbopen.WithDriver(trace.DriverName))
	}
	return opts
}
