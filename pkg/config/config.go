// Package config loads and validates the xdplbd YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psaab/xdplb/pkg/dataplane"
	"github.com/psaab/xdplb/pkg/redirect"
	"github.com/psaab/xdplb/pkg/rotation"
)

// DefaultPath is where xdplbd looks for its configuration.
const DefaultPath = "/etc/xdplb/xdplbd.yaml"

// Defaults.
const (
	DefaultInterface       = "lo"
	DefaultAPIAddr         = "127.0.0.1:8080"
	DefaultGRPCAddr        = "127.0.0.1:50051"
	DefaultAuditorInterval = 10 * time.Second
	DefaultSyslogPort      = 514
	DefaultEventBuffer     = 256
)

// DefaultListenPort and DefaultBackends form the built-in seed entry.
const DefaultListenPort uint16 = 9996

// DefaultBackends returns the backends of the built-in seed entry.
func DefaultBackends() []uint16 { return []uint16{9997, 9998, 9999} }

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the daemon configuration.
type Config struct {
	Interface  string `yaml:"interface"`   // default "lo"
	XDPMode    string `yaml:"xdp_mode"`    // auto, native, generic
	Dataplane  string `yaml:"dataplane"`   // xdp (default) or userspace
	Rotation   string `yaml:"rotation"`    // relaxed (default) or strict
	MaxEntries int    `yaml:"max_entries"` // backend_ports size, default 10
	PinPath    string `yaml:"pin_path"`    // bpffs directory; empty disables pinning

	APIAddr  string `yaml:"api_addr"`  // empty disables the HTTP API
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the gRPC API

	Debug       bool `yaml:"debug"`
	EventBuffer int  `yaml:"event_buffer"`

	Auditor  AuditorConfig   `yaml:"auditor"`
	Services []ServiceConfig `yaml:"services"`
	Syslog   *SyslogConfig   `yaml:"syslog"`
	APIAuth  *APIAuthConfig  `yaml:"api_auth"`
}

// ServiceConfig is one seed entry of the rotation table.
type ServiceConfig struct {
	ListenPort uint16   `yaml:"listen_port"`
	Backends   []uint16 `yaml:"backends"`
}

// AuditorConfig controls the periodic table sweep.
type AuditorConfig struct {
	Interval Duration `yaml:"interval"` // default 10s
	Disabled bool     `yaml:"disabled"`
	NoRepair bool     `yaml:"no_repair"` // report bad cursors without rewriting them
}

// SyslogConfig names a remote syslog target for daemon logs.
type SyslogConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`     // default 514
	Facility string `yaml:"facility"` // default local0
	Severity string `yaml:"severity"` // error, warning, info, debug; empty = all
	Tag      string `yaml:"tag"`
}

// APIAuthConfig enables authentication on the HTTP API. /health and
// /metrics stay open.
type APIAuthConfig struct {
	Users   map[string]string `yaml:"users"`    // username -> password
	APIKeys []string          `yaml:"api_keys"` // Bearer or X-API-Key tokens
}

// Default returns the built-in configuration: attach to lo in auto mode and
// seed 9996 -> [9997 9998 9999].
func Default() *Config {
	cfg := &Config{APIAddr: DefaultAPIAddr, GRPCAddr: DefaultGRPCAddr}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Interface == "" {
		c.Interface = DefaultInterface
	}
	if c.XDPMode == "" {
		c.XDPMode = string(dataplane.XDPModeAuto)
	}
	if c.Dataplane == "" {
		c.Dataplane = dataplane.TypeXDP
	}
	if c.Rotation == "" {
		c.Rotation = redirect.ModeRelaxed.String()
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = rotation.DefaultMaxEntries
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Auditor.Interval == 0 {
		c.Auditor.Interval = Duration(DefaultAuditorInterval)
	}
	if c.Services == nil {
		c.Services = []ServiceConfig{{ListenPort: DefaultListenPort, Backends: DefaultBackends()}}
	}
	if c.Syslog != nil && c.Syslog.Port == 0 {
		c.Syslog.Port = DefaultSyslogPort
	}
}

// Load reads the configuration at path and applies defaults. A missing file
// yields Default() with found == false.
func Load(path string) (cfg *Config, found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), false, nil
		}
		return nil, false, fmt.Errorf("read config: %w", err)
	}
	cfg, err = Parse(data)
	if err != nil {
		return nil, true, err
	}
	return cfg, true, nil
}

// Parse decodes YAML configuration and applies defaults. Unknown keys are
// rejected. An empty document yields Default(). Setting api_addr or
// grpc_addr to "" disables that server; "services: []" disables seeding.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		APIAddr:  DefaultAPIAddr,
		GRPCAddr: DefaultGRPCAddr,
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface must be set")
	}
	if _, err := dataplane.ParseXDPMode(c.XDPMode); err != nil {
		return err
	}
	mode, err := redirect.ParseMode(c.Rotation)
	if err != nil {
		return err
	}
	switch c.Dataplane {
	case dataplane.TypeXDP:
		if mode == redirect.ModeStrict {
			return fmt.Errorf("rotation strict requires dataplane %q; the XDP program only rotates relaxed", dataplane.TypeUserspace)
		}
	case dataplane.TypeUserspace:
	default:
		return fmt.Errorf("unknown dataplane %q (valid: xdp, userspace)", c.Dataplane)
	}
	if c.MaxEntries < 1 || c.MaxEntries > 65535 {
		return fmt.Errorf("max_entries %d out of range (1-65535)", c.MaxEntries)
	}
	if len(c.Services) > c.MaxEntries {
		return fmt.Errorf("%d services exceed max_entries %d", len(c.Services), c.MaxEntries)
	}

	seen := make(map[uint16]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.ListenPort == 0 {
			return fmt.Errorf("service listen_port must be non-zero")
		}
		if seen[svc.ListenPort] {
			return fmt.Errorf("duplicate service listen_port %d", svc.ListenPort)
		}
		seen[svc.ListenPort] = true
		if _, err := rotation.NewBackendSet(svc.Backends...); err != nil {
			return fmt.Errorf("service %d: %w", svc.ListenPort, err)
		}
	}

	for name, addr := range map[string]string{"api_addr": c.APIAddr, "grpc_addr": c.GRPCAddr} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s %q: %w", name, addr, err)
		}
	}
	if c.Auditor.Interval.Duration() < time.Second && !c.Auditor.Disabled {
		return fmt.Errorf("auditor interval %s is below 1s", c.Auditor.Interval.Duration())
	}
	if c.Syslog != nil {
		if c.Syslog.Host == "" {
			return fmt.Errorf("syslog host must be set")
		}
		if c.Syslog.Port < 1 || c.Syslog.Port > 65535 {
			return fmt.Errorf("syslog port %d out of range", c.Syslog.Port)
		}
	}
	if c.APIAuth != nil && len(c.APIAuth.Users) == 0 && len(c.APIAuth.APIKeys) == 0 {
		return fmt.Errorf("api_auth needs at least one user or api key")
	}
	return nil
}

// RotationMode returns the parsed rotation mode. Call Validate first.
func (c *Config) RotationMode() redirect.Mode {
	mode, _ := redirect.ParseMode(c.Rotation)
	return mode
}

// ServiceMap returns the seed entries keyed by listen port.
func (c *Config) ServiceMap() map[uint16][]uint16 {
	out := make(map[uint16][]uint16, len(c.Services))
	for _, svc := range c.Services {
		out[svc.ListenPort] = append([]uint16(nil), svc.Backends...)
	}
	return out
}

// ListenPorts returns the configured listen ports in ascending order.
func (c *Config) ListenPorts() []uint16 {
	out := make([]uint16, 0, len(c.Services))
	for _, svc := range c.Services {
		out = append(out, svc.ListenPort)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
