package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SatadalSengupta/zeek-fractal/internal/sig"
)

// Config represents the complete service configuration
type Config struct {
	Capture    CaptureConfig  `yaml:"capture"`
	Ident      IdentConfig    `yaml:"ident"`
	Flows      FlowsConfig    `yaml:"flows"`
	Signatures []sig.RuleSpec `yaml:"signatures"`
	Ports      []PortConfig   `yaml:"ports"`
	HTTP       HTTPConfig     `yaml:"http"`
	Logging    LoggingConfig  `yaml:"logging"`
}

// CaptureConfig contains packet source configuration. Exactly one of
// Interface (live capture) and File (offline pcap replay) must be set.
type CaptureConfig struct {
	Interface     string `yaml:"interface"`
	File          string `yaml:"file"`
	BPF           string `yaml:"bpf"`
	SnapLen       int    `yaml:"snap_len"`
	Promiscuous   bool   `yaml:"promiscuous"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// IdentConfig contains protocol identification parameters
type IdentConfig struct {
	MaxBufferedBytes int `yaml:"max_buffered_bytes"`
	MatchWindowBytes int `yaml:"match_window_bytes"`
}

// FlowsConfig contains flow table configuration
type FlowsConfig struct {
	Timeout  int `yaml:"timeout"` // seconds
	MaxFlows int `yaml:"max_flows"`
}

// PortConfig maps a well-known destination port to an analyzer
type PortConfig struct {
	Port     int    `yaml:"port"`
	Proto    string `yaml:"proto"`
	Analyzer string `yaml:"analyzer"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Ident.Validate(); err != nil {
		return fmt.Errorf("ident config: %w", err)
	}

	if err := c.Flows.Validate(); err != nil {
		return fmt.Errorf("flows config: %w", err)
	}

	seen := make(map[string]bool, len(c.Signatures))
	for i := range c.Signatures {
		s := &c.Signatures[i]
		if s.ID == "" {
			return fmt.Errorf("signature %d: id cannot be empty", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("signature %d: duplicate id '%s'", i, s.ID)
		}
		seen[s.ID] = true
		if s.Tag == "" {
			return fmt.Errorf("signature '%s': tag cannot be empty", s.ID)
		}
		if s.Pattern == "" {
			return fmt.Errorf("signature '%s': pattern cannot be empty", s.ID)
		}
	}

	for i := range c.Ports {
		if err := c.Ports[i].Validate(); err != nil {
			return fmt.Errorf("port mapping %d: %w", i, err)
		}
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.Interface == "" && c.File == "" {
		return fmt.Errorf("either interface or file must be set")
	}

	if c.Interface != "" && c.File != "" {
		return fmt.Errorf("interface and file are mutually exclusive")
	}

	if c.SnapLen < 64 || c.SnapLen > 262144 {
		return fmt.Errorf("snap_len must be between 64 and 262144 bytes, got %d", c.SnapLen)
	}

	if c.FlushInterval < 1 {
		return fmt.Errorf("flush_interval must be at least 1 second, got %d", c.FlushInterval)
	}

	return nil
}

// Validate validates identification configuration
func (i *IdentConfig) Validate() error {
	if i.MaxBufferedBytes < 1 {
		return fmt.Errorf("max_buffered_bytes must be at least 1, got %d", i.MaxBufferedBytes)
	}

	if i.MatchWindowBytes < 1 {
		return fmt.Errorf("match_window_bytes must be at least 1, got %d", i.MatchWindowBytes)
	}

	return nil
}

// Validate validates flow table configuration
func (f *FlowsConfig) Validate() error {
	if f.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", f.Timeout)
	}

	if f.MaxFlows < 1 {
		return fmt.Errorf("max_flows must be at least 1, got %d", f.MaxFlows)
	}

	return nil
}

// Validate validates one port-to-analyzer mapping
func (p *PortConfig) Validate() error {
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", p.Port)
	}

	if p.Proto != "tcp" && p.Proto != "udp" {
		return fmt.Errorf("proto must be 'tcp' or 'udp', got '%s'", p.Proto)
	}

	if p.Analyzer == "" {
		return fmt.Errorf("analyzer cannot be empty")
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTimeoutDuration returns the flow idle timeout as a time.Duration
func (f *FlowsConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(f.Timeout) * time.Second
}

// GetFlushIntervalDuration returns the reassembler flush interval as a
// time.Duration
func (c *CaptureConfig) GetFlushIntervalDuration() time.Duration {
	return time.Duration(c.FlushInterval) * time.Second
}
