// Package config provides configuration loading and validation for the
// protocol identification service. It handles YAML-based configuration with
// struct validation covering capture sources, identification buffers,
// signature rules and port-to-analyzer mappings.
package config
