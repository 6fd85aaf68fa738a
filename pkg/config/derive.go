/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: derive.go
Description: Per-instance configuration derivation. Gives every concurrent instance its
own console ports, statsd port, directories and log files so that no two instances
ever share a socket or a path.
*/

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Derive returns the configuration for instance index living under subdir.
// The template is never modified; the result shares no slices with it.
func Derive(template FuzzerConfig, index int, subdir string) (FuzzerConfig, error) {
	if index < 0 {
		return FuzzerConfig{}, fmt.Errorf("%w: negative instance index %d", ErrInvalidConfig, index)
	}
	cfg := template
	cfg.Testcases = append([]string(nil), template.Testcases...)
	cfg.ExtraEnv = append([]string(nil), template.ExtraEnv...)

	cfg.AFLDir = cfg.abs(template.AFLDir)
	cfg.QemuDir = cfg.abs(template.QemuDir)
	cfg.ExecsrvDir = cfg.abs(template.ExecsrvDir)
	cfg.OpteeOutDir = cfg.abs(template.OpteeOutDir)
	cfg.OpteeBuildDir = cfg.abs(template.OpteeBuildDir)
	cfg.Tmpfs = cfg.abs(template.Tmpfs)

	dir := cfg.abs(subdir)
	cfg.Input = under(dir, template.Input)
	cfg.Output = under(dir, template.Output)
	cfg.QemuLogFile = under(dir, template.QemuLogFile)
	cfg.AFLLogFile = under(dir, template.AFLLogFile)
	cfg.ExecsrvLogFile = under(dir, template.ExecsrvLogFile)
	cfg.NormalLogFile = under(dir, template.NormalLogFile)
	cfg.SecureLogFile = under(dir, template.SecureLogFile)
	cfg.MetricLogFile = under(dir, template.MetricLogFile)

	// Each instance owns a pair of console ports.
	cfg.StdioNormalPort = template.StdioNormalPort + 2*index
	cfg.StdioSecurePort = template.StdioSecurePort + 2*index

	host, port, err := template.StatsdEndpoint()
	if err != nil {
		return FuzzerConfig{}, err
	}
	cfg.StatsdHost = net.JoinHostPort(host, strconv.Itoa(port+index))

	return cfg, nil
}

// InstanceDir returns the directory the derived configuration lives in
func (c FuzzerConfig) InstanceDir() string {
	return filepath.Dir(c.Input)
}

// WriteSnapshot records the configuration as yaml at path
func (c FuzzerConfig) WriteSnapshot(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a configuration previously written by WriteSnapshot
func LoadSnapshot(path string) (FuzzerConfig, error) {
	var cfg FuzzerConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config snapshot: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config snapshot: %w", err)
	}
	return cfg, nil
}

func (c FuzzerConfig) abs(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Root, path)
}

// under places the base name of path inside dir; empty paths stay empty
func under(dir, path string) string {
	if path == "" {
		return ""
	}
	return filepath.Join(dir, filepath.Base(path))
}
