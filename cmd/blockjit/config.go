package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/blockjit/blockjit"
)

// fileConfig is the YAML form of blockjit.EngineConfig. Absent fields keep their defaults.
type fileConfig struct {
	CodeSize         *int    `yaml:"code_size"`
	FarCodeOffset    *int    `yaml:"far_code_offset"`
	ConstantPoolSize *int    `yaml:"constant_pool_size"`
	AVXGuard         *string `yaml:"avx_guard"`
	DebugRegistry    *bool   `yaml:"debug_registry"`
	PerfMap          *bool   `yaml:"perf_map"`
	LogLevel         *string `yaml:"log_level"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	c := &fileConfig{}
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}
	if err = yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("error parsing config %s: %w", path, err)
	}
	return c, nil
}

// engineConfig applies c on top of the defaults.
func (c *fileConfig) engineConfig() (*blockjit.EngineConfig, error) {
	ec := blockjit.NewEngineConfig()
	if c.CodeSize != nil {
		ec = ec.WithCodeSize(*c.CodeSize)
	}
	if c.FarCodeOffset != nil {
		ec = ec.WithFarCodeOffset(*c.FarCodeOffset)
	}
	if c.ConstantPoolSize != nil {
		ec = ec.WithConstantPoolSize(*c.ConstantPoolSize)
	}
	if c.AVXGuard != nil {
		g, err := blockjit.ParseAVXGuard(*c.AVXGuard)
		if err != nil {
			return nil, err
		}
		ec = ec.WithAVXGuard(g)
	}
	if c.DebugRegistry != nil {
		ec = ec.WithDebugRegistry(*c.DebugRegistry)
	}
	if c.PerfMap != nil {
		ec = ec.WithPerfMap(*c.PerfMap)
	}
	return ec, nil
}

// logLevel returns the level set in the file, or fallback.
func (c *fileConfig) logLevel(fallback slog.Level) (slog.Level, error) {
	if c.LogLevel == nil {
		return fallback, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(*c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", *c.LogLevel)
	}
	return l, nil
}
