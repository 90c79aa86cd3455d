package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/javanhut/hgstore/internal/compress"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// Config represents hgstore configuration
type Config struct {
	Revlog RevlogConfig `yaml:"revlog"`
	Cache  CacheConfig  `yaml:"cache"`
	Bundle BundleConfig `yaml:"bundle"`
	Log    LogConfig    `yaml:"log"`
}

// RevlogConfig controls how new revisions are written
type RevlogConfig struct {
	Compression    string `yaml:"compression"`
	MaxChainLength int    `yaml:"max_chain_length"`
	Inline         bool   `yaml:"inline"`
}

// CacheConfig controls derived index caches
type CacheConfig struct {
	NodeMap bool `yaml:"nodemap"`
}

// BundleConfig holds bundle settings
type BundleConfig struct {
	Compression string `yaml:"compression"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Revlog: RevlogConfig{
			Compression:    compress.Zlib.String(),
			MaxChainLength: 1000,
			Inline:         true,
		},
		Cache: CacheConfig{
			NodeMap: true,
		},
		Bundle: BundleConfig{
			Compression: compress.StreamZlib,
		},
		Log: LogConfig{
			Level: logrus.InfoLevel.String(),
		},
	}
}

// GlobalPath returns the path to the global config file
func GlobalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".hgstore.yaml"), nil
}

// RepoPath returns the path to the config file of the repository at root
func RepoPath(root string) string {
	return filepath.Join(root, ".hg", "hgstore.yaml")
}

// Load reads the defaults, then the global config, then the config of the
// repository at root. Keys present in a later file override earlier ones;
// root may be empty to skip the repository file.
func Load(root string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath, err := GlobalPath(); err == nil {
		if err := mergeFile(cfg, globalPath); err != nil {
			return nil, err
		}
	}
	if root != "" {
		if err := mergeFile(cfg, RepoPath(root)); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile decodes path over cfg. Decoding into a populated struct only
// replaces the keys the file sets. A missing file is not an error.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks that every value names something this build supports.
func (c *Config) Validate() error {
	if _, err := compress.ParseAlgo(c.Revlog.Compression); err != nil {
		return fmt.Errorf("revlog.compression: %w", err)
	}
	if c.Revlog.MaxChainLength <= 0 {
		return fmt.Errorf("revlog.max_chain_length must be positive, got %d", c.Revlog.MaxChainLength)
	}
	if !knownStream(c.Bundle.Compression) {
		return fmt.Errorf("bundle.compression: unknown codec %q (want one of %s)",
			c.Bundle.Compression, strings.Join(compress.StreamTags(), ", "))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func knownStream(tag string) bool {
	for _, t := range compress.StreamTags() {
		if t == tag {
			return true
		}
	}
	return false
}

// Algo returns the configured revlog chunk engine.
func (c *Config) Algo() compress.Algo {
	algo, err := compress.ParseAlgo(c.Revlog.Compression)
	if err != nil {
		return compress.Zlib
	}
	return algo
}

// Logger returns a logger at the configured level writing to stderr.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(level)
	}
	return log
}

// Keys lists every configuration key in section.key form
func Keys() []string {
	return []string{
		"revlog.compression",
		"revlog.max_chain_length",
		"revlog.inline",
		"cache.nodemap",
		"bundle.compression",
		"log.level",
	}
}

// GetValue retrieves a configuration value by key (e.g., "revlog.compression")
func (c *Config) GetValue(key string) (string, error) {
	switch key {
	case "revlog.compression":
		return c.Revlog.Compression, nil
	case "revlog.max_chain_length":
		return strconv.Itoa(c.Revlog.MaxChainLength), nil
	case "revlog.inline":
		return strconv.FormatBool(c.Revlog.Inline), nil
	case "cache.nodemap":
		return strconv.FormatBool(c.Cache.NodeMap), nil
	case "bundle.compression":
		return c.Bundle.Compression, nil
	case "log.level":
		return c.Log.Level, nil
	}
	return "", fmt.Errorf("unknown config key: %s (expected one of %s)", key, strings.Join(Keys(), ", "))
}

// SetValue sets a configuration value by key and validates the result
func (c *Config) SetValue(key, value string) error {
	next := *c
	switch key {
	case "revlog.compression":
		next.Revlog.Compression = value
	case "revlog.max_chain_length":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		next.Revlog.MaxChainLength = n
	case "revlog.inline":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		next.Revlog.Inline = b
	case "cache.nodemap":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		next.Cache.NodeMap = b
	case "bundle.compression":
		next.Bundle.Compression = strings.ToUpper(value)
	case "log.level":
		next.Log.Level = value
	default:
		return fmt.Errorf("unknown config key: %s (expected one of %s)", key, strings.Join(Keys(), ", "))
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

// SetInFile changes one key of the config file at path, creating the
// file if needed. Keys the file does not set stay unset so that they keep
// inheriting from lower levels.
func SetInFile(path, key, value string) error {
	cfg := DefaultConfig()
	if err := mergeFile(cfg, path); err != nil {
		return err
	}
	if err := cfg.SetValue(key, value); err != nil {
		return err
	}

	raw := map[string]map[string]interface{}{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("read config %s: %w", path, err)
	}
	section, name, _ := strings.Cut(key, ".")
	if raw[section] == nil {
		raw[section] = map[string]interface{}{}
	}
	raw[section][name] = cfg.typedValue(key)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, out, 0644)
}

// typedValue returns the value of key with its YAML type.
func (c *Config) typedValue(key string) interface{} {
	switch key {
	case "revlog.max_chain_length":
		return c.Revlog.MaxChainLength
	case "revlog.inline":
		return c.Revlog.Inline
	case "cache.nodemap":
		return c.Cache.NodeMap
	}
	v, _ := c.GetValue(key)
	return v
}
