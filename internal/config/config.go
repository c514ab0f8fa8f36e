// Package config provides configuration management for ChunkForge runs:
// a YAML file declaring the recipe, staging and target locations, with
// defaults applied to anything a partial file leaves out and environment
// variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/chunkforge/chunkforge/internal/storage/s3"
	"github.com/chunkforge/chunkforge/pkg/errors"
	"github.com/chunkforge/chunkforge/pkg/retry"
	"github.com/chunkforge/chunkforge/pkg/types"
)

// Configuration is the complete configuration of one recipe run.
type Configuration struct {
	Recipe  RecipeConfig  `yaml:"recipe"`
	Cache   CacheConfig   `yaml:"cache"`
	Target  TargetConfig  `yaml:"target"`
	Retry   retry.Config  `yaml:"retry"`
	Run     RunConfig     `yaml:"run"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RecipeConfig declares the file pattern and chunking of a run. The path
// template substitutes each "{name}" placeholder with the dimension's
// key value.
type RecipeConfig struct {
	PathTemplate string            `yaml:"path_template"`
	Dimensions   []types.Dimension `yaml:"dimensions"`
	ChunkSizes   map[string]int    `yaml:"chunk_sizes"`
}

// CacheConfig locates the staging stores. Input bytes and metadata land
// under subdirectories of Dir.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// TargetConfig locates the target store: a local directory, or an S3
// bucket and prefix when Backend is "s3".
type TargetConfig struct {
	Backend string     `yaml:"backend"`
	Dir     string     `yaml:"dir"`
	Bucket  string     `yaml:"bucket"`
	Prefix  string     `yaml:"prefix"`
	S3      *s3.Config `yaml:"s3,omitempty"`
}

// RunConfig tunes the execution drivers.
type RunConfig struct {
	Parallelism int           `yaml:"parallelism"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// NewDefault returns a configuration with sensible defaults. The recipe
// section has no defaults; it must come from the file.
func NewDefault() *Configuration {
	return &Configuration{
		Cache:  CacheConfig{Dir: ".chunkforge-cache"},
		Target: TargetConfig{Backend: "local", Dir: "target.zarr"},
		Retry:  retry.DefaultConfig(),
		Run: RunConfig{
			Parallelism: 4,
			Timeout:     time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Address: ":9090"},
	}
}

// LoadFromFile reads a YAML configuration file over the defaults.
func LoadFromFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to read config file", err)
	}
	config := NewDefault()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to parse config file", err)
	}
	config.applyDefaults()
	return config, nil
}

// LoadFromEnv overlays CHUNKFORGE_* environment variables.
func (c *Configuration) LoadFromEnv() {
	if v := os.Getenv("CHUNKFORGE_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv("CHUNKFORGE_TARGET_DIR"); v != "" {
		c.Target.Dir = v
	}
	if v := os.Getenv("CHUNKFORGE_TARGET_BUCKET"); v != "" {
		c.Target.Backend = "s3"
		c.Target.Bucket = v
	}
	if v := os.Getenv("CHUNKFORGE_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Run.Parallelism = n
		}
	}
	if v := os.Getenv("CHUNKFORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// applyDefaults fills zero values left by a partial file.
func (c *Configuration) applyDefaults() {
	def := NewDefault()
	if c.Cache.Dir == "" {
		c.Cache.Dir = def.Cache.Dir
	}
	if c.Target.Backend == "" {
		c.Target.Backend = def.Target.Backend
	}
	if c.Target.Backend == "local" && c.Target.Dir == "" {
		c.Target.Dir = def.Target.Dir
	}
	if c.Run.Parallelism <= 0 {
		c.Run.Parallelism = def.Run.Parallelism
	}
	if c.Run.Timeout <= 0 {
		c.Run.Timeout = def.Run.Timeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = def.Metrics.Address
	}
}

// Validate checks the configuration for consistency.
func (c *Configuration) Validate() error {
	if c.Recipe.PathTemplate == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "recipe.path_template is required")
	}
	if len(c.Recipe.Dimensions) == 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "recipe.dimensions is required")
	}
	concat := 0
	for _, d := range c.Recipe.Dimensions {
		if d.Name == "" {
			return errors.New(errors.ErrCodeInvalidConfig, "every dimension needs a name")
		}
		if len(d.Keys) == 0 {
			return errors.Newf(errors.ErrCodeInvalidConfig, "dimension %q has no keys", d.Name)
		}
		if !strings.Contains(c.Recipe.PathTemplate, "{"+d.Name+"}") {
			return errors.Newf(errors.ErrCodeInvalidConfig,
				"path_template has no {%s} placeholder", d.Name)
		}
		if d.Kind == types.Concat {
			concat++
			if _, ok := c.Recipe.ChunkSizes[d.Name]; !ok {
				return errors.Newf(errors.ErrCodeInvalidConfig,
					"no chunk size declared for concat dimension %q", d.Name)
			}
		}
	}
	if concat != 1 {
		return errors.Newf(errors.ErrCodeInvalidConfig,
			"exactly one concat dimension is required, got %d", concat)
	}
	for dim, n := range c.Recipe.ChunkSizes {
		if n < 1 {
			return errors.Newf(errors.ErrCodeInvalidConfig,
				"chunk size for %q must be at least 1, got %d", dim, n)
		}
	}

	switch c.Target.Backend {
	case "local":
		if c.Target.Dir == "" {
			return errors.New(errors.ErrCodeInvalidConfig, "target.dir is required for the local backend")
		}
	case "s3":
		if c.Target.Bucket == "" {
			return errors.New(errors.ErrCodeInvalidConfig, "target.bucket is required for the s3 backend")
		}
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig, "unknown target backend %q", c.Target.Backend)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig, "unknown log level %q", c.Logging.Level)
	}
	return nil
}

// PathFunc builds the pattern's path function from the template.
func (c *Configuration) PathFunc() func(values map[string]string) string {
	template := c.Recipe.PathTemplate
	return func(values map[string]string) string {
		path := template
		for dim, key := range values {
			path = strings.ReplaceAll(path, fmt.Sprintf("{%s}", dim), key)
		}
		return path
	}
}
