// Package config loads cmd/mapterhornd's process-wide settings — store
// roots, worker count, encoding parameters, and the raster library cache
// knobs §5 calls out — from flags, environment variables, and an optional
// YAML file, generalizing the teacher's flat flag.FlagSet
// (cmd/geotiff2pmtiles/main.go) to the cobra/pflag + gopkg.in/yaml.v3 stack
// joeblew999-plat-geo uses for its own multi-subcommand CLI.
package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/mapterhorn/pipeline/internal/aggregation"
)

// Config is every setting the pipeline's stages need, regardless of which
// cmd/mapterhornd subcommand is running.
type Config struct {
	StoreRoot   string `yaml:"store_root"`
	Workers     int    `yaml:"workers"`
	HaloMeters  float64 `yaml:"halo_meters"`
	Format      string `yaml:"format"`
	Quality     int    `yaml:"quality"`
	Attribution string `yaml:"attribution"`
	// CacheSizeMB is the raster decoder cache size, which Apply exports as
	// the MAPTERHORN_RASTER_CACHE_MB environment variable. No package in
	// this module reads that variable, so the value does not size any
	// in-process cache.
	CacheSizeMB int    `yaml:"cache_size_mb"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns the baseline configuration before flags, environment, or
// a config file are applied.
func Default() Config {
	return Config{
		StoreRoot:   ".",
		Workers:     runtime.NumCPU(),
		HaloMeters:  aggregation.MacrotileHaloMeters,
		Format:      "terrarium",
		Quality:     85,
		Attribution: "",
		CacheSizeMB: 512,
		MetricsAddr: "",
		LogLevel:    "info",
	}
}

// RegisterFlags binds every Config field to a flag on fs, seeded with
// cfg's current values (normally config.Default()).
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.StoreRoot, "store-root", cfg.StoreRoot, "root directory of aggregation-store/, pmtiles-store/, bundle-store/")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "bounded worker pool size (0 = unbounded)")
	fs.Float64Var(&cfg.HaloMeters, "halo-meters", cfg.HaloMeters, "reprojection halo width in meters")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "tile encoding: terrarium, png, webp, jpeg")
	fs.IntVar(&cfg.Quality, "quality", cfg.Quality, "JPEG/WebP quality 1-100")
	fs.StringVar(&cfg.Attribution, "attribution", cfg.Attribution, "attribution string stored in archive metadata")
	fs.IntVar(&cfg.CacheSizeMB, "cache-size-mb", cfg.CacheSizeMB, "raster library decoder cache size in MB, per worker process")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
}

// envOverrides names the environment variables that can override a loaded
// Config, mirroring spec.md §6's cache-size env vars alongside the rest of
// the process-wide settings.
var envOverrides = map[string]*func(*Config, string) error{}

func init() {
	setString := func(set func(*Config, string)) *func(*Config, string) error {
		f := func(c *Config, v string) error { set(c, v); return nil }
		return &f
	}
	setInt := func(set func(*Config, int)) *func(*Config, string) error {
		f := func(c *Config, v string) error {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
				return fmt.Errorf("config: parsing %q as int: %w", v, err)
			}
			set(c, n)
			return nil
		}
		return &f
	}

	envOverrides["MAPTERHORN_STORE_ROOT"] = setString(func(c *Config, v string) { c.StoreRoot = v })
	envOverrides["MAPTERHORN_WORKERS"] = setInt(func(c *Config, v int) { c.Workers = v })
	envOverrides["MAPTERHORN_CACHE_SIZE_MB"] = setInt(func(c *Config, v int) { c.CacheSizeMB = v })
	envOverrides["MAPTERHORN_METRICS_ADDR"] = setString(func(c *Config, v string) { c.MetricsAddr = v })
	envOverrides["MAPTERHORN_LOG_LEVEL"] = setString(func(c *Config, v string) { c.LogLevel = v })
}

// ApplyEnv overrides cfg's fields from whichever of envOverrides' variables
// are set in the process environment. Flags parsed after ApplyEnv still
// win, matching the usual flags > env > file precedence.
func ApplyEnv(cfg *Config) error {
	for name, apply := range envOverrides {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := (*apply)(cfg, v); err != nil {
			return fmt.Errorf("config: applying %s: %w", name, err)
		}
	}
	return nil
}

// LoadFile merges a YAML config file into cfg; fields absent from the file
// are left untouched.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// Apply pushes process-wide settings that aren't read through the Config
// struct directly — currently just CacheSizeMB, as
// MAPTERHORN_RASTER_CACHE_MB — into the environment. Nothing in this
// module reads the variable back.
func (c Config) Apply() error {
	if c.CacheSizeMB > 0 {
		if err := os.Setenv("MAPTERHORN_RASTER_CACHE_MB", fmt.Sprintf("%d", c.CacheSizeMB)); err != nil {
			return fmt.Errorf("config: setting raster cache env var: %w", err)
		}
	}
	return nil
}

// Validate checks the minimal invariants every subcommand needs before
// dispatching work.
func (c Config) Validate() error {
	if c.StoreRoot == "" {
		return fmt.Errorf("config: store-root must not be empty")
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must be >= 0, got %d", c.Workers)
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("config: quality must be in [1,100], got %d", c.Quality)
	}
	return nil
}
