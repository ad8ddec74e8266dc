// Package config handles configuration loading for the MALDI atlas server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Engine EngineConfig `yaml:"engine"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Title       string   `yaml:"title"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig contains the settings of one dataset.
type DatasetConfig struct {
	StorePath       string `yaml:"store_path"`
	Backend         string `yaml:"backend"`
	AnnotationsPath string `yaml:"annotations_path"`
	Preload         bool   `yaml:"preload"`
	VerifyCache     *bool  `yaml:"verify_cache"`
	Slices          []int  `yaml:"slices"`
}

// Verify reports whether cumulative caches are checked at load (default true).
func (d DatasetConfig) Verify() bool {
	return d.VerifyCache == nil || *d.VerifyCache
}

// DataConfig contains the datasets served. In YAML it is either a single
// dataset (legacy layout, served as "default") or a mapping of dataset id to
// dataset settings; the first dataset in YAML order is the default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string

	order []string
}

// DatasetIDs returns dataset ids in YAML order.
func (d DataConfig) DatasetIDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// UnmarshalYAML accepts both the legacy and the multi-dataset layout.
func (d *DataConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got %v", value.Tag)
	}

	legacy := len(value.Content) == 0
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i+1].Kind != yaml.MappingNode {
			legacy = true
			break
		}
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil
	if legacy {
		var ds DatasetConfig
		if err := value.Decode(&ds); err != nil {
			return fmt.Errorf("data: %w", err)
		}
		d.add("default", ds)
		return nil
	}

	for i := 0; i+1 < len(value.Content); i += 2 {
		id := value.Content[i].Value
		var ds DatasetConfig
		if err := value.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", id, err)
		}
		d.add(id, ds)
	}
	return nil
}

func (d *DataConfig) add(id string, ds DatasetConfig) {
	if _, ok := d.Datasets[id]; !ok {
		d.order = append(d.order, id)
	}
	d.Datasets[id] = ds
	if d.DefaultDataset == "" {
		d.DefaultDataset = id
	}
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ImageSizeMB     int `yaml:"image_size_mb"`
	ImageTTLMinutes int `yaml:"image_ttl_minutes"`
	QueryEntries    int `yaml:"query_entries"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	DefaultColormap string  `yaml:"default_colormap"`
	Percentile      float64 `yaml:"percentile"`
	LogScale        bool    `yaml:"log_scale"`
}

// EngineConfig contains range query settings.
type EngineConfig struct {
	MinCachedSpan float64 `yaml:"min_cached_span"`
	LoadWorkers   int     `yaml:"load_workers"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			Title:       "MALDI Atlas",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Cache: CacheConfig{
			ImageSizeMB:     512,
			ImageTTLMinutes: 10,
			QueryEntries:    256,
		},
		Render: RenderConfig{
			DefaultColormap: "viridis",
			Percentile:      99,
		},
		Engine: EngineConfig{
			LoadWorkers: 4,
		},
	}
	cfg.Data.Datasets = make(map[string]DatasetConfig)
	cfg.Data.add("default", DatasetConfig{StorePath: "./data/maldi", Backend: "zarr"})
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.StorePath == "" && id == "default" {
			ds.StorePath = defaults.Data.Datasets["default"].StorePath
		}
		if ds.Backend == "" {
			ds.Backend = "zarr"
		}
		cfg.Data.Datasets[id] = ds
	}
	if cfg.Cache.ImageSizeMB == 0 {
		cfg.Cache.ImageSizeMB = defaults.Cache.ImageSizeMB
	}
	if cfg.Cache.ImageTTLMinutes == 0 {
		cfg.Cache.ImageTTLMinutes = defaults.Cache.ImageTTLMinutes
	}
	if cfg.Cache.QueryEntries == 0 {
		cfg.Cache.QueryEntries = defaults.Cache.QueryEntries
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.Percentile == 0 {
		cfg.Render.Percentile = defaults.Render.Percentile
	}
	if cfg.Engine.LoadWorkers == 0 {
		cfg.Engine.LoadWorkers = defaults.Engine.LoadWorkers
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	for _, id := range c.Data.DatasetIDs() {
		ds := c.Data.Datasets[id]
		if ds.StorePath == "" {
			return fmt.Errorf("data.%s: store_path is required", id)
		}
		switch ds.Backend {
		case "zarr", "tiledb":
		default:
			return fmt.Errorf("data.%s: unknown backend %q", id, ds.Backend)
		}
	}
	if c.Render.Percentile < 0 || c.Render.Percentile > 100 {
		return fmt.Errorf("render.percentile must be in [0, 100], got %g", c.Render.Percentile)
	}
	if c.Engine.MinCachedSpan < 0 {
		return fmt.Errorf("engine.min_cached_span must be >= 0, got %g", c.Engine.MinCachedSpan)
	}
	return nil
}
