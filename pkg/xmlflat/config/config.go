package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cognicore/xmlflat/pkg/xmlflat/flatten"
	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
	"github.com/cognicore/xmlflat/pkg/xmlflat/splitter"
)

// Config is the full configuration of a processing run and the server.
type Config struct {
	Flatten FlattenConfig `yaml:"flatten"`
	Store   StoreConfig   `yaml:"store"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Output  OutputConfig  `yaml:"output"`
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
}

// FlattenConfig mirrors flatten.Options.
type FlattenConfig struct {
	AttributeUsage    string `yaml:"attribute_usage"`
	ConcatOnKeyError  bool   `yaml:"concat_on_key_error"`
	TopNodeLevel      int    `yaml:"top_node_level"`
	TypeDistanceToTop int    `yaml:"type_distance_to_top"`
	MaxDepth          int    `yaml:"max_depth"`
}

// StoreConfig locates the SQLite file. An empty DBName lets the caller
// generate one per run.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
	DBName  string `yaml:"db_name"`
}

// IngestConfig controls splitting and flattening.
type IngestConfig struct {
	RootTag string `yaml:"root_tag"`
	Workers int    `yaml:"workers"`
}

// OutputConfig controls export. RepeatingTags maps a document type to its
// repeating tags; types not listed are exported in simple mode.
type OutputConfig struct {
	Dir           string              `yaml:"dir"`
	Format        string              `yaml:"format"`
	RepeatingTags map[string][]string `yaml:"repeating_tags"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
}

// Default returns the settings used when no file or variable overrides them.
func Default() Config {
	return Config{
		Flatten: FlattenConfig{
			AttributeUsage:    flatten.AddSeparateTag.String(),
			ConcatOnKeyError:  true,
			TopNodeLevel:      0,
			TypeDistanceToTop: 1,
			MaxDepth:          flatten.DefaultMaxDepth,
		},
		Store:  StoreConfig{DataDir: "data"},
		Ingest: IngestConfig{RootTag: splitter.DefaultRootTag, Workers: 1},
		Output: OutputConfig{Dir: "output", Format: "xlsx"},
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{Addr: ":8080", Metrics: true},
	}
}

// Load reads path (if not empty) over the defaults, applies XMLFLAT_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from XMLFLAT_* environment variables.
func (c *Config) ApplyEnv() {
	c.Flatten.AttributeUsage = envOr("XMLFLAT_ATTRIBUTE_USAGE", c.Flatten.AttributeUsage)
	c.Flatten.ConcatOnKeyError = envBool("XMLFLAT_CONCAT_ON_KEY_ERROR", c.Flatten.ConcatOnKeyError)
	c.Flatten.TopNodeLevel = envInt("XMLFLAT_TOP_NODE_LEVEL", c.Flatten.TopNodeLevel)
	c.Flatten.TypeDistanceToTop = envInt("XMLFLAT_TYPE_DISTANCE_TO_TOP", c.Flatten.TypeDistanceToTop)
	c.Flatten.MaxDepth = envInt("XMLFLAT_MAX_DEPTH", c.Flatten.MaxDepth)

	c.Store.DataDir = envOr("XMLFLAT_DATA_DIR", c.Store.DataDir)
	c.Store.DBName = envOr("XMLFLAT_DB_NAME", c.Store.DBName)

	c.Ingest.RootTag = envOr("XMLFLAT_ROOT_TAG", c.Ingest.RootTag)
	c.Ingest.Workers = envInt("XMLFLAT_WORKERS", c.Ingest.Workers)

	c.Output.Dir = envOr("XMLFLAT_OUTPUT_DIR", c.Output.Dir)
	c.Output.Format = envOr("XMLFLAT_OUTPUT_FORMAT", c.Output.Format)

	c.Log.Level = envOr("XMLFLAT_LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = envBool("XMLFLAT_LOG_PRETTY", c.Log.Pretty)

	c.Server.Addr = envOr("XMLFLAT_ADDR", c.Server.Addr)
	c.Server.Metrics = envBool("XMLFLAT_METRICS", c.Server.Metrics)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if _, err := c.FlattenOptions(); err != nil {
		return err
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1, got %d: %w", c.Ingest.Workers, internalerr.ErrInvalidConfig)
	}
	switch strings.ToLower(c.Output.Format) {
	case "csv", "xlsx":
	default:
		return fmt.Errorf("output.format %q: %w", c.Output.Format, internalerr.ErrInvalidConfig)
	}
	return nil
}

// FlattenOptions converts the flatten section.
func (c *Config) FlattenOptions() (flatten.Options, error) {
	usage, err := flatten.ParseAttributeUsage(c.Flatten.AttributeUsage)
	if err != nil {
		return flatten.Options{}, fmt.Errorf("flatten.attribute_usage: %w: %v", internalerr.ErrInvalidConfig, err)
	}
	opts := flatten.Options{
		TopNodeLevel:      c.Flatten.TopNodeLevel,
		TypeDistanceToTop: c.Flatten.TypeDistanceToTop,
		AttributeUsage:    usage,
		ConcatOnKeyError:  c.Flatten.ConcatOnKeyError,
		MaxDepth:          c.Flatten.MaxDepth,
	}
	if err := opts.Validate(); err != nil {
		return flatten.Options{}, err
	}
	return opts, nil
}

// DBPath joins the data dir and db name. It is empty when no name is set.
func (c *Config) DBPath() string {
	if c.Store.DBName == "" {
		return ""
	}
	name := c.Store.DBName
	if filepath.Ext(name) == "" {
		name += ".db"
	}
	return filepath.Join(c.Store.DataDir, name)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
