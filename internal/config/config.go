package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"assetflow/internal/logging"
)

type Config struct {
	HTTPAddr    string         `yaml:"http_addr"`
	DatabaseURL string         `yaml:"database_url"`
	Storage     StorageConfig  `yaml:"storage"`
	Engine      EngineConfig   `yaml:"engine"`
	Log         logging.Config `yaml:"log"`
	Pipelines   []string       `yaml:"pipelines"`
}

type StorageConfig struct {
	Backend     string      `yaml:"backend"` // local | s3 | memory
	Root        string      `yaml:"root"`
	EndpointURL string      `yaml:"endpoint_url"`
	Region      string      `yaml:"region"`
	Bucket      string      `yaml:"bucket"`
	Prefix      string      `yaml:"prefix"`
	UseSSL      bool        `yaml:"use_ssl"`
	AccessKey   string      `yaml:"-"`
	SecretKey   string      `yaml:"-"`
	Retry       RetryConfig `yaml:"retry"`
	Cache       CacheConfig `yaml:"cache"`
}

type RetryConfig struct {
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

type EngineConfig struct {
	Parallelism     int    `yaml:"parallelism"`
	MissingUpstream string `yaml:"missing_upstream"` // fail | materialize
}

func Default() *Config {
	return &Config{
		HTTPAddr: ":8080",
		Storage: StorageConfig{
			Backend: "local",
			Root:    "data",
			Region:  "fsn1",
			Bucket:  "assetflow-assets",
			Prefix:  "assets",
			UseSSL:  true,
			Retry: RetryConfig{
				MaxRetries:      4,
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
			Cache: CacheConfig{
				MaxEntries: 1024,
				TTL:        5 * time.Minute,
			},
		},
		Engine: EngineConfig{
			MissingUpstream: "fail",
		},
		Log:       logging.DefaultConfig(),
		Pipelines: []string{"example"},
	}
}

// Load layers defaults, the optional YAML file at path, a .env file and the
// process environment, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	_ = godotenv.Load()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if strings.HasPrefix(port, ":") {
			cfg.HTTPAddr = port
		} else {
			cfg.HTTPAddr = ":" + port
		}
	}
	setString(&cfg.HTTPAddr, "ASSETFLOW_HTTP_ADDR")
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("ASSETFLOW_DATABASE_URL"), os.Getenv("DATABASE_URL"), cfg.DatabaseURL)

	s := &cfg.Storage
	setString(&s.Backend, "ASSETFLOW_STORAGE_BACKEND")
	setString(&s.Root, "ASSETFLOW_STORAGE_ROOT")
	setString(&s.EndpointURL, "ASSETFLOW_S3_ENDPOINT_URL")
	setString(&s.Region, "ASSETFLOW_S3_REGION")
	setString(&s.Bucket, "ASSETFLOW_S3_BUCKET")
	setString(&s.Prefix, "ASSETFLOW_S3_PREFIX")
	setBool(&s.UseSSL, "ASSETFLOW_S3_USE_SSL")
	s.AccessKey = firstNonEmpty(os.Getenv("AWS_ACCESS_KEY_ID"), s.AccessKey)
	s.SecretKey = firstNonEmpty(os.Getenv("AWS_SECRET_ACCESS_KEY"), s.SecretKey)
	setBool(&s.Cache.Enabled, "ASSETFLOW_STORAGE_CACHE")

	setInt(&cfg.Engine.Parallelism, "ASSETFLOW_PARALLELISM")
	setString(&cfg.Engine.MissingUpstream, "ASSETFLOW_MISSING_UPSTREAM")

	setString(&cfg.Log.Level, "ASSETFLOW_LOG_LEVEL")
	setString(&cfg.Log.Format, "ASSETFLOW_LOG_FORMAT")
	setString(&cfg.Log.Output, "ASSETFLOW_LOG_OUTPUT")
	setString(&cfg.Log.File, "ASSETFLOW_LOG_FILE")

	if raw := strings.TrimSpace(os.Getenv("ASSETFLOW_PIPELINES")); raw != "" {
		var names []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				names = append(names, p)
			}
		}
		cfg.Pipelines = names
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "local":
		if strings.TrimSpace(c.Storage.Root) == "" {
			errs = append(errs, errors.New("storage.root is required for the local backend"))
		}
	case "s3":
		if strings.TrimSpace(c.Storage.EndpointURL) == "" {
			errs = append(errs, errors.New("storage.endpoint_url is required for the s3 backend"))
		}
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			errs = append(errs, errors.New("storage.bucket is required for the s3 backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be one of local, s3, memory", c.Storage.Backend))
	}
	if c.Engine.Parallelism < 0 {
		errs = append(errs, errors.New("engine.parallelism must not be negative"))
	}
	switch strings.ToLower(c.Engine.MissingUpstream) {
	case "", "fail", "materialize":
	default:
		errs = append(errs, fmt.Errorf("engine.missing_upstream %q must be fail or materialize", c.Engine.MissingUpstream))
	}
	if c.Storage.Cache.Enabled && c.Storage.Cache.MaxEntries <= 0 {
		errs = append(errs, errors.New("storage.cache.max_entries must be positive"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*dst = v
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
