package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings
const (
	EnvStorePath    = "NMA_STORE_PATH"
	EnvRedisURL     = "REDIS_URL"
	EnvAnalyzerAddr = "NMA_ANALYZER_ADDR"
	EnvHTTPPort     = "HTTP_PORT"
	EnvMode         = "NMA_PIPELINE_MODE"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads a YAML file on top of the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints and reports every violation at once
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("config %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvStorePath); v != "" {
		cfg.Store.Path = v
		cfg.Store.Backend = StoreBackendBadger
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.TaskQueue.RedisURL = v
		cfg.TaskQueue.Backend = QueueBackendRedis
	}
	if v := os.Getenv(EnvAnalyzerAddr); v != "" {
		cfg.Analyzer.Addr = v
		cfg.Analyzer.Kind = AnalyzerRemote
	}
	if v := os.Getenv(EnvMode); v != "" {
		cfg.Pipeline.Mode = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvHTTPPort, v, err)
		}
		cfg.Server.HTTPPort = port
	}
	return nil
}
