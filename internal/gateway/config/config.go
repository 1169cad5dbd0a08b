// Package config loads the service configuration: built-in defaults, then an
// optional YAML file, then COPYFLOW_* environment variables. A .env file in
// the working directory is loaded into the environment first.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"copyflow/internal/logging"
)

const EnvPrefix = "COPYFLOW_"

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       logging.Config  `koanf:"log"`
	LLM       LLMConfig       `koanf:"llm"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Store     StoreConfig     `koanf:"store"`
	Artifacts ArtifactConfig  `koanf:"artifacts"`
	Events    EventsConfig    `koanf:"events"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// TraceDir keeps one JSONL event file per run when set.
	TraceDir string `koanf:"trace_dir"`
	// CORSOrigins limits browser origins; empty allows any.
	CORSOrigins []string `koanf:"cors_origins"`
}

type LLMConfig struct {
	Provider       string        `koanf:"provider"`
	Model          string        `koanf:"model"`
	APIKey         string        `koanf:"api_key"`
	BaseURL        string        `koanf:"base_url"`
	RPS            float64       `koanf:"rps"`
	Burst          int           `koanf:"burst"`
	Concurrency    int64         `koanf:"concurrency"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryBase      time.Duration `koanf:"retry_base"`
	CallTimeout    time.Duration `koanf:"call_timeout"`
	RepairAttempts int           `koanf:"repair_attempts"`
}

type PipelineConfig struct {
	CriticAttempts    int           `koanf:"critic_attempts"`
	ValidatorAttempts int           `koanf:"validator_attempts"`
	TopKViolations    int           `koanf:"top_k_violations"`
	InsightCandidates int           `koanf:"insight_candidates"`
	InsightKeep       int           `koanf:"insight_keep"`
	SuspendTTL        time.Duration `koanf:"suspend_ttl"`
	ReapInterval      time.Duration `koanf:"reap_interval"`
	AutoConfirm       bool          `koanf:"auto_confirm"`
	DepsUsage         string        `koanf:"deps_usage"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type ArtifactConfig struct {
	// Backend is "store" (same backend as runs) or "s3".
	Backend   string        `koanf:"backend"`
	Endpoint  string        `koanf:"endpoint"`
	Region    string        `koanf:"region"`
	AccessKey string        `koanf:"access_key"`
	SecretKey string        `koanf:"secret_key"`
	Bucket    string        `koanf:"bucket"`
	UseSSL    bool          `koanf:"use_ssl"`
	CacheSize int           `koanf:"cache_size"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

// CanUseS3 reports whether the S3 settings are complete.
func (c ArtifactConfig) CanUseS3() bool {
	return strings.TrimSpace(c.Endpoint) != "" &&
		strings.TrimSpace(c.AccessKey) != "" &&
		strings.TrimSpace(c.SecretKey) != "" &&
		strings.TrimSpace(c.Bucket) != ""
}

type EventsConfig struct {
	NATSURL       string        `koanf:"nats_url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	Retention     time.Duration `koanf:"retention"`
}

type TelemetryConfig struct {
	ServiceName string `koanf:"service_name"`
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path = strings.TrimSpace(path); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps COPYFLOW_LLM_API_KEY to llm.api_key: the first segment is
// the section, the rest the field name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func (c *Config) Validate() error {
	var problems []string
	switch strings.ToLower(c.LLM.Provider) {
	case "fake", "gemini", "openai":
	default:
		problems = append(problems, fmt.Sprintf("llm.provider %q is not one of fake, gemini, openai", c.LLM.Provider))
	}
	switch strings.ToLower(c.Store.Driver) {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			problems = append(problems, "store.dsn is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}
	switch strings.ToLower(c.Artifacts.Backend) {
	case "", "store":
	case "s3":
		if !c.Artifacts.CanUseS3() {
			problems = append(problems, "artifacts: s3 backend needs endpoint, access_key, secret_key and bucket")
		}
	default:
		problems = append(problems, fmt.Sprintf("artifacts.backend %q is not one of store, s3", c.Artifacts.Backend))
	}
	switch strings.ToLower(c.Pipeline.DepsUsage) {
	case "", "fail", "warn", "ignore":
	default:
		problems = append(problems, fmt.Sprintf("pipeline.deps_usage %q is not one of fail, warn, ignore", c.Pipeline.DepsUsage))
	}
	if c.Pipeline.CriticAttempts < 0 || c.Pipeline.ValidatorAttempts < 0 {
		problems = append(problems, "pipeline attempt bounds must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
