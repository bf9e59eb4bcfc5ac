// Package config loads server settings from defaults, an optional YAML file,
// environment variables and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/and161185/pixeljobs/internal/llm"
	"github.com/and161185/pixeljobs/internal/scheduler"
	"github.com/and161185/pixeljobs/internal/transform"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Environment variables carrying secrets and deployment endpoints.
const (
	EnvJWTKey   = "PIXELJOBS_JWT_KEY"
	EnvDSN      = "PIXELJOBS_DSN"
	EnvRembgURL = "PIXELJOBS_REMBG_URL"
	EnvOpenAI   = "OPENAI_API_KEY"
)

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrJWTKeyMissing            = errors.New("jwt signing key is missing")
	ErrDSNMissing               = errors.New("dsn is required for the postgres store")
	ErrUnknownStore             = errors.New("unknown store")
	ErrTLSMissing               = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrInvalidValue             = errors.New("invalid value")
)

// TLS holds the server certificate pair. Both empty serves plaintext.
type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// Scheduler mirrors scheduler.Config in the file format.
type Scheduler struct {
	Workers      int           `yaml:"workers"`
	PerUser      int           `yaml:"perUser"`
	JobTimeout   time.Duration `yaml:"jobTimeout"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	BackoffBase  time.Duration `yaml:"backoffBase"`
	BackoffMax   time.Duration `yaml:"backoffMax"`
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
	DrainTimeout time.Duration `yaml:"drainTimeout"`
}

// RateLimit configures per-user request buckets.
type RateLimit struct {
	Limit float64 `yaml:"limit"` // requests per second; 0 disables
	Burst int     `yaml:"burst"`
}

// Rembg points at the background removal service.
type Rembg struct {
	URL     string        `yaml:"url"` // empty disables remove_background
	Timeout time.Duration `yaml:"timeout"`
}

// Chat configures the assistant model.
type Chat struct {
	APIKey  string        `yaml:"apiKey"`
	BaseURL string        `yaml:"baseURL"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the complete server configuration.
type Config struct {
	Addr       string        `yaml:"addr"`
	TLS        TLS           `yaml:"tls"`
	Dev        bool          `yaml:"dev"`
	Store      string        `yaml:"store"`
	DSN        string        `yaml:"dsn"`
	JWTKey     string        `yaml:"jwtKey"`
	AccessTTL  time.Duration `yaml:"accessTTL"`
	BlobDir    string        `yaml:"blobDir"`
	MaxBlob    int64         `yaml:"maxBlob"`
	MaxPending int           `yaml:"maxPending"`
	MaxPixels  int           `yaml:"maxPixels"`
	Scheduler  Scheduler     `yaml:"scheduler"`
	RateLimit  RateLimit     `yaml:"rateLimit"`
	Rembg      Rembg         `yaml:"rembg"`
	Chat       Chat          `yaml:"chat"`
}

// Default returns the built-in settings.
func Default() Config {
	sc := scheduler.DefaultConfig()
	return Config{
		Addr:       ":8443",
		Store:      StoreMemory,
		AccessTTL:  15 * time.Minute,
		BlobDir:    "/tmp/pixeljobs/blobs",
		MaxBlob:    16 << 20,
		MaxPending: 20,
		MaxPixels:  transform.DefaultMaxPixels,
		Scheduler: Scheduler{
			Workers:      sc.Workers,
			PerUser:      sc.PerUser,
			JobTimeout:   sc.JobTimeout,
			MaxAttempts:  sc.MaxAttempts,
			BackoffBase:  sc.BackoffBase,
			BackoffMax:   sc.BackoffMax,
			PollInterval: sc.PollInterval,
			BatchSize:    sc.BatchSize,
			DrainTimeout: sc.DrainTimeout,
		},
		RateLimit: RateLimit{Limit: 5, Burst: 20},
		Rembg:     Rembg{Timeout: 30 * time.Second},
		Chat:      Chat{Model: "gpt-4o", Timeout: 30 * time.Second},
	}
}

// Load builds the configuration for the given command-line arguments.
// getenv is usually os.Getenv.
func Load(name string, args []string, getenv func(string) string) (Config, error) {
	// First pass only finds -config.
	first := Default()
	pfs := flag.NewFlagSet(name, flag.ContinueOnError)
	pfs.SetOutput(io.Discard)
	path := bind(pfs, &first)
	if err := pfs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *path != "" {
		if err := cfg.loadFile(*path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(getenv)

	// Second pass: flags default to the merged values, so only explicit flags override.
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	bind(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func bind(fs *flag.FlagSet, c *Config) *string {
	path := fs.String("config", "", "YAML config file")
	fs.StringVar(&c.Addr, "addr", c.Addr, "listen address")
	fs.StringVar(&c.TLS.Cert, "tls-cert", c.TLS.Cert, "TLS certificate (PEM); empty serves plaintext")
	fs.StringVar(&c.TLS.Key, "tls-key", c.TLS.Key, "TLS private key (PEM)")
	fs.BoolVar(&c.Dev, "dev", c.Dev, "development logging")
	fs.StringVar(&c.Store, "store", c.Store, "job and user store: memory|postgres")
	fs.StringVar(&c.DSN, "dsn", c.DSN, "PostgreSQL DSN")
	fs.StringVar(&c.JWTKey, "jwt-key", c.JWTKey, "HS256 signing key (required)")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "access token TTL")
	fs.StringVar(&c.BlobDir, "blob-dir", c.BlobDir, "blob store directory")
	fs.Int64Var(&c.MaxBlob, "max-blob", c.MaxBlob, "max blob size in bytes")
	fs.IntVar(&c.MaxPending, "max-pending", c.MaxPending, "pending jobs allowed per user")
	fs.IntVar(&c.MaxPixels, "max-pixels", c.MaxPixels, "largest decoded image area in pixels")
	fs.IntVar(&c.Scheduler.Workers, "workers", c.Scheduler.Workers, "jobs running at once")
	fs.IntVar(&c.Scheduler.PerUser, "per-user", c.Scheduler.PerUser, "jobs running at once per user")
	fs.DurationVar(&c.Scheduler.JobTimeout, "job-timeout", c.Scheduler.JobTimeout, "per-attempt transform timeout")
	fs.IntVar(&c.Scheduler.MaxAttempts, "max-attempts", c.Scheduler.MaxAttempts, "attempts per job")
	fs.DurationVar(&c.Scheduler.BackoffBase, "backoff-base", c.Scheduler.BackoffBase, "first retry delay")
	fs.DurationVar(&c.Scheduler.BackoffMax, "backoff-max", c.Scheduler.BackoffMax, "retry delay cap")
	fs.DurationVar(&c.Scheduler.PollInterval, "poll", c.Scheduler.PollInterval, "job store poll interval")
	fs.Float64Var(&c.RateLimit.Limit, "rate", c.RateLimit.Limit, "requests per second per user; 0 disables")
	fs.IntVar(&c.RateLimit.Burst, "burst", c.RateLimit.Burst, "request burst per user")
	fs.StringVar(&c.Rembg.URL, "rembg-url", c.Rembg.URL, "background removal service URL")
	fs.StringVar(&c.Chat.Model, "chat-model", c.Chat.Model, "assistant model")
	return path
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.JWTKey, EnvJWTKey)
	set(&c.DSN, EnvDSN)
	set(&c.Rembg.URL, EnvRembgURL)
	set(&c.Chat.APIKey, EnvOpenAI)
}

// Validate checks required values and bounds.
func (c Config) Validate() error {
	if c.JWTKey == "" {
		return ErrJWTKeyMissing
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DSN == "" {
			return ErrDSNMissing
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.Store)
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return ErrTLSMissing
	}
	if c.MaxBlob <= 0 {
		return fmt.Errorf("%w: maxBlob must be positive", ErrInvalidValue)
	}
	if c.MaxPixels <= 0 {
		return fmt.Errorf("%w: maxPixels must be positive", ErrInvalidValue)
	}
	if c.AccessTTL <= 0 {
		return fmt.Errorf("%w: accessTTL must be positive", ErrInvalidValue)
	}
	if c.RateLimit.Limit < 0 || (c.RateLimit.Limit > 0 && c.RateLimit.Burst < 1) {
		return fmt.Errorf("%w: rateLimit needs limit >= 0 and burst >= 1", ErrInvalidValue)
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		return fmt.Errorf("%w: scheduler: %v", ErrInvalidValue, err)
	}
	return nil
}

// SchedulerConfig converts the scheduler section.
func (c Config) SchedulerConfig() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		Workers:      s.Workers,
		PerUser:      s.PerUser,
		JobTimeout:   s.JobTimeout,
		MaxAttempts:  s.MaxAttempts,
		BackoffBase:  s.BackoffBase,
		BackoffMax:   s.BackoffMax,
		PollInterval: s.PollInterval,
		BatchSize:    s.BatchSize,
		DrainTimeout: s.DrainTimeout,
	}
}

// LLMConfig converts the chat section.
func (c Config) LLMConfig() llm.Config {
	return llm.Config{
		APIKey:  c.Chat.APIKey,
		BaseURL: c.Chat.BaseURL,
		Model:   c.Chat.Model,
		Timeout: c.Chat.Timeout,
	}
}
