package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the webhook pipeline.
type Config struct {
	Port string

	// Database
	DBPath string

	// Job queue
	QueueSize      int
	WALDir         string
	Workers        int
	DequeueTimeout time.Duration

	// Retry policy
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryCounterTTL time.Duration

	// Public ingress
	PublicURL      string // base URL rendered into webhook config responses
	WebhookRate    float64
	WebhookBurst   int

	// Exchange adapters
	Testnet        bool
	AdapterTimeout time.Duration

	// Auth
	JWTSecret string
}

// fileOverlay is the optional YAML tuning file (PIPELINE_CONFIG).
// Zero values leave the environment-derived setting untouched.
type fileOverlay struct {
	QueueSize   int    `yaml:"queue_size"`
	Workers     int    `yaml:"workers"`
	MaxAttempts int    `yaml:"max_attempts"`
	WALDir      string `yaml:"wal_dir"`
	WebhookRate float64 `yaml:"webhook_rate"`
	WebhookBurst int   `yaml:"webhook_burst"`
}

// Load reads environment variables (optionally via .env) into Config,
// then applies the YAML overlay file when PIPELINE_CONFIG points at one.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "3001"),
		DBPath:          getEnv("DB_PATH", "./data/tradehook.db"),
		QueueSize:       getEnvInt("QUEUE_SIZE", 1024),
		WALDir:          getEnv("QUEUE_WAL_DIR", "./data/job_wal"),
		Workers:         getEnvInt("WORKERS", 4),
		DequeueTimeout:  getEnvDuration("DEQUEUE_TIMEOUT", time.Second),
		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", 3),
		RetryBaseDelay:  getEnvDuration("RETRY_BASE_DELAY", time.Second),
		RetryCounterTTL: getEnvDuration("RETRY_COUNTER_TTL", time.Hour),
		PublicURL:       getEnv("PUBLIC_URL", "http://localhost:3001"),
		WebhookRate:     getEnvFloat("WEBHOOK_RATE", 20),
		WebhookBurst:    getEnvInt("WEBHOOK_BURST", 50),
		Testnet:         getEnv("EXCHANGE_TESTNET", "false") == "true",
		AdapterTimeout:  getEnvDuration("ADAPTER_TIMEOUT", 10*time.Second),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
	}

	if path := os.Getenv("PIPELINE_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("apply %s: %w", path, err)
		}
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ov fileOverlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return err
	}
	if ov.QueueSize > 0 {
		c.QueueSize = ov.QueueSize
	}
	if ov.Workers > 0 {
		c.Workers = ov.Workers
	}
	if ov.MaxAttempts > 0 {
		c.MaxAttempts = ov.MaxAttempts
	}
	if ov.WALDir != "" {
		c.WALDir = ov.WALDir
	}
	if ov.WebhookRate > 0 {
		c.WebhookRate = ov.WebhookRate
	}
	if ov.WebhookBurst > 0 {
		c.WebhookBurst = ov.WebhookBurst
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
