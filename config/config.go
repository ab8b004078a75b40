package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Upstream UpstreamConfig
	Pipeline PipelineConfig
	Ingest   IngestConfig
	Worker   WorkerConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
	IdempotencyTTL     time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Driver   string // "postgres" or "memory"
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/engagement?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the audit archive bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	AuditBucket     string
}

// UpstreamConfig points at the agent service that runs the analysis stages.
type UpstreamConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	BreakerMinReqs uint32
	BreakerRatio   float64
	BreakerDelay   time.Duration
}

// PipelineConfig holds the system-level decision defaults applied to organizations
// that have not saved their own policy.
type PipelineConfig struct {
	CTSThreshold      float64
	AllowedRiskLevels []string
	MaxCTALevel       int
	SignalWeight      float64
	RiskWeight        float64
	CTAWeight         float64
	DefaultPriority   int
	EscalationBoost   int
}

// IngestConfig guards the service-to-service detection endpoint.
type IngestConfig struct {
	Token string
}

// WorkerConfig holds the outbound endpoints used by the background worker. Empty URLs
// make the worker log instead of calling out.
type WorkerConfig struct {
	PosterURL        string
	NotifyWebhookURL string
	HTTPTimeout      time.Duration
	InProcess        bool // run the job processor inside the API server
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
			IdempotencyTTL:     getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("STORE_DRIVER", "postgres"),
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "engagement"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			AuditBucket:     getEnv("AWS_S3_AUDIT_BUCKET", ""),
		},
		Upstream: UpstreamConfig{
			BaseURL:        getEnv("AGENT_BASE_URL", "http://localhost:8000"),
			APIKey:         getEnv("AGENT_API_KEY", ""),
			Timeout:        getEnvDuration("AGENT_TIMEOUT", 20*time.Second),
			BreakerMinReqs: uint32(getEnvInt("AGENT_BREAKER_MIN_REQUESTS", 10)),
			BreakerRatio:   getEnvFloat("AGENT_BREAKER_FAILURE_RATIO", 0.5),
			BreakerDelay:   getEnvDuration("AGENT_BREAKER_DELAY", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			CTSThreshold:      getEnvFloat("CTS_THRESHOLD", 0.75),
			AllowedRiskLevels: splitTrim(getEnv("CTS_ALLOWED_RISK_LEVELS", "low"), ","),
			MaxCTALevel:       getEnvInt("CTS_MAX_CTA_LEVEL", 1),
			SignalWeight:      getEnvFloat("CTS_WEIGHT_SIGNAL", 0.5),
			RiskWeight:        getEnvFloat("CTS_WEIGHT_RISK", 0.3),
			CTAWeight:         getEnvFloat("CTS_WEIGHT_CTA", 0.2),
			DefaultPriority:   getEnvInt("QUEUE_DEFAULT_PRIORITY", 10),
			EscalationBoost:   getEnvInt("QUEUE_ESCALATION_BOOST", 100),
		},
		Ingest: IngestConfig{
			Token: getEnv("INGEST_TOKEN", ""),
		},
		Worker: WorkerConfig{
			PosterURL:        getEnv("POSTER_URL", ""),
			NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
			HTTPTimeout:      getEnvDuration("WORKER_HTTP_TIMEOUT", 15*time.Second),
			InProcess:        getEnvBool("WORKER_IN_PROCESS", false),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects pipeline defaults the decision engine would treat as invalid input.
func (c *Config) Validate() error {
	p := c.Pipeline
	if p.CTSThreshold < 0 || p.CTSThreshold > 1 {
		return fmt.Errorf("CTS_THRESHOLD must be within [0,1], got %v", p.CTSThreshold)
	}
	if p.MaxCTALevel < 0 || p.MaxCTALevel > 3 {
		return fmt.Errorf("CTS_MAX_CTA_LEVEL must be within 0..3, got %d", p.MaxCTALevel)
	}
	if p.SignalWeight < 0 || p.RiskWeight < 0 || p.CTAWeight < 0 {
		return errors.New("CTS weights must be non-negative")
	}
	if sum := p.SignalWeight + p.RiskWeight + p.CTAWeight; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("CTS weights must sum to 1, got %v", sum)
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
