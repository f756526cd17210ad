package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	DBMaxConns  int

	StoragePath    string
	StorageBaseURL string

	AdminToken string

	ImageModelAPIKey  string
	ImageModelBaseURL string
	ImageBatchBaseURL string

	MeshyAPIKey    string
	MeshyBaseURL   string
	TripoAPIKey    string
	TripoBaseURL   string
	HunyuanAPIKey  string
	HunyuanBaseURL string
	TrellisAPIKey  string
	TrellisBaseURL string

	ProviderTimeout  time.Duration
	BatchPollEvery   time.Duration
	BatchMaxAge      time.Duration
	PollConcurrency  int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 8),

		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),

		AdminToken: os.Getenv("ADMIN_TOKEN"),

		ImageModelAPIKey:  os.Getenv("IMAGE_MODEL_API_KEY"),
		ImageModelBaseURL: getEnv("IMAGE_MODEL_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		ImageBatchBaseURL: getEnv("IMAGE_BATCH_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/batches"),

		MeshyAPIKey:    os.Getenv("MESHY_API_KEY"),
		MeshyBaseURL:   getEnv("MESHY_BASE_URL", "https://api.meshy.ai/v2"),
		TripoAPIKey:    os.Getenv("TRIPO_API_KEY"),
		TripoBaseURL:   getEnv("TRIPO_BASE_URL", "https://api.tripo3d.ai/v2"),
		HunyuanAPIKey:  os.Getenv("HUNYUAN_API_KEY"),
		HunyuanBaseURL: getEnv("HUNYUAN_BASE_URL", "https://hunyuan.tencentcloudapi.com/3d"),
		TrellisAPIKey:  os.Getenv("TRELLIS_API_KEY"),
		TrellisBaseURL: getEnv("TRELLIS_BASE_URL", "https://api.trellis3d.dev/v1"),

		ProviderTimeout:  time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 60)),
		BatchPollEvery:   time.Minute * time.Duration(getEnvInt("BATCH_POLL_MINUTES", 2)),
		BatchMaxAge:      time.Minute * time.Duration(getEnvInt("BATCH_MAX_AGE_MINUTES", 120)),
		PollConcurrency:  getEnvInt("BATCH_POLL_CONCURRENCY", 4),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
