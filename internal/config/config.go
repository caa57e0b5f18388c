package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrMissingBackend = errors.New("queue backend is not configured")

type Config struct {
	Env string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	QueueName     string

	SMSProvider    string
	SMSAPIURL      string
	SMSAPIKey      string
	SMSPartnerID   string
	SMSSenderID    string
	SMSSuccessCode string
	SMSCountryCode string
	SMSTimeout     time.Duration

	WorkerName        string
	WorkerConcurrency int
	WorkerRateLimit   int
	ShutdownGrace     time.Duration

	APIKey string
	Port   string
}

// Load reads the environment, after merging any .env file found in the
// working directory. Outside development a missing REDIS_HOST is an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:               getEnv("APP_ENV", "development"),
		RedisHost:         os.Getenv("REDIS_HOST"),
		RedisPort:         getEnv("REDIS_PORT", "6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		QueueName:         getEnv("QUEUE_NAME", "notifications"),
		SMSProvider:       strings.ToLower(strings.TrimSpace(os.Getenv("SMS_PROVIDER"))),
		SMSAPIURL:         os.Getenv("SMS_API_URL"),
		SMSAPIKey:         os.Getenv("SMS_API_KEY"),
		SMSPartnerID:      os.Getenv("SMS_PARTNER_ID"),
		SMSSenderID:       os.Getenv("SMS_SENDER_ID"),
		SMSSuccessCode:    getEnv("SMS_SUCCESS_CODE", "200"),
		SMSCountryCode:    getEnv("SMS_COUNTRY_CODE", "254"),
		SMSTimeout:        getEnvDuration("SMS_TIMEOUT", 10*time.Second),
		WorkerName:        getEnv("WORKER_NAME", defaultWorkerName()),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 5),
		WorkerRateLimit:   getEnvInt("WORKER_RATE_LIMIT", 10),
		ShutdownGrace:     getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
		APIKey:            os.Getenv("API_KEY"),
		Port:              getEnv("PORT", "8080"),
	}

	if cfg.RedisHost == "" {
		if !cfg.IsDevelopment() {
			return cfg, fmt.Errorf("%w: REDIS_HOST is required when APP_ENV=%s", ErrMissingBackend, cfg.Env)
		}
		cfg.RedisHost = "localhost"
	}
	return cfg, nil
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "dev" || c.Env == "test"
}

func (c Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, err := fmt.Sscanf(v, "%d", &n)
		if err == nil {
			return n
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

func defaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-1"
	}
	return "worker-" + host
}
