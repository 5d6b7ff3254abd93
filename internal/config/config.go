package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config holds runtime configuration for the seedsearch CLI and operator server.
type Config struct {
	Env       string
	DataDir   string
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	PollInterval       time.Duration
	CheckpointInterval time.Duration
	StopTimeout        time.Duration
	ResultQueueSize    int
	StoreFlushRows     int

	FertilizerPath      string
	FertilizerCacheSize int
	FertilizerRedisKey  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ResultsRateCapacity int
	ResultsRateRefill   float64

	PostgresDSN string

	FertilizerS3Bucket    string
	FertilizerS3Key       string
	FertilizerS3Region    string
	FertilizerS3Endpoint  string
	FertilizerS3PathStyle bool
}

// Load reads configuration from environment variables with sane defaults for local development.
// Redis, Postgres and S3 stay disabled unless their settings are present.
func Load() Config {
	dataDir := getEnv("DATA_DIR", "./data")
	return Config{
		Env:       getEnv("APP_ENV", "dev"),
		DataDir:   dataDir,
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		PollInterval:       getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),
		CheckpointInterval: getEnvDuration("CHECKPOINT_INTERVAL", 10*time.Second),
		StopTimeout:        getEnvDuration("STOP_TIMEOUT", time.Second),
		ResultQueueSize:    getEnvInt("RESULT_QUEUE_SIZE", 1024),
		StoreFlushRows:     getEnvInt("STORE_FLUSH_ROWS", 256),

		FertilizerPath:      getEnv("FERTILIZER_PATH", filepath.Join(dataDir, "fertilizer.txt")),
		FertilizerCacheSize: getEnvInt("FERTILIZER_CACHE_SIZE", 1<<16),
		FertilizerRedisKey:  getEnv("FERTILIZER_REDIS_KEY", "fertilizer:seen"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ResultsRateCapacity: getEnvInt("RESULTS_RATE_CAPACITY", 50),
		ResultsRateRefill:   getEnvFloat("RESULTS_RATE_REFILL_PER_SEC", 10),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		FertilizerS3Bucket:    getEnv("FERTILIZER_S3_BUCKET", ""),
		FertilizerS3Key:       getEnv("FERTILIZER_S3_KEY", "fertilizer.txt"),
		FertilizerS3Region:    getEnv("FERTILIZER_S3_REGION", "us-east-1"),
		FertilizerS3Endpoint:  getEnv("FERTILIZER_S3_ENDPOINT", ""),
		FertilizerS3PathStyle: getEnvBool("FERTILIZER_S3_PATH_STYLE", false),
	}
}

// ConfigureLogging applies LogLevel and LogFormat to the standard logrus logger.
// An unknown level falls back to info.
func (c Config) ConfigureLogging() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	if err != nil {
		log.WithField("level", c.LogLevel).Warn("unknown log level; using info")
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
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
