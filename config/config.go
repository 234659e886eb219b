package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	App         AppConfig
	Compilation CompilationConfig
	Descriptor  DescriptorConfig
	Storage     StorageConfig
	Firebase    FirebaseConfig
}

type ServerConfig struct {
	Port           string
	MetricsPort    string
	AllowedOrigins []string
}

type DatabaseConfig struct {
	// DSN is a postgres connection string. When empty the service keeps
	// projects in memory, which is only useful for local development.
	DSN string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AppConfig struct {
	Environment string
	LogLevel    string
	Version     string
}

type CompilationConfig struct {
	WorkDir           string
	PublicBaseURL     string
	WatchdogTimeout   time.Duration
	TranscodeTimeout  time.Duration
	Workers           int
	DemoTTL           time.Duration
	ExpirySchedule    string
	SummaryRetention  time.Duration
	FFmpegPath        string
	FFprobePath       string
	MarkerTag         bool
	// MediaRoot enables relative media paths resolved below it. Empty
	// means only http(s) sources are accepted.
	MediaRoot         string
	// MediaAllowPrivate lets media downloads reach private addresses.
	MediaAllowPrivate bool
}

type DescriptorConfig struct {
	URL       string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
}

type StorageConfig struct {
	// PublicDir is served under /ar-files when S3Bucket is empty.
	PublicDir   string
	S3Bucket    string
	S3Region    string
	S3PublicURL string
}

type FirebaseConfig struct {
	CredentialsPath string
	EnableAuth      bool
	EnableMessaging bool
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, using environment variables")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			MetricsPort:    getEnv("METRICS_PORT", "9090"),
			AllowedOrigins: []string{getEnv("CORS_ORIGIN", "*")},
		},
		Database: DatabaseConfig{
			DSN: getEnv("DB_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		App: AppConfig{
			Environment: getEnv("APP_ENV", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			Version:     getEnv("APP_VERSION", "1.0.0"),
		},
		Compilation: CompilationConfig{
			WorkDir:           getEnv("AR_WORK_DIR", "data/ar"),
			PublicBaseURL:     getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
			WatchdogTimeout:   getEnvAsDuration("AR_WATCHDOG_TIMEOUT", 240*time.Second),
			TranscodeTimeout:  getEnvAsDuration("AR_TRANSCODE_TIMEOUT", 60*time.Second),
			Workers:           getEnvAsInt("AR_WORKERS", 2),
			DemoTTL:           getEnvAsDuration("AR_DEMO_TTL", 24*time.Hour),
			ExpirySchedule:    getEnv("AR_EXPIRY_SCHEDULE", "0 */15 * * * *"),
			SummaryRetention:  getEnvAsDuration("AR_SUMMARY_RETENTION", 90*24*time.Hour),
			FFmpegPath:        getEnv("FFMPEG_BIN", "ffmpeg"),
			FFprobePath:       getEnv("FFPROBE_BIN", "ffprobe"),
			MarkerTag:         getEnvAsBool("AR_MARKER_TAG", true),
			MediaRoot:         getEnv("AR_MEDIA_ROOT", ""),
			MediaAllowPrivate: getEnvAsBool("AR_MEDIA_ALLOW_PRIVATE", false),
		},
		Descriptor: DescriptorConfig{
			URL:       getEnv("DESCRIPTOR_COMPILER_URL", "http://localhost:9100"),
			Timeout:   getEnvAsDuration("DESCRIPTOR_COMPILER_TIMEOUT", 180*time.Second),
			RateLimit: getEnvAsFloat("DESCRIPTOR_COMPILER_RPS", 1),
			Burst:     getEnvAsInt("DESCRIPTOR_COMPILER_BURST", 2),
		},
		Storage: StorageConfig{
			PublicDir:   getEnv("AR_PUBLIC_DIR", "data/public"),
			S3Bucket:    getEnv("AR_S3_BUCKET", ""),
			S3Region:    getEnv("AR_S3_REGION", "us-east-1"),
			S3PublicURL: getEnv("AR_S3_PUBLIC_URL", ""),
		},
		Firebase: FirebaseConfig{
			CredentialsPath: getEnv("FIREBASE_CREDENTIALS_PATH", ""),
			EnableAuth:      getEnvAsBool("FIREBASE_AUTH", false),
			EnableMessaging: getEnvAsBool("FIREBASE_MESSAGING", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.Compilation.WorkDir == "" {
		return fmt.Errorf("AR_WORK_DIR is required")
	}
	if c.Compilation.WatchdogTimeout <= 0 {
		return fmt.Errorf("AR_WATCHDOG_TIMEOUT must be positive")
	}
	if c.Compilation.TranscodeTimeout <= 0 {
		return fmt.Errorf("AR_TRANSCODE_TIMEOUT must be positive")
	}
	if c.Compilation.Workers < 0 {
		return fmt.Errorf("AR_WORKERS must not be negative")
	}
	if (c.Firebase.EnableAuth || c.Firebase.EnableMessaging) && c.Firebase.CredentialsPath == "" {
		return fmt.Errorf("FIREBASE_CREDENTIALS_PATH is required when firebase auth or messaging is enabled")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Warn().Str("key", key).Int("default", defaultValue).Msg("invalid integer, using default")
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Warn().Str("key", key).Float64("default", defaultValue).Msg("invalid float, using default")
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Warn().Str("key", key).Bool("default", defaultValue).Msg("invalid bool, using default")
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Warn().Str("key", key).Dur("default", defaultValue).Msg("invalid duration, using default")
		return defaultValue
	}

	return value
}
