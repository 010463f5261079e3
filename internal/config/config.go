package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const ServiceName = "lis-gateway"

type Config struct {
	WebPort int
	DataDir string

	DatabaseURL string
	DBMaxConns  int
	DBMaxIdle   int

	RedisURL        string
	MappingCacheTTL time.Duration

	StrictMode           bool
	ClientConnectTimeout time.Duration
	ClientRetryDelay     time.Duration
	AuditFlushInterval   time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads .env when present and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		WebPort:              getEnvAsInt("WEB_PORT", 5678),
		DataDir:              getEnv("DATA_DIR", "/data"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		DBMaxConns:           getEnvAsInt("DB_MAX_CONNS", 20),
		DBMaxIdle:            getEnvAsInt("DB_MAX_IDLE", 5),
		RedisURL:             getEnv("REDIS_URL", ""),
		MappingCacheTTL:      getEnvAsDuration("MAPPING_CACHE_TTL", 5*time.Minute),
		StrictMode:           getEnvAsBool("STRICT_MODE", true),
		ClientConnectTimeout: getEnvAsDuration("CLIENT_CONNECT_TIMEOUT", 30*time.Second),
		ClientRetryDelay:     getEnvAsDuration("CLIENT_RETRY_DELAY", 2*time.Second),
		AuditFlushInterval:   getEnvAsDuration("AUDIT_FLUSH_INTERVAL", 2*time.Second),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
	}
	return cfg, nil
}

// Fields summarizes the configuration for the startup log line.
func (c *Config) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("web_port", c.WebPort),
		zap.String("data_dir", c.DataDir),
		zap.Bool("postgres", c.DatabaseURL != ""),
		zap.Bool("mapping_cache", c.RedisURL != ""),
		zap.Bool("strict_mode", c.StrictMode),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// NewLogger builds a JSON production logger, or a console logger when
// format is "console".
func NewLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service_name", ServiceName))
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		logger = logger.With(zap.String("hostname", hostname))
	}
	return logger, nil
}
