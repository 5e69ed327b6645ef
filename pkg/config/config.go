package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for the gateway
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Upload    UploadLimits    `yaml:"upload"`
	Routing   RoutingConfig   `yaml:"routing"`
	Origin    OriginConfig    `yaml:"origin"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	PublicURL    string        `yaml:"public_url"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// CORSAllowedOrigins are the browser origins allowed to send
	// credentialed requests. Empty disables CORS.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	DBName      string `yaml:"dbname"`
	SSLMode     string `yaml:"sslmode"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// RedisConfig holds Redis connection settings. An empty Host disables Redis.
type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Type         string `yaml:"type"` // s3, local
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	LocalPath    string `yaml:"local_path"`
	SigningKey   string `yaml:"signing_key"`
}

// AuthConfig holds credential validation settings
type AuthConfig struct {
	SessionCookie     string `yaml:"session_cookie"`
	SessionSecret     string `yaml:"session_secret"`
	DeviceTokenHeader string `yaml:"device_token_header"`
}

// UploadLimits is the single source of truth for upload ceilings and the
// client retry schedule. The gateway and the uploader both read it.
type UploadLimits struct {
	MaxFileSize      int64         `yaml:"max_file_size"`
	MaxBatchItems    int           `yaml:"max_batch_items"`
	AllowedMimeTypes []string      `yaml:"allowed_mime_types"`
	IntentTTL        time.Duration `yaml:"intent_ttl"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	Concurrency      int           `yaml:"concurrency"`
}

// RoutingConfig controls native versus proxy handling
type RoutingConfig struct {
	NativeEnabled          bool   `yaml:"native_enabled"`
	OverrideHeader         string `yaml:"override_header"`
	ClientVersionHeader    string `yaml:"client_version_header"`
	NativeMinClientVersion string `yaml:"native_min_client_version"`
}

// OriginConfig points at the backend job system
type OriginConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	ServiceToken string        `yaml:"service_token"`
}

// RateLimitConfig configures the per-identity limiter. Zero RequestsPerMinute disables it.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// DefaultAllowedMimeTypes lists the image and video types accepted when
// UPLOAD_ALLOWED_MIME_TYPES is unset.
var DefaultAllowedMimeTypes = []string{
	"image/jpeg",
	"image/png",
	"image/heic",
	"image/heif",
	"image/webp",
	"image/tiff",
	"image/x-adobe-dng",
	"video/mp4",
	"video/quicktime",
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			PublicURL:    getEnv("SERVER_PUBLIC_URL", "http://localhost:8080"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),

			CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "darkroom"),
			Password:    getEnv("DB_PASSWORD", "password"),
			DBName:      getEnv("DB_NAME", "darkroom"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			AutoMigrate: getEnvBool("DB_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			CacheTTL: getEnvDuration("REDIS_CACHE_TTL", 5*time.Minute),
		},
		Storage: StorageConfig{
			Type:         getEnv("STORAGE_TYPE", "local"),
			Bucket:       getEnv("STORAGE_BUCKET", "darkroom-media"),
			Region:       getEnv("STORAGE_REGION", "us-east-1"),
			Endpoint:     getEnv("STORAGE_ENDPOINT", ""),
			AccessKey:    getEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey:    getEnv("STORAGE_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("STORAGE_USE_PATH_STYLE", false),
			LocalPath:    getEnv("STORAGE_LOCAL_PATH", "./media"),
			SigningKey:   getEnv("STORAGE_SIGNING_KEY", "local-signing-key"),
		},
		Auth: AuthConfig{
			SessionCookie:     getEnv("AUTH_SESSION_COOKIE", "darkroom_session"),
			SessionSecret:     getEnv("AUTH_SESSION_SECRET", "your-secret-key"),
			DeviceTokenHeader: getEnv("AUTH_DEVICE_TOKEN_HEADER", "X-Device-Token"),
		},
		Upload: LoadUploadLimitsFromEnv(),
		Routing: RoutingConfig{
			NativeEnabled:          getEnvBool("ROUTING_NATIVE_ENABLED", false),
			OverrideHeader:         getEnv("ROUTING_OVERRIDE_HEADER", "X-Upload-Route"),
			ClientVersionHeader:    getEnv("ROUTING_CLIENT_VERSION_HEADER", "X-Client-Version"),
			NativeMinClientVersion: getEnv("ROUTING_NATIVE_MIN_CLIENT_VERSION", ""),
		},
		Origin: OriginConfig{
			BaseURL:      getEnv("ORIGIN_BASE_URL", "http://localhost:9000"),
			Timeout:      getEnvDuration("ORIGIN_TIMEOUT", 15*time.Second),
			ServiceToken: getEnv("ORIGIN_SERVICE_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 0),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// LoadUploadLimitsFromEnv reads the shared upload ceilings and retry schedule
func LoadUploadLimitsFromEnv() UploadLimits {
	return UploadLimits{
		MaxFileSize:      getEnvSize("UPLOAD_MAX_FILE_SIZE", 25*units.MiB),
		MaxBatchItems:    getEnvInt("UPLOAD_MAX_BATCH_ITEMS", 100),
		AllowedMimeTypes: getEnvList("UPLOAD_ALLOWED_MIME_TYPES", DefaultAllowedMimeTypes),
		IntentTTL:        getEnvDuration("UPLOAD_INTENT_TTL", 15*time.Minute),
		MaxAttempts:      getEnvInt("CLIENT_MAX_ATTEMPTS", 3),
		BaseDelay:        getEnvDuration("CLIENT_BASE_DELAY", time.Second),
		Concurrency:      getEnvInt("CLIENT_CONCURRENCY", 3),
	}
}

// MimeAllowed reports whether mimeType is in the allowed set
func (u UploadLimits) MimeAllowed(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, allowed := range u.AllowedMimeTypes {
		if strings.EqualFold(allowed, mimeType) {
			return true
		}
	}
	return false
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Enabled reports whether a Redis host has been configured
func (r *RedisConfig) Enabled() bool {
	return r.Host != ""
}

// SetupLogging configures the global zerolog logger
func (l LoggingConfig) SetupLogging() {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || l.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if l.Format == "console" || l.Format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvSize accepts plain byte counts or human sizes such as "25MB" (binary units)
func getEnvSize(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if size, err := units.RAMInBytes(value); err == nil && size > 0 {
			return size
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
