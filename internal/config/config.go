package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration values
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Upload      UploadConfig
	Directories DirectoriesConfig
	Cache       CacheConfig
	Enrichment  EnrichmentConfig
	Memory      MemoryConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port         int
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// UploadConfig holds archive upload limits
type UploadConfig struct {
	MaxFileSize       int64
	MaxExtractionSize int64
	MaxExtractedFiles int
}

// DirectoriesConfig holds directory paths
type DirectoriesConfig struct {
	DataDir      string
	CacheDir     string
	UploadsDir   string
	ExtractedDir string
}

// CacheConfig holds media cache configuration
type CacheConfig struct {
	Concurrency  int
	FetchTimeout time.Duration
	UserAgent    string
}

// EnrichmentConfig holds embedding/classification sidecar configuration
type EnrichmentConfig struct {
	Enabled   bool
	BaseURL   string
	BatchSize int
	Workers   int
	Timeout   time.Duration
}

// MemoryConfig holds vector index configuration
type MemoryConfig struct {
	Enabled    bool
	BaseURL    string
	Collection string
	Timeout    time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	dataDir := getEnv("PSYCHOPASS_DATA_DIR", "data")

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvInt("PSYCHOPASS_PORT", 8765),
			Host:         getEnv("PSYCHOPASS_HOST", "127.0.0.1"),
			ReadTimeout:  getEnvDuration("PSYCHOPASS_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("PSYCHOPASS_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("PSYCHOPASS_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Path:            getEnv("PSYCHOPASS_DB_PATH", filepath.Join(dataDir, "psychopass.db")),
			MaxOpenConns:    getEnvInt("PSYCHOPASS_MAX_OPEN_CONNS", 1),
			MaxIdleConns:    getEnvInt("PSYCHOPASS_MAX_IDLE_CONNS", 1),
			ConnMaxLifetime: getEnvDuration("PSYCHOPASS_CONN_MAX_LIFETIME", 1*time.Hour),
			BusyTimeout:     getEnvDuration("PSYCHOPASS_BUSY_TIMEOUT", 5*time.Second),
		},
		Upload: UploadConfig{
			MaxFileSize:       getEnvInt64("PSYCHOPASS_MAX_FILE_SIZE", 2147483648),       // 2GB
			MaxExtractionSize: getEnvInt64("PSYCHOPASS_MAX_EXTRACTION_SIZE", 8589934592), // 8GB
			MaxExtractedFiles: getEnvInt("PSYCHOPASS_MAX_EXTRACTED_FILES", 200000),
		},
		Directories: DirectoriesConfig{
			DataDir:      dataDir,
			CacheDir:     getEnv("PSYCHOPASS_CACHE_DIR", filepath.Join(dataDir, "cache")),
			UploadsDir:   getEnv("PSYCHOPASS_UPLOADS_DIR", filepath.Join(dataDir, "uploads")),
			ExtractedDir: getEnv("PSYCHOPASS_EXTRACTED_DIR", filepath.Join(dataDir, "extracted")),
		},
		Cache: CacheConfig{
			Concurrency:  getEnvInt("PSYCHOPASS_CACHE_CONCURRENCY", 20),
			FetchTimeout: getEnvDuration("PSYCHOPASS_CACHE_FETCH_TIMEOUT", 60*time.Second),
			UserAgent:    getEnv("PSYCHOPASS_CACHE_USER_AGENT", "Mozilla/5.0"),
		},
		Enrichment: EnrichmentConfig{
			Enabled:   getEnvBool("PSYCHOPASS_ENRICHMENT_ENABLED", true),
			BaseURL:   getEnv("PSYCHOPASS_INFERENCE_URL", "http://127.0.0.1:8766"),
			BatchSize: getEnvInt("PSYCHOPASS_ENRICHMENT_BATCH_SIZE", 16),
			Workers:   getEnvInt("PSYCHOPASS_ENRICHMENT_WORKERS", 3),
			Timeout:   getEnvDuration("PSYCHOPASS_INFERENCE_TIMEOUT", 5*time.Minute),
		},
		Memory: MemoryConfig{
			Enabled:    getEnvBool("PSYCHOPASS_MEMORY_ENABLED", true),
			BaseURL:    getEnv("PSYCHOPASS_MEMORY_URL", "http://127.0.0.1:8000"),
			Collection: getEnv("PSYCHOPASS_MEMORY_COLLECTION", "messages"),
			Timeout:    getEnvDuration("PSYCHOPASS_MEMORY_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("PSYCHOPASS_REQUESTS_PER_MINUTE", 600),
			BurstSize:         getEnvInt("PSYCHOPASS_BURST_SIZE", 50),
		},
		Logging: LoggingConfig{
			Level:  getEnv("PSYCHOPASS_LOG_LEVEL", "info"),
			Format: getEnv("PSYCHOPASS_LOG_FORMAT", "json"),
		},
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Resolve absolute paths
	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1024 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1024 and 65535, got %d", c.Server.Port)
	}

	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", c.Upload.MaxFileSize)
	}
	if c.Upload.MaxExtractionSize <= 0 {
		return fmt.Errorf("max extraction size must be positive, got %d", c.Upload.MaxExtractionSize)
	}

	if c.Cache.Concurrency <= 0 {
		return fmt.Errorf("cache concurrency must be positive, got %d", c.Cache.Concurrency)
	}
	if c.Enrichment.BatchSize <= 0 {
		return fmt.Errorf("enrichment batch size must be positive, got %d", c.Enrichment.BatchSize)
	}
	if c.Enrichment.Workers <= 0 {
		return fmt.Errorf("enrichment workers must be positive, got %d", c.Enrichment.Workers)
	}

	// SQLite has a single writer; more than one open connection only adds lock contention.
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("max open conns must be positive, got %d", c.Database.MaxOpenConns)
	}

	return nil
}

// resolvePaths resolves all directory paths to absolute paths
func (c *Config) resolvePaths() error {
	paths := []*string{
		&c.Directories.DataDir,
		&c.Directories.CacheDir,
		&c.Directories.UploadsDir,
		&c.Directories.ExtractedDir,
		&c.Database.Path,
	}

	for _, p := range paths {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", *p, err)
		}
		*p = abs
	}

	return nil
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
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
