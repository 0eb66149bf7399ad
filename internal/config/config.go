// Package config loads the worker's configuration from environment
// variables, overlaying a .env file when one is present (joho/godotenv),
// the same way the rest of this codebase's ecosystem prefers over committing
// a config file to source control for a process that runs as a subprocess.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is a typed view over the worker's environment variables.
type Config struct {
	CookieFile  string
	YtdlpCookies string

	BestAudioLimitMB int
	NodeBin          string
	MaxRetries       int
	RetryDelaySeconds int

	YTTimeoutSeconds  int
	IPCTimeoutSeconds int

	DownloadDir string
	TempDir     string

	EnableSearchCache bool
	CacheExpiryHours  int

	LogLevel string
	LogFile  string

	ArchiveMaxSizeMB        int
	ArchiveCompressionLevel int

	PlaylistNameMaxLength int

	RateLimitSearchesPerHour int

	DatabaseURL string

	MtprotoEnabled bool

	RepairIntervalSeconds int
}

// Load reads the environment into a Config, overlaying a .env file first if
// one exists in the working directory. OS environment always wins over the
// .env file (godotenv.Load never overwrites existing env vars).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		CookieFile:        getenv("YOUTUBE_COOKIE_FILE", "./cookies.txt"),
		YtdlpCookies:      os.Getenv("YTDLP_COOKIES"),
		BestAudioLimitMB:  getenvInt("BEST_AUDIO_LIMIT_MB", 15),
		NodeBin:           getenv("NODE_BIN", ""),
		MaxRetries:        getenvInt("MAX_RETRIES", 3),
		RetryDelaySeconds: getenvInt("RETRY_DELAY_SECONDS", 5),
		YTTimeoutSeconds:  getenvInt("YT_TIMEOUT", 300),
		IPCTimeoutSeconds: getenvInt("IPC_TIMEOUT", 600),
		DownloadDir:       getenv("DOWNLOAD_DIR", "./downloads"),
		TempDir:           getenv("TEMP_DIR", "./temp"),
		EnableSearchCache: getenvBool("ENABLE_SEARCH_CACHE", true),
		CacheExpiryHours:  getenvInt("CACHE_EXPIRY_HOURS", 24),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFile:           os.Getenv("WORKER_LOG_FILE"),

		ArchiveMaxSizeMB:        getenvInt("ARCHIVE_MAX_SIZE_MB", 100),
		ArchiveCompressionLevel: getenvInt("ARCHIVE_COMPRESSION_LEVEL", 6),
		PlaylistNameMaxLength:   getenvInt("PLAYLIST_NAME_MAX_LENGTH", 100),

		RateLimitSearchesPerHour: getenvInt("RATE_LIMIT_SEARCHES_PER_HOUR", 60),

		DatabaseURL: getenv("DATABASE_URL", "sqlite:///./hermes.db"),

		MtprotoEnabled: getenvBool("MPROTO", false),

		RepairIntervalSeconds: getenvInt("REPAIR_INTERVAL_SECONDS", 3600),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations that would cause silent misbehavior later.
func (c *Config) Validate() error {
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR cannot be empty")
	}
	if c.TempDir == "" {
		return fmt.Errorf("TEMP_DIR cannot be empty")
	}
	if c.BestAudioLimitMB < 1 {
		return fmt.Errorf("BEST_AUDIO_LIMIT_MB must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative")
	}
	if c.YTTimeoutSeconds < 1 {
		return fmt.Errorf("YT_TIMEOUT must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	return nil
}

// Prepare creates the directories the worker needs before accepting any IPC
// requests: download/temp roots and the pool's tracks subtree.
func (c *Config) Prepare() error {
	for _, dir := range []string{c.DownloadDir, c.TempDir, c.PoolTracksDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// PoolTracksDir returns the root of the content-addressed pool.
func (c *Config) PoolTracksDir() string {
	return c.DownloadDir + "/.storage/tracks"
}

// SQLitePath strips a sqlite:/// DSN prefix down to a bare filesystem path
// usable directly with the mattn/go-sqlite3 driver.
func (c *Config) SQLitePath() string {
	path := c.DatabaseURL
	path = strings.TrimPrefix(path, "sqlite:///")
	path = strings.TrimPrefix(path, "sqlite://")
	return path
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.ToLower(v) == "true"
}
