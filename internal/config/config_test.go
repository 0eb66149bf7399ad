package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	for _, key := range []string{
		"YOUTUBE_COOKIE_FILE", "YTDLP_COOKIES", "BEST_AUDIO_LIMIT_MB", "NODE_BIN",
		"MAX_RETRIES", "RETRY_DELAY_SECONDS", "YT_TIMEOUT", "IPC_TIMEOUT",
		"DOWNLOAD_DIR", "TEMP_DIR", "ENABLE_SEARCH_CACHE", "CACHE_EXPIRY_HOURS",
		"LOG_LEVEL", "WORKER_LOG_FILE", "ARCHIVE_MAX_SIZE_MB", "ARCHIVE_COMPRESSION_LEVEL",
		"PLAYLIST_NAME_MAX_LENGTH", "RATE_LIMIT_SEARCHES_PER_HOUR", "DATABASE_URL",
		"MPROTO", "REPAIR_INTERVAL_SECONDS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BestAudioLimitMB != 15 {
		t.Errorf("BestAudioLimitMB = %d, want default 15", cfg.BestAudioLimitMB)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.MaxRetries)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default info", cfg.LogLevel)
	}
	if cfg.RepairIntervalSeconds != 3600 {
		t.Errorf("RepairIntervalSeconds = %d, want default 3600", cfg.RepairIntervalSeconds)
	}
	if !cfg.EnableSearchCache {
		t.Error("expected EnableSearchCache to default true")
	}
}

func TestLoadReadsOverriddenEnv(t *testing.T) {
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ENABLE_SEARCH_CACHE", "false")
	t.Setenv("DOWNLOAD_DIR", "/tmp/downloads")
	t.Setenv("TEMP_DIR", "/tmp/temp")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.MaxRetries)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want lowercased debug", cfg.LogLevel)
	}
	if cfg.EnableSearchCache {
		t.Error("expected ENABLE_SEARCH_CACHE=false to disable search caching")
	}
}

func TestValidateRejectsEmptyDownloadDir(t *testing.T) {
	cfg := &Config{DownloadDir: "", TempDir: "/tmp", BestAudioLimitMB: 15, YTTimeoutSeconds: 300, LogLevel: "info"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for an empty DownloadDir")
	}
}

func TestValidateRejectsNegativeMaxRetries(t *testing.T) {
	cfg := &Config{DownloadDir: "/tmp", TempDir: "/tmp", BestAudioLimitMB: 15, YTTimeoutSeconds: 300, LogLevel: "info", MaxRetries: -1}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for a negative MaxRetries")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := &Config{DownloadDir: "/tmp", TempDir: "/tmp", BestAudioLimitMB: 15, YTTimeoutSeconds: 300, LogLevel: "verbose"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for an unrecognized LOG_LEVEL")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{DownloadDir: "/tmp", TempDir: "/tmp", BestAudioLimitMB: 15, YTTimeoutSeconds: 300, LogLevel: "warn"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestPrepareCreatesDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{
		DownloadDir: filepath.Join(root, "downloads"),
		TempDir:     filepath.Join(root, "temp"),
	}
	if err := cfg.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for _, dir := range []string{cfg.DownloadDir, cfg.TempDir, cfg.PoolTracksDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected %s to exist as a directory", dir)
		}
	}
}

func TestPoolTracksDirDerivation(t *testing.T) {
	cfg := &Config{DownloadDir: "/data/downloads"}
	want := "/data/downloads/.storage/tracks"
	if got := cfg.PoolTracksDir(); got != want {
		t.Errorf("PoolTracksDir() = %q, want %q", got, want)
	}
}

func TestSQLitePathStripsDSNPrefix(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"sqlite:///./hermes.db", "./hermes.db"},
		{"sqlite://relative/path.db", "relative/path.db"},
		{"/absolute/path.db", "/absolute/path.db"},
	}
	for _, tt := range tests {
		cfg := &Config{DatabaseURL: tt.dsn}
		if got := cfg.SQLitePath(); got != tt.want {
			t.Errorf("SQLitePath(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}
