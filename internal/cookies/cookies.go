// Package cookies manages the cookie file yt-dlp authenticates with,
// generalized from the original implementation's cookies.py and the
// teacher's fsnotify-based watcher in internal/server/watcher.go.
package cookies

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Manager resolves the active cookie file path and invalidates its cached
// validity whenever the file changes on disk, so an /upcook-style refresh
// from the parent process takes effect on the very next download.
type Manager struct {
	mu           sync.RWMutex
	configured   string
	fallbackEnv  string
	watcher      *fsnotify.Watcher
	logger       *logrus.Logger
	lastValid    bool
	lastCheck    time.Time
	lastModified time.Time
}

// NewManager builds a Manager watching configuredPath for changes.
// fallbackEnv is the YTDLP_COOKIES environment variable contents, written to
// a temp file when configuredPath doesn't exist.
func NewManager(configuredPath, fallbackEnv, tempDir string, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{configured: configuredPath, fallbackEnv: fallbackEnv, logger: logger}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create cookie watcher: %w", err)
	}
	m.watcher = watcher

	dir := filepath.Dir(configuredPath)
	if _, err := os.Stat(dir); err == nil {
		if err := watcher.Add(dir); err != nil {
			logger.WithError(err).Warn("failed to watch cookie directory")
		}
	}

	go m.watch()

	if fallbackEnv != "" {
		if _, err := os.Stat(configuredPath); os.IsNotExist(err) {
			if err := m.writeFallback(tempDir); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// writeFallback persists YTDLP_COOKIES to a private temp file, matching
// cookies.py's behavior of chmod 0600'ing the written file.
func (m *Manager) writeFallback(tempDir string) error {
	path := filepath.Join(tempDir, "ytdlp_cookies_fallback.txt")
	if err := os.WriteFile(path, []byte(m.fallbackEnv), 0o600); err != nil {
		return fmt.Errorf("write fallback cookie file: %w", err)
	}
	m.mu.Lock()
	m.configured = path
	m.mu.Unlock()
	return nil
}

// watch invalidates the last-known-valid flag whenever the cookie file is
// written, created or removed. Validate and Args re-read the file from disk
// on every call regardless of this flag.
func (m *Manager) watch() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.mu.RLock()
			target := m.configured
			m.mu.RUnlock()
			if event.Name != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				m.mu.Lock()
				m.lastValid = false
				m.mu.Unlock()
				m.logger.WithField("path", target).Info("cookie file changed, invalidating cache")
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.WithError(err).Warn("cookie watcher error")
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (m *Manager) Close() error {
	return m.watcher.Close()
}

// Path returns the currently configured cookie file path, which may be
// empty if none is configured and no fallback was supplied.
func (m *Manager) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configured
}

// Validate reports whether the configured cookie file exists and contains
// recognisable YouTube cookie domains, mirroring
// cookies.py's validate_cookie_file substring check.
func (m *Manager) Validate() (bool, error) {
	m.mu.RLock()
	path := m.configured
	m.mu.RUnlock()

	if path == "" {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, nil
	}

	content := string(data)
	valid := strings.Contains(content, "youtube.com") || strings.Contains(content, ".google.com")

	m.mu.Lock()
	m.lastValid = valid
	m.lastCheck = time.Now()
	if info, statErr := os.Stat(path); statErr == nil {
		m.lastModified = info.ModTime()
	}
	m.mu.Unlock()

	return valid, nil
}

// Args returns the yt-dlp argv fragment for cookie authentication, or nil
// when no cookie file is usable, matching cookies.py's build_yt_dlp_args.
func (m *Manager) Args() []string {
	valid, err := m.Validate()
	if err != nil || !valid {
		return nil
	}
	return []string{"--cookies", m.Path()}
}

// StaleSuggested reports whether the cookie file is older than 30 days and
// a refresh should be suggested to the operator, mirroring
// cookies.py's suggest_cookie_refresh.
func (m *Manager) StaleSuggested() bool {
	m.mu.RLock()
	path := m.configured
	m.mu.RUnlock()

	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > 30*24*time.Hour
}
