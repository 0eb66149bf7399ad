// Package users wraps the per-user bookkeeping tables (preferences, download
// history, favorite playlists, rate limits) the handlers consult, generalized
// from the original implementation's user_manager.py and kept as a thin
// façade over the database package the way the teacher keeps its own
// repository-style wrappers one layer above *sql.DB.
package users

import (
	"time"

	"hermesworker/internal/database"
	"hermesworker/pkg/models"
)

// Manager fronts user_preferences, download_history, favorite_playlists and
// rate_limits.
type Manager struct {
	db *database.Database
}

// New builds a Manager backed by db.
func New(db *database.Database) *Manager {
	return &Manager{db: db}
}

// Preferences returns userChatID's preferences, defaulting dedup-on and
// mp3/192 when the user has never set any.
func (m *Manager) Preferences(userChatID int64) (models.UserPreferences, error) {
	return m.db.GetUserPreferences(userChatID)
}

// SetPreferences upserts a user's preferences.
func (m *Manager) SetPreferences(p models.UserPreferences) error {
	return m.db.PutUserPreferences(p)
}

// RecordHistory appends an audit row once a request reaches a terminal
// state (done or error).
func (m *Manager) RecordHistory(userChatID int64, taskID, url, action, status, errorCode string) error {
	return m.db.RecordDownloadHistory(models.DownloadHistoryEntry{
		UserChatID: userChatID,
		TaskID:     taskID,
		URL:        url,
		Action:     action,
		Status:     status,
		ErrorCode:  errorCode,
	})
}

// AddFavorite bookmarks a playlist URL for a user.
func (m *Manager) AddFavorite(userChatID int64, playlistURL, name string) error {
	return m.db.AddFavoritePlaylist(models.FavoritePlaylist{
		UserChatID:  userChatID,
		PlaylistURL: playlistURL,
		Name:        name,
	})
}

// Favorites lists a user's bookmarked playlists.
func (m *Manager) Favorites(userChatID int64) ([]models.FavoritePlaylist, error) {
	return m.db.ListFavoritePlaylists(userChatID)
}

// CheckRateLimit reports whether userChatID may perform one more search this
// rolling window, incrementing the counter when allowed. Mirrors the
// original's RATE_LIMIT_SEARCHES_PER_HOUR enforcement.
func (m *Manager) CheckRateLimit(userChatID int64, limitPerHour int) (allowed bool, err error) {
	return m.db.CheckAndIncrementRateLimit(userChatID, limitPerHour, time.Hour)
}
