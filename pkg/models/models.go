// Package models holds the persistent domain entities shared across the
// worker: pool artifacts, per-user links into the pool, cache rows, and the
// peripheral per-user bookkeeping consumed by the storage pool and handlers.
package models

import "time"

// PoolEntry is a content-addressed artifact stored once under
// .storage/tracks/<sha1>/original_file.<ext> and referenced by any number of
// UserLinks. Key is the lowercase hex SHA-1 of the file bytes.
type PoolEntry struct {
	HashSHA1        string    `json:"file_hash_sha1"`
	PhysicalPath    string    `json:"physical_path"`
	FileSizeBytes   int64     `json:"file_size_bytes"`
	FileExtension   string    `json:"file_extension"`
	YoutubeURL      string    `json:"youtube_url"`
	Title           string    `json:"title"`
	IsProtected     bool      `json:"is_protected"`
	DownloadedAt    time.Time `json:"downloaded_at"`
	AccessCount     int       `json:"access_count"`
	LastAccessedAt  time.Time `json:"last_accessed_at"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
}

// PoolSidecar is the JSON metadata.json written alongside every pool
// artifact, kept independent of the database row for disaster recovery.
type PoolSidecar struct {
	Size            int64  `json:"size"`
	Hash            string `json:"hash"`
	Extension       string `json:"extension"`
	YoutubeURL      string `json:"youtube_url"`
	Title           string `json:"title"`
	DownloadedAt    string `json:"downloaded_at"`
	AccessCount     int    `json:"access_count"`
	LastAccessedAt  string `json:"last_accessed_at"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// UserLink is a per-user filesystem view (symlink or copy) onto a PoolEntry.
// Key is the absolute symlink_path; it holds a non-owning reference (the hash)
// to the entry it points at.
type UserLink struct {
	UserChatID   int64     `json:"user_chat_id"`
	HashSHA1     string    `json:"file_hash_sha1"`
	SymlinkPath  string    `json:"symlink_path"`
	IsProtected  bool      `json:"is_protected"`
	CreatedAt    time.Time `json:"created_at"`
}

// FileMetadataRow tracks repair-service corruption bookkeeping for a pool
// entry, separate from the entry itself so repeated corruption checks don't
// require rewriting file_storage.
type FileMetadataRow struct {
	HashSHA1         string    `json:"file_hash_sha1"`
	CorruptionChecks int       `json:"corruption_checks"`
	LastCheckedAt    time.Time `json:"last_checked_at"`
}

// SearchCacheEntry caches one youtube_search response, keyed by the MD5 of
// the normalised query string.
type SearchCacheEntry struct {
	QueryHash    string    `json:"query_hash"`
	Query        string    `json:"query"`
	ResultsJSON  string    `json:"results_json"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// MetadataCacheEntry caches get_video_info responses, keyed by video id.
type MetadataCacheEntry struct {
	VideoID           string    `json:"video_id"`
	Title             string    `json:"title"`
	Uploader          string    `json:"uploader"`
	DurationSeconds   int       `json:"duration_seconds"`
	ThumbnailURL      string    `json:"thumbnail_url"`
	IsAgeRestricted   bool      `json:"is_age_restricted"`
	IsPlaylist        bool      `json:"is_playlist"`
	IsPrivate         bool      `json:"is_private"`
	ExpiresAt         time.Time `json:"expires_at"`
	AccessCount       int       `json:"access_count"`
	LastAccessed      time.Time `json:"last_accessed"`
}

// UploadCacheEntry maps a file's content digest to the remote message id it
// was already uploaded as, letting the large-file upload collaborator skip
// re-uploading identical bytes.
type UploadCacheEntry struct {
	HashSHA256 string    `json:"hash_sha256"`
	MessageID  string    `json:"message_id"`
	SizeBytes  int64     `json:"size_bytes"`
	LocalPath  string    `json:"local_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserPreferences holds per-user settings. The core consults only
// DedupEnabled (whether downloads dedup into symlinks); the default
// format/quality fields are stored but not read by any handler.
type UserPreferences struct {
	UserChatID         int64  `json:"user_chat_id"`
	DedupEnabled       bool   `json:"dedup_enabled"`
	DefaultAudioFormat string `json:"default_audio_format"`
	DefaultQuality     string `json:"default_quality"`
}

// DownloadHistoryEntry is an append-only audit row written when a
// youtube_dl request from a known user reaches a terminal state.
type DownloadHistoryEntry struct {
	UserChatID int64     `json:"user_chat_id"`
	TaskID     string    `json:"task_id"`
	URL        string    `json:"url"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	ErrorCode  string    `json:"error_code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// FavoritePlaylist is a user-created bookmark of a playlist URL.
type FavoritePlaylist struct {
	UserChatID  int64     `json:"user_chat_id"`
	PlaylistURL string    `json:"playlist_url"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

// RateLimitCounter tracks request counts in a rolling hour window per user,
// consulted by the search handler.
type RateLimitCounter struct {
	UserChatID     int64     `json:"user_chat_id"`
	WindowStarted  time.Time `json:"window_started_at"`
	Count          int       `json:"count"`
}
