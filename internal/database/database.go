// Package database wraps the worker's SQLite store, generalized from the
// teacher's internal/database/database.go pragma tuning, idempotent table
// creation, and pragma_table_info-gated migrations onto the schema this
// worker's media pool and handler surface require.
package database

import (
	"database/sql"
	"fmt"
	"time"

	"hermesworker/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database wraps a *sql.DB with the worker's schema and helper methods. The
// underlying *sql.DB is safe for concurrent use.
type Database struct {
	conn   *sql.DB
	logger *logrus.Logger
}

// New opens (or creates) a SQLite database at path, applies WAL pragmas, and
// ensures the full schema exists. Caller must Close() it on shutdown.
func New(path string, logger *logrus.Logger) (*Database, error) {
	if logger == nil {
		logger = logrus.New()
	}

	conn, err := sql.Open("sqlite3", path+"?cache=shared&mode=rwc&_busy_timeout=10000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection, per the documented concurrency model: writers
	// serialise at the engine via WAL, and the caller awaits completion
	// rather than relying on a connection pool to smooth over contention.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=10000;",
		"PRAGMA cache_size=2000;",
		"PRAGMA temp_store=memory;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			logger.WithError(err).WithField("pragma", p).Warn("failed to set pragma")
		}
	}

	db := &Database{conn: conn, logger: logger}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	if err := db.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.WithField("path", path).Info("database initialized")
	return db, nil
}

// Close releases the underlying connection pool.
func (db *Database) Close() error {
	return db.conn.Close()
}

func (db *Database) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			chat_id INTEGER PRIMARY KEY,
			username TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			user_chat_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS media_tasks (
			task_id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			format TEXT,
			quality TEXT,
			percent INTEGER DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			error_code TEXT,
			destination TEXT,
			FOREIGN KEY (task_id) REFERENCES tasks(task_id)
		);`,
		`CREATE TABLE IF NOT EXISTS playlists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_chat_id INTEGER NOT NULL,
			url TEXT NOT NULL,
			name TEXT NOT NULL,
			video_count INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			user_chat_id INTEGER PRIMARY KEY,
			dedup_enabled BOOLEAN DEFAULT TRUE,
			default_audio_format TEXT DEFAULT 'mp3',
			default_quality TEXT DEFAULT '192'
		);`,
		`CREATE TABLE IF NOT EXISTS download_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_chat_id INTEGER NOT NULL,
			task_id TEXT NOT NULL,
			url TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			error_code TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS favorite_playlists (
			user_chat_id INTEGER NOT NULL,
			playlist_url TEXT NOT NULL,
			name TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_chat_id, playlist_url)
		);`,
		`CREATE TABLE IF NOT EXISTS youtube_metadata_cache (
			video_id TEXT PRIMARY KEY,
			title TEXT,
			uploader TEXT,
			duration_seconds INTEGER,
			thumbnail_url TEXT,
			is_age_restricted BOOLEAN DEFAULT FALSE,
			is_playlist BOOLEAN DEFAULT FALSE,
			is_private BOOLEAN DEFAULT FALSE,
			expires_at DATETIME,
			access_count INTEGER DEFAULT 0,
			last_accessed DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS search_cache (
			query_hash TEXT PRIMARY KEY,
			query TEXT,
			results_json TEXT,
			expires_at DATETIME,
			access_count INTEGER DEFAULT 0,
			last_accessed DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS cookie_management (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			cookie_file_path TEXT,
			last_validated_at DATETIME,
			last_modified_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			user_chat_id INTEGER PRIMARY KEY,
			window_started_at DATETIME NOT NULL,
			count INTEGER DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS api_usage_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			user_chat_id INTEGER,
			occurred_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		// file_storage/user_symlinks/dedup_*/file_cache are not defined in the
		// retrieved original database migrations; reconstructed here from the
		// columns storage.py and repair_service.py actually read and write.
		`CREATE TABLE IF NOT EXISTS file_storage (
			file_hash_sha1 TEXT PRIMARY KEY,
			physical_path TEXT NOT NULL,
			file_size_bytes INTEGER NOT NULL,
			file_extension TEXT NOT NULL,
			youtube_url TEXT,
			title TEXT,
			is_protected BOOLEAN DEFAULT FALSE,
			downloaded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			access_count INTEGER DEFAULT 0,
			last_accessed_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS user_symlinks (
			symlink_path TEXT PRIMARY KEY,
			user_chat_id INTEGER NOT NULL,
			file_hash_sha1 TEXT NOT NULL,
			is_protected BOOLEAN DEFAULT FALSE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (file_hash_sha1) REFERENCES file_storage(file_hash_sha1)
		);`,
		`CREATE TABLE IF NOT EXISTS dedup_user_preferences (
			user_chat_id INTEGER PRIMARY KEY,
			dedup_enabled BOOLEAN DEFAULT TRUE
		);`,
		`CREATE TABLE IF NOT EXISTS dedup_file_metadata (
			file_hash_sha1 TEXT PRIMARY KEY,
			corruption_checks INTEGER DEFAULT 0,
			last_checked_at DATETIME,
			FOREIGN KEY (file_hash_sha1) REFERENCES file_storage(file_hash_sha1)
		);`,
		`CREATE TABLE IF NOT EXISTS file_cache (
			hash_sha256 TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			local_path TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_symlinks_user ON user_symlinks(user_chat_id);`,
		`CREATE INDEX IF NOT EXISTS idx_user_symlinks_hash ON user_symlinks(file_hash_sha1);`,
		`CREATE INDEX IF NOT EXISTS idx_download_history_user ON download_history(user_chat_id);`,
		`CREATE INDEX IF NOT EXISTS idx_media_tasks_status ON media_tasks(status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// runMigrations performs incremental, idempotent schema updates gated on
// pragma_table_info so re-running New() against an older database is safe.
func (db *Database) runMigrations() error {
	if err := db.addColumnIfMissing("file_storage", "duration_seconds", "INTEGER"); err != nil {
		return err
	}
	if err := db.addColumnIfMissing("media_tasks", "retries", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

func (db *Database) addColumnIfMissing(table, column, ddlType string) error {
	var exists bool
	query := fmt.Sprintf(`SELECT COUNT(*) > 0 FROM pragma_table_info('%s') WHERE name = ?`, table)
	if err := db.conn.QueryRow(query, column).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err := db.conn.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddlType))
	if err != nil {
		return err
	}
	db.logger.WithFields(logrus.Fields{"table": table, "column": column}).Info("migration: added column")
	return nil
}

// --- file_storage / user_symlinks -----------------------------------------

// UpsertPoolEntry inserts a new pool entry or, if the hash already exists,
// leaves the existing row untouched (matching storage.py's INSERT OR IGNORE).
func (db *Database) UpsertPoolEntry(e models.PoolEntry) error {
	_, err := db.conn.Exec(`
		INSERT OR IGNORE INTO file_storage
			(file_hash_sha1, physical_path, file_size_bytes, file_extension, youtube_url, title, is_protected)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.HashSHA1, e.PhysicalPath, e.FileSizeBytes, e.FileExtension, e.YoutubeURL, e.Title, e.IsProtected)
	return err
}

// UpdatePoolEntryURL rewrites the stored youtube_url for an existing pool
// entry, used when a later request resolves the same audio via a cleaner
// canonical watch URL.
func (db *Database) UpdatePoolEntryURL(hash, newURL string) error {
	_, err := db.conn.Exec(`
		UPDATE file_storage SET youtube_url = ? WHERE file_hash_sha1 = ? AND youtube_url != ?`,
		newURL, hash, newURL)
	return err
}

// GetPoolEntry looks up a pool entry by its content hash.
func (db *Database) GetPoolEntry(hash string) (*models.PoolEntry, error) {
	row := db.conn.QueryRow(`
		SELECT file_hash_sha1, physical_path, file_size_bytes, file_extension, youtube_url, title,
			is_protected, downloaded_at, access_count, last_accessed_at, COALESCE(duration_seconds, 0)
		FROM file_storage WHERE file_hash_sha1 = ?`, hash)

	var e models.PoolEntry
	if err := row.Scan(&e.HashSHA1, &e.PhysicalPath, &e.FileSizeBytes, &e.FileExtension, &e.YoutubeURL,
		&e.Title, &e.IsProtected, &e.DownloadedAt, &e.AccessCount, &e.LastAccessedAt, &e.DurationSeconds); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// ListAllPoolEntries returns every pool row, used by the repair service's
// corruption scan which must visit every entry regardless of hash.
func (db *Database) ListAllPoolEntries() ([]models.PoolEntry, error) {
	rows, err := db.conn.Query(`
		SELECT file_hash_sha1, physical_path, file_size_bytes, file_extension, youtube_url, title,
			is_protected, downloaded_at, access_count, last_accessed_at
		FROM file_storage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.PoolEntry
	for rows.Next() {
		var e models.PoolEntry
		if err := rows.Scan(&e.HashSHA1, &e.PhysicalPath, &e.FileSizeBytes, &e.FileExtension, &e.YoutubeURL,
			&e.Title, &e.IsProtected, &e.DownloadedAt, &e.AccessCount, &e.LastAccessedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindPoolEntryByVideoID looks up a pool entry whose stored youtube_url
// contains videoID, mirroring playlist_dl.py's
// `WHERE youtube_url LIKE '%video_id%'` archive-reconciliation query. Returns
// nil if no row matches.
func (db *Database) FindPoolEntryByVideoID(videoID string) (*models.PoolEntry, error) {
	row := db.conn.QueryRow(`
		SELECT file_hash_sha1, physical_path, file_size_bytes, file_extension, youtube_url, title,
			is_protected, downloaded_at, access_count, last_accessed_at
		FROM file_storage WHERE youtube_url LIKE ? LIMIT 1`, "%"+videoID+"%")

	var e models.PoolEntry
	if err := row.Scan(&e.HashSHA1, &e.PhysicalPath, &e.FileSizeBytes, &e.FileExtension, &e.YoutubeURL,
		&e.Title, &e.IsProtected, &e.DownloadedAt, &e.AccessCount, &e.LastAccessedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// DeletePoolEntryByVideoID removes the file_storage row (and any
// user_symlinks pointing at it) for a video ID whose archive entry is stale
// because its pool file was deleted from disk, matching
// playlist_dl.py's `_validate_archive` cleanup.
func (db *Database) DeletePoolEntryByVideoID(videoID string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM user_symlinks WHERE file_hash_sha1 IN
			(SELECT file_hash_sha1 FROM file_storage WHERE youtube_url LIKE ?)`,
		"%"+videoID+"%"); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM file_storage WHERE youtube_url LIKE ?`, "%"+videoID+"%"); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdatePoolEntryDuration records a pool entry's probed audio duration,
// filled in after storage ingestion by the metadata package since yt-dlp's
// own reported duration isn't always reliable for the final merged file.
func (db *Database) UpdatePoolEntryDuration(hash string, seconds int) error {
	_, err := db.conn.Exec(`UPDATE file_storage SET duration_seconds = ? WHERE file_hash_sha1 = ?`, seconds, hash)
	return err
}

// BumpPoolEntryAccess increments access_count and refreshes last_accessed_at.
func (db *Database) BumpPoolEntryAccess(hash string) error {
	_, err := db.conn.Exec(`
		UPDATE file_storage SET access_count = access_count + 1, last_accessed_at = CURRENT_TIMESTAMP
		WHERE file_hash_sha1 = ?`, hash)
	return err
}

// UpsertUserLink records (or replaces) a user's symlink view onto a pool
// entry, matching storage.py's INSERT OR REPLACE INTO user_symlinks.
func (db *Database) UpsertUserLink(l models.UserLink) error {
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO user_symlinks (symlink_path, user_chat_id, file_hash_sha1, is_protected, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		l.SymlinkPath, l.UserChatID, l.HashSHA1, l.IsProtected)
	return err
}

// ListUserLinks returns every recorded symlink for a user. The repair
// service's broken-link sweep uses ListAllUserLinks instead.
func (db *Database) ListUserLinks(userChatID int64) ([]models.UserLink, error) {
	rows, err := db.conn.Query(`
		SELECT user_chat_id, file_hash_sha1, symlink_path, is_protected, created_at
		FROM user_symlinks WHERE user_chat_id = ?`, userChatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UserLink
	for rows.Next() {
		var l models.UserLink
		if err := rows.Scan(&l.UserChatID, &l.HashSHA1, &l.SymlinkPath, &l.IsProtected, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListAllUserLinks returns every symlink row, used by the periodic repair
// sweep that walks the whole pool rather than one user's view.
func (db *Database) ListAllUserLinks() ([]models.UserLink, error) {
	rows, err := db.conn.Query(`
		SELECT user_chat_id, file_hash_sha1, symlink_path, is_protected, created_at FROM user_symlinks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UserLink
	for rows.Next() {
		var l models.UserLink
		if err := rows.Scan(&l.UserChatID, &l.HashSHA1, &l.SymlinkPath, &l.IsProtected, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteUserLink removes a symlink record, used once the repair service has
// confirmed its target is gone.
func (db *Database) DeleteUserLink(symlinkPath string) error {
	_, err := db.conn.Exec(`DELETE FROM user_symlinks WHERE symlink_path = ?`, symlinkPath)
	return err
}

// --- dedup_file_metadata ----------------------------------------------------

// BumpCorruptionCheck increments the corruption_checks counter for a pool
// entry and refreshes last_checked_at, called by the repair service's
// corruption scan whenever a file's size disagrees with its sidecar.
func (db *Database) BumpCorruptionCheck(hash string) error {
	_, err := db.conn.Exec(`
		INSERT INTO dedup_file_metadata (file_hash_sha1, corruption_checks, last_checked_at)
		VALUES (?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(file_hash_sha1) DO UPDATE SET
			corruption_checks = corruption_checks + 1,
			last_checked_at = CURRENT_TIMESTAMP`, hash)
	return err
}

// --- search_cache / youtube_metadata_cache ---------------------------------

// GetSearchCache returns a non-expired cache row for queryHash, or nil.
func (db *Database) GetSearchCache(queryHash string) (*models.SearchCacheEntry, error) {
	row := db.conn.QueryRow(`
		SELECT query_hash, query, results_json, expires_at, access_count, last_accessed
		FROM search_cache WHERE query_hash = ? AND expires_at > CURRENT_TIMESTAMP`, queryHash)

	var e models.SearchCacheEntry
	if err := row.Scan(&e.QueryHash, &e.Query, &e.ResultsJSON, &e.ExpiresAt, &e.AccessCount, &e.LastAccessed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	_, _ = db.conn.Exec(`UPDATE search_cache SET access_count = access_count + 1, last_accessed = CURRENT_TIMESTAMP
		WHERE query_hash = ?`, queryHash)
	return &e, nil
}

// PutSearchCache upserts a search result, expiring after ttl.
func (db *Database) PutSearchCache(e models.SearchCacheEntry, ttl time.Duration) error {
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO search_cache (query_hash, query, results_json, expires_at, access_count, last_accessed)
		VALUES (?, ?, ?, ?, 0, CURRENT_TIMESTAMP)`,
		e.QueryHash, e.Query, e.ResultsJSON, time.Now().Add(ttl))
	return err
}

// GetMetadataCache returns a non-expired metadata row for videoID, or nil.
func (db *Database) GetMetadataCache(videoID string) (*models.MetadataCacheEntry, error) {
	row := db.conn.QueryRow(`
		SELECT video_id, title, uploader, duration_seconds, thumbnail_url, is_age_restricted,
			is_playlist, is_private, expires_at, access_count, last_accessed
		FROM youtube_metadata_cache WHERE video_id = ? AND expires_at > CURRENT_TIMESTAMP`, videoID)

	var e models.MetadataCacheEntry
	if err := row.Scan(&e.VideoID, &e.Title, &e.Uploader, &e.DurationSeconds, &e.ThumbnailURL,
		&e.IsAgeRestricted, &e.IsPlaylist, &e.IsPrivate, &e.ExpiresAt, &e.AccessCount, &e.LastAccessed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	_, _ = db.conn.Exec(`UPDATE youtube_metadata_cache SET access_count = access_count + 1, last_accessed = CURRENT_TIMESTAMP
		WHERE video_id = ?`, videoID)
	return &e, nil
}

// PutMetadataCache upserts a metadata row, expiring after ttl.
func (db *Database) PutMetadataCache(e models.MetadataCacheEntry, ttl time.Duration) error {
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO youtube_metadata_cache
			(video_id, title, uploader, duration_seconds, thumbnail_url, is_age_restricted, is_playlist,
			 is_private, expires_at, access_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP)`,
		e.VideoID, e.Title, e.Uploader, e.DurationSeconds, e.ThumbnailURL, e.IsAgeRestricted,
		e.IsPlaylist, e.IsPrivate, time.Now().Add(ttl))
	return err
}

// PurgeExpiredCache deletes expired rows from both cache tables, called by
// the cache_cleanup IPC action.
func (db *Database) PurgeExpiredCache() (searchPurged, metadataPurged int64, err error) {
	res, err := db.conn.Exec(`DELETE FROM search_cache WHERE expires_at <= CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, 0, err
	}
	searchPurged, _ = res.RowsAffected()

	res, err = db.conn.Exec(`DELETE FROM youtube_metadata_cache WHERE expires_at <= CURRENT_TIMESTAMP`)
	if err != nil {
		return searchPurged, 0, err
	}
	metadataPurged, _ = res.RowsAffected()
	return searchPurged, metadataPurged, nil
}

// CacheStats reports row counts for the cache_stats IPC action.
func (db *Database) CacheStats() (searchRows, metadataRows int, err error) {
	if err = db.conn.QueryRow(`SELECT COUNT(*) FROM search_cache`).Scan(&searchRows); err != nil {
		return
	}
	err = db.conn.QueryRow(`SELECT COUNT(*) FROM youtube_metadata_cache`).Scan(&metadataRows)
	return
}

// --- file_cache (upload dedup) ---------------------------------------------

// GetUploadCache returns a previously recorded upload for a content digest.
func (db *Database) GetUploadCache(hashSHA256 string) (*models.UploadCacheEntry, error) {
	row := db.conn.QueryRow(`
		SELECT hash_sha256, message_id, size_bytes, local_path, created_at
		FROM file_cache WHERE hash_sha256 = ?`, hashSHA256)

	var e models.UploadCacheEntry
	if err := row.Scan(&e.HashSHA256, &e.MessageID, &e.SizeBytes, &e.LocalPath, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// PutUploadCache records a content digest to remote message id mapping.
func (db *Database) PutUploadCache(e models.UploadCacheEntry) error {
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO file_cache (hash_sha256, message_id, size_bytes, local_path, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		e.HashSHA256, e.MessageID, e.SizeBytes, e.LocalPath)
	return err
}

// --- user_preferences / download_history / favorite_playlists / rate_limits

// GetUserPreferences returns a user's preferences, defaulting dedup on and
// format mp3/192 when no row exists yet.
func (db *Database) GetUserPreferences(userChatID int64) (models.UserPreferences, error) {
	row := db.conn.QueryRow(`
		SELECT user_chat_id, dedup_enabled, default_audio_format, default_quality
		FROM user_preferences WHERE user_chat_id = ?`, userChatID)

	var p models.UserPreferences
	err := row.Scan(&p.UserChatID, &p.DedupEnabled, &p.DefaultAudioFormat, &p.DefaultQuality)
	if err == sql.ErrNoRows {
		return models.UserPreferences{UserChatID: userChatID, DedupEnabled: true, DefaultAudioFormat: "mp3", DefaultQuality: "192"}, nil
	}
	return p, err
}

// PutUserPreferences upserts a user's preferences.
func (db *Database) PutUserPreferences(p models.UserPreferences) error {
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO user_preferences (user_chat_id, dedup_enabled, default_audio_format, default_quality)
		VALUES (?, ?, ?, ?)`,
		p.UserChatID, p.DedupEnabled, p.DefaultAudioFormat, p.DefaultQuality)
	return err
}

// RecordDownloadHistory appends an audit row once a request reaches a
// terminal state.
func (db *Database) RecordDownloadHistory(h models.DownloadHistoryEntry) error {
	_, err := db.conn.Exec(`
		INSERT INTO download_history (user_chat_id, task_id, url, action, status, error_code)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.UserChatID, h.TaskID, h.URL, h.Action, h.Status, h.ErrorCode)
	return err
}

// AddFavoritePlaylist records a user's playlist bookmark.
func (db *Database) AddFavoritePlaylist(f models.FavoritePlaylist) error {
	_, err := db.conn.Exec(`
		INSERT OR REPLACE INTO favorite_playlists (user_chat_id, playlist_url, name)
		VALUES (?, ?, ?)`, f.UserChatID, f.PlaylistURL, f.Name)
	return err
}

// ListFavoritePlaylists returns a user's bookmarked playlists.
func (db *Database) ListFavoritePlaylists(userChatID int64) ([]models.FavoritePlaylist, error) {
	rows, err := db.conn.Query(`
		SELECT user_chat_id, playlist_url, name, created_at FROM favorite_playlists WHERE user_chat_id = ?`, userChatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FavoritePlaylist
	for rows.Next() {
		var f models.FavoritePlaylist
		if err := rows.Scan(&f.UserChatID, &f.PlaylistURL, &f.Name, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CheckAndIncrementRateLimit atomically checks a user's rolling-hour search
// count against limit, resetting the window if it has elapsed, and returns
// whether the request is allowed.
func (db *Database) CheckAndIncrementRateLimit(userChatID int64, limit int, window time.Duration) (allowed bool, err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var windowStarted time.Time
	var count int
	err = tx.QueryRow(`SELECT window_started_at, count FROM rate_limits WHERE user_chat_id = ?`, userChatID).
		Scan(&windowStarted, &count)

	now := time.Now()
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`INSERT INTO rate_limits (user_chat_id, window_started_at, count) VALUES (?, ?, 1)`,
			userChatID, now)
		if err != nil {
			return false, err
		}
		return true, tx.Commit()
	case err != nil:
		return false, err
	case now.Sub(windowStarted) > window:
		_, err = tx.Exec(`UPDATE rate_limits SET window_started_at = ?, count = 1 WHERE user_chat_id = ?`, now, userChatID)
		if err != nil {
			return false, err
		}
		return true, tx.Commit()
	case count >= limit:
		return false, tx.Commit()
	default:
		_, err = tx.Exec(`UPDATE rate_limits SET count = count + 1 WHERE user_chat_id = ?`, userChatID)
		if err != nil {
			return false, err
		}
		return true, tx.Commit()
	}
}

// --- tasks / media_tasks ----------------------------------------------------

// CreateTask inserts a new task row in "pending" status.
func (db *Database) CreateTask(taskID string, userChatID int64, action string) error {
	_, err := db.conn.Exec(`INSERT INTO tasks (task_id, user_chat_id, action, status) VALUES (?, ?, ?, 'pending')`,
		taskID, userChatID, action)
	return err
}

// UpdateTaskStatus transitions a task's status and bumps updated_at.
func (db *Database) UpdateTaskStatus(taskID, status string) error {
	_, err := db.conn.Exec(`UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE task_id = ?`,
		status, taskID)
	return err
}

// UpsertMediaTask records the latest known state of a download/playlist task.
func (db *Database) UpsertMediaTask(taskID, url, format, quality string, percent int, status, errorCode, destination string) error {
	_, err := db.conn.Exec(`
		INSERT INTO media_tasks (task_id, url, format, quality, percent, status, error_code, destination)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			percent = excluded.percent,
			status = excluded.status,
			error_code = excluded.error_code,
			destination = excluded.destination`,
		taskID, url, format, quality, percent, status, errorCode, destination)
	return err
}

// EnsureUser records a user's first contact, ignoring duplicates.
func (db *Database) EnsureUser(chatID int64, username string) error {
	_, err := db.conn.Exec(`INSERT OR IGNORE INTO users (chat_id, username) VALUES (?, ?)`, chatID, username)
	return err
}

// RecordAPIUsage logs one IPC action invocation for the api_usage_stats table.
func (db *Database) RecordAPIUsage(action string, userChatID int64) error {
	_, err := db.conn.Exec(`INSERT INTO api_usage_stats (action, user_chat_id) VALUES (?, ?)`, action, userChatID)
	return err
}

// --- cookie_management -------------------------------------------------------

// RecordCookieValidation stamps the single cookie_management row with the
// path that was just validated.
func (db *Database) RecordCookieValidation(path string) error {
	_, err := db.conn.Exec(`
		INSERT INTO cookie_management (id, cookie_file_path, last_validated_at, last_modified_at)
		VALUES (1, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			cookie_file_path = excluded.cookie_file_path,
			last_validated_at = CURRENT_TIMESTAMP`, path)
	return err
}

// LastCookieValidation returns when the cookie file was last validated, if ever.
func (db *Database) LastCookieValidation() (time.Time, bool, error) {
	var t time.Time
	err := db.conn.QueryRow(`SELECT last_validated_at FROM cookie_management WHERE id = 1`).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
