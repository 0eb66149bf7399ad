// Package storage implements the content-addressed pool that backs every
// download this worker performs: a file is hashed once, stored once under
// .storage/tracks/<sha1>/original_file.<ext>, and every subsequent request
// for the same bytes gets a symlink (or copy) onto that single original.
// Generalized from the original implementation's storage.py StorageManager
// and the teacher's worker-pool semaphore pattern.
package storage

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hermesworker/internal/database"
	"hermesworker/pkg/models"
)

// Pool manages the central content-addressed store under poolRoot
// (DOWNLOAD_DIR/.storage/tracks).
type Pool struct {
	root string
	db   *database.Database
	sem  chan struct{}
}

// New builds a Pool rooted at root, ensuring the directory exists.
// maxConcurrentHashes bounds how many files may be SHA-1'd at once, mirroring
// the teacher's `sem := make(chan struct{}, max)` worker-pool pattern.
func New(root string, db *database.Database, maxConcurrentHashes int) (*Pool, error) {
	if maxConcurrentHashes < 1 {
		maxConcurrentHashes = 1
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create pool root: %w", err)
	}
	return &Pool{root: root, db: db, sem: make(chan struct{}, maxConcurrentHashes)}, nil
}

// HashFile computes the SHA-1 of a file's contents under the pool's
// concurrency limit, streaming it in 64KiB chunks to avoid loading large
// audio files entirely into memory.
func (p *Pool) HashFile(path string) (string, error) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha1.New()
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (p *Pool) hashDir(hash string) string {
	return filepath.Join(p.root, hash)
}

func (p *Pool) poolFilePath(hash, ext string) string {
	return filepath.Join(p.hashDir(hash), "original_file."+ext)
}

// StoreOrLink ingests sourceFile (a freshly downloaded file, normally in
// TEMP_DIR) into the pool and creates a filesystem view at targetPath for
// userChatID. If useSymlink is false, a plain copy is made instead
// (dedup opted out). Returns the file's hash; the user's view is always
// created at targetPath.
func (p *Pool) StoreOrLink(sourceFile, targetPath string, userChatID int64, youtubeURL, title string, useSymlink bool) (hash string, err error) {
	if _, statErr := os.Stat(sourceFile); statErr != nil {
		return "", fmt.Errorf("source file does not exist: %w", statErr)
	}

	hash, err = p.HashFile(sourceFile)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(sourceFile)
	if err != nil {
		return "", err
	}
	size := info.Size()
	ext := strings.TrimPrefix(filepath.Ext(sourceFile), ".")
	if ext == "" {
		ext = "mp3"
	}

	poolFile := p.poolFilePath(hash, ext)

	if _, err := os.Stat(poolFile); err == nil {
		return hash, p.linkExisting(poolFile, sourceFile, targetPath, hash, userChatID, youtubeURL, useSymlink)
	}

	return hash, p.storeNew(sourceFile, poolFile, targetPath, hash, size, ext, userChatID, youtubeURL, title, useSymlink)
}

// linkExisting handles the case where the content hash already exists in the
// pool: it optionally repoints youtube_url to a cleaner canonical watch URL,
// then links or copies the existing pool file to targetPath and discards the
// freshly downloaded duplicate bytes.
func (p *Pool) linkExisting(poolFile, sourceFile, targetPath, hash string, userChatID int64, youtubeURL string, useSymlink bool) error {
	if youtubeURL != "" && strings.Contains(youtubeURL, "watch?v=") && !strings.Contains(youtubeURL, "list=") {
		if err := p.db.UpdatePoolEntryURL(hash, youtubeURL); err != nil {
			return fmt.Errorf("update pool entry url: %w", err)
		}
	}

	if !useSymlink {
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return err
		}
		if err := copyFile(poolFile, targetPath); err != nil {
			return err
		}
		_ = os.Remove(sourceFile)
		return nil
	}

	if err := p.createSymlink(poolFile, targetPath, hash, userChatID); err != nil {
		return err
	}
	_ = os.Remove(sourceFile)
	return nil
}

// storeNew moves a never-before-seen file into the pool, writes its sidecar
// metadata, tracks it in the database, and links/copies it to targetPath.
func (p *Pool) storeNew(sourceFile, poolFile, targetPath, hash string, size int64, ext string, userChatID int64, youtubeURL, title string, useSymlink bool) error {
	if err := os.MkdirAll(filepath.Dir(poolFile), 0o755); err != nil {
		return fmt.Errorf("create pool hash dir: %w", err)
	}

	if err := moveFile(sourceFile, poolFile); err != nil {
		return fmt.Errorf("move into pool: %w", err)
	}

	if youtubeURL == "" {
		youtubeURL = "unknown"
	}
	if title == "" {
		title = "unknown"
	}

	now := time.Now()
	sidecar := models.PoolSidecar{
		Size:           size,
		Hash:           hash,
		Extension:      ext,
		YoutubeURL:     youtubeURL,
		Title:          title,
		DownloadedAt:   now.Format(time.RFC3339),
		AccessCount:    1,
		LastAccessedAt: now.Format(time.RFC3339),
	}
	sidecarBytes, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(poolFile), "metadata.json"), sidecarBytes, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}

	if err := p.db.UpsertPoolEntry(models.PoolEntry{
		HashSHA1:      hash,
		PhysicalPath:  poolFile,
		FileSizeBytes: size,
		FileExtension: ext,
		YoutubeURL:    youtubeURL,
		Title:         title,
		IsProtected:   true,
	}); err != nil {
		return fmt.Errorf("track pool entry: %w", err)
	}

	if !useSymlink {
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return err
		}
		return copyFile(poolFile, targetPath)
	}

	return p.createSymlink(poolFile, targetPath, hash, userChatID)
}

// createSymlink points targetPath at poolFile via a relative symlink,
// replacing any existing file/link at targetPath first, and records the link
// in user_symlinks.
func (p *Pool) createSymlink(poolFile, targetPath, hash string, userChatID int64) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	relPath, err := filepath.Rel(filepath.Dir(targetPath), poolFile)
	if err != nil {
		return fmt.Errorf("compute relative path: %w", err)
	}

	if _, err := os.Lstat(targetPath); err == nil {
		if err := os.Remove(targetPath); err != nil {
			return fmt.Errorf("remove existing target: %w", err)
		}
	}

	if err := os.Symlink(relPath, targetPath); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}

	return p.db.UpsertUserLink(models.UserLink{
		UserChatID:  userChatID,
		HashSHA1:    hash,
		SymlinkPath: targetPath,
		IsProtected: false,
	})
}

// SetDuration records a pool entry's probed audio duration in both the
// database row and its sidecar, called by handlers after metadata.Probe runs
// on the freshly ingested file.
func (p *Pool) SetDuration(hash string, seconds int) error {
	if err := p.db.UpdatePoolEntryDuration(hash, seconds); err != nil {
		return fmt.Errorf("update duration: %w", err)
	}

	sidecar, err := p.GetPoolFileInfo(hash)
	if err != nil || sidecar == nil {
		return err
	}
	sidecar.DurationSeconds = seconds
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.hashDir(hash), "metadata.json"), data, 0o644)
}

// GetPoolFileInfo reads the sidecar metadata.json for a pool entry.
func (p *Pool) GetPoolFileInfo(hash string) (*models.PoolSidecar, error) {
	path := filepath.Join(p.hashDir(hash), "metadata.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sidecar models.PoolSidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return nil, err
	}
	return &sidecar, nil
}

// CleanupBrokenSymlinks walks directory (skipping .storage) and removes any
// symlink whose target no longer exists, returning the count removed.
func (p *Pool) CleanupBrokenSymlinks(directory string) (removed int, err error) {
	err = filepath.Walk(directory, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if fi.IsDir() {
			if fi.Name() == ".storage" {
				return filepath.SkipDir
			}
			return nil
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		if _, statErr := os.Stat(path); statErr != nil {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// moveFile renames sourceFile to dest, falling back to copy+remove when the
// two paths live on different filesystems (os.Rename's EXDEV case).
func moveFile(sourceFile, dest string) error {
	if err := os.Rename(sourceFile, dest); err == nil {
		return nil
	}
	if err := copyFile(sourceFile, dest); err != nil {
		return err
	}
	return os.Remove(sourceFile)
}
