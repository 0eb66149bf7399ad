// Package uploadcache maps a file's SHA-256 digest to the remote message id
// it was already uploaded as, so the large-file upload collaborator (an
// external Telegram client outside this worker's scope) can skip
// re-uploading identical bytes across users. Generalized from the original
// implementation's mtproto_upload.py cache-check step and grounded on the
// teacher's UpsertDownloadJob upsert-by-key idiom.
package uploadcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"hermesworker/internal/database"
	"hermesworker/pkg/models"
)

// Cache fronts the file_cache table.
type Cache struct {
	db *database.Database
}

// New builds a Cache backed by db.
func New(db *database.Database) *Cache {
	return &Cache{db: db}
}

// HashFile computes the SHA-256 of a file's contents, streaming it in 64KiB
// chunks the same way storage.Pool.HashFile streams its SHA-1.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lookup returns a previously recorded upload for filePath's content digest,
// or ("", false, nil) if this file's bytes have never been uploaded before.
func (c *Cache) Lookup(filePath string) (messageID string, found bool, err error) {
	hash, err := HashFile(filePath)
	if err != nil {
		return "", false, err
	}
	entry, err := c.db.GetUploadCache(hash)
	if err != nil {
		return "", false, err
	}
	if entry == nil {
		return "", false, nil
	}
	return entry.MessageID, true, nil
}

// Record stores a content digest to remote message id mapping after a
// successful upload.
func (c *Cache) Record(filePath, messageID string, sizeBytes int64) error {
	hash, err := HashFile(filePath)
	if err != nil {
		return err
	}
	return c.db.PutUploadCache(models.UploadCacheEntry{
		HashSHA256: hash,
		MessageID:  messageID,
		SizeBytes:  sizeBytes,
		LocalPath:  filePath,
	})
}
