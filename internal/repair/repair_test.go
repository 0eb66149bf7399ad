package repair

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"hermesworker/internal/database"
	"hermesworker/pkg/models"
)

func newTestService(t *testing.T, root string) (*Service, *database.Database) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	db, err := database.New(filepath.Join(t.TempDir(), "repair.db"), logger)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return New(root, db, 0, logger), db
}

func writeFile(t *testing.T, path string, contents []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestScanAndRepairHealthySymlinkUntouched(t *testing.T) {
	root := t.TempDir()
	svc, db := newTestService(t, root)

	poolPath := filepath.Join(root, ".storage", "tracks", "aa", "hash1.mp3")
	writeFile(t, poolPath, []byte("audio"))

	if err := db.UpsertPoolEntry(models.PoolEntry{
		HashSHA1: "hash1", PhysicalPath: poolPath, FileExtension: ".mp3",
	}); err != nil {
		t.Fatalf("UpsertPoolEntry: %v", err)
	}

	linkPath := filepath.Join(root, "users", "1", "song.mp3")
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	rel, _ := filepath.Rel(filepath.Dir(linkPath), poolPath)
	if err := os.Symlink(rel, linkPath); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if err := db.UpsertUserLink(models.UserLink{UserChatID: 1, HashSHA1: "hash1", SymlinkPath: linkPath}); err != nil {
		t.Fatalf("UpsertUserLink: %v", err)
	}

	healthy, repaired, removed, err := svc.ScanAndRepair()
	if err != nil {
		t.Fatalf("ScanAndRepair: %v", err)
	}
	if healthy != 1 || repaired != 0 || removed != 0 {
		t.Errorf("got healthy=%d repaired=%d removed=%d, want 1/0/0", healthy, repaired, removed)
	}
}

func TestScanAndRepairRecreatesBrokenSymlink(t *testing.T) {
	root := t.TempDir()
	svc, db := newTestService(t, root)

	poolPath := filepath.Join(root, ".storage", "tracks", "bb", "hash2.mp3")
	writeFile(t, poolPath, []byte("audio"))

	if err := db.UpsertPoolEntry(models.PoolEntry{
		HashSHA1: "hash2", PhysicalPath: poolPath, FileExtension: ".mp3",
	}); err != nil {
		t.Fatalf("UpsertPoolEntry: %v", err)
	}

	linkPath := filepath.Join(root, "users", "2", "song.mp3")
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	// Point the symlink somewhere that doesn't exist; the target pool file
	// is still present and should be relinked.
	if err := os.Symlink("../../nowhere/missing.mp3", linkPath); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if err := db.UpsertUserLink(models.UserLink{UserChatID: 2, HashSHA1: "hash2", SymlinkPath: linkPath}); err != nil {
		t.Fatalf("UpsertUserLink: %v", err)
	}

	healthy, repaired, removed, err := svc.ScanAndRepair()
	if err != nil {
		t.Fatalf("ScanAndRepair: %v", err)
	}
	if repaired != 1 || healthy != 0 || removed != 0 {
		t.Fatalf("got healthy=%d repaired=%d removed=%d, want 0/1/0", healthy, repaired, removed)
	}

	if _, err := os.Stat(linkPath); err != nil {
		t.Errorf("expected repaired symlink to resolve, stat failed: %v", err)
	}
}

func TestScanAndRepairRemovesOrphanWhenPoolFileGone(t *testing.T) {
	root := t.TempDir()
	svc, db := newTestService(t, root)

	poolPath := filepath.Join(root, ".storage", "tracks", "cc", "hash3.mp3")
	// Pool entry recorded in the DB but the physical file was never written.
	if err := db.UpsertPoolEntry(models.PoolEntry{
		HashSHA1: "hash3", PhysicalPath: poolPath, FileExtension: ".mp3",
	}); err != nil {
		t.Fatalf("UpsertPoolEntry: %v", err)
	}

	linkPath := filepath.Join(root, "users", "3", "song.mp3")
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.Symlink("../../broken/path.mp3", linkPath); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if err := db.UpsertUserLink(models.UserLink{UserChatID: 3, HashSHA1: "hash3", SymlinkPath: linkPath}); err != nil {
		t.Fatalf("UpsertUserLink: %v", err)
	}

	_, _, removed, err := svc.ScanAndRepair()
	if err != nil {
		t.Fatalf("ScanAndRepair: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	remaining, err := db.ListAllUserLinks()
	if err != nil {
		t.Fatalf("ListAllUserLinks: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected the orphan link row to be deleted, got %d remaining", len(remaining))
	}
}

func TestScanAndRepairRemovesRowWhenSymlinkPathGone(t *testing.T) {
	root := t.TempDir()
	svc, db := newTestService(t, root)

	if err := db.UpsertPoolEntry(models.PoolEntry{
		HashSHA1: "hash4", PhysicalPath: filepath.Join(root, ".storage", "tracks", "ff", "hash4.mp3"), FileExtension: ".mp3",
	}); err != nil {
		t.Fatalf("UpsertPoolEntry: %v", err)
	}

	// No file at all exists at this path, symlink or otherwise.
	linkPath := filepath.Join(root, "users", "4", "vanished.mp3")
	if err := db.UpsertUserLink(models.UserLink{UserChatID: 4, HashSHA1: "hash4", SymlinkPath: linkPath}); err != nil {
		t.Fatalf("UpsertUserLink: %v", err)
	}

	_, _, removed, err := svc.ScanAndRepair()
	if err != nil {
		t.Fatalf("ScanAndRepair: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestDetectCorruptionFlagsSizeMismatch(t *testing.T) {
	root := t.TempDir()
	svc, db := newTestService(t, root)

	poolDir := filepath.Join(root, ".storage", "tracks", "dd")
	poolPath := filepath.Join(poolDir, "hash5.mp3")
	writeFile(t, poolPath, []byte("this file is nine bytes"))

	sidecar := models.PoolSidecar{Size: 9999, Hash: "hash5", Extension: ".mp3"}
	sidecarBytes, err := json.Marshal(sidecar)
	if err != nil {
		t.Fatalf("marshal sidecar: %v", err)
	}
	writeFile(t, filepath.Join(poolDir, "metadata.json"), sidecarBytes)

	if err := db.UpsertPoolEntry(models.PoolEntry{
		HashSHA1: "hash5", PhysicalPath: poolPath, FileExtension: ".mp3",
	}); err != nil {
		t.Fatalf("UpsertPoolEntry: %v", err)
	}

	checked, flagged, err := svc.DetectCorruption()
	if err != nil {
		t.Fatalf("DetectCorruption: %v", err)
	}
	if checked != 1 {
		t.Errorf("checked = %d, want 1", checked)
	}
	if flagged != 1 {
		t.Errorf("flagged = %d, want 1 (sidecar size disagrees with actual file size)", flagged)
	}
}

func TestDetectCorruptionIgnoresMissingSidecar(t *testing.T) {
	root := t.TempDir()
	svc, db := newTestService(t, root)

	poolPath := filepath.Join(root, ".storage", "tracks", "ee", "hash6.mp3")
	writeFile(t, poolPath, []byte("audio"))

	if err := db.UpsertPoolEntry(models.PoolEntry{
		HashSHA1: "hash6", PhysicalPath: poolPath, FileExtension: ".mp3",
	}); err != nil {
		t.Fatalf("UpsertPoolEntry: %v", err)
	}

	checked, flagged, err := svc.DetectCorruption()
	if err != nil {
		t.Fatalf("DetectCorruption: %v", err)
	}
	if checked != 1 {
		t.Errorf("checked = %d, want 1", checked)
	}
	if flagged != 0 {
		t.Errorf("flagged = %d, want 0 when no sidecar is present to compare against", flagged)
	}
}
