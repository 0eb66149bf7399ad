package uploadcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"hermesworker/internal/database"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	db, err := database.New(filepath.Join(t.TempDir(), "uploadcache.db"), logger)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestHashFileIsStableForIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	if err := os.WriteFile(a, []byte("identical bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile a: %v", err)
	}
	if err := os.WriteFile(b, []byte("identical bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile b: %v", err)
	}

	ha, err := HashFile(a)
	if err != nil {
		t.Fatalf("HashFile a: %v", err)
	}
	hb, err := HashFile(b)
	if err != nil {
		t.Fatalf("HashFile b: %v", err)
	}
	if ha != hb {
		t.Errorf("hashes of identical content differ: %q vs %q", ha, hb)
	}
}

func TestHashFileDiffersForDifferentContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	if err := os.WriteFile(a, []byte("one"), 0o644); err != nil {
		t.Fatalf("WriteFile a: %v", err)
	}
	if err := os.WriteFile(b, []byte("two"), 0o644); err != nil {
		t.Fatalf("WriteFile b: %v", err)
	}

	ha, _ := HashFile(a)
	hb, _ := HashFile(b)
	if ha == hb {
		t.Error("expected different content to hash differently")
	}
}

func TestLookupMissReturnsNotFound(t *testing.T) {
	c := newTestCache(t)
	path := filepath.Join(t.TempDir(), "never-uploaded.bin")
	if err := os.WriteFile(path, []byte("never uploaded"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, found, err := c.Lookup(path)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if found {
		t.Error("expected Lookup to report not found for an unrecorded file")
	}
}

func TestRecordThenLookupRoundTrip(t *testing.T) {
	c := newTestCache(t)
	path := filepath.Join(t.TempDir(), "already-uploaded.bin")
	contents := []byte("already uploaded bytes")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := c.Record(path, "msg-42", int64(len(contents))); err != nil {
		t.Fatalf("Record: %v", err)
	}

	messageID, found, err := c.Lookup(path)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found {
		t.Fatal("expected Lookup to find the recorded upload")
	}
	if messageID != "msg-42" {
		t.Errorf("messageID = %q, want msg-42", messageID)
	}
}

func TestLookupMatchesOnContentNotPath(t *testing.T) {
	c := newTestCache(t)
	dir := t.TempDir()
	original := filepath.Join(dir, "original.bin")
	duplicate := filepath.Join(dir, "duplicate-elsewhere.bin")
	contents := []byte("same bytes, different path")
	if err := os.WriteFile(original, contents, 0o644); err != nil {
		t.Fatalf("WriteFile original: %v", err)
	}
	if err := os.WriteFile(duplicate, contents, 0o644); err != nil {
		t.Fatalf("WriteFile duplicate: %v", err)
	}

	if err := c.Record(original, "msg-99", int64(len(contents))); err != nil {
		t.Fatalf("Record: %v", err)
	}

	messageID, found, err := c.Lookup(duplicate)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || messageID != "msg-99" {
		t.Errorf("got found=%v messageID=%q, want a dedup hit for identical content at a different path", found, messageID)
	}
}
