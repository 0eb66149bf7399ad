package users

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"hermesworker/internal/database"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	db, err := database.New(filepath.Join(t.TempDir(), "users.db"), logger)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestPreferencesDefaultForNewUser(t *testing.T) {
	m := newTestManager(t)
	prefs, err := m.Preferences(1)
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	if !prefs.DedupEnabled {
		t.Error("expected dedup to default to enabled")
	}
}

func TestSetPreferencesRoundTrip(t *testing.T) {
	m := newTestManager(t)
	prefs, err := m.Preferences(2)
	if err != nil {
		t.Fatalf("Preferences: %v", err)
	}
	prefs.DedupEnabled = false
	if err := m.SetPreferences(prefs); err != nil {
		t.Fatalf("SetPreferences: %v", err)
	}

	got, err := m.Preferences(2)
	if err != nil {
		t.Fatalf("Preferences after set: %v", err)
	}
	if got.DedupEnabled {
		t.Error("expected dedup to persist as disabled")
	}
}

func TestRecordHistoryDoesNotError(t *testing.T) {
	m := newTestManager(t)
	if err := m.RecordHistory(3, "task-1", "https://youtube.com/watch?v=x", "single_video", "done", ""); err != nil {
		t.Fatalf("RecordHistory: %v", err)
	}
}

func TestAddAndListFavorites(t *testing.T) {
	m := newTestManager(t)
	if err := m.AddFavorite(4, "https://www.youtube.com/playlist?list=PL1", "My Mix"); err != nil {
		t.Fatalf("AddFavorite: %v", err)
	}

	favs, err := m.Favorites(4)
	if err != nil {
		t.Fatalf("Favorites: %v", err)
	}
	if len(favs) != 1 {
		t.Fatalf("got %d favorites, want 1", len(favs))
	}
	if favs[0].Name != "My Mix" {
		t.Errorf("Name = %q, want %q", favs[0].Name, "My Mix")
	}
}

func TestFavoritesEmptyForUnknownUser(t *testing.T) {
	m := newTestManager(t)
	favs, err := m.Favorites(999)
	if err != nil {
		t.Fatalf("Favorites: %v", err)
	}
	if len(favs) != 0 {
		t.Errorf("got %d favorites, want 0 for a user with none", len(favs))
	}
}

func TestCheckRateLimitAllowsThenRejects(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		allowed, err := m.CheckRateLimit(5, 3)
		if err != nil {
			t.Fatalf("CheckRateLimit: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d within limit should be allowed", i)
		}
	}

	allowed, err := m.CheckRateLimit(5, 3)
	if err != nil {
		t.Fatalf("CheckRateLimit: %v", err)
	}
	if allowed {
		t.Error("request exceeding the limit should be rejected")
	}
}
