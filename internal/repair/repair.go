// Package repair implements the background service that reconciles
// user-symlink and pool-entry state with what's actually on disk, generalized
// from the original implementation's repair_service.py SymlinkRepairService.
package repair

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"hermesworker/internal/database"
	"hermesworker/pkg/models"
)

// Service periodically scans the pool's user-facing symlinks for breakage and
// cross-checks pool entries against their sidecar-recorded size.
type Service struct {
	root     string
	db       *database.Database
	interval time.Duration
	logger   *logrus.Logger
}

// New builds a Service rooted at root (the download directory), running one
// cycle every interval.
func New(root string, db *database.Database, interval time.Duration, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Service{root: root, db: db, interval: interval, logger: logger}
}

// Run loops until ctx is cancelled, running one repair cycle per interval.
// A panic or error inside a single cycle is logged and swallowed so the
// service survives to try again next tick, mirroring the original's
// try/except-wrapped main loop.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCycle()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle()
		}
	}
}

func (s *Service) runCycle() {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Errorf("repair cycle panicked: %v", rec)
		}
	}()

	healthy, repaired, removed, err := s.ScanAndRepair()
	if err != nil {
		s.logger.WithError(err).Warn("symlink scan failed")
	} else {
		s.logger.WithFields(logrus.Fields{
			"healthy": healthy, "repaired": repaired, "removed": removed,
		}).Info("repair cycle: symlink scan complete")
	}

	if checked, flagged, err := s.DetectCorruption(); err != nil {
		s.logger.WithError(err).Warn("corruption scan failed")
	} else if flagged > 0 {
		s.logger.WithFields(logrus.Fields{"checked": checked, "flagged": flagged}).
			Warn("repair cycle: corruption detected")
	}
}

// ScanAndRepair walks every recorded user link, recreating those whose target
// moved (because the pool entry's physical_path is still valid) and removing
// those that resolve to nothing at all, mirroring
// repair_service.py's scan_and_repair + _repair_broken_symlink combined into
// one pass driven by the database rather than a directory walk, since
// user_symlinks already enumerates every link this worker ever created.
func (s *Service) ScanAndRepair() (healthy, repaired, removed int, err error) {
	links, err := s.db.ListAllUserLinks()
	if err != nil {
		return 0, 0, 0, err
	}

	for _, link := range links {
		info, statErr := os.Lstat(link.SymlinkPath)
		if statErr != nil {
			_ = s.db.DeleteUserLink(link.SymlinkPath)
			removed++
			continue
		}

		if info.Mode()&os.ModeSymlink == 0 {
			healthy++
			continue
		}

		if _, err := os.Stat(link.SymlinkPath); err == nil {
			healthy++
			continue
		}

		entry, err := s.db.GetPoolEntry(link.HashSHA1)
		if err != nil || entry == nil {
			_ = os.Remove(link.SymlinkPath)
			_ = s.db.DeleteUserLink(link.SymlinkPath)
			removed++
			continue
		}
		if _, statErr := os.Stat(entry.PhysicalPath); statErr != nil {
			_ = os.Remove(link.SymlinkPath)
			_ = s.db.DeleteUserLink(link.SymlinkPath)
			removed++
			continue
		}

		relPath, err := filepath.Rel(filepath.Dir(link.SymlinkPath), entry.PhysicalPath)
		if err != nil {
			_ = os.Remove(link.SymlinkPath)
			_ = s.db.DeleteUserLink(link.SymlinkPath)
			removed++
			continue
		}
		_ = os.Remove(link.SymlinkPath)
		if err := os.Symlink(relPath, link.SymlinkPath); err != nil {
			_ = s.db.DeleteUserLink(link.SymlinkPath)
			removed++
			continue
		}
		repaired++
	}

	return healthy, repaired, removed, nil
}

// DetectCorruption compares every pool entry's sidecar-recorded size against
// the actual file size on disk, bumping a corruption counter on mismatch.
// Pool data is never deleted by this path, matching the original's
// detect_corruption, which only logs and counts.
func (s *Service) DetectCorruption() (checked, flagged int, err error) {
	entries, err := s.db.ListAllPoolEntries()
	if err != nil {
		return 0, 0, err
	}

	for _, entry := range entries {
		checked++
		sidecar, err := readSidecar(entry.PhysicalPath)
		if err != nil {
			continue
		}
		st, statErr := os.Stat(entry.PhysicalPath)
		if statErr != nil {
			continue
		}
		if sidecar.Size != st.Size() {
			flagged++
			_ = s.db.BumpCorruptionCheck(entry.HashSHA1)
			s.logger.WithFields(logrus.Fields{
				"hash": entry.HashSHA1, "expected": sidecar.Size, "actual": st.Size(),
			}).Warn("pool entry size mismatch")
		}
	}

	return checked, flagged, nil
}

func readSidecar(physicalPath string) (models.PoolSidecar, error) {
	sidecarPath := filepath.Join(filepath.Dir(physicalPath), "metadata.json")
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return models.PoolSidecar{}, err
	}
	var sidecar models.PoolSidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return models.PoolSidecar{}, err
	}
	return sidecar, nil
}
