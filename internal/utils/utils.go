// Package utils collects small filesystem and string helpers shared across
// the worker's handlers, generalized from the original implementation's
// utils.py and the teacher's sanitizeFilename in downloader.go.
package utils

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	illegalChars  = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// SanitizeFilename strips path separators and illegal filesystem characters
// from name, collapses whitespace, and truncates to maxLength. An empty
// result falls back to "untitled".
func SanitizeFilename(name string, maxLength int) string {
	return sanitize(name, maxLength, "untitled")
}

// SanitizeFolderName is SanitizeFilename with a "playlist" fallback, used
// for playlist directory names under DOWNLOAD_DIR.
func SanitizeFolderName(name string, maxLength int) string {
	return sanitize(name, maxLength, "playlist")
}

func sanitize(name string, maxLength int, fallback string) string {
	name = strings.ReplaceAll(name, "..", "")
	name = strings.ReplaceAll(name, "/", "")
	name = strings.ReplaceAll(name, "\\", "")
	name = illegalChars.ReplaceAllString(name, "")
	name = whitespaceRun.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	if maxLength > 0 && len(name) > maxLength {
		name = strings.TrimSpace(name[:maxLength])
	}

	if name == "" {
		return fallback
	}
	return name
}

var allowedYoutubeHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
	"youtu.be":        true,
	"youtube.co.uk":   true,
}

// ValidateYoutubeURL reports whether rawURL points at a recognised YouTube
// host. It deliberately does a coarse substring/host check rather than full
// parsing, matching the original's allowlist-plus-substring validation.
func ValidateYoutubeURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if !strings.Contains(lower, "youtube") && !strings.Contains(lower, "youtu.be") {
		return false
	}

	host := extractHost(lower)
	if host == "" {
		return false
	}
	host = strings.TrimPrefix(host, "www.")
	for allowed := range allowedYoutubeHosts {
		if host == strings.TrimPrefix(allowed, "www.") {
			return true
		}
	}
	return false
}

func extractHost(lower string) string {
	rest := lower
	if i := strings.Index(rest, "://"); i != -1 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i != -1 {
		rest = rest[:i]
	}
	if i := strings.Index(rest, "@"); i != -1 {
		rest = rest[i+1:]
	}
	if i := strings.Index(rest, ":"); i != -1 {
		rest = rest[:i]
	}
	return rest
}

var forbiddenQueryChars = regexp.MustCompile("[;|&$`\n\r]")

// ValidateSearchQuery rejects empty, over-long, or shell-metacharacter
// bearing search queries before they ever reach a child process argv.
func ValidateSearchQuery(query string, maxLength int) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("search query cannot be empty")
	}
	if maxLength > 0 && len(trimmed) > maxLength {
		return fmt.Errorf("search query exceeds maximum length of %d", maxLength)
	}
	if forbiddenQueryChars.MatchString(trimmed) {
		return fmt.Errorf("search query contains forbidden characters")
	}
	return nil
}

// FormatBytes renders n using the same B/KB/MB/GB/TB/PB ladder as the
// original implementation's format_bytes.
func FormatBytes(n int64) string {
	const unit = 1024.0
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	f := float64(n)
	i := 0
	for f >= unit && i < len(units)-1 {
		f /= unit
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d %s", n, units[0])
	}
	return fmt.Sprintf("%.2f %s", f, units[i])
}

// FormatDuration renders seconds as H:MM:SS, M:SS, or "Ns" for very short
// clips, matching the original implementation's format_duration.
func FormatDuration(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// SafeOutputPath joins name onto root and rejects any result that escapes
// root via ".." traversal, mirroring the original's safe_output_path guard.
func SafeOutputPath(root, name string) (string, error) {
	cleanRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(cleanRoot, name)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes root %q", name, root)
	}
	return joined, nil
}

// EnsureParentDir creates the parent directory of path if it doesn't exist.
func EnsureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// FileExistsAndValid reports whether path exists and is a regular file with
// non-zero size.
func FileExistsAndValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// FindNodeBinary resolves the JS runtime yt-dlp uses for signature/n-challenge
// solving: an explicitly configured path, or whatever "node" is on PATH.
// Returns "" when neither is available, matching the original's
// find_node_binary which treats a missing runtime as optional rather than
// fatal.
func FindNodeBinary(configured string) string {
	if configured != "" {
		if FileExistsAndValid(configured) {
			return configured
		}
		if _, err := exec.LookPath(configured); err == nil {
			return configured
		}
	}
	if path, err := exec.LookPath("node"); err == nil {
		return path
	}
	return ""
}
