// Package worker implements the download/search/playlist handlers registered
// onto the IPC loop, generalized from the original implementation's
// youtube_dl.py, youtube_search.py and playlist_dl.py modules and wired onto
// this repo's supervisor/storage/cache packages the way the teacher wires its
// own handlers onto internal/downloader and internal/storage.
package worker

import (
	"fmt"
	"os/exec"
	"strings"

	"hermesworker/internal/cookies"
)

const (
	audioFormatSelector = "bestaudio[ext=m4a]/bestaudio[ext=webm]/bestaudio/best"
	videoFormatSelector = "bestvideo[height<=1080][ext=mp4]+bestaudio[ext=m4a]/bestvideo[height<=1080]+bestaudio/best[height<=1080]/best"
)

var mediaExtensions = []string{".mp3", ".m4a", ".mp4", ".webm", ".opus", ".ogg", ".wav", ".flac", ".mkv"}

// resolveYtdlp returns the argv[0] for every child invocation: configured when
// non-empty, otherwise whatever "yt-dlp" resolves to on PATH.
func resolveYtdlp(configured string) string {
	if configured != "" {
		return configured
	}
	if path, err := exec.LookPath("yt-dlp"); err == nil {
		return path
	}
	return "yt-dlp"
}

// playerClientArgs selects the extractor-args player-client combination the
// same way across every handler that probes or downloads from YouTube:
// an authenticated "web" client when cookies are usable, otherwise a mixed
// "android,web" fallback. nodeBin, when non-empty, additionally enables the
// JS-runtime signature solver.
func playerClientArgs(cookieArgs []string, nodeBin string) []string {
	client := "android,web"
	if len(cookieArgs) > 0 {
		client = "web"
	}
	args := []string{"--extractor-args", "youtube:player_client=" + client}
	if nodeBin != "" {
		args = append(args, "--js-runtimes", "node:"+nodeBin, "--remote-components", "ejs:github")
	}
	return args
}

// cookieArgsFor is a small indirection so handlers don't need to import the
// cookies package directly just to call Args().
func cookieArgsFor(mgr *cookies.Manager) []string {
	if mgr == nil {
		return nil
	}
	return mgr.Args()
}

// isMediaFile reports whether path's extension is one this worker recognises
// as a downloaded media artifact.
func isMediaFile(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range mediaExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func humanSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(bytes)/(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.0f KB", float64(bytes)/(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
