package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"hermesworker/internal/ipc"
	"hermesworker/internal/metadata"
	"hermesworker/internal/progress"
	"hermesworker/internal/supervisor"
	"hermesworker/internal/utils"
	"hermesworker/internal/ytlerr"
)

var radioMixSpecialPrefixes = []string{"RDMM", "RDAM", "RDCLAK"}

// normalizePlaylistURL rewrites a YouTube Radio Mix URL into its canonical
// form so repeated requests for "the same" mix converge on one archive/pool
// key, mirroring playlist_dl.py's normalize_playlist_url. Non-Radio-Mix URLs
// and URLs whose seed can't be recovered are returned unchanged.
func normalizePlaylistURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	list := u.Query().Get("list")
	if !strings.HasPrefix(list, "RD") {
		return raw
	}
	for _, special := range radioMixSpecialPrefixes {
		if strings.HasPrefix(list, special) {
			return raw
		}
	}

	seed := u.Query().Get("v")
	if len(seed) != 11 {
		rest := strings.TrimPrefix(list, "RD")
		if len(rest) != 11 {
			return raw
		}
		seed = rest
	}

	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := u.Host
	if host == "" {
		host = "www.youtube.com"
	}
	return fmt.Sprintf("%s://%s/watch?v=%s&list=RD%s&start_radio=1", scheme, host, seed, seed)
}

type playlistParams struct {
	ExtractAudio bool   `json:"extract_audio"`
	AudioFormat  string `json:"audio_format"`
	OutputDir    string `json:"output_dir"`
	PlaylistEnd  int    `json:"playlist_end"`
	ArchiveFile  string `json:"archive_file"`
	Format       string `json:"format"`
}

type playlistPreviewParams struct {
	PreviewCount int `json:"preview_count"`
}

func (d *Deps) probePlaylist(ctx context.Context, playlistURL string) (flatPlaylistDump, error) {
	cookieArgs := cookieArgsFor(d.Cookies)
	args := append([]string{
		playlistURL, "--yes-playlist", "--dump-single-json", "--flat-playlist", "--no-cache-dir",
	}, cookieArgs...)
	args = append(args, playerClientArgs(cookieArgs, d.Config.NodeBin)...)

	opts := supervisor.Options{
		YtdlpPath: resolveYtdlp(""),
		Args:      args,
		WallClock: time.Duration(d.Config.YTTimeoutSeconds) * time.Second,
	}

	out, err := d.Supervisor.RunCapture(ctx, opts)
	if err != nil {
		return flatPlaylistDump{}, err
	}

	var dump flatPlaylistDump
	if err := json.Unmarshal(out, &dump); err != nil {
		return flatPlaylistDump{}, fmt.Errorf("parse playlist dump: %w", err)
	}
	return dump, nil
}

// handlePlaylistPreview answers playlist_preview: a metadata-only probe
// truncated to preview_count entries, with no download launched.
func (d *Deps) handlePlaylistPreview(ctx context.Context, r *ipc.Responder, req ipc.Request) {
	if !utils.ValidateYoutubeURL(req.URL) {
		r.SendError(ytlerr.Get(ytlerr.InvalidURL, "").ToData())
		return
	}

	var params playlistPreviewParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	count := params.PreviewCount
	if count <= 0 {
		count = 10
	}
	if count > 50 {
		count = 50
	}

	normalized := normalizePlaylistURL(req.URL)
	dump, err := d.probePlaylist(ctx, normalized)
	if err != nil {
		d.logFailure("playlist_preview", req, err)
		r.SendError(toErrorData(err))
		return
	}

	entries := dump.Entries
	if len(entries) > count {
		entries = entries[:count]
	}
	preview := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		preview = append(preview, map[string]any{"video_id": e.ID, "title": e.Title})
	}

	r.SendResponse("playlist_preview", map[string]any{
		"playlist_name": dump.Title,
		"total_tracks":  len(dump.Entries),
		"entries":       preview,
	})
}

type cachedFile struct {
	path   string
	cached bool
}

// handlePlaylist implements the full playlist download algorithm: normalize,
// probe, reconcile the archive against the pool, short-circuit on an
// all-cached request, and otherwise launch a batch download, mirroring
// playlist_dl.py's handle_playlist_download end to end.
func (d *Deps) handlePlaylist(ctx context.Context, r *ipc.Responder, req ipc.Request) {
	if !utils.ValidateYoutubeURL(req.URL) {
		r.SendError(ytlerr.Get(ytlerr.InvalidURL, "").ToData())
		return
	}

	var params playlistParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			r.SendError(ytlerr.Get(ytlerr.UnknownError, "malformed params").ToData())
			return
		}
	}
	if params.AudioFormat == "" {
		params.AudioFormat = "mp3"
	}
	playlistEnd := params.PlaylistEnd
	if playlistEnd <= 0 {
		playlistEnd = 50
	}
	finalDir := params.OutputDir
	if finalDir == "" {
		finalDir = d.Config.DownloadDir
	}

	normalized := normalizePlaylistURL(req.URL)
	isRadioMix := strings.Contains(normalized, "start_radio=1")

	dump, err := d.probePlaylist(ctx, normalized)
	if err != nil {
		d.logFailure("playlist", req, err)
		r.SendError(toErrorData(err))
		return
	}

	playlistName := dump.Title
	if playlistName == "" {
		playlistName = "playlist"
	}
	folderName := utils.SanitizeFolderName(playlistName, d.Config.PlaylistNameMaxLength)
	folderPath := filepath.Join(finalDir, folderName)
	if err := os.MkdirAll(folderPath, 0o755); err != nil {
		r.SendError(ytlerr.Get(ytlerr.UnknownError, "could not create playlist folder").ToData())
		return
	}

	archivePath := params.ArchiveFile
	if archivePath == "" {
		archivePath = filepath.Join(folderPath, ".archive.txt")
	}

	entries := dump.Entries
	if len(entries) > playlistEnd {
		entries = entries[:playlistEnd]
	}

	d.validateArchive(archivePath)

	archivedIDs := map[string]bool{}
	if lines, err := readArchiveLines(archivePath); err == nil {
		for _, line := range lines {
			if id := archiveLineVideoID(line); id != "" {
				archivedIDs[id] = true
			}
		}
	}

	cachedHits := map[string]cachedFile{}
	var toDownload []flatEntry
	for _, e := range entries {
		if archivedIDs[e.ID] {
			entry, err := d.DB.FindPoolEntryByVideoID(e.ID)
			if err == nil && entry != nil {
				if _, statErr := os.Stat(entry.PhysicalPath); statErr == nil {
					cachedHits[e.ID] = cachedFile{path: entry.PhysicalPath, cached: true}
					continue
				}
			}
		}
		toDownload = append(toDownload, e)
		removeArchiveLine(archivePath, e.ID)
	}

	if len(toDownload) == 0 {
		files := make([]map[string]any, 0, len(cachedHits))
		for id, hit := range cachedHits {
			size := int64(0)
			if st, statErr := os.Stat(hit.path); statErr == nil {
				size = st.Size()
			}
			files = append(files, map[string]any{
				"path":   hit.path,
				"name":   filepath.Base(hit.path),
				"size_mb": float64(size) / (1 << 20),
				"cached":  true,
				"video_id": id,
			})
		}
		r.SendResponse("done", map[string]any{
			"playlist_name":            playlistName,
			"total_tracks_downloaded":  0,
			"already_cached":           len(cachedHits),
			"files":                    files,
			"folder_path":              folderPath,
		})
		return
	}

	stagingDir := filepath.Join(d.Config.TempDir, sanitizeTaskID(req.TaskID))
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		r.SendError(ytlerr.Get(ytlerr.UnknownError, "could not prepare staging directory").ToData())
		return
	}
	defer os.RemoveAll(stagingDir)

	outputTemplate := filepath.Join(stagingDir, "%(title)s.%(ext)s")
	if !isRadioMix {
		outputTemplate = filepath.Join(stagingDir, "%(playlist_index)03d - %(title)s.%(ext)s")
	}

	cookieArgs := cookieArgsFor(d.Cookies)
	args := []string{
		normalized, "--yes-playlist", "--ignore-errors", "--socket-timeout", "10",
		"--download-archive", archivePath,
		"--playlist-end", strconv.Itoa(playlistEnd),
		"-o", outputTemplate,
		"--print", "after_move:YTDLP_ID\t%(id)s\t%(filepath)s",
		"--no-cache-dir",
	}
	if params.ExtractAudio {
		args = append(args, "-f", audioFormatSelector, "-x", "--audio-format", params.AudioFormat)
	} else {
		format := params.Format
		if format == "" {
			format = videoFormatSelector
		}
		args = append(args, "-f", format)
	}
	args = append(args, cookieArgs...)
	args = append(args, playerClientArgs(cookieArgs, d.Config.NodeBin)...)

	var mu sync.Mutex
	pathToVideoID := map[string]string{}
	completed := 0
	total := len(toDownload)
	if total == 0 {
		total = 1
	}

	opts := supervisor.Options{
		YtdlpPath:      resolveYtdlp(""),
		Args:           args,
		WallClock:      time.Duration(d.Config.IPCTimeoutSeconds) * time.Second,
		PerLineTimeout: time.Duration(d.Config.YTTimeoutSeconds) * time.Second,
		MaxRetries:     0,
		OnStdoutLine: func(line string) {
			parts := strings.SplitN(line, "\t", 3)
			if len(parts) == 3 && parts[0] == "YTDLP_ID" {
				mu.Lock()
				pathToVideoID[parts[2]] = parts[1]
				mu.Unlock()
			}
		},
	}

	_, err = d.Supervisor.Run(ctx, opts, func(ev progress.Event) {
		if ev.HasDestination || ev.Done {
			mu.Lock()
			completed++
			pct := completed * 100 / total
			mu.Unlock()
			r.SendProgress(map[string]any{"percent": pct, "status": "downloading"})
			return
		}
		if ev.HasProgress {
			r.SendProgress(map[string]any{
				"percent": ev.Progress.Percent,
				"speed":   ev.Progress.Speed,
				"eta":     ev.Progress.ETA,
				"status":  string(ev.Progress.Status),
			})
		}
	})
	if err != nil {
		d.logFailure("playlist", req, err)
		r.SendError(toErrorData(err))
		return
	}

	dedup := true
	if req.UserChatID != 0 {
		if prefs, prefErr := d.Users.Preferences(req.UserChatID); prefErr == nil {
			dedup = prefs.DedupEnabled
		}
	}

	files := make([]map[string]any, 0, len(cachedHits)+len(pathToVideoID))
	for id, hit := range cachedHits {
		size := int64(0)
		if st, statErr := os.Stat(hit.path); statErr == nil {
			size = st.Size()
		}
		files = append(files, map[string]any{
			"path": hit.path, "name": filepath.Base(hit.path),
			"size_mb": float64(size) / (1 << 20), "cached": true, "video_id": id,
		})
	}

	downloaded := 0
	for path, id := range pathToVideoID {
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		specificURL := "https://www.youtube.com/watch?v=" + id
		targetPath := filepath.Join(folderPath, filepath.Base(path))

		hash, storeErr := d.Pool.StoreOrLink(path, targetPath, req.UserChatID, specificURL, title, dedup)
		if storeErr != nil {
			continue
		}
		if info, probeErr := metadata.Probe(targetPath); probeErr == nil && info.DurationSeconds > 0 {
			_ = d.Pool.SetDuration(hash, info.DurationSeconds)
		}

		size := int64(0)
		if st, statErr := os.Stat(targetPath); statErr == nil {
			size = st.Size()
		}
		files = append(files, map[string]any{
			"path": targetPath, "name": filepath.Base(targetPath),
			"size_mb": float64(size) / (1 << 20), "cached": false, "video_id": id,
		})
		downloaded++
	}

	r.SendResponse("done", map[string]any{
		"playlist_name":           playlistName,
		"total_tracks_downloaded": downloaded,
		"already_cached":          len(cachedHits),
		"files":                   files,
		"folder_path":             folderPath,
	})
}

// validateArchive drops stale archive lines whose pool file has vanished and
// removes the corresponding orphan database rows, mirroring
// playlist_dl.py's _validate_archive. Lines with no database match at all are
// kept, since their ambiguity means they might still correspond to a valid
// download the pool simply never tracked.
func (d *Deps) validateArchive(path string) {
	lines, err := readArchiveLines(path)
	if err != nil {
		return
	}

	var kept []string
	for _, line := range lines {
		id := archiveLineVideoID(line)
		if id == "" {
			kept = append(kept, line)
			continue
		}
		entry, err := d.DB.FindPoolEntryByVideoID(id)
		if err != nil || entry == nil {
			kept = append(kept, line)
			continue
		}
		if _, statErr := os.Stat(entry.PhysicalPath); statErr == nil {
			kept = append(kept, line)
			continue
		}
		_ = d.DB.DeletePoolEntryByVideoID(id)
	}

	_ = writeArchiveLines(path, kept)
}

func archiveLineVideoID(line string) string {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return ""
	}
	return fields[1]
}

func readArchiveLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeArchiveLines(path string, lines []string) error {
	if err := utils.EnsureParentDir(path); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// removeArchiveLine drops the archive line for videoID, forcing yt-dlp's
// --download-archive to re-download it rather than skip it as already done.
func removeArchiveLine(path, videoID string) {
	lines, err := readArchiveLines(path)
	if err != nil {
		return
	}
	var kept []string
	for _, line := range lines {
		if archiveLineVideoID(line) != videoID {
			kept = append(kept, line)
		}
	}
	_ = writeArchiveLines(path, kept)
}
