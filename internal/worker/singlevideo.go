package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"hermesworker/internal/ipc"
	"hermesworker/internal/metadata"
	"hermesworker/internal/progress"
	"hermesworker/internal/supervisor"
	"hermesworker/internal/utils"
	"hermesworker/internal/ytlerr"
)

type youtubeDLParams struct {
	ExtractAudio     bool   `json:"extract_audio"`
	AudioFormat      string `json:"audio_format"`
	AudioQuality     string `json:"audio_quality"`
	Format           string `json:"format"`
	BestAudioLimitMB int    `json:"best_audio_limit_mb"`
	OutputDir        string `json:"output_dir"`
}

// handleYoutubeDL implements the single-video handler: builds an argv from
// params, runs it under the supervisor, and hands the resulting file to the
// storage pool, mirroring youtube_dl.py's handle_youtube_download.
func (d *Deps) handleYoutubeDL(ctx context.Context, r *ipc.Responder, req ipc.Request) {
	if !utils.ValidateYoutubeURL(req.URL) {
		r.SendError(ytlerr.Get(ytlerr.InvalidURL, "").ToData())
		return
	}

	var params youtubeDLParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			r.SendError(ytlerr.Get(ytlerr.UnknownError, "malformed params").ToData())
			return
		}
	}
	if params.AudioFormat == "" {
		params.AudioFormat = "mp3"
	}
	if params.BestAudioLimitMB <= 0 {
		params.BestAudioLimitMB = d.Config.BestAudioLimitMB
	}
	finalDir := params.OutputDir
	if finalDir == "" {
		finalDir = d.Config.DownloadDir
	}

	stagingDir := filepath.Join(d.Config.TempDir, sanitizeTaskID(req.TaskID))
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		r.SendError(ytlerr.Get(ytlerr.UnknownError, "could not prepare staging directory").ToData())
		return
	}
	defer os.RemoveAll(stagingDir)

	cookieArgs := cookieArgsFor(d.Cookies)
	args := buildSingleVideoArgs(req.URL, params, stagingDir, cookieArgs, d.Config.NodeBin)

	opts := supervisor.Options{
		YtdlpPath:      resolveYtdlp(""),
		Args:           args,
		WallClock:      time.Duration(d.Config.IPCTimeoutSeconds) * time.Second,
		PerLineTimeout: time.Duration(d.Config.YTTimeoutSeconds) * time.Second,
		MaxRetries:     d.Config.MaxRetries,
		RetryDelay:     time.Duration(d.Config.RetryDelaySeconds) * time.Second,
	}

	result, err := d.Supervisor.Run(ctx, opts, func(ev progress.Event) {
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
		d.Logger.WithError(err).WithField("task_id", req.TaskID).Warn("youtube_dl failed")
		d.recordHistory(req, "youtube_dl", "error", errorCode(err))
		r.SendError(toErrorData(err))
		return
	}

	destination := result.Destination
	if destination == "" {
		destination, err = findNewestMediaFile(stagingDir, time.Now().Add(-d.wallClock()))
		if err != nil {
			d.Logger.WithField("task_id", req.TaskID).Warn("no destination parsed and no media file found in staging dir")
			d.recordHistory(req, "youtube_dl", "error", string(ytlerr.FileNotFound))
			r.SendError(ytlerr.Get(ytlerr.FileNotFound, "").ToData())
			return
		}
	}

	filename := filepath.Base(destination)
	targetPath := filepath.Join(finalDir, filename)

	dedup := true
	if req.UserChatID != 0 {
		if prefs, prefErr := d.Users.Preferences(req.UserChatID); prefErr == nil {
			dedup = prefs.DedupEnabled
		}
	}
	title := strings.TrimSuffix(filename, filepath.Ext(filename))

	hash, err := d.Pool.StoreOrLink(destination, targetPath, req.UserChatID, req.URL, title, dedup)
	if err != nil {
		d.recordHistory(req, "youtube_dl", "error", string(ytlerr.UnknownError))
		r.SendError(ytlerr.Get(ytlerr.UnknownError, "could not store downloaded file").ToData())
		return
	}

	if info, probeErr := metadata.Probe(targetPath); probeErr == nil && info.DurationSeconds > 0 {
		_ = d.Pool.SetDuration(hash, info.DurationSeconds)
	}

	size := int64(0)
	if st, statErr := os.Stat(targetPath); statErr == nil {
		size = st.Size()
	}

	d.recordHistory(req, "youtube_dl", "done", "")
	r.SendResponse("done", map[string]any{
		"file_path": targetPath,
		"file_size": size,
		"filename":  filename,
	})
}

func (d *Deps) wallClock() time.Duration {
	return time.Duration(d.Config.IPCTimeoutSeconds) * time.Second
}

func buildSingleVideoArgs(url string, p youtubeDLParams, outputDir string, cookieArgs []string, nodeBin string) []string {
	var args []string

	if p.ExtractAudio {
		args = append(args, "-f", formatBytesSelector(p.BestAudioLimitMB), "-x", "--audio-format", p.AudioFormat)
		if p.AudioQuality != "" {
			args = append(args, "--audio-quality", p.AudioQuality)
		}
	} else {
		format := p.Format
		if format == "" {
			format = "best[ext=mp4]/best"
		}
		args = append(args, "-f", format)
		if strings.Contains(format, "+") {
			args = append(args, "--merge-output-format", "mp4")
		}
	}

	args = append(args, "-o", filepath.Join(outputDir, "%(title)s.%(ext)s"))
	args = append(args, "--no-cache-dir", "--no-check-certificate")
	args = append(args, cookieArgs...)
	args = append(args, playerClientArgs(cookieArgs, nodeBin)...)
	args = append(args, url)
	return args
}

func formatBytesSelector(limitMB int) string {
	return "bestaudio[filesize<" + strconv.Itoa(limitMB) + "M]/bestaudio"
}

// findNewestMediaFile scans dir for the most recently modified recognised
// media file created after since, falling back to the newest regardless of
// since when nothing matches the window. Mirrors youtube_dl.py's
// _find_newest_media_file fallback when no Destination line was parsed.
func findNewestMediaFile(dir string, since time.Time) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	type candidate struct {
		path string
		mod  time.Time
	}
	var all []candidate
	for _, e := range entries {
		if e.IsDir() || !isMediaFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		all = append(all, candidate{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	if len(all) == 0 {
		return "", os.ErrNotExist
	}
	sort.Slice(all, func(i, j int) bool { return all[i].mod.After(all[j].mod) })
	return all[0].path, nil
}

// sanitizeTaskID turns a request's task id into a safe staging directory
// name, generating one when the caller left it blank so concurrent
// requests never collide on the same staging path.
func sanitizeTaskID(taskID string) string {
	if taskID == "" {
		return uuid.NewString()
	}
	return utils.SanitizeFilename(taskID, 64)
}

func errorCode(err error) string {
	data := toErrorData(err)
	if code, ok := data["error_code"].(string); ok {
		return code
	}
	return string(ytlerr.UnknownError)
}

func toErrorData(err error) map[string]any {
	var wkErr *ytlerr.Error
	if errors.As(err, &wkErr) {
		return wkErr.ToData()
	}
	return ytlerr.Get(ytlerr.UnknownError, err.Error()).ToData()
}

func (d *Deps) recordHistory(req ipc.Request, action, status, errorCode string) {
	if d.Users == nil || req.UserChatID == 0 {
		return
	}
	_ = d.Users.RecordHistory(req.UserChatID, req.TaskID, req.URL, action, status, errorCode)
}
