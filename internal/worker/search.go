package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hermesworker/internal/cache"
	"hermesworker/internal/ipc"
	"hermesworker/internal/supervisor"
	"hermesworker/internal/utils"
	"hermesworker/internal/ytlerr"
	"hermesworker/pkg/models"
)

type searchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type flatEntry struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Uploader  string  `json:"uploader"`
	Channel   string  `json:"channel"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
	URL       string  `json:"url"`
	Webpage   string  `json:"webpage_url"`
}

type flatPlaylistDump struct {
	Title      string      `json:"title"`
	ID         string      `json:"id"`
	Entries    []flatEntry `json:"entries"`
	PlaylistCount int      `json:"playlist_count"`
}

// handleYoutubeSearch implements the search handler: validates the query,
// consults the search cache, and otherwise launches a flat-playlist
// ytsearch dump, mirroring youtube_search.py's handle_youtube_search.
func (d *Deps) handleYoutubeSearch(ctx context.Context, r *ipc.Responder, req ipc.Request) {
	var params searchParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}

	if err := utils.ValidateSearchQuery(params.Query, 200); err != nil {
		r.SendError(ytlerr.Get(ytlerr.UnknownError, err.Error()).ToData())
		return
	}

	if req.UserChatID != 0 && d.Users != nil {
		allowed, err := d.Users.CheckRateLimit(req.UserChatID, d.Config.RateLimitSearchesPerHour)
		if err == nil && !allowed {
			r.SendError(ytlerr.Get(ytlerr.RateLimited, "search rate limit exceeded").ToData())
			return
		}
	}

	limit := params.Limit
	if limit < 1 {
		limit = 10
	}
	if limit > 20 {
		limit = 20
	}

	if cached, ok := d.Cache.GetSearch(params.Query); ok {
		var results []map[string]any
		if json.Unmarshal(cached, &results) == nil {
			r.SendResponse("search_results", map[string]any{"results": results, "from_cache": true})
			return
		}
	}

	cookieArgs := cookieArgsFor(d.Cookies)
	args := append([]string{
		fmt.Sprintf("ytsearch%d:%s", limit, params.Query),
		"--dump-single-json", "--flat-playlist", "--no-cache-dir",
	}, cookieArgs...)
	args = append(args, playerClientArgs(cookieArgs, d.Config.NodeBin)...)

	opts := supervisor.Options{
		YtdlpPath: resolveYtdlp(""),
		Args:      args,
		WallClock: time.Duration(d.Config.YTTimeoutSeconds) * time.Second,
	}

	out, err := d.Supervisor.RunCapture(ctx, opts)
	if err != nil {
		d.logFailure("youtube_search", req, err)
		r.SendError(toErrorData(err))
		return
	}

	var dump flatPlaylistDump
	if err := json.Unmarshal(out, &dump); err != nil {
		r.SendError(ytlerr.Get(ytlerr.UnknownError, "could not parse search results").ToData())
		return
	}

	results := make([]map[string]any, 0, len(dump.Entries))
	for _, e := range dump.Entries {
		thumb := e.Thumbnail
		if thumb == "" {
			thumb = fmt.Sprintf("https://img.youtube.com/vi/%s/mqdefault.jpg", e.ID)
		}
		artist := e.Uploader
		if artist == "" {
			artist = e.Channel
		}
		watchURL := e.URL
		if watchURL == "" {
			watchURL = e.Webpage
		}
		if watchURL == "" {
			watchURL = "https://www.youtube.com/watch?v=" + e.ID
		}
		results = append(results, map[string]any{
			"videoId":   e.ID,
			"title":     e.Title,
			"artist":    artist,
			"duration":  int(e.Duration),
			"thumbnail": thumb,
			"url":       watchURL,
		})
	}

	if marshalled, err := cache.MarshalResults(results); err == nil {
		_ = d.Cache.PutSearch(params.Query, marshalled)
	}

	r.SendResponse("search_results", map[string]any{"results": results, "from_cache": false})
}

// handleGetVideoInfo extracts a single item's metadata, consulting the
// metadata cache first, mirroring youtube_search.py's handle_get_video_info.
func (d *Deps) handleGetVideoInfo(ctx context.Context, r *ipc.Responder, req ipc.Request) {
	if !utils.ValidateYoutubeURL(req.URL) {
		r.SendError(ytlerr.Get(ytlerr.InvalidURL, "").ToData())
		return
	}

	videoID := extractVideoID(req.URL)
	if videoID == "" {
		r.SendError(ytlerr.Get(ytlerr.InvalidURL, "could not determine video id").ToData())
		return
	}

	if entry, ok := d.Cache.GetMetadata(videoID); ok {
		r.SendResponse("video_info", videoInfoPayload(entry, true))
		return
	}

	cookieArgs := cookieArgsFor(d.Cookies)
	args := append([]string{req.URL, "--dump-single-json", "--no-cache-dir"}, cookieArgs...)
	args = append(args, playerClientArgs(cookieArgs, d.Config.NodeBin)...)

	opts := supervisor.Options{
		YtdlpPath: resolveYtdlp(""),
		Args:      args,
		WallClock: time.Duration(d.Config.YTTimeoutSeconds) * time.Second,
	}

	out, err := d.Supervisor.RunCapture(ctx, opts)
	if err != nil {
		d.logFailure("get_video_info", req, err)
		r.SendError(toErrorData(err))
		return
	}

	var info struct {
		Title        string  `json:"title"`
		Uploader     string  `json:"uploader"`
		Duration     float64 `json:"duration"`
		Thumbnail    string  `json:"thumbnail"`
		AgeLimit     int     `json:"age_limit"`
		Availability string  `json:"availability"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		r.SendError(ytlerr.Get(ytlerr.UnknownError, "could not parse video info").ToData())
		return
	}

	entry := models.MetadataCacheEntry{
		VideoID:         videoID,
		Title:           info.Title,
		Uploader:        info.Uploader,
		DurationSeconds: int(info.Duration),
		ThumbnailURL:    info.Thumbnail,
		IsAgeRestricted: info.AgeLimit > 0,
		IsPrivate:       info.Availability == "private" || info.Availability == "needs_auth",
	}
	_ = d.Cache.PutMetadata(entry)

	r.SendResponse("video_info", videoInfoPayload(entry, false))
}

func videoInfoPayload(e models.MetadataCacheEntry, fromCache bool) map[string]any {
	return map[string]any{
		"videoId":            e.VideoID,
		"title":              e.Title,
		"artist":             e.Uploader,
		"duration":           e.DurationSeconds,
		"duration_string":    utils.FormatDuration(e.DurationSeconds),
		"thumbnail":          e.ThumbnailURL,
		"is_age_restricted":  e.IsAgeRestricted,
		"is_private":         e.IsPrivate,
		"from_cache":         fromCache,
	}
}

func extractVideoID(rawURL string) string {
	if idx := strings.Index(rawURL, "watch?v="); idx != -1 {
		rest := rawURL[idx+len("watch?v="):]
		if amp := strings.IndexAny(rest, "&#"); amp != -1 {
			rest = rest[:amp]
		}
		return rest
	}
	if idx := strings.Index(rawURL, "youtu.be/"); idx != -1 {
		rest := rawURL[idx+len("youtu.be/"):]
		if q := strings.IndexAny(rest, "?&#"); q != -1 {
			rest = rest[:q]
		}
		return rest
	}
	return ""
}

type formatsParams struct {
	Mode string `json:"mode"`
}

type rawFormat struct {
	FormatID       string  `json:"format_id"`
	Ext            string  `json:"ext"`
	Height         int     `json:"height"`
	Vcodec         string  `json:"vcodec"`
	Acodec         string  `json:"acodec"`
	TBR            float64 `json:"tbr"`
	ABR            float64 `json:"abr"`
	Filesize       int64   `json:"filesize"`
	FilesizeApprox int64   `json:"filesize_approx"`
}

// handleGetFormats groups raw extractor formats into quality tiers, mirroring
// youtube_search.py's handle_get_formats / _group_video_formats /
// _group_audio_formats.
func (d *Deps) handleGetFormats(ctx context.Context, r *ipc.Responder, req ipc.Request) {
	if !utils.ValidateYoutubeURL(req.URL) {
		r.SendError(ytlerr.Get(ytlerr.InvalidURL, "").ToData())
		return
	}

	var params formatsParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	if params.Mode != "audio" {
		params.Mode = "video"
	}

	cookieArgs := cookieArgsFor(d.Cookies)
	args := append([]string{req.URL, "--dump-single-json", "--no-cache-dir"}, cookieArgs...)
	args = append(args, playerClientArgs(cookieArgs, d.Config.NodeBin)...)

	opts := supervisor.Options{
		YtdlpPath: resolveYtdlp(""),
		Args:      args,
		WallClock: time.Duration(d.Config.YTTimeoutSeconds) * time.Second,
	}

	out, err := d.Supervisor.RunCapture(ctx, opts)
	if err != nil {
		d.logFailure("get_formats", req, err)
		r.SendError(toErrorData(err))
		return
	}

	var dump struct {
		Formats []rawFormat `json:"formats"`
	}
	if err := json.Unmarshal(out, &dump); err != nil {
		r.SendError(ytlerr.Get(ytlerr.UnknownError, "could not parse formats").ToData())
		return
	}

	var formats []map[string]any
	if params.Mode == "audio" {
		formats = groupAudioFormats(dump.Formats)
	} else {
		formats = groupVideoFormats(dump.Formats)
	}

	r.SendResponse("format_list", map[string]any{"formats": formats, "mode": params.Mode})
}

var videoTiers = []int{2160, 1440, 1080, 720, 480, 360}

func groupVideoFormats(formats []rawFormat) []map[string]any {
	var out []map[string]any
	for _, tier := range videoTiers {
		var best *rawFormat
		for i := range formats {
			f := &formats[i]
			if f.Vcodec == "" || f.Vcodec == "none" {
				continue
			}
			if abs(f.Height-tier) > 30 {
				continue
			}
			if best == nil || f.TBR > best.TBR {
				best = f
			}
		}
		if best == nil {
			continue
		}

		needsMerge := best.Acodec == "" || best.Acodec == "none"
		formatID := best.FormatID
		if needsMerge {
			formatID = formatID + "+bestaudio"
		}

		out = append(out, map[string]any{
			"quality":     fmt.Sprintf("%dp", tier),
			"format_id":   formatID,
			"filesize":    humanSize(formatSize(*best)),
			"needs_merge": needsMerge,
		})
	}
	return out
}

func groupAudioFormats(formats []rawFormat) []map[string]any {
	var out []map[string]any

	var best *rawFormat
	for i := range formats {
		f := &formats[i]
		if f.Acodec == "" || f.Acodec == "none" {
			continue
		}
		if f.Vcodec != "" && f.Vcodec != "none" {
			continue
		}
		if best == nil || f.ABR > best.ABR || (f.ABR == best.ABR && f.TBR > best.TBR) {
			best = f
		}
	}
	if best != nil {
		out = append(out, map[string]any{
			"quality":   "best",
			"format_id": best.FormatID,
			"filesize":  humanSize(formatSize(*best)),
		})
	}

	for _, opt := range []struct {
		code string
		kbps string
	}{{"0", "320"}, {"2", "192"}, {"5", "128"}} {
		out = append(out, map[string]any{
			"quality":       opt.kbps + "kbps (mp3)",
			"format_id":     "bestaudio/best",
			"audio_quality": opt.code,
			"transcode":     true,
		})
	}

	return out
}

func formatSize(f rawFormat) int64 {
	if f.Filesize > 0 {
		return f.Filesize
	}
	return f.FilesizeApprox
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
