package worker

import (
	"github.com/sirupsen/logrus"

	"hermesworker/internal/cache"
	"hermesworker/internal/config"
	"hermesworker/internal/cookies"
	"hermesworker/internal/database"
	"hermesworker/internal/ipc"
	"hermesworker/internal/storage"
	"hermesworker/internal/supervisor"
	"hermesworker/internal/uploadcache"
	"hermesworker/internal/users"
)

// Deps bundles everything a handler needs, built once in main and shared
// across every in-flight request the way the teacher's Server struct bundles
// its db/cache/config fields for its own http.HandleFunc methods.
type Deps struct {
	Config      *config.Config
	Cookies     *cookies.Manager
	DB          *database.Database
	Cache       *cache.Manager
	Pool        *storage.Pool
	Supervisor  *supervisor.Supervisor
	Users       *users.Manager
	UploadCache *uploadcache.Cache
	Logger      *logrus.Logger
}

// logFailure records a handler-level failure to stderr with the action and
// task id, matching the teacher's logrus.WithFields call-site idiom.
func (d *Deps) logFailure(action string, req ipc.Request, err error) {
	d.Logger.WithError(err).WithFields(map[string]any{
		"action":  action,
		"task_id": req.TaskID,
	}).Warn("handler failed")
}

// RegisterAll wires every supported IPC action onto loop, the same
// one-call-per-route shape as the teacher's mux.HandleFunc registration
// block in internal/server/server.go.
func RegisterAll(loop *ipc.Loop, d *Deps) {
	loop.Register("youtube_dl", d.handleYoutubeDL)
	loop.Register("playlist", d.handlePlaylist)
	loop.Register("playlist_preview", d.handlePlaylistPreview)
	loop.Register("youtube_search", d.handleYoutubeSearch)
	loop.Register("get_video_info", d.handleGetVideoInfo)
	loop.Register("get_formats", d.handleGetFormats)
	loop.Register("cache_cleanup", d.handleCacheCleanup)
	loop.Register("cache_stats", d.handleCacheStats)
	loop.Register("health_check", d.handleHealthCheck)
	loop.Register("mtproto_upload", d.handleMtprotoUpload)
}
