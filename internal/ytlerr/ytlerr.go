// Package ytlerr classifies child-process and I/O failures into the
// worker's retriability taxonomy, generalized from the teacher's
// exec.ExitError string-matching in its download pipeline.
package ytlerr

import "strings"

// Category is the top-level retriability bucket for a Code.
type Category string

const (
	Transient  Category = "transient"
	AuthRelated Category = "auth_related"
	Permanent  Category = "permanent"
)

// Code identifies a specific classified failure.
type Code string

const (
	NetworkTimeout       Code = "NETWORK_TIMEOUT"
	ServiceUnavailable   Code = "SERVICE_UNAVAILABLE"
	RateLimited          Code = "RATE_LIMITED"
	PartialDownload      Code = "PARTIAL_DOWNLOAD"
	RequireAuth          Code = "REQUIRE_AUTH"
	CookieExpired        Code = "COOKIE_EXPIRED"
	LoginRequired        Code = "LOGIN_REQUIRED"
	VideoPrivate         Code = "VIDEO_PRIVATE"
	VideoRemoved         Code = "VIDEO_REMOVED"
	RegionBlocked        Code = "REGION_BLOCKED"
	Unavailable          Code = "UNAVAILABLE"
	InvalidURL           Code = "INVALID_URL"
	NoSuitableFormat     Code = "NO_SUITABLE_FORMAT"
	FileSizeExceedsLimit Code = "FILE_SIZE_EXCEEDS_LIMIT"
	FileNotFound         Code = "FILE_NOT_FOUND"
	UnknownError         Code = "UNKNOWN_ERROR"
)

// Error is a structured worker error carrying both the user-facing message
// and the technical detail that only ever reaches the logs.
type Error struct {
	Code             Code
	UserMessage      string
	TechnicalMessage string
	Category         Category
	Retriable        bool
}

func (e *Error) Error() string {
	return e.TechnicalMessage
}

// ToData renders the error as the IPC `data` payload for an `error` event.
func (e *Error) ToData() map[string]any {
	return map[string]any{
		"message":    e.UserMessage,
		"error_code": string(e.Code),
	}
}

var definitions = map[Code]*Error{
	NetworkTimeout: {
		Code: NetworkTimeout, Category: Transient, Retriable: true,
		UserMessage:      "Network timeout, retrying...",
		TechnicalMessage: "connection timeout while downloading",
	},
	ServiceUnavailable: {
		Code: ServiceUnavailable, Category: Transient, Retriable: true,
		UserMessage:      "YouTube service busy, retrying...",
		TechnicalMessage: "youtube service returned 503 or similar",
	},
	RateLimited: {
		Code: RateLimited, Category: Transient, Retriable: true,
		UserMessage:      "Too many requests, waiting before retry...",
		TechnicalMessage: "http 429 - rate limited",
	},
	PartialDownload: {
		Code: PartialDownload, Category: Transient, Retriable: true,
		UserMessage:      "Download interrupted, retrying...",
		TechnicalMessage: "download was interrupted before completion",
	},
	RequireAuth: {
		Code: RequireAuth, Category: AuthRelated, Retriable: true,
		UserMessage:      "Age-restricted content - need fresh cookies.",
		TechnicalMessage: "video requires authentication",
	},
	CookieExpired: {
		Code: CookieExpired, Category: AuthRelated, Retriable: true,
		UserMessage:      "Cookies expired. Export fresh cookies.",
		TechnicalMessage: "cookie validation failed",
	},
	LoginRequired: {
		Code: LoginRequired, Category: AuthRelated, Retriable: true,
		UserMessage:      "Video requires login.",
		TechnicalMessage: "authentication required but not available",
	},
	VideoPrivate: {
		Code: VideoPrivate, Category: Permanent, Retriable: false,
		UserMessage:      "Video is private or has been deleted.",
		TechnicalMessage: "video is private/deleted",
	},
	VideoRemoved: {
		Code: VideoRemoved, Category: Permanent, Retriable: false,
		UserMessage:      "Video has been removed.",
		TechnicalMessage: "video removed from platform",
	},
	RegionBlocked: {
		Code: RegionBlocked, Category: Permanent, Retriable: false,
		UserMessage:      "Video not available in your region.",
		TechnicalMessage: "geographic restriction",
	},
	Unavailable: {
		Code: Unavailable, Category: Permanent, Retriable: false,
		UserMessage:      "Video is currently unavailable.",
		TechnicalMessage: "video unavailable",
	},
	InvalidURL: {
		Code: InvalidURL, Category: Permanent, Retriable: false,
		UserMessage:      "Invalid YouTube URL provided.",
		TechnicalMessage: "url format invalid",
	},
	NoSuitableFormat: {
		Code: NoSuitableFormat, Category: Permanent, Retriable: false,
		UserMessage:      "No downloadable format found for this video.",
		TechnicalMessage: "no compatible audio/video format",
	},
	FileSizeExceedsLimit: {
		Code: FileSizeExceedsLimit, Category: Permanent, Retriable: false,
		UserMessage:      "File too large for the configured audio size limit.",
		TechnicalMessage: "file size exceeds BEST_AUDIO_LIMIT_MB",
	},
	FileNotFound: {
		Code: FileNotFound, Category: Permanent, Retriable: false,
		UserMessage:      "Downloaded file could not be located.",
		TechnicalMessage: "destination file missing after successful exit",
	},
	UnknownError: {
		Code: UnknownError, Category: Permanent, Retriable: false,
		UserMessage:      "Unknown error occurred.",
		TechnicalMessage: "unclassified error",
	},
}

// Get returns the Error definition for code, falling back to UnknownError.
// override, if non-empty, replaces the user-facing message.
func Get(code Code, override string) *Error {
	def, ok := definitions[code]
	if !ok {
		def = definitions[UnknownError]
	}
	cp := *def
	if override != "" {
		cp.UserMessage = override
	}
	return &cp
}

// Classify maps raw stderr text (collected from a failed child process) to a
// WorkerError by pattern matching, mirroring the teacher's exec.ExitError
// substring checks and the original extractor's categorize_error mapping.
func Classify(stderr string) *Error {
	s := strings.ToLower(stderr)

	switch {
	case strings.Contains(s, "sign in to confirm") || strings.Contains(s, "confirm you're not a bot"):
		return Get(RequireAuth, "")
	case strings.Contains(s, "private video"):
		return Get(VideoPrivate, "")
	case strings.Contains(s, "video has been removed") || strings.Contains(s, "account associated with this video has been terminated"):
		return Get(VideoRemoved, "")
	case strings.Contains(s, "available in your country") || strings.Contains(s, "blocked it in your country"):
		return Get(RegionBlocked, "")
	case strings.Contains(s, "403") || strings.Contains(s, "forbidden"):
		return Get(RequireAuth, "")
	case strings.Contains(s, "429") || strings.Contains(s, "too many requests"):
		return Get(RateLimited, "")
	case strings.Contains(s, "503") || strings.Contains(s, "service unavailable"):
		return Get(ServiceUnavailable, "")
	case strings.Contains(s, "timed out") || strings.Contains(s, "timeout") || strings.Contains(s, "connection reset"):
		return Get(NetworkTimeout, "")
	case strings.Contains(s, "no video formats found") || strings.Contains(s, "requested format not available") || strings.Contains(s, "requested format is not available"):
		return Get(NoSuitableFormat, "")
	case strings.Contains(s, "video unavailable") || strings.Contains(s, "this video is unavailable"):
		return Get(Unavailable, "")
	default:
		return Get(UnknownError, "")
	}
}
