// Package ipc implements the line-delimited JSON request/response loop this
// worker speaks on stdin/stdout, generalized from the teacher's
// `http.HandleFunc("/path", ms.handleX)` static dispatch-table registration
// in internal/server/server.go: a table built once at construction time,
// keyed here by the IPC action string instead of an HTTP method+path.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Request is one line of stdin, a typed envelope around handler-specific
// params left as raw JSON so each handler decodes only what it needs.
type Request struct {
	TaskID     string          `json:"task_id"`
	Action     string          `json:"action"`
	URL        string          `json:"url,omitempty"`
	UserChatID int64           `json:"user_chat_id,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// HandlerFunc processes one request, emitting zero or more progress events
// and exactly one terminal done/error event through r.
type HandlerFunc func(ctx context.Context, r *Responder, req Request)

// Writer is a mutex-serialized line-delimited JSON encoder onto stdout;
// every Responder shares one, since handlers run concurrently in their own
// goroutines and stdout writes must not interleave mid-line.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	enc *json.Encoder
}

// NewWriter wraps out for concurrent-safe line-delimited JSON writes.
func NewWriter(out io.Writer) *Writer {
	w := &Writer{out: out}
	w.enc = json.NewEncoder(out)
	return w
}

type frame struct {
	TaskID string `json:"task_id"`
	Event  string `json:"event"`
	Data   any    `json:"data,omitempty"`
}

// Send writes one response frame as a single JSON line.
func (w *Writer) Send(taskID, event string, data any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(frame{TaskID: taskID, Event: event, Data: data})
}

// Responder is the per-request handle a HandlerFunc uses to emit events for
// its own task_id.
type Responder struct {
	w      *Writer
	taskID string
}

// SendProgress emits a throttled progress frame; data typically carries
// percent/speed/eta/status, mirroring the original worker's
// ipc.send_progress.
func (r *Responder) SendProgress(data any) {
	_ = r.w.Send(r.taskID, "progress", data)
}

// SendResponse emits a named terminal or informational event
// (done, search_results, video_info, format_list, cache_stats, health_ok,
// cache_cleanup_done) with its payload.
func (r *Responder) SendResponse(event string, data any) {
	_ = r.w.Send(r.taskID, event, data)
}

// SendError emits the terminal error event for this task.
func (r *Responder) SendError(data any) {
	_ = r.w.Send(r.taskID, "error", data)
}

// TaskID returns the request's task_id, for handlers that need it outside
// the Responder (e.g. to record download history).
func (r *Responder) TaskID() string { return r.taskID }

// Loop reads line-delimited JSON requests from stdin and dispatches each to
// its registered handler on its own goroutine, so a slow download never
// blocks the stdin reader from picking up the next request.
type Loop struct {
	handlers map[string]HandlerFunc
	writer   *Writer
	logger   *logrus.Logger
}

// New builds a Loop writing responses to out.
func New(out io.Writer, logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		handlers: make(map[string]HandlerFunc),
		writer:   NewWriter(out),
		logger:   logger,
	}
}

// Register assigns a handler to an IPC action, the same one-entry-per-route
// pattern as the teacher's http.HandleFunc calls.
func (l *Loop) Register(action string, h HandlerFunc) {
	l.handlers[action] = h
}

// Run scans in line by line until EOF (the parent closing stdin, the
// documented cancellation signal) or ctx is cancelled, dispatching each
// well-formed request to its handler and waiting for all in-flight handlers
// to finish before returning. ctx is checked only when a line arrives, so a
// cancellation while the reader is blocked waiting for input takes effect
// on the next line or at EOF.
func (l *Loop) Run(ctx context.Context, in io.Reader) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			l.logger.WithError(err).Warn("malformed IPC request")
			_ = l.writer.Send("unknown", "error", map[string]any{
				"message":    "malformed JSON request",
				"error_code": "INVALID_REQUEST",
			})
			continue
		}

		handler, ok := l.handlers[req.Action]
		if !ok {
			l.logger.WithField("action", req.Action).Warn("unknown IPC action")
			_ = l.writer.Send(req.TaskID, "error", map[string]any{
				"message":    "unknown action: " + req.Action,
				"error_code": "UNKNOWN_ACTION",
			})
			continue
		}

		r := &Responder{w: l.writer, taskID: req.TaskID}
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					l.logger.WithField("action", req.Action).Errorf("handler panic: %v", rec)
					r.SendError(map[string]any{
						"message":    "internal error",
						"error_code": "UNKNOWN_ERROR",
					})
				}
			}()
			handler(ctx, r, req)
		}(req)
	}

	return scanner.Err()
}
