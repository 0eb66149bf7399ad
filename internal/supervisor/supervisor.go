// Package supervisor drives yt-dlp as a child process: it builds argv,
// streams stdout/stderr concurrently through the progress collector, applies
// wall-clock and per-line timeouts, and retries transient failures with
// exponential backoff. Generalized from the teacher's
// internal/downloader/downloader.go processDownload pipeline.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hermesworker/internal/progress"
	"hermesworker/internal/ytlerr"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// Options configures one child-process run.
type Options struct {
	YtdlpPath      string
	Args           []string
	WallClock      time.Duration
	PerLineTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration

	// RequireDestination fails the run with ytlerr.FileNotFound when no
	// "Destination" line was ever parsed from stderr. No handler sets it:
	// the single-video handler falls back to a staging-directory scan, a
	// playlist run may download nothing when every entry is archived, and
	// one-shot JSON-dump probes (search, video info, format listing) do not
	// produce a destination at all.
	RequireDestination bool

	// OnStdoutLine, if set, is called for every stdout line as it arrives,
	// concurrently with stderr being drained through the progress
	// collector. yt-dlp only writes to stdout for --print side-channel
	// records (YTDLP_ID mappings) and --dump-json output; ordinary
	// progress always goes to stderr.
	OnStdoutLine func(string)
}

// OnProgress is invoked from the scanning goroutines for every throttled
// progress/destination/error event the child process emits.
type OnProgress func(progress.Event)

// Supervisor runs yt-dlp invocations under the above policy.
type Supervisor struct {
	logger *logrus.Logger
}

// New builds a Supervisor.
func New(logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Supervisor{logger: logger}
}

// Result is what Run returns once the child process pipeline finishes (after
// retries are exhausted or a permanent error is hit).
type Result struct {
	Destination string
	Collector   *progress.Collector
	Stderr      string
	Stdout      string
}

// Run executes yt-dlp, retrying on TRANSIENT classifications up to
// opts.MaxRetries times with exponential backoff (jpillora/backoff), the way
// the original worker's retry_with_backoff wraps its own yt-dlp invocation.
func (s *Supervisor) Run(ctx context.Context, opts Options, onProgress OnProgress) (Result, error) {
	b := &backoff.Backoff{
		Min:    opts.RetryDelay,
		Max:    opts.RetryDelay * 8,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	var lastResult Result

	attempts := opts.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := s.runOnce(ctx, opts, onProgress)
		if err == nil {
			return result, nil
		}
		lastErr = err
		lastResult = result

		var wkErr *ytlerr.Error
		if errors.As(err, &wkErr) && wkErr.Category != ytlerr.Transient {
			return result, err
		}
		if attempt == attempts-1 {
			break
		}

		delay := b.Duration()
		s.logger.WithFields(logrus.Fields{"attempt": attempt + 1, "delay": delay}).
			Warn("transient download failure, retrying")

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastResult, lastErr
}

// runOnce runs one yt-dlp invocation end to end: spawns the process, drains
// stdout/stderr concurrently (never reading one pipe without the other, to
// avoid deadlocking on a full pipe buffer), and classifies any failure.
func (s *Supervisor) runOnce(ctx context.Context, opts Options, onProgress OnProgress) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if opts.WallClock > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.WallClock)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, opts.YtdlpPath, opts.Args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start yt-dlp: %w", err)
	}

	collector := progress.NewCollector()
	var destination string
	var stderrLines []string
	var stdoutLines []string
	var mu sync.Mutex
	var lineTimedOut atomic.Bool

	// onLineTimeout kills the child via runCtx the moment either stream
	// stalls past PerLineTimeout, the same way a wall-clock timeout does,
	// so a hung-then-recovered process can never slip through as a clean
	// exit.
	onLineTimeout := func() {
		lineTimedOut.Store(true)
		cancel()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// stderr carries yt-dlp's human-readable progress stream; feed it
	// through the collector the way the original worker's
	// process.stderr.readline() loop drives its progress_collector.
	go func() {
		defer wg.Done()
		s.drain(stderr, opts.PerLineTimeout, func(line string) {
			mu.Lock()
			stderrLines = append(stderrLines, line)
			mu.Unlock()

			ev, ok := collector.Feed(line)
			if !ok {
				return
			}
			if ev.HasDestination {
				mu.Lock()
				destination = ev.Destination
				mu.Unlock()
			}
			if onProgress != nil {
				onProgress(ev)
			}
		}, onLineTimeout)
	}()

	// stdout only ever carries --print side-channel records or
	// --dump-json output; it is never progress.
	go func() {
		defer wg.Done()
		s.drain(stdout, opts.PerLineTimeout, func(line string) {
			mu.Lock()
			stdoutLines = append(stdoutLines, line)
			mu.Unlock()
			if opts.OnStdoutLine != nil {
				opts.OnStdoutLine(line)
			}
		}, onLineTimeout)
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	mu.Lock()
	stderrText := strings.Join(stderrLines, "\n")
	stdoutText := strings.Join(stdoutLines, "\n")
	dest := destination
	mu.Unlock()

	if lineTimedOut.Load() {
		return Result{Destination: dest, Collector: collector, Stderr: stderrText, Stdout: stdoutText},
			ytlerr.Get(ytlerr.NetworkTimeout, "no output from yt-dlp within the per-line timeout, killed")
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{Destination: dest, Collector: collector, Stderr: stderrText, Stdout: stdoutText},
			ytlerr.Get(ytlerr.NetworkTimeout, "download exceeded wall-clock timeout")
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return Result{Destination: dest, Collector: collector, Stderr: stderrText, Stdout: stdoutText},
				ytlerr.Classify(stderrText)
		}
		return Result{Destination: dest, Collector: collector, Stderr: stderrText, Stdout: stdoutText},
			fmt.Errorf("yt-dlp invocation failed: %w", waitErr)
	}

	if opts.RequireDestination && dest == "" {
		return Result{Destination: dest, Collector: collector, Stderr: stderrText, Stdout: stdoutText},
			ytlerr.Get(ytlerr.FileNotFound, "")
	}

	return Result{Destination: dest, Collector: collector, Stderr: stderrText, Stdout: stdoutText}, nil
}

// RunCapture runs a one-shot yt-dlp invocation that produces no destination
// file, only stdout output (typically NDJSON from --dump-json), the way
// the original worker's youtube_search.py and video-info probes invoke
// yt-dlp purely to read its stdout. Retries on TRANSIENT classifications the
// same as Run.
func (s *Supervisor) RunCapture(ctx context.Context, opts Options) ([]byte, error) {
	opts.RequireDestination = false
	result, err := s.Run(ctx, opts, nil)
	if err != nil {
		return nil, err
	}
	return []byte(result.Stdout), nil
}

// drain scans r line by line, calling onLine for each. perLineTimeout bounds
// how long a single Scan() may take to produce output before the scanner is
// abandoned; when it fires, onTimeout is called so the caller can kill the
// stalled child instead of letting it run unsupervised.
func (s *Supervisor) drain(r io.Reader, perLineTimeout time.Duration, onLine func(string), onTimeout func()) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if perLineTimeout <= 0 {
		for scanner.Scan() {
			onLine(scanner.Text())
		}
		return
	}

	lines := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			onLine(line)
		case <-time.After(perLineTimeout):
			close(done)
			if onTimeout != nil {
				onTimeout()
			}
			return
		}
	}
}
