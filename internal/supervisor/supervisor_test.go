package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"hermesworker/internal/ytlerr"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// A real "yt-dlp" binary is never available in the test environment, so
// these exercise the supervisor's pipeline against /bin/sh scripts that
// write to stdout/stderr exactly the way yt-dlp would.

func TestRunRoutesStderrAndStdoutSeparately(t *testing.T) {
	sup := New(testLogger())

	script := `echo '[download] Destination: /tmp/out/song.webm' 1>&2; echo 'YTDLP_ID	abc123	/tmp/out/song.webm'`
	opts := Options{
		YtdlpPath: "/bin/sh",
		Args:      []string{"-c", script},
		WallClock: 5 * time.Second,
	}

	var stdoutLines []string
	opts.OnStdoutLine = func(line string) { stdoutLines = append(stdoutLines, line) }

	result, err := sup.Run(context.Background(), opts, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Destination != "/tmp/out/song.webm" {
		t.Errorf("Destination = %q, want the stderr-parsed destination", result.Destination)
	}
	if len(stdoutLines) != 1 || stdoutLines[0] != "YTDLP_ID\tabc123\t/tmp/out/song.webm" {
		t.Errorf("stdout side-channel lines = %v, want the YTDLP_ID line", stdoutLines)
	}
}

func TestRunRequireDestinationFailsWhenMissing(t *testing.T) {
	sup := New(testLogger())

	opts := Options{
		YtdlpPath:          "/bin/sh",
		Args:               []string{"-c", "echo 'nothing useful'"},
		WallClock:          5 * time.Second,
		RequireDestination: true,
	}

	_, err := sup.Run(context.Background(), opts, nil)
	if err == nil {
		t.Fatal("expected an error when no destination line was parsed")
	}
	var wkErr *ytlerr.Error
	if !errors.As(err, &wkErr) || wkErr.Code != ytlerr.FileNotFound {
		t.Errorf("got error %v, want ytlerr.FileNotFound", err)
	}
}

func TestRunClassifiesNonZeroExit(t *testing.T) {
	sup := New(testLogger())

	opts := Options{
		YtdlpPath: "/bin/sh",
		Args:      []string{"-c", "echo 'ERROR: Video unavailable' 1>&2; exit 1"},
		WallClock: 5 * time.Second,
	}

	_, err := sup.Run(context.Background(), opts, nil)
	if err == nil {
		t.Fatal("expected an error from a non-zero exit")
	}
	var wkErr *ytlerr.Error
	if !errors.As(err, &wkErr) || wkErr.Code != ytlerr.Unavailable {
		t.Errorf("got error %v, want ytlerr.Unavailable", err)
	}
}

func TestRunRetriesTransientFailureThenGivesUp(t *testing.T) {
	sup := New(testLogger())

	// Always fails with a transient (network timeout) error; retries should
	// be attempted MaxRetries times before giving up, then return that error.
	opts := Options{
		YtdlpPath:  "/bin/sh",
		Args:       []string{"-c", "echo 'Connection timed out' 1>&2; exit 1"},
		WallClock:  5 * time.Second,
		MaxRetries: 2,
		RetryDelay: 10 * time.Millisecond,
	}

	_, err := sup.Run(context.Background(), opts, nil)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	var wkErr *ytlerr.Error
	if !errors.As(err, &wkErr) || wkErr.Category != ytlerr.Transient {
		t.Errorf("got error %v, want a transient classification", err)
	}
}

func TestRunDoesNotRetryPermanentFailure(t *testing.T) {
	sup := New(testLogger())

	opts := Options{
		YtdlpPath:  "/bin/sh",
		Args:       []string{"-c", "echo 'ERROR: Private video' 1>&2; exit 1"},
		WallClock:  5 * time.Second,
		MaxRetries: 5,
		RetryDelay: 10 * time.Millisecond,
	}

	start := time.Now()
	_, err := sup.Run(context.Background(), opts, nil)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an error")
	}
	var wkErr *ytlerr.Error
	if !errors.As(err, &wkErr) || wkErr.Category != ytlerr.Permanent {
		t.Errorf("got error %v, want a permanent classification", err)
	}
	if elapsed > time.Second {
		t.Errorf("permanent failure should fail fast without retry backoff, took %v", elapsed)
	}
}

func TestRunCaptureReturnsStdout(t *testing.T) {
	sup := New(testLogger())

	opts := Options{
		YtdlpPath: "/bin/sh",
		Args:      []string{"-c", "echo '{\"title\":\"a song\"}'"},
		WallClock: 5 * time.Second,
	}

	out, err := sup.RunCapture(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunCapture: %v", err)
	}
	want := `{"title":"a song"}`
	if string(out) != want {
		t.Errorf("RunCapture output = %q, want %q", string(out), want)
	}
}

func TestRunWallClockTimeout(t *testing.T) {
	sup := New(testLogger())

	opts := Options{
		YtdlpPath: "/bin/sh",
		Args:      []string{"-c", "sleep 5"},
		WallClock: 50 * time.Millisecond,
	}

	_, err := sup.Run(context.Background(), opts, nil)
	if err == nil {
		t.Fatal("expected a wall-clock timeout error")
	}
	var wkErr *ytlerr.Error
	if !errors.As(err, &wkErr) || wkErr.Code != ytlerr.NetworkTimeout {
		t.Errorf("got error %v, want ytlerr.NetworkTimeout", err)
	}
}

func TestRunPerLineTimeoutKillsChildAndClassifies(t *testing.T) {
	sup := New(testLogger())

	// Emits one line, then goes silent well past PerLineTimeout without
	// ever exiting on its own: a stalled-then-recovered child must still
	// be killed and reported as a network timeout, not a clean done.
	opts := Options{
		YtdlpPath:      "/bin/sh",
		Args:           []string{"-c", "echo '[download]   1.0% of 10MiB' 1>&2; sleep 5"},
		WallClock:      5 * time.Second,
		PerLineTimeout: 50 * time.Millisecond,
	}

	start := time.Now()
	_, err := sup.Run(context.Background(), opts, nil)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a per-line timeout error")
	}
	var wkErr *ytlerr.Error
	if !errors.As(err, &wkErr) || wkErr.Code != ytlerr.NetworkTimeout {
		t.Errorf("got error %v, want ytlerr.NetworkTimeout", err)
	}
	if elapsed >= opts.WallClock {
		t.Errorf("took %v, expected the per-line timeout (not the wall clock) to fire and kill the child", elapsed)
	}
}
