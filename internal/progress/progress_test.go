package progress

import "testing"

func TestParseLineFullProgress(t *testing.T) {
	ev, ok := ParseLine("[download]  42.5% of 10.00MiB at 1.50MiB/s ETA 00:05", Progress{})
	if !ok {
		t.Fatal("expected event")
	}
	if !ev.HasProgress {
		t.Fatal("expected HasProgress")
	}
	if ev.Progress.Percent != 42 {
		t.Errorf("Percent = %d, want 42", ev.Progress.Percent)
	}
	if ev.Progress.Speed != "1.50MiB/s" {
		t.Errorf("Speed = %q, want %q", ev.Progress.Speed, "1.50MiB/s")
	}
	if ev.Progress.ETA != 5 {
		t.Errorf("ETA = %d, want 5", ev.Progress.ETA)
	}
	if ev.Progress.Status != StatusDownloading {
		t.Errorf("Status = %v, want %v", ev.Progress.Status, StatusDownloading)
	}
}

func TestParseLineDestination(t *testing.T) {
	ev, ok := ParseLine("[download] Destination: /tmp/staging/Song Title.webm", Progress{})
	if !ok || !ev.HasDestination {
		t.Fatal("expected destination event")
	}
	if ev.Destination != "/tmp/staging/Song Title.webm" {
		t.Errorf("Destination = %q", ev.Destination)
	}
}

func TestParseLineAlreadyDownloaded(t *testing.T) {
	ev, ok := ParseLine("[download] /tmp/staging/Song.webm has already been downloaded", Progress{})
	if !ok || !ev.HasDestination || !ev.Done {
		t.Fatal("expected destination+done event")
	}
}

func TestParseLineError(t *testing.T) {
	ev, ok := ParseLine("ERROR: Video unavailable", Progress{})
	if !ok || !ev.HasError {
		t.Fatal("expected error event")
	}
}

func TestParseLineNoise(t *testing.T) {
	_, ok := ParseLine("[youtube] Extracting URL: https://youtube.com/watch?v=x", Progress{})
	if ok {
		t.Error("expected unrecognised line to yield no event")
	}
}

func TestParseLineEmpty(t *testing.T) {
	_, ok := ParseLine("", Progress{})
	if ok {
		t.Error("empty line should never yield an event")
	}
}

func TestParseETA(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"00:05", 5},
		{"01:30", 90},
		{"1:02:03", 3723},
		{"Unknown", 0},
		{"unknown", 0},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := ParseETA(tt.in); got != tt.want {
			t.Errorf("ParseETA(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCollectorThrottlesSmallChanges(t *testing.T) {
	c := NewCollector()

	// First update always counts toward updatesSinceEmit; a 1% change on
	// its own shouldn't emit until the second update forces it through.
	if _, emitted := c.Feed("[download]   1.0% of 10MiB at 1MiB/s ETA 00:10"); emitted {
		t.Fatal("first 1% update should be throttled")
	}
	_, emitted := c.Feed("[download]   2.0% of 10MiB at 1MiB/s ETA 00:09")
	if !emitted {
		t.Fatal("second consecutive small update should force an emission")
	}
}

func TestCollectorEmitsLargeJump(t *testing.T) {
	c := NewCollector()
	_, emitted := c.Feed("[download]  50.0% of 10MiB at 1MiB/s ETA 00:05")
	if !emitted {
		t.Fatal("a >=5%% jump from 0 should emit immediately")
	}
}

func TestCollectorAlwaysEmitsDestinationAndDone(t *testing.T) {
	c := NewCollector()
	if _, emitted := c.Feed("[download] Destination: /tmp/x.webm"); !emitted {
		t.Error("destination line should always emit")
	}
	if _, emitted := c.Feed("ERROR: something broke"); !emitted {
		t.Error("error line should always emit")
	}
}
