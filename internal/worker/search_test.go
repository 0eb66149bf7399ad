package worker

import "testing"

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PL123", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ?t=30", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/playlist?list=PL123", ""},
	}
	for _, tt := range tests {
		if got := extractVideoID(tt.url); got != tt.want {
			t.Errorf("extractVideoID(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestGroupVideoFormatsPicksBestPerTier(t *testing.T) {
	formats := []rawFormat{
		{FormatID: "137", Ext: "mp4", Height: 1080, Vcodec: "avc1", Acodec: "none", TBR: 2500, Filesize: 50_000_000},
		{FormatID: "136", Ext: "mp4", Height: 720, Vcodec: "avc1", Acodec: "mp4a", TBR: 1200, Filesize: 20_000_000},
		{FormatID: "135", Ext: "mp4", Height: 720, Vcodec: "avc1", Acodec: "mp4a", TBR: 900, Filesize: 15_000_000},
		{FormatID: "18", Ext: "mp4", Height: 360, Vcodec: "avc1", Acodec: "mp4a", TBR: 500, Filesize: 5_000_000},
	}

	out := groupVideoFormats(formats)

	byQuality := map[string]map[string]any{}
	for _, f := range out {
		byQuality[f["quality"].(string)] = f
	}

	f1080, ok := byQuality["1080p"]
	if !ok {
		t.Fatal("expected a 1080p tier entry")
	}
	if f1080["format_id"] != "137+bestaudio" {
		t.Errorf("1080p format_id = %v, want needs-merge video-only id", f1080["format_id"])
	}
	if f1080["needs_merge"] != true {
		t.Error("video-only 1080p format should need a merge")
	}

	f720, ok := byQuality["720p"]
	if !ok {
		t.Fatal("expected a 720p tier entry")
	}
	// 136 has higher TBR than 135 and both are within the 720 tier window.
	if f720["format_id"] != "136" {
		t.Errorf("720p format_id = %v, want 136 (higher tbr)", f720["format_id"])
	}
	if f720["needs_merge"] != false {
		t.Error("720p format already has native audio, should not need a merge")
	}

	if _, ok := byQuality["2160p"]; ok {
		t.Error("no source format is within 30px of 2160p, tier should be absent")
	}
}

func TestGroupAudioFormatsIncludesBestAndTranscodeOptions(t *testing.T) {
	formats := []rawFormat{
		{FormatID: "140", Ext: "m4a", Acodec: "mp4a", Vcodec: "none", ABR: 128, Filesize: 3_000_000},
		{FormatID: "251", Ext: "webm", Acodec: "opus", Vcodec: "none", ABR: 160, Filesize: 3_500_000},
		{FormatID: "137", Ext: "mp4", Acodec: "none", Vcodec: "avc1", ABR: 0},
	}

	out := groupAudioFormats(formats)
	if len(out) != 4 {
		t.Fatalf("got %d formats, want 4 (1 best native + 3 transcode options)", len(out))
	}
	if out[0]["format_id"] != "251" {
		t.Errorf("best audio format_id = %v, want 251 (highest abr)", out[0]["format_id"])
	}

	wantCodes := []string{"0", "2", "5"}
	for i, code := range wantCodes {
		entry := out[i+1]
		if entry["audio_quality"] != code {
			t.Errorf("transcode option %d audio_quality = %v, want %v", i, entry["audio_quality"], code)
		}
		if entry["transcode"] != true {
			t.Errorf("transcode option %d should be marked transcode=true", i)
		}
	}
}

func TestGroupAudioFormatsNoNativeAudio(t *testing.T) {
	formats := []rawFormat{
		{FormatID: "137", Ext: "mp4", Acodec: "none", Vcodec: "avc1"},
	}
	out := groupAudioFormats(formats)
	// No native-audio-only format exists, so only the 3 fixed transcode
	// options should be present.
	if len(out) != 3 {
		t.Fatalf("got %d formats, want 3 (transcode options only)", len(out))
	}
}

func TestAbs(t *testing.T) {
	if abs(-5) != 5 {
		t.Error("abs(-5) != 5")
	}
	if abs(5) != 5 {
		t.Error("abs(5) != 5")
	}
	if abs(0) != 0 {
		t.Error("abs(0) != 0")
	}
}

func TestFormatSizePrefersExactOverApprox(t *testing.T) {
	f := rawFormat{Filesize: 100, FilesizeApprox: 200}
	if got := formatSize(f); got != 100 {
		t.Errorf("formatSize = %d, want 100", got)
	}
	f2 := rawFormat{FilesizeApprox: 200}
	if got := formatSize(f2); got != 200 {
		t.Errorf("formatSize fallback = %d, want 200", got)
	}
}
