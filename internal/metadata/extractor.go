// Package metadata probes a downloaded audio file for its duration and tag
// data so the Storage Pool can enrich a sidecar beyond what yt-dlp's own
// dump-json reports. Trimmed from the teacher's internal/metadata/extractor.go
// Extractor (which additionally read and cached embedded album art for the
// HTTP streaming surface this worker doesn't have) down to the duration and
// title/artist probing it still needs.
package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/tcolgate/mp3"
)

// Info is what Probe reports about a downloaded media file.
type Info struct {
	DurationSeconds int
	Title           string
	Artist          string
}

// Probe reads filePath's embedded tags (via dhowden/tag) and computes its
// duration with a format-specific decoder, falling back to the bare filename
// when no tag data is present. Errors are non-fatal to callers: a probe
// failure should enrich a sidecar with zero values, not fail the download.
func Probe(filePath string) (Info, error) {
	duration, durErr := calculateDuration(filePath)
	if durErr != nil {
		duration = 0
	}

	f, err := os.Open(filePath)
	if err != nil {
		return Info{DurationSeconds: duration}, err
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		name := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
		return Info{DurationSeconds: duration, Title: name}, nil
	}

	title := meta.Title()
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}

	return Info{
		DurationSeconds: duration,
		Title:           title,
		Artist:          meta.Artist(),
	}, nil
}

func calculateDuration(filePath string) (int, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp3":
		return durationMP3(filePath)
	case ".flac":
		return durationFLAC(filePath)
	case ".wav":
		return durationWAV(filePath)
	case ".m4a":
		return durationM4A(filePath)
	default:
		return 0, fmt.Errorf("unsupported format: %s", filepath.Ext(filePath))
	}
}

// durationMP3 decodes frames to sum exact durations, falling back to a
// bitrate-based file-size estimate only when no frame decodes at all.
func durationMP3(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := mp3.NewDecoder(f)
	var total time.Duration
	var skipped int
	frames := 0
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if frames == 0 {
				return estimateFromFileSize(path, 192000)
			}
			break
		}
		total += fr.Duration()
		frames++
	}
	return int(total.Seconds()), nil
}

func durationFLAC(path string) (int, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return 0, err
	}
	si := stream.Info
	if si.NSamples > 0 && si.SampleRate > 0 {
		return int(float64(si.NSamples)/float64(si.SampleRate) + 0.5), nil
	}
	return 0, fmt.Errorf("flac stream missing sample info")
}

func durationWAV(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return 0, fmt.Errorf("invalid wav header")
	}

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	pcmBytes := st.Size() - 44
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	bytesPerFrame := int64(dec.BitDepth/8) * int64(dec.NumChans)
	if bytesPerFrame <= 0 {
		return 0, fmt.Errorf("invalid sample frame size")
	}
	secs := float64(pcmBytes/bytesPerFrame) / float64(dec.SampleRate)
	return int(secs + 0.5), nil
}

// durationM4A performs a minimal manual mvhd-atom scan rather than pulling in
// a full MP4 demuxer dependency; none of the other decoders used here reads
// M4A duration.
func durationM4A(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	for {
		head := make([]byte, 8)
		if _, err := io.ReadFull(f, head); err != nil {
			return 0, err
		}
		size := binary.BigEndian.Uint32(head[0:4])
		atom := string(head[4:8])
		if size < 8 {
			return 0, fmt.Errorf("invalid atom size")
		}

		if atom != "moov" {
			if _, err := f.Seek(int64(size)-8, io.SeekCurrent); err != nil {
				return 0, err
			}
			continue
		}

		limit := int64(size) - 8
		for read := int64(0); read < limit; {
			subHead := make([]byte, 8)
			if _, err := io.ReadFull(f, subHead); err != nil {
				return 0, err
			}
			subSize := binary.BigEndian.Uint32(subHead[0:4])
			subAtom := string(subHead[4:8])
			if subAtom == "mvhd" {
				version := make([]byte, 1)
				if _, err := io.ReadFull(f, version); err != nil {
					return 0, err
				}
				var skip int64
				if version[0] == 1 {
					skip = 3 + 8 + 8
				} else {
					skip = 3 + 4 + 4
				}
				if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
					return 0, err
				}
				tsBuf := make([]byte, 4)
				if _, err := io.ReadFull(f, tsBuf); err != nil {
					return 0, err
				}
				timescale := binary.BigEndian.Uint32(tsBuf)
				durBuf := make([]byte, 4)
				if _, err := io.ReadFull(f, durBuf); err != nil {
					return 0, err
				}
				durUnits := binary.BigEndian.Uint32(durBuf)
				if timescale == 0 {
					return 0, fmt.Errorf("invalid timescale")
				}
				return int(float64(durUnits)/float64(timescale) + 0.5), nil
			}
			if subSize < 8 {
				return 0, fmt.Errorf("invalid sub-atom size")
			}
			if _, err := f.Seek(int64(subSize)-8, io.SeekCurrent); err != nil {
				return 0, err
			}
			read += int64(subSize)
		}
		break
	}
	return 0, fmt.Errorf("mvhd atom not found")
}

func estimateFromFileSize(path string, bitrate int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if bitrate <= 0 {
		return 0, fmt.Errorf("invalid bitrate")
	}
	return int((st.Size() * 8) / int64(bitrate)), nil
}
