// Package audio inspects separated WAV stems before they are mixed.
package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// SilenceThreshold is the normalized peak at or below which a stem counts as
// silent (about -80 dBFS).
const SilenceThreshold = 1e-4

const chunkFrames = 8192

// WAVInfo summarizes a decoded WAV file.
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Frames     int64
	Duration   time.Duration
	// Peak is the largest absolute sample, normalized to [0, 1].
	Peak float64
}

// Empty reports whether the stem carries no audible signal.
func (i WAVInfo) Empty() bool {
	return i.Frames == 0 || i.Peak <= SilenceThreshold
}

// InspectWAV decodes path in chunks and measures its length and peak level.
func InspectWAV(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return WAVInfo{}, fmt.Errorf("%s: not a valid wav file", path)
	}
	decoder.ReadInfo()

	info := WAVInfo{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
	}
	if info.Channels < 1 || info.BitDepth < 8 {
		return WAVInfo{}, fmt.Errorf("%s: unsupported wav format (%d channels, %d bit)", path, info.Channels, info.BitDepth)
	}

	buf := &audio.IntBuffer{
		Format: decoder.Format(),
		Data:   make([]int, chunkFrames*info.Channels),
	}
	fullScale := math.Pow(2, float64(info.BitDepth-1))
	var samples int64
	var peak int
	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return WAVInfo{}, fmt.Errorf("decode %s: %w", path, err)
		}
		if n == 0 {
			break
		}
		for _, s := range buf.Data[:n] {
			if info.BitDepth == 8 {
				// 8-bit PCM is unsigned.
				s -= 128
			}
			if s < 0 {
				s = -s
			}
			if s > peak {
				peak = s
			}
		}
		samples += int64(n)
	}

	info.Frames = samples / int64(info.Channels)
	if info.SampleRate > 0 {
		info.Duration = time.Duration(info.Frames) * time.Second / time.Duration(info.SampleRate)
	}
	info.Peak = math.Min(float64(peak)/fullScale, 1)
	return info, nil
}
