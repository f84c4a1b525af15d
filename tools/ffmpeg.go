package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jupark12/karaoke-worker/logging"
)

// ErrNoInputs is wrapped by a mix ToolError when nothing can be mixed.
var ErrNoInputs = errors.New("no readable inputs")

// Transcoder converts WAV stems to MP3.
type Transcoder struct {
	runner
}

func NewTranscoder(ffmpeg string, opts ...Option) *Transcoder {
	return &Transcoder{runner: newRunner(ffmpeg, "transcoder", opts)}
}

// ToMP3 writes <wav without ext>.mp3 next to the input at VBR quality 2.
func (t *Transcoder) ToMP3(ctx context.Context, wavPath string) (string, error) {
	out := strings.TrimSuffix(wavPath, filepath.Ext(wavPath)) + ".mp3"
	args := []string{"-y", "-i", wavPath, "-codec:a", "libmp3lame", "-qscale:a", "2", out}
	output, err := t.run(ctx, StageTranscode, args)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(out); err != nil {
		return "", newToolError(StageTranscode, t.binary, output, fmt.Errorf("expected output %s: %w", out, err))
	}
	return out, nil
}

// Mixer sums instrumental stems into one track.
type Mixer struct {
	runner
}

func NewMixer(ffmpeg string, opts ...Option) *Mixer {
	return &Mixer{runner: newRunner(ffmpeg, "mixer", opts)}
}

// Merge mixes inputs into output. Unreadable inputs are skipped; a single
// readable input is copied byte for byte.
func (m *Mixer) Merge(ctx context.Context, inputs []string, output string) error {
	readable := make([]string, 0, len(inputs))
	for _, in := range inputs {
		f, err := os.Open(in)
		if err != nil {
			m.logger.Warn("skipping unreadable mix input", logging.String("path", in), logging.Error(err))
			continue
		}
		f.Close()
		readable = append(readable, in)
	}
	switch len(readable) {
	case 0:
		return newToolError(StageMix, m.binary, nil, ErrNoInputs)
	case 1:
		if err := copyFile(readable[0], output); err != nil {
			return newToolError(StageMix, "copy", nil, err)
		}
		return nil
	}

	args := []string{"-y"}
	for _, in := range readable {
		args = append(args, "-i", in)
	}
	filter := "amix=inputs=" + strconv.Itoa(len(readable)) + ":duration=longest:dropout_transition=2"
	args = append(args, "-filter_complex", filter, output)
	out, err := m.run(ctx, StageMix, args)
	if err != nil {
		return err
	}
	if _, err := os.Stat(output); err != nil {
		return newToolError(StageMix, m.binary, out, fmt.Errorf("expected output %s: %w", output, err))
	}
	return nil
}

// Validator checks that a file decodes cleanly.
type Validator struct {
	runner
}

func NewValidator(ffmpeg string, opts ...Option) *Validator {
	return &Validator{runner: newRunner(ffmpeg, "validator", opts)}
}

// IsPlayable decodes path to the null muxer and reports whether ffmpeg
// accepted it.
func (v *Validator) IsPlayable(ctx context.Context, path string) bool {
	_, err := v.run(ctx, StageValidate, []string{"-v", "error", "-i", path, "-f", "null", "-"})
	if err != nil {
		v.logger.Info("file failed playback validation", logging.String("path", path), logging.Error(err))
		return false
	}
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
