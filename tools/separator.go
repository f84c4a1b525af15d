package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jupark12/karaoke-worker/logging"
)

// StemPaths maps stem name (file base without .wav) to its file.
type StemPaths map[string]string

// Separator runs Spleeter.
type Separator struct {
	runner
	prefixArgs []string
}

// NewSeparator builds a separator invoking binary with prefixArgs before the
// "separate" subcommand, e.g. python -m spleeter.
func NewSeparator(binary string, prefixArgs []string, opts ...Option) *Separator {
	return &Separator{
		runner:     newRunner(binary, "separator", opts),
		prefixArgs: append([]string(nil), prefixArgs...),
	}
}

// Separate splits inputPath with the given model into workDir and returns the
// stems actually written under workDir/<input base name>/. It does not check
// the result against the model's expected stem set.
func (s *Separator) Separate(ctx context.Context, inputPath, workDir, model string) (StemPaths, error) {
	args := append([]string(nil), s.prefixArgs...)
	args = append(args, "separate", "-p", "spleeter:"+model, "-o", workDir, inputPath)
	if _, err := s.run(ctx, StageSeparate, args); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	stemDir := filepath.Join(workDir, base)
	matches, err := filepath.Glob(filepath.Join(stemDir, "*.wav"))
	if err != nil {
		return nil, fmt.Errorf("list stems: %w", err)
	}
	stems := make(StemPaths, len(matches))
	for _, path := range matches {
		stems[strings.TrimSuffix(filepath.Base(path), ".wav")] = path
	}
	if len(stems) == 0 {
		if _, err := os.Stat(stemDir); errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("separator produced no output directory", logging.String("dir", stemDir))
		}
	}
	return stems, nil
}
