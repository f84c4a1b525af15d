// Package tools wraps the external programs the pipeline shells out to:
// the Spleeter separator and ffmpeg for validation, transcoding and mixing.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/jupark12/karaoke-worker/logging"
)

// Stages a ToolError can be tagged with.
const (
	StageValidate  = "validate"
	StageSeparate  = "separate"
	StageTranscode = "transcode"
	StageMix       = "mix"
)

// Executor abstracts command execution for testability.
type Executor interface {
	// Run executes binary with args and returns its combined output.
	Run(ctx context.Context, binary string, args []string) ([]byte, error)
}

// CommandExecutor runs real processes.
type CommandExecutor struct{}

func (CommandExecutor) Run(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	return cmd.CombinedOutput()
}

// ToolError reports a failed tool invocation: a nonzero exit, a timeout, or
// a missing expected output.
type ToolError struct {
	Stage    string
	Tool     string
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Stage, e.Tool)
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " exited with status %d", e.ExitCode)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if tail := lastLine(e.Output); tail != "" {
		fmt.Fprintf(&b, " (%s)", tail)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error { return e.Err }

func newToolError(stage, tool string, output []byte, err error) *ToolError {
	te := &ToolError{Stage: stage, Tool: tool, Output: string(output), Err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		te.ExitCode = exitErr.ExitCode()
	}
	return te
}

func lastLine(output string) string {
	output = strings.TrimSpace(output)
	if idx := strings.LastIndexByte(output, '\n'); idx >= 0 {
		output = output[idx+1:]
	}
	const maxLen = 200
	if len(output) > maxLen {
		output = output[:maxLen] + "..."
	}
	return strings.TrimSpace(output)
}

// Option configures a tool adapter.
type Option func(*runner)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(r *runner) {
		if exec != nil {
			r.exec = exec
		}
	}
}

// WithTimeout bounds each invocation. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *runner) { r.timeout = d }
}

// WithLogger sets the adapter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *runner) { r.logger = logger }
}

type runner struct {
	binary  string
	exec    Executor
	timeout time.Duration
	logger  *slog.Logger
}

func newRunner(binary, component string, opts []Option) runner {
	r := runner{binary: binary, exec: CommandExecutor{}}
	for _, opt := range opts {
		opt(&r)
	}
	r.logger = logging.NewComponentLogger(r.logger, component)
	return r
}

func (r runner) run(ctx context.Context, stage string, args []string) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	output, err := r.exec.Run(ctx, r.binary, args)
	r.logger.Debug("tool finished",
		logging.String("tool", r.binary),
		logging.String(logging.FieldStage, stage),
		logging.Duration("elapsed", time.Since(start)),
		logging.Bool("ok", err == nil),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return output, newToolError(stage, r.binary, output, err)
	}
	return output, nil
}
