// Package media wraps the external probe, encode and package tools used to
// turn a source upload into an encrypted segmented asset.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Command is one invocation of an external tool.
type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes external tools. Production code uses ExecRunner; tests
// substitute fakes that write the expected artefacts.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// CommandError reports a tool that ran and exited unsuccessfully.
type CommandError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.ExitCode, e.Stderr)
}

// ExecRunner runs tools with os/exec, streaming stderr into the logger line
// by line and returning stdout.
type ExecRunner struct {
	Logger *slog.Logger
}

const stderrTailLimit = 2048

func (r ExecRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	proc := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	var stdout bytes.Buffer
	stderr := newLogWriter(logger, cmd.Name)
	proc.Stdout = &stdout
	proc.Stderr = stderr
	logger.Debug("running media tool", "command", cmd.String())
	err := proc.Run()
	stderr.flush()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), &CommandError{Name: cmd.Name, ExitCode: exitErr.ExitCode(), Stderr: stderr.tail()}
	}
	return nil, fmt.Errorf("run %s: %w", cmd.Name, err)
}

// logWriter forwards tool output to slog one line at a time and keeps the
// last few kilobytes for error reports. Carriage returns end a line too, since
// progress meters redraw in place with them.
type logWriter struct {
	logger  *slog.Logger
	pending []byte
	last    []byte
}

func newLogWriter(logger *slog.Logger, tool string) *logWriter {
	return &logWriter{logger: logger.With("tool", tool)}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.last = append(w.last, p...)
	if len(w.last) > stderrTailLimit {
		w.last = w.last[len(w.last)-stderrTailLimit:]
	}
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexAny(w.pending, "\r\n")
		if idx == -1 {
			break
		}
		w.emit(w.pending[:idx])
		w.pending = w.pending[idx+1:]
	}
	return total, nil
}

func (w *logWriter) flush() {
	w.emit(w.pending)
	w.pending = nil
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.logger.Debug(string(line))
}

func (w *logWriter) tail() string {
	return strings.TrimSpace(string(w.last))
}
