// Package sandbox runs user-supplied scripts for CUSTOM blocks in
// short-lived subprocesses. The worker writes the script to a private
// temp directory, feeds the block input on stdin as JSON and reads the
// result back from stdout. Processes get a stripped environment and a
// hard wall-clock cap; anything still running at the cap is killed.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/blockpilot/worker/common/faults"
)

// Logger interface for sandbox lifecycle logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

const (
	// maxWallClock bounds one script run regardless of what the block
	// config asks for.
	maxWallClock = 30 * time.Second

	// maxCapture bounds each of stdout and stderr. Output past the cap
	// is dropped, not an error.
	maxCapture = 1 << 20
)

// RunRequest describes one script invocation.
type RunRequest struct {
	Language string
	Source   string
	// Input is encoded as JSON and written to the script's stdin.
	Input map[string]any
	// Timeout below the wall-clock cap shortens the run; zero or
	// anything above the cap means the cap applies.
	Timeout time.Duration
}

// RunResult is the captured outcome of a script run.
type RunResult struct {
	// Output is the last stdout line that parses as a JSON object, or
	// {"result": <stdout>} when no line does.
	Output   map[string]any
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes user code. The subprocess implementation below is
// the production adapter; tests substitute an in-memory fake.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

type interpreter struct {
	command string
	args    []string
	ext     string
}

// interpreters maps normalized language names to the runtime that
// executes them.
var interpreters = map[string]interpreter{
	"javascript": {command: "node", args: []string{"--no-warnings"}, ext: ".js"},
	"js":         {command: "node", args: []string{"--no-warnings"}, ext: ".js"},
	"node":       {command: "node", args: []string{"--no-warnings"}, ext: ".js"},
	"python":     {command: "python3", ext: ".py"},
	"python3":    {command: "python3", ext: ".py"},
	"py":         {command: "python3", ext: ".py"},
}

// Subprocess runs scripts via os/exec.
type Subprocess struct {
	logger Logger
}

var _ Runner = (*Subprocess)(nil)

// NewSubprocess creates the subprocess runner.
func NewSubprocess(logger Logger) *Subprocess {
	return &Subprocess{logger: logger}
}

// Run executes the script and captures its output. The subprocess sees
// only PATH plus a throwaway HOME/TMPDIR inside the script's temp
// directory, never the worker's own environment.
func (s *Subprocess) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	interp, ok := interpreters[strings.ToLower(strings.TrimSpace(req.Language))]
	if !ok {
		return nil, faults.Validation("unsupported script language %q", req.Language)
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, faults.Validation("script source is empty")
	}

	wall := maxWallClock
	if req.Timeout > 0 && req.Timeout < wall {
		wall = req.Timeout
	}

	workDir, err := os.MkdirTemp("", "blockpilot-script-")
	if err != nil {
		return nil, fmt.Errorf("failed to create script workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	scriptPath := filepath.Join(workDir, "script"+interp.ext)
	if err := os.WriteFile(scriptPath, []byte(req.Source), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, faults.Validation("script input is not JSON-encodable: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	args := append(append([]string{}, interp.args...), scriptPath)
	cmd := exec.CommandContext(runCtx, interp.command, args...)
	cmd.Dir = workDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=C.UTF-8",
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr cappedBuffer
	stdout.limit = maxCapture
	stderr.limit = maxCapture
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	res := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("script killed at wall-clock cap",
				"language", req.Language, "cap", wall)
			return nil, faults.Deadline("", fmt.Errorf("script exceeded %s wall clock", wall))
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return nil, fmt.Errorf("script exited %d: %s", res.ExitCode, excerpt(res.Stderr))
		}
		return nil, fmt.Errorf("failed to run script: %w", runErr)
	}

	res.Output = parseOutput(res.Stdout)
	return res, nil
}

// parseOutput scans stdout bottom-up for a JSON object line. Scripts
// that print progress before their result still round-trip cleanly.
func parseOutput(stdout string) map[string]any {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(line), &out); err == nil {
			return out
		}
	}
	return map[string]any{"result": strings.TrimSpace(stdout)}
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[:512] + "..."
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}

// cappedBuffer collects writes up to limit bytes and silently drops
// the rest.
type cappedBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
