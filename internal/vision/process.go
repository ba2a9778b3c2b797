package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/aura/internal/monitoring"
)

var logf = monitoring.Component("vision")

// CommandRunner runs an external command and returns what it wrote to stdout
// and stderr. The command must be killed when ctx is done.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner implements CommandRunner with os/exec.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes to close after
	// the process is killed. Zero means one second.
	WaitDelay time.Duration
}

// Run starts the command and waits for it.
func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// MockRunner implements CommandRunner for testing.
type MockRunner struct {
	Stdout []byte
	Stderr []byte
	Err    error
	// Block makes Run wait for ctx to finish before returning ctx.Err().
	Block bool

	// Calls records the argument vector of each call, name first.
	Calls [][]string
}

// Run records the call and returns the configured output.
func (m *MockRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	m.Calls = append(m.Calls, append([]string{name}, args...))
	if m.Block {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	return m.Stdout, m.Stderr, m.Err
}

// ProcessDetector runs the vision worker as a child process per frame:
//
//	<Python> <Script> <imageRef> <fallbackDistance>
//
// and reads one JSON scene object from its stdout.
type ProcessDetector struct {
	Python string
	Script string
	Dir    string
	Runner CommandRunner
}

// NewProcessDetector returns a detector running script with python.
func NewProcessDetector(python, script, dir string) *ProcessDetector {
	return &ProcessDetector{Python: python, Script: script, Dir: dir, Runner: ExecRunner{}}
}

// Detect runs the worker once. It never retries.
func (d *ProcessDetector) Detect(ctx context.Context, imageRef string, fallbackDistance float64) (Result, error) {
	runner := d.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	dist := strconv.FormatFloat(fallbackDistance, 'f', -1, 64)

	stdout, stderr, err := runner.Run(ctx, d.Dir, d.Python, d.Script, imageRef, dist)
	if cerr := ContextError(ctx, imageRef); cerr != nil {
		return Result{}, cerr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, newDetectError(imageRef, ErrWorkerFailed,
				fmt.Errorf("worker exited with status %d: %s", exitErr.ExitCode(), tail(stderr)))
		}
		return Result{}, newDetectError(imageRef, ErrWorkerFailed, err)
	}
	if len(stderr) > 0 {
		logf("worker stderr for %s: %s", imageRef, tail(stderr))
	}

	res, err := decodeWorkerOutput(stdout)
	if err != nil {
		return Result{}, newDetectError(imageRef, ErrMalformedResult, err)
	}
	return res, nil
}

// tail returns the last line of b, trimmed, for error messages.
func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	const maxTail = 256
	if len(s) > maxTail {
		s = s[len(s)-maxTail:]
	}
	return s
}
