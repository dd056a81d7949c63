// Package runner spawns allowlisted commands without a shell, with capped
// output capture, a hard deadline, and digest reporting for the audit trail.
package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fieldlab/labplane/internal/cmdpolicy"
	"github.com/fieldlab/labplane/internal/fault"
)

// MaxCapture is the exact cap applied to each of stdout and stderr.
const MaxCapture = 256 * 1024

// DefaultTimeout applies when the caller passes no deadline of its own.
const DefaultTimeout = 30 * time.Second

// ============================================================================
// RESULT
// ============================================================================

// Result is everything an audit event needs to describe one child run.
type Result struct {
	ExitCode     int    `json:"exit_code"`
	Signal       string `json:"signal,omitempty"`
	TimedOut     bool   `json:"timed_out"`
	DurationMs   int64  `json:"duration_ms"`
	Stdout       []byte `json:"-"`
	Stderr       []byte `json:"-"`
	StdoutSHA256 string `json:"stdout_sha256"`
	StderrSHA256 string `json:"stderr_sha256"`
	StdoutBytes  int64  `json:"stdout_bytes"`
	StderrBytes  int64  `json:"stderr_bytes"`
}

// Map renders the result as envelope data, with truncated text tails for
// caller convenience.
func (r *Result) Map() map[string]interface{} {
	m := map[string]interface{}{
		"exit_code":     r.ExitCode,
		"timed_out":     r.TimedOut,
		"duration_ms":   r.DurationMs,
		"stdout_sha256": r.StdoutSHA256,
		"stderr_sha256": r.StderrSHA256,
		"stdout_bytes":  r.StdoutBytes,
		"stderr_bytes":  r.StderrBytes,
		"stdout":        string(r.Stdout),
		"stderr":        string(r.Stderr),
	}
	if r.Signal != "" {
		m["signal"] = r.Signal
	}
	return m
}

// ============================================================================
// CAPPED CAPTURE
// ============================================================================

// capWriter keeps the first max bytes and counts the rest. The child keeps a
// live pipe either way, so a chatty process is drained, not blocked.
type capWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	max   int
	total int64
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.total += int64(len(p))
	if remain := w.max - w.buf.Len(); remain > 0 {
		keep := p
		if len(keep) > remain {
			keep = keep[:remain]
		}
		w.buf.Write(keep)
	}
	return len(p), nil
}

// ============================================================================
// EXECUTION
// ============================================================================

// Run executes a validated plan. The command is spawned directly, never via
// a shell; on deadline expiry the child gets SIGKILL. The returned error is
// nil only for a clean zero exit; the Result is populated either way.
func Run(ctx context.Context, plan cmdpolicy.Plan, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &capWriter{max: MaxCapture}
	stderr := &capWriter{max: MaxCapture}

	cmd := exec.CommandContext(runCtx, plan.Cmd, plan.Args...)
	cmd.Dir = plan.Cwd
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	res := Result{
		ExitCode:     0,
		TimedOut:     errors.Is(runCtx.Err(), context.DeadlineExceeded),
		DurationMs:   duration.Milliseconds(),
		Stdout:       stdout.buf.Bytes(),
		Stderr:       stderr.buf.Bytes(),
		StdoutSHA256: digest(stdout.buf.Bytes()),
		StderrSHA256: digest(stderr.buf.Bytes()),
		StdoutBytes:  stdout.total,
		StderrBytes:  stderr.total,
	}

	if runErr == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal().String()
		}
		if res.TimedOut {
			return res, fault.Wrap(fault.ExecutionFailed, runErr,
				"%s killed after %s", plan.Cmd, timeout)
		}
		return res, fault.Wrap(fault.ExecutionFailed, runErr,
			"%s exited %d", plan.Cmd, res.ExitCode)
	}

	// Never started: missing binary, permission, bad cwd.
	res.ExitCode = -1
	return res, fault.Wrap(fault.ExecutionFailed, runErr, "spawn %s", plan.Cmd)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
