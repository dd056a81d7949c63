package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlab/labplane/internal/cmdpolicy"
	"github.com/fieldlab/labplane/internal/fault"
)

func TestRunCleanExit(t *testing.T) {
	res, err := Run(context.Background(),
		cmdpolicy.Plan{Cmd: "/bin/echo", Args: []string{"hello", "lab"}}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "hello lab\n", string(res.Stdout))
	assert.Equal(t, int64(10), res.StdoutBytes)

	want := sha256.Sum256([]byte("hello lab\n"))
	assert.Equal(t, hex.EncodeToString(want[:]), res.StdoutSHA256)
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(),
		cmdpolicy.Plan{Cmd: "/bin/sh", Args: []string{"-c", "exit 3"}}, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, fault.ExecutionFailed, fault.KindOf(err))
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestRunTimeoutKills(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(),
		cmdpolicy.Plan{Cmd: "/bin/sleep", Args: []string{"10"}}, 150*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "kill must not wait for the child's own exit")
	assert.True(t, res.TimedOut)
	assert.Equal(t, "killed", res.Signal)
	assert.Equal(t, fault.ExecutionFailed, fault.KindOf(err))
}

func TestRunMissingBinary(t *testing.T) {
	res, err := Run(context.Background(),
		cmdpolicy.Plan{Cmd: "/no/such/binary"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, fault.ExecutionFailed, fault.KindOf(err))
}

func TestRunCapsOutputExactly(t *testing.T) {
	// 300 KiB source, captured output must be exactly 256 KiB.
	big := bytes.Repeat([]byte("x"), 300*1024)
	path := filepath.Join(t.TempDir(), "big.txt")
	require.NoError(t, os.WriteFile(path, big, 0o644))

	res, err := Run(context.Background(),
		cmdpolicy.Plan{Cmd: "/bin/cat", Args: []string{path}}, 10*time.Second)
	require.NoError(t, err)
	assert.Len(t, res.Stdout, MaxCapture)
	assert.Equal(t, int64(300*1024), res.StdoutBytes, "total bytes counted past the cap")

	// Digest covers the capped capture, which is what the store retains.
	want := sha256.Sum256(big[:MaxCapture])
	assert.Equal(t, hex.EncodeToString(want[:]), res.StdoutSHA256)
}

func TestRunSmallOutputNotPadded(t *testing.T) {
	res, err := Run(context.Background(),
		cmdpolicy.Plan{Cmd: "/bin/echo", Args: []string{"short"}}, time.Second)
	require.NoError(t, err)
	assert.Less(t, len(res.Stdout), MaxCapture)
}

func TestRunHonorsCwd(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(),
		cmdpolicy.Plan{Cmd: "/bin/pwd", Cwd: dir}, time.Second)
	require.NoError(t, err)
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Equal(t, resolved+"\n", string(res.Stdout))
}

func TestResultMap(t *testing.T) {
	res := Result{ExitCode: 1, TimedOut: true, Signal: "killed", DurationMs: 42,
		Stdout: []byte("out"), Stderr: []byte("err"),
		StdoutSHA256: "aa", StderrSHA256: "bb", StdoutBytes: 3, StderrBytes: 3}
	m := res.Map()
	assert.Equal(t, 1, m["exit_code"])
	assert.Equal(t, true, m["timed_out"])
	assert.Equal(t, "killed", m["signal"])
	assert.Equal(t, "out", m["stdout"])
	assert.Equal(t, "bb", m["stderr_sha256"])
}
