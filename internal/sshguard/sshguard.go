// Package sshguard is the fail-closed constrained executor for hosts that
// lack the messaging link: one JSON request on stdin, one JSON response on
// stdout, the same allowlist discipline the agents enforce. The allowlist
// file is re-read on every invocation — there is no long-lived process to
// reload.
package sshguard

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/fieldlab/labplane/internal/cmdpolicy"
	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
	"github.com/fieldlab/labplane/internal/runner"
	"github.com/fieldlab/labplane/internal/vault"
)

// Exit codes of the one-shot protocol.
const (
	ExitOK         = 0
	ExitBadRequest = 2
	ExitDenied     = 3
	ExitVaultDown  = 4
)

// Request is one guarded invocation.
type Request struct {
	Cmd       string   `json:"cmd"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Response mirrors the agent.ssh.result event on stdout.
type Response struct {
	OK           bool   `json:"ok"`
	RequestID    string `json:"request_id"`
	ExitCode     int    `json:"exit_code,omitempty"`
	TimedOut     bool   `json:"timed_out,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	StdoutSHA256 string `json:"stdout_sha256,omitempty"`
	StderrSHA256 string `json:"stderr_sha256,omitempty"`
	Code         string `json:"code,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Guard executes one request under policy.
type Guard struct {
	allowlistPath string
	vault         *vault.Client
	src           string
	timeout       time.Duration
}

// New builds a guard. src names this host in the audit trail.
func New(allowlistPath string, vaultClient *vault.Client, src string, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = runner.DefaultTimeout
	}
	return &Guard{allowlistPath: allowlistPath, vault: vaultClient, src: src, timeout: timeout}
}

// Execute runs the full one-shot protocol: decode, policy, vault-first
// intent, run, result. The returned exit code is the process exit code.
func (g *Guard) Execute(ctx context.Context, stdin io.Reader) (Response, int) {
	var req Request
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return Response{OK: false, Code: "bad_request", Error: "request is not valid JSON: " + err.Error()},
			ExitBadRequest
	}
	if req.Cmd == "" {
		return Response{OK: false, Code: "bad_request", Error: "cmd is required"}, ExitBadRequest
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	// Allowlist loads fresh every call; any load failure is a denial.
	allowlist, err := cmdpolicy.Load(g.allowlistPath)
	if err != nil {
		return g.deny(ctx, req, err)
	}
	plan, err := allowlist.Validate(cmdpolicy.Plan{Cmd: req.Cmd, Args: req.Args, Cwd: req.Cwd})
	if err != nil {
		return g.deny(ctx, req, err)
	}

	// Vault-first: no durable intent, no execution.
	if _, err := g.vault.Emit(ctx, envelope.TypeSSHIntent, g.src, map[string]interface{}{
		"request_id": req.RequestID,
		"cmd":        plan.Cmd,
		"args":       plan.Args,
		"cwd":        plan.Cwd,
		"reason":     req.Reason,
	}); err != nil {
		resp := Response{
			OK:        false,
			RequestID: req.RequestID,
			Code:      cmdpolicy.CodeVaultDown,
			Error:     "vault unreachable, refusing to execute: " + err.Error(),
		}
		return resp, ExitVaultDown
	}

	res, runErr := runner.Run(ctx, plan, g.timeout)
	resp := Response{
		OK:           runErr == nil,
		RequestID:    req.RequestID,
		ExitCode:     res.ExitCode,
		TimedOut:     res.TimedOut,
		DurationMs:   res.DurationMs,
		Stdout:       string(res.Stdout),
		Stderr:       string(res.Stderr),
		StdoutSHA256: res.StdoutSHA256,
		StderrSHA256: res.StderrSHA256,
	}
	if runErr != nil {
		resp.Error = runErr.Error()
	}

	// Result audit is best-effort: the command already ran.
	g.emit(ctx, envelope.TypeSSHResult, map[string]interface{}{
		"request_id":    req.RequestID,
		"cmd":           plan.Cmd,
		"ok":            resp.OK,
		"exit_code":     res.ExitCode,
		"timed_out":     res.TimedOut,
		"duration_ms":   res.DurationMs,
		"stdout_sha256": res.StdoutSHA256,
		"stderr_sha256": res.StderrSHA256,
	})
	return resp, ExitOK
}

// deny audits the refusal and shapes the denial response.
func (g *Guard) deny(ctx context.Context, req Request, err error) (Response, int) {
	code := fault.CodeOf(err)
	if code == "" {
		code = cmdpolicy.CodeNotAllowed
	}
	g.emit(ctx, envelope.TypeSSHDenied, map[string]interface{}{
		"request_id": req.RequestID,
		"cmd":        req.Cmd,
		"args":       req.Args,
		"code":       code,
		"reason":     err.Error(),
	})
	return Response{OK: false, RequestID: req.RequestID, Code: code, Error: err.Error()}, ExitDenied
}

func (g *Guard) emit(ctx context.Context, eventType string, data map[string]interface{}) {
	// Losing a denied/result event is logged upstream by the vault client;
	// the response on stdout still tells the caller what happened.
	g.vault.Emit(ctx, eventType, g.src, data)
}
