package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/fieldlab/labplane/internal/eventstore"
	"github.com/fieldlab/labplane/internal/fault"
	"github.com/fieldlab/labplane/internal/guard"
)

// Read modes.
const (
	ModeAuto     = "auto"
	ModeLocal    = "local"
	ModeSSH      = "ssh"
	ModeSSHGuard = "ssh_guard"
)

const sshRetries = 3

// ============================================================================
// LOCAL
// ============================================================================

// LocalReader reads day files straight off the filesystem.
type LocalReader struct {
	root string
}

// NewLocalReader wraps an event store root.
func NewLocalReader(root string) *LocalReader { return &LocalReader{root: root} }

func (r *LocalReader) Mode() string { return ModeLocal }

func (r *LocalReader) TailDay(ctx context.Context, day string, maxLines int) (TailPage, error) {
	res, err := eventstore.TailFile(eventstore.DayPath(r.root, day), maxLines)
	if err != nil {
		return TailPage{}, err
	}
	return TailPage{Events: res.Events, Malformed: res.Malformed}, nil
}

func (r *LocalReader) Days(ctx context.Context) ([]string, error) {
	return eventstore.Days(r.root)
}

// ============================================================================
// SSH
// ============================================================================

// SSHReader tails a remote store over plain SSH. Transient failures (exit
// 255, timeouts, resets) are retried with the shared bounded backoff.
type SSHReader struct {
	host   string // host:port
	user   string
	root   string // remote store root
	signer ssh.Signer
	logger *log.Entry
}

// NewSSHReader builds a reader for a remote host. keyPath names the private
// key file; hosts without one cannot use remote modes.
func NewSSHReader(host, user, keyPath, root string) (*SSHReader, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fault.Wrap(fault.FailClosed, err, "read ssh key %s", keyPath)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fault.Wrap(fault.FailClosed, err, "parse ssh key %s", keyPath)
	}
	if !strings.Contains(host, ":") {
		host += ":22"
	}
	return &SSHReader{
		host:   host,
		user:   user,
		root:   root,
		signer: signer,
		logger: log.WithFields(log.Fields{"component": "feed", "mode": ModeSSH, "host": host}),
	}, nil
}

func (r *SSHReader) Mode() string { return ModeSSH }

func (r *SSHReader) TailDay(ctx context.Context, day string, maxLines int) (TailPage, error) {
	path := eventstore.DayPath(r.root, day)
	out, err := r.run(ctx, fmt.Sprintf("tail -n %d %s 2>/dev/null || true", maxLines, shellQuote(path)))
	if err != nil {
		return TailPage{}, err
	}
	res := eventstore.DecodeLines(out)
	return TailPage{Events: res.Events, Malformed: res.Malformed}, nil
}

func (r *SSHReader) Days(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, fmt.Sprintf("ls -1 %s 2>/dev/null || true", shellQuote(r.root+"/events")))
	if err != nil {
		return nil, err
	}
	var days []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if _, err := time.Parse("2006-01-02", line); err == nil {
			days = append(days, line)
		}
	}
	sort.Strings(days)
	return days, nil
}

// run executes one remote command, retrying transient SSH failures.
func (r *SSHReader) run(ctx context.Context, command string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= sshRetries; attempt++ {
		out, err := r.runOnce(ctx, command)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !fault.Retryable(err) || attempt == sshRetries {
			return nil, err
		}
		r.logger.WithError(err).WithField("attempt", attempt).Warn("ssh retry")
		if !guard.Backoff(ctx, attempt) {
			return nil, fault.Wrap(fault.TransientIO, ctx.Err(), "ssh canceled")
		}
	}
	return nil, lastErr
}

func (r *SSHReader) runOnce(ctx context.Context, command string) ([]byte, error) {
	client, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fault.Wrap(fault.TransientIO, err, "ssh session")
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok && exitErr.ExitStatus() == 255 {
				return nil, fault.Wrap(fault.TransientIO, err, "ssh transport failure")
			}
			return nil, fault.Wrap(fault.TransientIO, err, "remote command failed")
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, fault.Wrap(fault.TransientIO, ctx.Err(), "remote command canceled")
	}
}

func (r *SSHReader) dial(ctx context.Context) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // lab hosts churn; keys pinned at the network layer
		Timeout:         5 * time.Second,
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.host)
	if err != nil {
		return nil, fault.Wrap(fault.TransientIO, err, "dial %s", r.host)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, r.host, cfg)
	if err != nil {
		conn.Close()
		return nil, fault.Wrap(fault.TransientIO, err, "ssh handshake %s", r.host)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// ============================================================================
// SSH GUARD
// ============================================================================

// GuardReader tails the remote store through the sshguard executor: the
// remote end enforces its own allowlist, so even a compromised feed service
// can only run what the guard permits.
type GuardReader struct {
	ssh       *SSHReader
	guardPath string
}

// NewGuardReader wraps an SSHReader with the guarded protocol.
func NewGuardReader(sshReader *SSHReader, guardPath string) *GuardReader {
	if guardPath == "" {
		guardPath = "/usr/local/bin/sshguard"
	}
	return &GuardReader{ssh: sshReader, guardPath: guardPath}
}

func (r *GuardReader) Mode() string { return ModeSSHGuard }

func (r *GuardReader) TailDay(ctx context.Context, day string, maxLines int) (TailPage, error) {
	out, err := r.invoke(ctx, "/usr/bin/tail",
		[]string{"-n", strconv.Itoa(maxLines), eventstore.DayPath(r.ssh.root, day)})
	if err != nil {
		return TailPage{}, err
	}
	res := eventstore.DecodeLines(out)
	return TailPage{Events: res.Events, Malformed: res.Malformed}, nil
}

func (r *GuardReader) Days(ctx context.Context) ([]string, error) {
	out, err := r.invoke(ctx, "/bin/ls", []string{"-1", r.ssh.root + "/events"})
	if err != nil {
		return nil, err
	}
	var days []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if _, err := time.Parse("2006-01-02", line); err == nil {
			days = append(days, line)
		}
	}
	sort.Strings(days)
	return days, nil
}

// invoke runs one guarded request and returns the captured stdout. Guard
// denials are terminal, not retried.
func (r *GuardReader) invoke(ctx context.Context, cmd string, args []string) ([]byte, error) {
	reqJSON, err := json.Marshal(map[string]interface{}{"cmd": cmd, "args": args})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "marshal guard request")
	}
	out, err := r.ssh.run(ctx, fmt.Sprintf("echo %s | %s", shellQuote(string(reqJSON)), r.guardPath))
	if err != nil {
		return nil, err
	}

	var resp struct {
		OK     bool   `json:"ok"`
		Stdout string `json:"stdout"`
		Code   string `json:"code"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &resp); err != nil {
		return nil, fault.Wrap(fault.TransientIO, err, "guard response unreadable")
	}
	if !resp.OK {
		return nil, fault.Coded(fault.PolicyDenied, resp.Code, "guard refused: %s", resp.Error)
	}
	return []byte(resp.Stdout), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
