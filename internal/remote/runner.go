package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/wenwu/saas-platform/fleet-orchestrator/internal/models"
	"golang.org/x/crypto/ssh"
)

// CommandRunner executes a shell command on a fleet server. The transport is
// swappable: production uses SSH, tests use an in-memory fake.
type CommandRunner interface {
	Run(ctx context.Context, server *models.Server, cmd string) (string, error)
}

// ExitError reports a command that ran but exited non-zero. Runners return it
// so callers can distinguish "server rejected the operation" from "server
// unreachable".
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d: %s", e.Code, e.Output)
}

// IsExitError reports whether err is a non-zero command exit
func IsExitError(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

// SSHRunner runs commands over SSH using a single fleet key
type SSHRunner struct {
	signer      ssh.Signer
	defaultUser string
	defaultPort int
	timeout     time.Duration
}

// NewSSHRunner parses the fleet private key and returns a runner. Defaults
// apply when a server record leaves ssh_user/ssh_port empty.
func NewSSHRunner(keyPEM []byte, defaultUser string, defaultPort int, timeout time.Duration) (*SSHRunner, error) {
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	if defaultUser == "" {
		defaultUser = "root"
	}
	if defaultPort <= 0 {
		defaultPort = 22
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &SSHRunner{
		signer:      signer,
		defaultUser: defaultUser,
		defaultPort: defaultPort,
		timeout:     timeout,
	}, nil
}

// Run executes cmd on the server and returns combined output. A non-zero
// exit is reported as *ExitError; everything else (dial failure, handshake,
// deadline) surfaces as a transport error.
func (r *SSHRunner) Run(ctx context.Context, server *models.Server, cmd string) (string, error) {
	user := server.SSHUser
	if user == "" {
		user = r.defaultUser
	}
	port := server.SSHPort
	if port <= 0 {
		port = r.defaultPort
	}
	addr := net.JoinHostPort(server.Address, strconv.Itoa(port))

	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.timeout,
	}

	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}

	// Bound the whole session, not just the dial
	deadline := time.Now().Add(r.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return string(out), &ExitError{Code: exitErr.ExitStatus(), Output: string(out)}
		}
		return string(out), fmt.Errorf("run command: %w", err)
	}

	return string(out), nil
}
