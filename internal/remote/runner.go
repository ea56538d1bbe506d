package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// ErrTransport marks failures to reach the source host. Once it surfaces, no
// inventory gathered in the session can be trusted.
var ErrTransport = errors.New("transport failure")

const (
	dialRetries    = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 15 * time.Second
)

// Runner executes a command on the source host and returns its output.
type Runner interface {
	Exec(ctx context.Context, command string) (stdout, stderr []string, status int, err error)
}

// Host identifies the system to replicate.
type Host struct {
	Hostname string
	Port     int
	Username string
	KeyFile  string // path to a private key, e.g. ~/.ssh/id_rsa
}

// SSHRunner runs commands over a single authenticated SSH connection.
// One command is outstanding at a time; each call blocks to completion or
// until the configured deadline expires.
type SSHRunner struct {
	client   *ssh.Client
	deadline time.Duration
	log      zerolog.Logger
}

// Dial connects to the host and authenticates with the given key file.
// Transient connection failures are retried with backoff before giving up.
func Dial(host Host, deadline time.Duration, log zerolog.Logger) (*SSHRunner, error) {
	key, err := os.ReadFile(host.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", host.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing key %s: %w", host.KeyFile, err)
	}

	cfg := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // single-host analysis session
		Timeout:         deadline,
	}
	addr := net.JoinHostPort(host.Hostname, fmt.Sprintf("%d", host.Port))

	client, err := retry.DoWithData(func() (*ssh.Client, error) {
		return ssh.Dial("tcp", addr, cfg)
	}, retry.Attempts(dialRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrTransport, addr, err)
	}
	log.Info().Str("host", addr).Str("user", host.Username).Msg("connected to source host")

	return &SSHRunner{client: client, deadline: deadline, log: log}, nil
}

// Close tears down the SSH connection.
func (r *SSHRunner) Close() error {
	return r.client.Close()
}

// Exec runs command on the host in a fresh session. A nonzero remote exit
// status is reported in status, not err; err is reserved for transport
// problems and deadline expiry.
func (r *SSHRunner) Exec(ctx context.Context, command string) ([]string, []string, int, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("%w: opening session: %v", ErrTransport, err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	r.log.Debug().Str("command", command).Msg("remote exec")

	if r.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.deadline)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		return nil, nil, 0, fmt.Errorf("%w: %q: %v", ErrTransport, command, ctx.Err())
	case err = <-done:
	}

	status := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitStatus()
		} else {
			return nil, nil, 0, fmt.Errorf("%w: %q: %v", ErrTransport, command, err)
		}
	}
	return splitLines(outBuf.String()), splitLines(errBuf.String()), status, nil
}

// splitLines splits command output into lines, dropping the trailing blank
// line left by a final newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
