package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"lab_crawler/models"
)

const defaultDialTimeout = 15 * time.Second

// SSHExecutor opens a fresh SSH connection per command.
type SSHExecutor struct {
	DialTimeout     time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSHExecutor verifies host keys against knownHostsPath, or accepts any
// host key when the path is empty.
func NewSSHExecutor(knownHostsPath string, dialTimeout time.Duration) (*SSHExecutor, error) {
	callback := ssh.InsecureIgnoreHostKey()
	if knownHostsPath != "" {
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		callback = cb
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &SSHExecutor{DialTimeout: dialTimeout, HostKeyCallback: callback}, nil
}

func (e *SSHExecutor) RunCommand(ctx context.Context, host models.HostEndpoint, command string, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.dial(ctx, host)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session on %s: %w", host.Addr(), err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// Closing the client unblocks session.Run.
		client.Close()
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Output: stdout.String(), ErrorText: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		return res, nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		res.ExitStatus = -1
		return res, nil
	}
	return res, fmt.Errorf("run on %s: %w", host.Addr(), err)
}

func (e *SSHExecutor) dial(ctx context.Context, host models.HostEndpoint) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: host.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(host.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = host.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: e.HostKeyCallback,
		Timeout:         e.DialTimeout,
	}

	addr := host.Addr()
	dialer := net.Dialer{Timeout: e.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(e.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}
