// Package remote runs fetch commands against device hosts.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lab_crawler/models"
)

// ErrTimeout is returned when a command does not finish within its budget.
var ErrTimeout = errors.New("remote: command timed out")

// Result is the outcome of one remote command.
type Result struct {
	ExitStatus int
	Output     string
	ErrorText  string
}

// Executor opens a session on host, runs command and always releases the
// session before returning.
type Executor interface {
	RunCommand(ctx context.Context, host models.HostEndpoint, command string, timeout time.Duration) (Result, error)
}

// Bounded runs command through exec and returns ErrTimeout once timeout has
// elapsed even if exec itself never returns.
func Bounded(ctx context.Context, exec Executor, host models.HostEndpoint, command string, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := exec.RunCommand(ctx, host, command, timeout)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if errors.Is(o.err, context.DeadlineExceeded) {
			return o.res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return Result{}, ctx.Err()
	}
}
