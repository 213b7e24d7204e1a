package container

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrCrashed is returned when the container itself fails, as opposed to
// the command inside it.
var ErrCrashed = errors.New("container crashed")

// timeoutExitCode is the exit status of coreutils timeout(1) when the
// command was killed.
const timeoutExitCode = 124

// Command is a command to execute inside a container.
type Command struct {
	Argv    []string
	Stdin   string
	Env     map[string]string
	Timeout time.Duration
}

// Result is the outcome of a command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// StdoutTail holds the last bytes of stdout, even when Stdout was
	// truncated.
	StdoutTail string
	Elapsed    time.Duration
	TimedOut   bool
}

// Container is an isolated environment that student code runs in.
type Container interface {
	// RunCommand executes cmd and waits for it to finish or time out. A
	// timeout is reported through Result.TimedOut, not as an error.
	RunCommand(ctx context.Context, cmd *Command) (*Result, error)
	// CopyFrom reads a single file out of the container.
	CopyFrom(ctx context.Context, path string) ([]byte, error)
	// CopyTo writes data to dir/name inside the container.
	CopyTo(ctx context.Context, dir, name string, data []byte) error
	// SetNetwork connects or disconnects the container from its network.
	SetNetwork(ctx context.Context, enabled bool) error
	// Close removes the container.
	Close(ctx context.Context) error
}

// withTimeout prefixes argv with timeout(1) so that the process inside the
// container is killed when it runs too long.
func withTimeout(argv []string, timeout time.Duration) []string {
	if timeout <= 0 {
		return argv
	}

	secs := math.Ceil(timeout.Seconds()*1000) / 1000

	wrapped := make([]string, 0, len(argv)+4)
	wrapped = append(wrapped, "timeout", "-s", "KILL", fmt.Sprintf("%.3f", secs))

	return append(wrapped, argv...)
}

// isTimedOut decides whether a command wrapped by withTimeout was killed.
func isTimedOut(exitCode int, elapsed, timeout time.Duration) bool {
	return timeout > 0 && exitCode == timeoutExitCode && elapsed >= timeout
}

// Shell returns argv running script through bash.
func Shell(script string) []string {
	return []string{"/bin/bash", "-c", script}
}
