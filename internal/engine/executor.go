package engine

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Result is the opaque outcome of running a command. ExitCode is -1 when
// the process could not be started or was killed before exiting.
type Result struct {
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Stdout     string
	Stderr     string
}

// Executor runs an authorized command. Implementations must respect ctx
// cancellation; the engine never re-runs a command on error.
type Executor interface {
	Run(ctx context.Context, command, workingDir string) (*Result, error)
}

// LocalExecutor runs commands through `sudo -n sh -c` on the host, with
// a timeout. -n makes sudo fail instead of prompting when the gate
// process lacks passwordless sudo for the command.
type LocalExecutor struct {
	timeout time.Duration
}

func NewLocalExecutor(timeout time.Duration) *LocalExecutor {
	return &LocalExecutor{timeout: timeout}
}

func (e *LocalExecutor) Run(ctx context.Context, command, workingDir string) (*Result, error) {
	if workingDir == "" {
		workingDir = "/tmp"
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sudo", "-n", "sh", "-c", command)
	cmd.Dir = workingDir

	res := &Result{StartedAt: time.Now().UTC()}

	stdout, stderr, err := runCapture(cmd)
	res.FinishedAt = time.Now().UTC()
	res.Stdout = stdout
	res.Stderr = stderr

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("failed to run command: %w", err)
	}
	res.ExitCode = 0
	return res, nil
}

func runCapture(cmd *exec.Cmd) (string, string, error) {
	var stdoutBuf, stderrBuf captureBuffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	err := cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}

// captureBuffer caps captured output so a chatty command cannot blow up
// the audit row.
type captureBuffer struct {
	buf       []byte
	truncated bool
}

const maxCapturedOutput = 256 * 1024

func (b *captureBuffer) Write(p []byte) (int, error) {
	if remaining := maxCapturedOutput - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else {
		b.truncated = true
	}
	return len(p), nil
}

func (b *captureBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "\n[output truncated]"
	}
	return string(b.buf)
}
