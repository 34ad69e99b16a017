// Package attempt runs one supervised transfer attempt and handles the
// signals that may cut it short.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"syncjob/internal/model"
)

const DefaultMaxCapture = 4 << 20

type Outcome struct {
	Command  []string
	Output   []byte
	ExitCode int
	Elapsed  time.Duration
	Aborted  bool
	Signal   os.Signal
}

func (o Outcome) CommandLine() string {
	return model.ShellJoin(o.Command)
}

type Runner struct {
	Supervisor *Supervisor
	// Echo receives the child's output as it is produced, e.g. the job log.
	Echo       io.Writer
	MaxCapture int
}

// Run executes argv and blocks until the child exits or is terminated. The
// captured output is discarded when a signal cut the attempt short.
func (r *Runner) Run(ctx context.Context, argv []string) (Outcome, error) {
	out := Outcome{Command: append([]string(nil), argv...), ExitCode: -1}
	if len(argv) == 0 {
		return out, fmt.Errorf("empty command")
	}
	sup := r.Supervisor
	if sup == nil {
		return out, fmt.Errorf("runner requires a supervisor")
	}
	if sig := sup.Signal(); sig != nil {
		out.Aborted = true
		out.Signal = sig
		return out, ErrAborted
	}

	capture := newTailBuffer(r.MaxCapture)
	var w io.Writer = capture
	if r.Echo != nil {
		w = io.MultiWriter(capture, r.Echo)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = sup.grace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return out, fmt.Errorf("start %s: %w", argv[0], err)
	}
	sup.Begin(cmd.Process.Pid)
	waitErr := cmd.Wait()
	sup.End()
	out.Elapsed = time.Since(start)

	if sig := sup.Signal(); sig != nil {
		capture.Reset()
		out.Aborted = true
		out.Signal = sig
		out.ExitCode = exitCode(waitErr)
		return out, nil
	}

	out.Output = capture.Bytes()
	capture.Reset()
	out.ExitCode = exitCode(waitErr)
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return out, fmt.Errorf("wait %s: %w", argv[0], waitErr)
		}
	}
	return out, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last max bytes written to it. The backing slice grows
// to twice max before it is compacted, so writes stay amortized O(len(p)).
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = DefaultMaxCapture
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > 2*t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	tail := t.buf
	if over := len(tail) - t.max; over > 0 {
		tail = tail[over:]
	}
	if !t.truncated && len(tail) == len(t.buf) {
		return append([]byte(nil), tail...)
	}
	out := make([]byte, 0, len(tail)+32)
	out = append(out, "[earlier output truncated]\n"...)
	return append(out, tail...)
}

func (t *tailBuffer) Reset() {
	t.mu.Lock()
	t.buf = nil
	t.truncated = false
	t.mu.Unlock()
}
