package rclone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"syncjob/internal/model"
)

const DefaultBinary = "rclone"

type Client struct {
	Bin   string
	Flags []string
}

type Result struct {
	Command  []string
	Output   string
	ExitCode int
}

func (r Result) CommandLine() string {
	return model.ShellJoin(r.Command)
}

func (r Result) Category() Category {
	return Classify(r.ExitCode)
}

func New(bin string, flags []string) Client {
	if strings.TrimSpace(bin) == "" {
		bin = DefaultBinary
	}
	return Client{Bin: bin, Flags: append([]string(nil), flags...)}
}

// CheckDependencies verifies the binary is on PATH and runs, and returns the
// first line of its version output.
func (c Client) CheckDependencies(ctx context.Context) (string, error) {
	if _, err := exec.LookPath(c.Bin); err != nil {
		return "", fmt.Errorf("missing dependency: %s is not installed or not on PATH (is the rclone module loaded?)", c.Bin)
	}
	res, err := c.run(ctx, "version")
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", c.Bin, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s version exited with status %d: %s", c.Bin, res.ExitCode, strings.TrimSpace(res.Output))
	}
	line, _, _ := strings.Cut(strings.TrimSpace(res.Output), "\n")
	return strings.TrimSpace(line), nil
}

func (c Client) ListRemotes(ctx context.Context) ([]string, error) {
	res, err := c.run(ctx, "listremotes")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("rclone listremotes failed (status %d): %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	remotes := make([]string, 0)
	for _, line := range strings.Split(res.Output, "\n") {
		name := strings.TrimSuffix(strings.TrimSpace(line), ":")
		if name != "" {
			remotes = append(remotes, name)
		}
	}
	return remotes, nil
}

func (c Client) HasRemote(ctx context.Context, name string) (bool, error) {
	want := strings.TrimSuffix(strings.TrimSpace(name), ":")
	if want == "" {
		return false, fmt.Errorf("remote name is required")
	}
	remotes, err := c.ListRemotes(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range remotes {
		if r == want {
			return true, nil
		}
	}
	return false, nil
}

// List runs a shallow listing of remotePath. A non-zero exit is reported in
// the Result, not as an error.
func (c Client) List(ctx context.Context, remotePath string) (Result, error) {
	return c.run(ctx, "lsf", "--max-depth", "1", remotePath)
}

// SyncCommand is the full argv of a one-directional mirror from source to
// target. Remote-only files are deleted.
func (c Client) SyncCommand(source, target string) []string {
	argv := []string{c.Bin, "sync", source, target}
	return append(argv, c.Flags...)
}

func (c Client) run(ctx context.Context, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	res := Result{Command: append([]string{c.Bin}, args...)}
	err := cmd.Run()
	res.Output = out.String()
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	return res, fmt.Errorf("run %s: %w", res.CommandLine(), err)
}
