// Package slurm submits and requeues batch jobs through the sbatch and
// scontrol command-line tools.
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"syncjob/internal/model"
)

const (
	DefaultSbatch   = "sbatch"
	DefaultScontrol = "scontrol"
	WarnSignal      = "USR1"
)

type Scheduler interface {
	Submit(ctx context.Context, req model.ScheduleRequest) (string, error)
	Requeue(ctx context.Context, jobID string) error
}

type Client struct {
	Sbatch    string
	Scontrol  string
	ExtraArgs []string
}

func New(sbatch, scontrol string, extraArgs []string) Client {
	if strings.TrimSpace(sbatch) == "" {
		sbatch = DefaultSbatch
	}
	if strings.TrimSpace(scontrol) == "" {
		scontrol = DefaultScontrol
	}
	return Client{Sbatch: sbatch, Scontrol: scontrol, ExtraArgs: append([]string(nil), extraArgs...)}
}

// SbatchArgs renders the sbatch options for req.
func (c Client) SbatchArgs(req model.ScheduleRequest) []string {
	args := []string{"--parsable", "--job-name=" + req.JobName}
	begin := strings.TrimSpace(req.Begin)
	if begin == "" {
		begin = model.BeginNow
	}
	args = append(args, "--begin="+begin)
	if req.Singleton {
		args = append(args, "--dependency=singleton")
	}
	if req.Requeue {
		args = append(args, "--requeue")
	}
	if req.WarnSecs > 0 {
		sig := strings.TrimSpace(req.WarnSignal)
		if sig == "" {
			sig = WarnSignal
		}
		// B: delivers to the batch shell only, which execs into the program.
		args = append(args, fmt.Sprintf("--signal=B:%s@%d", sig, req.WarnSecs))
	}
	if strings.TrimSpace(req.OutputPath) != "" {
		args = append(args, "--output="+req.OutputPath)
	}
	if strings.TrimSpace(req.Workdir) != "" {
		args = append(args, "--chdir="+req.Workdir)
	}
	return append(args, c.ExtraArgs...)
}

// BatchScript is the script fed to sbatch on stdin. The shell execs into the
// program so scheduler signals reach it directly.
func BatchScript(req model.ScheduleRequest) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("exec ")
	b.WriteString(model.ShellJoin(append([]string{req.Executable}, req.Argv...)))
	b.WriteString("\n")
	return b.String()
}

func (c Client) Submit(ctx context.Context, req model.ScheduleRequest) (string, error) {
	if strings.TrimSpace(req.JobName) == "" {
		return "", fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(req.Executable) == "" {
		return "", fmt.Errorf("executable is required")
	}
	args := c.SbatchArgs(req)
	cmd := exec.CommandContext(ctx, c.Sbatch, args...)
	cmd.Stdin = strings.NewReader(BatchScript(req))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", model.ShellJoin(append([]string{c.Sbatch}, args...)), err, strings.TrimSpace(stderr.String()))
	}
	return ParseJobID(stdout.String())
}

func (c Client) Requeue(ctx context.Context, jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("job id is required for requeue")
	}
	cmd := exec.CommandContext(ctx, c.Scontrol, "requeue", jobID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s requeue %s failed: %w: %s", c.Scontrol, jobID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ParseJobID reads `sbatch --parsable` output: "<jobid>" or "<jobid>;<cluster>".
func ParseJobID(out string) (string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	id, _, _ := strings.Cut(strings.TrimSpace(line), ";")
	id = strings.TrimSpace(id)
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", fmt.Errorf("unexpected sbatch output %q", strings.TrimSpace(out))
	}
	return id, nil
}
