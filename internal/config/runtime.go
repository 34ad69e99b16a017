package config

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"syncjob/internal/model"
)

// RuntimeContext collects everything taken from the process environment. It
// is built once at start and passed to every component.
type RuntimeContext struct {
	User       string
	TmpDir     string
	JobID      string
	RunID      string
	Context    model.ExecutionContext
	JobEndTime time.Time
	Executable string
	Workdir    string
	Hostname   string
}

// Getenv is the lookup used by NewRuntimeContext.
type Getenv func(string) string

func NewRuntimeContext(getenv Getenv) (RuntimeContext, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	rt := RuntimeContext{
		User:   strings.TrimSpace(getenv("USER")),
		TmpDir: strings.TrimSpace(getenv("TMPDIR")),
		JobID:  strings.TrimSpace(getenv("SLURM_JOB_ID")),
	}
	if rt.User == "" {
		u, err := user.Current()
		if err != nil {
			return RuntimeContext{}, fmt.Errorf("determine invoking user: %w", err)
		}
		rt.User = u.Username
	}
	if rt.TmpDir == "" {
		rt.TmpDir = os.TempDir()
	}

	if rt.JobID != "" {
		rt.Context = model.ContextScheduled
		rt.RunID = rt.JobID
		if raw := strings.TrimSpace(getenv("SLURM_JOB_END_TIME")); raw != "" {
			if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
				rt.JobEndTime = time.Unix(secs, 0)
			}
		}
	} else {
		rt.Context = model.ContextInteractive
		rt.RunID = uuid.NewString()
	}

	exe, err := os.Executable()
	if err != nil {
		return RuntimeContext{}, fmt.Errorf("resolve executable path: %w", err)
	}
	rt.Executable = exe
	if wd, err := os.Getwd(); err == nil {
		rt.Workdir = wd
	}
	if host, err := os.Hostname(); err == nil {
		rt.Hostname = host
	}
	return rt, nil
}

func (rt RuntimeContext) Scheduled() bool {
	return rt.Context == model.ContextScheduled
}

// TimeLeft reports the remaining wall-clock budget, and false when the
// scheduler did not tell us the end time.
func (rt RuntimeContext) TimeLeft(now time.Time) (time.Duration, bool) {
	if rt.JobEndTime.IsZero() {
		return 0, false
	}
	return rt.JobEndTime.Sub(now), true
}
