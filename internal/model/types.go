package model

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

type ExecutionContext string

const (
	ContextInteractive ExecutionContext = "interactive"
	ContextScheduled   ExecutionContext = "scheduled"
)

// ErrorKind is the user-facing failure taxonomy.
type ErrorKind string

const (
	ErrConfiguration       ErrorKind = "configuration_error"
	ErrSourceUnavailable   ErrorKind = "source_unavailable"
	ErrRemoteTransient     ErrorKind = "remote_unreachable_transient"
	ErrRemotePermanent     ErrorKind = "remote_unreachable_permanent"
	ErrRemoteNotFound      ErrorKind = "remote_not_found"
	ErrTransferGeneric     ErrorKind = "transfer_generic_failure"
	ErrTransferInterrupted ErrorKind = "transfer_interrupted"
)

// JobInvocation is the logical sync task. It is rebuilt identically on every
// resubmission from the replayed argv.
type JobInvocation struct {
	SourcePath string
	Remote     string
	RemoteBase string
	User       string
	Context    ExecutionContext
	JobID      string
	ConfigPath string
}

// TargetPath is the remote-side path without the remote name: base/user/source.
func (inv JobInvocation) TargetPath() string {
	src := path.Clean("/" + filepath.ToSlash(strings.TrimSpace(inv.SourcePath)))
	return strings.TrimPrefix(path.Join("/", inv.RemoteBase, inv.User, src), "/")
}

// Target is the fully qualified rclone destination, remote:base/user/source.
func (inv JobInvocation) Target() string {
	return inv.Remote + ":" + inv.TargetPath()
}

// RemoteRoot is the remote name with an empty path.
func (inv JobInvocation) RemoteRoot() string {
	return inv.Remote + ":"
}

// RemoteBasePath is remote:base.
func (inv JobInvocation) RemoteBasePath() string {
	return inv.Remote + ":" + strings.TrimPrefix(path.Clean("/"+inv.RemoteBase), "/")
}

// Argv reproduces the invocation arguments verbatim, without the program name.
func (inv JobInvocation) Argv() []string {
	args := make([]string, 0, 3)
	if strings.TrimSpace(inv.ConfigPath) != "" {
		args = append(args, "--config", inv.ConfigPath)
	}
	return append(args, inv.SourcePath)
}

const (
	BeginNow      = "now"
	BeginTomorrow = "now+1day"
)

// BeginAfter renders a Slurm --begin value for a relative delay, rounded up to
// whole minutes.
func BeginAfter(d time.Duration) string {
	if d <= 0 {
		return BeginNow
	}
	minutes := int((d + time.Minute - 1) / time.Minute)
	return fmt.Sprintf("now+%dminutes", minutes)
}

// ScheduleRequest asks the scheduler for a future run of the same logical task.
type ScheduleRequest struct {
	JobName    string
	Begin      string
	Executable string
	Argv       []string
	Singleton  bool
	Requeue    bool
	WarnSignal string
	WarnSecs   int
	Workdir    string
	OutputPath string
}

var unsafeJobNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DeriveJobName maps a source path to the scheduler job name. Only the final
// path component is used, so distinct sources sharing a leaf name collide.
func DeriveJobName(prefix, source string) string {
	leaf := filepath.Base(filepath.Clean(strings.TrimSpace(source)))
	leaf = unsafeJobNameChars.ReplaceAllString(leaf, "_")
	leaf = strings.Trim(leaf, "_")
	if leaf == "" || leaf == "." {
		leaf = "root"
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return leaf
	}
	return prefix + "-" + leaf
}

// TaskRecord is the persisted per-job-name history.
type TaskRecord struct {
	JobName              string `json:"job_name"`
	SourcePath           string `json:"source_path"`
	Target               string `json:"target"`
	LastRunID            string `json:"last_run_id,omitempty"`
	LastState            string `json:"last_state"`
	LastReason           string `json:"last_reason,omitempty"`
	LastExitCode         *int   `json:"last_exit_code,omitempty"`
	LastCategory         string `json:"last_category,omitempty"`
	Attempts             int    `json:"attempts"`
	ConsecutiveTransient int    `json:"consecutive_transient"`
	TransientWarned      bool   `json:"transient_warned,omitempty"`
	LastSuccessAt        string `json:"last_success_at,omitempty"`
	NextBegin            string `json:"next_begin,omitempty"`
	NextJobID            string `json:"next_job_id,omitempty"`
	UpdatedAt            string `json:"updated_at"`
}
