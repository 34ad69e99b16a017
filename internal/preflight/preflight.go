// Package preflight checks that a sync task can run before any transfer or
// scheduler time is spent on it.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"syncjob/internal/model"
	"syncjob/internal/rclone"
)

type Outcome string

const (
	OutcomePass      Outcome = "pass"
	OutcomeFatal     Outcome = "fatal"
	OutcomeTransient Outcome = "transient"
)

const (
	StepTool       = "dependency:rclone"
	StepRemote     = "remote:config"
	StepSource     = "source:path"
	StepRemoteRoot = "remote:root"
	StepRemoteBase = "remote:base"
)

// Steps lists the checks in execution order with their display titles.
var Steps = []struct {
	Name  string
	Title string
}{
	{StepTool, "rclone available"},
	{StepRemote, "remote configured"},
	{StepSource, "source path accessible"},
	{StepRemoteRoot, "remote root reachable"},
	{StepRemoteBase, "remote base reachable"},
}

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Failure describes why preflight stopped. Summary is the headline used as
// the notification subject.
type Failure struct {
	Step     string          `json:"step"`
	Kind     model.ErrorKind `json:"kind"`
	Summary  string          `json:"summary"`
	Detail   string          `json:"detail"`
	Command  string          `json:"command,omitempty"`
	Output   string          `json:"output,omitempty"`
	Category rclone.Category `json:"category"`
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return f.Summary
	}
	return f.Summary + ": " + f.Detail
}

type Report struct {
	Checks   []Check         `json:"checks"`
	Outcome  Outcome         `json:"outcome"`
	Category rclone.Category `json:"category"`
	Failure  *Failure        `json:"failure,omitempty"`
}

func (r Report) OK() bool {
	return r.Outcome == OutcomePass
}

// Event is sent to the Observer when a step starts (Done false) and when it
// finishes (Done true, Check filled in).
type Event struct {
	Step  string
	Title string
	Done  bool
	Check Check
}

type Observer func(Event)

// Tool is the part of the transfer tool the checks need.
type Tool interface {
	CheckDependencies(ctx context.Context) (string, error)
	HasRemote(ctx context.Context, name string) (bool, error)
	List(ctx context.Context, remotePath string) (rclone.Result, error)
}

type Validator struct {
	Tool     Tool
	Observer Observer
}

// Validate runs the checks in order and stops at the first one that fails.
// It has no side effects; acting on the report is the caller's job.
func (v Validator) Validate(ctx context.Context, inv model.JobInvocation) Report {
	report := Report{Outcome: OutcomePass, Category: rclone.Success, Checks: make([]Check, 0, len(Steps))}
	for _, step := range Steps {
		v.observe(Event{Step: step.Name, Title: step.Title})
		check, failure := v.runStep(ctx, step.Name, inv)
		report.Checks = append(report.Checks, check)
		v.observe(Event{Step: step.Name, Title: step.Title, Done: true, Check: check})
		if failure == nil {
			continue
		}
		report.Failure = failure
		report.Category = failure.Category
		if failure.Category.Retryable() {
			report.Outcome = OutcomeTransient
		} else {
			report.Outcome = OutcomeFatal
		}
		return report
	}
	return report
}

func (v Validator) observe(e Event) {
	if v.Observer != nil {
		v.Observer(e)
	}
}

func (v Validator) runStep(ctx context.Context, step string, inv model.JobInvocation) (Check, *Failure) {
	switch step {
	case StepTool:
		return v.checkTool(ctx)
	case StepRemote:
		return v.checkRemote(ctx, inv)
	case StepSource:
		return checkSource(inv)
	case StepRemoteRoot:
		return v.checkListing(ctx, step, inv.RemoteRoot(), "remote root")
	case StepRemoteBase:
		return v.checkListing(ctx, step, inv.RemoteBasePath(), "remote base directory")
	default:
		return Check{Name: step}, &Failure{Step: step, Kind: model.ErrConfiguration, Summary: "unknown preflight step " + step}
	}
}

func (v Validator) checkTool(ctx context.Context) (Check, *Failure) {
	version, err := v.Tool.CheckDependencies(ctx)
	if err != nil {
		return failed(StepTool, err.Error()), &Failure{
			Step:     StepTool,
			Kind:     model.ErrConfiguration,
			Summary:  "configuration/module problem",
			Detail:   err.Error() + "; load the rclone module (e.g. `module load rclone`) or set rclone.bin",
			Category: rclone.GenericFailure,
		}
	}
	return Check{Name: StepTool, OK: true, Message: version}, nil
}

func (v Validator) checkRemote(ctx context.Context, inv model.JobInvocation) (Check, *Failure) {
	ok, err := v.Tool.HasRemote(ctx, inv.Remote)
	if err != nil {
		return failed(StepRemote, err.Error()), &Failure{
			Step:     StepRemote,
			Kind:     model.ErrConfiguration,
			Summary:  "configuration/module problem",
			Detail:   fmt.Sprintf("could not read the rclone configuration: %v", err),
			Category: rclone.GenericFailure,
		}
	}
	if !ok {
		msg := fmt.Sprintf("no rclone remote named %q", inv.Remote)
		return failed(StepRemote, msg), &Failure{
			Step:     StepRemote,
			Kind:     model.ErrConfiguration,
			Summary:  "missing remote configuration",
			Detail:   msg + "; create it with `rclone config` as " + inv.User,
			Category: rclone.GenericFailure,
		}
	}
	return Check{Name: StepRemote, OK: true, Message: "remote " + inv.Remote + " configured"}, nil
}

func checkSource(inv model.JobInvocation) (Check, *Failure) {
	src := strings.TrimSpace(inv.SourcePath)
	if _, err := os.Stat(src); err != nil {
		detail := fmt.Sprintf("cannot access %s: %v", src, unwrapPathError(err))
		return failed(StepSource, detail), &Failure{
			Step:     StepSource,
			Kind:     model.ErrSourceUnavailable,
			Summary:  "source path moved/renamed",
			Detail:   detail + "; resubmit with the new path if it was moved",
			Category: rclone.NotFound,
		}
	}
	return Check{Name: StepSource, OK: true, Message: src + " exists"}, nil
}

func (v Validator) checkListing(ctx context.Context, step, target, label string) (Check, *Failure) {
	res, err := v.Tool.List(ctx, target)
	if err != nil {
		return failed(step, err.Error()), &Failure{
			Step:     step,
			Kind:     model.ErrConfiguration,
			Summary:  "configuration/module problem",
			Detail:   err.Error(),
			Command:  res.CommandLine(),
			Category: rclone.GenericFailure,
		}
	}
	category := res.Category()
	if category == rclone.Success || category == rclone.Unclassified {
		msg := target + " reachable"
		if category == rclone.Unclassified {
			msg = fmt.Sprintf("%s listing exited with status %d, continuing", target, res.ExitCode)
		}
		return Check{Name: step, OK: true, Message: msg}, nil
	}

	msg := fmt.Sprintf("listing %s exited with status %d (%s)", target, res.ExitCode, category)
	return failed(step, msg), &Failure{
		Step:     step,
		Kind:     category.Kind(),
		Summary:  listingSummary(category, label),
		Detail:   category.Describe(),
		Command:  res.CommandLine(),
		Output:   res.Output,
		Category: category,
	}
}

func listingSummary(c rclone.Category, label string) string {
	switch c {
	case rclone.TransientRemote:
		return label + " temporarily unreachable"
	case rclone.NotFound:
		return label + " not found"
	case rclone.PermanentRemote:
		return label + " unreachable"
	default:
		return label + " listing failed"
	}
}

func failed(step, msg string) Check {
	return Check{Name: step, OK: false, Message: msg}
}

func unwrapPathError(err error) error {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err
	}
	return err
}
