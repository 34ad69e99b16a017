// Package orchestrator drives one invocation of a sync task from argument
// parsing to its terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"syncjob/internal/attempt"
	"syncjob/internal/config"
	"syncjob/internal/model"
	"syncjob/internal/notify"
	"syncjob/internal/preflight"
	"syncjob/internal/rclone"
	"syncjob/internal/runstore"
	"syncjob/internal/slurm"
)

type Orchestrator struct {
	Config     *config.Config
	Runtime    config.RuntimeContext
	Rclone     rclone.Client
	Preflight  preflight.Validator
	Scheduler  slurm.Scheduler
	Notifier   notify.Gateway
	Supervisor *attempt.Supervisor
	Logger     *slog.Logger
	// Out receives user-facing progress lines and the live transfer output.
	Out io.Writer
	Now func() time.Time
}

type RunResult struct {
	JobName  string
	State    string
	Reason   string
	ExitCode int
	// NextJobID is the scheduler id of the run this invocation submitted, if any.
	NextJobID string
	Report    preflight.Report
	History   []string
}

type session struct {
	o      *Orchestrator
	inv    model.JobInvocation
	run    *model.Run
	log    *slog.Logger
	result RunResult
}

// Execute runs the state machine for inv. The returned error is only set for
// failures the user could not be told about through the notifier.
func (o *Orchestrator) Execute(ctx context.Context, inv model.JobInvocation) (RunResult, error) {
	if o.Config == nil {
		return RunResult{ExitCode: 1}, errors.New("orchestrator requires a config")
	}
	jobName := model.DeriveJobName(o.Config.JobPrefix, inv.SourcePath)
	s := &session{
		o:   o,
		inv: inv,
		run: model.NewRun(jobName),
		log: o.logger().With("job", jobName, "run_id", o.Runtime.RunID, "context", string(inv.Context), "host", o.Runtime.Hostname),
	}
	if o.Config.File != "" {
		s.log = s.log.With("config_file", o.Config.File)
	}
	s.result.JobName = jobName

	if err := s.transition(model.StatePreflight, ""); err != nil {
		return s.finish(1), err
	}

	pctx := ctx
	if inv.Context == model.ContextScheduled {
		stop := o.supervisor().Install(ctx)
		defer stop()
		var cancel context.CancelFunc
		pctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-o.supervisor().Aborted():
				cancel()
			case <-pctx.Done():
			}
		}()
	}

	report := o.Preflight.Validate(pctx, inv)
	s.result.Report = report
	if inv.Context == model.ContextScheduled && o.supervisor().Signal() != nil {
		return s.onSignal(ctx, nil)
	}
	if ctx.Err() != nil {
		s.log.Info("cancelled during preflight")
		return s.terminal(model.StateInterrupted, "cancelled during preflight", 1)
	}

	switch report.Outcome {
	case preflight.OutcomeFatal:
		return s.onPreflightFailure(ctx, report.Failure)
	case preflight.OutcomeTransient:
		return s.onTransient(ctx, report.Failure.Summary, nil)
	}

	if inv.Context == model.ContextInteractive {
		return s.submitInteractive(ctx)
	}
	return s.runTransfer(ctx)
}

func (s *session) submitInteractive(ctx context.Context) (RunResult, error) {
	jobID, err := s.submit(ctx, model.BeginNow)
	if err != nil {
		return s.onSubmitFailure(ctx, err)
	}
	s.printf("Submitted %s as job %s (target %s)\n", s.run.JobName, jobID, s.inv.Target())
	if err := s.transition(model.StateSubmitted, "job "+jobID); err != nil {
		return s.finish(1), err
	}
	s.record(func(rec *model.TaskRecord) {
		rec.NextBegin = model.BeginNow
		rec.NextJobID = jobID
	})
	return s.finish(0), nil
}

func (s *session) runTransfer(ctx context.Context) (RunResult, error) {
	o := s.o
	if err := s.transition(model.StateRunning, ""); err != nil {
		return s.finish(1), err
	}
	s.record(func(rec *model.TaskRecord) {
		rec.Attempts++
	})

	runner := attempt.Runner{Supervisor: o.supervisor(), Echo: o.Out}
	argv := o.Rclone.SyncCommand(s.inv.SourcePath, s.inv.Target())
	s.log.Info("transfer starting", "command", model.ShellJoin(argv))
	out, err := runner.Run(ctx, argv)
	if errors.Is(err, attempt.ErrAborted) || out.Aborted {
		return s.onSignal(ctx, &out)
	}
	if err != nil {
		s.log.Error("transfer could not start", "err", err)
		failure := &preflight.Failure{
			Kind:     model.ErrConfiguration,
			Summary:  "configuration/module problem",
			Detail:   err.Error(),
			Command:  out.CommandLine(),
			Category: rclone.GenericFailure,
		}
		s.notify(ctx, failureMessage(s.run.JobName, s.inv, failure))
		s.record(resetTransient)
		return s.terminal(model.StateTransferFailed, failure.Summary, 1)
	}

	category := rclone.Classify(out.ExitCode)
	s.log.Info("transfer finished", "exit_code", out.ExitCode, "category", category.String(), "elapsed", out.Elapsed.Round(time.Second).String())
	s.record(func(rec *model.TaskRecord) {
		code := out.ExitCode
		rec.LastExitCode = &code
		rec.LastCategory = category.String()
	})

	switch {
	case category == rclone.Success:
		return s.onSuccess(ctx, out)
	case category.Retryable():
		return s.onTransient(ctx, category.Describe(), &out)
	case category.Fatal():
		return s.onTransferFailure(ctx, out, category)
	default:
		if s.timeRemains() {
			s.log.Warn("unclassified exit status, retrying", "exit_code", out.ExitCode)
			return s.onTransient(ctx, fmt.Sprintf("rclone exited with unclassified status %d", out.ExitCode), &out)
		}
		return s.onTransferFailure(ctx, out, rclone.GenericFailure)
	}
}

func (s *session) onSuccess(ctx context.Context, out attempt.Outcome) (RunResult, error) {
	s.notify(ctx, completedMessage(s.run.JobName, s.inv, out))
	now := s.o.now()
	s.record(func(rec *model.TaskRecord) {
		resetTransient(rec)
		rec.LastSuccessAt = now.UTC().Format(time.RFC3339)
	})
	jobID, err := s.submit(ctx, model.BeginTomorrow)
	if err != nil {
		return s.onSubmitFailure(ctx, err)
	}
	s.record(func(rec *model.TaskRecord) {
		rec.NextBegin = model.BeginTomorrow
		rec.NextJobID = jobID
	})
	return s.terminal(model.StateCompleted, "next run "+jobID, 0)
}

// onTransient resubmits after the short retry delay. It never notifies,
// except once when consecutive retries pass the warning threshold.
func (s *session) onTransient(ctx context.Context, reason string, out *attempt.Outcome) (RunResult, error) {
	o := s.o
	begin := model.BeginAfter(o.Config.RetryDelay)
	jobID, err := s.submit(ctx, begin)
	if err != nil {
		return s.onSubmitFailure(ctx, err)
	}

	rec := s.record(func(rec *model.TaskRecord) {
		rec.ConsecutiveTransient++
		rec.NextBegin = begin
		rec.NextJobID = jobID
	})
	if warnAfter := o.Config.TransientWarnAfter; warnAfter > 0 && rec.ConsecutiveTransient >= warnAfter && !rec.TransientWarned {
		s.notify(ctx, transientWarningMessage(s.run.JobName, s.inv, rec.ConsecutiveTransient, reason, out))
		s.record(func(rec *model.TaskRecord) {
			rec.TransientWarned = true
		})
	}

	if s.inv.Context == model.ContextInteractive {
		s.printf("The remote is temporarily unavailable (%s).\nSubmitted %s as job %s to start in %s; please wait.\n",
			reason, s.run.JobName, jobID, o.Config.RetryDelay)
	}
	s.log.Info("rescheduled after transient failure", "reason", reason, "begin", begin, "next_job_id", jobID)
	return s.terminal(model.StateRescheduled, reason, 0)
}

func (s *session) onTransferFailure(ctx context.Context, out attempt.Outcome, category rclone.Category) (RunResult, error) {
	s.notify(ctx, transferFailureMessage(s.run.JobName, s.inv, out, category))
	s.record(resetTransient)
	return s.terminal(model.StateTransferFailed, category.String(), 1)
}

func (s *session) onPreflightFailure(ctx context.Context, failure *preflight.Failure) (RunResult, error) {
	s.log.Error("preflight failed", "step", failure.Step, "kind", string(failure.Kind), "err", failure.Error())
	s.notify(ctx, failureMessage(s.run.JobName, s.inv, failure))
	s.record(resetTransient)
	return s.terminal(model.StatePreflightFailed, failure.Summary, 1)
}

// onSignal settles a run cut short by the supervisor. out is nil when the
// signal arrived before the transfer started.
func (s *session) onSignal(ctx context.Context, out *attempt.Outcome) (RunResult, error) {
	sup := s.o.supervisor()
	trigger := sup.Trigger()
	s.log.Warn("run aborted by signal", "trigger", trigger.String())
	s.record(func(rec *model.TaskRecord) {
		rec.LastExitCode = nil
		rec.LastCategory = string(model.ErrTransferInterrupted)
	})
	switch trigger {
	case attempt.TriggerPreempt:
		jobID := s.inv.JobID
		if err := s.o.Scheduler.Requeue(ctx, jobID); err != nil {
			s.log.Error("requeue failed", "err", err)
			s.notify(ctx, requeueFailureMessage(s.run.JobName, s.inv, jobID, err))
			return s.terminal(model.StatePreempted, "requeue failed: "+err.Error(), 1)
		}
		s.record(func(rec *model.TaskRecord) {
			rec.NextJobID = jobID
		})
		return s.terminal(model.StatePreempted, "requeued job "+jobID, 0)
	case attempt.TriggerTimeout:
		if s.inv.Context == model.ContextScheduled {
			s.notify(ctx, timedOutMessage(s.run.JobName, s.inv, out))
		}
		return s.terminal(model.StateTimedOut, "terminated by the scheduler", 1)
	default:
		return s.terminal(model.StateInterrupted, "interrupted by operator", 1)
	}
}

// onSubmitFailure ends a run whose follow-up could not be submitted. The
// logical task stops here, so the user is always told.
func (s *session) onSubmitFailure(ctx context.Context, err error) (RunResult, error) {
	s.log.Error("submission failed", "err", err)
	to := model.StateTransferFailed
	if s.run.State == model.StatePreflight {
		to = model.StatePreflightFailed
	}
	res, terr := s.terminal(to, "submission failed: "+err.Error(), 1)
	if nerr := s.o.Notifier.Send(ctx, submitFailureMessage(s.run.JobName, s.inv, err)); nerr != nil {
		s.log.Error("notification failed", "err", nerr)
		return res, fmt.Errorf("submit %s: %w", s.run.JobName, err)
	}
	return res, terr
}

func (s *session) submit(ctx context.Context, begin string) (string, error) {
	req := s.o.scheduleRequest(s.inv, s.run.JobName, begin)
	jobID, err := s.o.Scheduler.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	s.result.NextJobID = jobID
	s.log.Info("submitted", "begin", begin, "next_job_id", jobID)
	return jobID, nil
}

func (o *Orchestrator) scheduleRequest(inv model.JobInvocation, jobName, begin string) model.ScheduleRequest {
	req := model.ScheduleRequest{
		JobName:    jobName,
		Begin:      begin,
		Executable: o.Runtime.Executable,
		Argv:       inv.Argv(),
		Singleton:  true,
		Requeue:    true,
		WarnSignal: slurm.WarnSignal,
		WarnSecs:   o.Config.Slurm.WarnSeconds,
		Workdir:    o.Runtime.Workdir,
	}
	if dir := strings.TrimSpace(o.Config.Slurm.OutputDir); dir != "" {
		req.OutputPath = filepath.Join(dir, jobName+"-%j.out")
	}
	return req
}

func (s *session) timeRemains() bool {
	if s.o.supervisor().Signal() != nil {
		return false
	}
	left, known := s.o.Runtime.TimeLeft(s.o.now())
	return !known || left > s.o.Config.MinTimeLeft
}

func (s *session) notify(ctx context.Context, msg notify.Message) {
	if err := s.o.Notifier.Send(ctx, msg); err != nil {
		s.log.Error("notification failed", "subject", msg.Subject, "err", err)
	}
}

func (s *session) transition(to, reason string) error {
	if err := s.run.Transition(to, reason); err != nil {
		return err
	}
	s.log.Debug("state", "state", to, "reason", reason)
	return nil
}

func (s *session) terminal(to, reason string, code int) (RunResult, error) {
	if err := s.transition(to, reason); err != nil {
		return s.finish(1), err
	}
	s.log.Info("run finished", "state", to, "reason", reason, "exit_code", code)
	s.record(func(*model.TaskRecord) {})
	return s.finish(code), nil
}

func (s *session) finish(code int) RunResult {
	s.result.State = s.run.State
	s.result.Reason = s.run.Reason
	s.result.ExitCode = code
	s.result.History = append([]string(nil), s.run.History...)
	return s.result
}

// record applies fn to the persisted task record along with the current
// state. Store failures are logged and never change the run's outcome.
func (s *session) record(fn func(*model.TaskRecord)) model.TaskRecord {
	stateDir := strings.TrimSpace(s.o.Config.StateDir)
	if stateDir == "" {
		var rec model.TaskRecord
		fn(&rec)
		return rec
	}
	rec, err := runstore.UpdateTaskRecord(stateDir, s.run.JobName, func(rec *model.TaskRecord) {
		rec.SourcePath = s.inv.SourcePath
		rec.Target = s.inv.Target()
		rec.LastRunID = s.o.Runtime.RunID
		rec.LastState = s.run.State
		rec.LastReason = s.run.Reason
		fn(rec)
	})
	if err != nil {
		s.log.Warn("task record not updated", "err", err)
	}
	return rec
}

func resetTransient(rec *model.TaskRecord) {
	rec.ConsecutiveTransient = 0
	rec.TransientWarned = false
}

func (s *session) printf(format string, args ...any) {
	if s.o.Out != nil {
		fmt.Fprintf(s.o.Out, format, args...)
	}
}

func (o *Orchestrator) supervisor() *attempt.Supervisor {
	if o.Supervisor == nil {
		o.Supervisor = attempt.NewSupervisor(attempt.WithLogger(o.logger()))
	}
	return o.Supervisor
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return o.Logger
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}
