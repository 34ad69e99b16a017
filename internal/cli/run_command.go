package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"syncjob/internal/attempt"
	"syncjob/internal/config"
	"syncjob/internal/model"
	"syncjob/internal/notify"
	"syncjob/internal/orchestrator"
	"syncjob/internal/preflight"
	"syncjob/internal/rclone"
	"syncjob/internal/runstore"
	"syncjob/internal/slurm"
)

func (a *app) execute(ctx context.Context, opts *rootOptions, source string) error {
	rt, err := config.NewRuntimeContext(nil)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return a.reportConfigError(ctx, rt, err)
	}
	logger := newLogger(a.stderr, cfg.LogLevel)

	inv := model.JobInvocation{
		SourcePath: source,
		Remote:     cfg.Remote,
		RemoteBase: cfg.RemoteBase,
		User:       rt.User,
		Context:    rt.Context,
		JobID:      rt.JobID,
		ConfigPath: opts.configPath,
	}

	if opts.status {
		return a.runStatus(cfg, inv, opts.jsonOut)
	}

	client := rclone.New(cfg.Rclone.Bin, cfg.Rclone.Flags)
	validator := preflight.Validator{Tool: client}
	if opts.check {
		return a.runCheck(ctx, validator, inv, opts.jsonOut)
	}

	orch := &orchestrator.Orchestrator{
		Config:    cfg,
		Runtime:   rt,
		Rclone:    client,
		Preflight: validator,
		Scheduler: slurm.New(cfg.Slurm.Sbatch, cfg.Slurm.Scontrol, cfg.Slurm.ExtraArgs),
		Supervisor: attempt.NewSupervisor(
			attempt.WithGrace(cfg.KillGrace),
			attempt.WithLogger(logger),
		),
		Logger: logger,
		Out:    a.stdout,
	}

	var res orchestrator.RunResult
	if a.tty && !rt.Scheduled() {
		// Output is held back while the progress view owns the terminal.
		var held bytes.Buffer
		orch.Out = &held
		orch.Notifier = a.notifier(cfg, rt, &held)
		res, err = withProgress(ctx, a.stdout, func(ctx context.Context, observe preflight.Observer) (orchestrator.RunResult, error) {
			orch.Preflight.Observer = observe
			return orch.Execute(ctx, inv)
		})
		_, _ = a.stdout.Write(held.Bytes())
	} else {
		orch.Notifier = a.notifier(cfg, rt, a.stdout)
		orch.Preflight.Observer = plainObserver(a.stdout)
		res, err = orch.Execute(ctx, inv)
	}
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return ErrReported
	}
	return nil
}

func (a *app) notifier(cfg *config.Config, rt config.RuntimeContext, console io.Writer) notify.Gateway {
	mail := notify.MailGateway{
		Bin:       cfg.Mail.Bin,
		Recipient: rt.User,
		RunID:     rt.RunID,
		TmpDir:    rt.TmpDir,
	}
	return notify.ForContext(rt.Context, mail, notify.ConsoleGateway{Out: console})
}

// reportConfigError sends a configuration failure through the loudest
// channel available: mail inside a batch job, the console otherwise.
func (a *app) reportConfigError(ctx context.Context, rt config.RuntimeContext, err error) error {
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		return err
	}
	msg := notify.Message{
		Subject: "[syncjob] configuration problem",
		Body: fmt.Sprintf("%v\n\nConfig files tried: %s\nNo further runs are scheduled. Fix the configuration and run syncjob again.\n",
			err, strings.Join(config.DefaultConfigFiles(), ", ")),
	}
	mail := notify.MailGateway{Bin: notify.DefaultMailBinary, Recipient: rt.User, RunID: rt.RunID, TmpDir: rt.TmpDir}
	gw := notify.ForContext(rt.Context, mail, notify.ConsoleGateway{Out: a.stderr})
	if sendErr := gw.Send(ctx, msg); sendErr != nil {
		return fmt.Errorf("%w (notification failed: %v)", err, sendErr)
	}
	return ErrReported
}

func (a *app) runCheck(ctx context.Context, validator preflight.Validator, inv model.JobInvocation, jsonOut bool) error {
	var report preflight.Report
	switch {
	case jsonOut:
		report = validator.Validate(ctx, inv)
		if err := printJSON(a.stdout, report); err != nil {
			return err
		}
	case a.tty:
		res, err := withProgress(ctx, a.stdout, func(ctx context.Context, observe preflight.Observer) (preflight.Report, error) {
			validator.Observer = observe
			return validator.Validate(ctx, inv), nil
		})
		if err != nil {
			return err
		}
		report = res
		printReportSummary(a.stdout, report)
	default:
		validator.Observer = plainObserver(a.stdout)
		report = validator.Validate(ctx, inv)
		printReportSummary(a.stdout, report)
	}
	if !report.OK() {
		return ErrReported
	}
	return nil
}

func printReportSummary(w io.Writer, report preflight.Report) {
	switch report.Outcome {
	case preflight.OutcomePass:
		fmt.Fprintln(w, okStyle.Render("preflight passed"))
	case preflight.OutcomeTransient:
		fmt.Fprintln(w, warnStyle.Render("remote temporarily unavailable: "+report.Failure.Error()))
	default:
		fmt.Fprintln(w, errorStyle.Render("preflight failed: "+report.Failure.Error()))
		if report.Failure.Command != "" {
			fmt.Fprintln(w, mutedStyle.Render("command: "+report.Failure.Command))
		}
	}
}

func (a *app) runStatus(cfg *config.Config, inv model.JobInvocation, jsonOut bool) error {
	jobName := model.DeriveJobName(cfg.JobPrefix, inv.SourcePath)
	rec, err := runstore.LoadTaskRecord(cfg.StateDir, jobName)
	if err != nil {
		return err
	}
	if rec.JobName == "" {
		rec.JobName = jobName
	}
	if jsonOut {
		return printJSON(a.stdout, rec)
	}

	w := a.stdout
	fmt.Fprintln(w, titleStyle.Render(rec.JobName))
	if rec.LastState == "" {
		fmt.Fprintf(w, "no runs recorded (target %s)\n", inv.Target())
		return nil
	}
	fmt.Fprintf(w, "target:       %s\n", rec.Target)
	fmt.Fprintf(w, "last state:   %s", rec.LastState)
	if rec.LastReason != "" {
		fmt.Fprintf(w, " (%s)", rec.LastReason)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "last run:     %s at %s\n", valueOr(rec.LastRunID, "-"), valueOr(rec.UpdatedAt, "-"))
	if rec.LastExitCode != nil {
		fmt.Fprintf(w, "last exit:    %d (%s)\n", *rec.LastExitCode, rec.LastCategory)
	}
	fmt.Fprintf(w, "attempts:     %d\n", rec.Attempts)
	fmt.Fprintf(w, "last success: %s\n", valueOr(rec.LastSuccessAt, "never"))
	if rec.ConsecutiveTransient > 0 {
		fmt.Fprintf(w, "retrying:     %d consecutive transient failures\n", rec.ConsecutiveTransient)
	}
	if rec.NextJobID != "" {
		fmt.Fprintf(w, "next run:     job %s, begin %s\n", rec.NextJobID, rec.NextBegin)
	}
	return nil
}

func plainObserver(w io.Writer) preflight.Observer {
	return func(e preflight.Event) {
		if !e.Done {
			return
		}
		mark := "ok"
		if !e.Check.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", mark, e.Title, e.Check.Message)
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
