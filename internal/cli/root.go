package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// ErrReported means the failure was already shown to the user (console or
// mail) and only the exit status remains to be set.
var ErrReported = errors.New("failure already reported")

// UsageError is a bad command line. It is always reported on the console.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string {
	return e.Err.Error()
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

type rootOptions struct {
	configPath string
	check      bool
	status     bool
	jsonOut    bool
}

type app struct {
	stdout io.Writer
	stderr io.Writer
	tty    bool
}

// Run executes the command line. A nil error means exit status 0.
func Run(args []string) error {
	a := &app{
		stdout: os.Stdout,
		stderr: os.Stderr,
		tty:    isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
	}
	return a.run(context.Background(), args)
}

func (a *app) run(ctx context.Context, args []string) error {
	if args == nil {
		args = []string{}
	}
	cmd := a.newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		fmt.Fprintln(a.stderr, "error:", usageErr.Err)
		fmt.Fprint(a.stderr, cmd.UsageString())
		return ErrReported
	}
	return err
}

func (a *app) newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "syncjob [--config FILE] <source>",
		Short: "Keep a directory mirrored to an rclone remote with self-resubmitting Slurm jobs",
		Long: `syncjob mirrors one local directory to <remote>:<remote_base>/<user>/<source>
with rclone sync, running inside Slurm batch jobs that resubmit themselves.

Run it from a login node: it checks the setup, submits a batch job and exits.
The batch job runs the transfer and then schedules the next run:

  success            notify, run again in one day
  rate limited etc.  run again after retry_delay, no notification
  fatal error        notify with the rclone command and output, stop
  preemption warning requeue the same job id

Configuration is read from --config, $XDG_CONFIG_HOME/syncjob/config.yaml or
./syncjob.yaml, and SYNCJOB_* environment variables (e.g. SYNCJOB_REMOTE,
SYNCJOB_REMOTE_BASE).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return &UsageError{Err: fmt.Errorf("exactly one source path is required: %w", err)}
			}
			if strings.TrimSpace(args[0]) == "" {
				return &UsageError{Err: errors.New("source path must not be empty")}
			}
			if opts.jsonOut && !opts.check && !opts.status {
				return &UsageError{Err: errors.New("--json requires --check or --status")}
			}
			if opts.check && opts.status {
				return &UsageError{Err: errors.New("--check and --status are mutually exclusive")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.execute(cmd.Context(), opts, args[0])
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/syncjob/config.yaml)")
	flags.BoolVar(&opts.check, "check", false, "run the preflight checks only; nothing is submitted")
	flags.BoolVar(&opts.status, "status", false, "show the recorded state of the task for <source>")
	flags.BoolVar(&opts.jsonOut, "json", false, "machine-readable output for --check and --status")
	return cmd
}
