package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncjob/internal/attempt"
	"syncjob/internal/config"
	"syncjob/internal/model"
	"syncjob/internal/notify"
	"syncjob/internal/preflight"
	"syncjob/internal/rclone"
	"syncjob/internal/runstore"
	"syncjob/internal/slurm"
	"syncjob/internal/testutil"
)

type fakeScheduler struct {
	mu       sync.Mutex
	nextID   int
	submits  []model.ScheduleRequest
	requeues []string
	err      error
}

func (f *fakeScheduler) Submit(_ context.Context, req model.ScheduleRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.nextID++
	f.submits = append(f.submits, req)
	return strconv.Itoa(1000 + f.nextID), nil
}

func (f *fakeScheduler) Requeue(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeues = append(f.requeues, jobID)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (f *fakeNotifier) Send(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

type harness struct {
	orch      *Orchestrator
	sched     *fakeScheduler
	notifier  *fakeNotifier
	fakes     *testutil.Fakes
	signals   chan os.Signal
	inv       model.JobInvocation
	out       *bytes.Buffer
	stateDir  string
	sourceDir string
}

func newHarness(t *testing.T, execCtx model.ExecutionContext) *harness {
	t.Helper()
	fakes := testutil.Install(t)
	tmp := t.TempDir()
	source := filepath.Join(tmp, "data")
	require.NoError(t, os.MkdirAll(source, 0o755))

	cfg := &config.Config{
		Remote:             "gdrive",
		RemoteBase:         "backups",
		JobPrefix:          "sync",
		RetryDelay:         15 * time.Minute,
		TransientWarnAfter: 24,
		MinTimeLeft:        10 * time.Minute,
		KillGrace:          2 * time.Second,
		StateDir:           filepath.Join(tmp, "state"),
		Slurm:              config.SlurmConfig{WarnSeconds: 300},
	}
	rt := config.RuntimeContext{
		User:       "alice",
		TmpDir:     tmp,
		Context:    execCtx,
		RunID:      "interactive-run",
		Executable: "/opt/bin/syncjob",
		Workdir:    tmp,
	}
	if execCtx == model.ContextScheduled {
		rt.JobID = "777"
		rt.RunID = "777"
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	signals := make(chan os.Signal, 1)
	client := rclone.New("rclone", nil)
	h := &harness{
		sched:     &fakeScheduler{},
		notifier:  &fakeNotifier{},
		fakes:     fakes,
		signals:   signals,
		out:       &bytes.Buffer{},
		stateDir:  cfg.StateDir,
		sourceDir: source,
		inv: model.JobInvocation{
			SourcePath: source,
			Remote:     cfg.Remote,
			RemoteBase: cfg.RemoteBase,
			User:       rt.User,
			Context:    execCtx,
			JobID:      rt.JobID,
		},
	}
	h.orch = &Orchestrator{
		Config:     cfg,
		Runtime:    rt,
		Rclone:     client,
		Preflight:  preflight.Validator{Tool: client},
		Scheduler:  h.sched,
		Notifier:   h.notifier,
		Supervisor: attempt.NewSupervisor(attempt.WithSignals(signals), attempt.WithGrace(2*time.Second), attempt.WithLogger(logger)),
		Logger:     logger,
		Out:        h.out,
	}
	return h
}

func (h *harness) execute(t *testing.T) RunResult {
	t.Helper()
	res, err := h.orch.Execute(context.Background(), h.inv)
	require.NoError(t, err)
	return res
}

func (h *harness) syncCalls(t *testing.T) int {
	n := 0
	for _, c := range h.fakes.Calls(t, "rclone") {
		if strings.HasPrefix(c, "sync ") {
			n++
		}
	}
	return n
}

func (h *harness) record(t *testing.T) model.TaskRecord {
	t.Helper()
	rec, err := runstore.LoadTaskRecord(h.stateDir, "sync-data")
	require.NoError(t, err)
	return rec
}

func TestPreflightTransientScheduledResubmitsSilently(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)
	t.Setenv("FAKE_LSF_ROOT_EXIT", "5")

	res := h.execute(t)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, model.StateRescheduled, res.State)
	assert.Empty(t, h.notifier.msgs)
	require.Len(t, h.sched.submits, 1)
	assert.Equal(t, "now+15minutes", h.sched.submits[0].Begin)
	assert.Zero(t, h.syncCalls(t))
}

func TestPreflightTransientInteractiveTellsUserToWait(t *testing.T) {
	h := newHarness(t, model.ContextInteractive)
	t.Setenv("FAKE_LSF_BASE_EXIT", "8")

	res := h.execute(t)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, h.notifier.msgs)
	require.Len(t, h.sched.submits, 1)
	assert.Equal(t, "now+15minutes", h.sched.submits[0].Begin)
	assert.Contains(t, h.out.String(), "please wait")
}

func TestSourceMissingNotifiesOnceWithoutScheduling(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)
	h.inv.SourcePath = filepath.Join(h.sourceDir, "nonexistent") + "/"

	res, err := h.orch.Execute(context.Background(), h.inv)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, model.StatePreflightFailed, res.State)
	require.Len(t, h.notifier.msgs, 1)
	assert.Contains(t, h.notifier.msgs[0].Subject, "source path moved/renamed")
	assert.Empty(t, h.sched.submits)
	assert.Empty(t, h.sched.requeues)
	assert.Zero(t, h.syncCalls(t))
}

func TestInteractiveSubmitsScheduledCopy(t *testing.T) {
	h := newHarness(t, model.ContextInteractive)

	res := h.execute(t)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, model.StateSubmitted, res.State)
	assert.Equal(t, "1001", res.NextJobID)
	require.Len(t, h.sched.submits, 1)
	req := h.sched.submits[0]
	assert.Equal(t, model.BeginNow, req.Begin)
	assert.Equal(t, "sync-data", req.JobName)
	assert.Equal(t, []string{h.sourceDir}, req.Argv)
	assert.True(t, req.Singleton)
	assert.Equal(t, 300, req.WarnSecs)
	assert.Zero(t, h.syncCalls(t), "interactive runs never transfer")
	assert.Contains(t, h.out.String(), "Submitted sync-data as job 1001")
}

func TestSuccessNotifiesAndSchedulesTomorrow(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)
	t.Setenv("FAKE_SYNC_OUTPUT", "Transferred: 3 / 3, 100%")

	res := h.execute(t)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, model.StateCompleted, res.State)
	require.Len(t, h.notifier.msgs, 1)
	msg := h.notifier.msgs[0]
	assert.Contains(t, msg.Subject, "completed")
	assert.Contains(t, string(msg.Attachment), "Transferred: 3 / 3, 100%")
	require.Len(t, h.sched.submits, 1)
	assert.Equal(t, model.BeginTomorrow, h.sched.submits[0].Begin)
	assert.Equal(t, h.inv.Argv(), h.sched.submits[0].Argv)
	assert.Equal(t, 1, h.syncCalls(t))

	rec := h.record(t)
	assert.Equal(t, model.StateCompleted, rec.LastState)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotEmpty(t, rec.LastSuccessAt)
	assert.Equal(t, model.BeginTomorrow, rec.NextBegin)
	assert.Equal(t, "1001", rec.NextJobID)
}

func TestTransientTransferResubmitsWithoutNotification(t *testing.T) {
	for _, code := range rclone.CodesFor(rclone.TransientRemote) {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			h := newHarness(t, model.ContextScheduled)
			t.Setenv("FAKE_SYNC_EXIT", strconv.Itoa(code))

			res := h.execute(t)
			assert.Equal(t, 0, res.ExitCode)
			assert.Equal(t, model.StateRescheduled, res.State)
			assert.Empty(t, h.notifier.msgs)
			require.Len(t, h.sched.submits, 1)
			assert.Equal(t, "now+15minutes", h.sched.submits[0].Begin)
			assert.Equal(t, 1, h.record(t).ConsecutiveTransient)
		})
	}
}

func TestFatalTransferNotifiesOnceWithCommandAndOutput(t *testing.T) {
	codes := append(rclone.CodesFor(rclone.GenericFailure), rclone.CodesFor(rclone.NotFound)...)
	codes = append(codes, rclone.CodesFor(rclone.PermanentRemote)...)
	for _, code := range codes {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			h := newHarness(t, model.ContextScheduled)
			t.Setenv("FAKE_SYNC_EXIT", strconv.Itoa(code))
			t.Setenv("FAKE_SYNC_OUTPUT", "ERROR : quota exceeded for 'alice'")

			res := h.execute(t)
			assert.Equal(t, 1, res.ExitCode)
			assert.Equal(t, model.StateTransferFailed, res.State)
			assert.Empty(t, h.sched.submits)
			require.Len(t, h.notifier.msgs, 1)

			body := h.notifier.msgs[0].Body
			wantCommand := model.ShellJoin([]string{"rclone", "sync", h.sourceDir, h.inv.Target()})
			assert.Contains(t, body, wantCommand)
			assert.Contains(t, body, "ERROR : quota exceeded for 'alice'")
			assert.Contains(t, body, "sync "+h.sourceDir+" -> "+h.inv.Target())
		})
	}
}

func TestUnclassifiedWithTimeRemainingRetries(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)
	t.Setenv("FAKE_SYNC_EXIT", "9")

	res := h.execute(t)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, model.StateRescheduled, res.State)
	assert.Empty(t, h.notifier.msgs)
	require.Len(t, h.sched.submits, 1)
}

func TestUnclassifiedNearWallClockLimitFails(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)
	t.Setenv("FAKE_SYNC_EXIT", "9")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.orch.Now = func() time.Time { return now }
	h.orch.Runtime.JobEndTime = now.Add(5 * time.Minute)

	res := h.execute(t)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, model.StateTransferFailed, res.State)
	assert.Empty(t, h.sched.submits)
	require.Len(t, h.notifier.msgs, 1)
	assert.Contains(t, h.notifier.msgs[0].Subject, string(model.ErrTransferGeneric))
}

func TestTransientWarningSentOnceAtThreshold(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)
	h.orch.Config.TransientWarnAfter = 2
	t.Setenv("FAKE_SYNC_EXIT", "5")

	h.execute(t)
	assert.Empty(t, h.notifier.msgs)
	h.execute(t)
	require.Len(t, h.notifier.msgs, 1)
	assert.Contains(t, h.notifier.msgs[0].Subject, "still retrying after 2 transient failures")
	h.execute(t)
	assert.Len(t, h.notifier.msgs, 1)
	assert.Len(t, h.sched.submits, 3)

	rec := h.record(t)
	assert.Equal(t, 3, rec.ConsecutiveTransient)
	assert.True(t, rec.TransientWarned)

	t.Setenv("FAKE_SYNC_EXIT", "0")
	h.execute(t)
	rec = h.record(t)
	assert.Zero(t, rec.ConsecutiveTransient)
	assert.False(t, rec.TransientWarned)
}

func waitForSync(t *testing.T, h *harness) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.syncCalls(t) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("transfer never started")
}

func runUntilSignal(t *testing.T, h *harness, sig os.Signal) RunResult {
	t.Helper()
	t.Setenv("FAKE_SYNC_SLEEP", "30")
	done := make(chan RunResult, 1)
	go func() {
		res, _ := h.orch.Execute(context.Background(), h.inv)
		done <- res
	}()
	waitForSync(t, h)
	h.signals <- sig
	select {
	case res := <-done:
		return res
	case <-time.After(15 * time.Second):
		t.Fatalf("run did not stop after %v", sig)
		return RunResult{}
	}
}

func TestPreemptionRequeuesSameJob(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)

	res := runUntilSignal(t, h, syscall.SIGUSR1)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, model.StatePreempted, res.State)
	assert.Equal(t, []string{"777"}, h.sched.requeues)
	assert.Empty(t, h.sched.submits)
	assert.Empty(t, h.notifier.msgs)
	assert.Equal(t, 1, h.syncCalls(t))
}

func TestInterruptExitsWithoutRescheduling(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)

	res := runUntilSignal(t, h, syscall.SIGINT)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, model.StateInterrupted, res.State)
	assert.Empty(t, h.sched.requeues)
	assert.Empty(t, h.sched.submits)
}

func TestTimeoutExitsWithoutRescheduling(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)

	res := runUntilSignal(t, h, syscall.SIGTERM)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, model.StateTimedOut, res.State)
	assert.Empty(t, h.sched.requeues)
	assert.Empty(t, h.sched.submits)
	require.Len(t, h.notifier.msgs, 1)
	msg := h.notifier.msgs[0]
	assert.Contains(t, msg.Subject, "terminated by the scheduler, no further runs scheduled")
	assert.Contains(t, msg.Body, "rclone sync "+model.ShellQuote(h.sourceDir))
}

func TestSignalDuringPreflightRequeuesWithoutTransfer(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)
	h.signals <- syscall.SIGUSR1

	res := h.execute(t)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, model.StatePreempted, res.State)
	assert.Equal(t, []string{"777"}, h.sched.requeues)
	assert.Empty(t, h.sched.submits)
	assert.Zero(t, h.syncCalls(t))
	assert.Equal(t, []string{model.StateStart, model.StatePreflight, model.StatePreempted}, res.History)
}

func TestInteractiveCancelDuringPreflightSubmitsNothing(t *testing.T) {
	h := newHarness(t, model.ContextInteractive)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.Execute(ctx, h.inv)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, model.StateInterrupted, res.State)
	assert.Empty(t, h.sched.submits)
	assert.Empty(t, h.notifier.msgs)
}

func TestRequeueUsesInvocationJobID(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)
	h.inv.JobID = "888"
	h.signals <- syscall.SIGUSR1

	h.execute(t)
	assert.Equal(t, []string{"888"}, h.sched.requeues)
}

func TestSessionLoggerCarriesHostAndConfigFile(t *testing.T) {
	h := newHarness(t, model.ContextInteractive)
	var logs bytes.Buffer
	h.orch.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	h.orch.Runtime.Hostname = "login01"
	h.orch.Config.File = "/etc/syncjob.yaml"

	h.execute(t)
	assert.Contains(t, logs.String(), "host=login01")
	assert.Contains(t, logs.String(), "config_file=/etc/syncjob.yaml")
}

func TestSubmitFailureIsReported(t *testing.T) {
	h := newHarness(t, model.ContextInteractive)
	h.sched.err = errors.New("sbatch: error: Batch job submission failed")

	res := h.execute(t)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, model.StatePreflightFailed, res.State)
	require.Len(t, h.notifier.msgs, 1)
	assert.Contains(t, h.notifier.msgs[0].Body, "Batch job submission failed")
}

func TestScheduledSuccessThroughSlurmAndMail(t *testing.T) {
	h := newHarness(t, model.ContextScheduled)
	h.orch.Scheduler = slurm.New("sbatch", "scontrol", nil)
	h.orch.Notifier = notify.MailGateway{Bin: "mail", Recipient: "alice", RunID: "777", TmpDir: t.TempDir()}
	t.Setenv("FAKE_SBATCH_ID", "4242")
	t.Setenv("FAKE_SYNC_OUTPUT", "Transferred: 12 files")

	res := h.execute(t)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "4242", res.NextJobID)

	sbatch := h.fakes.Calls(t, "sbatch")
	require.Len(t, sbatch, 1)
	assert.Contains(t, sbatch[0], "--job-name=sync-data")
	assert.Contains(t, sbatch[0], "--begin=now+1day")
	assert.Contains(t, sbatch[0], "--dependency=singleton")
	assert.Contains(t, sbatch[0], "--signal=B:USR1@300")

	scripts := h.fakes.BatchScripts(t)
	require.Len(t, scripts, 1)
	assert.Contains(t, scripts[0], "exec /opt/bin/syncjob "+model.ShellQuote(h.sourceDir))

	mails := h.fakes.Mails(t)
	require.Len(t, mails, 1)
	assert.Contains(t, mails[0], "Subject: [syncjob] sync-data completed")
	assert.Contains(t, mails[0], "--- attachment syncjob-777-rclone.log")
	assert.Contains(t, mails[0], "Transferred: 12 files")
	assert.Empty(t, h.fakes.Calls(t, "scontrol"))
}
