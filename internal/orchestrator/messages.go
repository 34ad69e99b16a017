package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"syncjob/internal/attempt"
	"syncjob/internal/model"
	"syncjob/internal/notify"
	"syncjob/internal/preflight"
	"syncjob/internal/rclone"
)

const (
	subjectPrefix   = "[syncjob] "
	transferLogName = "rclone.log"
)

func completedMessage(jobName string, inv model.JobInvocation, out attempt.Outcome) notify.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Synchronized %s to %s.\n", inv.SourcePath, inv.Target())
	fmt.Fprintf(&b, "Elapsed: %s\n", out.Elapsed.Round(time.Second))
	b.WriteString("The next run will be submitted to start in one day.\n")
	b.WriteString("The rclone output is attached.\n")
	return notify.Message{
		Subject:        subjectPrefix + jobName + " completed",
		Body:           b.String(),
		Attachment:     out.Output,
		AttachmentName: transferLogName,
	}
}

func transferFailureMessage(jobName string, inv model.JobInvocation, out attempt.Outcome, category rclone.Category) notify.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Synchronizing %s to %s failed: %s.\n\n", inv.SourcePath, inv.Target(), category.Describe())
	fmt.Fprintf(&b, "Command:\n  %s\n\n", out.CommandLine())
	fmt.Fprintf(&b, "Exit status: %d (%s)\n\n", out.ExitCode, category)
	b.WriteString("No further runs are scheduled. Fix the problem and run syncjob again.\n\n")
	b.WriteString("Output:\n")
	b.Write(out.Output)
	return notify.Message{
		Subject:        subjectPrefix + jobName + " failed: " + string(category.Kind()),
		Body:           b.String(),
		Attachment:     out.Output,
		AttachmentName: transferLogName,
	}
}

func failureMessage(jobName string, inv model.JobInvocation, f *preflight.Failure) notify.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Sync task %s (%s -> %s) stopped: %s.\n", jobName, inv.SourcePath, inv.Target(), f.Summary)
	if f.Detail != "" {
		fmt.Fprintf(&b, "\n%s\n", f.Detail)
	}
	if f.Command != "" {
		fmt.Fprintf(&b, "\nCommand:\n  %s\n", f.Command)
	}
	if f.Output != "" {
		fmt.Fprintf(&b, "\nOutput:\n%s\n", strings.TrimRight(f.Output, "\n"))
	}
	b.WriteString("\nNo further runs are scheduled. Fix the problem and run syncjob again.\n")
	return notify.Message{
		Subject: subjectPrefix + jobName + ": " + f.Summary,
		Body:    b.String(),
	}
}

func transientWarningMessage(jobName string, inv model.JobInvocation, count int, reason string, out *attempt.Outcome) notify.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Sync task %s (%s -> %s) has been rescheduled %d times in a row.\n", jobName, inv.SourcePath, inv.Target(), count)
	fmt.Fprintf(&b, "Last reason: %s\n\n", reason)
	b.WriteString("Retries continue automatically. Cancel the job with scancel if the remote will not recover.\n")
	msg := notify.Message{
		Subject: fmt.Sprintf("%s%s still retrying after %d transient failures", subjectPrefix, jobName, count),
	}
	if out != nil && len(out.Output) > 0 {
		fmt.Fprintf(&b, "\nCommand:\n  %s\n", out.CommandLine())
		msg.Attachment = out.Output
		msg.AttachmentName = transferLogName
	}
	msg.Body = b.String()
	return msg
}

func submitFailureMessage(jobName string, inv model.JobInvocation, err error) notify.Message {
	return notify.Message{
		Subject: subjectPrefix + jobName + ": could not submit the next run",
		Body: fmt.Sprintf("Sync task %s (%s -> %s) could not schedule its next run:\n\n%v\n\nNo further runs are scheduled. Run syncjob again once the scheduler accepts jobs.\n",
			jobName, inv.SourcePath, inv.Target(), err),
	}
}

func timedOutMessage(jobName string, inv model.JobInvocation, out *attempt.Outcome) notify.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s syncing %s to %s was terminated by the scheduler", inv.JobID, inv.SourcePath, inv.Target())
	if out == nil {
		b.WriteString(" before the transfer started.\n")
	} else {
		fmt.Fprintf(&b, " after %s.\n\nCommand:\n  %s\n", out.Elapsed.Round(time.Second), out.CommandLine())
	}
	b.WriteString("\nThe time limit was probably reached. No further runs are scheduled; run syncjob again to resume.\n")
	return notify.Message{
		Subject: subjectPrefix + jobName + " terminated by the scheduler, no further runs scheduled",
		Body:    b.String(),
	}
}

func requeueFailureMessage(jobName string, inv model.JobInvocation, jobID string, err error) notify.Message {
	return notify.Message{
		Subject: subjectPrefix + jobName + ": requeue after preemption failed",
		Body: fmt.Sprintf("Job %s syncing %s to %s was preempted and could not be requeued:\n\n%v\n\nRun syncjob again to resume.\n",
			jobID, inv.SourcePath, inv.Target(), err),
	}
}

