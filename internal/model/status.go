package model

import "fmt"

const (
	StateStart           = "start"
	StatePreflight       = "preflight"
	StateSubmitted       = "submitted"
	StateRunning         = "running"
	StateCompleted       = "completed"
	StatePreempted       = "preempted"
	StateTimedOut        = "timed_out"
	StateInterrupted     = "interrupted"
	StateRescheduled     = "rescheduled"
	StateTransferFailed  = "transfer_failed"
	StatePreflightFailed = "preflight_failed"
)

var allowedTransitions = map[string]map[string]bool{
	StateStart: {
		StatePreflight: true,
	},
	StatePreflight: {
		StateRunning:         true,
		StateSubmitted:       true, // interactive hand-off to the scheduler
		StateRescheduled:     true, // transient remote error
		StatePreflightFailed: true,
		StatePreempted:       true, // signal received before the transfer started
		StateTimedOut:        true,
		StateInterrupted:     true,
	},
	StateRunning: {
		StateCompleted:      true,
		StatePreempted:      true,
		StateTimedOut:       true,
		StateInterrupted:    true,
		StateRescheduled:    true,
		StateTransferFailed: true,
	},
	StateCompleted:       {},
	StatePreempted:       {},
	StateTimedOut:        {},
	StateInterrupted:     {},
	StateRescheduled:     {},
	StateTransferFailed:  {},
	StatePreflightFailed: {},
	StateSubmitted:       {},
}

func IsKnownState(state string) bool {
	_, ok := allowedTransitions[state]
	return ok
}

func IsTerminal(state string) bool {
	next, ok := allowedTransitions[state]
	return ok && len(next) == 0
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Run tracks the state of a single process invocation.
type Run struct {
	JobName string
	State   string
	Reason  string
	History []string
}

func NewRun(jobName string) *Run {
	return &Run{JobName: jobName, State: StateStart, History: []string{StateStart}}
}

func (r *Run) Transition(to, reason string) error {
	from := r.State
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid run state transition: %q -> %q (job=%s)", from, to, r.JobName)
	}
	r.State = to
	r.Reason = reason
	r.History = append(r.History, to)
	return nil
}
