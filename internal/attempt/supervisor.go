package attempt

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ErrAborted is returned when a signal arrived before the child could start.
var ErrAborted = errors.New("attempt aborted by signal")

type Trigger int

const (
	TriggerNone Trigger = iota
	// TriggerPreempt is the scheduler's warning that the allocation ends soon.
	TriggerPreempt
	// TriggerInterrupt is an operator abort.
	TriggerInterrupt
	// TriggerTimeout is the scheduler terminating the job outright.
	TriggerTimeout
)

func (t Trigger) String() string {
	switch t {
	case TriggerPreempt:
		return "preempt"
	case TriggerInterrupt:
		return "interrupt"
	case TriggerTimeout:
		return "timeout"
	default:
		return "none"
	}
}

func TriggerFor(sig os.Signal) Trigger {
	switch sig {
	case syscall.SIGUSR1:
		return TriggerPreempt
	case syscall.SIGINT:
		return TriggerInterrupt
	case syscall.SIGTERM:
		return TriggerTimeout
	default:
		return TriggerNone
	}
}

type childState int

const (
	childIdle childState = iota
	childRunning
	childReaped
)

// Supervisor is shared between the blocking attempt and the asynchronous
// signal handler. It tolerates signals before the child exists and after it
// has been reaped.
type Supervisor struct {
	mu      sync.Mutex
	state   childState
	pid     int
	sig     os.Signal
	aborted chan struct{}

	grace   time.Duration
	kill    func(pid int, sig syscall.Signal) error
	signals <-chan os.Signal
	logger  *slog.Logger
}

type Option func(*Supervisor)

// WithSignals replaces OS signal delivery, mainly for tests.
func WithSignals(ch <-chan os.Signal) Option {
	return func(s *Supervisor) {
		s.signals = ch
	}
}

func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.grace = d
	}
}

func WithKill(fn func(pid int, sig syscall.Signal) error) Option {
	return func(s *Supervisor) {
		s.kill = fn
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		aborted: make(chan struct{}),
		grace:   30 * time.Second,
		kill:    killGroup,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Install starts handling signals until ctx is done or the returned stop
// function is called. It must run before the child is started.
func (s *Supervisor) Install(ctx context.Context) (stop func()) {
	ch := s.signals
	var osCh chan os.Signal
	if ch == nil {
		osCh = make(chan os.Signal, 4)
		signal.Notify(osCh, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
		ch = osCh
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				s.Handle(sig)
			}
		}
	}()
	return func() {
		cancel()
		<-done
		if osCh != nil {
			signal.Stop(osCh)
		}
	}
}

// Handle records sig and terminates the running child, if any. Only the first
// signal decides the terminal action; later ones are logged.
func (s *Supervisor) Handle(sig os.Signal) {
	s.mu.Lock()
	first := s.sig == nil
	if first {
		s.sig = sig
		close(s.aborted)
	}
	state, pid := s.state, s.pid
	s.mu.Unlock()

	if !first {
		s.logger.Warn("ignoring additional signal", "signal", sig.String())
		return
	}
	s.logger.Info("signal received", "signal", sig.String(), "trigger", TriggerFor(sig).String())
	if state == childRunning && pid > 0 {
		s.terminate(pid)
	}
}

// Begin publishes the child pid before the caller waits on it. If a signal
// already arrived, the child is terminated straight away.
func (s *Supervisor) Begin(pid int) {
	s.mu.Lock()
	s.state = childRunning
	s.pid = pid
	aborted := s.sig != nil
	s.mu.Unlock()
	if aborted {
		s.terminate(pid)
	}
}

// End marks the child as reaped.
func (s *Supervisor) End() {
	s.mu.Lock()
	s.state = childReaped
	s.pid = 0
	s.mu.Unlock()
}

func (s *Supervisor) Signal() os.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sig
}

func (s *Supervisor) Trigger() Trigger {
	sig := s.Signal()
	if sig == nil {
		return TriggerNone
	}
	return TriggerFor(sig)
}

func (s *Supervisor) Aborted() <-chan struct{} {
	return s.aborted
}

func (s *Supervisor) running(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == childRunning && s.pid == pid
}

func (s *Supervisor) terminate(pid int) {
	if err := s.kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("terminate child", "pid", pid, "error", err)
	}
	if s.grace <= 0 {
		return
	}
	go func() {
		time.Sleep(s.grace)
		if s.running(pid) {
			s.logger.Warn("child ignored SIGTERM, killing", "pid", pid)
			_ = s.kill(pid, syscall.SIGKILL)
		}
	}()
}

// killGroup signals the child's whole process group.
func killGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
