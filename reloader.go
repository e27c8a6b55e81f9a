package caristo

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"golang.org/x/time/rate"
)

// DefaultReloadInterval is the minimum interval between two reload commands.
const DefaultReloadInterval = 500 * time.Millisecond

// Reloader runs an external command after the output was regenerated.
//
// Invocations are throttled on both edges: the first notification inside an
// idle window runs the command at once, later ones are folded into a single
// run at the end of the window. Command failures are reported via signals
// and never returned.
type Reloader struct {
	command  string
	interval time.Duration
	clock    clockz.Clock

	mu      sync.Mutex
	limiter *rate.Limiter
	timer   clockz.Timer
	stop    chan struct{}
	closed  bool

	wg       sync.WaitGroup
	runs     atomic.Int64
	failures atomic.Int64
}

// NewReloader creates a Reloader for command, run with "sh -c" in the
// working directory of the process. An empty command makes every
// notification a no-op.
func NewReloader(command string) *Reloader {
	r := &Reloader{
		command: command,
		clock:   clockz.RealClock,
		stop:    make(chan struct{}),
	}
	return r.Interval(DefaultReloadInterval)
}

// Interval sets the minimum interval between two runs. Default: 500ms.
// Must be called before the first notification.
func (r *Reloader) Interval(d time.Duration) *Reloader {
	r.interval = d
	r.limiter = rate.NewLimiter(rate.Every(d), 1)
	return r
}

// Clock sets a custom clock for time operations.
// Must be called before the first notification.
func (r *Reloader) Clock(clock clockz.Clock) *Reloader {
	r.clock = clock
	return r
}

// Command returns the configured command line.
func (r *Reloader) Command() string { return r.command }

// Runs returns the number of commands that finished, successfully or not.
func (r *Reloader) Runs() int64 { return r.runs.Load() }

// Failures returns the number of commands that failed.
func (r *Reloader) Failures() int64 { return r.failures.Load() }

// Callback adapts the Reloader to a pipeline callback.
func (r *Reloader) Callback() Callback {
	return func(ctx context.Context, _ Cycle) error {
		r.Notify(ctx)
		return nil
	}
}

// Notify requests a run of the command. It never blocks on the command.
func (r *Reloader) Notify(ctx context.Context) {
	if r.command == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.timer != nil {
		return
	}

	now := r.clock.Now()
	delay := r.limiter.ReserveN(now, 1).DelayFrom(now)
	if delay <= 0 {
		r.run(ctx)
		return
	}

	capitan.Emit(ctx, ReloadDeferred,
		KeyCommand.Field(r.command),
		KeyDelay.Field(delay),
	)
	timer := r.clock.NewTimer(delay)
	r.timer = timer

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-timer.C():
		case <-r.stop:
			return
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		r.timer = nil
		if !r.closed {
			r.run(ctx)
		}
	}()
}

// Close cancels a deferred run and waits for running commands.
func (r *Reloader) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		close(r.stop)
	}
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// run starts the command in the background. Must hold r.mu.
func (r *Reloader) run(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.exec(ctx)
	}()
}

func (r *Reloader) exec(ctx context.Context) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", r.command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := r.clock.Now()
	err := cmd.Run()
	r.runs.Add(1)

	if err != nil {
		r.failures.Add(1)
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		capitan.Emit(ctx, ReloadFailed,
			KeyCommand.Field(r.command),
			KeyError.Field(err.Error()),
			KeyExitCode.Field(code),
			KeyStdout.Field(stdout.String()),
			KeyStderr.Field(stderr.String()),
		)
		return
	}

	capitan.Emit(ctx, ReloadSucceeded,
		KeyCommand.Field(r.command),
		KeyStdout.Field(stdout.String()),
		KeyStderr.Field(stderr.String()),
		KeyDuration.Field(r.clock.Since(start)),
	)
}
