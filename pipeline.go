package caristo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"

	"github.com/zoobzio/caristo/blueprint"
	"github.com/zoobzio/caristo/collector"
)

// DefaultThrottle is the minimum interval between two scans.
const DefaultThrottle = 300 * time.Millisecond

// ErrAlreadyStarted is returned by Start when called more than once.
var ErrAlreadyStarted = errors.New("pipeline already started")

// Collector derives the desired output from the current fleet state.
type Collector interface {
	Collect(ctx context.Context) (*collector.Snapshot, error)
}

// Materializer writes a flattened blueprint.
type Materializer interface {
	Apply(entries []blueprint.Entry) (blueprint.Stats, error)
}

// Collectors with memory of the previous scan implement invalidator so a
// failed apply is not mistaken for an applied one.
type invalidator interface {
	Invalidate()
}

// Cycle describes a successful cycle.
type Cycle struct {
	Batch    Batch
	Snapshot *collector.Snapshot
	Stats    blueprint.Stats
	Started  time.Time
}

// Callback runs after every cycle that regenerated the output. A returned
// error is reported and otherwise ignored.
type Callback func(ctx context.Context, cycle Cycle) error

// Pipeline watches a fleet, coalesces change notifications and regenerates
// the output tree. Only one cycle runs at a time.
type Pipeline struct {
	notifier     Notifier
	collector    Collector
	materializer Materializer
	output       string
	callback     Callback
	throttle     time.Duration
	clock        clockz.Clock
	metrics      MetricsProvider
	onStop       func(State)

	state        atomic.Int32
	lastError    atomic.Pointer[CycleError]
	errorHistory *errorRing
	cycles       atomic.Int64

	trigger  chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New creates a Pipeline that regenerates output from what source finds
// whenever notifier reports a change. callback may be nil.
//
// Example:
//
//	fleet := collector.NewOS("/srv/sites")
//	p := caristo.New(
//	    caristo.NewFSNotifier("/srv/sites"),
//	    fleet,
//	    blueprint.NewOSMaterializer(),
//	    "/etc/caddy/sites",
//	    caristo.NewReloader("caddy reload").Callback(),
//	).Throttle(200 * time.Millisecond)
//
//	if err := p.Start(ctx); err != nil {
//	    log.Printf("initial cycle failed: %v", err)
//	}
func New(
	notifier Notifier,
	source Collector,
	materializer Materializer,
	output string,
	callback Callback,
) *Pipeline {
	return &Pipeline{
		notifier:     notifier,
		collector:    source,
		materializer: materializer,
		output:       filepath.Clean(output),
		callback:     callback,
		throttle:     DefaultThrottle,
		clock:        clockz.RealClock,
		metrics:      NoOpMetricsProvider{},
		trigger:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Throttle sets the minimum interval between two scans. Notifications
// arriving inside the interval are coalesced into the next scan.
// Default: 300ms. Must be called before Start().
func (p *Pipeline) Throttle(d time.Duration) *Pipeline {
	p.throttle = d
	return p
}

// Clock sets a custom clock for time operations.
// Use this with clockz.FakeClock for deterministic throttle testing.
// Must be called before Start().
func (p *Pipeline) Clock(clock clockz.Clock) *Pipeline {
	p.clock = clock
	return p
}

// Metrics sets a metrics provider. Must be called before Start().
func (p *Pipeline) Metrics(provider MetricsProvider) *Pipeline {
	if provider == nil {
		provider = NoOpMetricsProvider{}
	}
	p.metrics = provider
	return p
}

// OnStop sets a callback invoked once the pipeline has stopped. It receives
// the state the pipeline was in when it stopped. Must be called before Start().
func (p *Pipeline) OnStop(fn func(State)) *Pipeline {
	p.onStop = fn
	return p
}

// ErrorHistorySize sets the number of recent cycle errors to retain.
// Use 0 (default) to only retain the most recent error via LastError().
// The history is cleared by every successful cycle. Must be called before Start().
func (p *Pipeline) ErrorHistorySize(n int) *Pipeline {
	p.errorHistory = newErrorRing(n)
	return p
}

// State returns the current state of the Pipeline.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Output returns the output root.
func (p *Pipeline) Output() string { return p.output }

// Cycles returns the number of cycles started so far.
func (p *Pipeline) Cycles() int64 { return p.cycles.Load() }

// LastError returns the error of the last cycle, or nil if it succeeded.
func (p *Pipeline) LastError() error {
	if err := p.lastError.Load(); err != nil {
		return err
	}
	return nil
}

// ErrorHistory returns the recent cycle errors, oldest first.
// Returns nil if error history is not enabled (see ErrorHistorySize).
func (p *Pipeline) ErrorHistory() []error {
	return p.errorHistory.all()
}

// Done is closed once the pipeline has stopped.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Start begins watching. It runs the first cycle synchronously and returns
// its error, then keeps watching in the background until ctx is canceled or
// Close is called. A failed first cycle does not stop the pipeline.
//
// Start can only be called once. Subsequent calls return ErrAlreadyStarted.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	capitan.Emit(ctx, PipelineStarted,
		KeyOutput.Field(p.output),
		KeyThrottle.Field(p.throttle),
	)

	events, err := p.notifier.Watch(ctx)
	if err != nil {
		cancel()
		p.finish(ctx)
		return fmt.Errorf("failed to start notifier: %w", err)
	}

	lastScan := p.clock.Now()
	initialErr := p.runCycle(ctx, Batch{})

	go p.loop(ctx, events, lastScan)

	return initialErr
}

// Trigger requests a rescan as if a change had been observed. It never
// blocks; repeated triggers coalesce like notifications.
func (p *Pipeline) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Close stops the pipeline and waits for it to finish. A cycle in flight is
// allowed to complete; no new cycle starts afterward.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.started {
		p.started = true
		p.mu.Unlock()
		p.finish(context.Background())
		return nil
	}
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-p.done
	return nil
}

// loop is the single decision goroutine. Cycles run on their own goroutine
// so notifications keep being recorded while one is in flight.
func (p *Pipeline) loop(ctx context.Context, events <-chan Event, lastScan time.Time) {
	defer p.finish(ctx)

	var (
		timer    clockz.Timer
		batch    Batch
		inFlight bool
		pending  bool
		finished = make(chan struct{}, 1)
	)

	launch := func() {
		b := batch
		batch = Batch{}
		pending = false
		inFlight = true
		lastScan = p.clock.Now()
		go func() {
			_ = p.runCycle(ctx, b) //nolint:errcheck // Errors stored via fail
			finished <- struct{}{}
		}()
	}

	receive := func(e Event) {
		p.metrics.OnNotification()
		capitan.Emit(ctx, PipelineNotificationReceived,
			KeyPath.Field(e.Path),
			KeyOp.Field(e.Op.String()),
		)
		batch.add(e, p.clock.Now())

		switch {
		case inFlight:
			// The running cycle may have read the fleet before this change.
			pending = true
		case timer != nil:
			// Coalesced into the scheduled scan.
		default:
			wait := p.throttle - p.clock.Since(lastScan)
			if wait <= 0 {
				launch()
				return
			}
			timer = p.clock.NewTimer(wait)
		}
	}

	for {
		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			if inFlight {
				<-finished
			}
			return

		case e, ok := <-events:
			if !ok {
				// Notifier gone: run what was coalesced, then stop.
				if timer != nil {
					timer.Stop()
				}
				if inFlight {
					<-finished
				}
				if !batch.Empty() {
					_ = p.runCycle(ctx, batch) //nolint:errcheck // Errors stored via fail
				}
				return
			}
			receive(e)

		case <-p.trigger:
			receive(Event{})

		case <-timerC:
			timer = nil
			launch()

		case <-finished:
			inFlight = false
			if pending {
				launch()
			}
		}
	}
}

// runCycle scans the fleet and applies the result. It is never preempted by
// shutdown.
func (p *Pipeline) runCycle(ctx context.Context, batch Batch) error {
	ctx = context.WithoutCancel(ctx)
	start := p.clock.Now()
	p.cycles.Add(1)

	if r, ok := p.notifier.(Refresher); ok {
		if err := r.Refresh(); err != nil {
			capitan.Emit(ctx, NotifierRefreshFailed, KeyError.Field(err.Error()))
		}
	}

	p.transition(ctx, StateScanning)
	snap, err := p.collector.Collect(ctx)
	if err != nil {
		var collision *collector.CollisionError
		if errors.As(err, &collision) {
			capitan.Emit(ctx, PipelineKeyCollision,
				KeyEnvKey.Field(collision.Key),
				KeySite.Field(collision.Site),
				KeyOwner.Field(collision.Owner),
			)
		}
		return p.fail(ctx, "scan", err, start)
	}
	if snap.Skip {
		p.transition(ctx, StateIdle)
		capitan.Emit(ctx, PipelineCycleSkipped, KeyEvents.Field(batch.Count))
		p.metrics.OnCycleSkipped()
		return nil
	}

	p.transition(ctx, StateApplying)
	stats, err := p.apply(snap)
	if err != nil {
		if inv, ok := p.collector.(invalidator); ok {
			inv.Invalidate()
		}
		return p.fail(ctx, "apply", err, start)
	}

	if p.callback != nil {
		cycle := Cycle{Batch: batch, Snapshot: snap, Stats: stats, Started: start}
		if err := p.callback(ctx, cycle); err != nil {
			capitan.Emit(ctx, PipelineCallbackFailed, KeyError.Field(err.Error()))
		}
	}

	p.lastError.Store(nil)
	p.errorHistory.reset()
	p.transition(ctx, StateIdle)

	duration := p.clock.Since(start)
	capitan.Emit(ctx, PipelineCycleSucceeded,
		KeyEvents.Field(batch.Count),
		KeySites.Field(len(snap.Sites)),
		KeyVariables.Field(snap.Environment.Len()),
		KeyCreated.Field(stats.Created),
		KeyReplaced.Field(stats.Replaced),
		KeyRemoved.Field(stats.Removed+stats.Cleared),
		KeyUnchanged.Field(stats.Unchanged),
		KeyDuration.Field(duration),
	)
	p.metrics.OnCycleSuccess(duration, stats)
	return nil
}

func (p *Pipeline) apply(snap *collector.Snapshot) (blueprint.Stats, error) {
	entries, err := blueprint.Expand(p.output, snap.Tree)
	if err != nil {
		return blueprint.Stats{}, err
	}
	return p.materializer.Apply(entries)
}

// fail records a cycle error and returns the pipeline to idle.
func (p *Pipeline) fail(ctx context.Context, stage string, err error, start time.Time) error {
	cerr := &CycleError{Stage: stage, At: p.clock.Now(), Err: err}
	p.lastError.Store(cerr)
	p.errorHistory.push(cerr)
	p.transition(ctx, StateIdle)
	capitan.Emit(ctx, PipelineCycleFailed,
		KeyStage.Field(stage),
		KeyError.Field(err.Error()),
	)
	p.metrics.OnCycleFailure(stage, p.clock.Since(start))
	return cerr
}

// transition updates the state and emits a state change event if changed.
func (p *Pipeline) transition(ctx context.Context, to State) {
	from := State(p.state.Swap(int32(to)))
	if from == to {
		return
	}
	capitan.Emit(ctx, PipelineStateChanged,
		KeyOldState.Field(from.String()),
		KeyNewState.Field(to.String()),
	)
	p.metrics.OnStateChange(from, to)
}

func (p *Pipeline) finish(ctx context.Context) {
	p.stopOnce.Do(func() {
		ctx = context.WithoutCancel(ctx)
		last := p.State()
		p.transition(ctx, StateStopped)
		capitan.Emit(ctx, PipelineStopped, KeyState.Field(last.String()))
		if p.onStop != nil {
			p.onStop(last)
		}
		close(p.done)
	})
}
