package caristo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"

	"github.com/zoobzio/caristo/blueprint"
	"github.com/zoobzio/caristo/collector"
	"github.com/zoobzio/caristo/fleettest"
)

// gatedCollector counts scans and can hold a scan until released.
type gatedCollector struct {
	inner   Collector
	calls   atomic.Int32
	block   atomic.Bool
	entered chan struct{}
	gate    chan struct{}

	mu  sync.Mutex
	err error

	invalidated atomic.Int32
}

func newGatedCollector(inner Collector) *gatedCollector {
	return &gatedCollector{
		inner:   inner,
		entered: make(chan struct{}, 10),
		gate:    make(chan struct{}),
	}
}

func (g *gatedCollector) Collect(ctx context.Context) (*collector.Snapshot, error) {
	g.calls.Add(1)
	if g.block.Load() {
		g.entered <- struct{}{}
		<-g.gate
	}
	g.mu.Lock()
	err := g.err
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g.inner.Collect(ctx)
}

func (g *gatedCollector) Invalidate() {
	g.invalidated.Add(1)
	if inv, ok := g.inner.(invalidator); ok {
		inv.Invalidate()
	}
}

func (g *gatedCollector) setErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

type recordingCallback struct {
	mu     sync.Mutex
	cycles []Cycle
	err    error
}

func (r *recordingCallback) fn(_ context.Context, c Cycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, c)
	return r.err
}

func (r *recordingCallback) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cycles)
}

func (r *recordingCallback) last() Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycles[len(r.cycles)-1]
}

type countingMetrics struct {
	NoOpMetricsProvider
	successes     atomic.Int32
	failures      atomic.Int32
	skipped       atomic.Int32
	notifications atomic.Int32
}

func (m *countingMetrics) OnCycleSuccess(time.Duration, blueprint.Stats) { m.successes.Add(1) }
func (m *countingMetrics) OnCycleFailure(string, time.Duration)          { m.failures.Add(1) }
func (m *countingMetrics) OnCycleSkipped()                               { m.skipped.Add(1) }
func (m *countingMetrics) OnNotification()                               { m.notifications.Add(1) }

type failingMaterializer struct{ err error }

func (f failingMaterializer) Apply([]blueprint.Entry) (blueprint.Stats, error) {
	return blueprint.Stats{}, f.err
}

type refreshingNotifier struct {
	*ChannelNotifier
	refreshes atomic.Int32
}

func (n *refreshingNotifier) Refresh() error {
	n.refreshes.Add(1)
	return nil
}

type brokenNotifier struct{}

func (brokenNotifier) Watch(context.Context) (<-chan Event, error) {
	return nil, errors.New("no inotify instances left")
}

func newMemFleet(t *testing.T) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	if err := util.WriteFile(fs, "/fleet/site-a/current/docker/caddy/Caddyfile", []byte("tls {$MAIL}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := util.WriteFile(fs, "/fleet/site-a/current/.env", []byte("MAIL=a@x.test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return fs
}

type harness struct {
	fs      billy.Filesystem
	clock   *clockz.FakeClock
	events  chan Event
	source  *gatedCollector
	cb      *recordingCallback
	metrics *countingMetrics
	p       *Pipeline
}

func newHarness(t *testing.T, fs billy.Filesystem) *harness {
	t.Helper()
	h := &harness{
		fs:      fs,
		clock:   clockz.NewFakeClock(),
		events:  make(chan Event, 10),
		source:  newGatedCollector(collector.New(fs, "/fleet")),
		cb:      &recordingCallback{},
		metrics: &countingMetrics{},
	}
	h.p = New(NewChannelNotifier(h.events), h.source, blueprint.NewMaterializer(fs), "/out", h.cb.fn).
		Clock(h.clock).
		Metrics(h.metrics).
		ErrorHistorySize(5)
	t.Cleanup(func() { _ = h.p.Close() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func (h *harness) waitCalls(t *testing.T, n int32) {
	t.Helper()
	if !fleettest.WaitFor(t, time.Second, func() bool { return h.source.calls.Load() == n }) {
		t.Fatalf("expected %d scans, got %d", n, h.source.calls.Load())
	}
}

func change(path string) Event {
	return Event{Path: path, Op: fsnotify.Write}
}

func TestPipeline_StartRunsInitialCycle(t *testing.T) {
	h := newHarness(t, newMemFleet(t))
	h.start(t)

	got, err := util.ReadFile(h.fs, "/out/site-a/Caddyfile")
	if err != nil {
		t.Fatalf("expected output fragment: %v", err)
	}
	if string(got) != "tls {$SITE_A_MAIL}" {
		t.Errorf("unexpected fragment %q", got)
	}
	env, err := util.ReadFile(h.fs, "/out/.env")
	if err != nil {
		t.Fatalf("expected output env: %v", err)
	}
	if want := "SITE_A_MAIL=a@x.test\n"; string(env[len(env)-len(want):]) != want {
		t.Errorf("unexpected env %q", env)
	}
	if h.cb.count() != 1 {
		t.Errorf("expected 1 callback, got %d", h.cb.count())
	}
	if h.p.State() != StateIdle {
		t.Errorf("expected idle, got %s", h.p.State())
	}
	if h.p.LastError() != nil {
		t.Errorf("expected no error, got %v", h.p.LastError())
	}
}

func TestPipeline_StartTwice(t *testing.T) {
	h := newHarness(t, newMemFleet(t))
	h.start(t)

	if err := h.p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestPipeline_ThrottleCoalescesNotifications(t *testing.T) {
	h := newHarness(t, newMemFleet(t))
	h.p.Throttle(300 * time.Millisecond)
	h.start(t)

	h.events <- change("/fleet/site-a/current/.env")
	h.events <- change("/fleet/site-a/current/docker/caddy/Caddyfile")
	h.events <- change("/fleet/site-a/current/.env")

	// Allow goroutine to receive notifications
	time.Sleep(10 * time.Millisecond)

	if h.source.calls.Load() != 1 {
		t.Errorf("expected no scan inside the throttle window, got %d", h.source.calls.Load())
	}

	h.clock.Advance(350 * time.Millisecond)
	h.clock.BlockUntilReady()
	h.waitCalls(t, 2)

	if !fleettest.WaitFor(t, time.Second, func() bool { return h.cb.count() == 2 }) {
		t.Fatalf("expected 2 callbacks, got %d", h.cb.count())
	}
	batch := h.cb.last().Batch
	if batch.Count != 3 {
		t.Errorf("expected 3 coalesced notifications, got %d", batch.Count)
	}
	if len(batch.Paths()) != 2 {
		t.Errorf("expected 2 distinct paths, got %v", batch.Paths())
	}

	time.Sleep(20 * time.Millisecond)
	if h.source.calls.Load() != 2 {
		t.Errorf("expected exactly one coalesced scan, got %d", h.source.calls.Load())
	}
	if h.metrics.notifications.Load() != 3 {
		t.Errorf("expected 3 notifications counted, got %d", h.metrics.notifications.Load())
	}
}

func TestPipeline_LeadingEdgeScansImmediately(t *testing.T) {
	h := newHarness(t, newMemFleet(t))
	h.start(t)

	h.clock.Advance(time.Second)
	h.events <- change("/fleet/site-a")

	h.waitCalls(t, 2)
}

func TestPipeline_PendingRetriggerAfterInFlightCycle(t *testing.T) {
	h := newHarness(t, newMemFleet(t))
	h.start(t)

	h.clock.Advance(time.Second)
	h.source.block.Store(true)
	h.events <- change("/fleet/site-a")

	select {
	case <-h.source.entered:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scan to start")
	}
	if h.p.State() != StateScanning {
		t.Errorf("expected scanning, got %s", h.p.State())
	}

	h.events <- change("/fleet/site-a/current/.env")
	h.events <- change("/fleet/site-a/current/.env")
	time.Sleep(10 * time.Millisecond)

	h.source.block.Store(false)
	h.source.gate <- struct{}{}

	// The follow-up cycle needs no clock advance.
	h.waitCalls(t, 3)
	time.Sleep(30 * time.Millisecond)
	if h.source.calls.Load() != 3 {
		t.Errorf("expected exactly one follow-up cycle, got %d scans", h.source.calls.Load())
	}

	if !fleettest.WaitFor(t, time.Second, func() bool { return h.cb.count() == 3 }) {
		t.Fatalf("expected 3 callbacks, got %d", h.cb.count())
	}
	if got := h.cb.last().Batch.Count; got != 2 {
		t.Errorf("expected follow-up batch of 2, got %d", got)
	}
}

func TestPipeline_CloseWaitsForInFlightCycle(t *testing.T) {
	h := newHarness(t, newMemFleet(t))
	var stopped atomic.Bool
	h.p.OnStop(func(State) { stopped.Store(true) })
	h.start(t)

	h.clock.Advance(time.Second)
	h.source.block.Store(true)
	h.events <- change("/fleet/site-a")
	select {
	case <-h.source.entered:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scan to start")
	}

	closed := make(chan struct{})
	go func() {
		_ = h.p.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned before the in-flight cycle finished")
	case <-time.After(20 * time.Millisecond):
	}

	h.source.block.Store(false)
	h.source.gate <- struct{}{}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Close")
	}

	if h.cb.count() != 2 {
		t.Errorf("expected in-flight cycle to complete, got %d callbacks", h.cb.count())
	}
	if h.p.State() != StateStopped {
		t.Errorf("expected stopped, got %s", h.p.State())
	}
	if !stopped.Load() {
		t.Error("expected OnStop to be called")
	}

	h.events <- change("/fleet/site-a")
	h.p.Trigger()
	time.Sleep(20 * time.Millisecond)
	if h.source.calls.Load() != 2 {
		t.Errorf("expected no cycle after Close, got %d scans", h.source.calls.Load())
	}
}

func TestPipeline_ContextCancelStops(t *testing.T) {
	h := newHarness(t, newMemFleet(t))
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Arm the throttle timer, then cancel before it fires.
	h.events <- change("/fleet/site-a")
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-h.p.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pipeline to stop")
	}
	h.clock.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)
	if h.source.calls.Load() != 1 {
		t.Errorf("expected pending scan to be dropped, got %d scans", h.source.calls.Load())
	}
}

func TestPipeline_ScanFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, newMemFleet(t))
	h.source.setErr(errors.New("fragment unreadable"))

	err := h.p.Start(context.Background())
	var cerr *CycleError
	if !errors.As(err, &cerr) || cerr.Stage != "scan" {
		t.Fatalf("expected scan CycleError, got %v", err)
	}
	if h.p.State() != StateIdle {
		t.Errorf("expected idle after failure, got %s", h.p.State())
	}
	if h.cb.count() != 0 {
		t.Errorf("expected no callback on failure, got %d", h.cb.count())
	}
	if _, err := h.fs.Lstat("/out"); err == nil {
		t.Error("expected output untouched by a failed scan")
	}

	h.clock.Advance(time.Second)
	h.p.Trigger()
	h.waitCalls(t, 2)
	if !fleettest.WaitFor(t, time.Second, func() bool { return len(h.p.ErrorHistory()) == 2 }) {
		t.Fatalf("expected 2 errors in history, got %d", len(h.p.ErrorHistory()))
	}

	h.source.setErr(nil)
	h.clock.Advance(time.Second)
	h.p.Trigger()
	if !fleettest.WaitFor(t, time.Second, func() bool { return h.cb.count() == 1 }) {
		t.Fatal("expected recovery on the next trigger")
	}
	if !fleettest.WaitFor(t, time.Second, func() bool { return h.p.LastError() == nil }) {
		t.Errorf("expected error cleared, got %v", h.p.LastError())
	}
	if h.p.ErrorHistory() != nil {
		t.Errorf("expected history cleared, got %v", h.p.ErrorHistory())
	}
	if h.metrics.failures.Load() != 2 {
		t.Errorf("expected 2 failures counted, got %d", h.metrics.failures.Load())
	}
}

func TestPipeline_KeyCollisionNamesBothSites(t *testing.T) {
	fs := newMemFleet(t)
	if err := util.WriteFile(fs, "/fleet/site.a/current/docker/caddy/Caddyfile", []byte("tls {$MAIL}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := util.WriteFile(fs, "/fleet/site.a/current/.env", []byte("MAIL=b@x.test\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []string
	listener := capitan.Hook(PipelineKeyCollision, func(_ context.Context, e *capitan.Event) {
		key, _ := KeyEnvKey.From(e)
		site, _ := KeySite.From(e)
		owner, _ := KeyOwner.From(e)
		mu.Lock()
		got = append(got, key, site, owner)
		mu.Unlock()
	})
	defer listener.Close()

	h := newHarness(t, fs)
	err := h.p.Start(context.Background())
	if !errors.Is(err, collector.ErrKeyCollision) {
		t.Fatalf("expected key collision, got %v", err)
	}

	if !fleettest.WaitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}) {
		t.Fatal("expected a key collision event")
	}
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "SITE_A_MAIL" || got[1] != "site.a" || got[2] != "site-a" {
		t.Errorf("expected SITE_A_MAIL claimed by site-a then site.a, got %v", got)
	}
}

func TestPipeline_ApplyFailureSkipsCallback(t *testing.T) {
	fs := newMemFleet(t)
	source := newGatedCollector(collector.New(fs, "/fleet"))
	cb := &recordingCallback{}
	diskFull := errors.New("no space left on device")

	p := New(NewChannelNotifier(make(chan Event)), source, failingMaterializer{err: diskFull}, "/out", cb.fn).
		Clock(clockz.NewFakeClock())
	defer p.Close()

	err := p.Start(context.Background())
	if !errors.Is(err, diskFull) {
		t.Fatalf("expected apply error, got %v", err)
	}
	var cerr *CycleError
	if errors.As(err, &cerr) && cerr.Stage != "apply" {
		t.Errorf("expected apply stage, got %s", cerr.Stage)
	}
	if cb.count() != 0 {
		t.Errorf("expected no callback, got %d", cb.count())
	}
	if source.invalidated.Load() != 1 {
		t.Errorf("expected collector to be invalidated, got %d", source.invalidated.Load())
	}
}

func TestPipeline_RelativeOutputFailsApply(t *testing.T) {
	fs := newMemFleet(t)
	p := New(NewChannelNotifier(make(chan Event)), collector.New(fs, "/fleet"), blueprint.NewMaterializer(fs), "out", nil).
		Clock(clockz.NewFakeClock())
	defer p.Close()

	if err := p.Start(context.Background()); !errors.Is(err, blueprint.ErrRelativeRoot) {
		t.Errorf("expected ErrRelativeRoot, got %v", err)
	}
}

func TestPipeline_EmptyFleetSkipsSecondCycle(t *testing.T) {
	fs := memfs.New()
	if err := fs.MkdirAll("/fleet", 0o755); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, fs)
	h.start(t)

	if h.cb.count() != 1 {
		t.Fatalf("expected first empty cycle to apply, got %d callbacks", h.cb.count())
	}
	info, err := fs.Lstat("/out/.env")
	if err != nil {
		t.Fatalf("expected empty env file: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected empty env file, got %d bytes", info.Size())
	}

	h.clock.Advance(time.Second)
	h.p.Trigger()
	if !fleettest.WaitFor(t, time.Second, func() bool { return h.metrics.skipped.Load() == 1 }) {
		t.Fatal("expected second empty cycle to be skipped")
	}
	if h.cb.count() != 1 {
		t.Errorf("expected no callback for a skipped cycle, got %d", h.cb.count())
	}
}

func TestPipeline_CallbackErrorIsNotACycleFailure(t *testing.T) {
	h := newHarness(t, newMemFleet(t))
	h.cb.err = errors.New("reload exited 1")
	h.start(t)

	if h.p.LastError() != nil {
		t.Errorf("expected callback error to be ignored, got %v", h.p.LastError())
	}
	if h.metrics.successes.Load() != 1 {
		t.Errorf("expected cycle to count as success, got %d", h.metrics.successes.Load())
	}
}

func TestPipeline_RefreshesNotifierBeforeEachScan(t *testing.T) {
	fs := newMemFleet(t)
	events := make(chan Event, 1)
	notifier := &refreshingNotifier{ChannelNotifier: NewChannelNotifier(events)}
	clock := clockz.NewFakeClock()

	p := New(notifier, collector.New(fs, "/fleet"), blueprint.NewMaterializer(fs), "/out", nil).Clock(clock)
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if notifier.refreshes.Load() != 1 {
		t.Errorf("expected refresh before initial scan, got %d", notifier.refreshes.Load())
	}

	clock.Advance(time.Second)
	events <- change("/fleet/site-b")
	if !fleettest.WaitFor(t, time.Second, func() bool { return notifier.refreshes.Load() == 2 }) {
		t.Errorf("expected refresh before second scan, got %d", notifier.refreshes.Load())
	}
}

func TestPipeline_NotifierFailure(t *testing.T) {
	p := New(brokenNotifier{}, collector.New(memfs.New(), "/fleet"), blueprint.NewMaterializer(memfs.New()), "/out", nil)
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected notifier error")
	}
	select {
	case <-p.Done():
	default:
		t.Error("expected pipeline to be stopped")
	}
	if p.State() != StateStopped {
		t.Errorf("expected stopped, got %s", p.State())
	}
}

func TestPipeline_NotifierCloseFlushesPending(t *testing.T) {
	h := newHarness(t, newMemFleet(t))
	h.start(t)

	h.events <- change("/fleet/site-a")
	time.Sleep(10 * time.Millisecond)
	close(h.events)

	select {
	case <-h.p.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pipeline to stop")
	}
	if h.source.calls.Load() != 2 {
		t.Errorf("expected pending notification to be flushed, got %d scans", h.source.calls.Load())
	}
}

func TestPipeline_CloseBeforeStart(t *testing.T) {
	p := New(NewChannelNotifier(make(chan Event)), collector.New(memfs.New(), "/fleet"), blueprint.NewMaterializer(memfs.New()), "/out", nil)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted after Close, got %v", err)
	}
}
