package bus_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petal-labs/eventq/bus"
	"github.com/petal-labs/eventq/bus/bustest"
	"github.com/petal-labs/eventq/core"
	"github.com/petal-labs/eventq/diag"
	"github.com/petal-labs/eventq/executor"
)

var (
	fooEvent = core.NewEvent[string]("Foo")
	barEvent = core.NewEvent[string]("Bar")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector is a handler that remembers every payload it saw.
type collector struct {
	id string

	mu   sync.Mutex
	seen []string
}

func (c *collector) ID() string { return c.id }

func (c *collector) Handle(_ context.Context, p string, _ core.Publisher) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, p)
	return nil
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

func singleLane(t *testing.T, b *bus.Bus, key core.EventKey) executor.Executor {
	t.Helper()
	lanes := b.Inspect(key)
	if len(lanes) != 1 {
		t.Fatalf("got %d executors for %s, want 1", len(lanes), key)
	}
	for e := range lanes {
		return e
	}
	return nil
}

func TestPublish_DeliversOnceAndCountsQueued(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()))
	h := &collector{id: "H"}
	if err := bus.Subscribe[string](b, fooEvent, h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	core.Publish(b, fooEvent, "x")
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)

	if got := h.payloads(); len(got) != 1 || got[0] != "x" {
		t.Fatalf("payloads = %v, want [x]", got)
	}
	lane := singleLane(t, b, fooEvent.Key())
	if lane.Name() != "FooForH" {
		t.Errorf("executor name = %q, want FooForH", lane.Name())
	}
	want := executor.Stats{Queued: 1, Succeeded: 1}
	if got := lane.Stats(); got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}
	if got := b.Stats(); got.EventsObserved != 1 || got.DispatchAttempts != 1 {
		t.Errorf("bus stats = %+v", got)
	}
}

func TestPublish_FailingHandlerIsCountedNotPropagated(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()))
	h := core.NewHandler("H2", func(_ context.Context, p string, _ core.Publisher) error {
		if p == "bad" {
			return errors.New("bad payload")
		}
		return nil
	})
	if err := bus.Subscribe[string](b, fooEvent, h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	core.Publish(b, fooEvent, "bad")
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)

	want := executor.Stats{Queued: 1, Failed: 1}
	if got := singleLane(t, b, fooEvent.Key()).Stats(); got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}
}

func TestPublish_PanickingHandlerIsCounted(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()))
	h := core.NewHandler("H", func(context.Context, string, core.Publisher) error {
		panic("boom")
	})
	if err := bus.Subscribe[string](b, fooEvent, h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	core.Publish(b, fooEvent, "x")
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)

	if got := singleLane(t, b, fooEvent.Key()).Stats(); got.Failed != 1 {
		t.Errorf("failed = %d, want 1", got.Failed)
	}
}

func TestPublish_NoHandlers(t *testing.T) {
	var logs bytes.Buffer
	b := bustest.New(t, bus.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	core.Publish(b, fooEvent, "x")
	if !strings.Contains(logs.String(), "no handlers registered") {
		t.Errorf("expected a warning, got %q", logs.String())
	}

	logs.Reset()
	b.SetSilent(true)
	if !b.Silent() {
		t.Fatal("Silent() = false after SetSilent(true)")
	}
	core.Publish(b, fooEvent, "x")
	if logs.Len() != 0 {
		t.Errorf("silent bus logged %q", logs.String())
	}
	if got := b.Stats().EventsObserved; got != 2 {
		t.Errorf("events observed = %d, want 2", got)
	}
}

func TestPublish_TwoLanesEachSeeEveryPayloadInOrder(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()))
	h1 := &collector{id: "First"}
	h2 := &collector{id: "Second"}
	for _, h := range []*collector{h1, h2} {
		if err := bus.Subscribe[string](b, fooEvent, h); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	var want []string
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		core.Publish(b, fooEvent, p)
		want = append(want, p)
	}
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)

	for _, h := range []*collector{h1, h2} {
		if got := strings.Join(h.payloads(), ""); got != strings.Join(want, "") {
			t.Errorf("%s saw %q, want %q", h.id, got, strings.Join(want, ""))
		}
	}
	if got := len(b.Inspect(fooEvent.Key())); got != 2 {
		t.Errorf("got %d executors, want 2", got)
	}
}

func TestClose_PublishAndSubscribeAreNoOps(t *testing.T) {
	b := bus.New(bus.WithLogger(quietLogger()))
	h := &collector{id: "H"}
	if err := bus.Subscribe[string](b, fooEvent, h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !b.Closed() {
		t.Fatal("Closed() = false")
	}

	core.Publish(b, fooEvent, "late")
	if err := bus.Subscribe[string](b, barEvent, &collector{id: "H"}); err != nil {
		t.Fatalf("Subscribe after close: %v", err)
	}

	if len(h.payloads()) != 0 {
		t.Errorf("handler ran after close: %v", h.payloads())
	}
	if got := len(bus.InspectEvent(b, barEvent)); got != 0 {
		t.Errorf("registration after close appeared: %d executors", got)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := b.WaitUntilQuiescent(time.Second); err != nil {
		t.Errorf("WaitUntilQuiescent on closed bus: %v", err)
	}
}

func TestSubscribe_RejectsReservedSeparator(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()))
	ev := core.NewEvent[string]("ForwardedReport")

	err := bus.Subscribe[string](b, ev, &collector{id: "H"})
	if !errors.Is(err, core.ErrReservedSeparator) {
		t.Fatalf("err = %v, want ErrReservedSeparator", err)
	}
	if got := len(b.Lanes()); got != 0 {
		t.Errorf("got %d lanes, want 0", got)
	}
}

func TestSubscribe_RejectsInvalidHandler(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()))

	err := bus.Subscribe[string](b, fooEvent, &collector{})
	if !errors.Is(err, core.ErrInvalidHandler) {
		t.Fatalf("err = %v, want ErrInvalidHandler", err)
	}

	var typedNil *collector
	err = bus.Subscribe[string](b, fooEvent, typedNil)
	if !errors.Is(err, core.ErrInvalidHandler) {
		t.Fatalf("typed nil handler err = %v, want ErrInvalidHandler", err)
	}
	if got := len(b.Lanes()); got != 0 {
		t.Errorf("got %d lanes, want 0", got)
	}
}

func TestSubscribeWith_RejectsNameMismatch(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()))
	exec := executor.NewSingleLane("SomethingElse", executor.WithLogger(quietLogger()))
	defer exec.Release()

	err := bus.SubscribeWith[string](b, fooEvent, exec, &collector{id: "H"})
	if !errors.Is(err, bus.ErrExecutorNameMismatch) {
		t.Fatalf("err = %v, want ErrExecutorNameMismatch", err)
	}
	if !strings.Contains(err.Error(), `"FooForH"`) {
		t.Errorf("error should name the expected executor: %v", err)
	}
}

func TestSubscribeWith_SharedExecutor(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()))
	exec := executor.NewSingleLane("FooForH", executor.WithLogger(quietLogger()))

	fooInt := core.NewEvent[int]("Foo")
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	hs := core.NewHandler("H", func(_ context.Context, p string, _ core.Publisher) error {
		record("s:" + p)
		return nil
	})
	hi := core.NewHandler("H", func(_ context.Context, p int, _ core.Publisher) error {
		record("i")
		return nil
	})
	if err := bus.SubscribeWith[string](b, fooEvent, exec, hs); err != nil {
		t.Fatalf("SubscribeWith string: %v", err)
	}
	if err := bus.SubscribeWith[string](b, fooEvent, exec, hs); err != nil {
		t.Fatalf("SubscribeWith string again: %v", err)
	}
	if err := bus.SubscribeWith[int](b, fooInt, exec, hi); err != nil {
		t.Fatalf("SubscribeWith int: %v", err)
	}

	if got := bus.InspectEvent(b, fooEvent)[exec]; strings.Join(got, ",") != "H,H" {
		t.Errorf("handlers = %v, want [H H]", got)
	}
	if got := len(b.Lanes()); got != 1 {
		t.Errorf("got %d distinct lanes, want 1", got)
	}

	core.Publish(b, fooEvent, "a")
	core.Publish(b, fooInt, 1)
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)

	mu.Lock()
	defer mu.Unlock()
	if got := strings.Join(order, ","); got != "s:a,s:a,i" {
		t.Errorf("order = %q, want s:a,s:a,i", got)
	}
	if got := exec.Stats().Succeeded; got != 3 {
		t.Errorf("succeeded = %d, want 3", got)
	}
}

func TestWaitUntilQuiescent_FollowsChainedEvents(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()), bus.WithPollInterval(5*time.Millisecond))
	tail := &collector{id: "Tail"}
	head := core.NewHandler("Head", func(_ context.Context, p string, pub core.Publisher) error {
		time.Sleep(10 * time.Millisecond)
		core.Publish(pub, barEvent, p+"!")
		return nil
	})
	if err := bus.Subscribe[string](b, fooEvent, head); err != nil {
		t.Fatal(err)
	}
	if err := bus.Subscribe[string](b, barEvent, tail); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"a", "b", "c"} {
		core.Publish(b, fooEvent, p)
	}
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)

	if got := strings.Join(tail.payloads(), ","); got != "a!,b!,c!" {
		t.Errorf("tail saw %q", got)
	}
}

func TestWaitUntilQuiescent_TimesOutNearDeadline(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()), bus.WithPollInterval(10*time.Millisecond))
	release := make(chan struct{})
	h := core.NewHandler("Blocker", func(context.Context, string, core.Publisher) error {
		<-release
		return nil
	})
	if err := bus.Subscribe[string](b, fooEvent, h); err != nil {
		t.Fatal(err)
	}
	defer close(release)

	core.Publish(b, fooEvent, "x")

	const timeout = 200 * time.Millisecond
	start := time.Now()
	err := b.WaitUntilQuiescent(timeout)
	elapsed := time.Since(start)

	var qerr *bus.QuiescenceTimeoutError
	if !errors.As(err, &qerr) {
		t.Fatalf("err = %v, want *QuiescenceTimeoutError", err)
	}
	if !errors.Is(err, bus.ErrNotQuiescent) {
		t.Errorf("errors.Is(err, ErrNotQuiescent) = false")
	}
	if qerr.Queued != 1 || qerr.Processed != 0 || qerr.Timeout != timeout {
		t.Errorf("timeout error = %+v", qerr)
	}
	if elapsed < timeout || elapsed > timeout+time.Second {
		t.Errorf("elapsed = %s, want close to %s", elapsed, timeout)
	}
}

func TestWaitUntilQuiescent_UsesInjectedClock(t *testing.T) {
	mock := clock.NewMock()
	b := bustest.New(t, bus.WithLogger(quietLogger()), bus.WithClock(mock))
	release := make(chan struct{})
	h := core.NewHandler("Blocker", func(context.Context, string, core.Publisher) error {
		<-release
		return nil
	})
	if err := bus.Subscribe[string](b, fooEvent, h); err != nil {
		t.Fatal(err)
	}
	defer close(release)
	core.Publish(b, fooEvent, "x")

	result := make(chan error, 1)
	go func() { result <- b.WaitUntilQuiescent(time.Second) }()

	giveUp := time.After(5 * time.Second)
	for {
		select {
		case err := <-result:
			if !errors.Is(err, bus.ErrNotQuiescent) {
				t.Fatalf("err = %v, want ErrNotQuiescent", err)
			}
			return
		case <-giveUp:
			t.Fatal("wait did not finish after advancing the mock clock")
		default:
			mock.Add(100 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}

// inlineExecutor runs deliveries on the publishing goroutine.
type inlineExecutor struct {
	name        string
	counters    executor.Counters
	runner      *executor.Runner
	failRelease bool
	released    int
}

func newInlineExecutor(name string, failRelease bool) *inlineExecutor {
	e := &inlineExecutor{name: name, failRelease: failRelease}
	e.runner = executor.NewRunner(name, &e.counters, executor.WithLogger(quietLogger()))
	return e
}

func (e *inlineExecutor) Name() string { return e.name }

func (e *inlineExecutor) Dispatch(d core.Delivery, payload any, pub core.Publisher) {
	e.runner.Accept()
	e.runner.Run(context.Background(), d, payload, pub, time.Now())
}

func (e *inlineExecutor) Stats() executor.Stats { return e.counters.Snapshot() }

func (e *inlineExecutor) Release() error {
	e.released++
	if e.failRelease {
		return errors.New("release failed")
	}
	return nil
}

func TestClose_CollectsReleaseErrorsAndReleasesAll(t *testing.T) {
	b := bus.New(bus.WithLogger(quietLogger()))
	bad := newInlineExecutor("FooForInline", true)
	if err := bus.SubscribeWith[string](b, fooEvent, bad, &collector{id: "Inline"}); err != nil {
		t.Fatal(err)
	}
	good := &collector{id: "H"}
	if err := bus.Subscribe[string](b, barEvent, good); err != nil {
		t.Fatal(err)
	}

	err := b.Close()
	if err == nil || !strings.Contains(err.Error(), "release failed") {
		t.Fatalf("Close err = %v, want release failure", err)
	}
	if bad.released != 1 {
		t.Errorf("failing executor released %d times, want 1", bad.released)
	}
	lanes := b.Lanes()
	if len(lanes) != 2 || lanes[0].Name != "BarForH" {
		t.Fatalf("lanes = %+v", lanes)
	}

	barLane := singleLane(t, b, barEvent.Key())
	d, err := core.Erase[string](good)
	if err != nil {
		t.Fatal(err)
	}
	barLane.Dispatch(d, "late", b)
	if got := barLane.Stats().Queued; got != 0 {
		t.Errorf("BarForH accepted a delivery after Close (queued %d)", got)
	}
	if got := good.payloads(); len(got) != 0 {
		t.Errorf("BarForH handler ran after Close: %v", got)
	}
	if err := barLane.Release(); err != nil {
		t.Errorf("second release of BarForH = %v, want nil", err)
	}
}

func TestPublish_InlineExecutorMayRepublish(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()))
	inline := newInlineExecutor("FooForRelay", false)
	relay := core.NewHandler("Relay", func(_ context.Context, p string, pub core.Publisher) error {
		core.Publish(pub, barEvent, p)
		return nil
	})
	tail := &collector{id: "Tail"}
	if err := bus.SubscribeWith[string](b, fooEvent, inline, relay); err != nil {
		t.Fatal(err)
	}
	if err := bus.Subscribe[string](b, barEvent, tail); err != nil {
		t.Fatal(err)
	}

	core.Publish(b, fooEvent, "x")
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)

	if got := tail.payloads(); len(got) != 1 || got[0] != "x" {
		t.Errorf("tail saw %v", got)
	}
	if got := inline.Stats(); got.Queued != 1 || got.Succeeded != 1 {
		t.Errorf("inline stats = %+v", got)
	}
}

func TestPublish_TraceLevelLogsSummary(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: bus.LevelTrace}))
	d := diag.New()
	diag.Register(d, func(p string, f *diag.Fields) { f.Set("len", len(p)) })

	b := bus.New(bus.WithLogger(logger), bus.WithDescriber(d))
	if err := bus.Subscribe[string](b, fooEvent, &collector{id: "H"}); err != nil {
		t.Fatal(err)
	}
	core.Publish(b, fooEvent, "abc")
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(logs.String(), `payload="{\"len\":3}"`) {
		t.Errorf("trace log missing summary: %s", logs.String())
	}
}

func TestPublish_DescriberPanicDoesNotAffectDispatch(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: bus.LevelTrace}))
	d := diag.New()
	diag.Register(d, func(string, *diag.Fields) { panic("no summary") })

	b := bus.New(bus.WithLogger(logger), bus.WithDescriber(d))
	h := &collector{id: "H"}
	if err := bus.Subscribe[string](b, fooEvent, h); err != nil {
		t.Fatal(err)
	}
	core.Publish(b, fooEvent, "abc")
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if len(h.payloads()) != 1 {
		t.Errorf("handler saw %v", h.payloads())
	}
	if !strings.Contains(logs.String(), "summary_error") {
		t.Errorf("expected summary_error in logs: %s", logs.String())
	}
}

type recordingMetrics struct {
	mu         sync.Mutex
	events     []string
	dispatches []string
}

func (m *recordingMetrics) ObserveEvent(key core.EventKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, key.Name)
}

func (m *recordingMetrics) ObserveDispatch(_ core.EventKey, exec string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches = append(m.dispatches, exec)
}

func TestPublish_ReportsMetrics(t *testing.T) {
	m := &recordingMetrics{}
	b := bustest.New(t, bus.WithLogger(quietLogger()), bus.WithMetrics(m), bus.WithSilent(true))
	if err := bus.Subscribe[string](b, fooEvent, &collector{id: "H"}); err != nil {
		t.Fatal(err)
	}

	core.Publish(b, fooEvent, "x")
	core.Publish(b, barEvent, "y")

	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.Join(m.events, ",") != "Foo,Bar" {
		t.Errorf("events = %v", m.events)
	}
	if strings.Join(m.dispatches, ",") != "FooForH" {
		t.Errorf("dispatches = %v", m.dispatches)
	}
}

func TestLanes_SortedByName(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()))
	for _, id := range []string{"Zeta", "Alpha", "Mid"} {
		if err := bus.Subscribe[string](b, fooEvent, &collector{id: id}); err != nil {
			t.Fatal(err)
		}
	}

	lanes := b.Lanes()
	var names []string
	for _, l := range lanes {
		names = append(names, l.Name)
	}
	if got := strings.Join(names, ","); got != "FooForAlpha,FooForMid,FooForZeta" {
		t.Errorf("lanes = %s", got)
	}
}

func TestLanesByName_MergesExecutorsSharingAName(t *testing.T) {
	b := bustest.New(t, bus.WithLogger(quietLogger()))
	fooInt := core.NewEvent[int]("Foo")
	if err := bus.Subscribe[string](b, fooEvent, &collector{id: "H"}); err != nil {
		t.Fatal(err)
	}
	intHandler := core.NewHandler("H", func(context.Context, int, core.Publisher) error { return nil })
	if err := bus.Subscribe[int](b, fooInt, intHandler); err != nil {
		t.Fatal(err)
	}
	if err := bus.Subscribe[string](b, barEvent, &collector{id: "H"}); err != nil {
		t.Fatal(err)
	}

	core.Publish(b, fooEvent, "x")
	core.Publish(b, fooInt, 1)
	core.Publish(b, fooInt, 2)
	bustest.RequireQuiescent(t, b, bustest.DefaultTimeout)

	if got := len(b.Lanes()); got != 3 {
		t.Fatalf("Lanes() = %d executors, want 3", got)
	}
	merged := b.LanesByName()
	if len(merged) != 2 || merged[0].Name != "BarForH" || merged[1].Name != "FooForH" {
		t.Fatalf("LanesByName() = %+v", merged)
	}
	if s := merged[1].Stats; s.Queued != 3 || s.Succeeded != 3 {
		t.Errorf("FooForH stats = %+v, want 3 queued and succeeded", s)
	}
}
