package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedrelay/internal/delivery"
	"feedrelay/internal/eventbus"
	logx "feedrelay/pkg/logx"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]bool
	per     int
	delay   time.Duration
	block   chan struct{}
	entered chan string

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeSource) Candidates(ctx context.Context, feedID string) ([]delivery.Article, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, feedID)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- feedID
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail[feedID] {
		return nil, errors.New("feed unreachable")
	}
	out := make([]delivery.Article, f.per)
	for i := range out {
		out[i] = delivery.Article{ID: feedID, Feed: delivery.FeedRef{ID: feedID}}
	}
	return out, nil
}

func (f *fakeSource) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type countingDeliverer struct{ n atomic.Int32 }

func (d *countingDeliverer) Deliver(context.Context, delivery.Article) delivery.Result {
	d.n.Add(1)
	return delivery.Result{Disposition: delivery.Delivered}
}

type cycleDeliverer struct {
	mu     sync.Mutex
	seen   map[string]int
	closed []string
}

func (d *cycleDeliverer) Deliver(_ context.Context, a delivery.Article) delivery.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.closed) > 0 && d.closed[len(d.closed)-1] == a.CycleID {
		return delivery.Result{Disposition: delivery.Failed}
	}
	if d.seen == nil {
		d.seen = map[string]int{}
	}
	d.seen[a.CycleID]++
	return delivery.Result{Disposition: delivery.Delivered}
}

func (d *cycleDeliverer) EndCycle(runID string) {
	d.mu.Lock()
	d.closed = append(d.closed, runID)
	d.mu.Unlock()
}

func TestAddSchedulesValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		scheds []Schedule
		want   error
	}{
		{name: "ok", scheds: []Schedule{{Name: "a", RefreshInterval: time.Minute}}},
		{name: "empty name", scheds: []Schedule{{Name: " ", RefreshInterval: time.Minute}}, want: ErrBadSchedule},
		{name: "zero interval", scheds: []Schedule{{Name: "a"}}, want: ErrBadSchedule},
		{name: "duplicate in call", scheds: []Schedule{
			{Name: "a", RefreshInterval: time.Minute},
			{Name: "a", RefreshInterval: time.Hour},
		}, want: ErrDuplicate},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := New(Config{}, &fakeSource{}, &countingDeliverer{}, logx.Nop(), nil)
			err := m.AddSchedules(tc.scheds...)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if tc.want != nil && len(m.Snapshot().Schedules) != 0 {
				t.Fatal("rejected call must not register anything")
			}
		})
	}

	m := New(Config{}, &fakeSource{}, &countingDeliverer{}, logx.Nop(), nil)
	if err := m.AddSchedules(Schedule{Name: "a", RefreshInterval: time.Minute}); err != nil {
		t.Fatalf("AddSchedules: %v", err)
	}
	if err := m.AddSchedules(Schedule{Name: "a", RefreshInterval: time.Minute}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second registration err = %v", err)
	}
}

func TestCycleIsolatesFeedErrors(t *testing.T) {
	t.Parallel()
	src := &fakeSource{per: 2, fail: map[string]bool{"f2": true}}
	del := &countingDeliverer{}
	m := New(Config{BatchSize: 2, ParallelBatches: 1}, src, del, logx.Nop(), nil)
	feeds := []string{"f1", "f2", "f3", "f4", "f5"}
	if err := m.AddSchedules(Schedule{Name: "news", RefreshInterval: time.Hour, Feeds: feeds}); err != nil {
		t.Fatalf("AddSchedules: %v", err)
	}

	st, ran := m.runCycle(context.Background(), m.byName["news"], "test")
	if !ran {
		t.Fatal("cycle was skipped")
	}
	if st.FeedErrors != 1 || st.Candidates != 8 || st.Outcomes["delivered"] != 8 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if got := del.n.Load(); got != 8 {
		t.Fatalf("delivered %d, want 8", got)
	}
	got := src.order()
	for i, id := range feeds {
		if got[i] != id {
			t.Fatalf("refresh order = %v, want %v", got, feeds)
		}
	}
	if st.RunID == "" {
		t.Fatal("run id not set")
	}
	snap := m.Snapshot().Schedules[0]
	if snap.Completed != 1 || snap.FeedErrors != 1 || snap.Last == nil {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestCycleTagsArticlesAndEndsCycle(t *testing.T) {
	t.Parallel()
	del := &cycleDeliverer{}
	m := New(Config{BatchSize: 1, ParallelBatches: 2}, &fakeSource{per: 2}, del, logx.Nop(), nil)
	if err := m.AddSchedules(Schedule{Name: "news", RefreshInterval: time.Hour, Feeds: []string{"f1", "f2", "f3"}}); err != nil {
		t.Fatalf("AddSchedules: %v", err)
	}

	first, _ := m.runCycle(context.Background(), m.byName["news"], "test")
	second, _ := m.runCycle(context.Background(), m.byName["news"], "test")

	del.mu.Lock()
	defer del.mu.Unlock()
	if first.RunID == second.RunID {
		t.Fatal("cycles share a run id")
	}
	if del.seen[first.RunID] != 6 || del.seen[second.RunID] != 6 || len(del.seen) != 2 {
		t.Fatalf("articles per cycle = %v", del.seen)
	}
	if len(del.closed) != 2 || del.closed[0] != first.RunID || del.closed[1] != second.RunID {
		t.Fatalf("closed = %v, want [%s %s]", del.closed, first.RunID, second.RunID)
	}
	if first.Outcomes["delivered"] != 6 {
		t.Fatalf("outcomes = %v", first.Outcomes)
	}
}

func TestOverlappingFiringIsSkipped(t *testing.T) {
	t.Parallel()
	src := &fakeSource{block: make(chan struct{}), entered: make(chan string, 1)}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	m := New(Config{}, src, &countingDeliverer{}, logx.Nop(), bus)
	if err := m.AddSchedules(Schedule{Name: "slow", RefreshInterval: time.Minute, Feeds: []string{"f1"}}); err != nil {
		t.Fatalf("AddSchedules: %v", err)
	}
	e := m.byName["slow"]

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.runCycle(context.Background(), e, "first")
	}()
	<-src.entered

	if _, ran := m.runCycle(context.Background(), e, "second"); ran {
		t.Fatal("overlapping firing should be skipped")
	}
	if !m.Snapshot().Schedules[0].Running {
		t.Fatal("schedule should report running")
	}
	close(src.block)
	<-done

	snap := m.Snapshot().Schedules[0]
	if snap.Fired != 2 || snap.Skipped != 1 || snap.Completed != 1 || snap.Running {
		t.Fatalf("snapshot = %+v", snap)
	}

	sawSkip := false
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.CycleSkipped {
			sawSkip = true
		}
	}
	if !sawSkip {
		t.Fatal("missing cycle skipped event")
	}

	// The next firing after completion runs normally.
	src.entered = nil
	if _, ran := m.runCycle(context.Background(), e, "third"); !ran {
		t.Fatal("firing after completion should run")
	}
}

func TestParallelBatchesBound(t *testing.T) {
	t.Parallel()
	src := &fakeSource{delay: 20 * time.Millisecond}
	m := New(Config{BatchSize: 1, ParallelBatches: 2}, src, &countingDeliverer{}, logx.Nop(), nil)
	if err := m.AddSchedules(Schedule{Name: "wide", RefreshInterval: time.Minute, Feeds: []string{"a", "b", "c", "d", "e", "f"}}); err != nil {
		t.Fatalf("AddSchedules: %v", err)
	}
	m.runCycle(context.Background(), m.byName["wide"], "test")

	if got := src.maxActive.Load(); got > 2 || got < 1 {
		t.Fatalf("max concurrent refreshes = %d, want 1..2", got)
	}
	if len(src.order()) != 6 {
		t.Fatalf("refreshed %v", src.order())
	}
}

func TestParallelRunsGate(t *testing.T) {
	t.Parallel()
	src := &fakeSource{block: make(chan struct{}), entered: make(chan string, 2)}
	m := New(Config{ParallelRuns: 1}, src, &countingDeliverer{}, logx.Nop(), nil)
	if err := m.AddSchedules(
		Schedule{Name: "a", RefreshInterval: time.Minute, Feeds: []string{"fa"}},
		Schedule{Name: "b", RefreshInterval: time.Minute, Feeds: []string{"fb"}},
	); err != nil {
		t.Fatalf("AddSchedules: %v", err)
	}

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		e := m.byName[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runCycle(context.Background(), e, "test")
		}()
	}

	<-src.entered
	select {
	case id := <-src.entered:
		t.Fatalf("second cycle refreshed %s while the only run slot was taken", id)
	case <-time.After(50 * time.Millisecond):
	}
	close(src.block)
	wg.Wait()
	if len(src.order()) != 2 {
		t.Fatalf("both cycles should eventually run: %v", src.order())
	}
}

func TestBeginTimersRunOnStartAndStop(t *testing.T) {
	t.Parallel()
	src := &fakeSource{per: 1}
	del := &countingDeliverer{}
	m := New(Config{RunOnStart: true}, src, del, logx.Nop(), nil)
	if err := m.AddSchedules(Schedule{Name: "hourly", RefreshInterval: time.Hour, Feeds: []string{"f1"}}); err != nil {
		t.Fatalf("AddSchedules: %v", err)
	}
	if err := m.BeginTimers(context.Background()); err != nil {
		t.Fatalf("BeginTimers: %v", err)
	}
	if err := m.BeginTimers(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("second BeginTimers err = %v", err)
	}
	if err := m.AddSchedules(Schedule{Name: "late", RefreshInterval: time.Hour}); !errors.Is(err, ErrStarted) {
		t.Fatalf("AddSchedules after start err = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for del.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if del.n.Load() != 1 {
		t.Fatalf("start cycle delivered %d", del.n.Load())
	}

	snap := m.Snapshot()
	if !snap.Started || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v", snap)
	}
	if next := snap.Schedules[0].Next; time.Until(next) < 59*time.Minute {
		t.Fatalf("first timer fires too early: %s", next)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Snapshot().Started {
		t.Fatal("still started after Stop")
	}
}

func TestStopCancelsStuckCycle(t *testing.T) {
	t.Parallel()
	src := &fakeSource{block: make(chan struct{}), entered: make(chan string, 1)}
	m := New(Config{RunOnStart: true}, src, &countingDeliverer{}, logx.Nop(), nil)
	if err := m.AddSchedules(Schedule{Name: "stuck", RefreshInterval: time.Hour, Feeds: []string{"f1"}}); err != nil {
		t.Fatalf("AddSchedules: %v", err)
	}
	if err := m.BeginTimers(context.Background()); err != nil {
		t.Fatalf("BeginTimers: %v", err)
	}
	<-src.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Snapshot().Schedules[0].Running && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Snapshot().Schedules[0].Running {
		t.Fatal("cycle still running after cancellation")
	}
}

func TestSplitBatches(t *testing.T) {
	t.Parallel()
	got := splitBatches([]string{"a", "b", "c", "d", "e"}, 2)
	if len(got) != 3 || len(got[0]) != 2 || len(got[2]) != 1 || got[2][0] != "e" {
		t.Fatalf("batches = %v", got)
	}
	if len(splitBatches(nil, 3)) != 0 {
		t.Fatal("no feeds, no batches")
	}
}
