// Package schedule fires feed refresh cycles on fixed intervals and hands the
// resulting candidate articles to the delivery pipeline.
//
// A cycle splits its feeds into batches. Batches run concurrently up to
// Config.ParallelBatches; feeds inside one batch are refreshed in order.
// Cycles across all schedules share Config.ParallelRuns slots, and a schedule
// never overlaps itself: a firing that finds the previous cycle still in
// flight is skipped.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"feedrelay/internal/delivery"
	"feedrelay/internal/eventbus"
	logx "feedrelay/pkg/logx"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	ErrDuplicate   = errors.New("schedule already registered")
	ErrStarted     = errors.New("scheduler already started")
	ErrBadSchedule = errors.New("invalid schedule")
)

// FeedSource refreshes one feed and returns the articles that are new since
// the previous refresh, already bound to their destinations.
type FeedSource interface {
	Candidates(ctx context.Context, feedID string) ([]delivery.Article, error)
}

// Deliverer is satisfied by *delivery.Pipeline.
type Deliverer interface {
	Deliver(ctx context.Context, a delivery.Article) delivery.Result
}

// CycleCloser is implemented by deliverers that hold per-cycle state. EndCycle
// is called once every batch of the cycle returned.
type CycleCloser interface {
	EndCycle(runID string)
}

type Config struct {
	ParallelBatches int
	ParallelRuns    int
	BatchSize       int
	// RunOnStart fires one cycle per schedule as soon as BeginTimers is called.
	RunOnStart bool
	Location   *time.Location
}

func (c Config) withDefaults() Config {
	if c.ParallelBatches <= 0 {
		c.ParallelBatches = 1
	}
	if c.ParallelRuns <= 0 {
		c.ParallelRuns = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

type Schedule struct {
	Name            string
	RefreshInterval time.Duration
	Feeds           []string
}

type entry struct {
	sched   Schedule
	entryID cron.EntryID
	spread  time.Duration
	state   runState

	fired     atomic.Uint64
	skipped   atomic.Uint64
	completed atomic.Uint64
	feedErrs  atomic.Uint64

	mu   sync.Mutex
	last CycleStats
}

type Manager struct {
	cfg     Config
	src     FeedSource
	deliver Deliverer
	log     logx.Logger
	bus     eventbus.Bus
	runs    gate

	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

func New(cfg Config, src FeedSource, deliver Deliverer, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		src:     src,
		deliver: deliver,
		log:     log,
		bus:     bus,
		runs:    newGate(cfg.ParallelRuns),
		byName:  map[string]*entry{},
	}
}

// AddSchedules registers schedules without arming them. It must be called
// before BeginTimers.
func (m *Manager) AddSchedules(scheds ...Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return ErrStarted
	}
	seen := map[string]bool{}
	for _, s := range scheds {
		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			return fmt.Errorf("%w: name required", ErrBadSchedule)
		case s.RefreshInterval <= 0:
			return fmt.Errorf("%w: %s: refresh interval must be > 0", ErrBadSchedule, name)
		case m.byName[name] != nil || seen[name]:
			return fmt.Errorf("%w: %s", ErrDuplicate, name)
		}
		seen[name] = true
	}
	for _, s := range scheds {
		s.Name = strings.TrimSpace(s.Name)
		s.Feeds = append([]string(nil), s.Feeds...)
		e := &entry{sched: s}
		m.entries = append(m.entries, e)
		m.byName[s.Name] = e
		m.log.Debug("schedule registered",
			logx.String("name", s.Name),
			logx.Duration("every", s.RefreshInterval),
			logx.Int("feeds", len(s.Feeds)))
	}
	return nil
}

// BeginTimers arms one interval timer per schedule. Cycles run with a context
// derived from ctx, cancelled by Stop once its wait budget is spent.
func (m *Manager) BeginTimers(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil || m.stopped {
		return ErrStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.c = cron.New(cron.WithLocation(m.cfg.Location))

	now := time.Now().In(m.cfg.Location)
	for _, e := range m.entries {
		e := e
		sched, jitter := everyWithSpread(e.sched.RefreshInterval, now, e.sched.Name)
		e.spread = jitter
		e.entryID = m.c.Schedule(sched, cron.FuncJob(func() { m.fire(e, "timer") }))
	}
	m.c.Start()
	m.log.Info("scheduler started",
		logx.Int("schedules", len(m.entries)),
		logx.String("tz", m.cfg.Location.String()),
		logx.Bool("run_on_start", m.cfg.RunOnStart))

	if m.cfg.RunOnStart {
		for _, e := range m.entries {
			e := e
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.runCycle(m.ctx, e, "start")
			}()
		}
	}
	return nil
}

// fire is the timer callback.
func (m *Manager) fire(e *entry, trigger string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()
	m.runCycle(ctx, e, trigger)
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	RunID      string         `json:"run_id"`
	Schedule   string         `json:"schedule"`
	Trigger    string         `json:"trigger"`
	Started    time.Time      `json:"started"`
	Took       time.Duration  `json:"took"`
	Feeds      int            `json:"feeds"`
	FeedErrors int            `json:"feed_errors"`
	Candidates int            `json:"candidates"`
	Outcomes   map[string]int `json:"outcomes,omitempty"`
	Cancelled  bool           `json:"cancelled,omitempty"`
}

// runCycle runs one cycle for e unless one is already in flight. It reports
// false when the firing was skipped.
func (m *Manager) runCycle(ctx context.Context, e *entry, trigger string) (CycleStats, bool) {
	e.fired.Add(1)
	name := e.sched.Name
	if !e.state.tryAcquire() {
		e.skipped.Add(1)
		m.log.Debug("cycle skipped; previous still running", logx.String("schedule", name), logx.String("trigger", trigger))
		eventbus.Publish(m.bus, eventbus.CycleSkipped, map[string]string{"schedule": name, "trigger": trigger})
		return CycleStats{}, false
	}
	defer e.state.release()

	if !m.runs.acquire(ctx) {
		return CycleStats{Schedule: name, Trigger: trigger, Cancelled: true}, true
	}
	defer m.runs.release()

	st := CycleStats{
		RunID:    uuid.NewString(),
		Schedule: name,
		Trigger:  trigger,
		Started:  time.Now(),
		Feeds:    len(e.sched.Feeds),
		Outcomes: map[string]int{},
	}
	log := m.log.With(logx.String("schedule", name), logx.String("run_id", st.RunID))
	log.Debug("cycle started", logx.String("trigger", trigger), logx.Int("feeds", st.Feeds))
	eventbus.Publish(m.bus, eventbus.CycleStarted, map[string]string{"schedule": name, "run_id": st.RunID, "trigger": trigger})

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		batches = newGate(m.cfg.ParallelBatches)
	)
	merge := func(b batchResult) {
		mu.Lock()
		st.FeedErrors += b.feedErrors
		st.Candidates += b.candidates
		for k, v := range b.outcomes {
			st.Outcomes[k] += v
		}
		mu.Unlock()
	}

	for _, batch := range splitBatches(e.sched.Feeds, m.cfg.BatchSize) {
		if !batches.acquire(ctx) {
			break
		}
		wg.Add(1)
		go func(feeds []string) {
			defer wg.Done()
			defer batches.release()
			merge(m.runBatch(ctx, log, st.RunID, feeds))
		}(batch)
	}
	wg.Wait()
	if c, ok := m.deliver.(CycleCloser); ok {
		c.EndCycle(st.RunID)
	}

	st.Took = time.Since(st.Started)
	st.Cancelled = ctx.Err() != nil
	e.feedErrs.Add(uint64(st.FeedErrors))
	e.completed.Add(1)
	e.mu.Lock()
	e.last = st
	e.mu.Unlock()

	log.Info("cycle finished",
		logx.Int("feeds", st.Feeds),
		logx.Int("candidates", st.Candidates),
		logx.Int("feed_errors", st.FeedErrors),
		logx.Any("outcomes", st.Outcomes),
		logx.Duration("took", st.Took))
	eventbus.Publish(m.bus, eventbus.CycleFinished, st)
	return st, true
}

type batchResult struct {
	feedErrors int
	candidates int
	outcomes   map[string]int
}

func (m *Manager) runBatch(ctx context.Context, log logx.Logger, runID string, feeds []string) batchResult {
	res := batchResult{outcomes: map[string]int{}}
	for _, feedID := range feeds {
		if ctx.Err() != nil {
			return res
		}
		articles, err := m.src.Candidates(ctx, feedID)
		if err != nil {
			res.feedErrors++
			if ctx.Err() == nil {
				log.Warn("feed refresh failed", logx.String("feed_id", feedID), logx.Err(err))
			}
			continue
		}
		res.candidates += len(articles)
		for _, a := range articles {
			if ctx.Err() != nil {
				return res
			}
			a.CycleID = runID
			r := m.deliver.Deliver(ctx, a)
			res.outcomes[r.Disposition.String()]++
		}
	}
	return res
}

func splitBatches(feeds []string, size int) [][]string {
	if size <= 0 {
		size = len(feeds)
	}
	var out [][]string
	for len(feeds) > 0 {
		n := min(size, len(feeds))
		out = append(out, feeds[:n:n])
		feeds = feeds[n:]
	}
	return out
}

// Stop disarms all timers and waits for in-flight cycles. When ctx expires
// first, running cycles are cancelled and ctx.Err() is returned.
func (m *Manager) Stop(ctx context.Context) error {
	start := time.Now()
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	c := m.c
	cancel := m.cancel
	m.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		m.log.Warn("scheduler stop timed out; cancelling running cycles")
	}
	if cancel != nil {
		cancel()
	}
	m.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}
