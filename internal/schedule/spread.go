package schedule

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays only the first firing of an interval schedule, so
// schedules registered together do not all refresh on the same tick.
type spreadSchedule struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

var spreadSeq atomic.Uint64

func everyWithSpread(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return base, 0
	}
	seed := now.UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(nameHash(name))
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(window)))
	return &spreadSchedule{every: base, first: now.Add(every + jitter)}, jitter
}

func nameHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// gate is a counting semaphore made of pre-filled tokens.
type gate chan struct{}

func newGate(n int) gate {
	if n <= 0 {
		n = 1
	}
	g := make(gate, n)
	for i := 0; i < n; i++ {
		g <- struct{}{}
	}
	return g
}

func (g gate) acquire(ctx context.Context) bool {
	select {
	case <-g:
		return true
	case <-ctx.Done():
		return false
	}
}

func (g gate) release() {
	select {
	case g <- struct{}{}:
	default:
	}
}

// runState marks a schedule as having a cycle in flight (running or waiting
// for a run slot).
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func (s *runState) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}
