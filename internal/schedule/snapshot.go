package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Every         time.Duration `json:"every"`
	Feeds         int           `json:"feeds"`
	StartupSpread time.Duration `json:"startup_spread"`
	Next          time.Time     `json:"next"`
	Prev          time.Time     `json:"prev"`
	Running       bool          `json:"running"`
	Fired         uint64        `json:"fired"`
	Skipped       uint64        `json:"skipped"`
	Completed     uint64        `json:"completed"`
	FeedErrors    uint64        `json:"feed_errors"`
	Last          *CycleStats   `json:"last,omitempty"`
}

type Snapshot struct {
	Started   bool           `json:"started"`
	Timezone  string         `json:"timezone"`
	RunSlots  int            `json:"run_slots"`
	Schedules []ScheduleInfo `json:"schedules"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	c := m.c
	started := c != nil && !m.stopped
	entries := append([]*entry(nil), m.entries...)
	ids := make([]cron.EntryID, len(entries))
	spreads := make([]time.Duration, len(entries))
	for i, e := range entries {
		ids[i], spreads[i] = e.entryID, e.spread
	}
	m.mu.Unlock()

	out := Snapshot{
		Started:   started,
		Timezone:  m.cfg.Location.String(),
		RunSlots:  m.cfg.ParallelRuns,
		Schedules: make([]ScheduleInfo, 0, len(entries)),
	}
	for i, e := range entries {
		it := ScheduleInfo{
			Name:          e.sched.Name,
			Every:         e.sched.RefreshInterval,
			Feeds:         len(e.sched.Feeds),
			StartupSpread: spreads[i],
			Running:       e.state.running(),
			Fired:         e.fired.Load(),
			Skipped:       e.skipped.Load(),
			Completed:     e.completed.Load(),
			FeedErrors:    e.feedErrs.Load(),
		}
		if c != nil && ids[i] != 0 {
			ce := c.Entry(ids[i])
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		e.mu.Lock()
		if e.last.RunID != "" {
			last := e.last
			it.Last = &last
		}
		e.mu.Unlock()
		out.Schedules = append(out.Schedules, it)
	}
	return out
}
