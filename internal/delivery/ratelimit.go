package delivery

import (
	"sync"
	"time"
)

// LimitConfig configures the quota scopes. A zero limit means unlimited.
type LimitConfig struct {
	// Global caps sends across all destinations within one refresh cycle.
	Global int
	// DestinationDaily caps sends per destination per calendar day.
	DestinationDaily int
	// FeedDaily caps sends per feed per calendar day.
	FeedDaily int
	// Location defines the daily reset boundary (midnight). Default time.Local.
	Location *time.Location
}

// unscheduledCycle buckets global admissions that carry no cycle id.
const unscheduledCycle = "unscheduled"

// QuotaSnapshot is a point-in-time copy of the counters.
type QuotaSnapshot struct {
	Day          string         `json:"day"`
	Cycles       map[string]int `json:"cycles"`
	Destinations map[string]int `json:"destinations"`
	Feeds        map[string]int `json:"feeds"`
}

// RateLimiter tracks consumption against the global per-cycle,
// per-destination-day and per-feed-day quotas.
//
// Check and consume happen in one critical section: two concurrent deliveries
// can never both see the last remaining unit.
type RateLimiter struct {
	mu  sync.Mutex
	cfg LimitConfig
	now func() time.Time

	cycles map[string]int

	day  string
	dest map[string]int
	feed map[string]int
}

// NewRateLimiter builds a limiter. now may be nil (time.Now).
func NewRateLimiter(cfg LimitConfig, now func() time.Time) *RateLimiter {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		cfg:    cfg,
		now:    now,
		cycles: map[string]int{},
		dest:   map[string]int{},
		feed:   map[string]int{},
	}
}

// Admit checks, in order, the cycle's global budget, the destination's daily
// budget and the feed's daily budget. If all admit, one unit is consumed from
// each configured scope; otherwise nothing is consumed and a *RateLimitError
// is returned.
func (l *RateLimiter) Admit(r *Rendered) error {
	if l == nil || r == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollLocked(l.now())

	cycle := r.CycleID
	if cycle == "" {
		cycle = unscheduledCycle
	}
	if l.cfg.Global > 0 && l.cycles[cycle] >= l.cfg.Global {
		return &RateLimitError{Scope: ScopeGlobal, Key: cycle, Limit: l.cfg.Global}
	}
	if l.cfg.DestinationDaily > 0 && r.DestinationID != "" && l.dest[r.DestinationID] >= l.cfg.DestinationDaily {
		return &RateLimitError{Scope: ScopeDestination, Key: r.DestinationID, Limit: l.cfg.DestinationDaily}
	}
	if l.cfg.FeedDaily > 0 && r.FeedID != "" && l.feed[r.FeedID] >= l.cfg.FeedDaily {
		return &RateLimitError{Scope: ScopeFeed, Key: r.FeedID, Limit: l.cfg.FeedDaily}
	}

	l.cycles[cycle]++
	if r.DestinationID != "" {
		l.dest[r.DestinationID]++
	}
	if r.FeedID != "" {
		l.feed[r.FeedID]++
	}
	return nil
}

// EndCycle forgets the global usage of a finished cycle.
func (l *RateLimiter) EndCycle(cycleID string) {
	if l == nil || cycleID == "" {
		return
	}
	l.mu.Lock()
	delete(l.cycles, cycleID)
	l.mu.Unlock()
}

// rollLocked clears the daily counters once the day changed. The reset is a
// snapshot-and-clear at the boundary, so a cycle spanning midnight counts
// each send exactly once, in the day it was admitted.
func (l *RateLimiter) rollLocked(now time.Time) {
	day := now.In(l.cfg.Location).Format("2006-01-02")
	if day != l.day {
		l.day = day
		l.dest = map[string]int{}
		l.feed = map[string]int{}
	}
}

// Snapshot returns a copy of the current counters.
func (l *RateLimiter) Snapshot() QuotaSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(l.now())

	snap := QuotaSnapshot{
		Day:          l.day,
		Cycles:       make(map[string]int, len(l.cycles)),
		Destinations: make(map[string]int, len(l.dest)),
		Feeds:        make(map[string]int, len(l.feed)),
	}
	for k, v := range l.cycles {
		snap.Cycles[k] = v
	}
	for k, v := range l.dest {
		snap.Destinations[k] = v
	}
	for k, v := range l.feed {
		snap.Feeds[k] = v
	}
	return snap
}
