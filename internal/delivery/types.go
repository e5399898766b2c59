package delivery

import (
	"context"
	"time"

	"feedrelay/internal/transport"
)

// FeedRef identifies the feed an article came from.
type FeedRef struct {
	ID    string
	URL   string
	Title string
}

// Article is a candidate article bound to one destination.
// It is immutable once created and consumed exactly once by the pipeline.
type Article struct {
	ID          string
	Title       string
	Link        string
	Summary     string
	Published   time.Time
	Feed        FeedRef
	Destination transport.Destination
	// CycleID names the refresh cycle that produced the article. The global
	// quota is counted per cycle.
	CycleID string
}

// Rendered is an article after filter evaluation and payload construction.
type Rendered struct {
	// Passed is false when content filters rejected the article.
	Passed bool
	// Reason explains a rejection (e.g. the matching filter term).
	Reason string
	// Payloads holds one request per message part.
	Payloads []transport.Request

	FeedID        string
	DestinationID string
	CycleID       string
}

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
)

// Outcome is the terminal recorded result of one delivery attempt.
type Outcome struct {
	ArticleID     string
	FeedURL       string
	DestinationID string
	Status        Status
	Comment       string
	At            time.Time
}

func (o Outcome) Delivered() bool { return o.Status == StatusDelivered }

// Resolver looks up a destination right before delivery.
// It returns an error matching ErrDestinationMissing when the destination is gone.
type Resolver interface {
	Resolve(ctx context.Context, dest transport.Destination) (transport.Medium, error)
}

// Renderer builds destination payloads and evaluates content filters.
type Renderer interface {
	Render(ctx context.Context, a Article, m transport.Medium) (*Rendered, error)
}

// Sink performs one outbound request.
type Sink interface {
	Do(ctx context.Context, req transport.Request) error
}

// Recorder durably logs outcomes. Implementations may be slow; the pipeline
// bounds every write with a timeout and never propagates its errors.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
}

// Disposition is how a single Deliver call ended.
type Disposition int

const (
	// Dropped: destination missing, nothing recorded.
	Dropped Disposition = iota
	// Blocked: filters rejected the article.
	Blocked
	// Limited: a quota scope was exhausted, nothing recorded.
	Limited
	// Queued: parked in the destination queue; the outcome is recorded at drain time.
	Queued
	Delivered
	Failed
)

func (d Disposition) String() string {
	switch d {
	case Dropped:
		return "dropped"
	case Blocked:
		return "blocked"
	case Limited:
		return "rate_limited"
	case Queued:
		return "queued"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes what Deliver did with an article.
type Result struct {
	Disposition Disposition
	Err         error
}

// Config controls pipeline behavior. It is fixed at construction.
type Config struct {
	// DequeueRate is the per-destination drain rate in items per second.
	// 0 selects direct-send mode (no queues).
	DequeueRate float64
	// LogUnfiltered logs filter-blocked articles at info level.
	LogUnfiltered bool
	// SendTimeout bounds each outbound request. Default 15s.
	SendTimeout time.Duration
	// RecordTimeout bounds each recorder write. Default 5s.
	RecordTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = 5 * time.Second
	}
	if c.DequeueRate < 0 {
		c.DequeueRate = 0
	}
	return c
}
