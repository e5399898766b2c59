package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	rtsup "feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"

	"golang.org/x/time/rate"
)

// QueueEntry is an admitted article waiting for its destination's drain.
type QueueEntry struct {
	Article    Article
	Rendered   *Rendered
	Medium     transport.Medium
	EnqueuedAt time.Time
}

// DrainFunc sends one dequeued entry. It runs on the queue's drain goroutine,
// so the next entry of the same destination waits until it returns.
type DrainFunc func(ctx context.Context, e QueueEntry)

// DestinationQueue is a FIFO of admitted articles for one destination.
// Only QueueRegistry creates queues.
type DestinationQueue struct {
	id      string
	limiter *rate.Limiter

	mu       sync.Mutex
	items    []QueueEntry
	enqueued uint64
	drained  uint64
	lastSend time.Time

	signal chan struct{}
}

func newDestinationQueue(id string, perSec float64) *DestinationQueue {
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return &DestinationQueue{
		id:      id,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		signal:  make(chan struct{}, 1),
	}
}

func (q *DestinationQueue) ID() string { return q.id }

// Enqueue appends e at the tail. It never blocks.
func (q *DestinationQueue) Enqueue(e QueueEntry) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	q.items = append(q.items, e)
	q.enqueued++
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *DestinationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *DestinationQueue) pop() (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueueEntry{}, false
	}
	e := q.items[0]
	q.items[0] = QueueEntry{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Let the backing array go once drained.
		q.items = nil
	}
	q.drained++
	q.lastSend = time.Now()
	return e, true
}

// run drains the queue at the configured rate until ctx is done.
func (q *DestinationQueue) run(ctx context.Context, drain DrainFunc) error {
	for {
		if q.Len() == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.signal:
				continue
			}
		}
		if err := q.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		e, ok := q.pop()
		if !ok {
			continue
		}
		drain(ctx, e)
	}
}

// QueueInfo is a queue's state for status reporting.
type QueueInfo struct {
	Destination string    `json:"destination"`
	Pending     int       `json:"pending"`
	Enqueued    uint64    `json:"enqueued"`
	Drained     uint64    `json:"drained"`
	LastSend    time.Time `json:"last_send,omitempty"`
}

func (q *DestinationQueue) info() QueueInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueInfo{
		Destination: q.id,
		Pending:     len(q.items),
		Enqueued:    q.enqueued,
		Drained:     q.drained,
		LastSend:    q.lastSend,
	}
}

// QueueRegistry owns one DestinationQueue per destination and its drain
// goroutine. Queues are created on first use and live until Stop.
type QueueRegistry struct {
	perSec float64
	drain  DrainFunc
	log    logx.Logger
	sup    *rtsup.Supervisor

	mu      sync.Mutex
	queues  map[string]*DestinationQueue
	stopped bool
}

// NewQueueRegistry creates a registry whose queues drain perSec items per
// second each, handing entries to drain.
func NewQueueRegistry(ctx context.Context, perSec float64, drain DrainFunc, log logx.Logger) *QueueRegistry {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "delivery.queue"))
	return &QueueRegistry{
		perSec: perSec,
		drain:  drain,
		log:    log,
		sup: rtsup.New(ctx,
			rtsup.WithLogger(log),
			rtsup.WithCancelOnError(false),
		),
		queues: map[string]*DestinationQueue{},
	}
}

// QueueFor returns the queue for dest, creating it and starting its drain on
// first use. Repeated calls with the same destination return the same queue.
func (r *QueueRegistry) QueueFor(dest transport.Destination) *DestinationQueue {
	id := dest.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[id]; ok {
		return q
	}
	q := newDestinationQueue(id, r.perSec)
	r.queues[id] = q
	if !r.stopped {
		r.sup.GoRestart("drain:"+id, func(ctx context.Context) error {
			return q.run(ctx, r.drain)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
		r.log.Debug("destination queue created", logx.String("destination", id))
	}
	return q
}

// Snapshot lists every queue, sorted by destination.
func (r *QueueRegistry) Snapshot() []QueueInfo {
	r.mu.Lock()
	qs := make([]*DestinationQueue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.mu.Unlock()

	out := make([]QueueInfo, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

// Stop halts every drain goroutine. Pending entries are abandoned and counted
// in the returned log line; nothing is persisted.
func (r *QueueRegistry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	pending := 0
	for _, q := range r.queues {
		pending += q.Len()
	}
	r.mu.Unlock()

	err := r.sup.Stop(ctx)
	if pending > 0 {
		r.log.Warn("delivery queues stopped with pending articles", logx.Int("pending", pending))
	}
	return err
}
