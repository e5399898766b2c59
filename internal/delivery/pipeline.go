package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

// Deps are the collaborators of a Pipeline. Limiter, Recorder and Bus may be nil.
type Deps struct {
	Resolver Resolver
	Renderer Renderer
	Limiter  *RateLimiter
	Sink     Sink
	Recorder Recorder
	Log      logx.Logger
	Bus      eventbus.Bus
}

// Pipeline moves one article through resolve, render, filter, admit and
// dispatch, then records the outcome.
//
// It is safe for concurrent use; per-destination ordering is only guaranteed
// in queued mode.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	queues *QueueRegistry
	now    func() time.Time

	mu      sync.Mutex
	stopped bool
}

// NewPipeline builds a pipeline. When cfg.DequeueRate > 0 it also starts a
// QueueRegistry bound to ctx.
func NewPipeline(ctx context.Context, cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Resolver == nil || deps.Renderer == nil || deps.Sink == nil {
		return nil, errors.New("delivery: resolver, renderer and sink are required")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	p := &Pipeline{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "delivery")),
		now:  time.Now,
	}
	if p.cfg.DequeueRate > 0 {
		p.queues = NewQueueRegistry(ctx, p.cfg.DequeueRate, p.drain, deps.Log)
	}
	return p, nil
}

// Queued reports whether the pipeline parks admitted articles in per-destination queues.
func (p *Pipeline) Queued() bool { return p.queues != nil }

// Queues returns the queue registry, or nil in direct mode.
func (p *Pipeline) Queues() *QueueRegistry { return p.queues }

// Limiter returns the quota limiter (may be nil).
func (p *Pipeline) Limiter() *RateLimiter { return p.deps.Limiter }

// Deliver runs one article through the pipeline. It never panics on a missing
// destination and never returns recorder failures.
func (p *Pipeline) Deliver(ctx context.Context, a Article) Result {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return Result{Disposition: Dropped, Err: ErrStopped}
	}

	log := p.log.With(articleFields(a)...)

	medium, err := p.deps.Resolver.Resolve(ctx, a.Destination)
	if err != nil {
		if errors.Is(err, ErrDestinationMissing) {
			log.Debug("destination missing, article dropped", logx.Err(err))
			eventbus.Publish(p.deps.Bus, eventbus.ArticleDropped, eventData(a, err))
			return Result{Disposition: Dropped, Err: err}
		}
		return p.fail(ctx, log, a, nil, fmt.Errorf("resolve destination: %w", err))
	}

	rendered, err := p.deps.Renderer.Render(ctx, a, medium)
	if err != nil {
		return p.fail(ctx, log, a, nil, fmt.Errorf("render: %w", err))
	}
	if rendered.DestinationID == "" {
		rendered.DestinationID = a.Destination.ID()
	}
	if rendered.FeedID == "" {
		rendered.FeedID = a.Feed.ID
	}
	rendered.CycleID = a.CycleID

	if !rendered.Passed {
		comment := "blocked by filters"
		if rendered.Reason != "" {
			comment += ": " + rendered.Reason
		}
		p.record(ctx, log, a, StatusBlocked, comment)
		if p.cfg.LogUnfiltered {
			log.Info("article blocked by filters", logx.String("reason", rendered.Reason))
		}
		eventbus.Publish(p.deps.Bus, eventbus.ArticleBlocked, eventData(a, nil))
		return Result{Disposition: Blocked}
	}

	if err := p.deps.Limiter.Admit(rendered); IsRateLimited(err) {
		log.Debug("article rate limited", logx.Err(err))
		eventbus.Publish(p.deps.Bus, eventbus.ArticleLimited, eventData(a, err))
		return Result{Disposition: Limited, Err: err}
	}

	if p.queues != nil {
		p.queues.QueueFor(a.Destination).Enqueue(QueueEntry{
			Article:  a,
			Rendered: rendered,
			Medium:   medium,
		})
		eventbus.Publish(p.deps.Bus, eventbus.ArticleQueued, eventData(a, nil))
		return Result{Disposition: Queued}
	}
	return p.dispatch(ctx, log, a, rendered, medium)
}

// EndCycle releases the global quota held by a finished refresh cycle.
func (p *Pipeline) EndCycle(cycleID string) { p.deps.Limiter.EndCycle(cycleID) }

// drain sends one dequeued entry. The entry already left its queue, so a
// panic is turned into a failed outcome instead of losing the article.
func (p *Pipeline) drain(ctx context.Context, e QueueEntry) {
	log := p.log.With(articleFields(e.Article)...)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			log.Error("article drain panicked", logx.Err(err))
			p.record(ctx, log, e.Article, StatusFailed, err.Error())
			eventbus.Publish(p.deps.Bus, eventbus.ArticleFailed, eventData(e.Article, err))
		}
	}()
	log.Trace("article dequeued", logx.Duration("waited", time.Since(e.EnqueuedAt)))
	p.dispatch(ctx, log, e.Article, e.Rendered, e.Medium)
}

// dispatch sends every payload in parallel. Any failure fails the article.
func (p *Pipeline) dispatch(ctx context.Context, log logx.Logger, a Article, r *Rendered, m transport.Medium) Result {
	if len(r.Payloads) == 0 {
		return p.fail(ctx, log, a, m, errors.New("no payloads rendered"))
	}

	errs := make([]error, len(r.Payloads))
	var wg sync.WaitGroup
	for i := range r.Payloads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic: %v", r)
				}
			}()
			sctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
			defer cancel()
			errs[i] = p.deps.Sink.Do(sctx, r.Payloads[i])
		}(i)
	}
	wg.Wait()

	if err := firstError(errs); err != nil {
		return p.fail(ctx, log, a, m, err)
	}

	p.record(ctx, log, a, StatusDelivered, "")
	log.Debug("article delivered", logx.Int("parts", len(r.Payloads)))
	eventbus.Publish(p.deps.Bus, eventbus.ArticleDelivered, eventData(a, nil))
	return Result{Disposition: Delivered}
}

// fail classifies a delivery error, records it and notifies the destination
// when the payload itself was rejected.
func (p *Pipeline) fail(ctx context.Context, log logx.Logger, a Article, m transport.Medium, err error) Result {
	if errors.Is(err, ErrDestinationMissing) {
		// Deleted between resolve and send: same as never resolved.
		log.Debug("destination vanished during send, article dropped", logx.Err(err))
		eventbus.Publish(p.deps.Bus, eventbus.ArticleDropped, eventData(a, err))
		return Result{Disposition: Dropped, Err: err}
	}

	p.record(ctx, log, a, StatusFailed, err.Error())
	eventbus.Publish(p.deps.Bus, eventbus.ArticleFailed, eventData(a, err))

	if errors.Is(err, transport.ErrUpstreamLimited) {
		log.Debug("upstream rate limited delivery", logx.Err(err))
		return Result{Disposition: Failed, Err: err}
	}

	log.Warn("article delivery failed",
		logx.String("link", a.Link),
		logx.String("feed_id", a.Feed.ID),
		logx.Err(err),
	)

	if m != nil && errors.Is(err, transport.ErrBadRequest) {
		text := fmt.Sprintf("Failed to deliver article %s from %s: %v", a.Link, a.Feed.URL, err)
		nctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		defer cancel()
		if nerr := m.SendText(nctx, text); nerr != nil {
			log.Warn("failed to notify destination about bad request", logx.Err(nerr))
		}
	}
	return Result{Disposition: Failed, Err: err}
}

func (p *Pipeline) record(ctx context.Context, log logx.Logger, a Article, status Status, comment string) {
	if p.deps.Recorder == nil {
		return
	}
	o := Outcome{
		ArticleID:     a.ID,
		FeedURL:       a.Feed.URL,
		DestinationID: a.Destination.ID(),
		Status:        status,
		Comment:       comment,
		At:            p.now(),
	}
	// Shutdown cancellation should not lose an outcome that was already decided.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RecordTimeout)
	defer cancel()
	if err := p.deps.Recorder.Record(rctx, o); err != nil {
		log.Warn("failed to record delivery outcome", logx.String("status", string(status)), logx.Err(err))
	}
}

// Stop rejects further articles and stops queue drains.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if p.queues == nil {
		return nil
	}
	return p.queues.Stop(ctx)
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func articleFields(a Article) []logx.Field {
	return []logx.Field{
		logx.String("article", a.ID),
		logx.String("feed", a.Feed.URL),
		logx.String("destination", a.Destination.ID()),
	}
}

type eventPayload struct {
	ArticleID   string `json:"article_id"`
	FeedURL     string `json:"feed_url"`
	Destination string `json:"destination"`
	Error       string `json:"error,omitempty"`
}

func eventData(a Article, err error) eventPayload {
	d := eventPayload{ArticleID: a.ID, FeedURL: a.Feed.URL, Destination: a.Destination.ID()}
	if err != nil {
		d.Error = err.Error()
	}
	return d
}
