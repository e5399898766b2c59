package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

type fakeMedium struct {
	dest transport.Destination

	mu    sync.Mutex
	texts []string
}

func (m *fakeMedium) Destination() transport.Destination { return m.dest }

func (m *fakeMedium) SendText(_ context.Context, text string) error {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	return nil
}

func (m *fakeMedium) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

type fakeResolver struct {
	mu      sync.Mutex
	mediums map[string]*fakeMedium
}

func newFakeResolver(dests ...transport.Destination) *fakeResolver {
	r := &fakeResolver{mediums: map[string]*fakeMedium{}}
	for _, d := range dests {
		r.mediums[d.ID()] = &fakeMedium{dest: d}
	}
	return r
}

func (r *fakeResolver) Resolve(_ context.Context, d transport.Destination) (transport.Medium, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mediums[d.ID()]
	if !ok {
		return nil, ErrDestinationMissing
	}
	return m, nil
}

func (r *fakeResolver) medium(d transport.Destination) *fakeMedium {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mediums[d.ID()]
}

// fakeRenderer blocks articles whose title contains "blocked" and splits the
// summary on "|" into one payload per part.
type fakeRenderer struct{}

func (fakeRenderer) Render(_ context.Context, a Article, _ transport.Medium) (*Rendered, error) {
	r := &Rendered{Passed: !strings.Contains(a.Title, "blocked"), FeedID: a.Feed.ID, DestinationID: a.Destination.ID()}
	if !r.Passed {
		r.Reason = "blocked keyword"
		return r, nil
	}
	parts := []string{a.Title}
	if a.Summary != "" {
		parts = strings.Split(a.Summary, "|")
	}
	for _, p := range parts {
		r.Payloads = append(r.Payloads, transport.Request{
			Method: "POST",
			URL:    "https://example.invalid/" + a.Destination.ID(),
			Body:   []byte(p),
			Meta:   transport.Meta{ArticleID: a.ID, FeedURL: a.Feed.URL, DestinationID: a.Destination.ID()},
		})
	}
	return r, nil
}

type fakeSink struct {
	mu    sync.Mutex
	sent  []transport.Request
	errFn func(req transport.Request) error
}

func (s *fakeSink) Do(_ context.Context, req transport.Request) error {
	if s.errFn != nil {
		if err := s.errFn(req); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, req)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Sent() []transport.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Request(nil), s.sent...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
}

func (r *fakeRecorder) Record(_ context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return r.err
}

func (r *fakeRecorder) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

var (
	chanA = transport.Destination{Kind: transport.KindChannel, ChatID: -1001}
	chanB = transport.Destination{Kind: transport.KindChannel, ChatID: -1002}
)

func article(id string, dest transport.Destination) Article {
	return Article{
		ID:          id,
		Title:       "title " + id,
		Link:        "https://news.example/" + id,
		Feed:        FeedRef{ID: "feed-1", URL: "https://news.example/rss"},
		Destination: dest,
	}
}

type harness struct {
	resolver *fakeResolver
	sink     *fakeSink
	recorder *fakeRecorder
	pipeline *Pipeline
}

func newHarness(t *testing.T, cfg Config, limits LimitConfig) *harness {
	t.Helper()
	h := &harness{
		resolver: newFakeResolver(chanA, chanB),
		sink:     &fakeSink{},
		recorder: &fakeRecorder{},
	}
	p, err := NewPipeline(context.Background(), cfg, Deps{
		Resolver: h.resolver,
		Renderer: fakeRenderer{},
		Limiter:  NewRateLimiter(limits, nil),
		Sink:     h.sink,
		Recorder: h.recorder,
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	h.pipeline = p
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeliverDirect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, LimitConfig{})

	res := h.pipeline.Deliver(context.Background(), article("a1", chanA))
	if res.Disposition != Delivered {
		t.Fatalf("disposition = %s, want delivered (err=%v)", res.Disposition, res.Err)
	}
	if got := len(h.sink.Sent()); got != 1 {
		t.Fatalf("sent %d requests, want 1", got)
	}
	out := h.recorder.Outcomes()
	if len(out) != 1 || out[0].Status != StatusDelivered || out[0].DestinationID != chanA.ID() {
		t.Fatalf("unexpected outcomes: %+v", out)
	}
}

func TestDeliverBlockedByFilter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{LogUnfiltered: true}, LimitConfig{})

	a := article("a1", chanA)
	a.Title = "this is blocked"
	res := h.pipeline.Deliver(context.Background(), a)
	if res.Disposition != Blocked {
		t.Fatalf("disposition = %s, want blocked", res.Disposition)
	}
	if got := len(h.sink.Sent()); got != 0 {
		t.Fatalf("blocked article dispatched %d requests", got)
	}
	out := h.recorder.Outcomes()
	if len(out) != 1 || out[0].Status != StatusBlocked || out[0].Delivered() {
		t.Fatalf("unexpected outcomes: %+v", out)
	}
}

func TestDeliverQuotaExhaustedDropsSilently(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, LimitConfig{DestinationDaily: 1})

	first := h.pipeline.Deliver(context.Background(), article("a1", chanA))
	second := h.pipeline.Deliver(context.Background(), article("a2", chanA))

	if first.Disposition != Delivered {
		t.Fatalf("first disposition = %s", first.Disposition)
	}
	if second.Disposition != Limited || !errors.Is(second.Err, ErrRateLimited) {
		t.Fatalf("second = %s (%v), want rate limited", second.Disposition, second.Err)
	}
	if got := len(h.sink.Sent()); got != 1 {
		t.Fatalf("sent %d, want 1", got)
	}
	out := h.recorder.Outcomes()
	if len(out) != 1 || out[0].ArticleID != "a1" {
		t.Fatalf("expected exactly one outcome for a1, got %+v", out)
	}
}

func TestDeliverBadRequestNotifiesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, LimitConfig{})
	h.sink.errFn = func(transport.Request) error {
		return &transport.APIError{Status: 400, Description: "Bad Request: can't parse entities"}
	}

	res := h.pipeline.Deliver(context.Background(), article("a1", chanA))
	if res.Disposition != Failed || !errors.Is(res.Err, transport.ErrBadRequest) {
		t.Fatalf("result = %s (%v), want failed bad request", res.Disposition, res.Err)
	}
	out := h.recorder.Outcomes()
	if len(out) != 1 || out[0].Status != StatusFailed || out[0].Comment == "" {
		t.Fatalf("unexpected outcomes: %+v", out)
	}
	texts := h.resolver.medium(chanA).Texts()
	if len(texts) != 1 {
		t.Fatalf("diagnostics sent = %d, want 1", len(texts))
	}
	if !strings.Contains(texts[0], "https://news.example/a1") {
		t.Fatalf("diagnostic should name the article link: %q", texts[0])
	}
}

func TestDeliverUpstreamLimitedNoDiagnostic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, LimitConfig{})
	h.sink.errFn = func(transport.Request) error {
		return &transport.APIError{Status: 429, Description: "Too Many Requests", RetryAfter: time.Second}
	}

	res := h.pipeline.Deliver(context.Background(), article("a1", chanA))
	if res.Disposition != Failed {
		t.Fatalf("disposition = %s, want failed", res.Disposition)
	}
	if texts := h.resolver.medium(chanA).Texts(); len(texts) != 0 {
		t.Fatalf("unexpected diagnostics: %v", texts)
	}
}

func TestDeliverMissingDestination(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, LimitConfig{})
	gone := transport.Destination{Kind: transport.KindChannel, ChatID: -999}

	res := h.pipeline.Deliver(context.Background(), article("a1", gone))
	if res.Disposition != Dropped || !errors.Is(res.Err, ErrDestinationMissing) {
		t.Fatalf("result = %s (%v), want dropped", res.Disposition, res.Err)
	}
	if len(h.recorder.Outcomes()) != 0 || len(h.sink.Sent()) != 0 {
		t.Fatal("missing destination must not record or dispatch")
	}
}

func TestDeliverDestinationVanishesMidSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, LimitConfig{})
	h.sink.errFn = func(transport.Request) error {
		return &transport.APIError{Status: 400, Description: "Bad Request: chat not found"}
	}

	res := h.pipeline.Deliver(context.Background(), article("a1", chanA))
	if res.Disposition != Dropped {
		t.Fatalf("disposition = %s, want dropped", res.Disposition)
	}
	if len(h.recorder.Outcomes()) != 0 {
		t.Fatal("vanished destination must not record an outcome")
	}
	if texts := h.resolver.medium(chanA).Texts(); len(texts) != 0 {
		t.Fatalf("unexpected diagnostics: %v", texts)
	}
}

func TestDeliverMultiPartFailsTogether(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, LimitConfig{})
	h.sink.errFn = func(req transport.Request) error {
		if string(req.Body) == "two" {
			return errors.New("connection reset")
		}
		return nil
	}

	a := article("a1", chanA)
	a.Summary = "one|two|three"
	res := h.pipeline.Deliver(context.Background(), a)
	if res.Disposition != Failed {
		t.Fatalf("disposition = %s, want failed", res.Disposition)
	}
	out := h.recorder.Outcomes()
	if len(out) != 1 || out[0].Status != StatusFailed {
		t.Fatalf("unexpected outcomes: %+v", out)
	}
}

func TestDeliverRecorderErrorSwallowed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, LimitConfig{})
	h.recorder.err = errors.New("disk full")

	res := h.pipeline.Deliver(context.Background(), article("a1", chanA))
	if res.Disposition != Delivered || res.Err != nil {
		t.Fatalf("result = %s (%v), want delivered without error", res.Disposition, res.Err)
	}
}

func TestQueuedDrainPreservesOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{DequeueRate: 500}, LimitConfig{})
	if !h.pipeline.Queued() {
		t.Fatal("expected queued mode")
	}

	ids := []string{"a1", "a2", "a3", "a4", "a5"}
	for _, id := range ids {
		if res := h.pipeline.Deliver(context.Background(), article(id, chanA)); res.Disposition != Queued {
			t.Fatalf("%s disposition = %s, want queued", id, res.Disposition)
		}
	}

	waitFor(t, "drain", func() bool { return len(h.recorder.Outcomes()) == len(ids) })

	sent := h.sink.Sent()
	for i, req := range sent {
		if req.Meta.ArticleID != ids[i] {
			t.Fatalf("send %d = %s, want %s", i, req.Meta.ArticleID, ids[i])
		}
	}
	for _, o := range h.recorder.Outcomes() {
		if o.Status != StatusDelivered {
			t.Fatalf("unexpected outcome %+v", o)
		}
	}
}

func TestQueuedDailyCapOneDeliversOne(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{DequeueRate: 500}, LimitConfig{DestinationDaily: 1})

	r1 := h.pipeline.Deliver(context.Background(), article("a1", chanA))
	r2 := h.pipeline.Deliver(context.Background(), article("a2", chanA))
	if r1.Disposition != Queued || r2.Disposition != Limited {
		t.Fatalf("dispositions = %s, %s; want queued, rate_limited", r1.Disposition, r2.Disposition)
	}

	waitFor(t, "drain", func() bool { return len(h.recorder.Outcomes()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := len(h.recorder.Outcomes()); got != 1 {
		t.Fatalf("outcomes = %d, want 1", got)
	}
	if got := len(h.sink.Sent()); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
}

func TestQueuedDrainPanicRecordsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{DequeueRate: 500}, LimitConfig{})
	var once sync.Once
	h.sink.errFn = func(req transport.Request) error {
		if req.Meta.ArticleID == "a1" {
			once.Do(func() { panic("sink exploded") })
		}
		return nil
	}

	h.pipeline.Deliver(context.Background(), article("a1", chanA))
	h.pipeline.Deliver(context.Background(), article("a2", chanA))

	waitFor(t, "both outcomes", func() bool { return len(h.recorder.Outcomes()) == 2 })
	got := h.recorder.Outcomes()
	if got[0].ArticleID != "a1" || got[0].Status != StatusFailed || !strings.Contains(got[0].Comment, "panic: sink exploded") {
		t.Fatalf("first outcome = %+v", got[0])
	}
	if got[1].ArticleID != "a2" || got[1].Status != StatusDelivered {
		t.Fatalf("second outcome = %+v", got[1])
	}
}

func TestDeliverGlobalQuotaPerCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, LimitConfig{Global: 1})
	inCycle := func(id, cycle string) Article {
		a := article(id, chanA)
		a.CycleID = cycle
		return a
	}

	if res := h.pipeline.Deliver(context.Background(), inCycle("a1", "c1")); res.Disposition != Delivered {
		t.Fatalf("a1 = %s (%v)", res.Disposition, res.Err)
	}
	if res := h.pipeline.Deliver(context.Background(), inCycle("a2", "c1")); res.Disposition != Limited {
		t.Fatalf("a2 = %s, want rate_limited", res.Disposition)
	}
	h.pipeline.EndCycle("c1")
	if res := h.pipeline.Deliver(context.Background(), inCycle("a3", "c2")); res.Disposition != Delivered {
		t.Fatalf("a3 = %s (%v)", res.Disposition, res.Err)
	}
	if n := len(h.pipeline.Limiter().Snapshot().Cycles); n != 1 {
		t.Fatalf("open cycles = %d, want 1", n)
	}
}

func TestQueueForIdempotent(t *testing.T) {
	t.Parallel()
	reg := NewQueueRegistry(context.Background(), 10, func(context.Context, QueueEntry) {}, logx.Nop())
	t.Cleanup(func() { _ = reg.Stop(context.Background()) })

	q1 := reg.QueueFor(chanA)
	q2 := reg.QueueFor(transport.Destination{Kind: transport.KindChannel, ChatID: chanA.ChatID})
	q3 := reg.QueueFor(chanB)
	if q1 != q2 {
		t.Fatal("QueueFor returned different queues for the same destination")
	}
	if q1 == q3 {
		t.Fatal("different destinations share a queue")
	}
	if got := len(reg.Snapshot()); got != 2 {
		t.Fatalf("snapshot has %d queues, want 2", got)
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var mu sync.Mutex
	var drained []string
	reg := NewQueueRegistry(context.Background(), 1000, func(_ context.Context, e QueueEntry) {
		if e.Article.Destination.ID() == chanA.ID() {
			<-release
		}
		mu.Lock()
		drained = append(drained, e.Article.ID)
		mu.Unlock()
	}, logx.Nop())
	t.Cleanup(func() {
		close(release)
		_ = reg.Stop(context.Background())
	})

	reg.QueueFor(chanA).Enqueue(QueueEntry{Article: article("slow", chanA)})
	reg.QueueFor(chanB).Enqueue(QueueEntry{Article: article("fast", chanB)})

	waitFor(t, "independent drain", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(drained) == 1 && drained[0] == "fast"
	})
}

func TestDeliverAfterStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, LimitConfig{})
	if err := h.pipeline.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if res := h.pipeline.Deliver(context.Background(), article("a1", chanA)); !errors.Is(res.Err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", res.Err)
	}
}
