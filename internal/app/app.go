// Package app wires the relay together from a loaded configuration and owns
// its start and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"feedrelay/internal/config"
	"feedrelay/internal/delivery"
	"feedrelay/internal/eventbus"
	"feedrelay/internal/feeds"
	"feedrelay/internal/ops"
	"feedrelay/internal/render"
	rtsup "feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/schedule"
	"feedrelay/internal/storage"
	"feedrelay/internal/transport"
	"feedrelay/internal/transport/httpsink"
	"feedrelay/internal/transport/telegram"
	"feedrelay/internal/transport/webhook"
	logx "feedrelay/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgPath string
	cfg     *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	pipeline *delivery.Pipeline
	feeds    *feeds.Registry
	sched    *schedule.Manager
	ops      *ops.Server

	// runCtx outlives the caller's context so queue drains keep going until
	// the scheduler has stopped feeding them.
	runCtx    context.Context
	runCancel context.CancelFunc
	sup       *rtsup.Supervisor
	started   time.Time
}

// New loads the configuration at cfgPath and builds every component. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfgPath, cfg)
}

func NewFromConfig(cfgPath string, cfg *config.Config) (*App, error) {
	bootLog := logx.NewConsole("info").With(logx.String("comp", "telegram"))

	var tg *telegram.Client
	if cfg.Bot.Token != "" {
		c, err := telegram.New(telegram.Config{
			Token:   cfg.Bot.Token,
			APIBase: cfg.Bot.APIBase,
			Timeout: cfg.Bot.Timeout(),
		}, bootLog)
		if err != nil {
			return nil, err
		}
		tg = c
	}

	var alerts logx.AlertSender
	if tg != nil && cfg.Log.Alerts.Enabled {
		alerts = tg.AlertSender(cfg.Log.Alerts.ChatID, cfg.Log.Alerts.ThreadID)
	}
	logSvc, log := logx.New(mapLogConfig(cfg), alerts)
	log = log.With(logx.String("comp", "app"))

	runCtx, runCancel := context.WithCancel(context.Background())
	var store storage.Store
	ok := false
	defer func() {
		if ok {
			return
		}
		if store != nil {
			_ = store.Close()
		}
		runCancel()
		_ = logSvc.Close()
	}()

	bus := eventbus.New()

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		store, err = storage.Open(runCtx, sc, log)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	sink := httpsink.New(httpsink.Config{
		RatePerSec: cfg.Bot.SendRatePerSec,
		Timeout:    cfg.Bot.Timeout(),
		UserAgent:  cfg.Advanced.UserAgent,
	}, nil, log)

	mux := transport.Mux{transport.KindWebhook: webhook.NewResolver(sink, webhookURLs(cfg))}
	if tg != nil {
		mux[transport.KindChannel] = tg
	}

	pipeline, err := delivery.NewPipeline(runCtx, delivery.Config{
		DequeueRate:   cfg.Feeds.ArticleDequeueRate,
		LogUnfiltered: cfg.Log.Unfiltered,
		SendTimeout:   cfg.Bot.Timeout(),
	}, delivery.Deps{
		Resolver: mux,
		Renderer: render.New(mapRenderConfig(cfg), mapFilters(cfg)),
		Limiter:  delivery.NewRateLimiter(mapLimitConfig(cfg), time.Now),
		Sink:     sink,
		Recorder: storage.NewRecorder(store),
		Log:      log.With(logx.String("comp", "delivery")),
		Bus:      bus,
	})
	if err != nil {
		return nil, err
	}

	var seen feeds.SeenStore
	if store != nil {
		seen = store
	}
	reg := feeds.New(feeds.Config{
		Timeout:   cfg.Advanced.FetchTimeout(),
		UserAgent: cfg.Advanced.UserAgent,
		SeenLimit: sc.SeenLimit,
	}, nil, seen, log.With(logx.String("comp", "feeds")))
	for _, src := range mapSources(cfg) {
		if err := reg.Add(src); err != nil {
			return nil, err
		}
	}

	sched := schedule.New(schedule.Config{
		ParallelBatches: cfg.Advanced.ParallelBatches,
		ParallelRuns:    cfg.Advanced.ParallelRuns,
		BatchSize:       cfg.Advanced.BatchSize,
		RunOnStart:      cfg.Bot.RunSchedulesOnStart,
		Location:        cfg.Feeds.Location(),
	}, reg, pipeline, log.With(logx.String("comp", "scheduler")), bus)
	if err := sched.AddSchedules(mapSchedules(cfg)...); err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:   cfgPath,
		cfg:       cfg,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		pipeline:  pipeline,
		feeds:     reg,
		sched:     sched,
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	if cfg.Ops.Enabled {
		a.ops = ops.New(ops.Config{
			Addr:          cfg.Ops.Addr,
			Token:         cfg.Ops.Token,
			AllowInsecure: cfg.Ops.AllowInsecure,
		}, func() any { return a.Status() }, log)
	}
	ok = true
	return a, nil
}

// Done is closed when a supervised component fails fatally or Stop runs.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(_ context.Context) error {
	a.sup = rtsup.New(a.runCtx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()

	if a.ops != nil {
		if err := a.ops.Start(a.runCtx); err != nil {
			return fmt.Errorf("ops server: %w", err)
		}
	}

	events, unsubscribe := a.bus.Subscribe(256)
	a.sup.Go0("events", func(c context.Context) {
		defer unsubscribe()
		a.logEvents(c, events)
	})

	if a.cfgPath != "" {
		a.sup.Go("config.watch", func(c context.Context) error {
			return config.Watch(c, a.cfgPath, a.cfg, a.log)
		})
	}

	if err := a.sched.BeginTimers(a.runCtx); err != nil {
		return err
	}

	mode := "direct"
	if a.pipeline.Queued() {
		mode = "queued"
	}
	a.log.Info("relay started",
		logx.Int("sources", len(a.cfg.Sources)),
		logx.Int("schedules", len(a.cfg.Schedules)),
		logx.String("delivery", mode))
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	log := a.log.With(logx.String("comp", "events"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if log.Enabled(logx.LevelDebug) {
				log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	}
}

// Stop shuts components down in dependency order. Each step is bounded so a
// stuck component cannot hold the rest hostage; ctx bounds the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped; no time left", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 5*time.Second, a.sched.Stop)
	step("delivery", 2*time.Second, a.pipeline.Stop)
	if a.ops != nil {
		step("ops", time.Second, a.ops.Stop)
	}
	a.runCancel()
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Status is the /status payload.
type Status struct {
	StartedAt   time.Time              `json:"started_at"`
	Uptime      string                 `json:"uptime"`
	Delivery    string                 `json:"delivery_mode"`
	Scheduler   schedule.Snapshot      `json:"scheduler"`
	Queues      []delivery.QueueInfo   `json:"queues,omitempty"`
	Quota       delivery.QuotaSnapshot `json:"quota"`
	Feeds       []feeds.FeedInfo       `json:"feeds"`
	Supervisor  rtsup.Counters         `json:"supervisor"`
	AlertsDrops uint64                 `json:"log_alerts_dropped"`
}

func (a *App) Status() Status {
	st := Status{
		StartedAt: a.started,
		Delivery:  "direct",
		Scheduler: a.sched.Snapshot(),
		Quota:     a.pipeline.Limiter().Snapshot(),
		Feeds:     a.feeds.Snapshot(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Round(time.Second).String()
	}
	if a.pipeline.Queued() {
		st.Delivery = "queued"
		st.Queues = a.pipeline.Queues().Snapshot()
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Counters()
	}
	if a.logs != nil {
		st.AlertsDrops = a.logs.Dropped()
	}
	return st
}
