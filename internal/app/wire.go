package app

import (
	"fmt"
	"strings"
	"time"

	"feedrelay/internal/config"
	"feedrelay/internal/delivery"
	"feedrelay/internal/feeds"
	"feedrelay/internal/render"
	"feedrelay/internal/schedule"
	"feedrelay/internal/storage"
	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Log.Alerts.Enabled,
			MinLevel:   cfg.Log.Alerts.MinLevel,
			RatePerSec: cfg.Log.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), SeenLimit: sc.SeenLimit}

	switch driver {
	case "file":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busyTimeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.BusyTimeout = busy
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		out.Redis = storage.RedisConfig{
			Addr:          sc.Redis.Addr,
			Password:      sc.Redis.Password,
			DB:            sc.Redis.DB,
			Prefix:        sc.Redis.Prefix,
			MaxDeliveries: sc.Redis.MaxDeliveries,
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

func mapLimitConfig(cfg *config.Config) delivery.LimitConfig {
	return delivery.LimitConfig{
		Global:           cfg.Feeds.ArticleRateLimit,
		DestinationDaily: cfg.Feeds.ArticleDailyChannelLimit,
		FeedDaily:        cfg.Feeds.ArticleFeedLimit,
		Location:         cfg.Feeds.Location(),
	}
}

func mapRenderConfig(cfg *config.Config) render.Config {
	return render.Config{
		APIBase:        cfg.Bot.APIBase,
		Token:          cfg.Bot.Token,
		SummaryLimit:   max(cfg.Feeds.SummaryLimit, 0),
		DisablePreview: cfg.Feeds.DisablePreview,
	}
}

// destinationsByName indexes channels and webhooks; names are unique across both.
func destinationsByName(cfg *config.Config) map[string]transport.Destination {
	out := make(map[string]transport.Destination, len(cfg.Destinations.Channels)+len(cfg.Destinations.Webhooks))
	for _, ch := range cfg.Destinations.Channels {
		out[ch.Name] = transport.Destination{
			Kind:     transport.KindChannel,
			Name:     ch.Name,
			ChatID:   ch.ChatID,
			ThreadID: ch.ThreadID,
		}
	}
	for _, wh := range cfg.Destinations.Webhooks {
		out[wh.Name] = transport.Destination{Kind: transport.KindWebhook, Name: wh.Name, URL: wh.URL}
	}
	return out
}

func webhookURLs(cfg *config.Config) map[string]string {
	out := make(map[string]string, len(cfg.Destinations.Webhooks))
	for _, wh := range cfg.Destinations.Webhooks {
		out[wh.Name] = wh.URL
	}
	return out
}

func mapFilters(cfg *config.Config) map[string]render.Filter {
	out := map[string]render.Filter{}
	for _, s := range cfg.Sources {
		if len(s.Include) == 0 && len(s.Exclude) == 0 {
			continue
		}
		out[s.ID] = render.Filter{Include: s.Include, Exclude: s.Exclude}
	}
	return out
}

func mapSources(cfg *config.Config) []feeds.Source {
	dests := destinationsByName(cfg)
	out := make([]feeds.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		src := feeds.Source{ID: s.ID, URL: s.URL, Title: s.Title}
		for _, name := range s.Destinations {
			if d, ok := dests[name]; ok {
				src.Destinations = append(src.Destinations, d)
			}
		}
		out = append(out, src)
	}
	return out
}

func mapSchedules(cfg *config.Config) []schedule.Schedule {
	out := make([]schedule.Schedule, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		out = append(out, schedule.Schedule{
			Name:            s.Name,
			RefreshInterval: time.Duration(s.RefreshInterval) * time.Minute,
			Feeds:           append([]string(nil), s.Sources...),
		})
	}
	return out
}
