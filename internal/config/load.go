package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Load reads, defaults and validates the config file at path.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes the file strictly: unknown keys and trailing data are errors.
// Files ending in .yaml/.yml are converted to JSON first so both formats go
// through the same decoder.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(path, b)
}

func decode(path string, b []byte) (*Config, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		jb, err := yamlToJSON(b)
		if err != nil {
			return nil, err
		}
		b = jb
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// stringKeys rewrites YAML maps so encoding/json can marshal them.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Advanced.ParallelBatches <= 0 {
		c.Advanced.ParallelBatches = 4
	}
	if c.Advanced.ParallelRuns <= 0 {
		c.Advanced.ParallelRuns = 2
	}
	if c.Advanced.BatchSize <= 0 {
		c.Advanced.BatchSize = 10
	}
	if c.Bot.SendRatePerSec <= 0 {
		c.Bot.SendRatePerSec = 25
	}
	if c.Feeds.SummaryLimit == 0 {
		c.Feeds.SummaryLimit = 600
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if !c.Log.Console && !c.Log.File.Enabled {
		c.Log.Console = true
	}
	if c.Log.Alerts.Enabled {
		if c.Log.Alerts.MinLevel == "" {
			c.Log.Alerts.MinLevel = "warn"
		}
		if c.Log.Alerts.RatePerSec <= 0 {
			c.Log.Alerts.RatePerSec = 1
		}
	}
	if c.Ops.Enabled && strings.TrimSpace(c.Ops.Addr) == "" {
		c.Ops.Addr = "127.0.0.1:6061"
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	for path, raw := range map[string]string{
		"bot.requestTimeout":   c.Bot.RequestTimeout,
		"advanced.feedTimeout": c.Advanced.FeedTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Feeds.ArticleRateLimit < 0 || c.Feeds.ArticleDailyChannelLimit < 0 || c.Feeds.ArticleFeedLimit < 0 {
		add("feeds: limits must be >= 0")
	}
	if c.Feeds.ArticleDequeueRate < 0 {
		add("feeds.articleDequeueRate must be >= 0")
	}
	if tz := strings.TrimSpace(c.Feeds.Timezone); tz != "" && !strings.EqualFold(tz, "local") {
		if _, err := time.LoadLocation(tz); err != nil {
			add("feeds.timezone: %v", err)
		}
	}

	dests := map[string]bool{}
	for i, ch := range c.Destinations.Channels {
		if strings.TrimSpace(ch.Name) == "" {
			add("destinations.channels[%d]: name is required", i)
			continue
		}
		if dests[ch.Name] {
			add("destinations: duplicate name %q", ch.Name)
		}
		dests[ch.Name] = true
		if ch.ChatID == 0 {
			add("destinations.channels[%s]: chatId is required", ch.Name)
		}
	}
	for i, wh := range c.Destinations.Webhooks {
		if strings.TrimSpace(wh.Name) == "" {
			add("destinations.webhooks[%d]: name is required", i)
			continue
		}
		if dests[wh.Name] {
			add("destinations: duplicate name %q", wh.Name)
		}
		dests[wh.Name] = true
		if u, err := url.Parse(wh.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("destinations.webhooks[%s]: url must be an absolute http(s) url", wh.Name)
		}
	}
	if (len(c.Destinations.Channels) > 0 || c.Log.Alerts.Enabled) && strings.TrimSpace(c.Bot.Token) == "" {
		add("bot.token is required for channel destinations and log alerts")
	}
	if c.Log.Alerts.Enabled && c.Log.Alerts.ChatID == 0 {
		add("log.alerts.chatId is required when alerts are enabled")
	}

	sources := map[string]bool{}
	for i, s := range c.Sources {
		if strings.TrimSpace(s.ID) == "" {
			add("sources[%d]: id is required", i)
			continue
		}
		if sources[s.ID] {
			add("sources: duplicate id %q", s.ID)
		}
		sources[s.ID] = true
		if u, err := url.Parse(s.URL); err != nil || u.Scheme == "" || u.Host == "" {
			add("sources[%s]: url must be absolute", s.ID)
		}
		if len(s.Destinations) == 0 {
			add("sources[%s]: at least one destination is required", s.ID)
		}
		for _, d := range s.Destinations {
			if !dests[d] {
				add("sources[%s]: unknown destination %q", s.ID, d)
			}
		}
	}

	schedules := map[string]bool{}
	for i, s := range c.Schedules {
		if strings.TrimSpace(s.Name) == "" {
			add("schedules[%d]: name is required", i)
			continue
		}
		if schedules[s.Name] {
			add("schedules: duplicate name %q", s.Name)
		}
		schedules[s.Name] = true
		if s.RefreshInterval <= 0 {
			add("schedules[%s]: refreshInterval must be > 0 minutes", s.Name)
		}
		for _, id := range s.Sources {
			if !sources[id] {
				add("schedules[%s]: unknown source %q", s.Name, id)
			}
		}
	}

	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add("storage.path is required for driver %q", st.Driver)
			}
		case "redis":
			if st.Redis == nil || strings.TrimSpace(st.Redis.Addr) == "" {
				add("storage.redis.addr is required for driver redis")
			}
		default:
			add("storage.driver: unknown driver %q", st.Driver)
		}
		if _, err := ParseDurationField("storage.busyTimeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
