package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "bot": {"token": "123:abc", "runSchedulesOnStart": true},
  "feeds": {
    "articleRateLimit": 30,
    "articleDailyChannelLimit": 50,
    "articleFeedLimit": 10,
    "articleDequeueRate": 0.5,
    "timezone": "UTC"
  },
  "advanced": {"parallelBatches": 3, "parallelRuns": 1, "batchSize": 5},
  "log": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}, "unfiltered": true},
  "destinations": {
    "channels": [{"name": "news", "chatId": -1001234}],
    "webhooks": [{"name": "ops", "url": "https://hooks.example.com/x"}]
  },
  "sources": [
    {"id": "go", "url": "https://go.dev/blog/feed.atom", "destinations": ["news", "ops"], "exclude": ["sponsored"]}
  ],
  "schedules": [{"name": "default", "refreshInterval": 15, "sources": ["go"]}]
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeFile(t, "relay.json", validJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Feeds.ArticleDequeueRate != 0.5 || cfg.Feeds.ArticleFeedLimit != 10 {
		t.Fatalf("feeds not decoded: %+v", cfg.Feeds)
	}
	if cfg.Feeds.ArticleRateLimit != 30 {
		t.Fatalf("articleRateLimit = %d", cfg.Feeds.ArticleRateLimit)
	}
	if cfg.Feeds.Location() != time.UTC {
		t.Fatalf("location = %v", cfg.Feeds.Location())
	}
	if !cfg.Bot.RunSchedulesOnStart || !cfg.Log.Unfiltered {
		t.Fatal("flags not decoded")
	}
	if cfg.Bot.SendRatePerSec != 25 || cfg.Bot.Timeout() != 15*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg.Bot)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	y := `
bot:
  token: "123:abc"
feeds:
  articleDailyChannelLimit: 3
destinations:
  channels:
    - name: news
      chatId: -100
sources:
  - id: a
    url: https://example.com/rss
    destinations: [news]
schedules:
  - name: s
    refreshInterval: 5
    sources: [a]
`
	cfg, err := Load(writeFile(t, "relay.yaml", y))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Feeds.ArticleDailyChannelLimit != 3 || cfg.Destinations.Channels[0].ChatID != -100 {
		t.Fatalf("yaml not decoded: %+v", cfg)
	}
	if cfg.Advanced.BatchSize != 10 || cfg.Advanced.ParallelRuns != 2 {
		t.Fatalf("advanced defaults: %+v", cfg.Advanced)
	}
}

func TestParseStrict(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown field": `{"bot": {"tokn": "x"}}`,
		"trailing data": `{"bot": {}} {"bot": {}}`,
	}
	for name, body := range cases {
		if _, err := Parse(writeFile(t, "c.json", body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"bad feed timeout", func(c *Config) { c.Advanced.FeedTimeout = "soon" }, "advanced.feedTimeout"},
		{"negative limit", func(c *Config) { c.Feeds.ArticleFeedLimit = -1 }, "limits must be >= 0"},
		{"bad timezone", func(c *Config) { c.Feeds.Timezone = "Mars/Base" }, "feeds.timezone"},
		{"unknown destination", func(c *Config) { c.Sources[0].Destinations = []string{"nope"} }, "unknown destination"},
		{"unknown source", func(c *Config) { c.Schedules[0].Sources = []string{"nope"} }, "unknown source"},
		{"zero interval", func(c *Config) { c.Schedules[0].RefreshInterval = 0 }, "refreshInterval"},
		{"missing token", func(c *Config) { c.Bot.Token = "" }, "bot.token"},
		{"duplicate dest", func(c *Config) { c.Destinations.Webhooks[0].Name = "news" }, "duplicate name"},
		{"storage path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"redis addr", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "storage.redis.addr"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Parse(writeFile(t, "c.json", validJSON))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			cfg.ApplyDefaults()
			tc.mut(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	a, err := Parse(writeFile(t, "a.json", validJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, _ := Parse(writeFile(t, "b.json", validJSON))
	if got := ChangedSections(a, b); len(got) != 0 {
		t.Fatalf("identical configs differ: %v", got)
	}
	b.Feeds.ArticleFeedLimit = 99
	b.Schedules[0].RefreshInterval = 1
	got := ChangedSections(a, b)
	if strings.Join(got, ",") != "feeds,schedules" {
		t.Fatalf("changed = %v", got)
	}
}
