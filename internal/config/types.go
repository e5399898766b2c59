package config

// Config is the whole configuration file. Keys are camelCase in both JSON and
// YAML. It is loaded once at startup; changes on disk need a restart.
type Config struct {
	Bot          BotConfig          `json:"bot"`
	Feeds        FeedsConfig        `json:"feeds"`
	Advanced     AdvancedConfig     `json:"advanced"`
	Log          LogConfig          `json:"log"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Ops          OpsConfig          `json:"ops,omitempty"`
	Destinations DestinationsConfig `json:"destinations"`
	Sources      []SourceConfig     `json:"sources"`
	Schedules    []ScheduleConfig   `json:"schedules"`
}

type BotConfig struct {
	// Token is the Telegram bot token. Required when any channel destination exists.
	Token string `json:"token,omitempty"`
	// APIBase overrides https://api.telegram.org (useful for a local Bot API server).
	APIBase string `json:"apiBase,omitempty"`
	// RunSchedulesOnStart runs every schedule once when timers begin.
	RunSchedulesOnStart bool `json:"runSchedulesOnStart,omitempty"`
	// RequestTimeout is a Go duration string. Default "15s".
	RequestTimeout string `json:"requestTimeout,omitempty"`
	// SendRatePerSec caps outbound requests across all destinations. Default 25.
	SendRatePerSec int `json:"sendRatePerSec,omitempty"`
}

// FeedsConfig holds the delivery limits. Zero means unlimited for every cap.
type FeedsConfig struct {
	// ArticleRateLimit caps sends across all destinations per refresh cycle.
	ArticleRateLimit         int     `json:"articleRateLimit"`
	ArticleDailyChannelLimit int     `json:"articleDailyChannelLimit"`
	ArticleFeedLimit         int     `json:"articleFeedLimit"`
	ArticleDequeueRate       float64 `json:"articleDequeueRate"`
	// Timezone is an IANA name for the daily reset boundary. Default "Local".
	Timezone string `json:"timezone,omitempty"`

	SummaryLimit   int  `json:"summaryLimit,omitempty"`
	DisablePreview bool `json:"disablePreview,omitempty"`
}

type AdvancedConfig struct {
	ParallelBatches int `json:"parallelBatches,omitempty"`
	ParallelRuns    int `json:"parallelRuns,omitempty"`
	BatchSize       int `json:"batchSize,omitempty"`
	// FeedTimeout bounds one feed fetch. Default "20s".
	FeedTimeout string `json:"feedTimeout,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
}

type LogConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
	// Unfiltered logs articles rejected by content filters.
	Unfiltered bool            `json:"unfiltered,omitempty"`
	Alerts     LogAlertsConfig `json:"alerts,omitempty"`
}

// LogAlertsConfig forwards warn+ log lines to a Telegram chat.
type LogAlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chatId,omitempty"`
	ThreadID   int    `json:"threadId,omitempty"`
	MinLevel   string `json:"minLevel,omitempty"`
	RatePerSec int    `json:"ratePerSec,omitempty"`
}

// StorageConfig controls optional persistence.
// If omitted, storage is disabled.
type StorageConfig struct {
	// Driver: "file", "sqlite", "redis" or "none".
	Driver      string              `json:"driver"`
	Path        string              `json:"path,omitempty"`
	BusyTimeout string              `json:"busyTimeout,omitempty"`
	SeenLimit   int                 `json:"seenLimit,omitempty"`
	Redis       *RedisStorageConfig `json:"redis,omitempty"`
}

type RedisStorageConfig struct {
	Addr          string `json:"addr"`
	Password      string `json:"password,omitempty"`
	DB            int    `json:"db,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	MaxDeliveries int64  `json:"maxDeliveries,omitempty"`
}

// OpsConfig enables the loopback status/pprof server.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token, when set, is required as "Authorization: Bearer <token>" or ?token=.
	Token string `json:"token,omitempty"`
	// AllowInsecure permits binding to a non-loopback address without a token.
	AllowInsecure bool `json:"allowInsecure,omitempty"`
}

type DestinationsConfig struct {
	Channels []ChannelConfig `json:"channels,omitempty"`
	Webhooks []WebhookConfig `json:"webhooks,omitempty"`
}

type ChannelConfig struct {
	Name     string `json:"name"`
	ChatID   int64  `json:"chatId"`
	ThreadID int    `json:"threadId,omitempty"`
}

type WebhookConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// SourceConfig is one feed and where its articles go.
type SourceConfig struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	// Destinations lists channel or webhook names.
	Destinations []string `json:"destinations"`
	Include      []string `json:"include,omitempty"`
	Exclude      []string `json:"exclude,omitempty"`
}

type ScheduleConfig struct {
	Name string `json:"name"`
	// RefreshInterval is in minutes.
	RefreshInterval int      `json:"refreshInterval"`
	Sources         []string `json:"sources"`
}
