package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values: "file", "sqlite", "redis". Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
	// SeenLimit caps remembered item ids per feed. Default 500.
	SeenLimit int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Default "feedrelay".
	Prefix string
	// MaxDeliveries caps the delivery log list. Default 10000.
	MaxDeliveries int64
}

// DeliveryRecord is one persisted delivery outcome.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	ArticleID     string    `json:"article_id"`
	FeedURL       string    `json:"feed_url"`
	DestinationID string    `json:"destination_id"`
	Delivered     bool      `json:"delivered"`
	Status        string    `json:"status"`
	Comment       string    `json:"comment,omitempty"`
	At            time.Time `json:"at"`
}

func (c Config) seenLimit() int {
	if c.SeenLimit <= 0 {
		return 500
	}
	return c.SeenLimit
}

// trimSeen keeps the newest n ids; ids are ordered oldest first.
func trimSeen(ids []string, n int) []string {
	if len(ids) <= n {
		return ids
	}
	return ids[len(ids)-n:]
}
