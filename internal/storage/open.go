package storage

import (
	"context"
	"errors"
	"strings"

	logx "feedrelay/pkg/logx"
)

// Store is the persistence API used by the delivery recorder and feed sources.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// RecentDeliveries returns up to n records, newest first.
	RecentDeliveries(ctx context.Context, n int) ([]DeliveryRecord, error)

	// LoadSeen returns the remembered item ids of a feed, oldest first.
	LoadSeen(ctx context.Context, feedID string) ([]string, error)
	// SaveSeen replaces the remembered ids of a feed.
	SaveSeen(ctx context.Context, feedID string, ids []string) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
