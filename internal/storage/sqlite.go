package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "feedrelay/pkg/logx"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS deliveries (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	article_id     TEXT NOT NULL,
	feed_url       TEXT NOT NULL,
	destination_id TEXT NOT NULL,
	delivered      INTEGER NOT NULL,
	status         TEXT NOT NULL,
	comment        TEXT,
	at             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS deliveries_dest ON deliveries(destination_id);

CREATE TABLE IF NOT EXISTS seen (
	feed_id TEXT NOT NULL,
	item_id TEXT NOT NULL,
	pos     INTEGER NOT NULL,
	PRIMARY KEY (feed_id, item_id)
);
`

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	limit int
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, limit: cfg.seenLimit()}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	query, args, err := sq.Insert("deliveries").
		Columns("article_id", "feed_url", "destination_id", "delivered", "status", "comment", "at").
		Values(r.ArticleID, r.FeedURL, r.DestinationID, r.Delivered, r.Status, nullStr(r.Comment), r.At.UTC().Format(time.RFC3339Nano)).
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, n int) ([]DeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}
	query, args, err := sq.Select("article_id", "feed_url", "destination_id", "delivered", "status", "COALESCE(comment, '')", "at").
		From("deliveries").
		OrderBy("id DESC").
		Limit(uint64(n)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var (
			r  DeliveryRecord
			at string
		)
		if err := rows.Scan(&r.ArticleID, &r.FeedURL, &r.DestinationID, &r.Delivered, &r.Status, &r.Comment, &at); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadSeen(ctx context.Context, feedID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	query, args, err := sq.Select("item_id").
		From("seen").
		Where(sq.Eq{"feed_id": feedID}).
		OrderBy("pos ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) SaveSeen(ctx context.Context, feedID string, ids []string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	ids = trimSeen(ids, s.limit)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	del, args, err := sq.Delete("seen").Where(sq.Eq{"feed_id": feedID}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return err
	}

	if len(ids) > 0 {
		ins := sq.Insert("seen").Columns("feed_id", "item_id", "pos").Options("OR IGNORE")
		for i, id := range ids {
			ins = ins.Values(feedID, id, i)
		}
		query, args, err := ins.ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
