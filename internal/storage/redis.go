package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	logx "feedrelay/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps the delivery log in a capped list (newest at the head) and
// each feed's seen ids in a sorted set scored by insertion order.
type redisStore struct {
	client *redis.Client
	log    logx.Logger
	prefix string
	maxLen int64
	limit  int
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	if strings.TrimSpace(rc.Addr) == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	if rc.Prefix == "" {
		rc.Prefix = "feedrelay"
	}
	if rc.MaxDeliveries <= 0 {
		rc.MaxDeliveries = 10000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		// Keep going: the client reconnects on its own and writes are best-effort.
		log.Warn("redis not reachable at startup", logx.String("addr", rc.Addr), logx.Err(err))
	}

	return &redisStore{
		client: client,
		log:    log,
		prefix: rc.Prefix,
		maxLen: rc.MaxDeliveries,
		limit:  cfg.seenLimit(),
	}, nil
}

func (s *redisStore) deliveriesKey() string        { return s.prefix + ":deliveries" }
func (s *redisStore) seenKey(feedID string) string { return s.prefix + ":seen:" + feedID }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.deliveriesKey(), data)
	pipe.LTrim(ctx, s.deliveriesKey(), 0, s.maxLen-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) RecentDeliveries(ctx context.Context, n int) ([]DeliveryRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.deliveriesKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeliveryRecord, 0, len(raw))
	for _, item := range raw {
		var r DeliveryRecord
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			s.log.Debug("skipping malformed delivery record", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) LoadSeen(ctx context.Context, feedID string) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.seenKey(feedID), 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return ids, err
}

func (s *redisStore) SaveSeen(ctx context.Context, feedID string, ids []string) error {
	ids = trimSeen(ids, s.limit)
	key := s.seenKey(feedID)

	members := make([]redis.Z, 0, len(ids))
	for i, id := range ids {
		members = append(members, redis.Z{Score: float64(i), Member: id})
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		pipe.ZAdd(ctx, key, members...)
	}
	_, err := pipe.Exec(ctx)
	return err
}
