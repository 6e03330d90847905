package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/config"
	"github.com/cboxdk/worker-pool-manager/internal/types"
)

const historyKeyPrefix = "history:"

// RedisStore keeps history in one sorted set per series, scored by
// timestamp in nanoseconds
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore creates a store for the configured server. No connection is
// made until Start.
func NewRedisStore(cfg config.RedisConfig, logger *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, logger)
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

// Start verifies the server is reachable
func (s *RedisStore) Start(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", s.client.Options().Addr, err)
	}
	s.logger.Info("Connected to redis history store", zap.String("addr", s.client.Options().Addr))
	return nil
}

// Stop closes the client
func (s *RedisStore) Stop(ctx context.Context) error {
	return s.client.Close()
}

func (s *RedisStore) seriesKey(series string) string {
	if s.prefix == "" {
		return historyKeyPrefix + series
	}
	return s.prefix + ":" + historyKeyPrefix + series
}

// SaveSnapshot adds one history point
func (s *RedisStore) SaveSnapshot(ctx context.Context, key string, snap types.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	k := s.seriesKey(key)
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, scoreOf(snap.Timestamp), scoreOf(snap.Timestamp))
	pipe.ZAdd(ctx, k, &redis.Z{Score: float64(snap.Timestamp.UnixNano()), Member: data})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadHistory returns snapshots newer than since, oldest first
func (s *RedisStore) LoadHistory(ctx context.Context, key string, since time.Time, limit int) ([]types.Snapshot, error) {
	by := &redis.ZRangeBy{Min: "(" + scoreOf(since), Max: "+inf"}
	if since.IsZero() {
		by.Min = "-inf"
	}
	if limit > 0 {
		by.Count = int64(limit)
	}

	members, err := s.client.ZRevRangeByScore(ctx, s.seriesKey(key), by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	out := make([]types.Snapshot, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		var snap types.Snapshot
		if err := json.Unmarshal([]byte(members[i]), &snap); err != nil {
			s.logger.Warn("Skipping corrupt history entry", zap.String("series", key), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Cleanup trims every series to entries at or after cutoff
func (s *RedisStore) Cleanup(ctx context.Context, cutoff time.Time) error {
	var cursor uint64
	pattern := s.seriesKey("*")
	max := "(" + scoreOf(cutoff)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan history keys: %w", err)
		}
		for _, k := range keys {
			if err := s.client.ZRemRangeByScore(ctx, k, "-inf", max).Err(); err != nil {
				return fmt.Errorf("failed to trim %s: %w", k, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func scoreOf(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}
