package antifraud

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIPHistory keeps one sorted set per session: member is the address,
// score is the last-seen time in unix milliseconds.
type RedisIPHistory struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisIPHistory creates a Redis-backed history.
func NewRedisIPHistory(rdb *redis.Client) *RedisIPHistory {
	return &RedisIPHistory{rdb: rdb, prefix: "trustscore:ips:", ttl: 2 * ipWindow}
}

func (h *RedisIPHistory) key(sessionID string) string {
	return h.prefix + sessionID
}

func (h *RedisIPHistory) Add(ctx context.Context, sessionID string, obs IPObservation) error {
	key := h.key(sessionID)
	cutoff := obs.At.Add(-ipWindow).UnixMilli()

	pipe := h.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(obs.At.UnixMilli()), Member: obs.IP})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record ip observation: %w", err)
	}
	return nil
}

func (h *RedisIPHistory) Since(ctx context.Context, sessionID string, since time.Time) ([]IPObservation, error) {
	zs, err := h.rdb.ZRangeByScoreWithScores(ctx, h.key(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ip history: %w", err)
	}

	out := make([]IPObservation, 0, len(zs))
	for _, z := range zs {
		ip, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, IPObservation{IP: ip, At: time.UnixMilli(int64(z.Score))})
	}
	return out, nil
}

func (h *RedisIPHistory) Forget(ctx context.Context, sessionID string) error {
	if err := h.rdb.Del(ctx, h.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to forget ip history: %w", err)
	}
	return nil
}
