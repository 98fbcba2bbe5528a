package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/pkg/models"
)

const (
	stmKey = "hlcs:memory:stm"
	ltmKey = "hlcs:memory:ltm"
)

// RedisStore persists episodes in two Redis lists (short-term and
// long-term), newest at the head. Consolidation moves qualifying
// entries between them.
type RedisStore struct {
	rdb                *redis.Client
	stmTTL             time.Duration
	promotionThreshold float64
}

// NewRedisStore connects to Redis and validates the connection.
func NewRedisStore(cfg config.MemoryConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	stmTTL := time.Duration(cfg.StmTTLHours) * time.Hour
	if stmTTL <= 0 {
		stmTTL = 24 * time.Hour
	}

	log.Info().Str("addr", cfg.RedisAddr).Msg("Redis memory store connected")
	return &RedisStore{
		rdb:                rdb,
		stmTTL:             stmTTL,
		promotionThreshold: cfg.LtmPromotionThreshold,
	}, nil
}

func (s *RedisStore) Append(ctx context.Context, ep models.Episode) error {
	if ep.Timestamp.IsZero() {
		ep.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}
	if err := s.rdb.LPush(ctx, stmKey, data).Err(); err != nil {
		return fmt.Errorf("lpush episode: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, sessionID string, n int) ([]models.Episode, error) {
	var out []models.Episode
	for _, key := range []string{stmKey, ltmKey} {
		if len(out) >= n {
			break
		}
		eps, err := s.scan(ctx, key, func(ep models.Episode) bool {
			return sessionID == "" || ep.SessionID == sessionID
		}, n-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, eps...)
	}
	return out, nil
}

func (s *RedisStore) Search(ctx context.Context, queryText string, filter SearchFilter) ([]models.Episode, error) {
	needle := strings.ToLower(queryText)
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	match := func(ep models.Episode) bool {
		if needle != "" &&
			!strings.Contains(strings.ToLower(ep.QueryText), needle) &&
			!strings.Contains(strings.ToLower(ep.AnswerText), needle) {
			return false
		}
		if filter.SessionID != "" && ep.SessionID != filter.SessionID {
			return false
		}
		if filter.UserID != "" && ep.UserID != filter.UserID {
			return false
		}
		if filter.Strategy != "" && ep.StrategyUsed != filter.Strategy {
			return false
		}
		return ep.Quality >= filter.MinQuality
	}

	var out []models.Episode
	for _, key := range []string{stmKey, ltmKey} {
		if len(out) >= limit {
			break
		}
		eps, err := s.scan(ctx, key, match, limit-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, eps...)
	}
	return out, nil
}

// scan walks a list head-to-tail collecting up to limit matches.
func (s *RedisStore) scan(ctx context.Context, key string, match func(models.Episode) bool, limit int) ([]models.Episode, error) {
	raw, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	var out []models.Episode
	for _, item := range raw {
		if len(out) >= limit {
			break
		}
		var ep models.Episode
		if err := json.Unmarshal([]byte(item), &ep); err != nil {
			continue
		}
		if match(ep) {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (s *RedisStore) Consolidate(ctx context.Context) (ConsolidateResult, error) {
	raw, err := s.rdb.LRange(ctx, stmKey, 0, -1).Result()
	if err != nil {
		return ConsolidateResult{}, fmt.Errorf("lrange stm: %w", err)
	}

	cutoff := time.Now().Add(-s.stmTTL)
	var result ConsolidateResult
	var kept []any

	for _, item := range raw {
		var ep models.Episode
		if err := json.Unmarshal([]byte(item), &ep); err != nil {
			continue
		}
		if ep.Quality >= s.promotionThreshold {
			if err := s.rdb.LPush(ctx, ltmKey, item).Err(); err != nil {
				return result, fmt.Errorf("promote episode: %w", err)
			}
			result.Promoted++
			continue
		}
		if ep.Timestamp.Before(cutoff) {
			result.Expired++
			continue
		}
		kept = append(kept, item)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, stmKey)
	if len(kept) > 0 {
		// RPush preserves the newest-first order of the kept slice.
		pipe.RPush(ctx, stmKey, kept...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return result, fmt.Errorf("rewrite stm: %w", err)
	}

	if result.Promoted > 0 || result.Expired > 0 {
		log.Info().
			Int("promoted", result.Promoted).
			Int("expired", result.Expired).
			Msg("Memory consolidated")
	}
	return result, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
