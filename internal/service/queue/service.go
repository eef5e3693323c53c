package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	appErr "maidan-service/pkg/errors"
	"maidan-service/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	// QueueTimeout removes tickets that have waited longer than this
	// without being paired. Zero disables the sweep.
	QueueTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueTimeout: 10 * time.Minute,
	}
}

// Notifier pushes an outbound event to a live connection. Implemented
// by the session gateway hub.
type Notifier interface {
	Notify(connID string, event string, data map[string]interface{})
	IsConnected(connID string) bool
}

// Service is the bucket store: one Redis list per (sport, skill) plus a
// reverse-index key per connection. All mutations go through Redis so
// several gateway instances can share one matching domain.
type Service struct {
	rdb      *redis.Client
	cfg      Config
	notifier Notifier
}

func NewService(rdb *redis.Client, cfg Config, notifier Notifier) *Service {
	return &Service{rdb: rdb, cfg: cfg, notifier: notifier}
}

// popPairScript removes the two oldest tickets only when at least two
// are waiting, atomically with respect to concurrent joins and leaves
// on the same bucket.
var popPairScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) < 2 then
    return {}
end
local first = redis.call('LPOP', KEYS[1])
local second = redis.call('LPOP', KEYS[1])
return {first, second}
`)

func (s *Service) Join(ctx context.Context, ticket Ticket) error {
	ticket.EnqueuedAt = time.Now()
	data, err := json.Marshal(ticket)
	if err != nil {
		return err
	}

	slotExists, err := s.rdb.Exists(ctx, buildPendingSlotKey(ticket.ConnID)).Result()
	if err != nil {
		return wrapStore(err)
	}
	if slotExists > 0 {
		return appErr.ErrAlreadyQueued
	}

	indexKey := buildConnIndexKey(ticket.ConnID)
	claimed, err := s.rdb.SetNX(ctx, indexKey, data, 0).Result()
	if err != nil {
		return wrapStore(err)
	}
	if !claimed {
		return appErr.ErrAlreadyQueued
	}

	if err := s.rdb.RPush(ctx, buildBucketRedisKey(ticket.Bucket()), data).Err(); err != nil {
		s.rdb.Del(ctx, indexKey)
		return wrapStore(err)
	}

	logger.Log.Info("ticket enqueued",
		zap.String("connID", ticket.ConnID),
		zap.Int64("userID", ticket.UserID),
		zap.String("sportType", ticket.SportType),
		zap.String("skillLevel", ticket.SkillLevel),
	)
	return nil
}

// Leave removes the connection's ticket if it has one; absent tickets
// are a no-op.
func (s *Service) Leave(ctx context.Context, connID string) error {
	indexKey := buildConnIndexKey(connID)
	data, err := s.rdb.Get(ctx, indexKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return wrapStore(err)
	}

	var ticket Ticket
	if err := json.Unmarshal([]byte(data), &ticket); err != nil {
		s.rdb.Del(ctx, indexKey)
		return err
	}

	if err := s.rdb.LRem(ctx, buildBucketRedisKey(ticket.Bucket()), 0, data).Err(); err != nil {
		return wrapStore(err)
	}
	s.rdb.Del(ctx, indexKey)

	logger.Log.Info("ticket removed",
		zap.String("connID", connID),
		zap.Int64("userID", ticket.UserID),
	)
	return nil
}

// PopOldestPair atomically removes the two oldest tickets of a bucket
// and clears their reverse index. Buckets holding fewer than two
// tickets are left untouched and (nil, nil, nil) is returned.
func (s *Service) PopOldestPair(ctx context.Context, key BucketKey) (*Ticket, *Ticket, error) {
	raw, err := popPairScript.Run(ctx, s.rdb, []string{buildBucketRedisKey(key)}).Result()
	if err != nil {
		return nil, nil, wrapStore(err)
	}
	items, ok := raw.([]interface{})
	if !ok || len(items) < 2 {
		return nil, nil, nil
	}

	first, err := decodeTicket(items[0])
	if err != nil {
		return nil, nil, err
	}
	second, err := decodeTicket(items[1])
	if err != nil {
		return nil, nil, err
	}

	s.rdb.Del(ctx, buildConnIndexKey(first.ConnID), buildConnIndexKey(second.ConnID))
	return first, second, nil
}

// RequeueFront reinserts a ticket at the head of its bucket with a
// fresh enqueue time. Used for the non-declining side after a
// cancelled pairing.
func (s *Service) RequeueFront(ctx context.Context, ticket Ticket) error {
	ticket.EnqueuedAt = time.Now()
	data, err := json.Marshal(ticket)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, buildBucketRedisKey(ticket.Bucket()), data)
	pipe.Set(ctx, buildConnIndexKey(ticket.ConnID), data, 0)
	pipe.Del(ctx, buildPendingSlotKey(ticket.ConnID))
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStore(err)
	}

	logger.Log.Info("ticket requeued at head",
		zap.String("connID", ticket.ConnID),
		zap.Int64("userID", ticket.UserID),
		zap.String("sportType", ticket.SportType),
	)
	return nil
}

func (s *Service) Status(ctx context.Context, connID string) (*StatusResult, error) {
	pendingID, err := s.rdb.Get(ctx, buildPendingSlotKey(connID)).Result()
	if err == nil {
		return &StatusResult{Status: QueueStatusPending, PendingID: pendingID}, nil
	}
	if err != redis.Nil {
		return nil, wrapStore(err)
	}

	data, err := s.rdb.Get(ctx, buildConnIndexKey(connID)).Result()
	if err == nil {
		var ticket Ticket
		if jsonErr := json.Unmarshal([]byte(data), &ticket); jsonErr == nil {
			enqueued := ticket.EnqueuedAt
			return &StatusResult{
				Status:     QueueStatusQueued,
				SportType:  ticket.SportType,
				SkillLevel: ticket.SkillLevel,
				EnqueuedAt: &enqueued,
			}, nil
		}
		return &StatusResult{Status: QueueStatusQueued}, nil
	}
	if err != redis.Nil {
		return nil, wrapStore(err)
	}

	return &StatusResult{Status: QueueStatusIdle}, nil
}

// BucketKeys scans for every non-empty bucket.
func (s *Service) BucketKeys(ctx context.Context) ([]BucketKey, error) {
	var keys []BucketKey
	iter := s.rdb.Scan(ctx, 0, "bucket:*", 100).Iterator()
	for iter.Next(ctx) {
		parts := strings.SplitN(iter.Val(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		keys = append(keys, BucketKey{SportType: parts[1], SkillLevel: parts[2]})
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStore(err)
	}
	return keys, nil
}

// CleanupStale drops tickets that waited past the queue timeout and
// tells their connection.
func (s *Service) CleanupStale(ctx context.Context, key BucketKey) error {
	if s.cfg.QueueTimeout <= 0 {
		return nil
	}
	bucketKey := buildBucketRedisKey(key)
	entries, err := s.rdb.LRange(ctx, bucketKey, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return wrapStore(err)
	}

	cutoff := time.Now().Add(-s.cfg.QueueTimeout)
	for _, entry := range entries {
		var ticket Ticket
		if err := json.Unmarshal([]byte(entry), &ticket); err != nil {
			continue
		}
		if !ticket.EnqueuedAt.Before(cutoff) {
			continue
		}
		removed, err := s.rdb.LRem(ctx, bucketKey, 0, entry).Result()
		if err != nil {
			return wrapStore(err)
		}
		if removed == 0 {
			continue
		}
		s.rdb.Del(ctx, buildConnIndexKey(ticket.ConnID))
		s.notifier.Notify(ticket.ConnID, "queue_left", map[string]interface{}{"status": "timeout"})
		logger.Log.Info("stale ticket dropped",
			zap.String("connID", ticket.ConnID),
			zap.Int64("userID", ticket.UserID),
			zap.Time("enqueuedAt", ticket.EnqueuedAt),
		)
	}
	return nil
}

func decodeTicket(raw interface{}) (*Ticket, error) {
	str, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected ticket payload type %T", raw)
	}
	var ticket Ticket
	if err := json.Unmarshal([]byte(str), &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func wrapStore(err error) error {
	return fmt.Errorf("%w: %v", appErr.ErrStoreUnavailable, err)
}
