package handshake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maidan-service/internal/service/queue"
	appErr "maidan-service/pkg/errors"
	"maidan-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	// PendingTTL is the confirmation deadline of a proposed pairing.
	PendingTTL time.Duration
	// LockTTL bounds the per-id mutation lock.
	LockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		PendingTTL: 30 * time.Second,
		LockTTL:    5 * time.Second,
	}
}

// Notifier pushes an outbound event to a live connection.
type Notifier interface {
	Notify(connID string, event string, data map[string]interface{})
	IsConnected(connID string) bool
}

// MatchRecorder is the persistence collaborator: it durably records a
// confirmed pairing. Called exactly once per confirmation.
type MatchRecorder interface {
	CreateMatch(ctx context.Context, playerA, playerB int64, sportType, skillLevel string) (int64, error)
}

// Service drives the accept/decline/expiry lifecycle of pending
// matches. It is a stateless coordinator over the shared Redis; all
// mutations of one pending id are serialized through a lock key.
type Service struct {
	rdb      *redis.Client
	store    *queue.Service
	recorder MatchRecorder
	notifier Notifier
	cfg      Config
}

func NewService(rdb *redis.Client, store *queue.Service, recorder MatchRecorder, notifier Notifier, cfg Config) *Service {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultConfig().PendingTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	return &Service{rdb: rdb, store: store, recorder: recorder, notifier: notifier, cfg: cfg}
}

// retention keeps the record readable past the logical deadline so
// expiry can still requeue the innocent side.
func (s *Service) retention() time.Duration {
	return 2 * s.cfg.PendingTTL
}

// OpenPending creates a pending match for two tickets popped from the
// same bucket and tells both connections.
func (s *Service) OpenPending(ctx context.Context, first, second queue.Ticket) error {
	now := time.Now()
	pending := PendingMatch{
		ID:         uuid.NewString(),
		SportType:  first.SportType,
		SkillLevel: first.SkillLevel,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.PendingTTL),
		SlotA:      Slot{UserID: first.UserID, ConnID: first.ConnID},
		SlotB:      Slot{UserID: second.UserID, ConnID: second.ConnID},
	}

	data, err := json.Marshal(&pending)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, buildPendingKey(pending.ID), data, s.retention())
	pipe.Set(ctx, buildPendingSlotKey(first.ConnID), pending.ID, s.retention())
	pipe.Set(ctx, buildPendingSlotKey(second.ConnID), pending.ID, s.retention())
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapStore(err)
	}

	s.notifier.Notify(first.ConnID, "match_found", map[string]interface{}{
		"pendingId":  pending.ID,
		"opponentId": second.UserID,
	})
	s.notifier.Notify(second.ConnID, "match_found", map[string]interface{}{
		"pendingId":  pending.ID,
		"opponentId": first.UserID,
	})

	logger.Log.Info("pending match opened",
		zap.String("pendingID", pending.ID),
		zap.Int64("playerA", first.UserID),
		zap.Int64("playerB", second.UserID),
		zap.String("sportType", pending.SportType),
		zap.String("skillLevel", pending.SkillLevel),
	)
	return nil
}

// Accept marks the caller's slot accepted. When both slots have
// accepted the pairing is confirmed: the record is deleted, the
// persistence collaborator is invoked once, and both sides are told.
func (s *Service) Accept(ctx context.Context, pendingID string, userID int64) error {
	return s.withLock(ctx, pendingID, func() error {
		pending, err := s.load(ctx, pendingID)
		if err != nil {
			return err
		}
		if pending.expired(time.Now()) {
			s.expire(ctx, pending)
			return appErr.ErrPendingExpired
		}

		own, other := pending.slotFor(userID)
		if own == nil {
			return appErr.ErrUnauthorized
		}
		own.Accepted = true

		if pending.SlotA.Accepted && pending.SlotB.Accepted {
			return s.confirm(ctx, pending)
		}

		// One-sided accept: refresh the deadline and let the other
		// side know.
		pending.ExpiresAt = time.Now().Add(s.cfg.PendingTTL)
		if err := s.save(ctx, pending); err != nil {
			return err
		}
		s.notifier.Notify(other.ConnID, "opponent_accepted", map[string]interface{}{
			"pendingId": pending.ID,
		})
		return nil
	})
}

func (s *Service) confirm(ctx context.Context, pending *PendingMatch) error {
	matchID, err := s.recorder.CreateMatch(ctx,
		pending.SlotA.UserID, pending.SlotB.UserID,
		pending.SportType, pending.SkillLevel,
	)
	if err != nil {
		return fmt.Errorf("record confirmed match: %w", err)
	}

	s.discard(ctx, pending)

	payload := map[string]interface{}{
		"pendingId": pending.ID,
		"matchId":   matchID,
	}
	s.notifier.Notify(pending.SlotA.ConnID, "match_confirmed", payload)
	s.notifier.Notify(pending.SlotB.ConnID, "match_confirmed", payload)

	logger.Log.Info("match confirmed",
		zap.String("pendingID", pending.ID),
		zap.Int64("matchID", matchID),
		zap.Int64("playerA", pending.SlotA.UserID),
		zap.Int64("playerB", pending.SlotB.UserID),
	)
	return nil
}

// Decline cancels the pairing. The declining side is dropped; the
// other side, if still connected, goes back to the head of its
// original bucket.
func (s *Service) Decline(ctx context.Context, pendingID string, userID int64) error {
	return s.withLock(ctx, pendingID, func() error {
		pending, err := s.load(ctx, pendingID)
		if err != nil {
			return err
		}
		if pending.expired(time.Now()) {
			s.expire(ctx, pending)
			return appErr.ErrPendingExpired
		}

		own, other := pending.slotFor(userID)
		if own == nil {
			return appErr.ErrUnauthorized
		}

		s.discard(ctx, pending)

		if s.notifier.IsConnected(own.ConnID) {
			s.notifier.Notify(own.ConnID, "match_cancelled", map[string]interface{}{
				"reason": "declined",
			})
		}
		s.requeueSlot(ctx, pending, other, "opponent_declined")

		logger.Log.Info("pending match declined",
			zap.String("pendingID", pending.ID),
			zap.Int64("declinedBy", userID),
		)
		return nil
	})
}

// SweepExpired reaps every pending match whose deadline passed. Expiry
// is otherwise detected lazily on accept/decline.
func (s *Service) SweepExpired(ctx context.Context) error {
	now := time.Now()
	iter := s.rdb.Scan(ctx, 0, "match:pending:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var pending PendingMatch
		if err := json.Unmarshal([]byte(data), &pending); err != nil {
			continue
		}
		if !pending.expired(now) {
			continue
		}
		err = s.withLock(ctx, pending.ID, func() error {
			fresh, err := s.load(ctx, pending.ID)
			if err != nil {
				return nil
			}
			if fresh.expired(time.Now()) {
				s.expire(ctx, fresh)
			}
			return nil
		})
		if err != nil && err != appErr.ErrPendingBusy {
			logger.Log.Warn("pending expiry reap failed",
				zap.String("pendingID", pending.ID),
				zap.Error(err),
			)
		}
	}
	if err := iter.Err(); err != nil {
		return wrapStore(err)
	}
	return nil
}

// expire tears the record down after its deadline. Sides that had
// accepted and are still connected were willing participants and go
// back to the head of their bucket; silent sides are dropped.
func (s *Service) expire(ctx context.Context, pending *PendingMatch) {
	s.discard(ctx, pending)
	for _, slot := range []*Slot{&pending.SlotA, &pending.SlotB} {
		if slot.Accepted {
			s.requeueSlot(ctx, pending, slot, "expired")
			continue
		}
		if s.notifier.IsConnected(slot.ConnID) {
			s.notifier.Notify(slot.ConnID, "match_cancelled", map[string]interface{}{
				"reason": "expired",
			})
		}
	}
	logger.Log.Info("pending match expired", zap.String("pendingID", pending.ID))
}

func (s *Service) requeueSlot(ctx context.Context, pending *PendingMatch, slot *Slot, reason string) {
	if !s.notifier.IsConnected(slot.ConnID) {
		return
	}
	ticket := queue.Ticket{
		ConnID:     slot.ConnID,
		UserID:     slot.UserID,
		SportType:  pending.SportType,
		SkillLevel: pending.SkillLevel,
	}
	if err := s.store.RequeueFront(ctx, ticket); err != nil {
		logger.Log.Warn("priority requeue failed",
			zap.String("pendingID", pending.ID),
			zap.Int64("userID", slot.UserID),
			zap.Error(err),
		)
		return
	}
	s.notifier.Notify(slot.ConnID, "match_cancelled", map[string]interface{}{
		"reason": reason,
	})
}

// discard deletes the record and both slot markers.
func (s *Service) discard(ctx context.Context, pending *PendingMatch) {
	s.rdb.Del(ctx,
		buildPendingKey(pending.ID),
		buildPendingSlotKey(pending.SlotA.ConnID),
		buildPendingSlotKey(pending.SlotB.ConnID),
	)
}

func (s *Service) withLock(ctx context.Context, pendingID string, fn func() error) error {
	lockKey := buildLockKey(pendingID)
	acquired, err := s.rdb.SetNX(ctx, lockKey, 1, s.cfg.LockTTL).Result()
	if err != nil {
		return wrapStore(err)
	}
	if !acquired {
		return appErr.ErrPendingBusy
	}
	defer s.rdb.Del(ctx, lockKey)
	return fn()
}

func (s *Service) load(ctx context.Context, pendingID string) (*PendingMatch, error) {
	data, err := s.rdb.Get(ctx, buildPendingKey(pendingID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, appErr.ErrPendingNotFound
		}
		return nil, wrapStore(err)
	}
	var pending PendingMatch
	if err := json.Unmarshal([]byte(data), &pending); err != nil {
		return nil, err
	}
	return &pending, nil
}

func (s *Service) save(ctx context.Context, pending *PendingMatch) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, buildPendingKey(pending.ID), data, s.retention()).Err(); err != nil {
		return wrapStore(err)
	}
	return nil
}

// buildPendingSlotKey mirrors the bucket store's marker for "this
// connection holds a pending slot"; both packages address the same key.
func buildPendingSlotKey(connID string) string {
	return fmt.Sprintf("queue:slot:%s", connID)
}

func wrapStore(err error) error {
	return fmt.Errorf("%w: %v", appErr.ErrStoreUnavailable, err)
}
