package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"maidan-service/pkg/logger"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the scheduler pairs buckets when
// no interval is configured.
const DefaultSweepInterval = 5 * time.Second

// PairHandler owns the confirmation side of a pairing: it opens a
// pending match for two popped tickets and reaps the ones whose
// deadline passed.
type PairHandler interface {
	OpenPending(ctx context.Context, first, second Ticket) error
	SweepExpired(ctx context.Context) error
}

// Scheduler sweeps every non-empty bucket on a fixed interval and
// pairs the two oldest tickets per bucket. Ticks never overlap;
// distinct buckets are processed concurrently.
type Scheduler struct {
	store    *Service
	pairs    PairHandler
	interval time.Duration
	running  atomic.Bool
}

func NewScheduler(store *Service, pairs PairHandler, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Scheduler{store: store, pairs: pairs, interval: interval}
}

func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	logger.Log.Info("pairing scheduler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("pairing scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep. A tick that overlaps a still-running one is
// skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	if err := s.pairs.SweepExpired(ctx); err != nil {
		logger.Log.Warn("pending sweep error", zap.Error(err))
	}

	keys, err := s.store.BucketKeys(ctx)
	if err != nil {
		logger.Log.Warn("bucket scan error", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key BucketKey) {
			defer wg.Done()
			s.sweepBucket(ctx, key)
		}(key)
	}
	wg.Wait()
}

func (s *Scheduler) sweepBucket(ctx context.Context, key BucketKey) {
	if err := s.store.CleanupStale(ctx, key); err != nil {
		logger.Log.Warn("stale cleanup error",
			zap.String("sportType", key.SportType),
			zap.String("skillLevel", key.SkillLevel),
			zap.Error(err),
		)
	}

	first, second, err := s.store.PopOldestPair(ctx, key)
	if err != nil {
		logger.Log.Warn("pair pop error",
			zap.String("sportType", key.SportType),
			zap.String("skillLevel", key.SkillLevel),
			zap.Error(err),
		)
		return
	}
	if first == nil || second == nil {
		return
	}

	// A pending match must reference two distinct identities. Two
	// connections of one user collapsing into the same bucket is the
	// only way to violate that here.
	if first.UserID == second.UserID {
		logger.Log.Warn("popped pair shares an identity, requeueing one",
			zap.Int64("userID", first.UserID),
		)
		if err := s.store.RequeueFront(ctx, *first); err != nil {
			logger.Log.Warn("requeue after identity clash failed", zap.Error(err))
		}
		return
	}

	if err := s.pairs.OpenPending(ctx, *first, *second); err != nil {
		logger.Log.Warn("open pending failed, requeueing pair",
			zap.String("sportType", key.SportType),
			zap.Error(err),
		)
		// Put both back at the head so the next tick retries them
		// before anyone queued behind.
		if reqErr := s.store.RequeueFront(ctx, *second); reqErr != nil {
			logger.Log.Warn("requeue failed", zap.Int64("userID", second.UserID), zap.Error(reqErr))
		}
		if reqErr := s.store.RequeueFront(ctx, *first); reqErr != nil {
			logger.Log.Warn("requeue failed", zap.Int64("userID", first.UserID), zap.Error(reqErr))
		}
	}
}
