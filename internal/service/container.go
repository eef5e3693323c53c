package service

import (
	"context"

	"maidan-service/internal/config"
	"maidan-service/internal/service/auth"
	"maidan-service/internal/service/handshake"
	"maidan-service/internal/service/match"
	"maidan-service/internal/service/queue"
	"maidan-service/internal/ws"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	Auth      *auth.Service
	Match     *match.Service
	Queue     *queue.Service
	Handshake *handshake.Service
	Scheduler *queue.Scheduler
}

func NewContainer(db *gorm.DB, rdb *redis.Client, hub *ws.Hub) *Container {
	queueCfg := queue.DefaultConfig()
	handshakeCfg := handshake.DefaultConfig()
	interval := queue.DefaultSweepInterval
	if mm := config.GlobalConfig; mm != nil {
		if mm.Matchmaking.QueueTimeout > 0 {
			queueCfg.QueueTimeout = mm.Matchmaking.QueueTimeout
		}
		if mm.Matchmaking.PendingTTL > 0 {
			handshakeCfg.PendingTTL = mm.Matchmaking.PendingTTL
		}
		if mm.Matchmaking.SweepInterval > 0 {
			interval = mm.Matchmaking.SweepInterval
		}
	}

	matchSvc := match.NewService(db)
	queueSvc := queue.NewService(rdb, queueCfg, hub)
	handshakeSvc := handshake.NewService(rdb, queueSvc, matchSvc, hub, handshakeCfg)

	return &Container{
		Auth:      auth.NewService(db),
		Match:     matchSvc,
		Queue:     queueSvc,
		Handshake: handshakeSvc,
		Scheduler: queue.NewScheduler(queueSvc, handshakeSvc, interval),
	}
}

func (c *Container) Start(ctx context.Context) error {
	c.Scheduler.Start(ctx)
	return nil
}
