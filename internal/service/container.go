package service

import (
	"context"

	"quizrank/internal/config"
	"quizrank/internal/service/question"
	"quizrank/internal/service/queue"
	"quizrank/internal/service/rating"
	"quizrank/internal/service/result"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Container wires the long-lived services together. Handlers only ever see
// the container, never raw clients.
type Container struct {
	Queue    *queue.Service
	Result   *result.Service
	Question *question.Service
	Rating   *rating.Service
}

// NewContainer builds the service graph from loaded config. configPath is
// forwarded to every spawned matchbot so both processes read one file.
func NewContainer(db *gorm.DB, rdb *redis.Client, configPath string) *Container {
	cfg := config.GlobalConfig

	spawner := queue.NewBotSpawner(
		cfg.Platform.APIBase,
		cfg.Bot.Binary,
		configPath,
		cfg.Bot.CallbackURL,
		cfg.Platform.GameType,
	)
	queueSvc := queue.NewService(rdb, db, spawner, queue.Config{
		Countdown:     cfg.Queue.Countdown,
		HeartbeatTTL:  cfg.Queue.HeartbeatTTL,
		SweepInterval: cfg.Queue.SweepInterval,
	}, cfg.Categories)

	ratingSvc := rating.NewService()

	return &Container{
		Queue:    queueSvc,
		Result:   result.NewService(db, ratingSvc),
		Question: question.NewService(db),
		Rating:   ratingSvc,
	}
}

// Start launches the background workers.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Result.Start(ctx); err != nil {
		return err
	}
	return c.Queue.Start(ctx)
}
