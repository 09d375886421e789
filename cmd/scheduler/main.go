package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tg-postman/internal/adapters/repo"
	"tg-postman/internal/domain"
	"tg-postman/internal/infra/cache"
	"tg-postman/internal/infra/config"
	"tg-postman/internal/infra/db"
	applog "tg-postman/internal/infra/log"
	"tg-postman/internal/infra/metrics"
	"tg-postman/internal/infra/queue"
)

const dueBatchSize = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("scheduler: ошибка конфигурации")
	}
	logger := applog.NewLogger(cfg.AppEnv, "scheduler")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	deliveryQueue, closeQueue, err := buildQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: недоступна очередь доставки")
	}
	defer closeQueue()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":"+cfg.MetricsPort)
	logger.Info().Dur("interval", cfg.SchedulerInterval).Msg("scheduler: старт")

	ticker := time.NewTicker(cfg.SchedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановка")
			return
		case <-ticker.C:
			dispatchDue(ctx, repoAdapter, deliveryQueue, logger)
		}
	}
}

// dispatchDue выбирает просроченные pending-посты и ставит их в очередь.
// Запись в post_dispatches гарантирует, что при нескольких планировщиках
// пост будет поставлен в очередь ровно один раз.
func dispatchDue(ctx context.Context, posts domain.PostRepo, q domain.DeliveryQueue, logger zerolog.Logger) {
	due, err := posts.ListDue(ctx, time.Now().UTC(), dueBatchSize)
	if err != nil {
		logger.Error().Err(err).Msg("scheduler: ошибка выборки постов")
		return
	}
	for _, post := range due {
		acquired, err := posts.AcquireDispatch(ctx, post.ID, post.ScheduleTime)
		if err != nil {
			logger.Error().Err(err).Int64("post", post.ID).Msg("scheduler: ошибка захвата поста")
			continue
		}
		if !acquired {
			continue
		}
		job := domain.DeliveryJob{
			ID:          uuid.NewString(),
			PostID:      post.ID,
			Cause:       domain.DeliveryCauseScheduled,
			RequestedAt: time.Now().UTC(),
		}
		if err := q.Enqueue(ctx, job); err != nil {
			logger.Error().Err(err).Int64("post", post.ID).Msg("scheduler: не удалось поставить задачу")
			continue
		}
		metrics.PostsQueued.WithLabelValues(string(domain.DeliveryCauseScheduled)).Inc()
		logger.Info().Int64("post", post.ID).Str("job", job.ID).Msg("scheduler: пост поставлен в очередь")
	}
}

func buildQueue(cfg *config.AppConfig) (domain.DeliveryQueue, func(), error) {
	if cfg.AMQPURL != "" {
		q, err := queue.NewRabbitDeliveryQueue(cfg.AMQPURL, cfg.DeliveryQueue)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	}
	client, err := cache.NewClient(cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	return queue.NewRedisDeliveryQueue(client, cfg.DeliveryQueue), func() { _ = client.Close() }, nil
}
