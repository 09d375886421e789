package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tg-postman/internal/adapters/blob"
	"tg-postman/internal/adapters/repo"
	"tg-postman/internal/adapters/telegram"
	"tg-postman/internal/adapters/translate"
	"tg-postman/internal/domain"
	"tg-postman/internal/infra/cache"
	"tg-postman/internal/infra/config"
	"tg-postman/internal/infra/db"
	applog "tg-postman/internal/infra/log"
	"tg-postman/internal/infra/metrics"
	"tg-postman/internal/infra/queue"
	"tg-postman/internal/usecase/delivery"
)

// Задача считается обработанной, пока жив ключ в Redis. TTL покрывает
// возможные повторные доставки сообщения брокером.
const jobGuardTTL = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("sender: ошибка конфигурации")
	}
	logger := applog.NewLogger(cfg.AppEnv, "sender")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("sender: нет подключения к БД")
	}
	defer pool.Close()

	redisClient, err := cache.NewClient(cfg.RedisAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("sender: нет подключения к Redis")
	}
	defer redisClient.Close()
	guard := cache.NewRedis(redisClient)

	var deliveryQueue domain.DeliveryQueue
	if cfg.AMQPURL != "" {
		rabbit, err := queue.NewRabbitDeliveryQueue(cfg.AMQPURL, cfg.DeliveryQueue)
		if err != nil {
			logger.Fatal().Err(err).Msg("sender: недоступна очередь доставки")
		}
		defer rabbit.Close()
		deliveryQueue = rabbit
	} else {
		deliveryQueue = queue.NewRedisDeliveryQueue(redisClient, cfg.DeliveryQueue)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("sender: невалидный токен бота")
	}
	logger.Info().Str("bot", bot.Self.UserName).Msg("sender: бот авторизован")

	blobs, err := blob.NewLocalStore(cfg.StorageDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("sender: недоступно хранилище вложений")
	}

	var translator domain.Translator
	if cfg.TranslateBaseURL != "" {
		translator = translate.NewClient(cfg.TranslateBaseURL, cfg.TranslateAPIKey, cfg.TranslateTimeout)
	}

	repoAdapter := repo.NewPostgres(pool)
	transport := telegram.NewSender(bot, logger.With().Str("component", "telegram").Logger())
	localizer := delivery.NewLocalizer(translator, logger.With().Str("component", "localizer").Logger())
	executor := delivery.NewExecutor(transport, blobs, logger.With().Str("component", "executor").Logger())
	deliveryService := delivery.NewService(repoAdapter, localizer, executor, logger.With().Str("component", "delivery").Logger())

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":"+cfg.MetricsPort)

	workers := cfg.SenderWorkers
	if workers < 1 {
		workers = 1
	}
	logger.Info().Int("workers", workers).Msg("sender: старт")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			runWorker(ctx, worker, deliveryQueue, guard, deliveryService, logger)
		}(i)
	}
	wg.Wait()
	logger.Info().Msg("sender: остановка")
}

// runWorker читает задачи из очереди до отмены контекста. Ключ в Redis
// отсекает дубликаты, которые брокер мог доставить повторно.
func runWorker(ctx context.Context, worker int, q domain.DeliveryQueue, guard domain.Cache, svc *delivery.Service, logger zerolog.Logger) {
	for {
		job, err := q.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Int("worker", worker).Msg("sender: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}
		err = guard.Once("delivery:job:"+job.ID, jobGuardTTL, func() error {
			return svc.Deliver(ctx, job.PostID)
		})
		switch {
		case err == nil:
		case errors.Is(err, delivery.ErrAlreadyTaken):
			logger.Debug().Int64("post", job.PostID).Msg("sender: пост уже обрабатывается")
		default:
			logger.Error().Err(err).Int64("post", job.PostID).Str("job", job.ID).Msg("sender: доставка не удалась")
		}
	}
}
