package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig держит все настройки сервиса, собранные из переменных окружения.
type AppConfig struct {
	AppEnv   string `envconfig:"APP_ENV" default:"dev"`
	HTTPPort string `envconfig:"HTTP_PORT" default:"8080"`

	PGDSN     string `envconfig:"PG_DSN" required:"true"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"true"`

	TranslateBaseURL string        `envconfig:"TRANSLATE_BASE_URL"`
	TranslateAPIKey  string        `envconfig:"TRANSLATE_API_KEY"`
	TranslateTimeout time.Duration `envconfig:"TRANSLATE_TIMEOUT" default:"15s"`

	// Очередь доставки в RabbitMQ. Если AMQPURL пуст, используется Redis.
	AMQPURL       string `envconfig:"AMQP_URL"`
	DeliveryQueue string `envconfig:"DELIVERY_QUEUE" default:"postman.delivery"`
	SenderWorkers int    `envconfig:"SENDER_WORKERS" default:"4"`

	StorageDir        string `envconfig:"STORAGE_DIR" default:"./data/attachments"`
	AttachmentLimitMB int64  `envconfig:"ATTACHMENT_LIMIT_MB" default:"20"`

	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"15s"`
	MetricsPort       string        `envconfig:"METRICS_PORT" default:"9090"`
}

// Load читает конфигурацию из окружения.
func Load() (*AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AttachmentLimitBytes возвращает лимит размера вложения в байтах.
func (c *AppConfig) AttachmentLimitBytes() int64 {
	return c.AttachmentLimitMB * 1024 * 1024
}
