package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`
	Port   int    `envconfig:"PORT" default:"8080"`

	// BaseURL — внешний адрес публичной части, из него строятся
	// ссылки отписки, подтверждения и веб-версии письма.
	BaseURL string `envconfig:"BASE_URL" default:"http://localhost:8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	SMTP struct {
		Host     string `envconfig:"SMTP_HOST"`
		Port     int    `envconfig:"SMTP_PORT" default:"587"`
		Username string `envconfig:"SMTP_USERNAME"`
		Password string `envconfig:"SMTP_PASSWORD"`
		UseTLS   bool   `envconfig:"SMTP_USE_TLS" default:"true"`
	} `envconfig:""`

	Dispatch struct {
		// BatchLimit ограничивает число отправок за один прогон;
		// 0 — без ограничения.
		BatchLimit int      `envconfig:"DISPATCH_BATCH_LIMIT" default:"0"`
		BCC        []string `envconfig:"NOTIFICATION_BCC_RECIPIENTS"`
	} `envconfig:""`

	Cluster struct {
		// Окна близости кластеризации журнала обращений.
		// Значения подобраны эмпирически и намеренно вынесены в конфиг.
		SameIPWindow  time.Duration `envconfig:"CLUSTER_SAME_IP_WINDOW" default:"2s"`
		CrossIPWindow time.Duration `envconfig:"CLUSTER_CROSS_IP_WINDOW" default:"100ms"`
	} `envconfig:""`

	Queues struct {
		Mail string `envconfig:"MAIL_QUEUE_KEY" default:"mail_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
