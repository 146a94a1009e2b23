package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"simple-newsletter/internal/adapters/mailer"
	"simple-newsletter/internal/adapters/repo"
	"simple-newsletter/internal/domain"
	"simple-newsletter/internal/infra/config"
	"simple-newsletter/internal/infra/db"
	applog "simple-newsletter/internal/infra/log"
	"simple-newsletter/internal/infra/metrics"
	"simple-newsletter/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	// Основная очередь — RabbitMQ; без него письма идут через Redis list.
	var mailQueue domain.MailQueue
	switch {
	case cfg.RabbitURL != "":
		rabbit, err := queue.NewRabbitMailQueue(cfg.RabbitURL, cfg.Queues.Mail)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		mailQueue = rabbit
	case cfg.RedisAddr != "":
		logger.Warn().Msg("worker: RabbitMQ не настроен, очередь писем работает через Redis")
		mailQueue = queue.NewRedisMailQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Queues.Mail)
	default:
		logger.Fatal().Msg("worker: не настроена очередь писем (RABBITMQ_URL или REDIS_ADDR)")
	}

	sender := mailer.NewSMTPSender(domain.EmailSettings{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		UseTLS:   cfg.SMTP.UseTLS,
	}, logger.With().Str("component", "mailer").Logger())

	logger.Info().Str("queue", cfg.Queues.Mail).Msg("worker: запущен")
	run(ctx, logger, mailQueue, sender, repoAdapter)
	logger.Info().Msg("worker: остановлен")
}

// run крутит цикл обработки очереди до отмены контекста. Подтверждение
// задачи ручное: письмо, которое не удалось отправить, возвращается в
// очередь и будет отправлено повторно.
func run(ctx context.Context, logger zerolog.Logger, mailQueue domain.MailQueue, sender domain.MailSender, settings domain.SettingsRepo) {
	for {
		job, ack, err := mailQueue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logger.Error().Err(err).Msg("worker: ошибка чтения из очереди")
			continue
		}

		if err := deliver(ctx, job, sender, settings); err != nil {
			metrics.MailSendErrors.Inc()
			logger.Error().Err(err).
				Str("job", job.ID).
				Str("to", job.To).
				Str("cause", string(job.Cause)).
				Msg("worker: письмо не отправлено")
			if err := ack(false); err != nil {
				logger.Error().Err(err).Str("job", job.ID).Msg("worker: не удалось вернуть задачу в очередь")
			}
			continue
		}

		metrics.MailSent.Inc()
		logger.Info().
			Str("job", job.ID).
			Str("to", job.To).
			Str("cause", string(job.Cause)).
			Msg("worker: письмо отправлено")
		if err := ack(true); err != nil {
			logger.Error().Err(err).Str("job", job.ID).Msg("worker: не удалось подтвердить задачу")
		}
	}
}

// deliver разрешает транспортные настройки задачи и отправляет письмо.
// Задача без email_settings_id уходит через транспорт по умолчанию.
func deliver(ctx context.Context, job domain.MailJob, sender domain.MailSender, settings domain.SettingsRepo) error {
	var transport *domain.EmailSettings
	if job.EmailSettingsID != nil {
		st, err := settings.GetEmailSettings(ctx, *job.EmailSettingsID)
		if err != nil {
			return err
		}
		transport = &st
	}
	return sender.Send(ctx, domain.Mail{
		From:    job.From,
		To:      job.To,
		Subject: job.Subject,
		HTML:    job.HTML,
		BCC:     job.BCC,
	}, transport)
}
