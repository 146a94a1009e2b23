package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"simple-newsletter/internal/adapters/htmlx"
	"simple-newsletter/internal/adapters/links"
	"simple-newsletter/internal/adapters/render"
	"simple-newsletter/internal/adapters/repo"
	"simple-newsletter/internal/adapters/web"
	"simple-newsletter/internal/domain"
	"simple-newsletter/internal/infra/config"
	"simple-newsletter/internal/infra/db"
	httpinfra "simple-newsletter/internal/infra/http"
	applog "simple-newsletter/internal/infra/log"
	"simple-newsletter/internal/infra/metrics"
	"simple-newsletter/internal/infra/queue"
	"simple-newsletter/internal/usecase/eventlog"
	"simple-newsletter/internal/usecase/subscription"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("web: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	// Основная очередь — RabbitMQ; без него письма идут через Redis list.
	var mailQueue domain.MailQueue
	switch {
	case cfg.RabbitURL != "":
		rabbit, err := queue.NewRabbitMailQueue(cfg.RabbitURL, cfg.Queues.Mail)
		if err != nil {
			logger.Fatal().Err(err).Msg("web: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		mailQueue = rabbit
	case cfg.RedisAddr != "":
		logger.Warn().Msg("web: RabbitMQ не настроен, очередь писем работает через Redis")
		mailQueue = queue.NewRedisMailQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Queues.Mail)
	default:
		logger.Fatal().Msg("web: не настроена очередь писем (RABBITMQ_URL или REDIS_ADDR)")
	}

	renderer := render.NewEngine()
	linkBuilder := links.NewBuilder(cfg.BaseURL)
	htmlProc := &htmlx.Processor{}
	events := eventlog.NewRecorder(repoAdapter, logger.With().Str("component", "eventlog").Logger())

	subs := subscription.NewService(
		repoAdapter, repoAdapter,
		renderer, linkBuilder, mailQueue, events,
		logger.With().Str("component", "subscription").Logger(),
	)

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	handler := web.NewHandler(subs, repoAdapter, repoAdapter, repoAdapter, htmlProc, logger.With().Str("component", "web").Logger())
	handler.Mount(server.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("web: graceful shutdown failed")
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("web: сервер остановился с ошибкой")
		}
	}
}
