package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"simple-newsletter/internal/adapters/repo"
	"simple-newsletter/internal/infra/cache"
	"simple-newsletter/internal/infra/config"
	"simple-newsletter/internal/infra/db"
	applog "simple-newsletter/internal/infra/log"
	"simple-newsletter/internal/infra/metrics"
	"simple-newsletter/internal/usecase/accesslog"
)

// clusterLockTTL страхует от зависшего прогона: блокировка истекает сама.
const clusterLockTTL = 15 * time.Minute

func main() {
	op := flag.String("op", "process", "операция: process, reset или stats")
	flag.Parse()

	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("logproc: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	engine := accesslog.NewEngine(
		repoAdapter,
		logger.With().Str("component", "accesslog").Logger(),
		cfg.Cluster.SameIPWindow,
		cfg.Cluster.CrossIPWindow,
	)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("logproc: не указан адрес Redis (REDIS_ADDR)")
	}
	locker := cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))

	switch *op {
	case "process":
		err := locker.Once("accesslog:cluster", clusterLockTTL, func() error {
			stats, err := engine.Process(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int("entries", stats.Entries).Int("clusters", stats.Clusters).Msg("logproc: кластеризация завершена")
			return nil
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("logproc: кластеризация не удалась")
		}

	case "reset":
		err := locker.Once("accesslog:cluster", clusterLockTTL, func() error {
			n, err := engine.Reset(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int64("entries", n).Msg("logproc: журнал сброшен, записи готовы к перегруппировке")
			return nil
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("logproc: сброс не удался")
		}

	case "stats":
		reads, err := engine.DistinctReads(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("logproc: подсчёт кластеров не удался")
		}
		logger.Info().Int64("distinct_reads", reads).Msg("logproc: оценка числа прочтений")

	default:
		logger.Fatal().Str("op", *op).Msg("logproc: неизвестная операция")
	}
}
