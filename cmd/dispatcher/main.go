package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"simple-newsletter/internal/adapters/htmlx"
	"simple-newsletter/internal/adapters/links"
	"simple-newsletter/internal/adapters/render"
	"simple-newsletter/internal/adapters/repo"
	"simple-newsletter/internal/domain"
	"simple-newsletter/internal/infra/cache"
	"simple-newsletter/internal/infra/config"
	"simple-newsletter/internal/infra/db"
	applog "simple-newsletter/internal/infra/log"
	"simple-newsletter/internal/infra/metrics"
	"simple-newsletter/internal/infra/queue"
	"simple-newsletter/internal/usecase/dispatch"
	"simple-newsletter/internal/usecase/eventlog"
)

// dispatchLockTTL страхует от зависшего прогона: блокировка истекает сама.
const dispatchLockTTL = 30 * time.Minute

func main() {
	var (
		messageID    = flag.Int64("message", 0, "id выпуска для отправки")
		templateName = flag.String("template", "", "имя шаблона письма (по умолчанию шаблон рассылки)")
		noSave       = flag.Bool("no-save", false, "холостой прогон: не записывать доставки и не помечать выпуск")
		limit        = flag.Int("limit", 0, "максимум отправок за прогон, 0 — из конфига")
		testTo       = flag.String("test", "", "отправить выпуск на один адрес, минуя журнал доставок")
		watch        = flag.Bool("watch", false, "следить за запланированными выпусками и отправлять их по наступлении срока")
	)
	flag.Parse()

	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatcher: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("dispatcher: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	locker := cache.NewRedis(redisClient)

	// Основная очередь — RabbitMQ; без него письма идут через Redis list.
	var mailQueue domain.MailQueue
	if cfg.RabbitURL != "" {
		rabbit, err := queue.NewRabbitMailQueue(cfg.RabbitURL, cfg.Queues.Mail)
		if err != nil {
			logger.Fatal().Err(err).Msg("dispatcher: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		mailQueue = rabbit
	} else {
		logger.Warn().Msg("dispatcher: RabbitMQ не настроен, очередь писем работает через Redis")
		mailQueue = queue.NewRedisMailQueue(redisClient, cfg.Queues.Mail)
	}

	events := eventlog.NewRecorder(repoAdapter, logger.With().Str("component", "eventlog").Logger())
	service := dispatch.NewService(
		repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter,
		render.NewEngine(), &htmlx.Processor{}, links.NewBuilder(cfg.BaseURL),
		mailQueue, events,
		logger.With().Str("component", "dispatch").Logger(),
		cfg.Dispatch.BCC,
	)

	opts := dispatch.Options{
		TemplateName: *templateName,
		NoSave:       *noSave,
		BatchLimit:   *limit,
	}
	if opts.BatchLimit == 0 {
		opts.BatchLimit = cfg.Dispatch.BatchLimit
	}

	switch {
	case *testTo != "":
		if *messageID == 0 {
			logger.Fatal().Msg("dispatcher: для тестовой отправки нужен -message")
		}
		if err := service.SendTest(ctx, *messageID, *testTo, *templateName); err != nil {
			logger.Fatal().Err(err).Msg("dispatcher: тестовая отправка не удалась")
		}
		logger.Info().Str("to", *testTo).Int64("message", *messageID).Msg("dispatcher: тестовое письмо поставлено в очередь")

	case *watch:
		watchDue(ctx, logger, repoAdapter, service, locker, opts)

	default:
		if *messageID == 0 {
			logger.Fatal().Msg("dispatcher: укажите -message, -test или -watch")
		}
		if err := dispatchOnce(ctx, logger, service, locker, *messageID, opts); err != nil {
			logger.Fatal().Err(err).Int64("message", *messageID).Msg("dispatcher: прогон не удался")
		}
	}
}

func dispatchOnce(ctx context.Context, logger zerolog.Logger, service *dispatch.Service, locker *cache.RedisCache, messageID int64, opts dispatch.Options) error {
	return locker.Once("dispatch:run", dispatchLockTTL, func() error {
		res, err := service.Dispatch(ctx, messageID, opts)
		if err != nil {
			return err
		}
		logger.Info().
			Int64("message", messageID).
			Int("eligible", res.Eligible).
			Int("enqueued", res.Enqueued).
			Int("skipped", res.Skipped).
			Int("failed", res.Failed).
			Bool("truncated", res.Truncated).
			Msg("dispatcher: выпуск отправлен")
		return nil
	})
}

// watchDue раз в минуту отправляет выпуски с наступившим to_be_processed_at.
// Обработанный выпуск из выборки исчезает, поэтому цикл не отправляет его
// повторно; холостой прогон в этом режиме не имеет смысла и игнорируется.
func watchDue(ctx context.Context, logger zerolog.Logger, messages *repo.Postgres, service *dispatch.Service, locker *cache.RedisCache, opts dispatch.Options) {
	opts.NoSave = false

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	logger.Info().Msg("dispatcher: режим наблюдения за запланированными выпусками")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := messages.ListDueMessages(ctx, time.Now().UTC())
		if err != nil {
			logger.Error().Err(err).Msg("dispatcher: ошибка выборки запланированных выпусков")
			continue
		}
		for _, msg := range due {
			if ctx.Err() != nil {
				return
			}
			if err := dispatchOnce(ctx, logger, service, locker, msg.ID, opts); err != nil {
				logger.Error().Err(err).Int64("message", msg.ID).Msg("dispatcher: отправка запланированного выпуска не удалась")
			}
		}
	}
}
