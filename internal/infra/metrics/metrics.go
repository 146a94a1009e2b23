package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	MailJobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mail_jobs_enqueued_total",
		Help: "Задачи на отправку писем, поставленные в очередь",
	}, []string{"cause"})

	MailSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_send_errors_total",
		Help: "Ошибки отправки писем воркером",
	})

	MailSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_sent_total",
		Help: "Успешно отправленные письма",
	})

	DispatchRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_run_seconds",
		Help:    "Длительность прогона рассылки выпуска",
		Buckets: prometheus.DefBuckets,
	})

	DispatchSkippedDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_skipped_delivered_total",
		Help: "Подписчики, пропущенные из-за уже существующей записи доставки",
	})

	ClusterPassSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "accesslog_cluster_pass_seconds",
		Help:    "Длительность прогона кластеризации журнала обращений",
		Buckets: prometheus.DefBuckets,
	})

	ClustersFormed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accesslog_clusters_formed_total",
		Help: "Сформированные кластеры журнала обращений",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		MailJobsEnqueued,
		MailSendErrors,
		MailSent,
		DispatchRunSeconds,
		DispatchSkippedDelivered,
		ClusterPassSeconds,
		ClustersFormed,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}
