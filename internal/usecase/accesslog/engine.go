package accesslog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"simple-newsletter/internal/domain"
	"simple-newsletter/internal/infra/metrics"
)

// Окна близости по умолчанию. Запросы одной страницы с одного адреса
// идут с разницей в секунды (HTML, затем картинки и шрифты); совпадение
// разных адресов считаем одним просмотром только при почти одновременном
// приходе, потому что атрибуция по IP ненадёжна.
const (
	DefaultSameIPWindow  = 2 * time.Second
	DefaultCrossIPWindow = 100 * time.Millisecond
)

// Stats — итог одного прогона кластеризации.
type Stats struct {
	Entries  int
	Clusters int
}

// Engine группирует записи журнала обращений в кластеры-просмотры.
// Прогон строго последовательный и не рассчитан на параллельный запуск:
// вызывающий обязан сериализовать прогоны (см. domain.Locker).
type Engine struct {
	entries       domain.AccessLogRepo
	log           zerolog.Logger
	sameIPWindow  time.Duration
	crossIPWindow time.Duration
}

// NewEngine создаёт движок кластеризации. Нулевые окна заменяются значениями
// по умолчанию.
func NewEngine(entries domain.AccessLogRepo, log zerolog.Logger, sameIPWindow, crossIPWindow time.Duration) *Engine {
	if sameIPWindow <= 0 {
		sameIPWindow = DefaultSameIPWindow
	}
	if crossIPWindow <= 0 {
		crossIPWindow = DefaultCrossIPWindow
	}
	return &Engine{entries: entries, log: log, sameIPWindow: sameIPWindow, crossIPWindow: crossIPWindow}
}

// isVeryNear сообщает, попадает ли запись в окно близости открывшей кластер.
// Порог адаптивный: для одного IP окно длинное, для разных — короткое.
func (e *Engine) isVeryNear(opener, entry domain.AccessLogEntry) bool {
	limit := e.crossIPWindow
	if opener.IP == entry.IP {
		limit = e.sameIPWindow
	}
	delta := entry.CreatedAt.Sub(opener.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= limit
}

// Process выполняет один проход по необработанным записям в порядке прихода.
// Кластер привязан к первой записи: граница не скользит, поэтому ровная
// цепочка записей, каждая из которых близка к открывшей, остаётся одним
// кластером, даже если её общий размах превышает окно.
//
// Записи с processed=true в выборку не попадают, так что повторный прогон
// без новых записей ничего не меняет. Ошибка записи в хранилище прерывает
// прогон: запись осталась необработанной и будет подхвачена следующим.
func (e *Engine) Process(ctx context.Context) (Stats, error) {
	start := time.Now()
	unprocessed, err := e.entries.ListUnprocessed(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("выборка необработанных записей: %w", err)
	}

	var stats Stats
	var opener *domain.AccessLogEntry

	for i := range unprocessed {
		entry := unprocessed[i]
		stats.Entries++

		if opener == nil || !e.isVeryNear(*opener, entry) {
			if err := e.entries.MarkGrouped(ctx, entry.ID, entry.ID); err != nil {
				return stats, fmt.Errorf("открытие кластера записью %d: %w", entry.ID, err)
			}
			opener = &unprocessed[i]
			stats.Clusters++
			metrics.ClustersFormed.Inc()
			continue
		}

		if err := e.entries.MarkGrouped(ctx, entry.ID, opener.ID); err != nil {
			return stats, fmt.Errorf("привязка записи %d к кластеру %d: %w", entry.ID, opener.ID, err)
		}
	}

	metrics.ClusterPassSeconds.Observe(time.Since(start).Seconds())
	e.log.Info().Int("entries", stats.Entries).Int("clusters", stats.Clusters).Msg("accesslog: прогон кластеризации завершён")
	return stats, nil
}

// Reset сбрасывает processed и group_start_id у всех записей,
// чтобы принудительно перегруппировать журнал.
func (e *Engine) Reset(ctx context.Context) (int64, error) {
	n, err := e.entries.ResetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("сброс журнала обращений: %w", err)
	}
	e.log.Info().Int64("entries", n).Msg("accesslog: журнал сброшен")
	return n, nil
}

// DistinctReads возвращает число различных кластеров — приближённую
// оценку количества прочтений рассылки.
func (e *Engine) DistinctReads(ctx context.Context) (int64, error) {
	n, err := e.entries.CountDistinctGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("подсчёт кластеров: %w", err)
	}
	return n, nil
}
