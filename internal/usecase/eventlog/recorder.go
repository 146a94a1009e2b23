package eventlog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"simple-newsletter/internal/domain"
)

// Recorder пишет доменные события в журнал. Журнал — средство наблюдаемости:
// сбой записи логируется локально и никогда не доходит до вызывающего.
type Recorder struct {
	events domain.EventLogRepo
	log    zerolog.Logger
}

// NewRecorder создаёт рекордер.
func NewRecorder(events domain.EventLogRepo, log zerolog.Logger) *Recorder {
	return &Recorder{events: events, log: log}
}

// Record добавляет запись в журнал событий.
func (r *Recorder) Record(ctx context.Context, eventType, title, data, target string) {
	_, err := r.events.CreateEventLog(ctx, domain.EventLog{
		Type:      eventType,
		Title:     title,
		Data:      data,
		Target:    target,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		r.log.Error().Err(err).Str("type", eventType).Msg("eventlog: не удалось записать событие")
	}
}
