package eventlog

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"simple-newsletter/internal/domain"
)

type stubEventLogRepo struct {
	events []domain.EventLog
	fail   bool
}

func (s *stubEventLogRepo) CreateEventLog(_ context.Context, event domain.EventLog) (domain.EventLog, error) {
	if s.fail {
		return domain.EventLog{}, errors.New("журнал недоступен")
	}
	event.ID = int64(len(s.events) + 1)
	s.events = append(s.events, event)
	return event, nil
}

func TestRecord(t *testing.T) {
	repo := &stubEventLogRepo{}
	r := NewRecorder(repo, zerolog.Nop())

	r.Record(context.Background(), domain.EventEmailSent, "Письмо отправлено", "подписчик: a@b.c", "a@b.c")

	if len(repo.events) != 1 {
		t.Fatalf("событие не записано")
	}
	event := repo.events[0]
	if event.Type != domain.EventEmailSent || event.Target != "a@b.c" {
		t.Fatalf("поля события не совпали: %+v", event)
	}
	if event.CreatedAt.IsZero() {
		t.Fatalf("отметка времени не проставлена")
	}
}

func TestRecordSwallowsStorageError(t *testing.T) {
	repo := &stubEventLogRepo{fail: true}
	r := NewRecorder(repo, zerolog.Nop())

	// Сбой журнала не должен доходить до вызывающего.
	r.Record(context.Background(), domain.EventUnsubscribed, "Отписка", "", "a@b.c")
}
