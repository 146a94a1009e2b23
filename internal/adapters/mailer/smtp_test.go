package mailer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"simple-newsletter/internal/domain"
)

func TestSendWithoutTransport(t *testing.T) {
	s := NewSMTPSender(domain.EmailSettings{}, zerolog.Nop())

	err := s.Send(context.Background(), domain.Mail{From: "a@b.c", To: "d@e.f"}, nil)
	if !errors.Is(err, ErrNoTransport) {
		t.Fatalf("ожидали ErrNoTransport, получили %v", err)
	}
}

func TestBuildMessageHidesBCC(t *testing.T) {
	msg := string(buildMessage(domain.Mail{
		From:    "Еженедельник <news@example.org>",
		To:      "a@b.c",
		Subject: "Выпуск 1",
		HTML:    "<p>текст</p>",
		BCC:     []string{"archive@example.org"},
	}))

	if !strings.Contains(msg, "From: Еженедельник <news@example.org>\r\n") {
		t.Fatalf("нет заголовка From: %s", msg)
	}
	if !strings.Contains(msg, "Content-Type: text/html") {
		t.Fatalf("нет заголовка Content-Type: %s", msg)
	}
	if strings.Contains(msg, "archive@example.org") {
		t.Fatalf("скрытый получатель не должен попадать в заголовки: %s", msg)
	}
	if !strings.HasSuffix(msg, "\r\n\r\n<p>текст</p>") {
		t.Fatalf("тело письма не на месте: %s", msg)
	}
}

func TestBareAddress(t *testing.T) {
	addr, err := bareAddress("Еженедельник <news@example.org>")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if addr != "news@example.org" {
		t.Fatalf("ожидали news@example.org, получили %s", addr)
	}

	if _, err := bareAddress("не адрес"); err == nil {
		t.Fatalf("ожидали ошибку разбора адреса")
	}
}
