// Package mailer отправляет письма по SMTP с транспортными настройками,
// переопределяемыми на уровне рассылки.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"simple-newsletter/internal/domain"
	"simple-newsletter/internal/infra/metrics"
)

// ErrNoTransport возвращается, если не настроен ни один SMTP транспорт.
var ErrNoTransport = errors.New("не настроен SMTP транспорт")

// SMTPSender реализует domain.MailSender поверх net/smtp.
type SMTPSender struct {
	defaults domain.EmailSettings
	log      zerolog.Logger
	timeout  time.Duration
}

var _ domain.MailSender = (*SMTPSender)(nil)

// NewSMTPSender создаёт отправителя с транспортом по умолчанию из конфига.
func NewSMTPSender(defaults domain.EmailSettings, log zerolog.Logger) *SMTPSender {
	return &SMTPSender{defaults: defaults, log: log, timeout: 30 * time.Second}
}

// Send отправляет одно письмо. settings == nil означает транспорт по умолчанию.
func (s *SMTPSender) Send(ctx context.Context, m domain.Mail, settings *domain.EmailSettings) error {
	st := s.defaults
	if settings != nil {
		st = *settings
	}
	if st.Host == "" {
		return ErrNoTransport
	}

	fromAddr, err := bareAddress(m.From)
	if err != nil {
		return fmt.Errorf("разбор адреса отправителя: %w", err)
	}

	recipients := append([]string{m.To}, m.BCC...)

	start := time.Now()
	err = s.transmit(ctx, st, fromAddr, recipients, buildMessage(m))
	metrics.ObserveNetworkRequest("smtp", "send", st.Host, start, err)
	if err != nil {
		return fmt.Errorf("отправка через %s:%d: %w", st.Host, st.Port, err)
	}
	return nil
}

func (s *SMTPSender) transmit(ctx context.Context, st domain.EmailSettings, from string, recipients []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", st.Host, st.Port)
	dialer := &net.Dialer{Timeout: s.timeout}

	var client *smtp.Client
	if st.Port == 465 {
		// Неявный TLS: соединение шифруется сразу.
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: st.Host})
		if err != nil {
			return err
		}
		client, err = smtp.NewClient(conn, st.Host)
		if err != nil {
			_ = conn.Close()
			return err
		}
	} else {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		client, err = smtp.NewClient(conn, st.Host)
		if err != nil {
			_ = conn.Close()
			return err
		}
		if st.UseTLS {
			if err := client.StartTLS(&tls.Config{ServerName: st.Host}); err != nil {
				_ = client.Close()
				return err
			}
		}
	}
	defer client.Close()

	if st.Username != "" {
		auth := smtp.PlainAuth("", st.Username, st.Password, st.Host)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(m domain.Mail) []byte {
	var b strings.Builder
	b.WriteString("From: " + m.From + "\r\n")
	b.WriteString("To: " + m.To + "\r\n")
	b.WriteString("Subject: " + m.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	// BCC в заголовки не попадает: скрытые получатели передаются
	// только в RCPT TO.
	b.WriteString("\r\n")
	b.WriteString(m.HTML)
	return []byte(b.String())
}

func bareAddress(s string) (string, error) {
	parsed, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return parsed.Address, nil
}
