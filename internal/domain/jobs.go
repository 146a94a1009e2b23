package domain

import (
	"context"
	"time"
)

// MailJobCause описывает источник задачи на отправку письма.
type MailJobCause string

const (
	// MailCauseVerification — письмо с подтверждением подписки.
	MailCauseVerification MailJobCause = "verification"
	// MailCauseNewsletter — выпуск рассылки подписчику.
	MailCauseNewsletter MailJobCause = "newsletter"
	// MailCauseTest — тестовая отправка выпуска оператору.
	MailCauseTest MailJobCause = "test"
)

// MailJob содержит задачу на отправку одного письма.
// Тело уже отрендерено: воркер только отправляет.
type MailJob struct {
	ID              string       `json:"job_id,omitempty"`
	Cause           MailJobCause `json:"cause"`
	From            string       `json:"from"`
	To              string       `json:"to"`
	Subject         string       `json:"subject"`
	HTML            string       `json:"html"`
	BCC             []string     `json:"bcc,omitempty"`
	EmailSettingsID *int64       `json:"email_settings_id,omitempty"`
	NewsletterID    int64        `json:"newsletter_id,omitempty"`
	MessageID       int64        `json:"message_id,omitempty"`
	SubscriptionID  int64        `json:"subscription_id,omitempty"`
	RequestedAt     time.Time    `json:"requested_at"`
}

// MailAckFunc подтверждает обработку задачи или возвращает её в очередь.
type MailAckFunc func(success bool) error

// MailQueue — очередь задач на отправку. Доставка как минимум однократная:
// задача может прийти повторно, если воркер не подтвердил обработку.
type MailQueue interface {
	Enqueue(ctx context.Context, job MailJob) error
	Receive(ctx context.Context) (MailJob, MailAckFunc, error)
}
