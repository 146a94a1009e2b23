package domain

import (
	"context"
	"time"
)

// NewsletterRepo управляет рассылками.
type NewsletterRepo interface {
	GetNewsletter(ctx context.Context, id int64) (Newsletter, error)
	GetNewsletterByShortName(ctx context.Context, shortName string) (Newsletter, error)
}

// SubscriptionRepo управляет записями подписчиков.
type SubscriptionRepo interface {
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	UpdateSubscription(ctx context.Context, sub Subscription) error
	GetSubscription(ctx context.Context, id int64) (Subscription, error)
	GetByConfirmToken(ctx context.Context, token string) (Subscription, error)
	GetByUnsubscribeToken(ctx context.Context, token string) (Subscription, error)
	// FindFirstByEmail возвращает первую по возрастанию id подписку с таким
	// адресом внутри рассылки. Дубликаты адресов допустимы.
	FindFirstByEmail(ctx context.Context, newsletterID int64, email string) (Subscription, error)
	// ListSubscribedByEmail возвращает все активные подписки с адресом внутри рассылки.
	ListSubscribedByEmail(ctx context.Context, newsletterID int64, email string) ([]Subscription, error)
	// ListEligible возвращает подписки, которым можно отправлять письма,
	// в стабильном порядке по возрастанию id.
	ListEligible(ctx context.Context, newsletterID int64) ([]Subscription, error)
}

// MessageRepo управляет выпусками рассылок.
type MessageRepo interface {
	GetMessage(ctx context.Context, id int64) (Message, error)
	GetMessageByViewToken(ctx context.Context, token string) (Message, error)
	MarkMessageProcessed(ctx context.Context, id int64, at time.Time) error
	IncrementWebViewCounter(ctx context.Context, id int64) error
	IncrementEmailViewCounter(ctx context.Context, id int64) error
	// ListDueMessages возвращает необработанные выпуски, у которых
	// to_be_processed_at наступил.
	ListDueMessages(ctx context.Context, now time.Time) ([]Message, error)
}

// DeliveryRepo — журнал доставок (message, subscription).
// Уникальность пары не обеспечивается хранилищем: перед записью
// оркестратор обязан проверить её через DeliveryExists.
type DeliveryRepo interface {
	DeliveryExists(ctx context.Context, messageID, subscriptionID int64) (bool, error)
	CreateDelivery(ctx context.Context, messageID, subscriptionID int64) (DeliveryRecord, error)
}

// AccessLogRepo управляет записями журнала обращений.
type AccessLogRepo interface {
	CreateAccessLogEntry(ctx context.Context, entry AccessLogEntry) (AccessLogEntry, error)
	// ListUnprocessed возвращает необработанные записи по возрастанию id.
	ListUnprocessed(ctx context.Context) ([]AccessLogEntry, error)
	// MarkGrouped помечает запись обработанной и привязывает к открывшей кластер.
	MarkGrouped(ctx context.Context, entryID, groupStartID int64) error
	// ResetAll сбрасывает processed и group_start_id у всех записей.
	ResetAll(ctx context.Context) (int64, error)
	// CountDistinctGroups возвращает число различных кластеров.
	CountDistinctGroups(ctx context.Context) (int64, error)
}

// EventLogRepo — журнал доменных событий, только добавление.
type EventLogRepo interface {
	CreateEventLog(ctx context.Context, event EventLog) (EventLog, error)
}

// EventRecorder записывает доменное событие, не возвращая ошибку:
// наблюдаемость не должна ломать основную операцию.
type EventRecorder interface {
	Record(ctx context.Context, eventType, title, data, target string)
}

// SettingsRepo отдаёт транспортные настройки и шаблоны писем.
type SettingsRepo interface {
	GetEmailSettings(ctx context.Context, id int64) (EmailSettings, error)
	GetTemplate(ctx context.Context, id int64) (EmailTemplate, error)
	GetTemplateByName(ctx context.Context, name string) (EmailTemplate, error)
}

// MailSender отправляет одно письмо через SMTP.
// settings == nil означает транспорт по умолчанию из конфигурации.
type MailSender interface {
	Send(ctx context.Context, mail Mail, settings *EmailSettings) error
}

// Mail — письмо, готовое к отправке.
type Mail struct {
	From    string
	To      string
	Subject string
	HTML    string
	BCC     []string
}

// Renderer рендерит шаблон письма по контексту.
type Renderer interface {
	Render(source string, bindings map[string]any) (string, error)
}

// HTMLPostProcessor переписывает относительные src/href в абсолютные
// по базовому адресу рассылки.
type HTMLPostProcessor interface {
	MakeURLsAbsolute(html, baseURL string) (string, error)
}

// LinkBuilder строит публичные ссылки, встраиваемые в письма.
type LinkBuilder interface {
	ConfirmLink(token string) string
	UnsubscribeLink(token string) string
	WebViewLink(token string) string
}

// Locker выдаёт консультативные блокировки, сериализующие фоновые прогоны.
type Locker interface {
	Once(key string, ttl time.Duration, fn func() error) error
}
