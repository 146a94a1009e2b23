package domain

// Типы записей журнала доменных событий.
const (
	// EventEmailSent — письмо рассылки передано в очередь отправки.
	EventEmailSent = "EMAIL_SENT"
	// EventSubscriptionConfirmed — подписчик подтвердил подписку.
	EventSubscriptionConfirmed = "SUBSCRIPTION_CONFIRMED"
	// EventConfirmEmailSent — отправлено письмо с подтверждением подписки.
	EventConfirmEmailSent = "CONFIRM_SUBSCRIPTION_EMAIL_SENT"
	// EventUnsubscribed — подписчик отписался.
	EventUnsubscribed = "UNSUBSCRIBED"
)
