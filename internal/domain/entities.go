package domain

import "time"

// Newsletter описывает рассылку, на которую подписываются посетители.
type Newsletter struct {
	ID                 int64
	ShortName          string
	Name               string
	Description        string
	FromEmail          string
	Signature          string
	PrivacyPolicy      string
	BaseURL            string
	Enabled            bool
	AllowsSubscription bool
	TemplateID         *int64
	EmailSettingsID    *int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Subscription описывает запись подписчика внутри одной рассылки.
type Subscription struct {
	ID           int64
	NewsletterID int64
	Honorific    string
	Email        string
	Name         string
	Surname      string
	Nationality  string
	Company      string
	Role         string
	Telephone    string
	IPAddress    string
	Source       string

	// ConfirmToken используется один раз для подтверждения подписки,
	// UnsubscribeToken — многократно и идемпотентно.
	ConfirmToken     string
	UnsubscribeToken string

	PrivacyPolicyAccepted bool

	VerificationEmailSent   bool
	VerificationEmailSentAt *time.Time

	SubscriptionConfirmed   bool
	SubscriptionConfirmedAt *time.Time

	Subscribed     bool
	UnsubscribedAt *time.Time
	Notes          string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Eligible сообщает, можно ли отправлять подписчику письма рассылки.
func (s Subscription) Eligible() bool {
	return s.Subscribed && s.SubscriptionConfirmed
}

// Message представляет выпуск рассылки.
type Message struct {
	ID           int64
	NewsletterID int64
	Subject      string
	Content      string

	// ViewToken открывает публичную веб-версию письма.
	ViewToken string

	Processed   bool
	ProcessedAt *time.Time

	WebViewCounter   int64
	EmailViewCounter int64

	ToBeProcessedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeliveryRecord фиксирует факт доставки письма подписчику.
// Существование записи — единственный источник истины «уже доставлено».
type DeliveryRecord struct {
	ID             int64
	MessageID      int64
	SubscriptionID int64
	CreatedAt      time.Time
}

// AccessLogEntry — сырая запись обращения к статике.
// GroupStartID указывает на запись, открывшую кластер (на себя для открывающей).
// Порядок обработки задаёт ID, а не временная метка события.
type AccessLogEntry struct {
	ID           int64
	CreatedAt    time.Time
	IP           string
	RequestURI   string
	UserAgent    string
	Referrer     string
	Cookie       string
	Processed    bool
	GroupStartID int64
}

// EventLog — неизменяемая запись журнала доменных событий.
// Намеренно без внешних ключей: событие может ссылаться на уже удалённую сущность.
type EventLog struct {
	ID        int64
	Type      string
	Title     string
	Data      string
	Target    string
	CreatedAt time.Time
}

// EmailSettings хранит транспортные настройки SMTP для рассылки.
type EmailSettings struct {
	ID       int64
	Name     string
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
}

// EmailTemplate — шаблон письма, по которому рендерится выпуск.
type EmailTemplate struct {
	ID      int64
	Name    string
	Subject string
	Body    string
}
