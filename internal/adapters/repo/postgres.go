// Package repo реализует репозитории домена поверх pgxpool.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"simple-newsletter/internal/domain"
	"simple-newsletter/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.NewsletterRepo   = (*Postgres)(nil)
	_ domain.SubscriptionRepo = (*Postgres)(nil)
	_ domain.MessageRepo      = (*Postgres)(nil)
	_ domain.DeliveryRepo     = (*Postgres)(nil)
	_ domain.AccessLogRepo    = (*Postgres)(nil)
	_ domain.EventLogRepo     = (*Postgres)(nil)
	_ domain.SettingsRepo     = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

const newsletterColumns = `id, short_name, name, description, from_email, signature, privacy_policy, base_url, enabled, allows_subscription, template_id, email_settings_id, created_at, updated_at`

func scanNewsletter(row pgx.Row) (domain.Newsletter, error) {
	var (
		n          domain.Newsletter
		templateID sql.NullInt64
		settingsID sql.NullInt64
	)
	err := row.Scan(&n.ID, &n.ShortName, &n.Name, &n.Description, &n.FromEmail, &n.Signature, &n.PrivacyPolicy, &n.BaseURL, &n.Enabled, &n.AllowsSubscription, &templateID, &settingsID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return domain.Newsletter{}, mapNotFound(err)
	}
	if templateID.Valid {
		id := templateID.Int64
		n.TemplateID = &id
	}
	if settingsID.Valid {
		id := settingsID.Int64
		n.EmailSettingsID = &id
	}
	return n, nil
}

// GetNewsletter возвращает рассылку по id.
func (p *Postgres) GetNewsletter(ctx context.Context, id int64) (domain.Newsletter, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+newsletterColumns+` FROM newsletters WHERE id = $1`, id)
	n, err := scanNewsletter(row)
	metrics.ObserveNetworkRequest("postgres", "newsletters_get", "newsletters", start, err)
	return n, err
}

// GetNewsletterByShortName возвращает рассылку по короткому имени.
func (p *Postgres) GetNewsletterByShortName(ctx context.Context, shortName string) (domain.Newsletter, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+newsletterColumns+` FROM newsletters WHERE short_name = $1`, shortName)
	n, err := scanNewsletter(row)
	metrics.ObserveNetworkRequest("postgres", "newsletters_get_by_short_name", "newsletters", start, err)
	return n, err
}

const subscriptionColumns = `id, newsletter_id, honorific, email, name, surname, nationality, company, role, telephone, ip_address, source, confirm_token, unsubscribe_token, privacy_policy_accepted, verification_email_sent, verification_email_sent_at, subscription_confirmed, subscription_confirmed_at, subscribed, unsubscribed_at, notes, created_at, updated_at`

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var (
		s              domain.Subscription
		verifiedAt     sql.NullTime
		confirmedAt    sql.NullTime
		unsubscribedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.NewsletterID, &s.Honorific, &s.Email, &s.Name, &s.Surname, &s.Nationality, &s.Company, &s.Role, &s.Telephone, &s.IPAddress, &s.Source, &s.ConfirmToken, &s.UnsubscribeToken, &s.PrivacyPolicyAccepted, &s.VerificationEmailSent, &verifiedAt, &s.SubscriptionConfirmed, &confirmedAt, &s.Subscribed, &unsubscribedAt, &s.Notes, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Subscription{}, mapNotFound(err)
	}
	if verifiedAt.Valid {
		ts := verifiedAt.Time
		s.VerificationEmailSentAt = &ts
	}
	if confirmedAt.Valid {
		ts := confirmedAt.Time
		s.SubscriptionConfirmedAt = &ts
	}
	if unsubscribedAt.Valid {
		ts := unsubscribedAt.Time
		s.UnsubscribedAt = &ts
	}
	return s, nil
}

// CreateSubscription сохраняет новую подписку.
func (p *Postgres) CreateSubscription(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO subscriptions (newsletter_id, honorific, email, name, surname, nationality, company, role, telephone, ip_address, source, confirm_token, unsubscribe_token, privacy_policy_accepted, subscribed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING `+subscriptionColumns,
		sub.NewsletterID, sub.Honorific, sub.Email, sub.Name, sub.Surname, sub.Nationality, sub.Company, sub.Role, sub.Telephone, sub.IPAddress, sub.Source, sub.ConfirmToken, sub.UnsubscribeToken, sub.PrivacyPolicyAccepted, sub.Subscribed)
	created, err := scanSubscription(row)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_insert", "subscriptions", start, err)
	return created, err
}

// UpdateSubscription сохраняет изменяемые поля подписки.
func (p *Postgres) UpdateSubscription(ctx context.Context, sub domain.Subscription) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		verifiedAt     sql.NullTime
		confirmedAt    sql.NullTime
		unsubscribedAt sql.NullTime
	)
	if sub.VerificationEmailSentAt != nil {
		verifiedAt = sql.NullTime{Time: *sub.VerificationEmailSentAt, Valid: true}
	}
	if sub.SubscriptionConfirmedAt != nil {
		confirmedAt = sql.NullTime{Time: *sub.SubscriptionConfirmedAt, Valid: true}
	}
	if sub.UnsubscribedAt != nil {
		unsubscribedAt = sql.NullTime{Time: *sub.UnsubscribedAt, Valid: true}
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE subscriptions
SET verification_email_sent = $2, verification_email_sent_at = $3,
    subscription_confirmed = $4, subscription_confirmed_at = $5,
    subscribed = $6, unsubscribed_at = $7, notes = $8, updated_at = now()
WHERE id = $1`,
		sub.ID, sub.VerificationEmailSent, verifiedAt, sub.SubscriptionConfirmed, confirmedAt, sub.Subscribed, unsubscribedAt, sub.Notes)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_update", "subscriptions", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetSubscription возвращает подписку по id.
func (p *Postgres) GetSubscription(ctx context.Context, id int64) (domain.Subscription, error) {
	return p.getSubscriptionBy(ctx, "subscriptions_get", `id = $1`, id)
}

// GetByConfirmToken возвращает подписку по токену подтверждения.
func (p *Postgres) GetByConfirmToken(ctx context.Context, token string) (domain.Subscription, error) {
	return p.getSubscriptionBy(ctx, "subscriptions_get_by_confirm_token", `confirm_token = $1`, token)
}

// GetByUnsubscribeToken возвращает подписку по токену отписки.
func (p *Postgres) GetByUnsubscribeToken(ctx context.Context, token string) (domain.Subscription, error) {
	return p.getSubscriptionBy(ctx, "subscriptions_get_by_unsubscribe_token", `unsubscribe_token = $1`, token)
}

func (p *Postgres) getSubscriptionBy(ctx context.Context, op, where string, arg any) (domain.Subscription, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where, arg)
	sub, err := scanSubscription(row)
	metrics.ObserveNetworkRequest("postgres", op, "subscriptions", start, err)
	return sub, err
}

// FindFirstByEmail возвращает первую по возрастанию id подписку с адресом
// внутри рассылки. Дубликаты адресов допустимы намеренно.
func (p *Postgres) FindFirstByEmail(ctx context.Context, newsletterID int64, email string) (domain.Subscription, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+subscriptionColumns+` FROM subscriptions
WHERE newsletter_id = $1 AND email = $2
ORDER BY id
LIMIT 1`, newsletterID, email)
	sub, err := scanSubscription(row)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_find_first_by_email", "subscriptions", start, err)
	return sub, err
}

// ListSubscribedByEmail возвращает активные подписки с адресом внутри рассылки.
func (p *Postgres) ListSubscribedByEmail(ctx context.Context, newsletterID int64, email string) ([]domain.Subscription, error) {
	return p.listSubscriptions(ctx, "subscriptions_list_subscribed_by_email", `
SELECT `+subscriptionColumns+` FROM subscriptions
WHERE newsletter_id = $1 AND email = $2 AND subscribed
ORDER BY id`, newsletterID, email)
}

// ListEligible возвращает подписки, подтверждённые и активные, по возрастанию id.
func (p *Postgres) ListEligible(ctx context.Context, newsletterID int64) ([]domain.Subscription, error) {
	return p.listSubscriptions(ctx, "subscriptions_list_eligible", `
SELECT `+subscriptionColumns+` FROM subscriptions
WHERE newsletter_id = $1 AND subscribed AND subscription_confirmed
ORDER BY id`, newsletterID)
}

func (p *Postgres) listSubscriptions(ctx context.Context, op, query string, args ...any) ([]domain.Subscription, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", op, "subscriptions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

const messageColumns = `id, newsletter_id, subject, content, view_token, processed, processed_at, web_view_counter, email_view_counter, to_be_processed_at, created_at, updated_at`

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m           domain.Message
		processedAt sql.NullTime
		dueAt       sql.NullTime
	)
	err := row.Scan(&m.ID, &m.NewsletterID, &m.Subject, &m.Content, &m.ViewToken, &m.Processed, &processedAt, &m.WebViewCounter, &m.EmailViewCounter, &dueAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Message{}, mapNotFound(err)
	}
	if processedAt.Valid {
		ts := processedAt.Time
		m.ProcessedAt = &ts
	}
	if dueAt.Valid {
		ts := dueAt.Time
		m.ToBeProcessedAt = &ts
	}
	return m, nil
}

// GetMessage возвращает выпуск по id.
func (p *Postgres) GetMessage(ctx context.Context, id int64) (domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	metrics.ObserveNetworkRequest("postgres", "messages_get", "messages", start, err)
	return m, err
}

// GetMessageByViewToken возвращает выпуск по токену веб-версии.
func (p *Postgres) GetMessageByViewToken(ctx context.Context, token string) (domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE view_token = $1`, token)
	m, err := scanMessage(row)
	metrics.ObserveNetworkRequest("postgres", "messages_get_by_view_token", "messages", start, err)
	return m, err
}

// MarkMessageProcessed помечает выпуск обработанным.
func (p *Postgres) MarkMessageProcessed(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE messages SET processed = true, processed_at = $2, updated_at = now() WHERE id = $1`, id, at)
	metrics.ObserveNetworkRequest("postgres", "messages_mark_processed", "messages", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementWebViewCounter увеличивает счётчик веб-просмотров.
func (p *Postgres) IncrementWebViewCounter(ctx context.Context, id int64) error {
	return p.incrementCounter(ctx, "messages_inc_web_views", `web_view_counter`, id)
}

// IncrementEmailViewCounter увеличивает счётчик почтовых просмотров.
func (p *Postgres) IncrementEmailViewCounter(ctx context.Context, id int64) error {
	return p.incrementCounter(ctx, "messages_inc_email_views", `email_view_counter`, id)
}

func (p *Postgres) incrementCounter(ctx context.Context, op, column string, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE messages SET `+column+` = `+column+` + 1 WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", op, "messages", start, err)
	return err
}

// ListDueMessages возвращает необработанные выпуски с наступившим to_be_processed_at.
func (p *Postgres) ListDueMessages(ctx context.Context, now time.Time) ([]domain.Message, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+messageColumns+` FROM messages
WHERE NOT processed AND to_be_processed_at IS NOT NULL AND to_be_processed_at <= $1
ORDER BY id`, now)
	metrics.ObserveNetworkRequest("postgres", "messages_list_due", "messages", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeliveryExists проверяет наличие записи доставки для пары (выпуск, подписка).
func (p *Postgres) DeliveryExists(ctx context.Context, messageID, subscriptionID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM delivery_records WHERE message_id = $1 AND subscription_id = $2)`, messageID, subscriptionID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "deliveries_exists", "delivery_records", start, err)
	return exists, err
}

// CreateDelivery записывает факт доставки. Уникальность пары не
// обеспечивается схемой: проверка лежит на оркестраторе.
func (p *Postgres) CreateDelivery(ctx context.Context, messageID, subscriptionID int64) (domain.DeliveryRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var rec domain.DeliveryRecord
	err := p.pool.QueryRow(ctx, `
INSERT INTO delivery_records (message_id, subscription_id)
VALUES ($1, $2)
RETURNING id, message_id, subscription_id, created_at`, messageID, subscriptionID).
		Scan(&rec.ID, &rec.MessageID, &rec.SubscriptionID, &rec.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "deliveries_insert", "delivery_records", start, err)
	return rec, err
}

const accessLogColumns = `id, created_at, ip, request_uri, user_agent, referrer, cookie, processed, group_start_id`

func scanAccessLogEntry(row pgx.Row) (domain.AccessLogEntry, error) {
	var e domain.AccessLogEntry
	err := row.Scan(&e.ID, &e.CreatedAt, &e.IP, &e.RequestURI, &e.UserAgent, &e.Referrer, &e.Cookie, &e.Processed, &e.GroupStartID)
	if err != nil {
		return domain.AccessLogEntry{}, mapNotFound(err)
	}
	return e, nil
}

// CreateAccessLogEntry сохраняет сырую запись обращения.
func (p *Postgres) CreateAccessLogEntry(ctx context.Context, entry domain.AccessLogEntry) (domain.AccessLogEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO access_log_entries (created_at, ip, request_uri, user_agent, referrer, cookie)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+accessLogColumns,
		entry.CreatedAt, entry.IP, entry.RequestURI, entry.UserAgent, entry.Referrer, entry.Cookie)
	created, err := scanAccessLogEntry(row)
	metrics.ObserveNetworkRequest("postgres", "access_log_insert", "access_log_entries", start, err)
	return created, err
}

// ListUnprocessed возвращает необработанные записи по возрастанию id.
// id — последовательность прихода, она и задаёт порядок кластеризации;
// временная метка события порядок не определяет.
func (p *Postgres) ListUnprocessed(ctx context.Context) ([]domain.AccessLogEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+accessLogColumns+` FROM access_log_entries WHERE NOT processed ORDER BY id`)
	metrics.ObserveNetworkRequest("postgres", "access_log_list_unprocessed", "access_log_entries", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AccessLogEntry
	for rows.Next() {
		e, err := scanAccessLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkGrouped помечает запись обработанной и привязывает к открывшей кластер.
func (p *Postgres) MarkGrouped(ctx context.Context, entryID, groupStartID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE access_log_entries SET processed = true, group_start_id = $2 WHERE id = $1`, entryID, groupStartID)
	metrics.ObserveNetworkRequest("postgres", "access_log_mark_grouped", "access_log_entries", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ResetAll сбрасывает processed и group_start_id у всех записей.
func (p *Postgres) ResetAll(ctx context.Context) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE access_log_entries SET processed = false, group_start_id = 0`)
	metrics.ObserveNetworkRequest("postgres", "access_log_reset", "access_log_entries", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountDistinctGroups возвращает число различных кластеров.
func (p *Postgres) CountDistinctGroups(ctx context.Context) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var n int64
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(DISTINCT group_start_id) FROM access_log_entries WHERE processed`).Scan(&n)
	metrics.ObserveNetworkRequest("postgres", "access_log_count_groups", "access_log_entries", start, err)
	return n, err
}

// CreateEventLog добавляет запись в журнал доменных событий.
func (p *Postgres) CreateEventLog(ctx context.Context, event domain.EventLog) (domain.EventLog, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO event_logs (type, title, data, target, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`, event.Type, event.Title, event.Data, event.Target, event.CreatedAt).Scan(&event.ID)
	metrics.ObserveNetworkRequest("postgres", "event_logs_insert", "event_logs", start, err)
	if err != nil {
		return domain.EventLog{}, err
	}
	return event, nil
}

// GetEmailSettings возвращает транспортные настройки по id.
func (p *Postgres) GetEmailSettings(ctx context.Context, id int64) (domain.EmailSettings, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var st domain.EmailSettings
	err := p.pool.QueryRow(ctx, `
SELECT id, name, host, port, username, password, use_tls FROM email_settings WHERE id = $1`, id).
		Scan(&st.ID, &st.Name, &st.Host, &st.Port, &st.Username, &st.Password, &st.UseTLS)
	metrics.ObserveNetworkRequest("postgres", "email_settings_get", "email_settings", start, err)
	if err != nil {
		return domain.EmailSettings{}, mapNotFound(err)
	}
	return st, nil
}

// GetTemplate возвращает шаблон письма по id.
func (p *Postgres) GetTemplate(ctx context.Context, id int64) (domain.EmailTemplate, error) {
	return p.getTemplateBy(ctx, "email_templates_get", `id = $1`, id)
}

// GetTemplateByName возвращает шаблон письма по имени.
func (p *Postgres) GetTemplateByName(ctx context.Context, name string) (domain.EmailTemplate, error) {
	return p.getTemplateBy(ctx, "email_templates_get_by_name", `name = $1`, name)
}

func (p *Postgres) getTemplateBy(ctx context.Context, op, where string, arg any) (domain.EmailTemplate, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var tpl domain.EmailTemplate
	err := p.pool.QueryRow(ctx, `SELECT id, name, subject, body FROM email_templates WHERE `+where, arg).
		Scan(&tpl.ID, &tpl.Name, &tpl.Subject, &tpl.Body)
	metrics.ObserveNetworkRequest("postgres", op, "email_templates", start, err)
	if err != nil {
		return domain.EmailTemplate{}, mapNotFound(err)
	}
	return tpl, nil
}
