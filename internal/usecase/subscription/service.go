package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"simple-newsletter/internal/domain"
	"simple-newsletter/internal/infra/metrics"
)

// ErrPrivacyNotAccepted возвращается, если политика приватности не принята.
// Это жёсткое предусловие: запись не сохраняется.
var ErrPrivacyNotAccepted = errors.New("политика приватности не принята")

// ErrSubscriptionClosed возвращается, если рассылка отключена или закрыта для подписки.
var ErrSubscriptionClosed = errors.New("рассылка закрыта для подписки")

// ErrEmptyEmail возвращается при пустом адресе подписчика.
var ErrEmptyEmail = errors.New("не указан адрес электронной почты")

// Шаблон письма с подтверждением подписки.
const verificationTemplate = `<p>Здравствуйте{% if subscriber_name != "" %}, {{ subscriber_name }}{% endif %}!</p>
<p>Вы запросили подписку на рассылку «{{ newsletter_title }}».</p>
<p>Чтобы подтвердить подписку, перейдите по ссылке: <a href="{{ confirmation_link }}">{{ confirmation_link }}</a></p>
<p>Если вы не запрашивали подписку, просто проигнорируйте это письмо.</p>
<p>{{ signature }}</p>`

// SignupForm — данные формы подписки с публичной границы.
type SignupForm struct {
	Honorific   string
	Email       string
	Name        string
	Surname     string
	Nationality string
	Company     string
	Role        string
	Telephone   string
	IPAddress   string
	Source      string

	PrivacyPolicyAccepted bool
}

// ConfirmOutcome — исход подтверждения подписки.
type ConfirmOutcome struct {
	Subscription domain.Subscription
	// AlreadyConfirmed выставляется при повторном переходе по ссылке.
	// Это не ошибка: состояние не меняется, включая отметку времени.
	AlreadyConfirmed bool
}

// UnsubscribeOutcome — исход отписки.
type UnsubscribeOutcome struct {
	Subscription domain.Subscription
	// AlreadyUnsubscribed выставляется, если подписка уже была снята.
	AlreadyUnsubscribed bool
	// FannedOut — сколько других подписок с тем же адресом в той же
	// рассылке отписано заодно.
	FannedOut int
}

// Service реализует жизненный цикл подписки.
type Service struct {
	newsletters domain.NewsletterRepo
	subs        domain.SubscriptionRepo
	renderer    domain.Renderer
	links       domain.LinkBuilder
	queue       domain.MailQueue
	events      domain.EventRecorder
	log         zerolog.Logger
}

// NewService создаёт сервис подписок.
func NewService(newsletters domain.NewsletterRepo, subs domain.SubscriptionRepo, renderer domain.Renderer, links domain.LinkBuilder, queue domain.MailQueue, events domain.EventRecorder, log zerolog.Logger) *Service {
	return &Service{newsletters: newsletters, subs: subs, renderer: renderer, links: links, queue: queue, events: events, log: log}
}

// Subscribe создаёт подписку на рассылку и запускает отправку письма
// с подтверждением. Дубликаты адресов внутри рассылки допускаются намеренно.
func (s *Service) Subscribe(ctx context.Context, shortName string, form SignupForm) (domain.Subscription, error) {
	newsletter, err := s.newsletters.GetNewsletterByShortName(ctx, shortName)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("получение рассылки %q: %w", shortName, err)
	}
	if !newsletter.Enabled || !newsletter.AllowsSubscription {
		return domain.Subscription{}, ErrSubscriptionClosed
	}
	if form.Email == "" {
		return domain.Subscription{}, ErrEmptyEmail
	}
	if !form.PrivacyPolicyAccepted {
		return domain.Subscription{}, ErrPrivacyNotAccepted
	}

	sub := domain.Subscription{
		NewsletterID:          newsletter.ID,
		Honorific:             form.Honorific,
		Email:                 form.Email,
		Name:                  form.Name,
		Surname:               form.Surname,
		Nationality:           form.Nationality,
		Company:               form.Company,
		Role:                  form.Role,
		Telephone:             form.Telephone,
		IPAddress:             form.IPAddress,
		Source:                form.Source,
		ConfirmToken:          uuid.NewString(),
		UnsubscribeToken:      uuid.NewString(),
		PrivacyPolicyAccepted: true,
		Subscribed:            true,
	}

	created, err := s.subs.CreateSubscription(ctx, sub)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("сохранение подписки: %w", err)
	}

	if err := s.requestVerification(ctx, newsletter, &created); err != nil {
		// Подписка сохранена; письмо уйдёт при повторном запросе верификации.
		s.log.Error().Err(err).Int64("subscription", created.ID).Msg("subscription: не удалось отправить письмо подтверждения")
	}

	return created, nil
}

// RequestVerification отправляет письмо с подтверждением подписки.
// Если письмо уже уходило, повторная отправка не выполняется.
func (s *Service) RequestVerification(ctx context.Context, subscriptionID int64) error {
	sub, err := s.subs.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("получение подписки: %w", err)
	}
	newsletter, err := s.newsletters.GetNewsletter(ctx, sub.NewsletterID)
	if err != nil {
		return fmt.Errorf("получение рассылки: %w", err)
	}
	return s.requestVerification(ctx, newsletter, &sub)
}

func (s *Service) requestVerification(ctx context.Context, newsletter domain.Newsletter, sub *domain.Subscription) error {
	if sub.VerificationEmailSent {
		s.log.Debug().Int64("subscription", sub.ID).Msg("subscription: письмо подтверждения уже отправлялось")
		return nil
	}

	html, err := s.renderer.Render(verificationTemplate, map[string]any{
		"newsletter_title":  newsletter.Name,
		"subscriber_name":   sub.Name,
		"confirmation_link": s.links.ConfirmLink(sub.ConfirmToken),
		"signature":         newsletter.Signature,
	})
	if err != nil {
		return fmt.Errorf("рендеринг письма подтверждения: %w", err)
	}

	job := domain.MailJob{
		ID:              uuid.NewString(),
		Cause:           domain.MailCauseVerification,
		From:            newsletter.FromEmail,
		To:              sub.Email,
		Subject:         fmt.Sprintf("Подтвердите подписку на «%s»", newsletter.Name),
		HTML:            html,
		EmailSettingsID: newsletter.EmailSettingsID,
		NewsletterID:    newsletter.ID,
		SubscriptionID:  sub.ID,
		RequestedAt:     time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("постановка письма подтверждения в очередь: %w", err)
	}
	metrics.MailJobsEnqueued.WithLabelValues(string(domain.MailCauseVerification)).Inc()

	now := time.Now().UTC()
	sub.VerificationEmailSent = true
	sub.VerificationEmailSentAt = &now
	if err := s.subs.UpdateSubscription(ctx, *sub); err != nil {
		return fmt.Errorf("отметка об отправке письма подтверждения: %w", err)
	}

	s.events.Record(ctx, domain.EventConfirmEmailSent,
		fmt.Sprintf("Отправлено письмо подтверждения подписки — рассылка %s", newsletter.ShortName),
		fmt.Sprintf("Подписка: %d - %s", sub.ID, sub.Email),
		sub.Email)
	return nil
}

// Confirm подтверждает подписку по одноразовому токену. Повторное
// подтверждение не меняет состояние и возвращает AlreadyConfirmed.
func (s *Service) Confirm(ctx context.Context, token string) (ConfirmOutcome, error) {
	sub, err := s.subs.GetByConfirmToken(ctx, token)
	if err != nil {
		return ConfirmOutcome{}, fmt.Errorf("поиск подписки по токену подтверждения: %w", err)
	}

	if sub.SubscriptionConfirmed {
		return ConfirmOutcome{Subscription: sub, AlreadyConfirmed: true}, nil
	}

	now := time.Now().UTC()
	sub.SubscriptionConfirmed = true
	sub.SubscriptionConfirmedAt = &now
	if err := s.subs.UpdateSubscription(ctx, sub); err != nil {
		return ConfirmOutcome{}, fmt.Errorf("сохранение подтверждения: %w", err)
	}

	newsletter, err := s.newsletters.GetNewsletter(ctx, sub.NewsletterID)
	if err != nil {
		return ConfirmOutcome{}, fmt.Errorf("получение рассылки: %w", err)
	}

	s.events.Record(ctx, domain.EventSubscriptionConfirmed,
		fmt.Sprintf("Подписка подтверждена пользователем — рассылка %s", newsletter.ShortName),
		fmt.Sprintf("Подписка: %d - %s", sub.ID, sub.Email),
		sub.Email)

	return ConfirmOutcome{Subscription: sub}, nil
}

// Unsubscribe снимает подписку по токену отписки. Токен многоразовый:
// повторная отписка возвращает AlreadyUnsubscribed без изменений.
// Заодно отписываются все другие активные подписки с тем же адресом
// в той же рассылке — дубликаты адресов допустимы, а намерение
// пользователя очевидно относится к адресу, а не к конкретной записи.
func (s *Service) Unsubscribe(ctx context.Context, token, notes string) (UnsubscribeOutcome, error) {
	sub, err := s.subs.GetByUnsubscribeToken(ctx, token)
	if err != nil {
		return UnsubscribeOutcome{}, fmt.Errorf("поиск подписки по токену отписки: %w", err)
	}

	if !sub.Subscribed {
		return UnsubscribeOutcome{Subscription: sub, AlreadyUnsubscribed: true}, nil
	}

	if err := s.unsubscribeOne(ctx, &sub, notes); err != nil {
		return UnsubscribeOutcome{}, err
	}

	outcome := UnsubscribeOutcome{Subscription: sub}

	others, err := s.subs.ListSubscribedByEmail(ctx, sub.NewsletterID, sub.Email)
	if err != nil {
		// Основная отписка выполнена; веер по дубликатам доделает следующий запрос.
		s.log.Error().Err(err).Str("email", sub.Email).Msg("subscription: не удалось выбрать дубликаты для отписки")
		return outcome, nil
	}
	for i := range others {
		other := others[i]
		if other.ID == sub.ID {
			continue
		}
		if err := s.unsubscribeOne(ctx, &other, notes); err != nil {
			s.log.Error().Err(err).Int64("subscription", other.ID).Msg("subscription: не удалось отписать дубликат")
			continue
		}
		outcome.FannedOut++
	}

	return outcome, nil
}

func (s *Service) unsubscribeOne(ctx context.Context, sub *domain.Subscription, notes string) error {
	now := time.Now().UTC()
	sub.Subscribed = false
	sub.UnsubscribedAt = &now
	if notes != "" {
		if sub.Notes != "" {
			sub.Notes += "\n"
		}
		sub.Notes += notes
	}
	if err := s.subs.UpdateSubscription(ctx, *sub); err != nil {
		return fmt.Errorf("сохранение отписки: %w", err)
	}

	s.events.Record(ctx, domain.EventUnsubscribed,
		"Подписчик отписался от рассылки",
		fmt.Sprintf("Подписка: %d - %s - %s", sub.ID, sub.Email, notes),
		sub.Email)
	return nil
}
