package dispatch

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

// ErrTemplateRequired возвращается, если не указан шаблон выпуска.
var ErrTemplateRequired = errors.New("не указан шаблон письма")

// Options настраивают один прогон рассылки.
type Options struct {
	// TemplateName выбирает шаблон письма по имени. Пустое имя означает
	// шаблон, привязанный к рассылке.
	TemplateName string
	// NoSave — холостой прогон: рендеринг и постановка в очередь
	// выполняются, но журнал доставок и флаг processed не трогаются.
	NoSave bool
	// BatchLimit ограничивает число отправок за прогон; 0 — без лимита.
	BatchLimit int
}

// Result — итог одного прогона рассылки.
type Result struct {
	Eligible  int
	Enqueued  int
	Skipped   int
	Failed    int
	Truncated bool
}

// Service — журнал доставок и оркестратор рассылки выпуска.
//
// Проверка «уже доставлено» и запись доставки не обёрнуты транзакцией:
// параллельные прогоны одного выпуска могут отправить письмо дважды.
// Операционная модель предполагает один процесс рассылки, прогоны
// сериализуются консультативной блокировкой.
type Service struct {
	newsletters domain.NewsletterRepo
	subs        domain.SubscriptionRepo
	messages    domain.MessageRepo
	deliveries  domain.DeliveryRepo
	settings    domain.SettingsRepo
	renderer    domain.Renderer
	htmlProc    domain.HTMLPostProcessor
	links       domain.LinkBuilder
	queue       domain.MailQueue
	events      domain.EventRecorder
	log         zerolog.Logger
	bcc         []string
}

// NewService создаёт сервис рассылки.
func NewService(newsletters domain.NewsletterRepo, subs domain.SubscriptionRepo, messages domain.MessageRepo, deliveries domain.DeliveryRepo, settings domain.SettingsRepo, renderer domain.Renderer, htmlProc domain.HTMLPostProcessor, links domain.LinkBuilder, queue domain.MailQueue, events domain.EventRecorder, log zerolog.Logger, bcc []string) *Service {
	return &Service{
		newsletters: newsletters,
		subs:        subs,
		messages:    messages,
		deliveries:  deliveries,
		settings:    settings,
		renderer:    renderer,
		htmlProc:    htmlProc,
		links:       links,
		queue:       queue,
		events:      events,
		log:         log,
		bcc:         bcc,
	}
}

// HasBeenDelivered сообщает, уходил ли выпуск на этот адрес. Адрес
// разрешается в первую по возрастанию id подписку внутри рассылки выпуска;
// неизвестный адрес — это «не доставлено», а не ошибка.
func (s *Service) HasBeenDelivered(ctx context.Context, email string, messageID int64) (bool, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("получение выпуска: %w", err)
	}
	sub, err := s.subs.FindFirstByEmail(ctx, msg.NewsletterID, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("поиск подписчика по адресу: %w", err)
	}
	return s.deliveries.DeliveryExists(ctx, messageID, sub.ID)
}

// RegisterDelivery записывает факт доставки выпуска подписчику.
func (s *Service) RegisterDelivery(ctx context.Context, messageID, subscriptionID int64) (domain.DeliveryRecord, error) {
	rec, err := s.deliveries.CreateDelivery(ctx, messageID, subscriptionID)
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("запись доставки: %w", err)
	}
	return rec, nil
}

// Dispatch отправляет выпуск всем подходящим подписчикам рассылки не более
// одного раза каждому. Отсутствие рассылки или шаблона фатально для прогона:
// ни одно письмо не уходит. Сбой по отдельному подписчику логируется и не
// прерывает перечисление.
func (s *Service) Dispatch(ctx context.Context, messageID int64, opts Options) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.DispatchRunSeconds.Observe(time.Since(start).Seconds())
	}()

	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return Result{}, fmt.Errorf("получение выпуска %d: %w", messageID, err)
	}
	newsletter, err := s.newsletters.GetNewsletter(ctx, msg.NewsletterID)
	if err != nil {
		return Result{}, fmt.Errorf("получение рассылки выпуска: %w", err)
	}
	tpl, err := s.resolveTemplate(ctx, newsletter, opts.TemplateName)
	if err != nil {
		return Result{}, err
	}

	sender := formatSender(newsletter)

	eligible, err := s.subs.ListEligible(ctx, newsletter.ID)
	if err != nil {
		return Result{}, fmt.Errorf("выборка подписчиков: %w", err)
	}

	subject := msg.Subject
	if subject == "" {
		subject = tpl.Subject
	}

	var res Result
	res.Eligible = len(eligible)

	for i := range eligible {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if opts.BatchLimit > 0 && res.Enqueued >= opts.BatchLimit {
			res.Truncated = true
			break
		}

		sub := eligible[i]

		delivered, err := s.deliveries.DeliveryExists(ctx, msg.ID, sub.ID)
		if err != nil {
			s.log.Error().Err(err).Int64("subscription", sub.ID).Msg("dispatch: не удалось проверить журнал доставок")
			res.Failed++
			continue
		}
		if delivered {
			s.log.Debug().Str("email", sub.Email).Msg("dispatch: выпуск уже доставлен, пропуск")
			metrics.DispatchSkippedDelivered.Inc()
			res.Skipped++
			continue
		}

		if err := s.sendOne(ctx, newsletter, msg, tpl, sender, subject, sub, opts.NoSave); err != nil {
			s.log.Error().Err(err).Str("email", sub.Email).Msg("dispatch: отправка подписчику не удалась")
			res.Failed++
			continue
		}
		res.Enqueued++
	}

	if !opts.NoSave {
		if err := s.messages.MarkMessageProcessed(ctx, msg.ID, time.Now().UTC()); err != nil {
			return res, fmt.Errorf("отметка выпуска обработанным: %w", err)
		}
	}

	s.log.Info().
		Int64("message", msg.ID).
		Int("eligible", res.Eligible).
		Int("enqueued", res.Enqueued).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Bool("truncated", res.Truncated).
		Msg("dispatch: прогон завершён")
	return res, nil
}

// SendTest отправляет выпуск на один произвольный адрес, минуя журнал
// доставок и флаг processed.
func (s *Service) SendTest(ctx context.Context, messageID int64, recipient, templateName string) error {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("получение выпуска %d: %w", messageID, err)
	}
	newsletter, err := s.newsletters.GetNewsletter(ctx, msg.NewsletterID)
	if err != nil {
		return fmt.Errorf("получение рассылки выпуска: %w", err)
	}
	tpl, err := s.resolveTemplate(ctx, newsletter, templateName)
	if err != nil {
		return err
	}

	sub := domain.Subscription{Email: recipient, Name: "Test", Surname: "Recipient"}
	html, err := s.renderBody(newsletter, msg, tpl, sub)
	if err != nil {
		return err
	}

	subject := msg.Subject
	if subject == "" {
		subject = tpl.Subject
	}

	job := domain.MailJob{
		ID:              uuid.NewString(),
		Cause:           domain.MailCauseTest,
		From:            formatSender(newsletter),
		To:              recipient,
		Subject:         subject,
		HTML:            html,
		EmailSettingsID: newsletter.EmailSettingsID,
		NewsletterID:    newsletter.ID,
		MessageID:       msg.ID,
		RequestedAt:     time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("постановка тестового письма в очередь: %w", err)
	}
	metrics.MailJobsEnqueued.WithLabelValues(string(domain.MailCauseTest)).Inc()
	return nil
}

func (s *Service) sendOne(ctx context.Context, newsletter domain.Newsletter, msg domain.Message, tpl domain.EmailTemplate, sender, subject string, sub domain.Subscription, noSave bool) error {
	html, err := s.renderBody(newsletter, msg, tpl, sub)
	if err != nil {
		return err
	}

	// Порядок жёсткий: рендеринг → очередь → запись доставки. Запись
	// существует и тогда, когда асинхронная отправка позже упадёт, —
	// принятая слабость, очередь отвечает за повторные попытки.
	job := domain.MailJob{
		ID:              uuid.NewString(),
		Cause:           domain.MailCauseNewsletter,
		From:            sender,
		To:              sub.Email,
		Subject:         subject,
		HTML:            html,
		BCC:             s.bcc,
		EmailSettingsID: newsletter.EmailSettingsID,
		NewsletterID:    newsletter.ID,
		MessageID:       msg.ID,
		SubscriptionID:  sub.ID,
		RequestedAt:     time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("постановка письма в очередь: %w", err)
	}
	metrics.MailJobsEnqueued.WithLabelValues(string(domain.MailCauseNewsletter)).Inc()

	if noSave {
		return nil
	}

	if _, err := s.deliveries.CreateDelivery(ctx, msg.ID, sub.ID); err != nil {
		return fmt.Errorf("запись доставки: %w", err)
	}

	s.events.Record(ctx, domain.EventEmailSent,
		fmt.Sprintf("Письмо рассылки отправлено подписчику — тема: %s", subject),
		fmt.Sprintf("подписчик: %s - выпуск: %d", sub.Email, msg.ID),
		sub.Email)
	return nil
}

func (s *Service) renderBody(newsletter domain.Newsletter, msg domain.Message, tpl domain.EmailTemplate, sub domain.Subscription) (string, error) {
	html, err := s.renderer.Render(tpl.Body, map[string]any{
		"subscriber": map[string]any{
			"honorific": sub.Honorific,
			"name":      sub.Name,
			"surname":   sub.Surname,
			"email":     sub.Email,
		},
		"newsletter":       newsletter.Name,
		"subject":          msg.Subject,
		"content":          msg.Content,
		"signature":        newsletter.Signature,
		"unsubscribe_link": s.links.UnsubscribeLink(sub.UnsubscribeToken),
		"web_version_view": s.links.WebViewLink(msg.ViewToken),
	})
	if err != nil {
		return "", fmt.Errorf("рендеринг письма: %w", err)
	}

	absolute, err := s.htmlProc.MakeURLsAbsolute(html, newsletter.BaseURL)
	if err != nil {
		return "", fmt.Errorf("абсолютизация ссылок: %w", err)
	}
	return absolute, nil
}

func (s *Service) resolveTemplate(ctx context.Context, newsletter domain.Newsletter, name string) (domain.EmailTemplate, error) {
	if name != "" {
		tpl, err := s.settings.GetTemplateByName(ctx, name)
		if err != nil {
			return domain.EmailTemplate{}, fmt.Errorf("получение шаблона %q: %w", name, err)
		}
		return tpl, nil
	}
	if newsletter.TemplateID == nil {
		return domain.EmailTemplate{}, ErrTemplateRequired
	}
	tpl, err := s.settings.GetTemplate(ctx, *newsletter.TemplateID)
	if err != nil {
		return domain.EmailTemplate{}, fmt.Errorf("получение шаблона рассылки: %w", err)
	}
	return tpl, nil
}

func formatSender(n domain.Newsletter) string {
	if n.Name == "" {
		return n.FromEmail
	}
	return fmt.Sprintf("%s <%s>", n.Name, n.FromEmail)
}
