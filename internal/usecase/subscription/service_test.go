package subscription

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"simple-newsletter/internal/domain"
)

type stubNewsletterRepo struct {
	newsletter domain.Newsletter
}

func (s *stubNewsletterRepo) GetNewsletter(context.Context, int64) (domain.Newsletter, error) {
	return s.newsletter, nil
}

func (s *stubNewsletterRepo) GetNewsletterByShortName(context.Context, string) (domain.Newsletter, error) {
	return s.newsletter, nil
}

type stubSubscriptionRepo struct {
	subs []domain.Subscription
}

func (s *stubSubscriptionRepo) CreateSubscription(_ context.Context, sub domain.Subscription) (domain.Subscription, error) {
	sub.ID = int64(len(s.subs) + 1)
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *stubSubscriptionRepo) UpdateSubscription(_ context.Context, sub domain.Subscription) error {
	for i := range s.subs {
		if s.subs[i].ID == sub.ID {
			s.subs[i] = sub
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *stubSubscriptionRepo) GetSubscription(_ context.Context, id int64) (domain.Subscription, error) {
	for _, sub := range s.subs {
		if sub.ID == id {
			return sub, nil
		}
	}
	return domain.Subscription{}, domain.ErrNotFound
}

func (s *stubSubscriptionRepo) GetByConfirmToken(_ context.Context, token string) (domain.Subscription, error) {
	for _, sub := range s.subs {
		if sub.ConfirmToken == token {
			return sub, nil
		}
	}
	return domain.Subscription{}, domain.ErrNotFound
}

func (s *stubSubscriptionRepo) GetByUnsubscribeToken(_ context.Context, token string) (domain.Subscription, error) {
	for _, sub := range s.subs {
		if sub.UnsubscribeToken == token {
			return sub, nil
		}
	}
	return domain.Subscription{}, domain.ErrNotFound
}

func (s *stubSubscriptionRepo) FindFirstByEmail(_ context.Context, newsletterID int64, email string) (domain.Subscription, error) {
	for _, sub := range s.subs {
		if sub.NewsletterID == newsletterID && sub.Email == email {
			return sub, nil
		}
	}
	return domain.Subscription{}, domain.ErrNotFound
}

func (s *stubSubscriptionRepo) ListSubscribedByEmail(_ context.Context, newsletterID int64, email string) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, sub := range s.subs {
		if sub.NewsletterID == newsletterID && sub.Email == email && sub.Subscribed {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *stubSubscriptionRepo) ListEligible(_ context.Context, newsletterID int64) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, sub := range s.subs {
		if sub.NewsletterID == newsletterID && sub.Eligible() {
			out = append(out, sub)
		}
	}
	return out, nil
}

type stubRenderer struct {
	fail bool
}

func (s *stubRenderer) Render(source string, bindings map[string]any) (string, error) {
	if s.fail {
		return "", errors.New("рендеринг сломан")
	}
	return "<p>письмо</p>", nil
}

type stubLinks struct{}

func (stubLinks) ConfirmLink(token string) string     { return "https://example.org/c/" + token }
func (stubLinks) UnsubscribeLink(token string) string { return "https://example.org/u/" + token }
func (stubLinks) WebViewLink(token string) string     { return "https://example.org/v/" + token }

type stubMailQueue struct {
	jobs []domain.MailJob
	fail bool
}

func (s *stubMailQueue) Enqueue(_ context.Context, job domain.MailJob) error {
	if s.fail {
		return errors.New("очередь недоступна")
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *stubMailQueue) Receive(context.Context) (domain.MailJob, domain.MailAckFunc, error) {
	return domain.MailJob{}, nil, errors.New("не используется")
}

type stubEvents struct {
	types []string
}

func (s *stubEvents) Record(_ context.Context, eventType, title, data, target string) {
	s.types = append(s.types, eventType)
}

func openNewsletter() domain.Newsletter {
	return domain.Newsletter{
		ID:                 1,
		ShortName:          "weekly",
		Name:               "Еженедельник",
		FromEmail:          "news@example.org",
		Enabled:            true,
		AllowsSubscription: true,
	}
}

func newTestService(newsletter domain.Newsletter) (*Service, *stubSubscriptionRepo, *stubMailQueue, *stubEvents) {
	subs := &stubSubscriptionRepo{}
	queue := &stubMailQueue{}
	events := &stubEvents{}
	svc := NewService(&stubNewsletterRepo{newsletter: newsletter}, subs, &stubRenderer{}, stubLinks{}, queue, events, zerolog.Nop())
	return svc, subs, queue, events
}

func TestSubscribeRequiresPrivacyPolicy(t *testing.T) {
	svc, subs, queue, _ := newTestService(openNewsletter())

	_, err := svc.Subscribe(context.Background(), "weekly", SignupForm{Email: "a@b.c"})
	if !errors.Is(err, ErrPrivacyNotAccepted) {
		t.Fatalf("ожидали ErrPrivacyNotAccepted, получили %v", err)
	}
	if len(subs.subs) != 0 {
		t.Fatalf("подписка без согласия не должна сохраняться")
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("письмо без согласия не должно уходить")
	}
}

func TestSubscribeRejectsClosedNewsletter(t *testing.T) {
	closed := openNewsletter()
	closed.AllowsSubscription = false
	svc, _, _, _ := newTestService(closed)

	_, err := svc.Subscribe(context.Background(), "weekly", SignupForm{Email: "a@b.c", PrivacyPolicyAccepted: true})
	if !errors.Is(err, ErrSubscriptionClosed) {
		t.Fatalf("ожидали ErrSubscriptionClosed, получили %v", err)
	}
}

func TestSubscribeSendsVerification(t *testing.T) {
	svc, subs, queue, events := newTestService(openNewsletter())

	created, err := svc.Subscribe(context.Background(), "weekly", SignupForm{
		Email: "a@b.c", Name: "Анна", PrivacyPolicyAccepted: true,
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if created.ConfirmToken == "" || created.UnsubscribeToken == "" {
		t.Fatalf("ожидали сгенерированные токены")
	}
	if created.ConfirmToken == created.UnsubscribeToken {
		t.Fatalf("токены подтверждения и отписки должны различаться")
	}
	if !created.Subscribed || created.SubscriptionConfirmed {
		t.Fatalf("новая подписка должна быть активной и неподтверждённой")
	}
	if len(queue.jobs) != 1 || queue.jobs[0].Cause != domain.MailCauseVerification {
		t.Fatalf("ожидали одно письмо подтверждения, получили %+v", queue.jobs)
	}
	stored, _ := subs.GetSubscription(context.Background(), created.ID)
	if !stored.VerificationEmailSent || stored.VerificationEmailSentAt == nil {
		t.Fatalf("ожидали отметку об отправке письма подтверждения")
	}
	if len(events.types) != 1 || events.types[0] != domain.EventConfirmEmailSent {
		t.Fatalf("ожидали событие %s, получили %v", domain.EventConfirmEmailSent, events.types)
	}
}

func TestSubscribeSurvivesQueueFailure(t *testing.T) {
	svc, subs, queue, _ := newTestService(openNewsletter())
	queue.fail = true

	created, err := svc.Subscribe(context.Background(), "weekly", SignupForm{
		Email: "a@b.c", PrivacyPolicyAccepted: true,
	})
	if err != nil {
		t.Fatalf("сбой очереди не должен ломать подписку: %v", err)
	}
	stored, _ := subs.GetSubscription(context.Background(), created.ID)
	if stored.VerificationEmailSent {
		t.Fatalf("отметка об отправке не должна появляться при сбое очереди")
	}
}

func TestRequestVerificationIdempotent(t *testing.T) {
	svc, _, queue, _ := newTestService(openNewsletter())

	created, err := svc.Subscribe(context.Background(), "weekly", SignupForm{
		Email: "a@b.c", PrivacyPolicyAccepted: true,
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := svc.RequestVerification(context.Background(), created.ID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("повторный запрос не должен слать второе письмо, получили %d", len(queue.jobs))
	}
}

func TestConfirmIdempotent(t *testing.T) {
	svc, subs, _, events := newTestService(openNewsletter())

	created, err := svc.Subscribe(context.Background(), "weekly", SignupForm{
		Email: "a@b.c", PrivacyPolicyAccepted: true,
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	first, err := svc.Confirm(context.Background(), created.ConfirmToken)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if first.AlreadyConfirmed {
		t.Fatalf("первое подтверждение не должно быть помечено повторным")
	}
	if !first.Subscription.SubscriptionConfirmed || first.Subscription.SubscriptionConfirmedAt == nil {
		t.Fatalf("ожидали подтверждённую подписку с отметкой времени")
	}
	firstAt := *first.Subscription.SubscriptionConfirmedAt

	second, err := svc.Confirm(context.Background(), created.ConfirmToken)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !second.AlreadyConfirmed {
		t.Fatalf("повторное подтверждение должно вернуть AlreadyConfirmed")
	}
	if !second.Subscription.SubscriptionConfirmedAt.Equal(firstAt) {
		t.Fatalf("повторное подтверждение не должно менять отметку времени")
	}

	stored, _ := subs.GetSubscription(context.Background(), created.ID)
	if !stored.SubscriptionConfirmedAt.Equal(firstAt) {
		t.Fatalf("отметка времени в хранилище изменилась")
	}
	confirmed := 0
	for _, typ := range events.types {
		if typ == domain.EventSubscriptionConfirmed {
			confirmed++
		}
	}
	if confirmed != 1 {
		t.Fatalf("ожидали одно событие подтверждения, получили %d", confirmed)
	}
}

func TestConfirmUnknownToken(t *testing.T) {
	svc, _, _, _ := newTestService(openNewsletter())

	_, err := svc.Confirm(context.Background(), "нет-такого")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}
}

func TestUnsubscribeFansOutToDuplicates(t *testing.T) {
	svc, subs, _, events := newTestService(openNewsletter())

	var tokens []string
	for i := 0; i < 3; i++ {
		created, err := svc.Subscribe(context.Background(), "weekly", SignupForm{
			Email: "dup@b.c", PrivacyPolicyAccepted: true, Source: fmt.Sprintf("form-%d", i),
		})
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		tokens = append(tokens, created.UnsubscribeToken)
	}

	outcome, err := svc.Unsubscribe(context.Background(), tokens[0], "надоело")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if outcome.AlreadyUnsubscribed {
		t.Fatalf("первая отписка не должна быть помечена повторной")
	}
	if outcome.FannedOut != 2 {
		t.Fatalf("ожидали веер по 2 дубликатам, получили %d", outcome.FannedOut)
	}
	for _, sub := range subs.subs {
		if sub.Subscribed || sub.UnsubscribedAt == nil {
			t.Fatalf("подписка %d осталась активной после веерной отписки", sub.ID)
		}
	}

	unsubscribed := 0
	for _, typ := range events.types {
		if typ == domain.EventUnsubscribed {
			unsubscribed++
		}
	}
	if unsubscribed != 3 {
		t.Fatalf("ожидали 3 события отписки, получили %d", unsubscribed)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	svc, subs, _, _ := newTestService(openNewsletter())

	created, err := svc.Subscribe(context.Background(), "weekly", SignupForm{
		Email: "a@b.c", PrivacyPolicyAccepted: true,
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	first, err := svc.Unsubscribe(context.Background(), created.UnsubscribeToken, "")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	firstAt := *first.Subscription.UnsubscribedAt

	second, err := svc.Unsubscribe(context.Background(), created.UnsubscribeToken, "")
	if err != nil {
		t.Fatalf("повторная отписка не должна возвращать ошибку: %v", err)
	}
	if !second.AlreadyUnsubscribed {
		t.Fatalf("повторная отписка должна вернуть AlreadyUnsubscribed")
	}
	stored, _ := subs.GetSubscription(context.Background(), created.ID)
	if !stored.UnsubscribedAt.Equal(firstAt) {
		t.Fatalf("повторная отписка не должна менять отметку времени")
	}
}
