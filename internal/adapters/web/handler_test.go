package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"simple-newsletter/internal/domain"
	"simple-newsletter/internal/usecase/subscription"
)

type stubNewsletterRepo struct {
	newsletter domain.Newsletter
}

func (s *stubNewsletterRepo) GetNewsletter(context.Context, int64) (domain.Newsletter, error) {
	return s.newsletter, nil
}

func (s *stubNewsletterRepo) GetNewsletterByShortName(_ context.Context, shortName string) (domain.Newsletter, error) {
	if shortName != s.newsletter.ShortName {
		return domain.Newsletter{}, domain.ErrNotFound
	}
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

func (s *stubSubscriptionRepo) FindFirstByEmail(context.Context, int64, string) (domain.Subscription, error) {
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

func (s *stubSubscriptionRepo) ListEligible(context.Context, int64) ([]domain.Subscription, error) {
	return nil, nil
}

type stubMessageRepo struct {
	message    domain.Message
	webViews   int
	emailViews int
}

func (s *stubMessageRepo) GetMessage(context.Context, int64) (domain.Message, error) {
	return s.message, nil
}

func (s *stubMessageRepo) GetMessageByViewToken(_ context.Context, token string) (domain.Message, error) {
	if token != s.message.ViewToken {
		return domain.Message{}, domain.ErrNotFound
	}
	return s.message, nil
}

func (s *stubMessageRepo) MarkMessageProcessed(context.Context, int64, time.Time) error { return nil }

func (s *stubMessageRepo) IncrementWebViewCounter(context.Context, int64) error {
	s.webViews++
	return nil
}

func (s *stubMessageRepo) IncrementEmailViewCounter(context.Context, int64) error {
	s.emailViews++
	return nil
}

func (s *stubMessageRepo) ListDueMessages(context.Context, time.Time) ([]domain.Message, error) {
	return nil, nil
}

type stubAccessLogRepo struct {
	entries []domain.AccessLogEntry
}

func (s *stubAccessLogRepo) CreateAccessLogEntry(_ context.Context, entry domain.AccessLogEntry) (domain.AccessLogEntry, error) {
	entry.ID = int64(len(s.entries) + 1)
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *stubAccessLogRepo) ListUnprocessed(context.Context) ([]domain.AccessLogEntry, error) {
	return nil, nil
}

func (s *stubAccessLogRepo) MarkGrouped(context.Context, int64, int64) error { return nil }

func (s *stubAccessLogRepo) ResetAll(context.Context) (int64, error) { return 0, nil }

func (s *stubAccessLogRepo) CountDistinctGroups(context.Context) (int64, error) { return 0, nil }

type stubRenderer struct{}

func (stubRenderer) Render(string, map[string]any) (string, error) { return "<p>письмо</p>", nil }

type stubLinks struct{}

func (stubLinks) ConfirmLink(token string) string     { return "https://example.org/c/" + token }
func (stubLinks) UnsubscribeLink(token string) string { return "https://example.org/u/" + token }
func (stubLinks) WebViewLink(token string) string     { return "https://example.org/v/" + token }

type stubMailQueue struct {
	jobs []domain.MailJob
}

func (s *stubMailQueue) Enqueue(_ context.Context, job domain.MailJob) error {
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *stubMailQueue) Receive(context.Context) (domain.MailJob, domain.MailAckFunc, error) {
	return domain.MailJob{}, nil, errors.New("не используется")
}

type stubEvents struct{}

func (stubEvents) Record(context.Context, string, string, string, string) {}

type stubHTMLProc struct{}

func (stubHTMLProc) MakeURLsAbsolute(html, baseURL string) (string, error) { return html, nil }

type testEnv struct {
	router    chi.Router
	subs      *stubSubscriptionRepo
	messages  *stubMessageRepo
	accessLog *stubAccessLogRepo
	queue     *stubMailQueue
}

func newTestEnv() *testEnv {
	newsletters := &stubNewsletterRepo{newsletter: domain.Newsletter{
		ID: 1, ShortName: "weekly", Name: "Еженедельник", FromEmail: "news@example.org",
		BaseURL: "https://news.example.org", Enabled: true, AllowsSubscription: true,
	}}
	env := &testEnv{
		subs:      &stubSubscriptionRepo{},
		messages:  &stubMessageRepo{message: domain.Message{ID: 10, NewsletterID: 1, Subject: "Выпуск 1", Content: "<p>текст</p>", ViewToken: "view-token"}},
		accessLog: &stubAccessLogRepo{},
		queue:     &stubMailQueue{},
	}
	service := subscription.NewService(newsletters, env.subs, stubRenderer{}, stubLinks{}, env.queue, stubEvents{}, zerolog.Nop())
	handler := NewHandler(service, newsletters, env.messages, env.accessLog, stubHTMLProc{}, zerolog.Nop())
	env.router = chi.NewRouter()
	handler.Mount(env.router)
	return env
}

func postForm(t *testing.T, router chi.Router, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleSubscribe(t *testing.T) {
	env := newTestEnv()

	rec := postForm(t, env.router, "/newsletters/weekly/subscribe", url.Values{
		"email":                   {"a@b.c"},
		"name":                    {"Анна"},
		"privacy_policy_accepted": {"true"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	if len(env.subs.subs) != 1 {
		t.Fatalf("подписка не сохранена")
	}
	if len(env.queue.jobs) != 1 || env.queue.jobs[0].Cause != domain.MailCauseVerification {
		t.Fatalf("письмо подтверждения не поставлено в очередь")
	}
}

func TestHandleSubscribeWithoutPrivacy(t *testing.T) {
	env := newTestEnv()

	rec := postForm(t, env.router, "/newsletters/weekly/subscribe", url.Values{
		"email": {"a@b.c"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", rec.Code)
	}
	if len(env.subs.subs) != 0 {
		t.Fatalf("подписка без согласия не должна сохраняться")
	}
}

func TestHandleSubscribeUnknownNewsletter(t *testing.T) {
	env := newTestEnv()

	rec := postForm(t, env.router, "/newsletters/nope/subscribe", url.Values{
		"email":                   {"a@b.c"},
		"privacy_policy_accepted": {"true"},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", rec.Code)
	}
}

func TestHandleConfirm(t *testing.T) {
	env := newTestEnv()
	env.subs.subs = append(env.subs.subs, domain.Subscription{
		ID: 1, NewsletterID: 1, Email: "a@b.c", ConfirmToken: "tok", Subscribed: true,
	})

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/confirm/tok", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if !env.subs.subs[0].SubscriptionConfirmed {
		t.Fatalf("подписка не подтверждена")
	}

	// Повторный переход по ссылке безопасен.
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("повторное подтверждение должно вернуть 200, получили %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "уже подтверждена") {
		t.Fatalf("ожидали страницу повторного подтверждения: %s", rec.Body.String())
	}
}

func TestHandleUnsubscribe(t *testing.T) {
	env := newTestEnv()
	env.subs.subs = append(env.subs.subs, domain.Subscription{
		ID: 1, NewsletterID: 1, Email: "a@b.c", UnsubscribeToken: "tok", Subscribed: true,
	})

	rec := postForm(t, env.router, "/subscriptions/unsubscribe/tok", url.Values{})
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if env.subs.subs[0].Subscribed {
		t.Fatalf("подписка осталась активной")
	}
	if !strings.Contains(env.subs.subs[0].Notes, "unsubscribed web view") {
		t.Fatalf("ожидали заметку об отписке, получили %q", env.subs.subs[0].Notes)
	}

	rec = postForm(t, env.router, "/subscriptions/unsubscribe/tok", url.Values{})
	if rec.Code != http.StatusOK {
		t.Fatalf("повторная отписка должна вернуть 200, получили %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "уже отписаны") {
		t.Fatalf("ожидали страницу повторной отписки: %s", rec.Body.String())
	}
}

func TestHandleMessageView(t *testing.T) {
	env := newTestEnv()

	req := httptest.NewRequest(http.MethodGet, "/messages/view/view-token", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Выпуск 1") {
		t.Fatalf("ожидали тему выпуска в ответе: %s", rec.Body.String())
	}
	if env.messages.webViews != 1 {
		t.Fatalf("счётчик веб-просмотров не увеличен")
	}
}

func TestHandleAccessLogIngest(t *testing.T) {
	env := newTestEnv()

	body := `{"ip":"10.0.0.1","request_uri":"/static/logo.png","user_agent":"curl"}`
	req := httptest.NewRequest(http.MethodPost, "/access-log", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидали 201, получили %d", rec.Code)
	}
	if len(env.accessLog.entries) != 1 {
		t.Fatalf("запись обращения не сохранена")
	}
	entry := env.accessLog.entries[0]
	if entry.IP != "10.0.0.1" || entry.RequestURI != "/static/logo.png" {
		t.Fatalf("поля записи не совпали: %+v", entry)
	}
	if entry.Processed || entry.GroupStartID != 0 {
		t.Fatalf("новая запись должна быть необработанной: %+v", entry)
	}
}

func TestHandlePixel(t *testing.T) {
	env := newTestEnv()

	req := httptest.NewRequest(http.MethodGet, "/t/view-token/pixel.png", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.9, 192.168.0.1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("ожидали image/png, получили %s", got)
	}
	if env.messages.emailViews != 1 {
		t.Fatalf("счётчик почтовых просмотров не увеличен")
	}
	if len(env.accessLog.entries) != 1 || env.accessLog.entries[0].IP != "10.0.0.9" {
		t.Fatalf("обращение пикселя не учтено или IP взят неверно: %+v", env.accessLog.entries)
	}
}
