// Package web — публичная HTTP граница: подписка, подтверждение, отписка,
// веб-версия выпуска и учёт обращений.
package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"simple-newsletter/internal/domain"
	"simple-newsletter/internal/usecase/subscription"
)

// Прозрачный пиксель 1x1 для учёта открытий письма.
var trackingPixel = func() []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1)))
	return buf.Bytes()
}()

// Handler обслуживает публичные маршруты.
type Handler struct {
	subs        *subscription.Service
	newsletters domain.NewsletterRepo
	messages    domain.MessageRepo
	accessLog   domain.AccessLogRepo
	htmlProc    domain.HTMLPostProcessor
	log         zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(subs *subscription.Service, newsletters domain.NewsletterRepo, messages domain.MessageRepo, accessLog domain.AccessLogRepo, htmlProc domain.HTMLPostProcessor, log zerolog.Logger) *Handler {
	return &Handler{subs: subs, newsletters: newsletters, messages: messages, accessLog: accessLog, htmlProc: htmlProc, log: log}
}

// Mount регистрирует маршруты.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/newsletters/{shortName}/subscribe", h.handleSubscribe)
	r.Get("/subscriptions/confirm/{token}", h.handleConfirm)
	r.Get("/subscriptions/unsubscribe/{token}", h.handleUnsubscribePage)
	r.Post("/subscriptions/unsubscribe/{token}", h.handleUnsubscribe)
	r.Get("/messages/view/{token}", h.handleMessageView)
	r.Post("/access-log", h.handleAccessLogIngest)
	r.Get("/t/{token}/pixel.png", h.handlePixel)
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	shortName := chi.URLParam(r, "shortName")
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "некорректная форма")
		return
	}

	form := subscription.SignupForm{
		Honorific:             r.PostFormValue("honorific"),
		Email:                 strings.TrimSpace(r.PostFormValue("email")),
		Name:                  strings.TrimSpace(r.PostFormValue("name")),
		Surname:               strings.TrimSpace(r.PostFormValue("surname")),
		Nationality:           r.PostFormValue("nationality"),
		Company:               r.PostFormValue("company"),
		Role:                  r.PostFormValue("role"),
		Telephone:             r.PostFormValue("telephone"),
		IPAddress:             clientIP(r),
		Source:                "web form",
		PrivacyPolicyAccepted: strings.EqualFold(r.PostFormValue("privacy_policy_accepted"), "true"),
	}

	sub, err := h.subs.Subscribe(r.Context(), shortName, form)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "рассылка не найдена")
	case errors.Is(err, subscription.ErrSubscriptionClosed):
		writeHTML(w, http.StatusOK, "<h1>Подписка закрыта</h1><p>Эта рассылка сейчас не принимает новых подписчиков.</p>")
	case errors.Is(err, subscription.ErrPrivacyNotAccepted):
		writeError(w, http.StatusBadRequest, "необходимо принять политику приватности")
	case errors.Is(err, subscription.ErrEmptyEmail):
		writeError(w, http.StatusBadRequest, "не указан адрес электронной почты")
	case err != nil:
		h.log.Error().Err(err).Str("newsletter", shortName).Msg("web: подписка не удалась")
		writeError(w, http.StatusInternalServerError, "внутренняя ошибка")
	default:
		writeHTML(w, http.StatusOK, fmt.Sprintf("<h1>Почти готово</h1><p>На адрес %s отправлено письмо с подтверждением подписки.</p>", sub.Email))
	}
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	outcome, err := h.subs.Confirm(r.Context(), token)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "подписка не найдена")
	case err != nil:
		h.log.Error().Err(err).Msg("web: подтверждение не удалось")
		writeError(w, http.StatusInternalServerError, "внутренняя ошибка")
	case outcome.AlreadyConfirmed:
		writeHTML(w, http.StatusOK, "<h1>Подписка уже подтверждена</h1><p>Повторного подтверждения не требуется.</p>")
	default:
		writeHTML(w, http.StatusOK, "<h1>Подписка подтверждена</h1><p>Спасибо! Теперь вы будете получать рассылку.</p>")
	}
}

func (h *Handler) handleUnsubscribePage(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	writeHTML(w, http.StatusOK, fmt.Sprintf(
		`<h1>Отписка</h1><form method="post" action="/subscriptions/unsubscribe/%s"><button type="submit">Отписаться</button></form>`, token))
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	notes := fmt.Sprintf("unsubscribed web view - ip address: %s - user_agent: '%s'", clientIP(r), r.UserAgent())

	outcome, err := h.subs.Unsubscribe(r.Context(), token, notes)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "подписка не найдена")
	case err != nil:
		h.log.Error().Err(err).Msg("web: отписка не удалась")
		writeError(w, http.StatusInternalServerError, "внутренняя ошибка")
	case outcome.AlreadyUnsubscribed:
		writeHTML(w, http.StatusOK, "<h1>Вы уже отписаны</h1><p>Эта подписка была снята ранее.</p>")
	default:
		writeHTML(w, http.StatusOK, "<h1>Вы отписаны</h1><p>Письма этой рассылки больше не будут приходить.</p>")
	}
}

func (h *Handler) handleMessageView(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	msg, err := h.messages.GetMessageByViewToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "выпуск не найден")
			return
		}
		h.log.Error().Err(err).Msg("web: получение выпуска не удалось")
		writeError(w, http.StatusInternalServerError, "внутренняя ошибка")
		return
	}
	newsletter, err := h.newsletters.GetNewsletter(r.Context(), msg.NewsletterID)
	if err != nil {
		h.log.Error().Err(err).Msg("web: получение рассылки не удалось")
		writeError(w, http.StatusInternalServerError, "внутренняя ошибка")
		return
	}

	content, err := h.htmlProc.MakeURLsAbsolute(msg.Content, newsletter.BaseURL)
	if err != nil {
		h.log.Error().Err(err).Msg("web: абсолютизация ссылок не удалась")
		content = msg.Content
	}

	if err := h.messages.IncrementWebViewCounter(r.Context(), msg.ID); err != nil {
		h.log.Error().Err(err).Int64("message", msg.ID).Msg("web: счётчик веб-просмотров не обновлён")
	}

	writeHTML(w, http.StatusOK, fmt.Sprintf("<h1>%s</h1>%s<p>%s</p>", msg.Subject, content, newsletter.Signature))
}

// accessLogIngestRequest — сырые поля обращения от обратного прокси.
type accessLogIngestRequest struct {
	IP         string `json:"ip"`
	RequestURI string `json:"request_uri"`
	UserAgent  string `json:"user_agent"`
	Referrer   string `json:"referrer"`
	Cookie     string `json:"cookie"`
}

func (h *Handler) handleAccessLogIngest(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req accessLogIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IP == "" {
		req.IP = clientIP(r)
	}

	entry := domain.AccessLogEntry{
		CreatedAt:  time.Now().UTC(),
		IP:         req.IP,
		RequestURI: req.RequestURI,
		UserAgent:  req.UserAgent,
		Referrer:   req.Referrer,
		Cookie:     req.Cookie,
	}
	created, err := h.accessLog.CreateAccessLogEntry(r.Context(), entry)
	if err != nil {
		h.log.Error().Err(err).Msg("web: запись журнала обращений не удалась")
		writeError(w, http.StatusInternalServerError, "внутренняя ошибка")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": created.ID})
}

func (h *Handler) handlePixel(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	entry := domain.AccessLogEntry{
		CreatedAt:  time.Now().UTC(),
		IP:         clientIP(r),
		RequestURI: r.RequestURI,
		UserAgent:  r.UserAgent(),
		Referrer:   r.Referer(),
		Cookie:     rawCookies(r),
	}
	if _, err := h.accessLog.CreateAccessLogEntry(r.Context(), entry); err != nil {
		h.log.Error().Err(err).Msg("web: запись обращения пикселя не удалась")
	}

	// Пиксель пришёл из письма: засчитываем открытие почтовой версии.
	if msg, err := h.messages.GetMessageByViewToken(r.Context(), token); err == nil {
		if err := h.messages.IncrementEmailViewCounter(r.Context(), msg.ID); err != nil {
			h.log.Error().Err(err).Int64("message", msg.ID).Msg("web: счётчик почтовых просмотров не обновлён")
		}
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(trackingPixel)
}

// clientIP выделяет адрес клиента: первый адрес X-Forwarded-For,
// иначе RemoteAddr.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func rawCookies(r *http.Request) string {
	return r.Header.Get("Cookie")
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!doctype html><html><body>%s</body></html>", body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
