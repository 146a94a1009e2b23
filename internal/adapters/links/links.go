// Package links строит публичные ссылки, встраиваемые в письма рассылки.
package links

import (
	"fmt"
	"strings"

	"simple-newsletter/internal/domain"
)

// Builder собирает абсолютные ссылки от базового адреса публичной части.
type Builder struct {
	base string
}

var _ domain.LinkBuilder = (*Builder)(nil)

// NewBuilder создаёт построитель ссылок.
func NewBuilder(baseURL string) *Builder {
	return &Builder{base: strings.TrimSuffix(baseURL, "/")}
}

// ConfirmLink — ссылка подтверждения подписки.
func (b *Builder) ConfirmLink(token string) string {
	return fmt.Sprintf("%s/subscriptions/confirm/%s", b.base, token)
}

// UnsubscribeLink — ссылка отписки.
func (b *Builder) UnsubscribeLink(token string) string {
	return fmt.Sprintf("%s/subscriptions/unsubscribe/%s", b.base, token)
}

// WebViewLink — веб-версия выпуска.
func (b *Builder) WebViewLink(token string) string {
	return fmt.Sprintf("%s/messages/view/%s", b.base, token)
}

// PixelLink — пиксель учёта открытий письма.
func (b *Builder) PixelLink(token string) string {
	return fmt.Sprintf("%s/t/%s/pixel.png", b.base, token)
}
