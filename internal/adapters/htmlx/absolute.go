// Package htmlx дорабатывает отрендеренный HTML письма перед отправкой.
package htmlx

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"simple-newsletter/internal/domain"
)

// Processor переписывает относительные ссылки письма в абсолютные.
type Processor struct {
	// LinkTarget, если задан, проставляется в атрибут target всех <a>.
	LinkTarget string
}

var _ domain.HTMLPostProcessor = (*Processor)(nil)

// MakeURLsAbsolute заменяет src и href, начинающиеся с «/», на абсолютные
// по базовому адресу. Почтовые клиенты не знают базового адреса сайта,
// поэтому относительные ссылки в письме мертвы.
func (p *Processor) MakeURLsAbsolute(body, baseURL string) (string, error) {
	base := strings.TrimSuffix(baseURL, "/")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("разбор HTML: %w", err)
	}

	doc.Find("[src]").Each(func(_ int, sel *goquery.Selection) {
		if src, ok := sel.Attr("src"); ok && strings.HasPrefix(src, "/") {
			sel.SetAttr("src", base+src)
		}
	})

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok && strings.HasPrefix(href, "/") {
			sel.SetAttr("href", base+href)
		}
		if p.LinkTarget != "" {
			sel.SetAttr("target", p.LinkTarget)
		}
	})

	// Фрагмент сериализуется внутри обёртки html/body — почтовые
	// клиенты к ней безразличны, а полный документ сохраняется как есть.
	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("сериализация HTML: %w", err)
	}
	return out, nil
}
