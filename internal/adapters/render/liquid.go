// Package render реализует рендеринг шаблонов писем на языке Liquid.
package render

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"simple-newsletter/internal/domain"
)

// Engine рендерит шаблоны Liquid с кэшем разобранных шаблонов.
type Engine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

var _ domain.Renderer = (*Engine)(nil)

// NewEngine создаёт движок с фильтрами, нужными письмам рассылки.
func NewEngine() *Engine {
	engine := liquid.NewEngine()

	// {{ name | default: "подписчик" }}
	engine.RegisterFilter("default", func(value any, defaultVal string) any {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ email | urlencode }}
	engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// {{ user_input | escape }}
	engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// {{ name | capitalize }}
	engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	return &Engine{engine: engine}
}

// Render рендерит шаблон по контексту. Разобранный шаблон кэшируется
// по исходному тексту: выпуск рендерится по разу на каждого подписчика.
func (e *Engine) Render(source string, bindings map[string]any) (string, error) {
	var tpl *liquid.Template
	if cached, ok := e.cache.Load(source); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := e.engine.ParseString(source)
		if err != nil {
			return "", fmt.Errorf("разбор шаблона: %w", err)
		}
		e.cache.Store(source, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("рендеринг шаблона: %w", err)
	}
	return out, nil
}
