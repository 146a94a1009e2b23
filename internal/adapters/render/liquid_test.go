package render

import "testing"

func TestRenderBindings(t *testing.T) {
	e := NewEngine()

	out, err := e.Render(`Здравствуйте, {{ name }}! {{ content }}`, map[string]any{
		"name":    "Анна",
		"content": "Выпуск №1",
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if out != "Здравствуйте, Анна! Выпуск №1" {
		t.Fatalf("неожиданный результат: %s", out)
	}
}

func TestRenderDefaultFilter(t *testing.T) {
	e := NewEngine()

	out, err := e.Render(`{{ name | default: "подписчик" }}`, map[string]any{"name": ""})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if out != "подписчик" {
		t.Fatalf("ожидали значение по умолчанию, получили %s", out)
	}
}

func TestRenderBrokenTemplate(t *testing.T) {
	e := NewEngine()

	if _, err := e.Render(`{% if %}`, nil); err == nil {
		t.Fatalf("ожидали ошибку разбора шаблона")
	}
}

func TestRenderReusesParsedTemplate(t *testing.T) {
	e := NewEngine()
	source := `{{ subject }}`

	first, err := e.Render(source, map[string]any{"subject": "первый"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	second, err := e.Render(source, map[string]any{"subject": "второй"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if first != "первый" || second != "второй" {
		t.Fatalf("кэш не должен влиять на результат: %s / %s", first, second)
	}
}
