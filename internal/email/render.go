package email

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"html/template"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

// Rendered is a ready-to-send message body.
type Rendered struct {
	Subject string
	HTML    string
}

// Renderer executes the embedded email templates.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer parses every embedded template with the shared layout.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template)}
	for _, name := range []string{TemplateAlert, TemplateWeeklySummary, TemplatePasswordReset, TemplateWelcome} {
		t, err := template.New(name).
			Option("missingkey=error").
			ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		r.templates[name] = t
	}
	return r, nil
}

// Render executes the named template against data.
func (r *Renderer) Render(name string, data map[string]any) (Rendered, error) {
	t, ok := r.templates[name]
	if !ok {
		return Rendered{}, fmt.Errorf("unknown template %q", name)
	}
	if data == nil {
		data = map[string]any{}
	}
	var subject, body bytes.Buffer
	if err := t.ExecuteTemplate(&subject, "subject", data); err != nil {
		return Rendered{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := t.ExecuteTemplate(&body, "layout", data); err != nil {
		return Rendered{}, fmt.Errorf("render %s body: %w", name, err)
	}
	return Rendered{
		Subject: html.UnescapeString(strings.Join(strings.Fields(subject.String()), " ")),
		HTML:    body.String(),
	}, nil
}
