// Package render formats the human-readable messages attached to API
// responses and run events.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New parses every embedded template.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{
		"pct": func(v float64) string { return fmt.Sprintf("%.1f%%", v) },
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with data.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// Message renders name and falls back to fallback when rendering fails, so a
// broken template never fails the operation it describes.
func (e *Engine) Message(name string, data any, fallback string) string {
	out, err := e.Render(name, data)
	if err != nil {
		return fallback
	}
	return out
}
