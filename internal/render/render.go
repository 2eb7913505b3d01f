// Package render turns notification parameters into email content using
// templates embedded at build time. A missing template or parameter is an
// error so that nothing is queued with empty content.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/albapepper/matchwatch/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// ErrNoTemplate is returned for a notification kind without templates.
var ErrNoTemplate = errors.New("no template for notification kind")

// Content is a rendered email.
type Content struct {
	Subject string
	HTML    string
	Text    string
}

type kindTemplates struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

// Renderer holds the parsed templates.
type Renderer struct {
	kinds map[model.ChangeKind]kindTemplates
}

// New parses every embedded template set.
func New() (*Renderer, error) {
	r := &Renderer{kinds: make(map[model.ChangeKind]kindTemplates)}
	for _, kind := range []model.ChangeKind{model.ActivityStarted} {
		set, err := parseKind(kind)
		if err != nil {
			return nil, err
		}
		r.kinds[kind] = set
	}
	return r, nil
}

func parseKind(kind model.ChangeKind) (kindTemplates, error) {
	base := "templates/" + string(kind)
	subject, err := texttemplate.New("subject").Option("missingkey=error").
		ParseFS(templateFS, base+".subject.tmpl")
	if err != nil {
		return kindTemplates{}, fmt.Errorf("parse %s subject: %w", kind, err)
	}
	text, err := texttemplate.New("text").Option("missingkey=error").
		ParseFS(templateFS, base+".txt.tmpl")
	if err != nil {
		return kindTemplates{}, fmt.Errorf("parse %s text: %w", kind, err)
	}
	html, err := htmltemplate.New("html").Option("missingkey=error").
		ParseFS(templateFS, base+".html.tmpl")
	if err != nil {
		return kindTemplates{}, fmt.Errorf("parse %s html: %w", kind, err)
	}
	return kindTemplates{
		subject: subject.Lookup(string(kind) + ".subject.tmpl"),
		text:    text.Lookup(string(kind) + ".txt.tmpl"),
		html:    html.Lookup(string(kind) + ".html.tmpl"),
	}, nil
}

// Render produces subject, HTML and text for a notification.
func (r *Renderer) Render(kind model.ChangeKind, params map[string]string) (Content, error) {
	set, ok := r.kinds[kind]
	if !ok {
		return Content{}, fmt.Errorf("%w: %s", ErrNoTemplate, kind)
	}

	var subject, text, html bytes.Buffer
	if err := set.subject.Execute(&subject, params); err != nil {
		return Content{}, fmt.Errorf("render subject: %w", err)
	}
	if err := set.text.Execute(&text, params); err != nil {
		return Content{}, fmt.Errorf("render text: %w", err)
	}
	if err := set.html.Execute(&html, params); err != nil {
		return Content{}, fmt.Errorf("render html: %w", err)
	}

	c := Content{
		Subject: strings.TrimSpace(subject.String()),
		HTML:    html.String(),
		Text:    text.String(),
	}
	if c.Subject == "" {
		return Content{}, fmt.Errorf("render %s: empty subject", kind)
	}
	return c, nil
}
