package server

import (
	"bytes"
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

// Link is one entry of a link list page.
type Link struct {
	URL    string
	Text   string
	Status string
}

type indexPage struct {
	Title   string
	Content template.HTML
}

// Renderer executes a named template.
type Renderer interface {
	Render(name string, data interface{}) (string, error)
}

type TemplateRenderer struct {
	templates *template.Template
}

var _ Renderer = (*TemplateRenderer)(nil)

// NewTemplateRenderer parses the embedded templates once.
func NewTemplateRenderer() (*TemplateRenderer, error) {
	templates, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	return &TemplateRenderer{templates: templates}, nil
}

func (t *TemplateRenderer) Render(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// renderLinks renders links inside the index wrapper.
func renderLinks(renderer Renderer, title string, links []*Link) (string, error) {
	content, err := renderer.Render("linkList", links)
	if err != nil {
		return "", err
	}

	return renderer.Render("index", &indexPage{Title: title, Content: template.HTML(content)})
}
