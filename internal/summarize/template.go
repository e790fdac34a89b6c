package summarize

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"digestd/internal/model"
)

// DefaultTemplate is the name of the built-in prompt.
const DefaultTemplate = "default"

// ErrUnknownTemplate is returned when a feed names a template that was not loaded.
var ErrUnknownTemplate = errors.New("unknown template")

const defaultPrompt = `You write concise digests of technical content.
{{- if eq (len .Items) 1}}
Summarize the item below.
{{- else}}
Summarize the {{len .Items}} items below as one digest, highlighting what they have in common.
{{- end}}

Format your response EXACTLY like this:
TITLE: <headline, max 80 characters>
SUMMARY: <2 to 5 sentences>
TAGS: tag1, tag2, tag3
{{range $i, $it := .Items}}
[{{inc $i}}] {{$it.Title}}
{{- with $it.Link}}
Link: {{.}}{{end}}
{{truncate $it.Content 2000}}
{{end}}`

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
	"truncate": func(s string, n int) string {
		if utf8.RuneCountInString(s) <= n {
			return s
		}
		r := []rune(s)
		return string(r[:n]) + "..."
	},
	"join": strings.Join,
}

// PromptData is what templates render against.
type PromptData struct {
	Mode  model.DigestMode
	Items []model.Item
}

// Templates is a set of named prompt templates.
type Templates struct {
	set map[string]*template.Template
}

// NewTemplates returns a set holding only the built-in default.
func NewTemplates() *Templates {
	t := &Templates{set: make(map[string]*template.Template)}
	if err := t.Add(DefaultTemplate, defaultPrompt); err != nil {
		panic(err)
	}
	return t
}

// Add parses and registers a template, replacing one with the same name.
func (t *Templates) Add(name, text string) error {
	tmpl, err := template.New(name).Funcs(funcs).Parse(text)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}
	t.set[name] = tmpl
	return nil
}

// Has reports whether a template is registered.
func (t *Templates) Has(name string) bool {
	_, ok := t.set[name]
	return ok
}

// Render executes the named template for a unit. An empty name selects the
// default template.
func (t *Templates) Render(name string, unit model.Unit) (string, error) {
	if name == "" {
		name = DefaultTemplate
	}
	tmpl, ok := t.set[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, PromptData{Mode: unit.Mode, Items: unit.Items}); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return b.String(), nil
}

type templatesFile struct {
	Templates map[string]string `yaml:"templates"`
}

// LoadTemplates returns the built-in set extended with the templates in a
// YAML file. An empty path yields the built-in set.
func LoadTemplates(path string) (*Templates, error) {
	t := NewTemplates()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates file: %w", err)
	}
	var tf templatesFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("parse templates file: %w", err)
	}
	for name, text := range tf.Templates {
		if err := t.Add(name, text); err != nil {
			return nil, err
		}
	}
	return t, nil
}
