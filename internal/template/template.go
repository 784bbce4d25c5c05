// Package template renders stage prompts. Templates are plain text/template
// files embedded with the binary, one per stage kind, keyed by template name.
package template

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"genline/internal/domain"
)

//go:embed prompts/*.tmpl
var promptsFS embed.FS

// Context is what a prompt template sees: the run brief, the artifacts of
// every completed upstream stage keyed by stage ID, and the stage itself.
type Context struct {
	Brief     domain.Brief
	Artifacts map[string]*domain.Artifact
	Stage     *domain.StageState
}

// Renderer turns a stage plus its upstream artifacts into a prompt.
type Renderer interface {
	Render(name string, ctx Context) (string, error)
}

// EmbeddedRenderer serves the built-in prompt set.
type EmbeddedRenderer struct {
	templates *template.Template
}

func NewEmbedded() (*EmbeddedRenderer, error) {
	t, err := template.New("prompts").Funcs(funcs).ParseFS(promptsFS, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse embedded prompts: %w", err)
	}
	return &EmbeddedRenderer{templates: t}, nil
}

func (r *EmbeddedRenderer) Render(name string, ctx Context) (string, error) {
	t := r.templates.Lookup(name + ".tmpl")
	if t == nil {
		return "", fmt.Errorf("no template named %q", name)
	}
	var b strings.Builder
	if err := t.Execute(&b, ctx); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return b.String(), nil
}

var funcs = template.FuncMap{
	"join": strings.Join,
	// designOf picks the first upstream design artifact.
	"designOf": func(artifacts map[string]*domain.Artifact) *domain.DesignDoc {
		for _, a := range artifacts {
			if a != nil && a.Design != nil {
				return a.Design
			}
		}
		return nil
	},
	"planOf": func(artifacts map[string]*domain.Artifact) *domain.Plan {
		for _, a := range artifacts {
			if a != nil && a.Plan != nil {
				return a.Plan
			}
		}
		return nil
	},
	"phasesOf": func(artifacts map[string]*domain.Artifact) []*domain.PhaseDetail {
		var out []*domain.PhaseDetail
		for _, a := range artifacts {
			if a != nil && a.Phase != nil {
				out = append(out, a.Phase)
			}
		}
		return out
	},
}
