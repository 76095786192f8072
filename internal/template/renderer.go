// Package template renders message templates for display, acknowledgment and
// preference actions. Text content goes through pongo2 variable substitution;
// JSON content is an element tree owned by the UI and passes through opaque.
package template

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/flosch/pongo2/v6"

	"github.com/eugenelo428937/Admin3-sub006/internal/database"
	"github.com/eugenelo428937/Admin3-sub006/internal/jsonlogic"
)

// Message is the renderable payload returned to callers.
type Message struct {
	TemplateName  string          `json:"template_name"`
	Title         string          `json:"title"`
	ContentFormat string          `json:"content_format"`
	Content       string          `json:"content,omitempty"`
	JSONContent   json.RawMessage `json:"json_content,omitempty"`
	MessageType   string          `json:"message_type"`
	DisplayType   string          `json:"display_type,omitempty"`
	Dismissible   bool            `json:"dismissible"`
	Blocking      bool            `json:"blocking"`
	Variables     map[string]any  `json:"variables,omitempty"`
}

// Renderer resolves declared template variables from the execution context
// and substitutes them into text content. Only the names a template declares
// are resolved; the template owns its structure.
type Renderer struct {
	logger *slog.Logger
}

// NewRenderer creates a template renderer.
func NewRenderer(logger *slog.Logger) *Renderer {
	return &Renderer{logger: logger}
}

// Render produces a message payload from a template and the execution
// context.
func (r *Renderer) Render(tpl *database.MessageTemplate, context map[string]any) (*Message, error) {
	vars := make(map[string]any, len(tpl.Variables))
	for _, name := range tpl.Variables {
		if v, ok := jsonlogic.ResolvePath(context, name); ok {
			vars[name] = v
		}
	}

	msg := &Message{
		TemplateName:  tpl.Name,
		Title:         tpl.Title,
		ContentFormat: tpl.ContentFormat,
		MessageType:   tpl.MessageType,
		Dismissible:   tpl.Dismissible,
		Variables:     vars,
	}

	switch tpl.ContentFormat {
	case "json":
		msg.JSONContent = json.RawMessage(tpl.JSONContent)
	default:
		content, err := r.substitute(tpl.Name, tpl.Content, vars)
		if err != nil {
			return nil, err
		}
		msg.Content = content
	}

	return msg, nil
}

func (r *Renderer) substitute(name, content string, vars map[string]any) (string, error) {
	if len(vars) == 0 {
		return content, nil
	}

	tpl, err := pongo2.FromString(content)
	if err != nil {
		return "", fmt.Errorf("template %s: parse: %w", name, err)
	}

	pctx := make(pongo2.Context, len(vars))
	for k, v := range vars {
		// Dotted context paths become underscored template names
		// ({{ user_home_country }} for user.home_country).
		pctx[flatten(k)] = v
	}

	out, err := tpl.Execute(pctx)
	if err != nil {
		return "", fmt.Errorf("template %s: execute: %w", name, err)
	}
	return out, nil
}

func flatten(path string) string {
	out := make([]rune, 0, len(path))
	for _, c := range path {
		if c == '.' {
			out = append(out, '_')
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}
