package template

import (
	"log/slog"
	"os"
	"testing"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenelo428937/Admin3-sub006/internal/database"
)

func newTestRenderer() *Renderer {
	return NewRenderer(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestRender_TextSubstitution(t *testing.T) {
	r := newTestRenderer()

	tpl := &database.MessageTemplate{
		Name:          "vat_notice",
		Title:         "VAT applied",
		ContentFormat: "text",
		Content:       "VAT for {{ user_home_country }} applied to a total of {{ cart_total }}.",
		MessageType:   "info",
		Variables:     pq.StringArray{"user.home_country", "cart.total"},
		Dismissible:   true,
	}

	context := map[string]any{
		"user": map[string]any{"home_country": "GB"},
		"cart": map[string]any{"total": "130.00"},
	}

	msg, err := r.Render(tpl, context)
	require.NoError(t, err)
	assert.Equal(t, "VAT for GB applied to a total of 130.00.", msg.Content)
	assert.Equal(t, "vat_notice", msg.TemplateName)
	assert.Equal(t, "info", msg.MessageType)
	assert.True(t, msg.Dismissible)
}

func TestRender_UndeclaredVariablesNotResolved(t *testing.T) {
	r := newTestRenderer()

	tpl := &database.MessageTemplate{
		Name:          "plain",
		ContentFormat: "text",
		Content:       "Terms and conditions apply.",
		MessageType:   "terms",
	}

	context := map[string]any{"user": map[string]any{"home_country": "GB"}}

	msg, err := r.Render(tpl, context)
	require.NoError(t, err)
	assert.Equal(t, "Terms and conditions apply.", msg.Content)
	assert.Empty(t, msg.Variables)
}

func TestRender_JSONContentOpaque(t *testing.T) {
	r := newTestRenderer()

	raw := `{"element":"div","class":"notice","content":[{"element":"p","text":"Digital items"}]}`
	tpl := &database.MessageTemplate{
		Name:          "digital_notice",
		Title:         "Digital content",
		ContentFormat: "json",
		JSONContent:   types.JSONText(raw),
		MessageType:   "warning",
	}

	msg, err := r.Render(tpl, map[string]any{})
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(msg.JSONContent))
	assert.Empty(t, msg.Content)
}
