package schema

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator() *Validator {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewValidator(logger, time.Minute, time.Minute)
}

const checkoutSchema = `{
	"type": "object",
	"required": ["cart", "payment"],
	"properties": {
		"cart": {
			"type": "object",
			"required": ["has_tutorial"],
			"properties": {
				"has_tutorial": {"type": "boolean"},
				"total": {"type": "number"}
			}
		},
		"payment": {
			"type": "object",
			"required": ["method"],
			"properties": {
				"method": {"enum": ["card", "invoice"]}
			}
		}
	}
}`

func TestValidate_AcceptsConformingContext(t *testing.T) {
	v := newTestValidator()

	context := map[string]any{
		"cart":    map[string]any{"has_tutorial": true, "total": 130.0},
		"payment": map[string]any{"method": "card"},
	}

	err := v.Validate("checkout_payment_fields", 1, []byte(checkoutSchema), context)
	assert.NoError(t, err)
}

func TestValidate_RejectsNonConformingContext(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name    string
		context map[string]any
	}{
		{
			"missing payment",
			map[string]any{"cart": map[string]any{"has_tutorial": true}},
		},
		{
			"wrong flag type",
			map[string]any{
				"cart":    map[string]any{"has_tutorial": "yes"},
				"payment": map[string]any{"method": "card"},
			},
		},
		{
			"method outside enum",
			map[string]any{
				"cart":    map[string]any{"has_tutorial": true},
				"payment": map[string]any{"method": "crypto"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate("checkout_payment_fields", 1, []byte(checkoutSchema), tt.context)
			assert.ErrorIs(t, err, ErrContextSchemaInvalid)
		})
	}
}

func TestValidate_MalformedSchemaDocument(t *testing.T) {
	v := newTestValidator()

	err := v.Validate("broken_fields", 1, []byte(`{"type": 42}`), map[string]any{})
	assert.ErrorIs(t, err, ErrContextSchemaInvalid)
}

func TestValidate_IntegersNormalizedBeforeValidation(t *testing.T) {
	v := newTestValidator()

	context := map[string]any{
		"cart":    map[string]any{"has_tutorial": true, "total": 130},
		"payment": map[string]any{"method": "invoice"},
	}

	require.NoError(t, v.Validate("checkout_payment_fields", 1, []byte(checkoutSchema), context))
}
