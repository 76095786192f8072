// Package schema validates rule execution contexts against the JSON-Schema
// documents authored as RulesFields.
package schema

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrContextSchemaInvalid reports a context rejected by a rule's fields
// schema. The rule is skipped; the execution continues.
var ErrContextSchemaInvalid = errors.New("context schema invalid")

// Validator compiles fields schemas on demand and caches the compiled form.
// Cache keys carry the document version, so a republished schema is a new
// entry rather than a stale hit.
type Validator struct {
	logger   *slog.Logger
	compiled *gocache.Cache
}

// NewValidator creates a schema validator with a TTL-bound compile cache.
func NewValidator(logger *slog.Logger, ttl, cleanup time.Duration) *Validator {
	return &Validator{
		logger:   logger,
		compiled: gocache.New(ttl, cleanup),
	}
}

// Validate checks a context object against a schema document. fieldsID and
// version identify the RulesFields row the document came from.
func (v *Validator) Validate(fieldsID string, version int, schemaDoc []byte, context map[string]any) error {
	sch, err := v.compile(fieldsID, version, schemaDoc)
	if err != nil {
		return err
	}

	if err := sch.Validate(anyMap(context)); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %s: %s", ErrContextSchemaInvalid, fieldsID, verr.Error())
		}
		return fmt.Errorf("%w: %s: %v", ErrContextSchemaInvalid, fieldsID, err)
	}
	return nil
}

func (v *Validator) compile(fieldsID string, version int, schemaDoc []byte) (*jsonschema.Schema, error) {
	key := fmt.Sprintf("%s@%d", fieldsID, version)
	if cached, ok := v.compiled.Get(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	url := "mem://fields/" + key
	if err := compiler.AddResource(url, strings.NewReader(string(schemaDoc))); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrContextSchemaInvalid, fieldsID, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrContextSchemaInvalid, fieldsID, err)
	}

	v.compiled.SetDefault(key, sch)
	v.logger.Debug("Fields schema compiled", "fields_id", fieldsID, "version", version)
	return sch, nil
}

// anyMap rebuilds the context as plain any values; the jsonschema validator
// only accepts the json.Unmarshal type universe.
func anyMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = normalize(val)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return anyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
