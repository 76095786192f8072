package database

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// Rule is the persistence binding of a rules-engine rule (acted_rule).
// Condition and Actions are stored as JSONB and decoded by the engine.
type Rule struct {
	ID              string         `db:"id" json:"id"`
	RuleID          string         `db:"rule_id" json:"rule_id"`
	Name            string         `db:"name" json:"name"`
	Description     string         `db:"description" json:"description"`
	EntryPoint      string         `db:"entry_point" json:"entry_point"`
	Priority        int            `db:"priority" json:"priority"`
	Active          bool           `db:"active" json:"active"`
	ActiveFrom      *time.Time     `db:"active_from" json:"active_from,omitempty"`
	ActiveUntil     *time.Time     `db:"active_until" json:"active_until,omitempty"`
	Version         int            `db:"version" json:"version"`
	Metadata        types.JSONText `db:"metadata" json:"metadata,omitempty"`
	FieldsSchemaRef *string        `db:"fields_schema_ref" json:"fields_schema_ref,omitempty"`
	Condition       types.JSONText `db:"condition" json:"condition"`
	Actions         types.JSONText `db:"actions" json:"actions"`
	StopProcessing  bool           `db:"stop_processing" json:"stop_processing"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
	DeletedAt       *time.Time     `db:"deleted_at" json:"deleted_at,omitempty"`
}

// RuleFields is a reusable context schema (acted_rules_fields).
type RuleFields struct {
	ID        string         `db:"id" json:"id"`
	FieldsID  string         `db:"fields_id" json:"fields_id"`
	Schema    types.JSONText `db:"schema" json:"schema"`
	Version   int            `db:"version" json:"version"`
	Active    bool           `db:"active" json:"active"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// MessageTemplate is the rendering payload referenced by display,
// acknowledge and preference actions (acted_message_template). JSON content
// is opaque to the engine; the UI consumes its element tree.
type MessageTemplate struct {
	ID            string         `db:"id" json:"id"`
	Name          string         `db:"name" json:"name"`
	Title         string         `db:"title" json:"title"`
	ContentFormat string         `db:"content_format" json:"content_format"`
	Content       string         `db:"content" json:"content"`
	JSONContent   types.JSONText `db:"json_content" json:"json_content,omitempty"`
	MessageType   string         `db:"message_type" json:"message_type"`
	Variables     pq.StringArray `db:"variables" json:"variables"`
	Dismissible   bool           `db:"dismissible" json:"dismissible"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// RuleExecution is the audit row written once per engine call
// (acted_rule_execution).
type RuleExecution struct {
	ID            string         `db:"id" json:"id"`
	EntryPoint    string         `db:"entry_point" json:"entry_point"`
	InputContext  types.JSONText `db:"input_context" json:"input_context"`
	RulesExecuted types.JSONText `db:"rules_executed" json:"rules_executed"`
	Output        types.JSONText `db:"output" json:"output"`
	Outcome       string         `db:"outcome" json:"outcome"`
	DurationMS    float64        `db:"duration_ms" json:"duration_ms"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// OrderAcknowledgment captures exactly one acknowledged item
// (acted_order_user_acknowledgment). One row per ack_key, never aggregated.
type OrderAcknowledgment struct {
	ID             string         `db:"id" json:"id"`
	OrderID        string         `db:"order_id" json:"order_id"`
	AckKey         string         `db:"ack_key" json:"ack_key"`
	TemplateRef    string         `db:"template_ref" json:"template_ref"`
	EntryPoint     string         `db:"entry_point" json:"entry_point"`
	AcknowledgedAt time.Time      `db:"acknowledged_at" json:"acknowledged_at"`
	IPAddress      string         `db:"ip_address" json:"ip_address"`
	UserAgent      string         `db:"user_agent" json:"user_agent"`
	RuleContext    types.JSONText `db:"rule_context" json:"rule_context,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// UserPreference is the durable per-user preference row
// (acted_user_preference), keyed by (user_id, preference_key).
type UserPreference struct {
	ID              string         `db:"id" json:"id"`
	UserID          string         `db:"user_id" json:"user_id"`
	PreferenceKey   string         `db:"preference_key" json:"preference_key"`
	PreferenceValue types.JSONText `db:"preference_value" json:"preference_value"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// OrderPreference is the order-scoped preference row written at checkout
// (acted_order_user_preference).
type OrderPreference struct {
	ID              string         `db:"id" json:"id"`
	OrderID         string         `db:"order_id" json:"order_id"`
	UserID          string         `db:"user_id" json:"user_id"`
	PreferenceKey   string         `db:"preference_key" json:"preference_key"`
	PreferenceValue types.JSONText `db:"preference_value" json:"preference_value"`
	RuleRef         string         `db:"rule_ref" json:"rule_ref"`
	InputType       string         `db:"input_type" json:"input_type"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// VATAudit records a VAT computation outcome (acted_vat_audit).
type VATAudit struct {
	ID           string         `db:"id" json:"id"`
	ExecutionID  string         `db:"execution_id" json:"execution_id"`
	CartID       string         `db:"cart_id" json:"cart_id"`
	FunctionName string         `db:"function_name" json:"function_name"`
	Region       string         `db:"region" json:"region"`
	Totals       types.JSONText `db:"totals" json:"totals"`
	Items        types.JSONText `db:"items" json:"items"`
	Fallback     bool           `db:"fallback" json:"fallback"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// Filter represents common listing options.
type Filter struct {
	EntryPoint string     `json:"entry_point,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Active     *bool      `json:"active,omitempty"`
	DateFrom   *time.Time `json:"date_from,omitempty"`
	DateTo     *time.Time `json:"date_to,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}
