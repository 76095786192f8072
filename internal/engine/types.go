package engine

import (
	"encoding/json"
	"errors"

	"github.com/eugenelo428937/Admin3-sub006/internal/template"
)

// Engine error taxonomy. Condition and schema errors stay per-rule and are
// recorded in the rule outcome; handler failures mark the whole execution
// failed and blocked.
var (
	ErrEntryPointUnknown    = errors.New("unknown entry point")
	ErrActionUnknown        = errors.New("unknown action type")
	ErrActionHandlerFailure = errors.New("action handler failure")
	ErrVATFunctionUnknown   = errors.New("unknown vat function")
)

// Entry points are a closed enumeration of the integration sites where the
// engine is invoked.
const (
	EntryHomePageMount      = "home_page_mount"
	EntryProductListMount   = "product_list_mount"
	EntryProductCardMount   = "product_card_mount"
	EntryAddToCart          = "add_to_cart"
	EntryCheckoutStart      = "checkout_start"
	EntryCheckoutTerms      = "checkout_terms"
	EntryCheckoutPreference = "checkout_preference"
	EntryCheckoutPayment    = "checkout_payment"
	EntryCartCalculateVAT   = "cart_calculate_vat"
	EntryOrderPlaced        = "order_placed"
)

// EntryPoints lists every valid entry point in flow order.
var EntryPoints = []string{
	EntryHomePageMount,
	EntryProductListMount,
	EntryProductCardMount,
	EntryAddToCart,
	EntryCheckoutStart,
	EntryCheckoutTerms,
	EntryCheckoutPreference,
	EntryCheckoutPayment,
	EntryCartCalculateVAT,
	EntryOrderPlaced,
}

var entryPointSet = func() map[string]bool {
	set := make(map[string]bool, len(EntryPoints))
	for _, ep := range EntryPoints {
		set[ep] = true
	}
	return set
}()

// ValidEntryPoint reports whether the identifier belongs to the closed set.
func ValidEntryPoint(ep string) bool { return entryPointSet[ep] }

// Action is one tagged directive embedded in a rule's actions list. The type
// field discriminates; the remaining fields are populated per type.
type Action struct {
	Type string `json:"type"`

	// display / user_acknowledge / user_preference
	TemplateRef string `json:"template_ref,omitempty"`
	DisplayType string `json:"display_type,omitempty"` // inline, modal
	MessageType string `json:"message_type,omitempty"`
	Blocking    bool   `json:"blocking,omitempty"`
	Dismissible bool   `json:"dismissible,omitempty"`

	// user_acknowledge
	AckKey   string `json:"ack_key,omitempty"`
	Required bool   `json:"required,omitempty"`

	// user_preference
	PreferenceKey string `json:"preference_key,omitempty"`
	InputType     string `json:"input_type,omitempty"` // radio, checkbox, select
	Options       []any  `json:"options,omitempty"`
	Default       any    `json:"default,omitempty"`
	DisplayMode   string `json:"display_mode,omitempty"`

	// update
	Target    string `json:"target,omitempty"`
	Operation string `json:"operation,omitempty"` // add_fee, remove_fee, set
	Value     any    `json:"value,omitempty"`

	// calculate_vat
	Parameters map[string]any `json:"parameters,omitempty"`
}

// AckRequirement describes one acknowledgment the caller must collect.
type AckRequirement struct {
	AckKey      string `json:"ack_key"`
	TemplateRef string `json:"template_ref"`
	RuleRef     string `json:"rule_ref"`
	DisplayType string `json:"display_type"`
	Required    bool   `json:"required"`
	Blocking    bool   `json:"blocking"`
}

// PreferencePrompt describes one preference the caller should collect.
type PreferencePrompt struct {
	PreferenceKey string `json:"preference_key"`
	TemplateRef   string `json:"template_ref"`
	RuleRef       string `json:"rule_ref"`
	InputType     string `json:"input_type"`
	Options       []any  `json:"options,omitempty"`
	Default       any    `json:"default,omitempty"`
	Required      bool   `json:"required"`
	DisplayMode   string `json:"display_mode,omitempty"`
	Blocking      bool   `json:"blocking"`
}

// CartMutation records one rule-driven update operation, already applied to
// the context by the time the result is returned.
type CartMutation struct {
	Target    string `json:"target"`
	Operation string `json:"operation"`
	Value     any    `json:"value,omitempty"`
}

// RuleOutcome records the evaluation of a single rule within one call.
type RuleOutcome struct {
	RuleID      string  `json:"rule_id"`
	RuleVersion int     `json:"rule_version"`
	Matched     bool    `json:"matched"`
	DurationMS  float64 `json:"duration_ms"`
	Error       string  `json:"error,omitempty"`
}

// Result is the aggregated outcome of one engine execution.
type Result struct {
	Success         bool                `json:"success"`
	Blocked         bool                `json:"blocked"`
	Messages        []*template.Message `json:"messages"`
	RequiredAcks    []AckRequirement    `json:"required_acks"`
	SatisfiedAcks   []string            `json:"satisfied_acks"`
	Preferences     []PreferencePrompt  `json:"preferences"`
	CartMutations   []CartMutation      `json:"cart_mutations"`
	VAT             *VATResult          `json:"vat,omitempty"`
	RulesExecuted   []RuleOutcome       `json:"rules_executed"`
	ExecutionTimeMS float64             `json:"execution_time_ms"`
}

func newResult() *Result {
	return &Result{
		Success:       true,
		Messages:      []*template.Message{},
		RequiredAcks:  []AckRequirement{},
		SatisfiedAcks: []string{},
		Preferences:   []PreferencePrompt{},
		CartMutations: []CartMutation{},
		RulesExecuted: []RuleOutcome{},
	}
}

// Execution is the per-call state shared between the orchestrator and the
// action handlers. Context is the live caller context; handlers mutate it.
type Execution struct {
	ID         string
	EntryPoint string
	Context    map[string]any
	Result     *Result

	// current rule, set by the orchestrator before dispatching its actions
	RuleRef string

	blockingDisplay bool
	handlerFailed   bool

	// set by the VAT handler so the orchestrator can write the VAT audit row
	vatFunction string
	vatFallback bool
}

func decodeActions(raw json.RawMessage) ([]Action, error) {
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}
