package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/eugenelo428937/Admin3-sub006/internal/jsonlogic"
	"github.com/eugenelo428937/Admin3-sub006/internal/template"
)

// ActionHandler executes one action type against the per-call execution
// state. Handlers are stateless; each action type maps to exactly one
// handler.
type ActionHandler interface {
	Type() string
	Execute(ctx context.Context, action *Action, exec *Execution) error
}

// Dispatcher routes actions to their typed handlers.
type Dispatcher struct {
	handlers map[string]ActionHandler
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher with the full handler set registered.
func NewDispatcher(templates TemplateSource, renderer *template.Renderer, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]ActionHandler),
		logger:   logger,
	}
	d.register(&displayHandler{templates: templates, renderer: renderer})
	d.register(&acknowledgeHandler{})
	d.register(&preferenceHandler{})
	d.register(&updateHandler{logger: logger})
	d.register(&vatHandler{logger: logger})
	return d
}

func (d *Dispatcher) register(h ActionHandler) {
	d.handlers[h.Type()] = h
}

// Dispatch routes one action. Unknown action types are logged and reported
// with ErrActionUnknown; they never block the execution.
func (d *Dispatcher) Dispatch(ctx context.Context, action *Action, exec *Execution) error {
	handler, ok := d.handlers[action.Type]
	if !ok {
		d.logger.Warn("Unknown action type",
			"action_type", action.Type, "rule_ref", exec.RuleRef, "entry_point", exec.EntryPoint)
		return fmt.Errorf("%w: %q", ErrActionUnknown, action.Type)
	}
	return handler.Execute(ctx, action, exec)
}

// displayHandler resolves and renders the action's template and appends the
// payload to the result messages.
type displayHandler struct {
	templates TemplateSource
	renderer  *template.Renderer
}

func (h *displayHandler) Type() string { return "display" }

func (h *displayHandler) Execute(ctx context.Context, action *Action, exec *Execution) error {
	tpl, err := h.templates.Template(ctx, action.TemplateRef)
	if err != nil {
		return fmt.Errorf("%w: display template %q: %v", ErrActionHandlerFailure, action.TemplateRef, err)
	}

	msg, err := h.renderer.Render(tpl, exec.Context)
	if err != nil {
		return fmt.Errorf("%w: display template %q: %v", ErrActionHandlerFailure, action.TemplateRef, err)
	}

	msg.DisplayType = action.DisplayType
	msg.Blocking = action.Blocking
	if action.MessageType != "" {
		msg.MessageType = action.MessageType
	}
	if action.Dismissible {
		msg.Dismissible = true
	}

	exec.Result.Messages = append(exec.Result.Messages, msg)
	if action.Blocking {
		exec.blockingDisplay = true
	}
	return nil
}

// acknowledgeHandler classifies an acknowledgment requirement against the
// caller-supplied acknowledgment state. It never writes the database;
// persistence happens at order placement via RecordAcknowledgments.
type acknowledgeHandler struct{}

func (h *acknowledgeHandler) Type() string { return "user_acknowledge" }

func (h *acknowledgeHandler) Execute(_ context.Context, action *Action, exec *Execution) error {
	if action.AckKey == "" {
		return fmt.Errorf("%w: user_acknowledge action without ack_key", ErrActionHandlerFailure)
	}

	if ackSatisfied(exec.Context, action.AckKey) {
		exec.Result.SatisfiedAcks = append(exec.Result.SatisfiedAcks, action.AckKey)
		return nil
	}

	exec.Result.RequiredAcks = append(exec.Result.RequiredAcks, AckRequirement{
		AckKey:      action.AckKey,
		TemplateRef: action.TemplateRef,
		RuleRef:     exec.RuleRef,
		DisplayType: action.DisplayType,
		Required:    action.Required,
		Blocking:    action.Blocking,
	})
	return nil
}

func ackSatisfied(context map[string]any, ackKey string) bool {
	raw, ok := jsonlogic.ResolvePath(context, "user.acknowledgments")
	if !ok {
		return false
	}
	acks, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	entry, ok := acks[ackKey].(map[string]any)
	if !ok {
		return false
	}
	acked, _ := entry["acknowledged"].(bool)
	return acked
}

// preferenceHandler emits a preference prompt with its widget metadata.
// Preferences never set the blocked flag; the flag passes through for the UI.
type preferenceHandler struct{}

func (h *preferenceHandler) Type() string { return "user_preference" }

func (h *preferenceHandler) Execute(_ context.Context, action *Action, exec *Execution) error {
	if action.PreferenceKey == "" {
		return fmt.Errorf("%w: user_preference action without preference_key", ErrActionHandlerFailure)
	}

	exec.Result.Preferences = append(exec.Result.Preferences, PreferencePrompt{
		PreferenceKey: action.PreferenceKey,
		TemplateRef:   action.TemplateRef,
		RuleRef:       exec.RuleRef,
		InputType:     action.InputType,
		Options:       action.Options,
		Default:       action.Default,
		Required:      action.Required,
		DisplayMode:   action.DisplayMode,
		Blocking:      action.Blocking,
	})
	return nil
}

// updateHandler mutates a target collection on the context. Fee operations
// are idempotent by fee_type; re-running the same rule graph never duplicates
// fees.
type updateHandler struct {
	logger *slog.Logger
}

func (h *updateHandler) Type() string { return "update" }

func (h *updateHandler) Execute(_ context.Context, action *Action, exec *Execution) error {
	switch action.Operation {
	case "add_fee":
		if err := h.addFee(action, exec); err != nil {
			return err
		}
	case "remove_fee":
		if err := h.removeFee(action, exec); err != nil {
			return err
		}
	case "set":
		setPath(exec.Context, action.Target, action.Value)
	default:
		return fmt.Errorf("%w: unsupported update operation %q", ErrActionHandlerFailure, action.Operation)
	}

	// Any cart mutation invalidates cached VAT state so the next
	// cart_calculate_vat call recomputes. Invalidate only; never re-enter
	// the engine from a handler.
	clearVATState(exec.Context)

	exec.Result.CartMutations = append(exec.Result.CartMutations, CartMutation{
		Target:    action.Target,
		Operation: action.Operation,
		Value:     action.Value,
	})
	return nil
}

func (h *updateHandler) addFee(action *Action, exec *Execution) error {
	fee, ok := action.Value.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: add_fee value must be an object", ErrActionHandlerFailure)
	}
	feeType, _ := fee["fee_type"].(string)
	if feeType == "" {
		return fmt.Errorf("%w: add_fee value without fee_type", ErrActionHandlerFailure)
	}

	parent, key, err := resolveParent(exec.Context, action.Target)
	if err != nil {
		return fmt.Errorf("%w: add_fee: %v", ErrActionHandlerFailure, err)
	}

	fees, _ := parent[key].([]any)
	for _, existing := range fees {
		if m, ok := existing.(map[string]any); ok && m["fee_type"] == feeType {
			// already present: idempotent no-op
			return nil
		}
	}
	parent[key] = append(fees, fee)
	h.logger.Debug("Fee added", "fee_type", feeType, "target", action.Target, "rule_ref", exec.RuleRef)
	return nil
}

func (h *updateHandler) removeFee(action *Action, exec *Execution) error {
	feeType := feeTypeOf(action.Value)
	if feeType == "" {
		return fmt.Errorf("%w: remove_fee value without fee_type", ErrActionHandlerFailure)
	}

	parent, key, err := resolveParent(exec.Context, action.Target)
	if err != nil {
		return fmt.Errorf("%w: remove_fee: %v", ErrActionHandlerFailure, err)
	}

	fees, _ := parent[key].([]any)
	kept := make([]any, 0, len(fees))
	for _, existing := range fees {
		if m, ok := existing.(map[string]any); ok && m["fee_type"] == feeType {
			continue
		}
		kept = append(kept, existing)
	}
	parent[key] = kept
	return nil
}

func feeTypeOf(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any:
		s, _ := v["fee_type"].(string)
		return s
	default:
		return ""
	}
}

// resolveParent walks the target path up to its final segment, returning the
// containing map and the leaf key.
func resolveParent(context map[string]any, target string) (map[string]any, string, error) {
	if target == "" {
		return nil, "", fmt.Errorf("empty target path")
	}
	parts := strings.Split(target, ".")
	cur := context
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("target path %q not resolvable at %q", target, part)
		}
		cur = next
	}
	return cur, parts[len(parts)-1], nil
}

// setPath overwrites a dotted path, creating intermediate maps as needed.
func setPath(context map[string]any, target string, value any) {
	parts := strings.Split(target, ".")
	cur := context
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func clearVATState(context map[string]any) {
	cart, ok := context["cart"].(map[string]any)
	if !ok {
		return
	}
	delete(cart, "vat_result")
	delete(cart, "vat_calculation_error")
}

// vatHandler invokes a named function from the fixed VAT registry and writes
// the breakdown to context.vat and the per-item fields. Function errors
// degrade to the ROW/zero fallback instead of failing the execution; the next
// successful run clears the error flags.
type vatHandler struct {
	logger *slog.Logger
}

func (h *vatHandler) Type() string { return "calculate_vat" }

func (h *vatHandler) Execute(_ context.Context, action *Action, exec *Execution) error {
	name, _ := action.Parameters["function"].(string)
	if name == "" {
		return fmt.Errorf("%w: calculate_vat action without parameters.function", ErrActionHandlerFailure)
	}
	exec.vatFunction = name

	cart, _ := exec.Context["cart"].(map[string]any)

	fn, ok := VATFunction(name)
	var result *VATResult
	var err error
	if !ok {
		err = fmt.Errorf("%w: %q", ErrVATFunctionUnknown, name)
	} else {
		result, err = fn(exec.Context)
	}

	if err != nil {
		h.logger.Error("VAT calculation failed, applying fallback",
			"function", name, "rule_ref", exec.RuleRef, "error", err)
		result = fallbackVAT(exec.Context)
		exec.vatFallback = true
		if cart != nil {
			cart["vat_calculation_error"] = true
		}
	} else if cart != nil {
		cart["vat_calculation_error"] = false
	}

	exec.Result.VAT = result
	exec.Context["vat"] = vatResultMap(result)
	if cart != nil {
		cart["vat_result"] = vatResultMap(result)
	}
	return nil
}

// vatResultMap renders the breakdown into the plain-map shape the context
// carries between entry points.
func vatResultMap(result *VATResult) map[string]any {
	raw, err := json.Marshal(result)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
