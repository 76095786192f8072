// Package engine evaluates data-driven rules at fixed entry points and
// applies their actions to the caller's execution context.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"github.com/eugenelo428937/Admin3-sub006/internal/database"
	"github.com/eugenelo428937/Admin3-sub006/internal/metrics"
	"github.com/eugenelo428937/Admin3-sub006/internal/rules"
	"github.com/eugenelo428937/Admin3-sub006/internal/schema"
	"github.com/eugenelo428937/Admin3-sub006/internal/template"
)

// TemplateSource resolves message templates by name.
type TemplateSource interface {
	Template(ctx context.Context, name string) (*database.MessageTemplate, error)
}

// RuleSource provides candidate rules, templates and fields schemas. The
// rules.Provider is the production implementation.
type RuleSource interface {
	TemplateSource
	ForEntryPoint(ctx context.Context, entryPoint string, now time.Time) ([]*rules.Candidate, error)
	Fields(ctx context.Context, fieldsID string) (*database.RuleFields, error)
}

// AuditSink persists execution and VAT audit rows. Writes are best-effort;
// the engine logs failures and returns the result regardless.
type AuditSink interface {
	Record(ctx context.Context, exec *database.RuleExecution) error
	RecordVAT(ctx context.Context, audit *database.VATAudit) error
}

// Engine is the rule execution orchestrator. It is stateless per call; all
// per-call state lives on the Execution.
type Engine struct {
	source     RuleSource
	validator  *schema.Validator
	dispatcher *Dispatcher
	audit      AuditSink
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine wires the orchestrator with its full handler set.
func NewEngine(
	source RuleSource,
	validator *schema.Validator,
	renderer *template.Renderer,
	audit AuditSink,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		source:     source,
		validator:  validator,
		dispatcher: NewDispatcher(source, renderer, logger),
		audit:      audit,
		metrics:    collector,
		logger:     logger,
		now:        time.Now,
	}
}

// Execute runs every matching rule for the entry point against the context,
// in (priority ASC, created_at ASC) order, and returns the aggregated result.
// The context map is mutated in place by update and calculate_vat actions.
//
// Per-rule failures (condition errors, schema rejections, unknown action
// types) are recorded on the rule's outcome and do not stop the execution.
// An action handler failure fails and blocks the whole execution.
func (e *Engine) Execute(ctx context.Context, entryPoint string, execContext map[string]any) (*Result, error) {
	if !ValidEntryPoint(entryPoint) {
		return nil, fmt.Errorf("%w: %q", ErrEntryPointUnknown, entryPoint)
	}
	if execContext == nil {
		execContext = map[string]any{}
	}

	start := e.now()
	inputSnapshot, _ := json.Marshal(execContext)

	candidates, err := e.source.ForEntryPoint(ctx, entryPoint, start)
	if err != nil {
		return nil, fmt.Errorf("loading rules for %s: %w", entryPoint, err)
	}

	exec := &Execution{
		ID:         uuid.New().String(),
		EntryPoint: entryPoint,
		Context:    execContext,
		Result:     newResult(),
	}

	var handlerErr error
	for _, candidate := range candidates {
		outcome := e.runRule(ctx, candidate, exec)
		exec.Result.RulesExecuted = append(exec.Result.RulesExecuted, outcome)

		if exec.handlerFailed {
			handlerErr = errors.New(outcome.Error)
			break
		}
		if candidate.Rule.StopProcessing && outcome.Matched {
			e.logger.Debug("Rule chain stopped",
				"rule_id", candidate.Rule.RuleID, "entry_point", entryPoint)
			break
		}
	}

	e.finalize(exec, start)
	e.writeAudit(ctx, exec, inputSnapshot)

	if exec.handlerFailed {
		return exec.Result, fmt.Errorf("%w: %v", ErrActionHandlerFailure, handlerErr)
	}
	return exec.Result, nil
}

// runRule validates, evaluates and dispatches a single candidate. Errors are
// folded into the returned outcome; only handler failures escalate via
// exec.handlerFailed.
func (e *Engine) runRule(ctx context.Context, candidate *rules.Candidate, exec *Execution) RuleOutcome {
	rule := candidate.Rule
	outcome := RuleOutcome{RuleID: rule.RuleID, RuleVersion: rule.Version}
	ruleStart := e.now()

	finish := func() RuleOutcome {
		outcome.DurationMS = float64(e.now().Sub(ruleStart).Microseconds()) / 1000.0
		return outcome
	}

	if rule.FieldsSchemaRef != nil && *rule.FieldsSchemaRef != "" {
		fields, err := e.source.Fields(ctx, *rule.FieldsSchemaRef)
		if err != nil {
			outcome.Error = fmt.Sprintf("fields schema %s: %v", *rule.FieldsSchemaRef, err)
			e.logger.Warn("Fields schema unavailable",
				"rule_id", rule.RuleID, "fields_id", *rule.FieldsSchemaRef, "error", err)
			return finish()
		}
		if err := e.validator.Validate(fields.FieldsID, fields.Version, []byte(fields.Schema), exec.Context); err != nil {
			outcome.Error = err.Error()
			e.logger.Warn("Context rejected by fields schema",
				"rule_id", rule.RuleID, "fields_id", fields.FieldsID, "error", err)
			return finish()
		}
	}

	if candidate.CompileErr != nil {
		outcome.Error = candidate.CompileErr.Error()
		return finish()
	}

	matched, err := candidate.Condition.Matches(exec.Context)
	if err != nil {
		outcome.Error = err.Error()
		e.metrics.RuleEvaluated(exec.EntryPoint, false)
		return finish()
	}
	outcome.Matched = matched
	e.metrics.RuleEvaluated(exec.EntryPoint, matched)
	if !matched {
		return finish()
	}

	actions, err := decodeActions(json.RawMessage(rule.Actions))
	if err != nil {
		outcome.Error = fmt.Sprintf("malformed actions: %v", err)
		return finish()
	}

	exec.RuleRef = rule.RuleID

	for i := range actions {
		if err := e.dispatcher.Dispatch(ctx, &actions[i], exec); err != nil {
			if errors.Is(err, ErrActionUnknown) {
				outcome.Error = appendError(outcome.Error, err.Error())
				e.metrics.UnknownAction(actions[i].Type)
				continue
			}
			outcome.Error = appendError(outcome.Error, err.Error())
			exec.handlerFailed = true
			e.logger.Error("Action handler failed",
				"rule_id", rule.RuleID, "action_type", actions[i].Type,
				"entry_point", exec.EntryPoint, "error", err)
			return finish()
		}
	}
	return finish()
}

// finalize settles the blocked flag, the failure message and the timing on
// the result.
func (e *Engine) finalize(exec *Execution, start time.Time) {
	result := exec.Result

	if exec.handlerFailed {
		result.Success = false
		result.Blocked = true
		result.Messages = append(result.Messages, &template.Message{
			TemplateName: "engine_error",
			MessageType:  "error",
			DisplayType:  "modal",
			Blocking:     true,
			Content:      "We could not process your request. Please try again.",
		})
	}

	if exec.blockingDisplay {
		result.Blocked = true
	}
	for _, ack := range result.RequiredAcks {
		if ack.Required && ack.Blocking {
			result.Blocked = true
			break
		}
	}

	result.ExecutionTimeMS = float64(e.now().Sub(start).Microseconds()) / 1000.0

	outcome := auditOutcome(exec)
	e.metrics.ObserveExecution(exec.EntryPoint, outcome, e.now().Sub(start))
	if result.Blocked {
		e.metrics.ExecutionBlocked(exec.EntryPoint)
	}
	if exec.vatFallback {
		e.metrics.VATFallback(exec.vatFunction)
	}
}

func auditOutcome(exec *Execution) string {
	switch {
	case exec.handlerFailed:
		return "error"
	case exec.Result.Blocked:
		return "blocked"
	default:
		return "success"
	}
}

// writeAudit persists the execution row and, when a VAT function ran, the
// VAT audit row. Failures are logged, never surfaced.
func (e *Engine) writeAudit(ctx context.Context, exec *Execution, inputSnapshot []byte) {
	rulesExecuted, _ := json.Marshal(exec.Result.RulesExecuted)
	output, _ := json.Marshal(exec.Result)

	row := &database.RuleExecution{
		ID:            exec.ID,
		EntryPoint:    exec.EntryPoint,
		InputContext:  types.JSONText(inputSnapshot),
		RulesExecuted: types.JSONText(rulesExecuted),
		Output:        types.JSONText(output),
		Outcome:       auditOutcome(exec),
		DurationMS:    exec.Result.ExecutionTimeMS,
	}
	if err := e.audit.Record(ctx, row); err != nil {
		e.logger.Error("Audit write failed", "execution_id", exec.ID, "error", err)
	}

	if exec.vatFunction == "" || exec.Result.VAT == nil {
		return
	}

	totals, _ := json.Marshal(exec.Result.VAT.Totals)
	items, _ := json.Marshal(exec.Result.VAT.Items)
	vatRow := &database.VATAudit{
		ID:           uuid.New().String(),
		ExecutionID:  exec.ID,
		CartID:       cartID(exec.Context),
		FunctionName: exec.vatFunction,
		Region:       exec.Result.VAT.Region,
		Totals:       types.JSONText(totals),
		Items:        types.JSONText(items),
		Fallback:     exec.vatFallback,
	}
	if err := e.audit.RecordVAT(ctx, vatRow); err != nil {
		e.logger.Error("VAT audit write failed", "execution_id", exec.ID, "error", err)
	}
}

func cartID(context map[string]any) string {
	cart, ok := context["cart"].(map[string]any)
	if !ok {
		return ""
	}
	switch id := cart["id"].(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return ""
	}
}

func appendError(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "; " + next
}
