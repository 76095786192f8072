package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenelo428937/Admin3-sub006/internal/database"
	"github.com/eugenelo428937/Admin3-sub006/internal/jsonlogic"
	"github.com/eugenelo428937/Admin3-sub006/internal/metrics"
	"github.com/eugenelo428937/Admin3-sub006/internal/rules"
	"github.com/eugenelo428937/Admin3-sub006/internal/schema"
	"github.com/eugenelo428937/Admin3-sub006/internal/template"
)

type fakeSource struct {
	candidates map[string][]*rules.Candidate
	templates  map[string]*database.MessageTemplate
	fields     map[string]*database.RuleFields
}

func (f *fakeSource) ForEntryPoint(_ context.Context, entryPoint string, _ time.Time) ([]*rules.Candidate, error) {
	return f.candidates[entryPoint], nil
}

func (f *fakeSource) Template(_ context.Context, name string) (*database.MessageTemplate, error) {
	tpl, ok := f.templates[name]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", name, database.ErrNotFound)
	}
	return tpl, nil
}

func (f *fakeSource) Fields(_ context.Context, fieldsID string) (*database.RuleFields, error) {
	fields, ok := f.fields[fieldsID]
	if !ok {
		return nil, fmt.Errorf("fields %q: %w", fieldsID, database.ErrNotFound)
	}
	return fields, nil
}

type fakeAudit struct {
	executions []*database.RuleExecution
	vatRows    []*database.VATAudit
}

func (f *fakeAudit) Record(_ context.Context, exec *database.RuleExecution) error {
	f.executions = append(f.executions, exec)
	return nil
}

func (f *fakeAudit) RecordVAT(_ context.Context, audit *database.VATAudit) error {
	f.vatRows = append(f.vatRows, audit)
	return nil
}

func mustCompile(t *testing.T, doc any) *jsonlogic.Expr {
	t.Helper()
	expr, err := jsonlogic.Compile(doc)
	require.NoError(t, err)
	return expr
}

func candidate(t *testing.T, ruleID string, priority int, condition any, actionsJSON string) *rules.Candidate {
	t.Helper()
	return &rules.Candidate{
		Rule: &database.Rule{
			RuleID:   ruleID,
			Name:     ruleID,
			Priority: priority,
			Active:   true,
			Version:  1,
			Actions:  types.JSONText(actionsJSON),
		},
		Condition: mustCompile(t, condition),
	}
}

func newTestEngine(t *testing.T, source *fakeSource) (*Engine, *fakeAudit) {
	t.Helper()
	logger := slog.Default()
	audit := &fakeAudit{}
	eng := NewEngine(
		source,
		schema.NewValidator(logger, time.Minute, time.Minute),
		template.NewRenderer(logger),
		audit,
		metrics.NewCollector(prometheus.NewRegistry()),
		logger,
	)
	return eng, audit
}

func TestExecuteUnknownEntryPoint(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{})

	_, err := eng.Execute(context.Background(), "not_an_entry_point", map[string]any{})
	assert.ErrorIs(t, err, ErrEntryPointUnknown)
}

func TestTutorialBookingFeeIsIdempotent(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCheckoutStart: {
				candidate(t, "checkout_tutorial_fee", 10,
					map[string]any{"==": []any{map[string]any{"var": "cart.has_tutorial"}, true}},
					`[{"type":"update","target":"cart.fees","operation":"add_fee",
					   "value":{"fee_type":"tutorial_booking_fee","amount":25.0,"name":"Tutorial booking fee"}}]`),
			},
		},
	}
	eng, _ := newTestEngine(t, source)

	execContext := map[string]any{
		"cart": map[string]any{"id": "c-1", "has_tutorial": true},
	}

	for i := 0; i < 2; i++ {
		result, err := eng.Execute(context.Background(), EntryCheckoutStart, execContext)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.False(t, result.Blocked)
		require.Len(t, result.CartMutations, 1)
	}

	cart := execContext["cart"].(map[string]any)
	fees := cart["fees"].([]any)
	require.Len(t, fees, 1, "re-running the entry point must not duplicate the fee")
	fee := fees[0].(map[string]any)
	assert.Equal(t, "tutorial_booking_fee", fee["fee_type"])
}

func TestInvoicePaymentRemovesBookingFee(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCheckoutPayment: {
				candidate(t, "invoice_waives_booking_fee", 10,
					map[string]any{"==": []any{map[string]any{"var": "payment.method"}, "invoice"}},
					`[{"type":"update","target":"cart.fees","operation":"remove_fee",
					   "value":{"fee_type":"tutorial_booking_fee"}}]`),
			},
		},
	}
	eng, _ := newTestEngine(t, source)

	execContext := map[string]any{
		"cart": map[string]any{
			"id": "c-2",
			"fees": []any{
				map[string]any{"fee_type": "tutorial_booking_fee", "amount": 25.0},
				map[string]any{"fee_type": "postage", "amount": 5.0},
			},
		},
		"payment": map[string]any{"method": "invoice"},
	}

	result, err := eng.Execute(context.Background(), EntryCheckoutPayment, execContext)
	require.NoError(t, err)
	assert.True(t, result.Success)

	fees := execContext["cart"].(map[string]any)["fees"].([]any)
	require.Len(t, fees, 1)
	assert.Equal(t, "postage", fees[0].(map[string]any)["fee_type"])

	// absent fee removal is a no-op, not an error
	result, err = eng.Execute(context.Background(), EntryCheckoutPayment, execContext)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func vatSource(t *testing.T) *fakeSource {
	return &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCartCalculateVAT: {
				candidate(t, "cart_standard_vat", 10,
					map[string]any{"always_true": []any{}},
					`[{"type":"calculate_vat","parameters":{"function":"calculate_standard_vat"}}]`),
			},
		},
	}
}

func TestUKVATCalculation(t *testing.T) {
	eng, audit := newTestEngine(t, vatSource(t))

	execContext := map[string]any{
		"user": map[string]any{"home_country": "GB"},
		"cart": map[string]any{
			"id": "c-3",
			"items": []any{
				map[string]any{"id": "m1", "actual_price": "100.00", "quantity": 1},
				map[string]any{"id": "m2", "actual_price": "30.00", "quantity": 1},
			},
		},
	}

	result, err := eng.Execute(context.Background(), EntryCartCalculateVAT, execContext)
	require.NoError(t, err)
	require.NotNil(t, result.VAT)

	assert.Equal(t, RegionUK, result.VAT.Region)
	assert.False(t, result.VAT.Fallback)
	assert.Equal(t, "130.00", result.VAT.Totals.Net)
	assert.Equal(t, "26.00", result.VAT.Totals.VAT)
	assert.Equal(t, "156.00", result.VAT.Totals.Gross)
	assert.Equal(t, "0.2", result.VAT.Totals.Rate)

	// per-item fields written back onto the context items
	items := execContext["cart"].(map[string]any)["items"].([]any)
	first := items[0].(map[string]any)
	assert.Equal(t, "100.00", first["net_amount"])
	assert.Equal(t, "20.00", first["vat_amount"])
	assert.Equal(t, "120.00", first["gross_amount"])
	assert.Equal(t, RegionUK, first["vat_region"])

	cart := execContext["cart"].(map[string]any)
	assert.Equal(t, false, cart["vat_calculation_error"])
	assert.NotNil(t, cart["vat_result"])

	require.Len(t, audit.vatRows, 1)
	assert.Equal(t, "calculate_standard_vat", audit.vatRows[0].FunctionName)
	assert.Equal(t, RegionUK, audit.vatRows[0].Region)
	assert.False(t, audit.vatRows[0].Fallback)
	assert.Equal(t, "c-3", audit.vatRows[0].CartID)
}

func TestSouthAfricaVATWithQuantities(t *testing.T) {
	eng, _ := newTestEngine(t, vatSource(t))

	execContext := map[string]any{
		"user": map[string]any{"home_country": "ZA"},
		"cart": map[string]any{
			"id": "c-4",
			"items": []any{
				map[string]any{"id": "printed", "actual_price": "500.00", "quantity": 1},
				map[string]any{"id": "digital", "actual_price": "300.00", "quantity": 2},
			},
		},
	}

	result, err := eng.Execute(context.Background(), EntryCartCalculateVAT, execContext)
	require.NoError(t, err)
	require.NotNil(t, result.VAT)

	assert.Equal(t, RegionSA, result.VAT.Region)
	assert.Equal(t, "1100.00", result.VAT.Totals.Net)
	assert.Equal(t, "165.00", result.VAT.Totals.VAT)
	assert.Equal(t, "1265.00", result.VAT.Totals.Gross)
	assert.Equal(t, "0.15", result.VAT.Totals.Rate)
	require.Len(t, result.VAT.Items, 2)
	assert.Equal(t, "600.00", result.VAT.Items[1].Net)
	assert.Equal(t, "90.00", result.VAT.Items[1].VATAmount)
}

func TestVATRecomputationIsStable(t *testing.T) {
	eng, _ := newTestEngine(t, vatSource(t))

	execContext := map[string]any{
		"user": map[string]any{"home_country": "ZA"},
		"cart": map[string]any{
			"id": "c-9",
			"items": []any{
				map[string]any{"id": "digital", "actual_price": "300.00", "quantity": 2},
			},
		},
	}

	// The first run writes per-item net_amount back onto the context items;
	// a second run on the unchanged cart must price from actual_price again,
	// not compound the written-back line totals with quantity.
	for i := 0; i < 2; i++ {
		result, err := eng.Execute(context.Background(), EntryCartCalculateVAT, execContext)
		require.NoError(t, err)
		require.NotNil(t, result.VAT)
		assert.Equal(t, "600.00", result.VAT.Totals.Net, "run %d", i+1)
		assert.Equal(t, "90.00", result.VAT.Totals.VAT, "run %d", i+1)
		assert.Equal(t, "690.00", result.VAT.Totals.Gross, "run %d", i+1)
	}

	items := execContext["cart"].(map[string]any)["items"].([]any)
	assert.Equal(t, "600.00", items[0].(map[string]any)["net_amount"])
}

func TestVATPricesLineTotalWithoutUnitPrice(t *testing.T) {
	eng, _ := newTestEngine(t, vatSource(t))

	// net_amount is a line total: no quantity multiplication.
	execContext := map[string]any{
		"user": map[string]any{"home_country": "GB"},
		"cart": map[string]any{
			"id": "c-10",
			"items": []any{
				map[string]any{"id": "bundle", "net_amount": "50.00", "quantity": 2},
			},
		},
	}

	result, err := eng.Execute(context.Background(), EntryCartCalculateVAT, execContext)
	require.NoError(t, err)
	require.NotNil(t, result.VAT)
	assert.Equal(t, "50.00", result.VAT.Totals.Net)
	assert.Equal(t, "10.00", result.VAT.Totals.VAT)
}

func TestVATFallbackThenRecovery(t *testing.T) {
	eng, _ := newTestEngine(t, vatSource(t))

	execContext := map[string]any{
		"user": map[string]any{"home_country": "GB"},
		"cart": map[string]any{"id": "c-5", "items": "not-a-list"},
	}

	result, err := eng.Execute(context.Background(), EntryCartCalculateVAT, execContext)
	require.NoError(t, err, "fallback degrades the result, it does not fail the execution")
	require.NotNil(t, result.VAT)
	assert.True(t, result.VAT.Fallback)
	assert.Equal(t, RegionROW, result.VAT.Region)
	assert.Equal(t, "0.00", result.VAT.Totals.VAT)

	cart := execContext["cart"].(map[string]any)
	assert.Equal(t, true, cart["vat_calculation_error"])

	// fix the cart and re-run: error flag clears, real result replaces fallback
	cart["items"] = []any{
		map[string]any{"id": "m1", "actual_price": "50.00"},
	}
	result, err = eng.Execute(context.Background(), EntryCartCalculateVAT, execContext)
	require.NoError(t, err)
	assert.False(t, result.VAT.Fallback)
	assert.Equal(t, RegionUK, result.VAT.Region)
	assert.Equal(t, "10.00", result.VAT.Totals.VAT)
	assert.Equal(t, false, cart["vat_calculation_error"])
}

func TestAcknowledgmentSplit(t *testing.T) {
	actions := `[
		{"type":"user_acknowledge","ack_key":"terms_conditions_v1","template_ref":"terms_conditions",
		 "display_type":"modal","required":true,"blocking":true},
		{"type":"user_acknowledge","ack_key":"digital_consent_v1","template_ref":"digital_consent",
		 "display_type":"modal","required":true,"blocking":true}
	]`
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCheckoutTerms: {
				candidate(t, "checkout_terms_acks", 10, map[string]any{"always_true": []any{}}, actions),
			},
		},
	}
	eng, audit := newTestEngine(t, source)

	execContext := map[string]any{
		"user": map[string]any{
			"acknowledgments": map[string]any{
				"terms_conditions_v1": map[string]any{"acknowledged": true},
			},
		},
	}

	result, err := eng.Execute(context.Background(), EntryCheckoutTerms, execContext)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.Blocked, "an unsatisfied required blocking ack blocks the step")
	assert.Equal(t, []string{"terms_conditions_v1"}, result.SatisfiedAcks)
	require.Len(t, result.RequiredAcks, 1)
	assert.Equal(t, "digital_consent_v1", result.RequiredAcks[0].AckKey)
	assert.Equal(t, "checkout_terms_acks", result.RequiredAcks[0].RuleRef)

	require.Len(t, audit.executions, 1)
	assert.Equal(t, "blocked", audit.executions[0].Outcome)

	// satisfying the second ack unblocks
	acks := execContext["user"].(map[string]any)["acknowledgments"].(map[string]any)
	acks["digital_consent_v1"] = map[string]any{"acknowledged": true}

	result, err = eng.Execute(context.Background(), EntryCheckoutTerms, execContext)
	require.NoError(t, err)
	assert.False(t, result.Blocked)
	assert.ElementsMatch(t, []string{"terms_conditions_v1", "digital_consent_v1"}, result.SatisfiedAcks)
	assert.Empty(t, result.RequiredAcks)
}

func TestNonRequiredAckDoesNotBlock(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCheckoutTerms: {
				candidate(t, "optional_notice", 10, map[string]any{"always_true": []any{}},
					`[{"type":"user_acknowledge","ack_key":"marketing_notice_v1",
					   "template_ref":"marketing_notice","required":false,"blocking":false}]`),
			},
		},
	}
	eng, _ := newTestEngine(t, source)

	result, err := eng.Execute(context.Background(), EntryCheckoutTerms, map[string]any{})
	require.NoError(t, err)
	assert.False(t, result.Blocked)
	require.Len(t, result.RequiredAcks, 1)
	assert.False(t, result.RequiredAcks[0].Required)
}

func TestDisplayRendersTemplate(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryHomePageMount: {
				candidate(t, "holiday_notice", 10, map[string]any{"always_true": []any{}},
					`[{"type":"display","template_ref":"holiday_hours","display_type":"banner",
					   "message_type":"info","dismissible":true}]`),
			},
		},
		templates: map[string]*database.MessageTemplate{
			"holiday_hours": {
				Name:          "holiday_hours",
				Title:         "Holiday opening hours",
				ContentFormat: "text",
				Content:       "Support is closed from {{ closure_start }}.",
				MessageType:   "notice",
				Variables:     pq.StringArray{"closure.start"},
			},
		},
	}
	eng, _ := newTestEngine(t, source)

	execContext := map[string]any{
		"closure": map[string]any{"start": "24 December"},
	}

	result, err := eng.Execute(context.Background(), EntryHomePageMount, execContext)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	msg := result.Messages[0]
	assert.Equal(t, "Support is closed from 24 December.", msg.Content)
	assert.Equal(t, "banner", msg.DisplayType)
	assert.Equal(t, "info", msg.MessageType)
	assert.True(t, msg.Dismissible)
	assert.False(t, result.Blocked)
}

func TestBlockingDisplayBlocksExecution(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCheckoutStart: {
				candidate(t, "maintenance_hold", 5, map[string]any{"always_true": []any{}},
					`[{"type":"display","template_ref":"maintenance","display_type":"modal","blocking":true}]`),
			},
		},
		templates: map[string]*database.MessageTemplate{
			"maintenance": {
				Name:          "maintenance",
				Title:         "Checkout unavailable",
				ContentFormat: "text",
				Content:       "Checkout is temporarily unavailable.",
				MessageType:   "warning",
			},
		},
	}
	eng, _ := newTestEngine(t, source)

	result, err := eng.Execute(context.Background(), EntryCheckoutStart, map[string]any{})
	require.NoError(t, err)
	assert.True(t, result.Blocked)
	assert.True(t, result.Success)
	require.Len(t, result.Messages, 1)
	assert.True(t, result.Messages[0].Blocking)
}

func TestPreferencePromptNeverBlocks(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCheckoutPreference: {
				candidate(t, "marketing_pref", 10, map[string]any{"always_true": []any{}},
					`[{"type":"user_preference","preference_key":"marketing_emails",
					   "template_ref":"marketing_pref","input_type":"radio",
					   "options":["yes","no"],"default":"no","blocking":true}]`),
			},
		},
	}
	eng, _ := newTestEngine(t, source)

	result, err := eng.Execute(context.Background(), EntryCheckoutPreference, map[string]any{})
	require.NoError(t, err)
	assert.False(t, result.Blocked, "preference prompts pass blocking through but never block the engine")
	require.Len(t, result.Preferences, 1)
	assert.Equal(t, "marketing_emails", result.Preferences[0].PreferenceKey)
	assert.Equal(t, "radio", result.Preferences[0].InputType)
	assert.Equal(t, "no", result.Preferences[0].Default)
	assert.True(t, result.Preferences[0].Blocking)
}

func TestUnknownActionIsRecordedNotFatal(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryHomePageMount: {
				candidate(t, "future_rule", 10, map[string]any{"always_true": []any{}},
					`[{"type":"launch_rocket"}]`),
			},
		},
	}
	eng, _ := newTestEngine(t, source)

	result, err := eng.Execute(context.Background(), EntryHomePageMount, map[string]any{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Blocked)
	require.Len(t, result.RulesExecuted, 1)
	assert.Contains(t, result.RulesExecuted[0].Error, "unknown action type")
}

func TestHandlerFailureFailsAndBlocks(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryHomePageMount: {
				candidate(t, "broken_display", 10, map[string]any{"always_true": []any{}},
					`[{"type":"display","template_ref":"missing_template"}]`),
			},
		},
	}
	eng, audit := newTestEngine(t, source)

	result, err := eng.Execute(context.Background(), EntryHomePageMount, map[string]any{})
	require.ErrorIs(t, err, ErrActionHandlerFailure)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.True(t, result.Blocked)
	require.NotEmpty(t, result.Messages)
	assert.Equal(t, "error", result.Messages[len(result.Messages)-1].MessageType)

	require.Len(t, audit.executions, 1)
	assert.Equal(t, "error", audit.executions[0].Outcome)
}

func TestStopProcessingHaltsChain(t *testing.T) {
	first := candidate(t, "stop_here", 10, map[string]any{"always_true": []any{}},
		`[{"type":"update","target":"cart.fees","operation":"add_fee",
		   "value":{"fee_type":"first_fee","amount":1.0}}]`)
	first.Rule.StopProcessing = true
	second := candidate(t, "never_reached", 20, map[string]any{"always_true": []any{}},
		`[{"type":"update","target":"cart.fees","operation":"add_fee",
		   "value":{"fee_type":"second_fee","amount":2.0}}]`)

	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCheckoutStart: {first, second},
		},
	}
	eng, _ := newTestEngine(t, source)

	execContext := map[string]any{"cart": map[string]any{}}
	result, err := eng.Execute(context.Background(), EntryCheckoutStart, execContext)
	require.NoError(t, err)

	require.Len(t, result.RulesExecuted, 1)
	assert.Equal(t, "stop_here", result.RulesExecuted[0].RuleID)
	fees := execContext["cart"].(map[string]any)["fees"].([]any)
	require.Len(t, fees, 1)
}

func TestUnmatchedRuleRunsNoActions(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryAddToCart: {
				candidate(t, "tutorial_only", 10,
					map[string]any{"==": []any{map[string]any{"var": "product.type"}, "tutorial"}},
					`[{"type":"update","target":"cart.fees","operation":"add_fee",
					   "value":{"fee_type":"tutorial_booking_fee","amount":25.0}}]`),
			},
		},
	}
	eng, _ := newTestEngine(t, source)

	execContext := map[string]any{
		"product": map[string]any{"type": "material"},
		"cart":    map[string]any{},
	}
	result, err := eng.Execute(context.Background(), EntryAddToCart, execContext)
	require.NoError(t, err)
	require.Len(t, result.RulesExecuted, 1)
	assert.False(t, result.RulesExecuted[0].Matched)
	assert.Empty(t, result.CartMutations)
	_, hasFees := execContext["cart"].(map[string]any)["fees"]
	assert.False(t, hasFees)
}

func TestSchemaRejectionSkipsRule(t *testing.T) {
	fieldsRef := "checkout_context_v1"
	rule := candidate(t, "guarded_rule", 10, map[string]any{"always_true": []any{}},
		`[{"type":"update","target":"cart.fees","operation":"add_fee",
		   "value":{"fee_type":"guarded_fee","amount":1.0}}]`)
	rule.Rule.FieldsSchemaRef = &fieldsRef

	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCheckoutStart: {rule},
		},
		fields: map[string]*database.RuleFields{
			fieldsRef: {
				FieldsID: fieldsRef,
				Version:  1,
				Active:   true,
				Schema: types.JSONText(`{
					"type":"object",
					"required":["cart"],
					"properties":{"cart":{"type":"object","required":["id"]}}
				}`),
			},
		},
	}
	eng, _ := newTestEngine(t, source)

	// context missing the required cart.id: rule skipped, execution succeeds
	execContext := map[string]any{"cart": map[string]any{}}
	result, err := eng.Execute(context.Background(), EntryCheckoutStart, execContext)
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.RulesExecuted, 1)
	assert.NotEmpty(t, result.RulesExecuted[0].Error)
	assert.Empty(t, result.CartMutations)

	// valid context: rule runs
	execContext = map[string]any{"cart": map[string]any{"id": "c-9"}}
	result, err = eng.Execute(context.Background(), EntryCheckoutStart, execContext)
	require.NoError(t, err)
	require.Len(t, result.CartMutations, 1)
}

func TestCartMutationInvalidatesVATState(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCheckoutStart: {
				candidate(t, "fee_rule", 10, map[string]any{"always_true": []any{}},
					`[{"type":"update","target":"cart.fees","operation":"add_fee",
					   "value":{"fee_type":"booking","amount":5.0}}]`),
			},
		},
	}
	eng, _ := newTestEngine(t, source)

	execContext := map[string]any{
		"cart": map[string]any{
			"vat_result":            map[string]any{"stale": true},
			"vat_calculation_error": false,
		},
	}

	_, err := eng.Execute(context.Background(), EntryCheckoutStart, execContext)
	require.NoError(t, err)

	cart := execContext["cart"].(map[string]any)
	_, hasResult := cart["vat_result"]
	_, hasError := cart["vat_calculation_error"]
	assert.False(t, hasResult, "cart mutations clear the cached VAT result")
	assert.False(t, hasError)
}

func TestAuditRowCapturesInputSnapshot(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCheckoutStart: {
				candidate(t, "fee_rule", 10, map[string]any{"always_true": []any{}},
					`[{"type":"update","target":"cart.fees","operation":"add_fee",
					   "value":{"fee_type":"booking","amount":5.0}}]`),
			},
		},
	}
	eng, audit := newTestEngine(t, source)

	execContext := map[string]any{"cart": map[string]any{"id": "c-7"}}
	_, err := eng.Execute(context.Background(), EntryCheckoutStart, execContext)
	require.NoError(t, err)

	require.Len(t, audit.executions, 1)
	row := audit.executions[0]
	assert.Equal(t, EntryCheckoutStart, row.EntryPoint)
	assert.Equal(t, "success", row.Outcome)
	assert.NotContains(t, string(row.InputContext), "fees",
		"input snapshot is taken before handlers mutate the context")
	assert.Contains(t, string(row.Output), "cart_mutations")
}

func TestAuditRecordsRuleVersion(t *testing.T) {
	versioned := candidate(t, "terms_rule", 10, map[string]any{"always_true": []any{}}, `[]`)
	versioned.Rule.Version = 3
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryCheckoutTerms: {versioned},
		},
	}
	eng, audit := newTestEngine(t, source)

	result, err := eng.Execute(context.Background(), EntryCheckoutTerms, map[string]any{})
	require.NoError(t, err)

	require.Len(t, result.RulesExecuted, 1)
	assert.Equal(t, "terms_rule", result.RulesExecuted[0].RuleID)
	assert.Equal(t, 3, result.RulesExecuted[0].RuleVersion)

	require.Len(t, audit.executions, 1)
	var audited []RuleOutcome
	require.NoError(t, json.Unmarshal(audit.executions[0].RulesExecuted, &audited))
	require.Len(t, audited, 1)
	assert.Equal(t, 3, audited[0].RuleVersion)
}

func TestMatchingRulesRunInPriorityOrder(t *testing.T) {
	source := &fakeSource{
		candidates: map[string][]*rules.Candidate{
			EntryHomePageMount: {
				candidate(t, "urgent_notice", 10, map[string]any{"always_true": []any{}},
					`[{"type":"display","template_ref":"urgent","display_type":"banner"}]`),
				candidate(t, "general_notice", 20, map[string]any{"always_true": []any{}},
					`[{"type":"display","template_ref":"general","display_type":"banner"}]`),
			},
		},
		templates: map[string]*database.MessageTemplate{
			"urgent": {
				Name: "urgent", ContentFormat: "text",
				Content: "Urgent notice.", MessageType: "warning",
			},
			"general": {
				Name: "general", ContentFormat: "text",
				Content: "General notice.", MessageType: "info",
			},
		},
	}
	eng, _ := newTestEngine(t, source)

	result, err := eng.Execute(context.Background(), EntryHomePageMount, map[string]any{})
	require.NoError(t, err)

	require.Len(t, result.RulesExecuted, 2)
	assert.Equal(t, "urgent_notice", result.RulesExecuted[0].RuleID)
	assert.Equal(t, "general_notice", result.RulesExecuted[1].RuleID)

	require.Len(t, result.Messages, 2)
	assert.Equal(t, "urgent", result.Messages[0].TemplateName)
	assert.Equal(t, "general", result.Messages[1].TemplateName)
}
