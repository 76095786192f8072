// Package handlers exposes the HTTP surface of the rules engine: the execute
// endpoint, admin CRUD for rules, templates and fields schemas, session
// state, order persistence and the audit listing.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/tidwall/gjson"

	"github.com/eugenelo428937/Admin3-sub006/internal/config"
	"github.com/eugenelo428937/Admin3-sub006/internal/database"
	"github.com/eugenelo428937/Admin3-sub006/internal/engine"
	"github.com/eugenelo428937/Admin3-sub006/internal/jsonlogic"
	"github.com/eugenelo428937/Admin3-sub006/internal/metrics"
	"github.com/eugenelo428937/Admin3-sub006/internal/rules"
	"github.com/eugenelo428937/Admin3-sub006/internal/session"
)

// HTTPHandler handles HTTP requests for the rules engine.
type HTTPHandler struct {
	config       *config.Config
	logger       *slog.Logger
	engine       *engine.Engine
	provider     *rules.Provider
	sessions     *session.Store
	ruleRepo     *database.RuleRepository
	templateRepo *database.TemplateRepository
	fieldsRepo   *database.FieldsRepository
	execRepo     *database.ExecutionRepository
	ackRepo      *database.AcknowledgmentRepository
	prefRepo     *database.PreferenceRepository
	metrics      *metrics.Collector
	validate     *validator.Validate
	startedAt    time.Time
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	cfg *config.Config,
	logger *slog.Logger,
	eng *engine.Engine,
	provider *rules.Provider,
	sessions *session.Store,
	ruleRepo *database.RuleRepository,
	templateRepo *database.TemplateRepository,
	fieldsRepo *database.FieldsRepository,
	execRepo *database.ExecutionRepository,
	ackRepo *database.AcknowledgmentRepository,
	prefRepo *database.PreferenceRepository,
	collector *metrics.Collector,
) *HTTPHandler {
	return &HTTPHandler{
		config:       cfg,
		logger:       logger,
		engine:       eng,
		provider:     provider,
		sessions:     sessions,
		ruleRepo:     ruleRepo,
		templateRepo: templateRepo,
		fieldsRepo:   fieldsRepo,
		execRepo:     execRepo,
		ackRepo:      ackRepo,
		prefRepo:     prefRepo,
		metrics:      collector,
		validate:     validator.New(),
		startedAt:    time.Now(),
	}
}

// RegisterRoutes registers HTTP routes.
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/status", h.handleStatus).Methods("GET")

	engineRouter := router.PathPrefix("/engine").Subrouter()
	engineRouter.HandleFunc("/execute", h.handleExecute).Methods("POST")
	engineRouter.HandleFunc("/entry-points", h.handleEntryPoints).Methods("GET")

	ruleRouter := router.PathPrefix("/rules").Subrouter()
	ruleRouter.HandleFunc("", h.handleCreateRule).Methods("POST")
	ruleRouter.HandleFunc("", h.handleListRules).Methods("GET")
	ruleRouter.HandleFunc("/{rule_id}", h.handleGetRule).Methods("GET")
	ruleRouter.HandleFunc("/{rule_id}", h.handleUpdateRule).Methods("PUT")
	ruleRouter.HandleFunc("/{rule_id}", h.handleDeleteRule).Methods("DELETE")
	ruleRouter.HandleFunc("/{rule_id}/activate", h.handleActivateRule).Methods("POST")
	ruleRouter.HandleFunc("/{rule_id}/deactivate", h.handleDeactivateRule).Methods("POST")

	templateRouter := router.PathPrefix("/templates").Subrouter()
	templateRouter.HandleFunc("", h.handleCreateTemplate).Methods("POST")
	templateRouter.HandleFunc("", h.handleListTemplates).Methods("GET")
	templateRouter.HandleFunc("/{name}", h.handleGetTemplate).Methods("GET")
	templateRouter.HandleFunc("/{name}", h.handleUpdateTemplate).Methods("PUT")

	fieldsRouter := router.PathPrefix("/fields").Subrouter()
	fieldsRouter.HandleFunc("", h.handleCreateFields).Methods("POST")
	fieldsRouter.HandleFunc("/{fields_id}", h.handleGetFields).Methods("GET")
	fieldsRouter.HandleFunc("/{fields_id}", h.handleUpdateFields).Methods("PUT")

	router.HandleFunc("/executions", h.handleListExecutions).Methods("GET")

	sessionRouter := router.PathPrefix("/sessions/{session_id}").Subrouter()
	sessionRouter.HandleFunc("/acknowledgments", h.handleSessionAcknowledge).Methods("POST")
	sessionRouter.HandleFunc("/preferences", h.handleSessionPreference).Methods("POST")

	orderRouter := router.PathPrefix("/orders/{order_id}").Subrouter()
	orderRouter.HandleFunc("/acknowledgments", h.handleOrderAcknowledgments).Methods("POST")
	orderRouter.HandleFunc("/acknowledgments", h.handleListOrderAcknowledgments).Methods("GET")
	orderRouter.HandleFunc("/preferences", h.handleOrderPreferences).Methods("POST")
	orderRouter.HandleFunc("/preferences", h.handleListOrderPreferences).Methods("GET")
}

// Middleware instruments every handled request.
func (h *HTTPHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		h.metrics.ObserveHTTP(r.Method, route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Health and status handlers

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "rules-engine",
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":      "rules-engine",
		"status":       "running",
		"environment":  h.config.Environment,
		"uptime":       time.Since(h.startedAt).String(),
		"entry_points": engine.EntryPoints,
		"timestamp":    time.Now().UTC(),
	})
}

// Engine handlers

type executeRequest struct {
	EntryPoint string         `json:"entry_point" validate:"required"`
	Context    map[string]any `json:"context"`
	SessionID  string         `json:"session_id,omitempty"`
}

func (h *HTTPHandler) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	// Cheap pre-parse reject before decoding the full context payload.
	entryPoint := gjson.GetBytes(body, "entry_point").String()
	if !engine.ValidEntryPoint(entryPoint) {
		h.writeError(w, http.StatusBadRequest, "Unknown entry point: "+entryPoint)
		return
	}

	var req executeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}

	if req.SessionID != "" && h.sessions != nil {
		if err := h.mergeSessionState(r, &req); err != nil {
			h.logger.Warn("Session state unavailable",
				"session_id", req.SessionID, "error", err)
		}
	}

	result, err := h.engine.Execute(r.Context(), req.EntryPoint, req.Context)
	if err != nil && result == nil {
		h.logger.Error("Engine execution failed",
			"entry_point", req.EntryPoint, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Execution failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"result":  result,
		"context": req.Context,
	})
}

// mergeSessionState folds the session's acknowledgment and preference state
// under context.user before execution.
func (h *HTTPHandler) mergeSessionState(r *http.Request, req *executeRequest) error {
	acks, prefs, err := h.sessions.ContextState(r.Context(), req.SessionID)
	if err != nil {
		return err
	}

	user, ok := req.Context["user"].(map[string]any)
	if !ok {
		user = map[string]any{}
		req.Context["user"] = user
	}
	if _, exists := user["acknowledgments"]; !exists {
		user["acknowledgments"] = acks
	}
	if _, exists := user["preferences"]; !exists {
		user["preferences"] = prefs
	}
	return nil
}

func (h *HTTPHandler) handleEntryPoints(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"entry_points": engine.EntryPoints})
}

// Rule handlers

type ruleRequest struct {
	RuleID          string          `json:"rule_id" validate:"required"`
	Name            string          `json:"name" validate:"required"`
	Description     string          `json:"description"`
	EntryPoint      string          `json:"entry_point" validate:"required"`
	Priority        int             `json:"priority"`
	Active          bool            `json:"active"`
	ActiveFrom      *time.Time      `json:"active_from,omitempty"`
	ActiveUntil     *time.Time      `json:"active_until,omitempty"`
	FieldsSchemaRef *string         `json:"fields_schema_ref,omitempty"`
	Condition       json.RawMessage `json:"condition" validate:"required"`
	Actions         json.RawMessage `json:"actions" validate:"required"`
	StopProcessing  bool            `json:"stop_processing"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// checkRulePayload rejects rules that would never execute: unknown entry
// points, uncompilable conditions, undecodable action lists.
func (h *HTTPHandler) checkRulePayload(req *ruleRequest) string {
	if err := h.validate.Struct(req); err != nil {
		return "Missing required fields: " + err.Error()
	}
	if !engine.ValidEntryPoint(req.EntryPoint) {
		return "Unknown entry point: " + req.EntryPoint
	}

	var condition any
	if err := json.Unmarshal(req.Condition, &condition); err != nil {
		return "Condition is not valid JSON"
	}
	if _, err := jsonlogic.Compile(condition); err != nil {
		return "Condition rejected: " + err.Error()
	}

	var actions []engine.Action
	if err := json.Unmarshal(req.Actions, &actions); err != nil {
		return "Actions are not a valid action list"
	}
	for _, action := range actions {
		if action.Type == "" {
			return "Every action needs a type"
		}
	}
	return ""
}

func (r *ruleRequest) toRow() *database.Rule {
	return &database.Rule{
		ID:              uuid.NewString(),
		RuleID:          r.RuleID,
		Name:            r.Name,
		Description:     r.Description,
		EntryPoint:      r.EntryPoint,
		Priority:        r.Priority,
		Active:          r.Active,
		ActiveFrom:      r.ActiveFrom,
		ActiveUntil:     r.ActiveUntil,
		FieldsSchemaRef: r.FieldsSchemaRef,
		Condition:       types.JSONText(r.Condition),
		Actions:         types.JSONText(r.Actions),
		StopProcessing:  r.StopProcessing,
		Metadata:        types.JSONText(r.Metadata),
	}
}

func (h *HTTPHandler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := h.checkRulePayload(&req); msg != "" {
		h.writeError(w, http.StatusBadRequest, msg)
		return
	}

	row := req.toRow()
	if err := h.ruleRepo.Create(r.Context(), row); err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to create rule")
		return
	}

	h.invalidateCache()
	h.writeJSON(w, http.StatusCreated, row)
}

func (h *HTTPHandler) handleListRules(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)
	ruleRows, total, err := h.ruleRepo.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"rules": ruleRows,
		"total": total,
	})
}

func (h *HTTPHandler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.ruleRepo.GetByRuleID(r.Context(), mux.Vars(r)["rule_id"])
	if err != nil {
		h.writeRepoError(w, err, "rule")
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["rule_id"]

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.RuleID = ruleID
	if msg := h.checkRulePayload(&req); msg != "" {
		h.writeError(w, http.StatusBadRequest, msg)
		return
	}

	existing, err := h.ruleRepo.GetByRuleID(r.Context(), ruleID)
	if err != nil {
		h.writeRepoError(w, err, "rule")
		return
	}

	row := req.toRow()
	row.ID = existing.ID
	row.Version = existing.Version
	if err := h.ruleRepo.Update(r.Context(), row); err != nil {
		h.writeRepoError(w, err, "rule")
		return
	}

	h.invalidateCache()
	h.writeJSON(w, http.StatusOK, row)
}

func (h *HTTPHandler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.ruleRepo.Delete(r.Context(), mux.Vars(r)["rule_id"]); err != nil {
		h.writeRepoError(w, err, "rule")
		return
	}
	h.invalidateCache()
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, true)
}

func (h *HTTPHandler) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, false)
}

func (h *HTTPHandler) setRuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	ruleID := mux.Vars(r)["rule_id"]
	if err := h.ruleRepo.SetActive(r.Context(), ruleID, active); err != nil {
		h.writeRepoError(w, err, "rule")
		return
	}
	h.invalidateCache()
	h.writeJSON(w, http.StatusOK, map[string]any{"rule_id": ruleID, "active": active})
}

// Template handlers

type templateRequest struct {
	Name          string          `json:"name" validate:"required"`
	Title         string          `json:"title"`
	ContentFormat string          `json:"content_format" validate:"required,oneof=text json"`
	Content       string          `json:"content"`
	JSONContent   json.RawMessage `json:"json_content,omitempty"`
	MessageType   string          `json:"message_type"`
	Variables     []string        `json:"variables"`
	Dismissible   bool            `json:"dismissible"`
}

func (r *templateRequest) toRow() *database.MessageTemplate {
	return &database.MessageTemplate{
		ID:            uuid.NewString(),
		Name:          r.Name,
		Title:         r.Title,
		ContentFormat: r.ContentFormat,
		Content:       r.Content,
		JSONContent:   types.JSONText(r.JSONContent),
		MessageType:   r.MessageType,
		Variables:     pq.StringArray(r.Variables),
		Dismissible:   r.Dismissible,
	}
}

func (h *HTTPHandler) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Missing required fields: "+err.Error())
		return
	}

	row := req.toRow()
	if err := h.templateRepo.Create(r.Context(), row); err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to create template")
		return
	}

	h.invalidateCache()
	h.writeJSON(w, http.StatusCreated, row)
}

func (h *HTTPHandler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.templateRepo.List(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (h *HTTPHandler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.templateRepo.GetByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeRepoError(w, err, "template")
		return
	}
	h.writeJSON(w, http.StatusOK, tpl)
}

func (h *HTTPHandler) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = name
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Missing required fields: "+err.Error())
		return
	}

	existing, err := h.templateRepo.GetByName(r.Context(), name)
	if err != nil {
		h.writeRepoError(w, err, "template")
		return
	}

	row := req.toRow()
	row.ID = existing.ID
	if err := h.templateRepo.Update(r.Context(), row); err != nil {
		h.writeRepoError(w, err, "template")
		return
	}

	h.invalidateCache()
	h.writeJSON(w, http.StatusOK, row)
}

// Fields schema handlers

type fieldsRequest struct {
	FieldsID string          `json:"fields_id" validate:"required"`
	Schema   json.RawMessage `json:"schema" validate:"required"`
	Active   bool            `json:"active"`
}

func (h *HTTPHandler) handleCreateFields(w http.ResponseWriter, r *http.Request) {
	var req fieldsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Missing required fields: "+err.Error())
		return
	}

	row := &database.RuleFields{
		ID:       uuid.NewString(),
		FieldsID: req.FieldsID,
		Schema:   types.JSONText(req.Schema),
		Active:   req.Active,
	}
	if err := h.fieldsRepo.Create(r.Context(), row); err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to create fields schema")
		return
	}

	h.invalidateCache()
	h.writeJSON(w, http.StatusCreated, row)
}

func (h *HTTPHandler) handleGetFields(w http.ResponseWriter, r *http.Request) {
	fields, err := h.fieldsRepo.GetByFieldsID(r.Context(), mux.Vars(r)["fields_id"])
	if err != nil {
		h.writeRepoError(w, err, "fields schema")
		return
	}
	h.writeJSON(w, http.StatusOK, fields)
}

func (h *HTTPHandler) handleUpdateFields(w http.ResponseWriter, r *http.Request) {
	fieldsID := mux.Vars(r)["fields_id"]

	var req fieldsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.FieldsID = fieldsID
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Missing required fields: "+err.Error())
		return
	}

	existing, err := h.fieldsRepo.GetByFieldsID(r.Context(), fieldsID)
	if err != nil {
		h.writeRepoError(w, err, "fields schema")
		return
	}

	row := &database.RuleFields{
		ID:       existing.ID,
		FieldsID: fieldsID,
		Schema:   types.JSONText(req.Schema),
		Version:  existing.Version,
		Active:   req.Active,
	}
	if err := h.fieldsRepo.Update(r.Context(), row); err != nil {
		h.writeRepoError(w, err, "fields schema")
		return
	}

	h.invalidateCache()
	h.writeJSON(w, http.StatusOK, row)
}

// Audit handlers

func (h *HTTPHandler) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	executions, total, err := h.execRepo.List(r.Context(), parseFilter(r))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to list executions")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"executions": executions,
		"total":      total,
	})
}

// Session handlers

type sessionAckRequest struct {
	AckKey       string `json:"ack_key" validate:"required"`
	TemplateRef  string `json:"template_ref"`
	EntryPoint   string `json:"entry_point"`
	Acknowledged bool   `json:"acknowledged"`
}

func (h *HTTPHandler) handleSessionAcknowledge(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	var req sessionAckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Missing required fields: "+err.Error())
		return
	}

	err := h.sessions.SetAcknowledgment(r.Context(), sessionID, session.Acknowledgment{
		AckKey:       req.AckKey,
		TemplateRef:  req.TemplateRef,
		EntryPoint:   req.EntryPoint,
		Acknowledged: req.Acknowledged,
		IPAddress:    r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to store acknowledgment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionPrefRequest struct {
	PreferenceKey string `json:"preference_key" validate:"required"`
	Value         any    `json:"value"`
	InputType     string `json:"input_type"`
	RuleRef       string `json:"rule_ref"`
}

func (h *HTTPHandler) handleSessionPreference(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	var req sessionPrefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Missing required fields: "+err.Error())
		return
	}

	err := h.sessions.SetPreference(r.Context(), sessionID, session.Preference{
		PreferenceKey: req.PreferenceKey,
		Value:         req.Value,
		InputType:     req.InputType,
		RuleRef:       req.RuleRef,
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to store preference")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Order handlers: transfer session state into the order tables at placement.

type orderTransferRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	UserID    string `json:"user_id"`
}

func (h *HTTPHandler) handleOrderAcknowledgments(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]

	var req orderTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Missing required fields: "+err.Error())
		return
	}

	acks, err := h.sessions.Acknowledgments(r.Context(), req.SessionID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to load session acknowledgments")
		return
	}

	rows := make([]*database.OrderAcknowledgment, 0, len(acks))
	for _, ack := range acks {
		if !ack.Acknowledged {
			continue
		}
		rows = append(rows, &database.OrderAcknowledgment{
			AckKey:         ack.AckKey,
			TemplateRef:    ack.TemplateRef,
			EntryPoint:     ack.EntryPoint,
			AcknowledgedAt: ack.AcknowledgedAt,
			IPAddress:      ack.IPAddress,
			UserAgent:      ack.UserAgent,
		})
	}

	if err := h.ackRepo.RecordAcknowledgments(r.Context(), orderID, rows); err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to record acknowledgments")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"order_id": orderID,
		"recorded": len(rows),
	})
}

func (h *HTTPHandler) handleListOrderAcknowledgments(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	acks, err := h.ackRepo.ListByOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to list acknowledgments")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"acknowledgments": acks})
}

func (h *HTTPHandler) handleOrderPreferences(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]

	var req orderTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Missing required fields: "+err.Error())
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required to persist preferences")
		return
	}

	prefs, err := h.sessions.Preferences(r.Context(), req.SessionID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to load session preferences")
		return
	}

	rows := make([]*database.OrderPreference, 0, len(prefs))
	for _, pref := range prefs {
		value, err := json.Marshal(pref.Value)
		if err != nil {
			continue
		}
		rows = append(rows, &database.OrderPreference{
			PreferenceKey:   pref.PreferenceKey,
			PreferenceValue: types.JSONText(value),
			RuleRef:         pref.RuleRef,
			InputType:       pref.InputType,
		})
	}

	if err := h.prefRepo.RecordPreferences(r.Context(), orderID, req.UserID, rows); err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to record preferences")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"order_id": orderID,
		"recorded": len(rows),
	})
}

func (h *HTTPHandler) handleListOrderPreferences(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	prefs, err := h.prefRepo.ListByOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Failed to list preferences")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

// Helper methods

func parseFilter(r *http.Request) database.Filter {
	filter := database.Filter{}
	query := r.URL.Query()

	filter.EntryPoint = query.Get("entry_point")
	filter.Outcome = query.Get("outcome")

	if active := query.Get("active"); active != "" {
		if b, err := strconv.ParseBool(active); err == nil {
			filter.Active = &b
		}
	}
	if from := query.Get("date_from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.DateFrom = &t
		}
	}
	if to := query.Get("date_to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.DateTo = &t
		}
	}
	if limit := query.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			filter.Limit = l
		}
	}
	if offset := query.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			filter.Offset = o
		}
	}
	return filter
}

func (h *HTTPHandler) invalidateCache() {
	h.provider.Invalidate()
	h.metrics.CacheRefresh("invalidate")
}

func (h *HTTPHandler) writeRepoError(w http.ResponseWriter, err error, entity string) {
	if errors.Is(err, database.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "Unknown "+entity)
		return
	}
	h.logger.Error("Repository operation failed", "entity", entity, "error", err)
	h.writeError(w, http.StatusInternalServerError, "Internal error")
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
