// Package session keeps pre-checkout acknowledgment and preference state in
// Redis, keyed by session. The engine reads this state through the execution
// context; nothing here touches the database until order placement transfers
// the entries into the order tables.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Acknowledgment is one session-scoped acknowledgment entry.
type Acknowledgment struct {
	AckKey         string    `json:"ack_key"`
	TemplateRef    string    `json:"template_ref"`
	EntryPoint     string    `json:"entry_point"`
	Acknowledged   bool      `json:"acknowledged"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
}

// Preference is one session-scoped preference selection.
type Preference struct {
	PreferenceKey string    `json:"preference_key"`
	Value         any       `json:"value"`
	InputType     string    `json:"input_type,omitempty"`
	RuleRef       string    `json:"rule_ref,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store reads and writes session state. Entries expire with the session TTL;
// every write refreshes it.
type Store struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, logger *slog.Logger, ttl time.Duration) *Store {
	return &Store{client: client, logger: logger, ttl: ttl}
}

func ackHashKey(sessionID string) string {
	return "session:" + sessionID + ":acks"
}

func prefHashKey(sessionID string) string {
	return "session:" + sessionID + ":prefs"
}

// SetAcknowledgment records one acknowledgment for the session.
func (s *Store) SetAcknowledgment(ctx context.Context, sessionID string, ack Acknowledgment) error {
	if ack.AcknowledgedAt.IsZero() {
		ack.AcknowledgedAt = time.Now()
	}
	payload, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("encoding acknowledgment: %w", err)
	}

	key := ackHashKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, ack.AckKey, payload)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing acknowledgment %s: %w", ack.AckKey, err)
	}
	return nil
}

// Acknowledgments returns every acknowledgment stored for the session,
// keyed by ack_key.
func (s *Store) Acknowledgments(ctx context.Context, sessionID string) (map[string]Acknowledgment, error) {
	raw, err := s.client.HGetAll(ctx, ackHashKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading acknowledgments: %w", err)
	}

	acks := make(map[string]Acknowledgment, len(raw))
	for key, payload := range raw {
		var ack Acknowledgment
		if err := json.Unmarshal([]byte(payload), &ack); err != nil {
			s.logger.Warn("Dropping undecodable acknowledgment",
				"session_id", sessionID, "ack_key", key, "error", err)
			continue
		}
		acks[key] = ack
	}
	return acks, nil
}

// SetPreference records one preference selection for the session.
func (s *Store) SetPreference(ctx context.Context, sessionID string, pref Preference) error {
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now()
	}
	payload, err := json.Marshal(pref)
	if err != nil {
		return fmt.Errorf("encoding preference: %w", err)
	}

	key := prefHashKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, pref.PreferenceKey, payload)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing preference %s: %w", pref.PreferenceKey, err)
	}
	return nil
}

// Preferences returns every preference stored for the session, keyed by
// preference_key.
func (s *Store) Preferences(ctx context.Context, sessionID string) (map[string]Preference, error) {
	raw, err := s.client.HGetAll(ctx, prefHashKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading preferences: %w", err)
	}

	prefs := make(map[string]Preference, len(raw))
	for key, payload := range raw {
		var pref Preference
		if err := json.Unmarshal([]byte(payload), &pref); err != nil {
			s.logger.Warn("Dropping undecodable preference",
				"session_id", sessionID, "preference_key", key, "error", err)
			continue
		}
		prefs[key] = pref
	}
	return prefs, nil
}

// Clear drops the session's acknowledgment and preference state. Called after
// order placement transfers the entries to the order tables.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, ackHashKey(sessionID), prefHashKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clearing session %s: %w", sessionID, err)
	}
	return nil
}

// ContextState renders the session state in the shape the execution context
// expects under user.acknowledgments and user.preferences.
func (s *Store) ContextState(ctx context.Context, sessionID string) (map[string]any, map[string]any, error) {
	acks, err := s.Acknowledgments(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	prefs, err := s.Preferences(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	ackState := make(map[string]any, len(acks))
	for key, ack := range acks {
		ackState[key] = map[string]any{
			"acknowledged":    ack.Acknowledged,
			"acknowledged_at": ack.AcknowledgedAt.Format(time.RFC3339),
			"template_ref":    ack.TemplateRef,
			"entry_point":     ack.EntryPoint,
		}
	}

	prefState := make(map[string]any, len(prefs))
	for key, pref := range prefs {
		prefState[key] = pref.Value
	}
	return ackState, prefState, nil
}
