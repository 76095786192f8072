// Package rules serves candidate rules, templates and fields schemas through
// a process-wide cache invalidated by per-table write counters.
package rules

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/eugenelo428937/Admin3-sub006/internal/database"
	"github.com/eugenelo428937/Admin3-sub006/internal/jsonlogic"
)

// Candidate is a rule ready for evaluation: the row plus its precompiled
// condition. CompileErr is retained so the engine can record the failure and
// treat the rule as non-matching.
type Candidate struct {
	Rule       *database.Rule
	Condition  *jsonlogic.Expr
	CompileErr error
}

// Provider reads rules, templates and fields schemas through an in-process
// cache. Each underlying table carries a version counter bumped on every
// write; the provider checks the counter before serving cached entries and
// flushes the table's entries when it moved. Reads under high concurrency may
// observe stale rules for a request-bounded interval, which is acceptable
// because stale rules are still well-formed.
type Provider struct {
	ruleRepo     *database.RuleRepository
	templateRepo *database.TemplateRepository
	fieldsRepo   *database.FieldsRepository
	logger       *slog.Logger
	cache        *gocache.Cache

	mu       sync.Mutex
	versions map[string]int64
}

// NewProvider creates a rule provider with a TTL-bound cache.
func NewProvider(
	ruleRepo *database.RuleRepository,
	templateRepo *database.TemplateRepository,
	fieldsRepo *database.FieldsRepository,
	logger *slog.Logger,
	ttl, cleanup time.Duration,
) *Provider {
	return &Provider{
		ruleRepo:     ruleRepo,
		templateRepo: templateRepo,
		fieldsRepo:   fieldsRepo,
		logger:       logger,
		cache:        gocache.New(ttl, cleanup),
		versions:     make(map[string]int64),
	}
}

// ForEntryPoint returns the ordered candidate rules for an entry point at the
// given instant: active, inside their activity window, sorted by
// (priority ASC, created_at ASC).
func (p *Provider) ForEntryPoint(ctx context.Context, entryPoint string, now time.Time) ([]*Candidate, error) {
	p.checkVersion(ctx, "acted_rule", "rules:")

	key := "rules:" + entryPoint
	if cached, ok := p.cache.Get(key); ok {
		return applyWindow(cached.([]*Candidate), now), nil
	}

	rows, err := p.ruleRepo.ListActiveByEntryPoint(ctx, entryPoint)
	if err != nil {
		return nil, err
	}

	candidates := make([]*Candidate, 0, len(rows))
	for _, row := range rows {
		c := &Candidate{Rule: row}
		c.Condition, c.CompileErr = compileCondition(row)
		if c.CompileErr != nil {
			p.logger.Warn("Rule condition failed to compile",
				"rule_id", row.RuleID, "entry_point", entryPoint, "error", c.CompileErr)
		}
		candidates = append(candidates, c)
	}

	p.cache.SetDefault(key, candidates)
	p.logger.Debug("Rules cached", "entry_point", entryPoint, "count", len(candidates))
	return applyWindow(candidates, now), nil
}

// Template returns a message template by name, cached.
func (p *Provider) Template(ctx context.Context, name string) (*database.MessageTemplate, error) {
	p.checkVersion(ctx, "acted_message_template", "tpl:")

	key := "tpl:" + name
	if cached, ok := p.cache.Get(key); ok {
		return cached.(*database.MessageTemplate), nil
	}

	tpl, err := p.templateRepo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	p.cache.SetDefault(key, tpl)
	return tpl, nil
}

// Fields returns the active schema document for a fields reference, cached.
func (p *Provider) Fields(ctx context.Context, fieldsID string) (*database.RuleFields, error) {
	p.checkVersion(ctx, "acted_rules_fields", "fields:")

	key := "fields:" + fieldsID
	if cached, ok := p.cache.Get(key); ok {
		return cached.(*database.RuleFields), nil
	}

	fields, err := p.fieldsRepo.GetByFieldsID(ctx, fieldsID)
	if err != nil {
		return nil, err
	}

	p.cache.SetDefault(key, fields)
	return fields, nil
}

// Invalidate drops every cached entry. Admin write handlers call it for
// immediate same-process consistency; cross-process consistency rides on the
// version counters.
func (p *Provider) Invalidate() {
	p.cache.Flush()
}

// Warm refreshes the cache for the given entry points. Used by the
// housekeeping scheduler so the first request after an invalidation does not
// pay the load cost.
func (p *Provider) Warm(ctx context.Context, entryPoints []string) {
	for _, ep := range entryPoints {
		if _, err := p.ForEntryPoint(ctx, ep, time.Now()); err != nil {
			p.logger.Warn("Cache warm failed", "entry_point", ep, "error", err)
		}
	}
}

func compileCondition(row *database.Rule) (*jsonlogic.Expr, error) {
	var doc any
	if err := row.Condition.Unmarshal(&doc); err != nil {
		return nil, jsonlogic.ErrConditionMalformed
	}
	return jsonlogic.Compile(doc)
}

// checkVersion compares the table's write counter against the value the
// cache was built from and flushes the table's entries when it moved. The
// counter read is a single-row indexed select, cheap enough per call.
func (p *Provider) checkVersion(ctx context.Context, table, prefix string) {
	current, err := p.ruleRepo.CacheVersion(ctx, table)
	if err != nil {
		p.logger.Warn("Cache version check failed", "table", table, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.versions[table]; ok && last == current {
		return
	}
	p.versions[table] = current
	p.flushPrefix(prefix)
}

func (p *Provider) flushPrefix(prefix string) {
	for key := range p.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			p.cache.Delete(key)
		}
	}
}

func applyWindow(candidates []*Candidate, now time.Time) []*Candidate {
	out := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Rule.ActiveFrom != nil && now.Before(*c.Rule.ActiveFrom) {
			continue
		}
		if c.Rule.ActiveUntil != nil && now.After(*c.Rule.ActiveUntil) {
			continue
		}
		out = append(out, c)
	}
	return out
}
