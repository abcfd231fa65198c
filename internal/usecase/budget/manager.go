package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"maestro/internal/domain"
)

// Config holds the budget limits for all scopes.
type Config struct {
	// Global is the process-wide limit. Nil = no global metering.
	Global *domain.BudgetLimit `yaml:"global,omitempty"`
	// Agents holds per-agent limits keyed by agent ID.
	Agents map[string]domain.BudgetLimit `yaml:"agents,omitempty"`
}

// BlockedPayload is the event payload for a blocked request.
type BlockedPayload struct {
	Scope   string            `json:"scope"`
	Current float64           `json:"current"`
	Max     float64           `json:"max"`
	Unit    domain.BudgetUnit `json:"unit"`
}

// AlertPayload is the event payload for warning and exceeded firings.
type AlertPayload struct {
	Scope     string            `json:"scope"`
	Threshold float64           `json:"threshold,omitempty"`
	Current   float64           `json:"current"`
	Max       float64           `json:"max"`
	Unit      domain.BudgetUnit `json:"unit"`
}

// Manager is the per-scope usage ledger and admission check. Ledgers are
// in-memory, never compacted, and filtered by period start at read time.
// All mutation goes through the public methods; a single mutex guards the
// ledgers and fired-threshold memory.
type Manager struct {
	mu      sync.Mutex
	limits  map[string]domain.BudgetLimit
	ledgers map[string][]domain.UsageRecord
	fired   map[string]bool // "<scope>|<kind>|<threshold>|<periodStart>"

	bus    domain.EventBus
	alerts domain.AlertStore // optional, nil = no alert persistence
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a budget manager from the configured limits.
// The alert store may be nil.
func NewManager(cfg Config, bus domain.EventBus, alerts domain.AlertStore, logger *slog.Logger) *Manager {
	limits := make(map[string]domain.BudgetLimit, len(cfg.Agents)+1)
	if cfg.Global != nil {
		limits[domain.GlobalScope] = *cfg.Global
	}
	for agentID, limit := range cfg.Agents {
		limits[agentID] = limit
	}
	return &Manager{
		limits:  limits,
		ledgers: make(map[string][]domain.UsageRecord),
		fired:   make(map[string]bool),
		bus:     bus,
		alerts:  alerts,
		logger:  logger,
		now:     time.Now,
	}
}

// Check evaluates the global scope first, then the agent scope. The first
// scope whose current usage has reached its max blocks the request.
func (m *Manager) Check(ctx context.Context, agentID string) domain.Admission {
	return m.CheckProjected(ctx, agentID, 0, "")
}

// CheckProjected is Check with an estimated upcoming spend folded in: a
// scope also blocks when its unit matches and current+amount would cross
// the max. A zero amount degrades to a plain Check.
func (m *Manager) CheckProjected(ctx context.Context, agentID string, amount float64, unit domain.BudgetUnit) domain.Admission {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, scope := range []string{domain.GlobalScope, agentID} {
		limit, ok := m.limits[scope]
		if !ok {
			continue
		}
		current := m.currentLocked(scope, limit)
		projected := current
		if amount > 0 && limit.EffectiveUnit() == unit {
			projected += amount
		}
		if current < limit.MaxAmount && projected <= limit.MaxAmount {
			continue
		}
		scopeUnit := limit.EffectiveUnit()
		m.publish(ctx, domain.EventBudgetBlocked, agentID, BlockedPayload{
			Scope:   scope,
			Current: current,
			Max:     limit.MaxAmount,
			Unit:    scopeUnit,
		})
		if current >= limit.MaxAmount {
			return domain.Deny(fmt.Sprintf("%s budget exceeded: %s of %s used",
				scopeLabel(scope), formatAmount(current, scopeUnit), formatAmount(limit.MaxAmount, scopeUnit)))
		}
		return domain.Deny(fmt.Sprintf("%s budget would be exceeded: %s used, %s projected, max %s",
			scopeLabel(scope), formatAmount(current, scopeUnit), formatAmount(projected, scopeUnit), formatAmount(limit.MaxAmount, scopeUnit)))
	}
	return domain.Allow()
}

// Record appends usage to every scope whose limit meters the given unit,
// then re-evaluates that scope's thresholds. A scope with no configured
// limit is a no-op.
func (m *Manager) Record(ctx context.Context, agentID string, amount float64, unit domain.BudgetUnit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.now()
	for _, scope := range []string{domain.GlobalScope, agentID} {
		limit, ok := m.limits[scope]
		if !ok || limit.EffectiveUnit() != unit {
			continue
		}
		m.ledgers[scope] = append(m.ledgers[scope], domain.UsageRecord{Amount: amount, Timestamp: ts})
		m.evaluateLocked(ctx, agentID, scope, limit)
	}
}

// Status returns the point-in-time status of one configured scope.
func (m *Manager) Status(scopeID string) (*domain.BudgetStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit, ok := m.limits[scopeID]
	if !ok {
		return nil, domain.NewSubSystemError("budget", "Manager.Status", domain.ErrNotFound, scopeID)
	}
	status := m.statusLocked(scopeID, limit)
	return &status, nil
}

// StatusAll returns the status of every configured scope.
func (m *Manager) StatusAll() []domain.BudgetStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]domain.BudgetStatus, 0, len(m.limits))
	for scope, limit := range m.limits {
		statuses = append(statuses, m.statusLocked(scope, limit))
	}
	return statuses
}

// --- internal ---

func (m *Manager) statusLocked(scope string, limit domain.BudgetLimit) domain.BudgetStatus {
	current := m.currentLocked(scope, limit)
	percent := 0.0
	if limit.MaxAmount > 0 {
		percent = current / limit.MaxAmount * 100
	}
	start := m.periodStart(limit.Period)
	var firedThresholds []float64
	for _, th := range limit.WarnThresholds {
		if m.fired[firedKey(scope, "warning", th, start)] {
			firedThresholds = append(firedThresholds, th)
		}
	}
	return domain.BudgetStatus{
		Scope:           scope,
		Current:         current,
		Max:             limit.MaxAmount,
		Percent:         percent,
		Exceeded:        current >= limit.MaxAmount,
		FiredThresholds: firedThresholds,
		Unit:            limit.EffectiveUnit(),
		Period:          limit.Period,
	}
}

// currentLocked sums the scope's ledger within the active period.
func (m *Manager) currentLocked(scope string, limit domain.BudgetLimit) float64 {
	start := m.periodStart(limit.Period)
	var total float64
	for _, rec := range m.ledgers[scope] {
		if !rec.Timestamp.Before(start) {
			total += rec.Amount
		}
	}
	return total
}

// evaluateLocked fires any newly crossed warning thresholds, then the
// exceeded marker. Firings are remembered per scope and period so that a
// threshold fires at most once until the period rolls over.
func (m *Manager) evaluateLocked(ctx context.Context, agentID, scope string, limit domain.BudgetLimit) {
	if limit.MaxAmount <= 0 {
		return
	}
	current := m.currentLocked(scope, limit)
	fraction := current / limit.MaxAmount
	start := m.periodStart(limit.Period)
	unit := limit.EffectiveUnit()

	for _, th := range limit.WarnThresholds {
		key := firedKey(scope, "warning", th, start)
		if fraction >= th && th < 1 && !m.fired[key] {
			m.fired[key] = true
			m.fire(ctx, agentID, domain.EventBudgetWarning, domain.BudgetAlert{
				ID:        newAlertID(m.now()),
				Scope:     scope,
				Kind:      "warning",
				Threshold: th,
				Current:   current,
				Max:       limit.MaxAmount,
				Unit:      unit,
				CreatedAt: m.now(),
			})
		}
	}

	key := firedKey(scope, "exceeded", 1, start)
	if fraction >= 1 && !m.fired[key] {
		m.fired[key] = true
		m.fire(ctx, agentID, domain.EventBudgetExceeded, domain.BudgetAlert{
			ID:        newAlertID(m.now()),
			Scope:     scope,
			Kind:      "exceeded",
			Current:   current,
			Max:       limit.MaxAmount,
			Unit:      unit,
			CreatedAt: m.now(),
		})
	}
}

func (m *Manager) fire(ctx context.Context, agentID string, eventType domain.EventType, alert domain.BudgetAlert) {
	m.publish(ctx, eventType, agentID, AlertPayload{
		Scope:     alert.Scope,
		Threshold: alert.Threshold,
		Current:   alert.Current,
		Max:       alert.Max,
		Unit:      alert.Unit,
	})
	if m.alerts == nil {
		return
	}
	if err := m.alerts.SaveAlert(ctx, alert); err != nil {
		m.logger.Warn("failed to persist budget alert", "scope", alert.Scope, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, eventType domain.EventType, agentID string, payload any) {
	if m.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	m.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: m.now(),
		AgentID:   agentID,
		Payload:   data,
	})
}

// periodStart returns the UTC start of the active accounting window.
func (m *Manager) periodStart(period domain.BudgetPeriod) time.Time {
	now := m.now().UTC()
	switch period {
	case domain.PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case domain.PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // total
		return time.Time{}
	}
}

func firedKey(scope, kind string, threshold float64, periodStart time.Time) string {
	return fmt.Sprintf("%s|%s|%.4f|%d", scope, kind, threshold, periodStart.Unix())
}

func scopeLabel(scope string) string {
	if scope == domain.GlobalScope {
		return "global"
	}
	return fmt.Sprintf("agent %q", scope)
}

// formatAmount renders an amount as currency for cost, or a request count
// for premium requests.
func formatAmount(amount float64, unit domain.BudgetUnit) string {
	if unit == domain.UnitPremiumRequests {
		return fmt.Sprintf("%.1f requests", amount)
	}
	return fmt.Sprintf("$%.2f", amount)
}

func newAlertID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
