package budget

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/domain"
	"maestro/internal/usecase/eventbus"
)

type fakeAlertStore struct {
	alerts []domain.BudgetAlert
}

func (f *fakeAlertStore) SaveAlert(_ context.Context, alert domain.BudgetAlert) error {
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeAlertStore) ListAlerts(_ context.Context, _ string, _ int) ([]domain.BudgetAlert, error) {
	return f.alerts, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(cfg Config) (*Manager, *eventbus.Bus, *fakeAlertStore) {
	bus := eventbus.New(discardLogger())
	store := &fakeAlertStore{}
	return NewManager(cfg, bus, store, discardLogger()), bus, store
}

func countEvents(bus *eventbus.Bus, types ...domain.EventType) map[domain.EventType]*int {
	counts := make(map[domain.EventType]*int, len(types))
	for _, t := range types {
		n := new(int)
		counts[t] = n
		bus.Subscribe(t, func(_ context.Context, _ domain.Event) { *n++ })
	}
	return counts
}

func TestWarningThresholdFiresExactlyOnce(t *testing.T) {
	m, bus, store := newTestManager(Config{
		Global: &domain.BudgetLimit{
			MaxAmount:      100,
			Period:         domain.PeriodTotal,
			WarnThresholds: []float64{0.8},
		},
	})
	counts := countEvents(bus, domain.EventBudgetWarning, domain.EventBudgetExceeded)

	m.Record(context.Background(), "a1", 81, domain.UnitCost)

	assert.Equal(t, 1, *counts[domain.EventBudgetWarning])
	assert.Equal(t, 0, *counts[domain.EventBudgetExceeded])
	require.Len(t, store.alerts, 1)
	assert.Equal(t, "warning", store.alerts[0].Kind)
	assert.Equal(t, 0.8, store.alerts[0].Threshold)

	// Further usage past the same threshold must not re-fire it.
	m.Record(context.Background(), "a1", 5, domain.UnitCost)
	assert.Equal(t, 1, *counts[domain.EventBudgetWarning])
}

func TestExceededFiresExactlyOnce(t *testing.T) {
	m, bus, store := newTestManager(Config{
		Global: &domain.BudgetLimit{MaxAmount: 100, Period: domain.PeriodTotal},
	})
	counts := countEvents(bus, domain.EventBudgetWarning, domain.EventBudgetExceeded)

	m.Record(context.Background(), "a1", 101, domain.UnitCost)

	assert.Equal(t, 0, *counts[domain.EventBudgetWarning])
	assert.Equal(t, 1, *counts[domain.EventBudgetExceeded])
	require.Len(t, store.alerts, 1)
	assert.Equal(t, "exceeded", store.alerts[0].Kind)

	m.Record(context.Background(), "a1", 1, domain.UnitCost)
	assert.Equal(t, 1, *counts[domain.EventBudgetExceeded])
}

func TestCheckBlocksAtLimit(t *testing.T) {
	m, bus, _ := newTestManager(Config{
		Global: &domain.BudgetLimit{MaxAmount: 100, Period: domain.PeriodTotal},
	})
	counts := countEvents(bus, domain.EventBudgetBlocked)

	// Fresh scope at 0% is allowed.
	adm := m.Check(context.Background(), "a1")
	assert.True(t, adm.Allowed)

	m.Record(context.Background(), "a1", 100, domain.UnitCost)

	adm = m.Check(context.Background(), "a1")
	assert.False(t, adm.Allowed)
	assert.Contains(t, adm.Reason, "global")
	assert.Contains(t, adm.Reason, "$100.00")
	assert.Equal(t, 1, *counts[domain.EventBudgetBlocked])
}

func TestCheckProjectedBlocksBeforeLimit(t *testing.T) {
	m, bus, _ := newTestManager(Config{
		Global: &domain.BudgetLimit{MaxAmount: 100, Period: domain.PeriodTotal},
	})
	counts := countEvents(bus, domain.EventBudgetBlocked)

	m.Record(context.Background(), "a1", 95, domain.UnitCost)

	// Under the limit, but the projected spend would cross it.
	adm := m.CheckProjected(context.Background(), "a1", 10, domain.UnitCost)
	assert.False(t, adm.Allowed)
	assert.Contains(t, adm.Reason, "would be exceeded")
	assert.Equal(t, 1, *counts[domain.EventBudgetBlocked])

	// A spend that fits is admitted, as is a mismatched unit.
	assert.True(t, m.CheckProjected(context.Background(), "a1", 4, domain.UnitCost).Allowed)
	assert.True(t, m.CheckProjected(context.Background(), "a1", 10, domain.UnitPremiumRequests).Allowed)
}

func TestAgentScopeBlocksWithRequestUnit(t *testing.T) {
	m, _, _ := newTestManager(Config{
		Agents: map[string]domain.BudgetLimit{
			"a1": {MaxAmount: 10, Period: domain.PeriodTotal, Unit: domain.UnitPremiumRequests},
		},
	})

	m.Record(context.Background(), "a1", 10, domain.UnitPremiumRequests)

	adm := m.Check(context.Background(), "a1")
	assert.False(t, adm.Allowed)
	assert.Contains(t, adm.Reason, `agent "a1"`)
	assert.Contains(t, adm.Reason, "10.0 requests")

	// Other agents have no configured scope and pass.
	assert.True(t, m.Check(context.Background(), "a2").Allowed)
}

func TestUnitIsolation(t *testing.T) {
	m, _, _ := newTestManager(Config{
		Global: &domain.BudgetLimit{MaxAmount: 100, Period: domain.PeriodTotal}, // cost unit
		Agents: map[string]domain.BudgetLimit{
			"a1": {MaxAmount: 5, Period: domain.PeriodTotal, Unit: domain.UnitPremiumRequests},
		},
	})

	// Premium requests never touch a cost-unit scope, and vice versa.
	m.Record(context.Background(), "a1", 50, domain.UnitPremiumRequests)
	m.Record(context.Background(), "a1", 2, domain.UnitCost)

	global, err := m.Status(domain.GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, 2.0, global.Current)

	agent, err := m.Status("a1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, agent.Current)
	assert.True(t, agent.Exceeded)
}

func TestStatusUnknownScope(t *testing.T) {
	m, _, _ := newTestManager(Config{})
	_, err := m.Status("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDailyPeriodRolloverRearmsThresholds(t *testing.T) {
	m, bus, _ := newTestManager(Config{
		Global: &domain.BudgetLimit{
			MaxAmount:      100,
			Period:         domain.PeriodDaily,
			WarnThresholds: []float64{0.8},
		},
	})
	counts := countEvents(bus, domain.EventBudgetWarning)

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.Record(context.Background(), "a1", 90, domain.UnitCost)
	assert.Equal(t, 1, *counts[domain.EventBudgetWarning])

	// Next day: the ledger entries from yesterday fall outside the period
	// and the threshold is re-armed.
	now = now.Add(24 * time.Hour)

	status, err := m.Status(domain.GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, 0.0, status.Current)

	m.Record(context.Background(), "a1", 85, domain.UnitCost)
	assert.Equal(t, 2, *counts[domain.EventBudgetWarning])
}
