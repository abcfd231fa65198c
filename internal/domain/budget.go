package domain

import (
	"context"
	"time"
)

// GlobalScope is the scope ID of the process-wide budget ledger.
const GlobalScope = "global"

// BudgetPeriod selects the accounting window for a budget limit.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodMonthly BudgetPeriod = "monthly"
	PeriodTotal   BudgetPeriod = "total"
)

// BudgetUnit selects what a budget limit meters.
type BudgetUnit string

const (
	UnitCost            BudgetUnit = "cost"
	UnitPremiumRequests BudgetUnit = "premium_requests"
)

// BudgetLimit configures one budget scope.
type BudgetLimit struct {
	MaxAmount float64      `json:"max_amount" yaml:"max_amount"`
	Period    BudgetPeriod `json:"period" yaml:"period"`
	// Unit defaults to UnitCost when empty.
	Unit BudgetUnit `json:"unit,omitempty" yaml:"unit,omitempty"`
	// WarnThresholds are ascending fractions in (0, 1).
	WarnThresholds []float64 `json:"warn_thresholds,omitempty" yaml:"warn_thresholds,omitempty"`
}

// EffectiveUnit returns the limit's unit, defaulting to cost.
func (l BudgetLimit) EffectiveUnit() BudgetUnit {
	if l.Unit == "" {
		return UnitCost
	}
	return l.Unit
}

// UsageRecord is one entry in a scope's in-memory ledger.
type UsageRecord struct {
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// BudgetStatus is a point-in-time view of one budget scope.
type BudgetStatus struct {
	Scope           string       `json:"scope"`
	Current         float64      `json:"current"`
	Max             float64      `json:"max"`
	Percent         float64      `json:"percent"`
	Exceeded        bool         `json:"exceeded"`
	FiredThresholds []float64    `json:"fired_thresholds,omitempty"`
	Unit            BudgetUnit   `json:"unit"`
	Period          BudgetPeriod `json:"period"`
}

// BudgetAlert is a persisted record of a threshold or exceeded firing.
type BudgetAlert struct {
	ID        string     `json:"id"`
	Scope     string     `json:"scope"`
	Kind      string     `json:"kind"` // "warning" or "exceeded"
	Threshold float64    `json:"threshold,omitempty"`
	Current   float64    `json:"current"`
	Max       float64    `json:"max"`
	Unit      BudgetUnit `json:"unit"`
	CreatedAt time.Time  `json:"created_at"`
}

// AlertStore persists budget alerts.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert BudgetAlert) error
	ListAlerts(ctx context.Context, scope string, limit int) ([]BudgetAlert, error)
}

// Admission is the structured outcome of a guard check. Denials are results,
// never errors.
type Admission struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the admission value for an unconditional pass.
func Allow() Admission { return Admission{Allowed: true} }

// Deny builds a denial with a human-readable reason.
func Deny(reason string) Admission { return Admission{Allowed: false, Reason: reason} }
