package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"maestro/internal/domain"
)

// ModelPricing is the per-million-token price of one model.
type ModelPricing struct {
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
}

// TokenCounter counts tokens with the model's own encoding, falling back to
// cl100k_base for models tiktoken does not know.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

// NewTokenCounter creates a counter for a specific model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingMu.RLock()
	cached, ok := encodingCache[model]
	encodingMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get encoding: %w", err)
		}
	}

	encodingMu.Lock()
	encodingCache[model] = encoding
	encodingMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across a message history, with a small
// per-message overhead for role framing.
func (tc *TokenCounter) CountMessages(messages []domain.Message) int {
	const perMessageOverhead = 4
	total := 0
	for _, m := range messages {
		total += perMessageOverhead + tc.Count(m.Content)
	}
	return total
}

// CostEstimator converts token usage into dollar cost using a per-model
// pricing table.
type CostEstimator struct {
	pricing map[string]ModelPricing
	def     ModelPricing
}

// NewCostEstimator creates an estimator. The fallback pricing applies to
// models missing from the table.
func NewCostEstimator(pricing map[string]ModelPricing, fallback ModelPricing) *CostEstimator {
	return &CostEstimator{pricing: pricing, def: fallback}
}

// Cost returns the dollar cost of one usage sample for a model.
func (e *CostEstimator) Cost(model string, usage domain.Usage) float64 {
	p, ok := e.pricing[model]
	if !ok {
		p = e.def
	}
	return float64(usage.InputTokens)*p.InputPerMTok/1e6 +
		float64(usage.OutputTokens)*p.OutputPerMTok/1e6
}

// BudgetRecorder is the slice of the budget manager the meter feeds.
// Implemented by budget.Manager.
type BudgetRecorder interface {
	CheckProjected(ctx context.Context, agentID string, amount float64, unit domain.BudgetUnit) domain.Admission
	Record(ctx context.Context, agentID string, amount float64, unit domain.BudgetUnit)
}

// TurnMeter adapts the budget manager to the tool loop's BudgetGate: it
// counts the request's input tokens up front, projects their cost against
// the ledger to admit the call, and converts each turn's token usage to
// cost afterwards.
type TurnMeter struct {
	budget    BudgetRecorder
	estimator *CostEstimator
	counter   *TokenCounter // nil when no encoding is available for the model
	model     string
}

// NewTurnMeter creates a meter for one agent's model.
func NewTurnMeter(budget BudgetRecorder, estimator *CostEstimator, model string) *TurnMeter {
	counter, err := NewTokenCounter(model)
	if err != nil {
		counter = nil
	}
	return &TurnMeter{budget: budget, estimator: estimator, counter: counter, model: model}
}

// Check admits or denies the next model call, folding in the estimated
// input cost of the request about to be sent.
func (m *TurnMeter) Check(ctx context.Context, agentID string, req domain.ChatRequest) domain.Admission {
	return m.budget.CheckProjected(ctx, agentID, m.projectedCost(req), domain.UnitCost)
}

// projectedCost prices the request's prompt side. Output tokens are
// unknowable ahead of the call and priced at zero.
func (m *TurnMeter) projectedCost(req domain.ChatRequest) float64 {
	if m.counter == nil {
		return 0
	}
	tokens := m.counter.CountMessages(req.Messages)
	if req.SystemPrompt != "" {
		tokens += m.counter.Count(req.SystemPrompt)
	}
	return m.estimator.Cost(m.model, domain.Usage{InputTokens: tokens})
}

// RecordTurnUsage converts usage to cost and appends it to the ledger.
func (m *TurnMeter) RecordTurnUsage(ctx context.Context, agentID string, usage domain.Usage) {
	m.budget.Record(ctx, agentID, m.estimator.Cost(m.model, usage), domain.UnitCost)
}
