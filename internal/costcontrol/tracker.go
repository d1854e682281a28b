package costcontrol

import (
	"sync"
	"sync/atomic"
	"time"
)

const spendWindow = 24 * time.Hour

// Tracker tracks per-account API costs and enforces budget caps.
// Cost tracking is always active. Budget enforcement only applies
// when Enabled is true and at least one cap is configured.
type Tracker struct {
	config   CostControlConfig
	accounts map[string]*AccountSpend
	mu       sync.RWMutex

	// Atomic global cost accumulator for O(1) budget checks
	// Stored as cost * 1e9 (nano-dollars) to use atomic int64 ops
	globalCostNano int64
}

// NewTracker creates a new cost tracker. Starts a background cleanup goroutine.
func NewTracker(cfg CostControlConfig) *Tracker {
	t := &Tracker{
		config:   cfg,
		accounts: make(map[string]*AccountSpend),
	}
	go t.cleanup()
	return t
}

// CheckBudget checks whether a request on the given account can proceed.
// Enforces both the per-account cap and the global cap when Enabled.
func (t *Tracker) CheckBudget(accountID string) BudgetCheckResult {
	t.mu.RLock()
	accountCost := 0.0
	if s := t.accounts[accountID]; s != nil {
		accountCost = s.Cost
	}
	t.mu.RUnlock()

	globalCost := float64(atomic.LoadInt64(&t.globalCostNano)) / 1e9
	res := BudgetCheckResult{
		Allowed:     true,
		AccountCost: accountCost,
		GlobalCost:  globalCost,
		AccountCap:  t.config.AccountCap,
		GlobalCap:   t.config.GlobalCap,
	}
	if !t.config.Enabled {
		return res
	}
	if t.config.GlobalCap > 0 && globalCost >= t.config.GlobalCap {
		res.Allowed = false
		return res
	}
	if t.config.AccountCap > 0 && accountCost >= t.config.AccountCap {
		res.Allowed = false
	}
	return res
}

// GlobalCost returns total accumulated cost across all accounts.
func (t *Tracker) GlobalCost() float64 {
	return float64(atomic.LoadInt64(&t.globalCostNano)) / 1e9
}

// RecordCost adds an already-computed cost to an account's running total.
func (t *Tracker) RecordCost(accountID, model string, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreateLocked(accountID, model)
	s.Cost += cost
	s.RequestCount++
	s.LastUpdated = time.Now()
	if model != "" {
		s.Model = model
	}

	atomic.AddInt64(&t.globalCostNano, int64(cost*1e9))
}

// AccountCost returns accumulated cost for an account.
func (t *Tracker) AccountCost(accountID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.accounts[accountID]; ok {
		return s.Cost
	}
	return 0
}

// Snapshots returns a copy of all account spend records for /stats.
func (t *Tracker) Snapshots() []SpendSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SpendSnapshot, 0, len(t.accounts))
	for _, s := range t.accounts {
		out = append(out, SpendSnapshot{
			AccountID:    s.AccountID,
			CostUSD:      s.Cost,
			RequestCount: s.RequestCount,
			Model:        s.Model,
			LastUpdated:  s.LastUpdated,
		})
	}
	return out
}

// Config returns the tracker's config.
func (t *Tracker) Config() CostControlConfig { return t.config }

func (t *Tracker) getOrCreateLocked(accountID, model string) *AccountSpend {
	if s, ok := t.accounts[accountID]; ok {
		return s
	}
	s := &AccountSpend{
		AccountID:   accountID,
		Model:       model,
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}
	t.accounts[accountID] = s
	return s
}

// cleanup expires spend records past the rolling window and subtracts
// their contribution from the global total.
func (t *Tracker) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()
		now := time.Now()
		for id, s := range t.accounts {
			if now.Sub(s.LastUpdated) > spendWindow {
				atomic.AddInt64(&t.globalCostNano, -int64(s.Cost*1e9))
				delete(t.accounts, id)
			}
		}
		t.mu.Unlock()
	}
}
