// Package costcontrol implements per-account spend tracking and budget caps.
//
// DESIGN: Tracks upstream spend per account over a rolling window. Tracking
// is always active (for /stats). Enabled controls whether requests are
// rejected once a configured cap is exceeded.
package costcontrol

import (
	"fmt"
	"time"
)

// CostControlConfig holds cost control settings.
type CostControlConfig struct {
	Enabled    bool    `yaml:"enabled"`     // Whether budget enforcement is active
	AccountCap float64 `yaml:"account_cap"` // USD per account per window. 0 = unlimited.
	GlobalCap  float64 `yaml:"global_cap"`  // USD across all accounts. 0 = unlimited.
}

// Validate checks cost control configuration.
func (c *CostControlConfig) Validate() error {
	if c.AccountCap < 0 {
		return fmt.Errorf("cost_control.account_cap must be >= 0, got %f", c.AccountCap)
	}
	if c.GlobalCap < 0 {
		return fmt.Errorf("cost_control.global_cap must be >= 0, got %f", c.GlobalCap)
	}
	return nil
}

// AccountSpend tracks accumulated cost for a single account.
type AccountSpend struct {
	AccountID    string
	Cost         float64
	RequestCount int
	Model        string
	CreatedAt    time.Time
	LastUpdated  time.Time
}

// BudgetCheckResult holds the result of a budget check.
type BudgetCheckResult struct {
	Allowed     bool
	AccountCost float64
	GlobalCost  float64
	AccountCap  float64
	GlobalCap   float64
}

// SpendSnapshot is a read-only copy of one account's spend for /stats.
type SpendSnapshot struct {
	AccountID    string    `json:"account_id"`
	CostUSD      float64   `json:"cost_usd"`
	RequestCount int       `json:"request_count"`
	Model        string    `json:"model"`
	LastUpdated  time.Time `json:"last_updated"`
}
