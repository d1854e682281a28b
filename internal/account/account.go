// Package account holds the upstream credential pool: the account model,
// its sqlite repository, and the selector that picks one ready account per
// request under quota, cooldown, and failure constraints.
package account

import "time"

// Platform tags.
const (
	PlatformAntigravity = "antigravity"
	PlatformKiro        = "kiro"
	PlatformOpenAI      = "openai"
)

// Account statuses.
const (
	StatusCreated = "created"
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusError   = "error"
)

// Account is one credentialed upstream identity.
type Account struct {
	ID         string
	Platform   string
	PlatformID string

	Status      string
	Schedulable bool
	Priority    int
	ErrorMsg    string

	RefreshToken   string
	AccessToken    string
	TokenExpiresAt time.Time

	// Platform-specific, resolved lazily and cached.
	ProjectID    string // antigravity
	Region       string // kiro
	ProfileARN   string // kiro
	ClientID     string // kiro IdC auth
	ClientSecret string // kiro IdC auth
	AuthMethod   string // kiro: "social" or "idc"

	TotalRequests int64
	TotalTokens   int64

	CreatedAt time.Time
	Quotas    []Quota
}

// Quota is the remaining capacity for one model on one account.
// Unique per (account, model); percentage clamped to 0..100.
type Quota struct {
	Model      string
	Percentage float64
	ResetAt    time.Time
}

// Eligible reports whether the account passes the static selection filter.
// Cooldown and exclusion are checked separately by the selector.
func (a *Account) Eligible() bool {
	return a.Status == StatusActive && a.Schedulable
}

// QuotaFor returns the quota entry matching any of the given model names.
func (a *Account) QuotaFor(models []string) (Quota, bool) {
	for _, q := range a.Quotas {
		for _, m := range models {
			if q.Model == m {
				return q, true
			}
		}
	}
	return Quota{}, false
}

// TokenStale reports whether the access token is missing or expires within
// the lookahead window.
func (a *Account) TokenStale(lookahead time.Duration) bool {
	if a.AccessToken == "" {
		return true
	}
	return time.Until(a.TokenExpiresAt) < lookahead
}

// ClampPercentage bounds a quota percentage to 0..100.
func ClampPercentage(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
