package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/polyrelay/account-gateway/internal/config"
	"github.com/polyrelay/account-gateway/internal/utils"
)

// ErrNoEligibleAccount means no account passed filtering, cooldown, and
// credential readiness for the requested model.
var ErrNoEligibleAccount = errors.New("no eligible account")

// Credential is the result of a token refresh.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// CredentialStore refreshes one platform's access tokens. Implementations
// may also resolve platform fields (project id, region) onto the account.
type CredentialStore interface {
	Refresh(ctx context.Context, a *Account) (*Credential, error)
}

// TTLCache is the store surface the selector needs for cooldowns.
type TTLCache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, key string) error
}

// Counter yields round-robin cursors, atomic across processes.
type Counter interface {
	Next(ctx context.Context, key string, modulus int) (int, error)
}

// QuotaRefresher is notified after a rate limit so quota numbers can be
// re-fetched out of band. Implementations must not block.
type QuotaRefresher interface {
	RefreshQuota(accountID string)
}

// Selector picks ready accounts and applies the failure policy.
type Selector struct {
	repo        Repository
	cache       TTLCache
	counter     Counter
	creds       map[string]CredentialStore
	quotaGroups func(model string) []string
	quotaHook   QuotaRefresher

	cooldown time.Duration

	// Serializes refresh per account within this process. Cross-process
	// duplicate refreshes are tolerated: providers honor the latest
	// refresh token and the last write wins.
	refreshMu sync.Mutex
	refreshes map[string]*sync.Mutex
}

// NewSelector wires the selector to its collaborators. quotaGroups maps a
// model to the full set of model names sharing its quota bucket.
func NewSelector(repo Repository, cache TTLCache, counter Counter, creds map[string]CredentialStore, quotaGroups func(string) []string) *Selector {
	if quotaGroups == nil {
		quotaGroups = func(model string) []string { return []string{model} }
	}
	return &Selector{
		repo:        repo,
		cache:       cache,
		counter:     counter,
		creds:       creds,
		quotaGroups: quotaGroups,
		cooldown:    config.DefaultCooldown,
		refreshes:   map[string]*sync.Mutex{},
	}
}

// SetQuotaRefresher installs the async quota refresh hook.
func (s *Selector) SetQuotaRefresher(q QuotaRefresher) { s.quotaHook = q }

// SetCooldown overrides the 429 cooldown window. Used by tests.
func (s *Selector) SetCooldown(d time.Duration) { s.cooldown = d }

func cooldownKey(accountID string) string { return "cooldown:" + accountID }

// Select returns one ready account for the target model, or
// ErrNoEligibleAccount. Accounts in exclude are skipped; the round-robin
// cursor rotates the starting candidate across calls. A non-empty
// preferredID biases selection toward that account when it is still
// eligible; affinity is advisory, so an ineligible preference silently
// falls back to rotation.
func (s *Selector) Select(ctx context.Context, platform, targetModel, preferredID string, exclude map[string]bool) (*Account, error) {
	models := s.quotaGroups(targetModel)
	eligible, err := s.repo.FindEligible(ctx, platform, models)
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}

	candidates := eligible[:0]
	for _, a := range eligible {
		if exclude[a.ID] {
			continue
		}
		cooling, err := s.cache.Exists(ctx, cooldownKey(a.ID))
		if err != nil {
			return nil, fmt.Errorf("select account: %w", err)
		}
		if cooling {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleAccount
	}

	if preferredID != "" && !exclude[preferredID] {
		for _, a := range candidates {
			if a.ID == preferredID {
				if err := s.ensureCredential(ctx, a); err == nil {
					return a, nil
				}
				break
			}
		}
	}

	start, err := s.counter.Next(ctx, "rr:"+platform+":"+targetModel, len(candidates))
	if err != nil {
		// A broken cursor degrades to first-candidate selection.
		log.Warn().Err(err).Str("platform", platform).Msg("selector: round-robin cursor unavailable")
		start = 0
	}

	for i := 0; i < len(candidates); i++ {
		a := candidates[(start+i)%len(candidates)]
		if err := s.ensureCredential(ctx, a); err != nil {
			log.Warn().
				Err(err).
				Str("account_id", a.ID).
				Str("platform", platform).
				Msg("selector: credential not ready, advancing")
			continue
		}
		return a, nil
	}
	return nil, ErrNoEligibleAccount
}

// ensureCredential refreshes a stale access token and persists the result.
// Refresh failure marks the account error.
func (s *Selector) ensureCredential(ctx context.Context, a *Account) error {
	if !a.TokenStale(config.TokenRefreshLookahead) {
		return nil
	}

	mu := s.refreshLock(a.ID)
	mu.Lock()
	defer mu.Unlock()

	// Another request may have refreshed while we waited.
	fresh, err := s.repo.FindByID(ctx, a.ID)
	if err == nil && !fresh.TokenStale(config.TokenRefreshLookahead) {
		*a = *fresh
		return nil
	}

	cs, ok := s.creds[a.Platform]
	if !ok {
		return fmt.Errorf("no credential store for platform %s", a.Platform)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, config.DefaultRefreshTimeout)
	defer cancel()

	cred, err := cs.Refresh(refreshCtx, a)
	if err != nil {
		a.Status = StatusError
		a.ErrorMsg = fmt.Sprintf("token refresh failed: %v", err)
		if uerr := s.repo.Update(ctx, a); uerr != nil {
			log.Error().Err(uerr).Str("account_id", a.ID).Msg("selector: failed to persist error state")
		}
		return fmt.Errorf("refresh credential: %w", err)
	}

	a.AccessToken = cred.AccessToken
	if cred.RefreshToken != "" {
		a.RefreshToken = cred.RefreshToken
	}
	a.TokenExpiresAt = time.Now().Add(time.Duration(cred.ExpiresIn) * time.Second)
	a.Status = StatusActive
	a.ErrorMsg = ""
	if err := s.repo.Update(ctx, a); err != nil {
		return fmt.Errorf("persist refreshed credential: %w", err)
	}

	log.Info().
		Str("account_id", a.ID).
		Str("platform", a.Platform).
		Str("access_token", utils.MaskKey(a.AccessToken)).
		Time("expires_at", a.TokenExpiresAt).
		Msg("selector: credential refreshed")
	return nil
}

func (s *Selector) refreshLock(accountID string) *sync.Mutex {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	mu, ok := s.refreshes[accountID]
	if !ok {
		mu = &sync.Mutex{}
		s.refreshes[accountID] = mu
	}
	return mu
}

// HandleFailure applies the per-status failure policy and reports whether
// the caller should retry with another account.
//
//	429     -> cooldown + async quota refresh, retry
//	401/403 -> mark account error, retry
//	400     -> client-shape error, no retry
//	5xx     -> retry, account untouched
func (s *Selector) HandleFailure(ctx context.Context, a *Account, statusCode int) bool {
	switch {
	case statusCode == 429:
		// Concurrent failures on one account must not keep extending the
		// cooldown window.
		if _, err := s.cache.SetNX(ctx, cooldownKey(a.ID), "1", s.cooldown); err != nil {
			log.Error().Err(err).Str("account_id", a.ID).Msg("selector: failed to set cooldown")
		}
		if s.quotaHook != nil {
			s.quotaHook.RefreshQuota(a.ID)
		}
		log.Info().
			Str("account_id", a.ID).
			Dur("cooldown", s.cooldown).
			Msg("selector: rate limited, cooling down")
		return true

	case statusCode == 401 || statusCode == 403:
		a.Status = StatusError
		a.ErrorMsg = fmt.Sprintf("upstream rejected credentials (HTTP %d)", statusCode)
		if err := s.repo.Update(ctx, a); err != nil {
			log.Error().Err(err).Str("account_id", a.ID).Msg("selector: failed to mark account error")
		}
		log.Warn().
			Str("account_id", a.ID).
			Int("status", statusCode).
			Msg("selector: account marked error")
		return true

	case statusCode == 400:
		return false

	default:
		return statusCode >= 500 || statusCode == 0
	}
}

// ReportSuccess bumps lifetime counters off the response path.
func (s *Selector) ReportSuccess(a *Account, tokens int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.IncrementUsage(ctx, a.ID, 1, tokens); err != nil {
			log.Error().Err(err).Str("account_id", a.ID).Msg("selector: usage increment failed")
		}
	}()
}
