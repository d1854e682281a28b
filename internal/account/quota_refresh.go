package account

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// QuotaFetcher fetches fresh per-model quota numbers with an account's
// access token. Platforms without a quota API simply have no fetcher.
type QuotaFetcher interface {
	FetchQuota(ctx context.Context, accessToken string) ([]Quota, error)
}

// QuotaUpdater re-fetches an account's quota after a rate limit and writes
// the result back through the repository. RefreshQuota returns immediately;
// the fetch runs in the background.
type QuotaUpdater struct {
	repo     Repository
	fetchers map[string]QuotaFetcher
	timeout  time.Duration
}

// NewQuotaUpdater wires the updater. fetchers is keyed by platform.
func NewQuotaUpdater(repo Repository, fetchers map[string]QuotaFetcher) *QuotaUpdater {
	return &QuotaUpdater{repo: repo, fetchers: fetchers, timeout: 30 * time.Second}
}

// RefreshQuota implements QuotaRefresher.
func (u *QuotaUpdater) RefreshQuota(accountID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
		defer cancel()

		a, err := u.repo.FindByID(ctx, accountID)
		if err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("quota refresh: account lookup failed")
			return
		}
		fetcher, ok := u.fetchers[a.Platform]
		if !ok {
			return
		}

		quotas, err := fetcher.FetchQuota(ctx, a.AccessToken)
		if err != nil {
			log.Warn().Err(err).
				Str("account_id", accountID).
				Str("platform", a.Platform).
				Msg("quota refresh failed")
			return
		}
		for _, q := range quotas {
			if err := u.repo.UpsertQuota(ctx, accountID, q.Model, q.Percentage, q.ResetAt); err != nil {
				log.Error().Err(err).Str("account_id", accountID).Msg("quota refresh: persist failed")
				return
			}
		}
		log.Info().
			Str("account_id", accountID).
			Int("models", len(quotas)).
			Msg("quota refreshed after rate limit")
	}()
}
