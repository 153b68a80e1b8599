package job

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
	"golang.org/x/time/rate"
)

type RefreshOptions struct {
	// Lookahead renews tokens that expire within this window.
	Lookahead   time.Duration
	RatePerSec  int
	Concurrency int
}

// TokenRefreshJob renews expiring tokens ahead of the jobs that need them so
// dispatch rarely has to refresh inline.
type TokenRefreshJob struct {
	accounts repository.SocialAccountRepository
	registry *platform.Registry
	creds    service.CredentialService
	limiter  *rate.Limiter
	opts     RefreshOptions
	logger   *slog.Logger
	now      func() time.Time
}

func NewTokenRefreshJob(
	accounts repository.SocialAccountRepository,
	registry *platform.Registry,
	creds service.CredentialService,
	opts RefreshOptions,
	logger *slog.Logger) *TokenRefreshJob {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &TokenRefreshJob{
		accounts: accounts,
		registry: registry,
		creds:    creds,
		limiter:  rate.NewLimiter(limit, 1),
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// RefreshTokens renews every active account whose token expires within the
// lookahead. Failures are left to the credential service: it marks the
// account for reconnect when the platform says so.
func (c *TokenRefreshJob) RefreshTokens(ctx context.Context) {
	accounts, err := c.accounts.ListExpiring(ctx, c.now().Add(c.opts.Lookahead))
	if err != nil {
		c.logger.Error("list expiring accounts", "error", err)
		return
	}

	var (
		wg        sync.WaitGroup
		refreshed atomic.Int32
		failed    atomic.Int32
	)
	semaphore := make(chan struct{}, c.opts.Concurrency)

	for _, acc := range accounts {
		if !c.renewable(acc) {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.SocialAccount) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if _, err := c.creds.Refresh(ctx, acc.UserID, acc.Platform); err != nil {
				failed.Add(1)
				c.logger.Warn("unable to refresh token", "user_id", acc.UserID, "platform", acc.Platform, "error", err)
				return
			}
			refreshed.Add(1)
		}(acc)
	}

	wg.Wait()

	if refreshed.Load() > 0 || failed.Load() > 0 {
		c.logger.Info("token refresh sweep finished", "refreshed", refreshed.Load(), "failed", failed.Load())
	}
}

// OAuth1 credentials carry a token secret and never expire.
func (c *TokenRefreshJob) renewable(acc *models.SocialAccount) bool {
	if acc.TokenSecret != "" {
		return false
	}
	_, ok := c.registry.Refresher(acc.Platform)
	return ok
}
