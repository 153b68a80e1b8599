package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/pkg/utils"
	"golang.org/x/sync/singleflight"
)

// A token this close to its expiry is treated as expired.
const expirySkew = time.Minute

// Used when a platform renews a token without saying how long it lives.
const defaultTokenLifetime = time.Hour

type CredentialService interface {
	// Resolve returns the stored credential or a *CredentialError.
	Resolve(ctx context.Context, userID int64, platform string) (platform.Credential, error)
	// ResolveFresh is Resolve followed by a synchronous refresh when the
	// token has expired.
	ResolveFresh(ctx context.Context, userID int64, platform string) (platform.Credential, error)
	Refresh(ctx context.Context, userID int64, platform string) (platform.Credential, error)
	// Invalidate forces the next resolve through refresh.
	Invalidate(ctx context.Context, userID int64, platform string) error
	MarkNeedsReconnect(ctx context.Context, userID int64, platform, reason string) error
}

// ReconnectNotifier is told when an account stops being usable.
type ReconnectNotifier interface {
	AccountNeedsReconnect(ctx context.Context, userID int64, platform, reason string) error
}

type credentialService struct {
	accounts       repository.SocialAccountRepository
	registry       *platform.Registry
	key            []byte
	refreshTimeout time.Duration
	notifier       ReconnectNotifier
	metrics        *metrics.Metrics
	logger         *slog.Logger
	group          singleflight.Group
	now            func() time.Time
}

func NewCredentialService(
	accounts repository.SocialAccountRepository,
	registry *platform.Registry,
	key []byte,
	refreshTimeout time.Duration,
	notifier ReconnectNotifier,
	m *metrics.Metrics,
	logger *slog.Logger) CredentialService {
	return &credentialService{
		accounts:       accounts,
		registry:       registry,
		key:            key,
		refreshTimeout: refreshTimeout,
		notifier:       notifier,
		metrics:        m,
		logger:         logger,
		now:            time.Now,
	}
}

func (s *credentialService) Resolve(ctx context.Context, userID int64, p string) (platform.Credential, error) {
	sa, err := s.load(ctx, userID, p)
	if err != nil {
		return platform.Credential{}, err
	}
	if s.expired(sa) {
		return platform.Credential{}, &CredentialError{Kind: CredentialExpired, Platform: p}
	}
	return s.decrypt(sa)
}

func (s *credentialService) ResolveFresh(ctx context.Context, userID int64, p string) (platform.Credential, error) {
	cred, err := s.Resolve(ctx, userID, p)
	if ce, ok := AsCredentialError(err); ok && ce.Kind == CredentialExpired {
		return s.Refresh(ctx, userID, p)
	}
	return cred, err
}

// Refresh renews the token of one account. Concurrent calls for the same
// account share a single platform request, which outlives any one caller's
// cancellation and is bounded by the refresh timeout.
func (s *credentialService) Refresh(ctx context.Context, userID int64, p string) (platform.Credential, error) {
	key := fmt.Sprintf("%d:%s", userID, p)
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.refresh(shared, userID, p)
	})
	select {
	case <-ctx.Done():
		return platform.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return platform.Credential{}, res.Err
		}
		return res.Val.(platform.Credential), nil
	}
}

func (s *credentialService) refresh(ctx context.Context, userID int64, p string) (platform.Credential, error) {
	sa, err := s.load(ctx, userID, p)
	if err != nil {
		return platform.Credential{}, err
	}

	refresher, ok := s.registry.Refresher(p)
	if !ok {
		reason := "token expired and cannot be renewed"
		s.metrics.ObserveRefresh(p, "unsupported")
		if err := s.MarkNeedsReconnect(ctx, userID, p, reason); err != nil {
			return platform.Credential{}, err
		}
		return platform.Credential{}, &CredentialError{Kind: CredentialNeedsReconnect, Platform: p, Reason: reason}
	}

	cred, err := s.decrypt(sa)
	if err != nil {
		return platform.Credential{}, err
	}

	rctx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	defer cancel()

	tok, err := refresher.Refresh(rctx, cred)
	if err != nil {
		pe := platform.AsPublishError(err)
		if pe.Retryable() {
			s.metrics.ObserveRefresh(p, "error")
			s.logger.Warn("token refresh failed", "user_id", userID, "platform", p, "error_kind", pe.Kind, "error", pe)
			return platform.Credential{}, pe
		}
		s.metrics.ObserveRefresh(p, "reconnect")
		reason := pe.Message
		if err := s.MarkNeedsReconnect(ctx, userID, p, reason); err != nil {
			return platform.Credential{}, err
		}
		return platform.Credential{}, &CredentialError{Kind: CredentialNeedsReconnect, Platform: p, Reason: reason}
	}

	expiresAt := tok.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(defaultTokenLifetime)
	}
	update := &models.SocialAccount{TokenExpiresAt: &expiresAt}
	if update.AccessToken, err = utils.EncryptOptional(tok.AccessToken, s.key); err != nil {
		return platform.Credential{}, fmt.Errorf("encrypt access token: %w", err)
	}
	if update.RefreshToken, err = utils.EncryptOptional(tok.RefreshToken, s.key); err != nil {
		return platform.Credential{}, fmt.Errorf("encrypt refresh token: %w", err)
	}

	err = s.accounts.SetToken(ctx, userID, p, sa.AccessToken, update)
	if errors.Is(err, repository.ErrTokenChanged) {
		// another writer renewed it first; theirs is at least as fresh
		s.metrics.ObserveRefresh(p, "superseded")
		return s.Resolve(ctx, userID, p)
	}
	if err != nil {
		return platform.Credential{}, fmt.Errorf("store refreshed token: %w", err)
	}

	s.metrics.ObserveRefresh(p, "ok")
	s.logger.Info("token refreshed", "user_id", userID, "platform", p, "expires_at", expiresAt)

	if tok.AccessToken != "" {
		cred.AccessToken = tok.AccessToken
	}
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	cred.ExpiresAt = expiresAt
	return cred, nil
}

func (s *credentialService) Invalidate(ctx context.Context, userID int64, p string) error {
	return s.accounts.Expire(ctx, userID, p, s.now())
}

func (s *credentialService) MarkNeedsReconnect(ctx context.Context, userID int64, p, reason string) error {
	if err := s.accounts.SetStatus(ctx, userID, p, models.AccountStatusNeedsReconnect, reason); err != nil {
		return fmt.Errorf("mark %s account for reconnect: %w", p, err)
	}
	s.logger.Warn("account needs reconnect", "user_id", userID, "platform", p, "reason", reason)
	if s.notifier == nil {
		return nil
	}
	return s.notifier.AccountNeedsReconnect(ctx, userID, p, reason)
}

func (s *credentialService) load(ctx context.Context, userID int64, p string) (*models.SocialAccount, error) {
	sa, err := s.accounts.GetByUserAndPlatform(ctx, userID, p)
	if err != nil {
		return nil, fmt.Errorf("load %s account: %w", p, err)
	}
	if sa == nil {
		return nil, &CredentialError{Kind: CredentialNotConnected, Platform: p}
	}
	if sa.AccountStatus != models.AccountStatusActive {
		return nil, &CredentialError{Kind: CredentialNeedsReconnect, Platform: p, Reason: sa.StatusReason}
	}
	return sa, nil
}

func (s *credentialService) expired(sa *models.SocialAccount) bool {
	return sa.TokenExpiresAt != nil && !s.now().Add(expirySkew).Before(*sa.TokenExpiresAt)
}

func (s *credentialService) decrypt(sa *models.SocialAccount) (platform.Credential, error) {
	access, err := utils.Decrypt(sa.AccessToken, s.key)
	if err != nil {
		return platform.Credential{}, fmt.Errorf("decrypt %s access token: %w", sa.Platform, err)
	}
	refresh, err := utils.DecryptOptional(sa.RefreshToken, s.key)
	if err != nil {
		return platform.Credential{}, fmt.Errorf("decrypt %s refresh token: %w", sa.Platform, err)
	}
	secret, err := utils.DecryptOptional(sa.TokenSecret, s.key)
	if err != nil {
		return platform.Credential{}, fmt.Errorf("decrypt %s token secret: %w", sa.Platform, err)
	}
	cred := platform.Credential{
		UserID:       sa.UserID,
		Platform:     sa.Platform,
		AccountID:    sa.AccountID,
		Username:     sa.AccountUsername,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenSecret:  secret,
	}
	if sa.TokenExpiresAt != nil {
		cred.ExpiresAt = *sa.TokenExpiresAt
	}
	return cred, nil
}
