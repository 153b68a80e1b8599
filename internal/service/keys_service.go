package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/transfer"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	apiKeyPrefix   = "pf_"
	maxKeysPerUser = 5
)

var (
	ErrTooManyKeys   = fmt.Errorf("only %d API keys can be created", maxKeysPerUser)
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

type ApiKeyService interface {
	// Create returns the plaintext key; it cannot be recovered later.
	Create(ctx context.Context, userID int64) (*transfer.ApiKeyCreated, error)
	List(ctx context.Context, userID int64) ([]*models.ApiKey, error)
	Authenticate(ctx context.Context, apiKey string) (int64, error)
	RemoveAPIKey(ctx context.Context, userID, keyID int64) error
}

type apiKeyService struct {
	k      repository.ApiKeyRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewApiKeyService(k repository.ApiKeyRepository, logger *slog.Logger) ApiKeyService {
	return &apiKeyService{
		k:      k,
		logger: logger,
		now:    time.Now,
	}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (s *apiKeyService) Create(ctx context.Context, userID int64) (*transfer.ApiKeyCreated, error) {
	keys, err := s.k.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error listing API keys: %w", err)
	}
	if len(keys) >= maxKeysPerUser {
		return nil, ErrTooManyKeys
	}

	secret, err := gonanoid.New(32)
	if err != nil {
		return nil, fmt.Errorf("error generating API key: %w", err)
	}
	plain := apiKeyPrefix + secret

	apiKey := &models.ApiKey{
		UserID:  userID,
		Prefix:  plain[:len(apiKeyPrefix)+6],
		KeyHash: hashKey(plain),
	}
	if _, err := s.k.Create(ctx, apiKey); err != nil {
		return nil, fmt.Errorf("error saving API key: %w", err)
	}

	s.logger.Info("api key created", "user_id", userID, "key_id", apiKey.ID)
	return &transfer.ApiKeyCreated{ID: apiKey.ID, Prefix: apiKey.Prefix, Key: plain, CreatedAt: apiKey.CreatedAt}, nil
}

func (s *apiKeyService) Authenticate(ctx context.Context, apiKey string) (int64, error) {
	if !strings.HasPrefix(apiKey, apiKeyPrefix) {
		return 0, ErrInvalidAPIKey
	}
	key, err := s.k.GetByHash(ctx, hashKey(apiKey))
	if err != nil {
		return 0, fmt.Errorf("error looking up API key: %w", err)
	}
	if key == nil {
		return 0, ErrInvalidAPIKey
	}
	if err := s.k.Touch(ctx, key.ID, s.now()); err != nil {
		s.logger.Warn("unable to record api key use", "key_id", key.ID, "error", err)
	}
	return key.UserID, nil
}

func (s *apiKeyService) List(ctx context.Context, userID int64) ([]*models.ApiKey, error) {
	apiKeys, err := s.k.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("error getting API keys: %w", err)
	}
	return apiKeys, nil
}

func (s *apiKeyService) RemoveAPIKey(ctx context.Context, userID, keyID int64) error {
	if keyID <= 0 {
		return ErrKeyNotFound
	}
	removed, err := s.k.Remove(ctx, keyID, userID)
	if err != nil {
		return fmt.Errorf("error removing API key: %w", err)
	}
	if !removed {
		return ErrKeyNotFound
	}
	return nil
}
