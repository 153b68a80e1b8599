package service

import (
	"context"
	"testing"

	"github.com/maheshrc27/postflow/internal/repository/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApiKeyStoresOnlyHash(t *testing.T) {
	store := memstore.New()
	s := NewApiKeyService(store.Keys(), discardLogger())
	ctx := context.Background()

	created, err := s.Create(ctx, 1)
	require.NoError(t, err)

	keys, err := s.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotEqual(t, created.Key, keys[0].KeyHash)
	assert.Equal(t, hashKey(created.Key), keys[0].KeyHash)
	assert.Equal(t, created.Key[:9], keys[0].Prefix)
	assert.Nil(t, keys[0].LastUsedAt)

	userID, err := s.Authenticate(ctx, created.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), userID)

	keys, err = s.List(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestApiKeyAuthenticateRejectsUnknown(t *testing.T) {
	s := NewApiKeyService(memstore.New().Keys(), discardLogger())

	_, err := s.Authenticate(context.Background(), "pf_nope")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = s.Authenticate(context.Background(), "sk_live_123")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestApiKeyRemoveChecksOwner(t *testing.T) {
	store := memstore.New()
	s := NewApiKeyService(store.Keys(), discardLogger())
	ctx := context.Background()

	created, err := s.Create(ctx, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, s.RemoveAPIKey(ctx, 2, created.ID), ErrKeyNotFound)
	assert.ErrorIs(t, s.RemoveAPIKey(ctx, 1, 0), ErrKeyNotFound)
	require.NoError(t, s.RemoveAPIKey(ctx, 1, created.ID))

	_, err = s.Authenticate(ctx, created.Key)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}
