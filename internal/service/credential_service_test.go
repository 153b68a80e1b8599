package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/feed"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository/memstore"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCredentialService(store *memstore.Store, fp feed.Publisher, adapters ...platform.Adapter) CredentialService {
	recorder := newRecorder(store, fp)
	return NewCredentialService(store.Accounts(), platform.NewRegistry(adapters...), testKey, time.Second, recorder, nil, discardLogger())
}

func TestResolve(t *testing.T) {
	store := memstore.New()
	svc := newCredentialService(store, nil, &fakeAdapter{name: platform.Bluesky})
	ctx := context.Background()

	_, err := svc.Resolve(ctx, 1, platform.Bluesky)
	ce, ok := AsCredentialError(err)
	require.True(t, ok)
	assert.Equal(t, CredentialNotConnected, ce.Kind)
	assert.Equal(t, platform.KindReconnectRequired, ce.PublishError().Kind)

	future := time.Now().Add(time.Hour)
	putAccount(t, store, 1, platform.Bluesky, "tok", &future)
	cred, err := svc.Resolve(ctx, 1, platform.Bluesky)
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.AccessToken)
	assert.Equal(t, "refresh-tok", cred.RefreshToken)
	assert.Equal(t, "acct-bluesky", cred.AccountID)
	assert.Equal(t, "someone", cred.Username)

	require.NoError(t, store.Accounts().SetStatus(ctx, 1, platform.Bluesky, models.AccountStatusNeedsReconnect, "revoked by user"))
	_, err = svc.Resolve(ctx, 1, platform.Bluesky)
	ce, ok = AsCredentialError(err)
	require.True(t, ok)
	assert.Equal(t, CredentialNeedsReconnect, ce.Kind)
	assert.Contains(t, ce.Error(), "revoked by user")
}

func TestResolveWithinSkewIsExpired(t *testing.T) {
	store := memstore.New()
	svc := newCredentialService(store, nil, &fakeAdapter{name: platform.Facebook})

	soon := time.Now().Add(30 * time.Second)
	putAccount(t, store, 1, platform.Facebook, "tok", &soon)

	_, err := svc.Resolve(context.Background(), 1, platform.Facebook)
	ce, ok := AsCredentialError(err)
	require.True(t, ok)
	assert.Equal(t, CredentialExpired, ce.Kind)
}

func TestResolveFreshRefreshesExpiredToken(t *testing.T) {
	store := memstore.New()
	newExpiry := time.Now().Add(60 * 24 * time.Hour).Truncate(time.Second)
	adapter := &refreshingAdapter{
		fakeAdapter: fakeAdapter{name: platform.Threads},
		refresh: func(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
			assert.Equal(t, "old", cred.AccessToken)
			return &platform.Token{AccessToken: "new", ExpiresAt: newExpiry}, nil
		},
	}
	svc := newCredentialService(store, nil, adapter)

	past := time.Now().Add(-time.Hour)
	putAccount(t, store, 1, platform.Threads, "old", &past)

	cred, err := svc.ResolveFresh(context.Background(), 1, platform.Threads)
	require.NoError(t, err)
	assert.Equal(t, "new", cred.AccessToken)
	assert.Equal(t, "refresh-old", cred.RefreshToken)
	assert.True(t, cred.ExpiresAt.Equal(newExpiry))

	stored := store.Account(1, platform.Threads)
	plain, err := utils.Decrypt(stored.AccessToken, testKey)
	require.NoError(t, err)
	assert.Equal(t, "new", plain)
	assert.True(t, stored.TokenExpiresAt.Equal(newExpiry))

	// the stored token is now fresh, so no second refresh happens
	_, err = svc.ResolveFresh(context.Background(), 1, platform.Threads)
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.Calls())
}

func TestRefreshFailureMarksReconnectAndFailsPendingJobs(t *testing.T) {
	store := memstore.New()
	fp := &recordingFeed{}
	adapter := &refreshingAdapter{
		fakeAdapter: fakeAdapter{name: platform.Threads},
		refresh: func(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
			return nil, platform.Errorf(platform.KindReconnectRequired, "refresh token revoked")
		},
	}
	svc := newCredentialService(store, fp, adapter)

	past := time.Now().Add(-time.Hour)
	putAccount(t, store, 1, platform.Threads, "old", &past)
	post, jobs := seedPost(t, store, 1, map[string]string{
		platform.Threads:  models.JobStatePending,
		platform.Facebook: models.JobStateCompleted,
	})

	_, err := svc.ResolveFresh(context.Background(), 1, platform.Threads)
	ce, ok := AsCredentialError(err)
	require.True(t, ok)
	assert.Equal(t, CredentialNeedsReconnect, ce.Kind)

	assert.Equal(t, models.AccountStatusNeedsReconnect, store.Account(1, platform.Threads).AccountStatus)

	job := store.Job(jobs[platform.Threads].ID)
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Equal(t, string(platform.KindReconnectRequired), job.LastErrorKind)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, models.PostStatusPartial, store.Post(post.ID).Status)

	alerts := fp.ofType(feed.TypeReconnectRequired)
	require.Len(t, alerts, 1)
	assert.Equal(t, platform.Threads, alerts[0].Platform)
	assert.Equal(t, "refresh token revoked", alerts[0].ErrorMessage)
}

func TestRefreshTransientFailureKeepsAccountActive(t *testing.T) {
	store := memstore.New()
	adapter := &refreshingAdapter{
		fakeAdapter: fakeAdapter{name: platform.TikTok},
		refresh: func(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
			return nil, platform.Errorf(platform.KindTransientNetwork, "connection reset")
		},
	}
	svc := newCredentialService(store, nil, adapter)

	past := time.Now().Add(-time.Hour)
	putAccount(t, store, 1, platform.TikTok, "old", &past)

	_, err := svc.ResolveFresh(context.Background(), 1, platform.TikTok)
	pe := platform.AsPublishError(err)
	assert.Equal(t, platform.KindTransientNetwork, pe.Kind)
	_, isCred := AsCredentialError(err)
	assert.False(t, isCred)
	assert.Equal(t, models.AccountStatusActive, store.Account(1, platform.TikTok).AccountStatus)
}

func TestExpiredWithoutRefresherNeedsReconnect(t *testing.T) {
	store := memstore.New()
	svc := newCredentialService(store, nil, &fakeAdapter{name: platform.Facebook})

	past := time.Now().Add(-time.Hour)
	putAccount(t, store, 1, platform.Facebook, "tok", &past)

	_, err := svc.ResolveFresh(context.Background(), 1, platform.Facebook)
	ce, ok := AsCredentialError(err)
	require.True(t, ok)
	assert.Equal(t, CredentialNeedsReconnect, ce.Kind)
	assert.Equal(t, models.AccountStatusNeedsReconnect, store.Account(1, platform.Facebook).AccountStatus)
}

func TestConcurrentRefreshSharesOneCall(t *testing.T) {
	store := memstore.New()
	release := make(chan struct{})
	adapter := &refreshingAdapter{
		fakeAdapter: fakeAdapter{name: platform.YouTube},
		refresh: func(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
			<-release
			return &platform.Token{AccessToken: "new", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	svc := newCredentialService(store, nil, adapter)
	past := time.Now().Add(-time.Hour)
	putAccount(t, store, 1, platform.YouTube, "old", &past)

	const n = 8
	var wg sync.WaitGroup
	tokens := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := svc.Refresh(context.Background(), 1, platform.YouTube)
			assert.NoError(t, err)
			tokens[i] = cred.AccessToken
		}(i)
	}

	require.Eventually(t, func() bool { return adapter.Calls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, adapter.Calls())
	for _, tok := range tokens {
		assert.Equal(t, "new", tok)
	}
}

func TestSharedRefreshSurvivesFirstCallerCancel(t *testing.T) {
	store := memstore.New()
	release := make(chan struct{})
	var refreshErr error
	adapter := &refreshingAdapter{
		fakeAdapter: fakeAdapter{name: platform.YouTube},
		refresh: func(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
			<-release
			refreshErr = ctx.Err()
			return &platform.Token{AccessToken: "new", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	svc := newCredentialService(store, nil, adapter)
	past := time.Now().Add(-time.Hour)
	putAccount(t, store, 1, platform.YouTube, "old", &past)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := svc.Refresh(leaderCtx, 1, platform.YouTube)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return adapter.Calls() == 1 }, time.Second, time.Millisecond)

	follower := make(chan platform.Credential, 1)
	go func() {
		cred, err := svc.Refresh(context.Background(), 1, platform.YouTube)
		assert.NoError(t, err)
		follower <- cred
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	close(release)

	cred := <-follower
	assert.Equal(t, "new", cred.AccessToken)
	assert.NoError(t, refreshErr)
	assert.Equal(t, 1, adapter.Calls())
}

func TestRefreshLosesRaceToAnotherWriter(t *testing.T) {
	store := memstore.New()
	past := time.Now().Add(-time.Hour)
	putAccount(t, store, 1, platform.Pinterest, "old", &past)

	adapter := &refreshingAdapter{fakeAdapter: fakeAdapter{name: platform.Pinterest}}
	adapter.refresh = func(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
		// a reconnect lands while the refresh is in flight
		future := time.Now().Add(time.Hour)
		putAccount(t, store, 1, platform.Pinterest, "reconnected", &future)
		return &platform.Token{AccessToken: "refreshed", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	svc := newCredentialService(store, nil, adapter)

	cred, err := svc.Refresh(context.Background(), 1, platform.Pinterest)
	require.NoError(t, err)
	assert.Equal(t, "reconnected", cred.AccessToken)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	store := memstore.New()
	adapter := &refreshingAdapter{
		fakeAdapter: fakeAdapter{name: platform.Instagram},
		refresh: func(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
			return &platform.Token{AccessToken: "new"}, nil
		},
	}
	svc := newCredentialService(store, nil, adapter)
	future := time.Now().Add(time.Hour)
	putAccount(t, store, 1, platform.Instagram, "old", &future)

	require.NoError(t, svc.Invalidate(context.Background(), 1, platform.Instagram))
	cred, err := svc.ResolveFresh(context.Background(), 1, platform.Instagram)
	require.NoError(t, err)
	assert.Equal(t, "new", cred.AccessToken)
	// no expiry from the platform falls back to the default lifetime
	assert.WithinDuration(t, time.Now().Add(defaultTokenLifetime), cred.ExpiresAt, time.Minute)
}
