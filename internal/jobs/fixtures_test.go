package job

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository/memstore"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// asyncAdapter accepts every publish and answers status checks from a
// script; the last entry repeats.
type asyncAdapter struct {
	name string

	mu       sync.Mutex
	statuses []platform.Status
	checks   int
}

func (a *asyncAdapter) Platform() string { return a.name }

func (a *asyncAdapter) Publish(ctx context.Context, cred platform.Credential, req platform.PostRequest) (platform.Result, error) {
	return platform.Accepted("remote-1"), nil
}

func (a *asyncAdapter) CheckStatus(ctx context.Context, cred platform.Credential, remoteID string) (platform.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.checks
	if i >= len(a.statuses) {
		i = len(a.statuses) - 1
	}
	a.checks++
	return a.statuses[i], nil
}

func (a *asyncAdapter) Checks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checks
}

type refreshingAdapter struct {
	name  string
	token string
	err   error

	mu    sync.Mutex
	calls int
}

func (a *refreshingAdapter) Platform() string { return a.name }

func (a *refreshingAdapter) Publish(ctx context.Context, cred platform.Credential, req platform.PostRequest) (platform.Result, error) {
	return platform.Completed("1", ""), nil
}

func (a *refreshingAdapter) Refresh(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return &platform.Token{AccessToken: a.token, ExpiresAt: time.Now().Add(60 * 24 * time.Hour)}, nil
}

func (a *refreshingAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type plainAdapter struct{ name string }

func (a plainAdapter) Platform() string { return a.name }

func (a plainAdapter) Publish(ctx context.Context, cred platform.Credential, req platform.PostRequest) (platform.Result, error) {
	return platform.Completed("1", ""), nil
}

// heldSpawner records spawned tasks without running them.
type heldSpawner struct {
	mu    sync.Mutex
	names []string
}

func (s *heldSpawner) Spawn(name string, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return true
}

type env struct {
	store    *memstore.Store
	registry *platform.Registry
	recorder service.OutcomeRecorder
	creds    service.CredentialService
}

func newEnv(adapters ...platform.Adapter) *env {
	store := memstore.New()
	registry := platform.NewRegistry(adapters...)
	recorder := service.NewOutcomeRecorder(store.Transactor(), store.Jobs(), store.Posts(), store.Uploads(), store.History(), nil, nil, discardLogger())
	return &env{
		store:    store,
		registry: registry,
		recorder: recorder,
		creds:    service.NewCredentialService(store.Accounts(), registry, testKey, time.Second, recorder, nil, discardLogger()),
	}
}

func (e *env) connect(t *testing.T, userID int64, p string, expiresAt *time.Time, secret string) {
	t.Helper()
	access, err := utils.EncryptOptional("token-"+p, testKey)
	require.NoError(t, err)
	refresh, err := utils.EncryptOptional("refresh-"+p, testKey)
	require.NoError(t, err)
	tokenSecret, err := utils.EncryptOptional(secret, testKey)
	require.NoError(t, err)
	e.store.PutAccount(models.SocialAccount{
		UserID:         userID,
		Platform:       p,
		AccountID:      "acct-" + p,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenSecret:    tokenSecret,
		TokenExpiresAt: expiresAt,
	})
}

func (e *env) accessToken(t *testing.T, userID int64, p string) string {
	t.Helper()
	plain, err := utils.DecryptOptional(e.store.Account(userID, p).AccessToken, testKey)
	require.NoError(t, err)
	return plain
}

// accept stores a post whose single job on p has been dispatched and
// accepted by the platform, and returns the persisted upload handle.
func (e *env) accept(t *testing.T, userID int64, p string) *models.AsyncUpload {
	t.Helper()
	ctx := context.Background()
	post := &models.Post{UserID: userID, PostType: models.PostTypeSingle, Status: models.PostStatusProcessing, ScheduledTime: time.Now()}
	_, err := e.store.Posts().Create(ctx, nil, post)
	require.NoError(t, err)

	job := &models.PublishJob{PostID: post.ID, UserID: userID, Platform: p, DueAt: time.Now().Add(-time.Second), IdempotencyKey: "key"}
	require.NoError(t, e.store.Jobs().CreateBatch(ctx, nil, []*models.PublishJob{job}))
	ok, err := e.store.Jobs().Claim(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := e.store.Jobs().GetByID(ctx, job.ID)
	require.NoError(t, err)
	upload, err := e.recorder.Accepted(ctx, claimed, "v_pub_url~v2.1")
	require.NoError(t, err)
	require.NotNil(t, upload)
	return upload
}
