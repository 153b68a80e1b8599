package queue

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

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scriptedAdapter struct {
	name    string
	mu      sync.Mutex
	reqs    []platform.PostRequest
	creds   []platform.Credential
	publish func(call int, cred platform.Credential, req platform.PostRequest) (platform.Result, error)
}

func (a *scriptedAdapter) Platform() string { return a.name }

func (a *scriptedAdapter) Publish(ctx context.Context, cred platform.Credential, req platform.PostRequest) (platform.Result, error) {
	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	a.creds = append(a.creds, cred)
	call := len(a.reqs)
	a.mu.Unlock()
	return a.publish(call, cred, req)
}

func (a *scriptedAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reqs)
}

func completes(permalink string) func(int, platform.Credential, platform.PostRequest) (platform.Result, error) {
	return func(call int, cred platform.Credential, req platform.PostRequest) (platform.Result, error) {
		return platform.Completed("remote-1", permalink), nil
	}
}

func fails(err error) func(int, platform.Credential, platform.PostRequest) (platform.Result, error) {
	return func(call int, cred platform.Credential, req platform.PostRequest) (platform.Result, error) {
		return platform.Result{}, err
	}
}

type refreshableAdapter struct {
	*scriptedAdapter
	refresh func(ctx context.Context, cred platform.Credential) (*platform.Token, error)
}

func (a *refreshableAdapter) Refresh(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
	return a.refresh(ctx, cred)
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []int64
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, jobID int64, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, jobID)
	return nil
}

type fakeTracker struct {
	mu      sync.Mutex
	uploads []*models.AsyncUpload
}

func (t *fakeTracker) Track(u *models.AsyncUpload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploads = append(t.uploads, u)
}

type fixture struct {
	store   *memstore.Store
	clock   *clock
	enq     *fakeEnqueuer
	tracker *fakeTracker
	d       *Dispatcher
}

func newFixture(t *testing.T, adapters ...platform.Adapter) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	registry := platform.NewRegistry(adapters...)
	recorder := service.NewOutcomeRecorder(store.Transactor(), store.Jobs(), store.Posts(), store.Uploads(), store.History(), nil, nil, logger)
	creds := service.NewCredentialService(store.Accounts(), registry, testKey, time.Second, recorder, nil, logger)
	media := service.NewMediaService(store.Assets(), "https://media.example.com", nil, time.Hour)

	f := &fixture{
		store:   store,
		clock:   &clock{now: time.Now().Truncate(time.Second)},
		enq:     &fakeEnqueuer{},
		tracker: &fakeTracker{},
	}
	f.d = NewDispatcher(store.Jobs(), store.Posts(), media, creds, recorder, registry, f.enq, f.tracker, nil, logger, Options{
		Policy:      DefaultRetryPolicy(),
		CallTimeout: time.Second,
		Lease:       10 * time.Minute,
		Concurrency: 4,
	})
	f.d.now = f.clock.Now
	return f
}

func (f *fixture) connect(t *testing.T, userID int64, p string, expiresAt *time.Time) {
	t.Helper()
	access, err := utils.EncryptOptional("token-"+p, testKey)
	require.NoError(t, err)
	refresh, err := utils.EncryptOptional("refresh-"+p, testKey)
	require.NoError(t, err)
	f.store.PutAccount(models.SocialAccount{
		UserID:          userID,
		Platform:        p,
		AccountID:       "acct-" + p,
		AccountUsername: "someone",
		AccessToken:     access,
		RefreshToken:    refresh,
		TokenExpiresAt:  expiresAt,
	})
}

// submit stores a due post for userID with one pending job per platform.
func (f *fixture) submit(t *testing.T, userID int64, due time.Time, platforms ...string) (int64, map[string]int64) {
	t.Helper()
	ctx := context.Background()
	post := &models.Post{UserID: userID, PostType: models.PostTypeText, Caption: "hello world", Status: models.PostStatusScheduled, ScheduledTime: due}
	_, err := f.store.Posts().Create(ctx, nil, post)
	require.NoError(t, err)

	jobs := make([]*models.PublishJob, 0, len(platforms))
	for _, p := range platforms {
		jobs = append(jobs, &models.PublishJob{PostID: post.ID, UserID: userID, Platform: p, DueAt: due, IdempotencyKey: "key-" + p})
	}
	require.NoError(t, f.store.Jobs().CreateBatch(ctx, nil, jobs))

	ids := make(map[string]int64, len(jobs))
	for _, j := range jobs {
		ids[j.Platform] = j.ID
	}
	return post.ID, ids
}
