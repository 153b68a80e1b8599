package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/feed"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository/memstore"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAdapter struct {
	name string
}

func (a *fakeAdapter) Platform() string { return a.name }

func (a *fakeAdapter) Publish(ctx context.Context, cred platform.Credential, req platform.PostRequest) (platform.Result, error) {
	return platform.Completed("remote", ""), nil
}

type refreshingAdapter struct {
	fakeAdapter
	mu      sync.Mutex
	calls   int
	refresh func(ctx context.Context, cred platform.Credential) (*platform.Token, error)
}

func (a *refreshingAdapter) Refresh(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.refresh(ctx, cred)
}

func (a *refreshingAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recordingFeed struct {
	mu     sync.Mutex
	events []feed.Event
}

func (f *recordingFeed) Publish(ctx context.Context, e feed.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *recordingFeed) Close() error { return nil }

func (f *recordingFeed) ofType(typ string) []feed.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []feed.Event
	for _, e := range f.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []int64
	err  error
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, jobID int64, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, jobID)
	return e.err
}

func encrypt(t *testing.T, s string) string {
	t.Helper()
	out, err := utils.EncryptOptional(s, testKey)
	require.NoError(t, err)
	return out
}

func putAccount(t *testing.T, store *memstore.Store, userID int64, p, token string, expiresAt *time.Time) {
	t.Helper()
	store.PutAccount(models.SocialAccount{
		UserID:          userID,
		Platform:        p,
		AccountID:       "acct-" + p,
		AccountUsername: "someone",
		AccessToken:     encrypt(t, token),
		RefreshToken:    encrypt(t, "refresh-"+token),
		TokenExpiresAt:  expiresAt,
	})
}

// seedPost stores a post with one job per platform in the given states.
func seedPost(t *testing.T, store *memstore.Store, userID int64, states map[string]string) (*models.Post, map[string]*models.PublishJob) {
	t.Helper()
	ctx := context.Background()
	post := &models.Post{UserID: userID, PostType: models.PostTypeText, Caption: "hello", Status: models.PostStatusScheduled, ScheduledTime: time.Now()}
	_, err := store.Posts().Create(ctx, nil, post)
	require.NoError(t, err)

	jobs := make(map[string]*models.PublishJob, len(states))
	for p := range states {
		jobs[p] = &models.PublishJob{PostID: post.ID, UserID: userID, Platform: p, DueAt: time.Now().Add(-time.Second), IdempotencyKey: "k-" + p}
	}
	batch := make([]*models.PublishJob, 0, len(jobs))
	for _, j := range jobs {
		batch = append(batch, j)
	}
	require.NoError(t, store.Jobs().CreateBatch(ctx, nil, batch))

	for p, st := range states {
		j := store.Job(jobs[p].ID)
		j.State = st
		if st != models.JobStatePending {
			j.Attempts = 1
		}
		store.SetJob(*j)
		jobs[p] = store.Job(j.ID)
	}
	return post, jobs
}

func newRecorder(store *memstore.Store, fp feed.Publisher) OutcomeRecorder {
	return NewOutcomeRecorder(store.Transactor(), store.Jobs(), store.Posts(), store.Uploads(), store.History(), fp, nil, discardLogger())
}
