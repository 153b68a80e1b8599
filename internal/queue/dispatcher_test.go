package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentDispatchClaimsOnce(t *testing.T) {
	fb := &scriptedAdapter{name: platform.Facebook, publish: completes("https://www.facebook.com/1")}
	f := newFixture(t, fb)
	f.connect(t, 1, platform.Facebook, nil)
	_, ids := f.submit(t, 1, f.clock.Now(), platform.Facebook)

	const workers = 32
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		claimed atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := f.d.Dispatch(context.Background(), ids[platform.Facebook])
			assert.NoError(t, err)
			if ok {
				claimed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
	assert.Equal(t, 1, fb.Calls())
	job := f.store.Job(ids[platform.Facebook])
	assert.Equal(t, models.JobStateCompleted, job.State)
	assert.Equal(t, 1, job.Attempts)
}

func TestRateLimitedJobIsRetried(t *testing.T) {
	tw := &scriptedAdapter{name: platform.Twitter}
	tw.publish = func(call int, cred platform.Credential, req platform.PostRequest) (platform.Result, error) {
		if call == 1 {
			return platform.Result{}, &platform.PublishError{Kind: platform.KindRateLimited, Message: "Too Many Requests", RetryAfter: 2 * time.Minute}
		}
		return platform.Completed("1790", "https://x.com/i/web/status/1790"), nil
	}
	f := newFixture(t, tw)
	f.connect(t, 1, platform.Twitter, nil)
	postID, ids := f.submit(t, 1, f.clock.Now(), platform.Twitter)
	jobID := ids[platform.Twitter]
	ctx := context.Background()

	ok, err := f.d.Dispatch(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)

	job := f.store.Job(jobID)
	assert.Equal(t, models.JobStatePending, job.State)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, string(platform.KindRateLimited), job.LastErrorKind)
	assert.True(t, job.DueAt.Equal(f.clock.Now().Add(2*time.Minute)))
	assert.Equal(t, []int64{jobID}, f.enq.jobs)
	assert.Equal(t, models.PostStatusProcessing, f.store.Post(postID).Status)

	// not due yet
	ok, err = f.d.Dispatch(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Advance(2 * time.Minute)
	ok, err = f.d.Dispatch(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)

	job = f.store.Job(jobID)
	assert.Equal(t, models.JobStateCompleted, job.State)
	assert.Equal(t, "https://x.com/i/web/status/1790", job.Permalink)
	assert.Equal(t, models.PostStatusPublished, f.store.Post(postID).Status)

	require.Len(t, tw.reqs, 2)
	assert.Equal(t, 1, tw.reqs[0].Attempt)
	assert.Equal(t, 2, tw.reqs[1].Attempt)
	assert.Equal(t, tw.reqs[0].IdempotencyKey, tw.reqs[1].IdempotencyKey)
	assert.Equal(t, "hello world", tw.reqs[0].Caption)
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		calls int
		kind  platform.ErrorKind
	}{
		{"transient", platform.Errorf(platform.KindTransientNetwork, "connection reset"), 5, platform.KindTransientNetwork},
		{"unknown", errors.New("unexpected response"), 3, platform.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pin := &scriptedAdapter{name: platform.Pinterest, publish: fails(tt.err)}
			f := newFixture(t, pin)
			f.connect(t, 1, platform.Pinterest, nil)
			postID, ids := f.submit(t, 1, f.clock.Now(), platform.Pinterest)
			jobID := ids[platform.Pinterest]

			var retryCounts []int
			for i := 0; i < 10; i++ {
				ok, err := f.d.Dispatch(context.Background(), jobID)
				require.NoError(t, err)
				if !ok {
					break
				}
				retryCounts = append(retryCounts, f.store.Job(jobID).RetryCount)
				f.clock.Advance(time.Hour)
			}

			assert.Equal(t, tt.calls, pin.Calls())
			job := f.store.Job(jobID)
			assert.Equal(t, models.JobStateFailed, job.State)
			assert.Equal(t, string(tt.kind), job.LastErrorKind)
			assert.Equal(t, tt.calls-1, job.RetryCount)
			for i := 1; i < len(retryCounts)-1; i++ {
				assert.Greater(t, retryCounts[i], retryCounts[i-1])
			}
			assert.Equal(t, models.PostStatusFailed, f.store.Post(postID).Status)
		})
	}
}

func TestPartialAcrossPlatforms(t *testing.T) {
	fb := &scriptedAdapter{name: platform.Facebook, publish: completes("https://www.facebook.com/1_2")}
	ig := &scriptedAdapter{name: platform.Instagram, publish: fails(&platform.PublishError{
		Kind:       platform.KindContentRejected,
		Message:    "The aspect ratio is not supported.",
		StatusCode: 400,
	})}
	f := newFixture(t, fb, ig)
	f.connect(t, 1, platform.Facebook, nil)
	f.connect(t, 1, platform.Instagram, nil)
	postID, ids := f.submit(t, 1, f.clock.Now(), platform.Facebook, platform.Instagram)

	require.NoError(t, f.d.Sweep(context.Background()))

	assert.Equal(t, models.JobStateCompleted, f.store.Job(ids[platform.Facebook]).State)
	igJob := f.store.Job(ids[platform.Instagram])
	assert.Equal(t, models.JobStateFailed, igJob.State)
	assert.Equal(t, "The aspect ratio is not supported.", igJob.LastError)
	assert.Equal(t, 0, igJob.RetryCount)
	assert.Equal(t, 1, ig.Calls())
	assert.Equal(t, models.PostStatusPartial, f.store.Post(postID).Status)

	jobs, err := f.store.Jobs().ListByPost(context.Background(), postID)
	require.NoError(t, err)
	assert.Equal(t, "published to 1 of 2 platforms; instagram failed: content rejected", service.Summary(jobs))
}

func TestExpiredCredentialWithFailedRefreshFailsWithoutRetry(t *testing.T) {
	th := &refreshableAdapter{
		scriptedAdapter: &scriptedAdapter{name: platform.Threads, publish: completes("")},
		refresh: func(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
			return nil, platform.Errorf(platform.KindReconnectRequired, "Session has been invalidated")
		},
	}
	f := newFixture(t, th)
	expired := time.Now().Add(-time.Hour)
	f.connect(t, 1, platform.Threads, &expired)
	postID, ids := f.submit(t, 1, f.clock.Now(), platform.Threads)

	ok, err := f.d.Dispatch(context.Background(), ids[platform.Threads])
	require.NoError(t, err)
	require.True(t, ok)

	job := f.store.Job(ids[platform.Threads])
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Equal(t, string(platform.KindReconnectRequired), job.LastErrorKind)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, 0, th.Calls())
	assert.Empty(t, f.enq.jobs)
	assert.Equal(t, models.AccountStatusNeedsReconnect, f.store.Account(1, platform.Threads).AccountStatus)
	assert.Equal(t, models.PostStatusFailed, f.store.Post(postID).Status)
}

func TestUnusableCredentialFailsFast(t *testing.T) {
	bs := &scriptedAdapter{name: platform.Bluesky, publish: completes("")}
	f := newFixture(t, bs)
	f.connect(t, 1, platform.Bluesky, nil)
	require.NoError(t, f.store.Accounts().SetStatus(context.Background(), 1, platform.Bluesky, models.AccountStatusNeedsReconnect, "app password revoked"))
	_, ids := f.submit(t, 1, f.clock.Now(), platform.Bluesky)
	_, other := f.submit(t, 2, f.clock.Now(), platform.Bluesky)

	_, err := f.d.Dispatch(context.Background(), ids[platform.Bluesky])
	require.NoError(t, err)
	_, err = f.d.Dispatch(context.Background(), other[platform.Bluesky])
	require.NoError(t, err)

	assert.Equal(t, 0, bs.Calls())
	for _, id := range []int64{ids[platform.Bluesky], other[platform.Bluesky]} {
		job := f.store.Job(id)
		assert.Equal(t, models.JobStateFailed, job.State)
		assert.Equal(t, string(platform.KindReconnectRequired), job.LastErrorKind)
		assert.Equal(t, 0, job.RetryCount)
	}
	assert.Contains(t, f.store.Job(ids[platform.Bluesky]).LastError, "app password revoked")
	assert.Contains(t, f.store.Job(other[platform.Bluesky]).LastError, "not connected")
}

func TestAcceptedJobIsTracked(t *testing.T) {
	tt := &scriptedAdapter{name: platform.TikTok}
	tt.publish = func(call int, cred platform.Credential, req platform.PostRequest) (platform.Result, error) {
		return platform.Accepted("v_pub_url~v2.123"), nil
	}
	f := newFixture(t, tt)
	f.connect(t, 1, platform.TikTok, nil)
	postID, ids := f.submit(t, 1, f.clock.Now(), platform.TikTok)

	_, err := f.d.Dispatch(context.Background(), ids[platform.TikTok])
	require.NoError(t, err)

	job := f.store.Job(ids[platform.TikTok])
	assert.Equal(t, models.JobStateAcceptedAsync, job.State)
	assert.Equal(t, "v_pub_url~v2.123", job.RemoteID)
	assert.Equal(t, models.PostStatusProcessing, f.store.Post(postID).Status)
	require.Len(t, f.tracker.uploads, 1)
	assert.Equal(t, job.ID, f.tracker.uploads[0].JobID)
	assert.Equal(t, "v_pub_url~v2.123", f.tracker.uploads[0].RemoteID)
}

func TestAuthExpiredWithoutRefreshFailsAccountJobs(t *testing.T) {
	fb := &scriptedAdapter{name: platform.Facebook, publish: fails(&platform.PublishError{
		Kind:       platform.KindAuthExpired,
		Message:    "Error validating access token: The session has been invalidated",
		StatusCode: 401,
	})}
	f := newFixture(t, fb)
	f.connect(t, 1, platform.Facebook, nil)
	_, now := f.submit(t, 1, f.clock.Now(), platform.Facebook)
	laterPost, later := f.submit(t, 1, f.clock.Now().Add(time.Hour), platform.Facebook)

	_, err := f.d.Dispatch(context.Background(), now[platform.Facebook])
	require.NoError(t, err)

	job := f.store.Job(now[platform.Facebook])
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Equal(t, string(platform.KindReconnectRequired), job.LastErrorKind)
	assert.Contains(t, job.LastError, "session has been invalidated")

	assert.Equal(t, models.AccountStatusNeedsReconnect, f.store.Account(1, platform.Facebook).AccountStatus)
	assert.Equal(t, models.JobStateFailed, f.store.Job(later[platform.Facebook]).State)
	assert.Equal(t, models.PostStatusFailed, f.store.Post(laterPost).Status)
	assert.Equal(t, 1, fb.Calls())
}

func TestAuthExpiredWithRefreshRetriesWithNewToken(t *testing.T) {
	ig := &refreshableAdapter{
		scriptedAdapter: &scriptedAdapter{name: platform.Instagram},
		refresh: func(ctx context.Context, cred platform.Credential) (*platform.Token, error) {
			return &platform.Token{AccessToken: "fresh", ExpiresAt: time.Now().Add(60 * 24 * time.Hour)}, nil
		},
	}
	ig.publish = func(call int, cred platform.Credential, req platform.PostRequest) (platform.Result, error) {
		if cred.AccessToken != "fresh" {
			return platform.Result{}, platform.Errorf(platform.KindAuthExpired, "token expired")
		}
		return platform.Completed("1789", "https://www.instagram.com/p/abc/"), nil
	}
	f := newFixture(t, ig)
	f.connect(t, 1, platform.Instagram, nil)
	_, ids := f.submit(t, 1, f.clock.Now(), platform.Instagram)
	jobID := ids[platform.Instagram]

	_, err := f.d.Dispatch(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, f.store.Job(jobID).State)
	assert.Equal(t, models.AccountStatusActive, f.store.Account(1, platform.Instagram).AccountStatus)

	f.clock.Advance(30 * time.Second)
	_, err = f.d.Dispatch(context.Background(), jobID)
	require.NoError(t, err)

	job := f.store.Job(jobID)
	assert.Equal(t, models.JobStateCompleted, job.State)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "fresh", ig.creds[1].AccessToken)
}

func TestCancelledPostIsNotPublished(t *testing.T) {
	fb := &scriptedAdapter{name: platform.Facebook, publish: completes("")}
	f := newFixture(t, fb)
	f.connect(t, 1, platform.Facebook, nil)
	postID, ids := f.submit(t, 1, f.clock.Now(), platform.Facebook)
	require.NoError(t, f.store.Posts().MarkCancelled(context.Background(), nil, postID))

	ok, err := f.d.Dispatch(context.Background(), ids[platform.Facebook])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, fb.Calls())
	assert.Equal(t, models.JobStateCancelled, f.store.Job(ids[platform.Facebook]).State)
}

func TestSweepDispatchesDueAndReleasesStale(t *testing.T) {
	fb := &scriptedAdapter{name: platform.Facebook, publish: completes("")}
	f := newFixture(t, fb)
	f.connect(t, 1, platform.Facebook, nil)
	ctx := context.Background()

	_, due := f.submit(t, 1, f.clock.Now().Add(-time.Minute), platform.Facebook)
	_, future := f.submit(t, 1, f.clock.Now().Add(time.Hour), platform.Facebook)
	_, stale := f.submit(t, 1, f.clock.Now().Add(-time.Hour), platform.Facebook)

	// a worker claimed this one long ago and died
	claimedAt := f.clock.Now().Add(-30 * time.Minute)
	ok, err := f.store.Jobs().Claim(ctx, stale[platform.Facebook], claimedAt)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.d.Sweep(ctx))

	assert.Equal(t, models.JobStateCompleted, f.store.Job(due[platform.Facebook]).State)
	assert.Equal(t, models.JobStateCompleted, f.store.Job(stale[platform.Facebook]).State)
	assert.Equal(t, 2, f.store.Job(stale[platform.Facebook]).Attempts)
	assert.Equal(t, models.JobStatePending, f.store.Job(future[platform.Facebook]).State)
	assert.Equal(t, 2, fb.Calls())
}

func TestHandleDispatchTask(t *testing.T) {
	fb := &scriptedAdapter{name: platform.Facebook, publish: completes("")}
	f := newFixture(t, fb)
	f.connect(t, 1, platform.Facebook, nil)
	_, ids := f.submit(t, 1, f.clock.Now(), platform.Facebook)

	payload, err := json.Marshal(DispatchPayload{JobID: ids[platform.Facebook]})
	require.NoError(t, err)
	require.NoError(t, f.d.HandleDispatchTask(context.Background(), asynq.NewTask(TaskTypeDispatchJob, payload)))
	assert.Equal(t, models.JobStateCompleted, f.store.Job(ids[platform.Facebook]).State)

	err = f.d.HandleDispatchTask(context.Background(), asynq.NewTask(TaskTypeDispatchJob, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
