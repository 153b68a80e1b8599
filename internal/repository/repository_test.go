package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return sqlx.NewDb(db, "postgres"), mock
}

func TestClaimIsConditional(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPublishJobRepository(db)
	now := time.Now()

	mock.ExpectExec(`UPDATE publish_jobs\s+SET state = 'dispatching'.+WHERE id = \$1 AND state = 'pending' AND due_at <= \$2`).
		WithArgs(int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE publish_jobs\s+SET state = 'dispatching'`).
		WithArgs(int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Claim(context.Background(), 7, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(context.Background(), 7, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRescheduleIncrementsRetryCount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPublishJobRepository(db)
	due := time.Now().Add(time.Minute)

	mock.ExpectExec(`retry_count = retry_count \+ 1.+WHERE id = \$1 AND state = 'dispatching'`).
		WithArgs(int64(3), due, "rate_limited", "slow down").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Reschedule(context.Background(), 3, due, "rate_limited", "slow down")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTerminalTransitionsAreGuarded(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPublishJobRepository(db)

	mock.ExpectExec(`SET state = 'completed'.+WHERE id = \$1 AND state IN \('dispatching', 'accepted_async'\)`).
		WithArgs(int64(1), "remote", "https://x").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET state = 'failed_terminal'.+WHERE id = \$1 AND state IN \('dispatching', 'accepted_async'\)`).
		WithArgs(int64(1), "content_rejected", "bad").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Complete(context.Background(), 1, "remote", "https://x")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Fail(context.Background(), 1, "content_rejected", "bad")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseStale(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPublishJobRepository(db)
	cutoff := time.Now().Add(-10 * time.Minute)

	mock.ExpectExec(`SET state = 'pending', claimed_at = NULL.+WHERE state = 'dispatching' AND claimed_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.ReleaseStale(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestListDueOrdersByDueAt(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPublishJobRepository(db)
	now := time.Now()

	mock.ExpectQuery(`SELECT id FROM publish_jobs\s+WHERE state = 'pending' AND due_at <= \$1\s+ORDER BY due_at, id`).
		WithArgs(now, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)).AddRow(int64(2)))

	ids, err := repo.ListDue(context.Background(), now, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 2}, ids)
}

func TestCreateBatchInsertsOneRowPerJob(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPublishJobRepository(db)
	due := time.Now()
	created := due.Add(-time.Second)

	jobs := []*models.PublishJob{
		{PostID: 1, UserID: 9, Platform: "facebook", DueAt: due, IdempotencyKey: "k1"},
		{PostID: 1, UserID: 9, Platform: "instagram", DueAt: due, IdempotencyKey: "k2"},
	}
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO publish_jobs`).
		WithArgs(int64(1), int64(9), "facebook", "pending", due, "k1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(10), created))
	mock.ExpectQuery(`INSERT INTO publish_jobs`).
		WithArgs(int64(1), int64(9), "instagram", "pending", due, "k2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(11), created))
	mock.ExpectCommit()

	err := NewTransactor(db).WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return repo.CreateBatch(context.Background(), tx, jobs)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), jobs[0].ID)
	assert.Equal(t, int64(11), jobs[1].ID)
	assert.Equal(t, models.JobStatePending, jobs[1].State)
}

func TestTransactorRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := NewTransactor(db).WithTx(context.Background(), func(tx *sqlx.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestFailPendingForAccountReturnsChangedJobs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPublishJobRepository(db)
	now := time.Now()

	cols := []string{"id", "post_id", "user_id", "platform", "state", "due_at", "attempts", "retry_count", "last_error_kind",
		"last_error", "remote_id", "permalink", "idempotency_key", "claimed_at", "completed_at", "created_at", "updated_at"}
	mock.ExpectQuery(`UPDATE publish_jobs.+WHERE user_id = \$1 AND platform = \$2 AND state = 'pending'\s+RETURNING`).
		WithArgs(int64(9), "threads", "reconnect_required", "reconnect required").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(5), int64(2), int64(9), "threads", "failed_terminal", now, 0, 0, "reconnect_required",
				"reconnect required", "", "", "k", nil, now, now, now))

	jobs, err := repo.FailPendingForAccount(context.Background(), 9, "threads", "reconnect_required", "reconnect required")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(2), jobs[0].PostID)
	assert.Equal(t, models.JobStateFailed, jobs[0].State)
}

func TestSetTokenCompareAndSet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSocialAccountRepository(db)
	exp := time.Now().Add(time.Hour)
	update := &models.SocialAccount{AccessToken: "new-enc", TokenExpiresAt: &exp}

	mock.ExpectExec(`UPDATE social_accounts.+WHERE user_id = \$1 AND platform = \$2 AND access_token = \$3`).
		WithArgs(int64(1), "tiktok", "old-enc", "new-enc", "", &exp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE social_accounts`).
		WithArgs(int64(1), "tiktok", "old-enc", "new-enc", "", &exp).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.SetToken(context.Background(), 1, "tiktok", "old-enc", update))
	assert.ErrorIs(t, repo.SetToken(context.Background(), 1, "tiktok", "old-enc", update), ErrTokenChanged)
}

func TestGetAccountMissingReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSocialAccountRepository(db)

	mock.ExpectQuery(`FROM social_accounts WHERE user_id = \$1 AND platform = \$2`).
		WithArgs(int64(1), "bluesky").
		WillReturnError(sql.ErrNoRows)

	sa, err := repo.GetByUserAndPlatform(context.Background(), 1, "bluesky")
	require.NoError(t, err)
	assert.Nil(t, sa)
}

func TestCreatePostSetsID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostRepository(db)
	due := time.Now()

	post := &models.Post{UserID: 3, PostType: models.PostTypeText, Caption: "hello", ScheduledTime: due, Status: models.PostStatusScheduled}
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO posts`).
		WithArgs(int64(3), models.PostTypeText, "hello", "", due, models.PostStatusScheduled).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCommit()

	var id int64
	err := NewTransactor(db).WithTx(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		id, err = repo.Create(context.Background(), tx, post)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, int64(42), post.ID)
}

func TestUpdatePostStatusKeepsCancelled(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostRepository(db)

	mock.ExpectExec(`UPDATE posts\s+SET status = \$1,\s+updated_at = \$2\s+WHERE id = \$3 AND status <> 'cancelled'`).
		WithArgs(models.PostStatusPartial, sqlmock.AnyArg(), int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdatePostStatus(context.Background(), models.PostStatusPartial, 4))
}

func TestAsyncUploadLifecycle(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAsyncUploadRepository(db)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO async_uploads`).
		WithArgs(int64(3), int64(1), "tiktok", "v_pub_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(8), now))
	mock.ExpectExec(`UPDATE async_uploads SET polls = \$2, last_polled_at = \$3 WHERE id = \$1`).
		WithArgs(int64(8), 2, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM async_uploads WHERE job_id = \$1`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	au := &models.AsyncUpload{JobID: 3, UserID: 1, Platform: "tiktok", RemoteID: "v_pub_1"}
	id, err := repo.Create(context.Background(), nil, au)
	require.NoError(t, err)
	assert.Equal(t, int64(8), id)
	require.NoError(t, repo.Touch(context.Background(), 8, 2, now))
	require.NoError(t, repo.DeleteByJob(context.Background(), 3))
}

func TestApiKeyLookupAndScopedRemove(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewApiKeyRepository(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT id, user_id, prefix, key_hash, last_used_at, created_at FROM api_keys WHERE key_hash = \$1`).
		WithArgs("abc").
		WillReturnError(sql.ErrNoRows)
	key, err := repo.GetByHash(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, key)

	mock.ExpectExec(`DELETE FROM api_keys WHERE id = \$1 AND user_id = \$2`).
		WithArgs(int64(3), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	removed, err := repo.Remove(ctx, 3, 9)
	require.NoError(t, err)
	assert.False(t, removed)
}
