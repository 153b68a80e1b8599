// Package memstore is an in-memory implementation of the repository
// interfaces with the same conditional-transition semantics as the Postgres
// one. It backs the service, queue, jobs and handler tests.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

type Store struct {
	mu       sync.Mutex
	seq      int64
	posts    map[int64]*models.Post
	media    map[int64][]*models.PostMedia
	assets   map[int64]*models.MediaAsset
	accounts map[string]*models.SocialAccount
	jobs     map[int64]*models.PublishJob
	uploads  map[int64]*models.AsyncUpload
	history  []*models.PostingHistory
	keys     map[int64]*models.ApiKey

	// FailCreateJobs makes the next job insert fail, to exercise rollback.
	FailCreateJobs error
}

func New() *Store {
	return &Store{
		posts:    map[int64]*models.Post{},
		media:    map[int64][]*models.PostMedia{},
		assets:   map[int64]*models.MediaAsset{},
		accounts: map[string]*models.SocialAccount{},
		jobs:     map[int64]*models.PublishJob{},
		uploads:  map[int64]*models.AsyncUpload{},
		keys:     map[int64]*models.ApiKey{},
	}
}

func (s *Store) next() int64 {
	s.seq++
	return s.seq
}

func accountKey(userID int64, platform string) string {
	return fmt.Sprintf("%s:%d", platform, userID)
}

// WithTx runs fn without isolation; the store has no rollback so fn must
// fail before it writes.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (s *Store) Posts() repository.PostRepository             { return postRepo{s} }
func (s *Store) PostMedia() repository.PostMediaRepository    { return postMediaRepo{s} }
func (s *Store) Assets() repository.MediaAssetRepository      { return assetRepo{s} }
func (s *Store) Accounts() repository.SocialAccountRepository { return accountRepo{s} }
func (s *Store) Jobs() repository.PublishJobRepository        { return jobRepo{s} }
func (s *Store) Uploads() repository.AsyncUploadRepository    { return uploadRepo{s} }
func (s *Store) History() repository.PostingHistoryRepository { return historyRepo{s} }
func (s *Store) Transactor() repository.Transactor            { return s }
func (s *Store) Keys() repository.ApiKeyRepository            { return keyRepo{s} }

// Seed helpers.

func (s *Store) AddAsset(a models.MediaAsset) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.next()
	s.assets[a.ID] = &a
	return a.ID
}

func (s *Store) PutAccount(a models.SocialAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.next()
	}
	if a.AccountStatus == "" {
		a.AccountStatus = models.AccountStatusActive
	}
	s.accounts[accountKey(a.UserID, a.Platform)] = &a
}

func (s *Store) Account(userID int64, platform string) *models.SocialAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountKey(userID, platform)]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

func (s *Store) Post(id int64) *models.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (s *Store) Job(id int64) *models.PublishJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

func (s *Store) HistoryRows() []models.PostingHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PostingHistory, 0, len(s.history))
	for _, h := range s.history {
		out = append(out, *h)
	}
	return out
}

func (s *Store) UploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// SetJob overwrites a job, for tests that need a specific starting state.
func (s *Store) SetJob(j models.PublishJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = &j
}

type postRepo struct{ s *Store }

func (r postRepo) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	return r.s.Post(id), nil
}

func (r postRepo) Create(ctx context.Context, tx *sqlx.Tx, post *models.Post) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	post.ID = r.s.next()
	post.CreatedAt = time.Now()
	post.UpdatedAt = post.CreatedAt
	cp := *post
	r.s.posts[post.ID] = &cp
	return post.ID, nil
}

func (r postRepo) GetByUserID(ctx context.Context, userID int64, limit, offset int) ([]*models.Post, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Post
	for _, p := range r.s.posts {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r postRepo) UpdatePostStatus(ctx context.Context, status string, postID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.posts[postID]; ok && p.Status != models.PostStatusCancelled {
		p.Status = status
	}
	return nil
}

func (r postRepo) MarkCancelled(ctx context.Context, tx *sqlx.Tx, postID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.posts[postID]; ok {
		now := time.Now()
		p.Status = models.PostStatusCancelled
		p.CancelledAt = &now
	}
	return nil
}

func (r postRepo) Remove(ctx context.Context, tx *sqlx.Tx, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.posts, id)
	delete(r.s.media, id)
	for jid, j := range r.s.jobs {
		if j.PostID == id {
			delete(r.s.jobs, jid)
		}
	}
	return nil
}

type postMediaRepo struct{ s *Store }

func (r postMediaRepo) Create(ctx context.Context, tx *sqlx.Tx, pm *models.PostMedia) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *pm
	r.s.media[pm.PostID] = append(r.s.media[pm.PostID], &cp)
	return nil
}

type assetRepo struct{ s *Store }

func (r assetRepo) ListOwned(ctx context.Context, userID int64, ids []int64) ([]*models.MediaAsset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.MediaAsset
	for _, id := range ids {
		if a, ok := r.s.assets[id]; ok && a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r assetRepo) ListByPost(ctx context.Context, postID int64) ([]*models.MediaAsset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pms := append([]*models.PostMedia(nil), r.s.media[postID]...)
	sort.Slice(pms, func(i, j int) bool { return pms[i].DisplayOrder < pms[j].DisplayOrder })
	var out []*models.MediaAsset
	for _, pm := range pms {
		if a, ok := r.s.assets[pm.AssetID]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

type accountRepo struct{ s *Store }

func (r accountRepo) GetByUserAndPlatform(ctx context.Context, userID int64, platform string) (*models.SocialAccount, error) {
	return r.s.Account(userID, platform), nil
}

func (r accountRepo) ListExpiring(ctx context.Context, before time.Time) ([]*models.SocialAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.SocialAccount
	for _, a := range r.s.accounts {
		if a.AccountStatus == models.AccountStatusActive && a.TokenExpiresAt != nil && a.TokenExpiresAt.Before(before) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r accountRepo) SetToken(ctx context.Context, userID int64, platform, oldAccessToken string, sa *models.SocialAccount) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[accountKey(userID, platform)]
	if !ok || a.AccessToken != oldAccessToken {
		return repository.ErrTokenChanged
	}
	if sa.AccessToken != "" {
		a.AccessToken = sa.AccessToken
	}
	if sa.RefreshToken != "" {
		a.RefreshToken = sa.RefreshToken
	}
	if sa.TokenExpiresAt != nil {
		at := *sa.TokenExpiresAt
		a.TokenExpiresAt = &at
	}
	a.AccountStatus = models.AccountStatusActive
	a.StatusReason = ""
	return nil
}

func (r accountRepo) Expire(ctx context.Context, userID int64, platform string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.accounts[accountKey(userID, platform)]; ok {
		a.TokenExpiresAt = &at
	}
	return nil
}

func (r accountRepo) SetStatus(ctx context.Context, userID int64, platform, status, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.accounts[accountKey(userID, platform)]; ok {
		a.AccountStatus = status
		a.StatusReason = reason
	}
	return nil
}

type jobRepo struct{ s *Store }

func (r jobRepo) CreateBatch(ctx context.Context, tx *sqlx.Tx, jobs []*models.PublishJob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.FailCreateJobs; err != nil {
		r.s.FailCreateJobs = nil
		return err
	}
	for _, j := range jobs {
		for _, existing := range r.s.jobs {
			if existing.PostID == j.PostID && existing.Platform == j.Platform {
				return errors.New("duplicate key value violates unique constraint")
			}
		}
		if j.State == "" {
			j.State = models.JobStatePending
		}
		j.ID = r.s.next()
		j.CreatedAt = time.Now()
		j.UpdatedAt = j.CreatedAt
		cp := *j
		r.s.jobs[j.ID] = &cp
	}
	return nil
}

func (r jobRepo) GetByID(ctx context.Context, id int64) (*models.PublishJob, error) {
	return r.s.Job(id), nil
}

func (r jobRepo) ListByPost(ctx context.Context, postID int64) ([]*models.PublishJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.PublishJob
	for _, j := range r.s.jobs {
		if j.PostID == postID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r jobRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []*models.PublishJob
	for _, j := range r.s.jobs {
		if j.State == models.JobStatePending && !j.DueAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].DueAt.Equal(due[k].DueAt) {
			return due[i].ID < due[k].ID
		}
		return due[i].DueAt.Before(due[k].DueAt)
	})
	var ids []int64
	for _, j := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

// transition applies fn to job id when its state is one of from.
func (r jobRepo) transition(id int64, from []string, fn func(j *models.PublishJob)) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return false
	}
	for _, st := range from {
		if j.State == st {
			fn(j)
			j.UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

func (r jobRepo) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	r.s.mu.Lock()
	j, ok := r.s.jobs[id]
	due := ok && !j.DueAt.After(now)
	r.s.mu.Unlock()
	if !due {
		return false, nil
	}
	return r.transition(id, []string{models.JobStatePending}, func(j *models.PublishJob) {
		j.State = models.JobStateDispatching
		j.Attempts++
		at := now
		j.ClaimedAt = &at
	}), nil
}

func (r jobRepo) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, j := range r.s.jobs {
		if j.State == models.JobStateDispatching && j.ClaimedAt != nil && j.ClaimedAt.Before(claimedBefore) {
			j.State = models.JobStatePending
			j.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (r jobRepo) Reschedule(ctx context.Context, id int64, dueAt time.Time, kind, message string) (bool, error) {
	return r.transition(id, []string{models.JobStateDispatching}, func(j *models.PublishJob) {
		j.State = models.JobStatePending
		j.DueAt = dueAt
		j.RetryCount++
		j.LastErrorKind = kind
		j.LastError = message
		j.ClaimedAt = nil
	}), nil
}

func (r jobRepo) MarkAccepted(ctx context.Context, tx *sqlx.Tx, id int64, remoteID string) (bool, error) {
	return r.transition(id, []string{models.JobStateDispatching}, func(j *models.PublishJob) {
		j.State = models.JobStateAcceptedAsync
		j.RemoteID = remoteID
	}), nil
}

func (r jobRepo) Complete(ctx context.Context, id int64, remoteID, permalink string) (bool, error) {
	return r.transition(id, []string{models.JobStateDispatching, models.JobStateAcceptedAsync}, func(j *models.PublishJob) {
		now := time.Now()
		j.State = models.JobStateCompleted
		j.RemoteID = remoteID
		j.Permalink = permalink
		j.LastErrorKind = ""
		j.LastError = ""
		j.CompletedAt = &now
	}), nil
}

func (r jobRepo) Fail(ctx context.Context, id int64, kind, message string) (bool, error) {
	return r.transition(id, []string{models.JobStateDispatching, models.JobStateAcceptedAsync}, func(j *models.PublishJob) {
		now := time.Now()
		j.State = models.JobStateFailed
		j.LastErrorKind = kind
		j.LastError = message
		j.CompletedAt = &now
	}), nil
}

func (r jobRepo) Cancel(ctx context.Context, id int64) (bool, error) {
	return r.transition(id, []string{models.JobStatePending, models.JobStateDispatching}, func(j *models.PublishJob) {
		j.State = models.JobStateCancelled
		j.ClaimedAt = nil
	}), nil
}

func (r jobRepo) CancelPending(ctx context.Context, tx *sqlx.Tx, postID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, j := range r.s.jobs {
		if j.PostID == postID && j.State == models.JobStatePending {
			j.State = models.JobStateCancelled
			n++
		}
	}
	return n, nil
}

func (r jobRepo) FailPendingForAccount(ctx context.Context, userID int64, platform, kind, message string) ([]*models.PublishJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.PublishJob
	for _, j := range r.s.jobs {
		if j.UserID == userID && j.Platform == platform && j.State == models.JobStatePending {
			now := time.Now()
			j.State = models.JobStateFailed
			j.LastErrorKind = kind
			j.LastError = message
			j.CompletedAt = &now
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

type uploadRepo struct{ s *Store }

func (r uploadRepo) Create(ctx context.Context, tx *sqlx.Tx, au *models.AsyncUpload) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.uploads {
		if u.JobID == au.JobID {
			u.RemoteID = au.RemoteID
			au.ID = u.ID
			return u.ID, nil
		}
	}
	au.ID = r.s.next()
	au.CreatedAt = time.Now()
	cp := *au
	r.s.uploads[au.ID] = &cp
	return au.ID, nil
}

func (r uploadRepo) ListAll(ctx context.Context) ([]*models.AsyncUpload, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.AsyncUpload
	for _, u := range r.s.uploads {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r uploadRepo) Touch(ctx context.Context, id int64, polls int, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u, ok := r.s.uploads[id]; ok {
		u.Polls = polls
		u.LastPolledAt = &at
	}
	return nil
}

func (r uploadRepo) DeleteByJob(ctx context.Context, jobID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, u := range r.s.uploads {
		if u.JobID == jobID {
			delete(r.s.uploads, id)
		}
	}
	return nil
}

type historyRepo struct{ s *Store }

func (r historyRepo) Create(ctx context.Context, ph *models.PostingHistory) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ph.ID = r.s.next()
	ph.CreatedAt = time.Now()
	cp := *ph
	r.s.history = append(r.s.history, &cp)
	return ph.ID, nil
}

func (r historyRepo) ListByPostID(ctx context.Context, postID int64) ([]*models.PostingHistory, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.PostingHistory
	for _, h := range r.s.history {
		if h.PostID == postID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

type keyRepo struct{ s *Store }

func (r keyRepo) GetByHash(ctx context.Context, keyHash string) (*models.ApiKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, k := range r.s.keys {
		if k.KeyHash == keyHash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (r keyRepo) GetByUserID(ctx context.Context, userID int64) ([]*models.ApiKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ApiKey
	for _, k := range r.s.keys {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r keyRepo) Create(ctx context.Context, apiKey *models.ApiKey) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	apiKey.ID = r.s.next()
	apiKey.CreatedAt = time.Now()
	cp := *apiKey
	r.s.keys[apiKey.ID] = &cp
	return apiKey.ID, nil
}

func (r keyRepo) Touch(ctx context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if k, ok := r.s.keys[id]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

func (r keyRepo) Remove(ctx context.Context, id, userID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k, ok := r.s.keys[id]
	if !ok || k.UserID != userID {
		return false, nil
	}
	delete(r.s.keys, id)
	return true, nil
}
