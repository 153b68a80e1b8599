package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/transfer"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// JobEnqueuer schedules a wakeup for a job at its due time. The due-job
// sweep covers wakeups that are lost.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobID int64, at time.Time) error
}

type PostService interface {
	Submit(ctx context.Context, userID int64, pc *transfer.PostCreation) (*transfer.PostCreated, error)
	Cancel(ctx context.Context, userID, postID int64) (*transfer.PostStatusResponse, error)
	Status(ctx context.Context, userID, postID int64) (*transfer.PostStatusResponse, error)
	List(ctx context.Context, userID int64, limit, offset int) ([]*models.Post, error)
	Remove(ctx context.Context, userID, postID int64) error
}

type postService struct {
	tx       repository.Transactor
	pr       repository.PostRepository
	pm       repository.PostMediaRepository
	jr       repository.PublishJobRepository
	history  repository.PostingHistoryRepository
	media    MediaService
	registry *platform.Registry
	enqueuer JobEnqueuer
	logger   *slog.Logger
	now      func() time.Time
}

func NewPostService(
	tx repository.Transactor,
	pr repository.PostRepository,
	pm repository.PostMediaRepository,
	jr repository.PublishJobRepository,
	history repository.PostingHistoryRepository,
	media MediaService,
	registry *platform.Registry,
	enqueuer JobEnqueuer,
	logger *slog.Logger) PostService {
	return &postService{
		tx:       tx,
		pr:       pr,
		pm:       pm,
		jr:       jr,
		history:  history,
		media:    media,
		registry: registry,
		enqueuer: enqueuer,
		logger:   logger,
		now:      time.Now,
	}
}

// Submit stores the post with one publish job per platform in a single
// transaction, then wakes the dispatcher at the due time.
func (s *postService) Submit(ctx context.Context, userID int64, pc *transfer.PostCreation) (*transfer.PostCreated, error) {
	if pc == nil || len(pc.Platforms) == 0 {
		return nil, ErrNoPlatforms
	}
	seen := make(map[string]struct{}, len(pc.Platforms))
	platforms := make([]string, 0, len(pc.Platforms))
	for _, p := range pc.Platforms {
		p = strings.ToLower(strings.TrimSpace(p))
		if !s.registry.Supports(p) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
		}
		if _, dup := seen[p]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePlatform, p)
		}
		seen[p] = struct{}{}
		platforms = append(platforms, p)
	}

	caption := strings.TrimSpace(pc.Caption)
	if caption == "" && len(pc.MediaIDs) == 0 {
		return nil, ErrEmptyContent
	}

	assets, err := s.media.Owned(ctx, userID, pc.MediaIDs)
	if err != nil {
		return nil, err
	}

	now := s.now()
	dueAt := pc.ScheduledAt
	if dueAt.IsZero() || dueAt.Before(now) {
		dueAt = now
	}

	postType := models.PostTypeText
	switch {
	case len(assets) == 1:
		postType = models.PostTypeSingle
	case len(assets) > 1:
		postType = models.PostTypeMultiple
	}

	post := &models.Post{
		UserID:        userID,
		PostType:      postType,
		Caption:       caption,
		Title:         strings.TrimSpace(pc.Title),
		ScheduledTime: dueAt,
		Status:        models.PostStatusScheduled,
	}

	jobs := make([]*models.PublishJob, 0, len(platforms))
	for _, p := range platforms {
		key, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("generate idempotency key: %w", err)
		}
		jobs = append(jobs, &models.PublishJob{
			UserID:         userID,
			Platform:       p,
			State:          models.JobStatePending,
			DueAt:          dueAt,
			IdempotencyKey: key,
		})
	}

	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		postID, err := s.pr.Create(ctx, tx, post)
		if err != nil {
			return fmt.Errorf("error creating post: %w", err)
		}
		for i, a := range assets {
			pm := &models.PostMedia{PostID: postID, AssetID: a.ID, DisplayOrder: i}
			if err := s.pm.Create(ctx, tx, pm); err != nil {
				return fmt.Errorf("error saving post media: %w", err)
			}
		}
		for _, j := range jobs {
			j.PostID = postID
		}
		if err := s.jr.CreateBatch(ctx, tx, jobs); err != nil {
			return fmt.Errorf("error creating publish jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, j := range jobs {
		if err := s.enqueuer.Enqueue(ctx, j.ID, j.DueAt); err != nil {
			s.logger.Warn("enqueue publish job failed", "job_id", j.ID, "post_id", post.ID, "error", err)
		}
	}

	s.logger.Info("post submitted", "post_id", post.ID, "user_id", userID, "platforms", platforms, "due_at", dueAt)

	out := &transfer.PostCreated{PostID: post.ID, Status: post.Status}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, jobStatus(j))
	}
	return out, nil
}

// Cancel stops every job that has not started. Jobs already dispatching
// finish and are recorded, but the post stays cancelled.
func (s *postService) Cancel(ctx context.Context, userID, postID int64) (*transfer.PostStatusResponse, error) {
	post, err := s.owned(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	if post.Status == models.PostStatusCancelled {
		return nil, ErrPostNotCancellable
	}

	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		n, err := s.jr.CancelPending(ctx, tx, postID)
		if err != nil {
			return fmt.Errorf("error cancelling jobs: %w", err)
		}
		if n == 0 {
			return ErrPostNotCancellable
		}
		return s.pr.MarkCancelled(ctx, tx, postID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("post cancelled", "post_id", postID, "user_id", userID)
	return s.Status(ctx, userID, postID)
}

func (s *postService) Status(ctx context.Context, userID, postID int64) (*transfer.PostStatusResponse, error) {
	post, err := s.owned(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.jr.ListByPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("error listing jobs: %w", err)
	}

	status := Aggregate(jobs)
	if post.Status == models.PostStatusCancelled {
		status = models.PostStatusCancelled
	}
	out := &transfer.PostStatusResponse{
		PostID:  postID,
		Status:  status,
		Summary: Summary(jobs),
		Jobs:    make([]transfer.JobStatus, 0, len(jobs)),
	}
	for _, j := range jobs {
		switch j.State {
		case models.JobStateCompleted:
			out.Published++
		case models.JobStateFailed:
			out.Failed++
		case models.JobStateCancelled:
		default:
			out.Pending++
		}
		out.Jobs = append(out.Jobs, jobStatus(j))
	}

	rows, err := s.history.ListByPostID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("error listing attempts: %w", err)
	}
	out.Attempts = make([]transfer.Attempt, 0, len(rows))
	for _, h := range rows {
		out.Attempts = append(out.Attempts, transfer.Attempt{
			JobID:     h.JobID,
			Platform:  h.Platform,
			Attempt:   h.Attempt,
			Outcome:   h.Outcome,
			ErrorKind: h.ErrorKind,
			Error:     h.ErrorMessage,
			RemoteID:  h.RemoteID,
			At:        h.CreatedAt,
		})
	}
	return out, nil
}

func (s *postService) List(ctx context.Context, userID int64, limit, offset int) ([]*models.Post, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.pr.GetByUserID(ctx, userID, limit, offset)
}

// Remove deletes a post once nothing of it is in flight.
func (s *postService) Remove(ctx context.Context, userID, postID int64) error {
	if _, err := s.owned(ctx, userID, postID); err != nil {
		return err
	}
	jobs, err := s.jr.ListByPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("error listing jobs: %w", err)
	}
	for _, j := range jobs {
		if j.State == models.JobStateDispatching || j.State == models.JobStateAcceptedAsync {
			return ErrPostInFlight
		}
	}

	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.jr.CancelPending(ctx, tx, postID); err != nil {
			return err
		}
		return s.pr.Remove(ctx, tx, postID)
	})
	if err != nil {
		return fmt.Errorf("error removing post: %w", err)
	}
	s.logger.Info("post removed", "post_id", postID, "user_id", userID)
	return nil
}

func (s *postService) owned(ctx context.Context, userID, postID int64) (*models.Post, error) {
	post, err := s.pr.GetByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("error loading post: %w", err)
	}
	if post == nil || post.UserID != userID {
		return nil, ErrPostNotFound
	}
	return post, nil
}

func jobStatus(j *models.PublishJob) transfer.JobStatus {
	return transfer.JobStatus{
		JobID:      j.ID,
		Platform:   j.Platform,
		State:      j.State,
		RetryCount: j.RetryCount,
		ErrorKind:  j.LastErrorKind,
		Error:      j.LastError,
		RemoteID:   j.RemoteID,
		Permalink:  j.Permalink,
		DueAt:      j.DueAt,
		UpdatedAt:  j.UpdatedAt,
		Completed:  j.CompletedAt,
	}
}
