package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postflow/internal/feed"
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
)

// OutcomeRecorder is the only writer of job outcomes. Each method applies a
// conditional transition, appends to the posting history, emits a feed event
// and recomputes the parent post's status from its jobs. A transition that
// no longer applies is logged and dropped.
type OutcomeRecorder interface {
	// Accepted moves a dispatching job to accepted_async and persists the
	// handle the status tracker polls. It returns nil when the job moved on.
	Accepted(ctx context.Context, job *models.PublishJob, remoteID string) (*models.AsyncUpload, error)
	Completed(ctx context.Context, job *models.PublishJob, remoteID, permalink string) error
	Failed(ctx context.Context, job *models.PublishJob, pe *platform.PublishError) error
	// Retry returns the job to pending at dueAt. When the post was cancelled
	// meanwhile the job is cancelled instead and Retry reports false.
	Retry(ctx context.Context, job *models.PublishJob, pe *platform.PublishError, dueAt time.Time) (bool, error)
	Cancelled(ctx context.Context, job *models.PublishJob) error
	AccountNeedsReconnect(ctx context.Context, userID int64, platform, reason string) error
	Recompute(ctx context.Context, postID int64) error
}

var errNotApplied = errors.New("transition not applied")

type outcomeRecorder struct {
	tx      repository.Transactor
	jobs    repository.PublishJobRepository
	posts   repository.PostRepository
	uploads repository.AsyncUploadRepository
	history repository.PostingHistoryRepository
	feed    feed.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewOutcomeRecorder(
	tx repository.Transactor,
	jobs repository.PublishJobRepository,
	posts repository.PostRepository,
	uploads repository.AsyncUploadRepository,
	history repository.PostingHistoryRepository,
	fp feed.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger) OutcomeRecorder {
	if fp == nil {
		fp = feed.Noop{}
	}
	return &outcomeRecorder{
		tx:      tx,
		jobs:    jobs,
		posts:   posts,
		uploads: uploads,
		history: history,
		feed:    fp,
		metrics: m,
		logger:  logger,
	}
}

func (r *outcomeRecorder) Accepted(ctx context.Context, job *models.PublishJob, remoteID string) (*models.AsyncUpload, error) {
	upload := &models.AsyncUpload{
		JobID:    job.ID,
		UserID:   job.UserID,
		Platform: job.Platform,
		RemoteID: remoteID,
	}
	err := r.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		applied, err := r.jobs.MarkAccepted(ctx, tx, job.ID, remoteID)
		if err != nil {
			return err
		}
		if !applied {
			return errNotApplied
		}
		_, err = r.uploads.Create(ctx, tx, upload)
		return err
	})
	if errors.Is(err, errNotApplied) {
		r.stale(job, models.JobStateAcceptedAsync)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record accepted job %d: %w", job.ID, err)
	}

	job.State = models.JobStateAcceptedAsync
	job.RemoteID = remoteID
	r.record(ctx, job, models.OutcomeAccepted, nil, remoteID, "")
	return upload, r.Recompute(ctx, job.PostID)
}

func (r *outcomeRecorder) Completed(ctx context.Context, job *models.PublishJob, remoteID, permalink string) error {
	applied, err := r.jobs.Complete(ctx, job.ID, remoteID, permalink)
	if err != nil {
		return fmt.Errorf("record completed job %d: %w", job.ID, err)
	}
	if !applied {
		r.stale(job, models.JobStateCompleted)
		return nil
	}
	r.dropUpload(ctx, job)

	job.State = models.JobStateCompleted
	job.RemoteID = remoteID
	job.Permalink = permalink
	r.record(ctx, job, models.OutcomeCompleted, nil, remoteID, permalink)
	return r.Recompute(ctx, job.PostID)
}

func (r *outcomeRecorder) Failed(ctx context.Context, job *models.PublishJob, pe *platform.PublishError) error {
	applied, err := r.jobs.Fail(ctx, job.ID, string(pe.Kind), message(pe))
	if err != nil {
		return fmt.Errorf("record failed job %d: %w", job.ID, err)
	}
	if !applied {
		r.stale(job, models.JobStateFailed)
		return nil
	}
	r.dropUpload(ctx, job)

	job.State = models.JobStateFailed
	job.LastErrorKind = string(pe.Kind)
	job.LastError = message(pe)
	r.record(ctx, job, models.OutcomeFailed, pe, "", "")
	return r.Recompute(ctx, job.PostID)
}

func (r *outcomeRecorder) Retry(ctx context.Context, job *models.PublishJob, pe *platform.PublishError, dueAt time.Time) (bool, error) {
	post, err := r.posts.GetByID(ctx, job.PostID)
	if err != nil {
		return false, fmt.Errorf("load post %d: %w", job.PostID, err)
	}
	if post == nil || post.Status == models.PostStatusCancelled {
		return false, r.Cancelled(ctx, job)
	}

	applied, err := r.jobs.Reschedule(ctx, job.ID, dueAt, string(pe.Kind), message(pe))
	if err != nil {
		return false, fmt.Errorf("reschedule job %d: %w", job.ID, err)
	}
	if !applied {
		r.stale(job, models.JobStatePending)
		return false, nil
	}

	job.State = models.JobStatePending
	job.RetryCount++
	job.DueAt = dueAt
	job.LastErrorKind = string(pe.Kind)
	job.LastError = message(pe)
	r.metrics.ObserveRetry(job.Platform, string(pe.Kind))
	r.record(ctx, job, models.OutcomeRetry, pe, "", "")
	return true, r.Recompute(ctx, job.PostID)
}

func (r *outcomeRecorder) Cancelled(ctx context.Context, job *models.PublishJob) error {
	applied, err := r.jobs.Cancel(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("cancel job %d: %w", job.ID, err)
	}
	if !applied {
		r.stale(job, models.JobStateCancelled)
		return nil
	}
	job.State = models.JobStateCancelled
	r.record(ctx, job, models.OutcomeCancelled, nil, "", "")
	return r.Recompute(ctx, job.PostID)
}

// AccountNeedsReconnect fails every pending job of the account and raises a
// reconnect alert. Jobs already in flight finish on their own.
func (r *outcomeRecorder) AccountNeedsReconnect(ctx context.Context, userID int64, p, reason string) error {
	pe := &platform.PublishError{Kind: platform.KindReconnectRequired, Message: "account needs to be reconnected"}
	if reason != "" {
		pe.Message += ": " + reason
	}
	failed, err := r.jobs.FailPendingForAccount(ctx, userID, p, string(pe.Kind), pe.Message)
	if err != nil {
		return fmt.Errorf("fail pending %s jobs: %w", p, err)
	}

	posts := make(map[int64]struct{})
	for _, job := range failed {
		r.record(ctx, job, models.OutcomeFailed, pe, "", "")
		posts[job.PostID] = struct{}{}
	}
	for postID := range posts {
		if err := r.Recompute(ctx, postID); err != nil {
			return err
		}
	}

	r.publish(ctx, feed.Event{
		Type:         feed.TypeReconnectRequired,
		UserID:       userID,
		Platform:     p,
		ErrorKind:    string(platform.KindReconnectRequired),
		ErrorMessage: reason,
	})
	r.logger.Info("failed pending jobs for reconnect", "user_id", userID, "platform", p, "jobs", len(failed))
	return nil
}

func (r *outcomeRecorder) Recompute(ctx context.Context, postID int64) error {
	jobs, err := r.jobs.ListByPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("list jobs of post %d: %w", postID, err)
	}
	if err := r.posts.UpdatePostStatus(ctx, Aggregate(jobs), postID); err != nil {
		return fmt.Errorf("update post %d status: %w", postID, err)
	}
	return nil
}

// record appends the history row, emits the feed event and counts the
// outcome. Failures here are logged: the job transition already happened.
func (r *outcomeRecorder) record(ctx context.Context, job *models.PublishJob, outcome string, pe *platform.PublishError, remoteID, permalink string) {
	row := &models.PostingHistory{
		UserID:   job.UserID,
		PostID:   job.PostID,
		JobID:    job.ID,
		Platform: job.Platform,
		Attempt:  job.Attempts,
		Outcome:  outcome,
		RemoteID: remoteID,
	}
	if pe != nil {
		row.ErrorKind = string(pe.Kind)
		row.ErrorMessage = message(pe)
	}
	if _, err := r.history.Create(ctx, row); err != nil {
		r.logger.Error("write posting history failed", "job_id", job.ID, "error", err)
	}

	r.metrics.ObserveOutcome(job.Platform, outcome)
	r.publish(ctx, feed.Event{
		Type:         feed.TypeOutcome,
		UserID:       job.UserID,
		PostID:       job.PostID,
		JobID:        job.ID,
		Platform:     job.Platform,
		Outcome:      outcome,
		ErrorKind:    row.ErrorKind,
		ErrorMessage: row.ErrorMessage,
		RemoteID:     remoteID,
		Permalink:    permalink,
		Attempt:      job.Attempts,
	})

	r.logger.Info("publish outcome",
		"job_id", job.ID,
		"post_id", job.PostID,
		"platform", job.Platform,
		"attempt", job.Attempts,
		"outcome", outcome,
		"error_kind", row.ErrorKind,
	)
}

func (r *outcomeRecorder) publish(ctx context.Context, e feed.Event) {
	if err := r.feed.Publish(ctx, e); err != nil {
		r.logger.Warn("publish feed event failed", "type", e.Type, "job_id", e.JobID, "error", err)
	}
}

func (r *outcomeRecorder) dropUpload(ctx context.Context, job *models.PublishJob) {
	if err := r.uploads.DeleteByJob(ctx, job.ID); err != nil {
		r.logger.Error("delete async upload failed", "job_id", job.ID, "error", err)
	}
}

func (r *outcomeRecorder) stale(job *models.PublishJob, target string) {
	r.logger.Warn("job transition no longer applies", "job_id", job.ID, "platform", job.Platform, "target", target)
}

func message(pe *platform.PublishError) string {
	if pe.Message != "" {
		return pe.Message
	}
	return pe.Error()
}

// Aggregate derives a post's status from its jobs. Cancelled jobs do not
// count towards the outcome.
func Aggregate(jobs []*models.PublishJob) string {
	var completed, failed, cancelled, inFlight, pending, retried int
	for _, j := range jobs {
		switch j.State {
		case models.JobStateCompleted:
			completed++
		case models.JobStateFailed:
			failed++
		case models.JobStateCancelled:
			cancelled++
		case models.JobStateDispatching, models.JobStateAcceptedAsync:
			inFlight++
		default:
			pending++
			if j.Attempts > 0 {
				retried++
			}
		}
	}

	switch {
	case len(jobs) == 0:
		return models.PostStatusScheduled
	case cancelled == len(jobs):
		return models.PostStatusCancelled
	case inFlight > 0 || pending > 0:
		if inFlight > 0 || retried > 0 || completed+failed > 0 {
			return models.PostStatusProcessing
		}
		return models.PostStatusScheduled
	case completed > 0 && failed > 0:
		return models.PostStatusPartial
	case completed > 0:
		return models.PostStatusPublished
	}
	return models.PostStatusFailed
}

// Summary renders the per-platform outcome for display, e.g.
// "published to 2 of 3 platforms; instagram failed: reconnect required".
func Summary(jobs []*models.PublishJob) string {
	live := 0
	completed := 0
	for _, j := range jobs {
		if j.State == models.JobStateCancelled {
			continue
		}
		live++
		if j.State == models.JobStateCompleted {
			completed++
		}
	}
	if live == 0 {
		if len(jobs) > 0 {
			return "cancelled"
		}
		return "no platforms"
	}

	noun := "platforms"
	if live == 1 {
		noun = "platform"
	}
	parts := []string{fmt.Sprintf("published to %d of %d %s", completed, live, noun)}
	for _, j := range jobs {
		switch j.State {
		case models.JobStateFailed:
			parts = append(parts, fmt.Sprintf("%s failed: %s", j.Platform, reason(j)))
		case models.JobStateDispatching, models.JobStateAcceptedAsync:
			parts = append(parts, j.Platform+" processing")
		case models.JobStatePending:
			if j.RetryCount > 0 {
				parts = append(parts, fmt.Sprintf("%s retrying after %s", j.Platform, reason(j)))
			}
		}
	}
	return strings.Join(parts, "; ")
}

func reason(j *models.PublishJob) string {
	if j.LastErrorKind != "" {
		return platform.ErrorKind(j.LastErrorKind).Describe()
	}
	if j.LastError != "" {
		return j.LastError
	}
	return "unknown error"
}
