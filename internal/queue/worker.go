package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/service"
)

func (d *Dispatcher) HandleDispatchTask(ctx context.Context, task *asynq.Task) error {
	var payload DispatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode dispatch payload: %v: %w", err, asynq.SkipRetry)
	}

	_, err := d.Dispatch(ctx, payload.JobID)
	return err
}

// Sweep returns jobs abandoned mid-dispatch to pending and dispatches every
// due job through a bounded pool. It is the safety net for lost wakeups.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	now := d.now()

	released, err := d.jobs.ReleaseStale(ctx, now.Add(-d.opts.Lease))
	if err != nil {
		return fmt.Errorf("release stale jobs: %w", err)
	}
	if released > 0 {
		d.logger.Warn("released stale dispatching jobs", "count", released)
	}

	ids, err := d.jobs.ListDue(ctx, now, d.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, d.opts.Concurrency)

	for _, id := range ids {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(id int64) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if _, err := d.Dispatch(ctx, id); err != nil {
				d.logger.Error("dispatch failed", "job_id", id, "error", err)
			}
		}(id)
	}

	wg.Wait()
	return nil
}

// Dispatch claims the job and runs one attempt. It reports false when
// another worker owns the job or it is not due.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID int64) (bool, error) {
	claimed, err := d.jobs.Claim(ctx, jobID, d.now())
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", jobID, err)
	}
	if !claimed {
		d.logger.Debug("job not claimable", "job_id", jobID)
		return false, nil
	}

	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil {
		return true, fmt.Errorf("load job %d: %w", jobID, err)
	}
	if job == nil {
		return true, nil
	}
	return true, d.attempt(ctx, job)
}

func (d *Dispatcher) attempt(ctx context.Context, job *models.PublishJob) error {
	log := d.logger.With("job_id", job.ID, "post_id", job.PostID, "platform", job.Platform, "attempt", job.RetryCount+1)

	post, err := d.posts.GetByID(ctx, job.PostID)
	if err != nil {
		return fmt.Errorf("load post %d: %w", job.PostID, err)
	}
	if post == nil || post.Status == models.PostStatusCancelled {
		log.Info("post cancelled before dispatch")
		return d.recorder.Cancelled(ctx, job)
	}

	adapter, ok := d.registry.Get(job.Platform)
	if !ok {
		return d.recorder.Failed(ctx, job, platform.Errorf(platform.KindContentRejected, "platform %s is not supported", job.Platform))
	}

	cred, err := d.creds.ResolveFresh(ctx, job.UserID, job.Platform)
	if err != nil {
		if ce, ok := service.AsCredentialError(err); ok {
			log.Warn("credential unusable", "reason", ce.Kind)
			return d.recorder.Failed(ctx, job, ce.PublishError())
		}
		return d.fail(ctx, job, platform.AsPublishError(err))
	}

	media, err := d.media.ForPost(ctx, job.PostID)
	if err != nil {
		return d.fail(ctx, job, platform.AsPublishError(err))
	}

	req := platform.PostRequest{
		JobID:          job.ID,
		PostID:         job.PostID,
		Caption:        post.Caption,
		Title:          post.Title,
		Media:          media,
		IdempotencyKey: job.IdempotencyKey,
		Attempt:        job.RetryCount + 1,
		CreatedAt:      job.CreatedAt,
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	res, err := adapter.Publish(callCtx, cred, req)
	d.metrics.ObserveDuration(job.Platform, time.Since(start))
	if err != nil {
		return d.fail(ctx, job, platform.AsPublishError(err))
	}

	if res.State == platform.ResultAccepted {
		upload, err := d.recorder.Accepted(ctx, job, res.RemoteID)
		if err != nil {
			return err
		}
		if upload != nil && d.tracker != nil {
			d.tracker.Track(upload)
		}
		return nil
	}
	return d.recorder.Completed(ctx, job, res.RemoteID, res.Permalink)
}

// fail routes one failed attempt: credential problems first, then the
// retry policy.
func (d *Dispatcher) fail(ctx context.Context, job *models.PublishJob, pe *platform.PublishError) error {
	attempt := job.RetryCount + 1
	log := d.logger.With("job_id", job.ID, "platform", job.Platform, "attempt", attempt, "error_kind", pe.Kind)

	switch pe.Kind {
	case platform.KindAuthExpired:
		if _, ok := d.registry.Refresher(job.Platform); ok && attempt < d.opts.Policy.MaxAttempts {
			if err := d.creds.Invalidate(ctx, job.UserID, job.Platform); err != nil {
				return err
			}
			log.Info("token rejected, refreshing before retry")
			return d.retry(ctx, job, pe, d.opts.Policy.Backoff(attempt))
		}
		return d.reconnect(ctx, job, pe)
	case platform.KindReconnectRequired:
		return d.reconnect(ctx, job, pe)
	}

	delay, ok := d.opts.Policy.Next(attempt, pe)
	if !ok {
		if pe.Retryable() {
			log.Warn("retries exhausted", "error", pe)
		}
		return d.recorder.Failed(ctx, job, pe)
	}
	return d.retry(ctx, job, pe, delay)
}

func (d *Dispatcher) retry(ctx context.Context, job *models.PublishJob, pe *platform.PublishError, delay time.Duration) error {
	dueAt := d.now().Add(delay)
	rescheduled, err := d.recorder.Retry(ctx, job, pe, dueAt)
	if err != nil || !rescheduled {
		return err
	}
	if err := d.enqueuer.Enqueue(ctx, job.ID, dueAt); err != nil {
		d.logger.Warn("enqueue retry failed", "job_id", job.ID, "error", err)
	}
	return nil
}

// reconnect fails the job and takes the account out of rotation so its
// other pending jobs fail too instead of retrying.
func (d *Dispatcher) reconnect(ctx context.Context, job *models.PublishJob, pe *platform.PublishError) error {
	reason := pe.Message
	if err := d.creds.MarkNeedsReconnect(ctx, job.UserID, job.Platform, reason); err != nil {
		return err
	}
	return d.recorder.Failed(ctx, job, &platform.PublishError{
		Kind:       platform.KindReconnectRequired,
		Message:    reason,
		StatusCode: pe.StatusCode,
		Err:        pe,
	})
}
