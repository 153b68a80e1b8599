package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
)

// Spawner runs a long-lived task that stops when its context is cancelled.
type Spawner interface {
	Spawn(name string, fn func(ctx context.Context)) bool
}

type PollOptions struct {
	Initial time.Duration
	Max     time.Duration
	// MaxWait bounds the whole wait, counted from when the platform
	// accepted the upload.
	MaxWait time.Duration
}

// StatusTracker polls platforms that publish out-of-band until each
// accepted job reaches a terminal state. Every handle gets its own poller
// so a slow platform never holds up the others.
type StatusTracker struct {
	uploads  repository.AsyncUploadRepository
	jobs     repository.PublishJobRepository
	creds    service.CredentialService
	recorder service.OutcomeRecorder
	registry *platform.Registry
	spawner  Spawner
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     PollOptions
	now      func() time.Time

	mu     sync.Mutex
	active map[int64]struct{}
}

func NewStatusTracker(
	uploads repository.AsyncUploadRepository,
	jobs repository.PublishJobRepository,
	creds service.CredentialService,
	recorder service.OutcomeRecorder,
	registry *platform.Registry,
	spawner Spawner,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts PollOptions) *StatusTracker {
	if opts.Initial <= 0 {
		opts.Initial = 5 * time.Second
	}
	if opts.Max < opts.Initial {
		opts.Max = opts.Initial
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * time.Minute
	}
	return &StatusTracker{
		uploads:  uploads,
		jobs:     jobs,
		creds:    creds,
		recorder: recorder,
		registry: registry,
		spawner:  spawner,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		active:   make(map[int64]struct{}),
	}
}

// Track starts polling the handle unless it is already being polled.
func (t *StatusTracker) Track(upload *models.AsyncUpload) {
	t.mu.Lock()
	if _, ok := t.active[upload.JobID]; ok {
		t.mu.Unlock()
		return
	}
	t.active[upload.JobID] = struct{}{}
	t.mu.Unlock()

	u := *upload
	started := t.spawner.Spawn(fmt.Sprintf("status:%s:%d", u.Platform, u.JobID), func(ctx context.Context) {
		defer t.release(u.JobID)
		t.poll(ctx, &u)
	})
	if !started {
		// shutting down; the handle is persisted and resumes on next start
		t.release(u.JobID)
	}
}

// Resume re-registers every persisted handle, for handles whose poller died
// with the previous process.
func (t *StatusTracker) Resume(ctx context.Context) error {
	uploads, err := t.uploads.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list async uploads: %w", err)
	}
	for _, u := range uploads {
		t.Track(u)
	}
	if len(uploads) > 0 {
		t.logger.Info("resumed status tracking", "count", len(uploads))
	}
	return nil
}

func (t *StatusTracker) release(jobID int64) {
	t.mu.Lock()
	delete(t.active, jobID)
	t.mu.Unlock()
}

func (t *StatusTracker) poll(ctx context.Context, u *models.AsyncUpload) {
	log := t.logger.With("job_id", u.JobID, "platform", u.Platform, "remote_id", u.RemoteID)

	started := u.CreatedAt
	if started.IsZero() {
		started = t.now()
	}
	deadline := started.Add(t.opts.MaxWait)
	interval := t.opts.Initial
	polls := u.Polls

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		polls++
		if err := t.uploads.Touch(ctx, u.ID, polls, t.now()); err != nil {
			log.Warn("record poll", "error", err)
		}

		done, err := t.check(ctx, u)
		if err != nil {
			log.Error("status check failed", "error", err)
		}
		if done {
			return
		}

		if !t.now().Before(deadline) {
			log.Warn("gave up waiting for platform processing", "polls", polls)
			if err := t.timeout(ctx, u); err != nil {
				log.Error("record timeout", "error", err)
			}
			return
		}

		interval *= 2
		if interval > t.opts.Max {
			interval = t.opts.Max
		}
		timer.Reset(interval)
	}
}

// check asks the platform once. It reports true when the job reached a
// terminal state and polling should stop.
func (t *StatusTracker) check(ctx context.Context, u *models.AsyncUpload) (bool, error) {
	job, err := t.jobs.GetByID(ctx, u.JobID)
	if err != nil {
		return false, fmt.Errorf("load job %d: %w", u.JobID, err)
	}
	if job == nil || job.State != models.JobStateAcceptedAsync {
		return true, t.uploads.DeleteByJob(ctx, u.JobID)
	}

	checker, ok := t.registry.StatusChecker(u.Platform)
	if !ok {
		return true, t.recorder.Failed(ctx, job, platform.Errorf(platform.KindUnknown, "platform %s cannot report publish status", u.Platform))
	}

	cred, err := t.creds.ResolveFresh(ctx, job.UserID, job.Platform)
	if err != nil {
		if ce, ok := service.AsCredentialError(err); ok {
			t.metrics.ObservePoll(u.Platform, "credential_error")
			return true, t.recorder.Failed(ctx, job, ce.PublishError())
		}
		t.metrics.ObservePoll(u.Platform, "error")
		return false, err
	}

	status, err := checker.CheckStatus(ctx, cred, u.RemoteID)
	if err != nil {
		pe := platform.AsPublishError(err)
		t.metrics.ObservePoll(u.Platform, "error")
		switch {
		case pe.Retryable():
			return false, nil
		case pe.Kind == platform.KindAuthExpired:
			// the next poll resolves through refresh
			return false, t.creds.Invalidate(ctx, job.UserID, job.Platform)
		}
		return true, t.recorder.Failed(ctx, job, pe)
	}

	t.metrics.ObservePoll(u.Platform, string(status.State))
	switch status.State {
	case platform.StatusCompleted:
		remoteID := status.RemoteID
		if remoteID == "" {
			remoteID = u.RemoteID
		}
		return true, t.recorder.Completed(ctx, job, remoteID, status.Permalink)
	case platform.StatusFailed:
		reason := status.Reason
		if reason == "" {
			reason = "platform failed to process the upload"
		}
		return true, t.recorder.Failed(ctx, job, platform.Errorf(platform.KindContentRejected, "%s", reason))
	}
	return false, nil
}

func (t *StatusTracker) timeout(ctx context.Context, u *models.AsyncUpload) error {
	job, err := t.jobs.GetByID(ctx, u.JobID)
	if err != nil {
		return fmt.Errorf("load job %d: %w", u.JobID, err)
	}
	if job == nil {
		return t.uploads.DeleteByJob(ctx, u.JobID)
	}
	return t.recorder.Failed(ctx, job, platform.Errorf(platform.KindTimedOutProcessing,
		"platform did not finish processing within %s", t.opts.MaxWait))
}
