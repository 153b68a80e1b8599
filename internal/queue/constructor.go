package queue

import (
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
)

// Tracker takes over jobs whose platform finishes publishing out-of-band.
type Tracker interface {
	Track(upload *models.AsyncUpload)
}

type Options struct {
	Policy RetryPolicy
	// CallTimeout bounds one adapter Publish call.
	CallTimeout time.Duration
	// Lease is how long a job may stay dispatching before the sweep
	// assumes its worker died.
	Lease       time.Duration
	Concurrency int
	BatchSize   int
}

// Dispatcher moves due publish jobs through their platform adapter. Each
// job is claimed with a conditional update first, so concurrent wakeups for
// the same job never reach the platform twice.
type Dispatcher struct {
	jobs     repository.PublishJobRepository
	posts    repository.PostRepository
	media    service.MediaService
	creds    service.CredentialService
	recorder service.OutcomeRecorder
	registry *platform.Registry
	enqueuer service.JobEnqueuer
	tracker  Tracker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

func NewDispatcher(
	jobs repository.PublishJobRepository,
	posts repository.PostRepository,
	media service.MediaService,
	creds service.CredentialService,
	recorder service.OutcomeRecorder,
	registry *platform.Registry,
	enqueuer service.JobEnqueuer,
	tracker Tracker,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Minute
	}
	if opts.Lease <= 0 {
		opts.Lease = 10 * time.Minute
	}
	return &Dispatcher{
		jobs:     jobs,
		posts:    posts,
		media:    media,
		creds:    creds,
		recorder: recorder,
		registry: registry,
		enqueuer: enqueuer,
		tracker:  tracker,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}
