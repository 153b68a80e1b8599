package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const TaskTypeDispatchJob = "publish:dispatch"

type DispatchPayload struct {
	JobID int64 `json:"job_id"`
}

type taskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer schedules dispatch wakeups on asynq. Tasks carry only the job
// id; the job row stays the source of truth.
type Enqueuer struct {
	client taskClient
	logger *slog.Logger
}

func NewEnqueuer(client taskClient, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{client: client, logger: logger}
}

func (e *Enqueuer) Enqueue(ctx context.Context, jobID int64, at time.Time) error {
	taskPayload, err := json.Marshal(DispatchPayload{JobID: jobID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeDispatchJob, taskPayload)

	_, err = e.client.EnqueueContext(ctx, task,
		asynq.ProcessAt(at),
		asynq.TaskID(fmt.Sprintf("job:%d:%d", jobID, at.Unix())),
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue job %d: %w", jobID, err)
	}

	e.logger.Debug("dispatch scheduled", "job_id", jobID, "at", at)
	return nil
}
