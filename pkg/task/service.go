package task

import (
	"context"
	"errors"
	"fmt"

	"consignment-ledger/pkg/errutil"

	"github.com/hibiken/asynq"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

// NewEnqueuer creates a new Enqueuer instance using asynq.Client.
func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

// Enqueue treats a task id collision as success: the same event was already
// queued and will be processed once.
func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// Permanent marks err so asynq archives the task instead of retrying it when
// its status says a retry cannot help.
func Permanent(err error) error {
	if err == nil || errutil.StatusOf(err).Retryable() {
		return err
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}
