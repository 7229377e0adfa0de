package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/task"
	"consignment-ledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type RunPayload struct {
	Job    string `json:"job"`
	DryRun bool   `json:"dry_run"`
	Limit  int    `json:"limit,omitempty"`
}

// NewRunTask builds a reconcile:run task. day scopes the task id so one job is
// queued at most once per day.
func NewRunTask(p RunPayload, day string) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.ReconcileRun, payload,
		asynq.Queue("low"),
		asynq.TaskID(fmt.Sprintf("reconcile:%s:%s", p.Job, day)),
		asynq.MaxRetry(3),
		asynq.Retention(48*time.Hour)), nil
}

func HandleRun(svc *Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p RunPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode %s payload: %w: %w", t.Type(), err, asynq.SkipRetry)
		}

		rep, err := svc.Run(ctx, p.Job, RunOptions{
			DryRun:   p.DryRun,
			Operator: actor.Job(p.Job),
			Limit:    p.Limit,
		})
		if errors.Is(err, ErrJobRunning) {
			zap.L().Warn("reconciliation skipped, job already running", zap.String("job", p.Job))
			return nil
		}
		if err != nil {
			return task.Permanent(err)
		}

		zap.L().Info("reconcile task done",
			zap.String("job", p.Job),
			zap.String("run_id", rep.RunID),
			zap.Int("found", rep.Found),
		)
		return nil
	}
}
