package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"consignment-ledger/pkg/config"
	"consignment-ledger/pkg/rediskey"
	"consignment-ledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	tasks []*asynq.Task
	fail  string
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	var p RunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return nil, err
	}
	if p.Job == e.fail {
		return nil, errors.New("redis down")
	}
	e.tasks = append(e.tasks, t)
	return &asynq.TaskInfo{}, nil
}

func TestNextRunTime(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2025, 3, 10, h, m, 0, 0, time.UTC) }

	require.Equal(t, at(3, 0), nextRunTime(at(1, 30), 3, 0))
	require.Equal(t, at(3, 0).Add(24*time.Hour), nextRunTime(at(3, 0), 3, 0))
	require.Equal(t, at(3, 0).Add(24*time.Hour), nextRunTime(at(22, 15), 3, 0))
}

func TestSchedulerEnqueuesEveryJob(t *testing.T) {
	cfg := &config.Config{}
	cfg.Reconcile.Hour = 3
	enq := &recordingEnqueuer{fail: JobChainAudit}
	s := NewScheduler(enq, cfg)

	n := s.Enqueue(context.Background(), time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC))
	require.Equal(t, len(Jobs)-1, n)
	require.Len(t, enq.tasks, len(Jobs)-1)

	for _, task := range enq.tasks {
		require.Equal(t, taskname.ReconcileRun, task.Type())
		var p RunPayload
		require.NoError(t, json.Unmarshal(task.Payload(), &p))
		require.True(t, p.DryRun)
	}

	cfg.Reconcile.Execute = true
	enq = &recordingEnqueuer{}
	NewScheduler(enq, cfg).Enqueue(context.Background(), time.Now())
	var p RunPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &p))
	require.False(t, p.DryRun)
}

func TestHandleRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := HandleRun(f.svc)

	err := h.ProcessTask(ctx, asynq.NewTask(taskname.ReconcileRun, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewRunTask(RunPayload{Job: JobChainAudit, DryRun: true}, "20250310")
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(ctx, task))

	runs, err := f.svc.Runs(ctx, JobChainAudit, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.True(t, runs[0].DryRun)
	require.Equal(t, "job:"+JobChainAudit, runs[0].Operator)

	// a run already holding the lock is not an error for the queue
	release, err := f.locker.Acquire(ctx, rediskey.BuildJobLockKey(JobChainAudit), time.Minute)
	require.NoError(t, err)
	defer release()
	require.NoError(t, h.ProcessTask(ctx, task))

	bad, err := NewRunTask(RunPayload{Job: "nope"}, "20250310")
	require.NoError(t, err)
	require.ErrorIs(t, h.ProcessTask(ctx, bad), asynq.SkipRetry)
}
