package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"consignment-ledger/pkg/config"
	"consignment-ledger/pkg/db/option"
	"consignment-ledger/pkg/errutil"
	"consignment-ledger/pkg/rediskey"
	"consignment-ledger/pkg/repository"
	"consignment-ledger/pkg/sequence"
	"consignment-ledger/pkg/settings"
	"consignment-ledger/services/commission"
	"consignment-ledger/services/consignment"
	"consignment-ledger/services/coupon"
	"consignment-ledger/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultParallelism = 4
	defaultLockTTL     = 30 * time.Minute
	pageSize           = 100
)

type jobFunc func(ctx context.Context, opts RunOptions, rep *Report) error

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	seq         sequence.Generator
	settings    settings.Provider
	locker      Locker
	archive     Archiver
	parallelism int
	lockTTL     time.Duration

	ledger       *ledger.Service
	consignments *consignment.Service
	commission   *commission.Service
	coupons      *coupon.Service

	runs repository.Repository[JobRun]
	jobs map[string]jobFunc
}

type ServiceParams struct {
	fx.In
	DB           *gorm.DB
	Node         *snowflake.Node
	Sequence     sequence.Generator
	Settings     settings.Provider
	Locker       Locker
	Archive      Archiver       `optional:"true"`
	Config       *config.Config `optional:"true"`
	Ledger       *ledger.Service
	Consignments *consignment.Service
	Commission   *commission.Service
	Coupons      *coupon.Service
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:           p.DB,
		node:         p.Node,
		seq:          p.Sequence,
		settings:     p.Settings,
		locker:       p.Locker,
		archive:      p.Archive,
		parallelism:  defaultParallelism,
		lockTTL:      defaultLockTTL,
		ledger:       p.Ledger,
		consignments: p.Consignments,
		commission:   p.Commission,
		coupons:      p.Coupons,
		runs:         repository.ProvideStore[JobRun](p.DB),
	}
	if p.Config != nil {
		if n := p.Config.Reconcile.Parallelism; n > 0 {
			s.parallelism = n
		}
		if ttl := p.Config.Reconcile.LockTTL; ttl > 0 {
			s.lockTTL = ttl
		}
	}

	s.jobs = map[string]jobFunc{
		JobDuplicatePostings: s.duplicatePostings,
		JobMissingCommission: s.missingCommission,
		JobSettlementDrift:   s.settlementDrift,
		JobDuplicateCoupons:  s.duplicateCoupons,
		JobChainAudit:        s.chainAudit,
	}
	return s
}

// Run executes one job under its lock and records the run. A job that finds
// nothing to fix succeeds with an empty report.
func (s *Service) Run(ctx context.Context, job string, opts RunOptions) (*Report, error) {
	fn, ok := s.jobs[job]
	if !ok {
		return nil, errutil.BadRequest("unknown reconciliation job", nil, errutil.WithDetails(
			errutil.Detail{Field: "job", Message: job},
		))
	}

	release, err := s.locker.Acquire(ctx, rediskey.BuildJobLockKey(job), s.lockTTL)
	if err != nil {
		runsTotal.WithLabelValues(job, "locked").Inc()
		return nil, err
	}
	defer release()

	log := zap.L().With(zap.String("job", job), zap.Bool("dry_run", opts.DryRun))
	started := time.Now().UTC()
	rep := &Report{
		RunID:     uuid.NewString(),
		Job:       job,
		DryRun:    opts.DryRun,
		StartedAt: started,
		Findings:  []Finding{},
	}

	run := &JobRun{
		ID:        s.node.Generate().String(),
		RunID:     rep.RunID,
		Job:       job,
		Status:    StatusRunning,
		DryRun:    opts.DryRun,
		Operator:  opts.Operator.String(),
		StartedAt: &started,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		log.Error("failed to create job run", zap.Error(err))
		return nil, err
	}
	log = log.With(zap.String("run_id", rep.RunID))
	log.Info("reconciliation started")

	runErr := fn(ctx, opts, rep)
	rep.FinishedAt = time.Now().UTC()

	status := StatusSuccess
	errMsg := ""
	if runErr != nil {
		status, errMsg = StatusFailed, runErr.Error()
	}
	raw, err := json.Marshal(rep)
	if err != nil {
		return nil, err
	}
	if err := s.runs.Update(ctx, run.ID, map[string]any{
		"status":       status,
		"examined":     rep.Examined,
		"found":        rep.Found,
		"fixed":        rep.Fixed,
		"error_msg":    errMsg,
		"report":       datatypes.JSON(raw),
		"completed_at": rep.FinishedAt,
	}); err != nil {
		log.Error("failed to update job run", zap.Error(err))
	}

	if s.archive != nil {
		if err := s.archive.PutJSON(ctx, archiveKey(rep), rep); err != nil {
			log.Warn("failed to archive report", zap.Error(err))
		}
	}

	runsTotal.WithLabelValues(job, string(status)).Inc()
	findingsTotal.WithLabelValues(job, "true").Add(float64(rep.Fixed))
	findingsTotal.WithLabelValues(job, "false").Add(float64(rep.Found - rep.Fixed))

	if runErr != nil {
		log.Error("reconciliation failed", zap.Int("examined", rep.Examined), zap.Error(runErr))
		return rep, runErr
	}
	log.Info("reconciliation finished",
		zap.Int("examined", rep.Examined),
		zap.Int("found", rep.Found),
		zap.Int("fixed", rep.Fixed),
		zap.Duration("took", rep.FinishedAt.Sub(started)),
	)
	return rep, nil
}

// RunAll runs every job in order and stops at the first failure.
func (s *Service) RunAll(ctx context.Context, opts RunOptions) ([]*Report, error) {
	var out []*Report
	for _, job := range Jobs {
		rep, err := s.Run(ctx, job, opts)
		if rep != nil {
			out = append(out, rep)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Runs lists recorded runs of job, newest first.
func (s *Service) Runs(ctx context.Context, job string, limit int) ([]*JobRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.runs.Find(ctx, &JobRun{Job: job},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc"}),
		option.WithLimit(limit),
	)
}

// eachUser runs fn for every user with at most parallelism in flight.
func (s *Service) eachUser(ctx context.Context, users []string, fn func(ctx context.Context, userID string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, userID := range users {
		g.Go(func() error {
			return fn(gctx, userID)
		})
	}
	return g.Wait()
}

// eachSettled pages through settled consignments in id order, stopping after
// limit when it is positive.
func (s *Service) eachSettled(ctx context.Context, limit int, fn func(c *consignment.Consignment) error) error {
	after, seen := "", 0
	for {
		page, err := s.consignments.Settled(ctx, after, pageSize)
		if err != nil {
			return err
		}
		for _, c := range page {
			if limit > 0 && seen >= limit {
				return nil
			}
			seen++
			if err := fn(c); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}
