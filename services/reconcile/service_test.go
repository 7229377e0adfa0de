package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/config"
	"consignment-ledger/pkg/money"
	"consignment-ledger/pkg/rediskey"
	"consignment-ledger/pkg/sequence"
	"consignment-ledger/pkg/settings"
	"consignment-ledger/services/commission"
	"consignment-ledger/services/consignment"
	"consignment-ledger/services/coupon"
	"consignment-ledger/services/ledger"
	"consignment-ledger/services/referral"
	"consignment-ledger/services/settlement"
	"consignment-ledger/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var ops = actor.Admin("ops")

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]bool{}}
}

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrJobRunning
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

type fixture struct {
	db      *gorm.DB
	svc     *Service
	locker  *memLocker
	ledger  *ledger.Service
	ref     *referral.Service
	coupons *coupon.Service
	settle  *settlement.Service
	node    *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn := testutil.NewTestDB(t,
		&referral.Member{},
		&coupon.Coupon{}, &coupon.PriceZone{}, &coupon.Purchase{},
		&ledger.Account{}, &ledger.LedgerEntry{},
		&consignment.Holding{}, &consignment.Consignment{},
		&JobRun{},
	)
	n, err := snowflake.NewNode(7)
	require.NoError(t, err)

	provider := settings.Static(settings.Default())
	seq := sequence.NewSnowflakeGenerator(n)
	ref := referral.NewService(referral.ServiceParams{DB: conn})
	led := ledger.NewService(ledger.ServiceParams{DB: conn, Node: n, Sequence: seq, Settings: provider})
	cps := coupon.NewService(coupon.ServiceParams{DB: conn, Node: n, Settings: provider, Referral: ref})
	cons := consignment.NewService(consignment.ServiceParams{DB: conn, Node: n, Settings: provider, Coupons: cps, Ledger: led})
	com := commission.NewService(commission.ServiceParams{DB: conn, Settings: provider, Ledger: led, Referral: ref})
	stl := settlement.NewService(settlement.ServiceParams{
		DB:           conn,
		Sequence:     seq,
		Settings:     provider,
		Ledger:       led,
		Consignments: cons,
		Commission:   com,
	})

	cfg := &config.Config{}
	cfg.Reconcile.Parallelism = 2
	locker := newMemLocker()
	svc := NewService(ServiceParams{
		DB:           conn,
		Node:         n,
		Sequence:     seq,
		Settings:     provider,
		Locker:       locker,
		Config:       cfg,
		Ledger:       led,
		Consignments: cons,
		Commission:   com,
		Coupons:      cps,
	})

	return &fixture{db: conn, svc: svc, locker: locker, ledger: led, ref: ref, coupons: cps, settle: stl, node: n}
}

// member joins the referral graph. Without an account it cannot receive
// payouts.
func (f *fixture) member(t *testing.T, userID, inviterID string, accountType int, withAccount bool) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ref.Join(ctx, userID, inviterID)
	require.NoError(t, err)
	require.NoError(t, f.ref.SetAccountType(ctx, userID, accountType))
	if withAccount {
		_, err = f.ledger.OpenAccount(ctx, userID)
		require.NoError(t, err)
	}
}

// sold inserts a consignment for sellerID that is sold and waiting for
// settlement.
func (f *fixture) sold(t *testing.T, sellerID, principal, price string) *consignment.Consignment {
	t.Helper()
	now := time.Now().UTC()
	c := &consignment.Consignment{
		ID:           f.node.Generate().String(),
		ItemID:       "item",
		HoldingID:    f.node.Generate().String(),
		SellerID:     sellerID,
		Principal:    money.MustParse(principal),
		AskPrice:     money.MustParse(price),
		SoldPrice:    money.MustParse(price),
		State:        consignment.Sold,
		SoldAt:       &now,
		SettleStatus: consignment.SettlePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.db.Create(&consignment.Holding{
		ID:               c.HoldingID,
		UserID:           sellerID,
		ItemID:           c.ItemID,
		Principal:        c.Principal,
		ConsignmentState: consignment.HoldingListed,
	}).Error)
	require.NoError(t, f.db.Create(c).Error)
	return c
}

// settled inserts a sold consignment for sellerID and settles it.
func (f *fixture) settled(t *testing.T, sellerID, principal, price string) *consignment.Consignment {
	t.Helper()
	c := f.sold(t, sellerID, principal, price)
	_, err := f.settle.SettleSale(context.Background(), ops, c.ID)
	require.NoError(t, err)
	return c
}

func (f *fixture) ladderTotal(t *testing.T, consignmentID string) string {
	t.Helper()
	var entries []*ledger.LedgerEntry
	require.NoError(t, f.db.Where("business_id = ? AND business_type LIKE ?", consignmentID, "team_commission_l%").
		Find(&entries).Error)
	total := money.Zero
	for _, e := range entries {
		total = total.Add(e.Delta)
	}
	return total.StringFixed(2)
}

func (f *fixture) balances(t *testing.T, userID string) (string, string) {
	t.Helper()
	acct, err := f.ledger.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return acct.Withdrawable.StringFixed(2), acct.SpendableCredit.StringFixed(2)
}

func TestRunRecordsJobRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.svc.Run(ctx, JobChainAudit, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Zero(t, rep.Found)
	require.NotEmpty(t, rep.RunID)

	runs, err := f.svc.Runs(ctx, JobChainAudit, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, StatusSuccess, runs[0].Status)
	require.Equal(t, rep.RunID, runs[0].RunID)
	require.Equal(t, "admin:ops", runs[0].Operator)
	require.NotNil(t, runs[0].CompletedAt)

	var stored Report
	require.NoError(t, json.Unmarshal(runs[0].Report, &stored))
	require.Equal(t, JobChainAudit, stored.Job)

	_, err = f.svc.Run(ctx, "nope", RunOptions{})
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunHonoursJobLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.locker.Acquire(ctx, rediskey.BuildJobLockKey(JobDuplicateCoupons), time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Run(ctx, JobDuplicateCoupons, RunOptions{})
	require.ErrorIs(t, err, ErrJobRunning)

	// other jobs are not blocked
	_, err = f.svc.Run(ctx, JobChainAudit, RunOptions{})
	require.NoError(t, err)

	release()
	_, err = f.svc.Run(ctx, JobDuplicateCoupons, RunOptions{})
	require.NoError(t, err)
	require.Empty(t, f.locker.held)
}

func TestDuplicatePostings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "seller", "", 0, true)
	c := f.settled(t, "seller", "100", "150")

	require.NoError(t, f.db.Migrator().DropIndex(&ledger.LedgerEntry{}, "uniq_ledger_business"))
	_, err := f.ledger.PostEntry(ctx, ledger.Posting{
		UserID:       "seller",
		Field:        ledger.FieldWithdrawable,
		Delta:        money.MustParse("100"),
		BusinessType: ledger.BusinessConsignmentSold,
		BusinessID:   c.ID,
		Operator:     ops,
	})
	require.NoError(t, err)
	w, _ := f.balances(t, "seller")
	require.Equal(t, "226.50", w)

	// drift leaves the consignment alone until the duplicate is gone
	rep, err := f.svc.Run(ctx, JobSettlementDrift, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Found)
	require.Zero(t, rep.Fixed)

	rep, err = f.svc.Run(ctx, JobDuplicatePostings, RunOptions{DryRun: true, Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Examined)
	require.Equal(t, 1, rep.Found)
	require.False(t, rep.Findings[0].Fixed)
	require.Equal(t, "100.00", rep.Findings[0].Amount)
	w, _ = f.balances(t, "seller")
	require.Equal(t, "226.50", w)

	rep, err = f.svc.Run(ctx, JobDuplicatePostings, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Fixed)
	w, _ = f.balances(t, "seller")
	require.Equal(t, "126.50", w)

	rep, err = f.svc.Run(ctx, JobDuplicatePostings, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Zero(t, rep.Found)

	rep, err = f.svc.Run(ctx, JobSettlementDrift, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Zero(t, rep.Found)
}

func TestMissingCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "agent", "", 5, false) // tier 3, no account yet
	f.member(t, "plain", "agent", 0, true)
	f.member(t, "seller", "plain", 0, true)
	f.settled(t, "seller", "100", "150")

	w, _ := f.balances(t, "plain")
	require.Equal(t, "5.00", w)

	_, err := f.ledger.OpenAccount(ctx, "agent")
	require.NoError(t, err)

	rep, err := f.svc.Run(ctx, JobMissingCommission, RunOptions{DryRun: true, Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Examined)
	require.Equal(t, 2, rep.Found)
	require.Zero(t, rep.Fixed)
	w, _ = f.balances(t, "agent")
	require.Equal(t, "0.00", w)

	rep, err = f.svc.Run(ctx, JobMissingCommission, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Fixed)

	w, _ = f.balances(t, "agent")
	require.Equal(t, "10.00", w)
	w, _ = f.balances(t, "plain")
	require.Equal(t, "5.00", w)

	rep, err = f.svc.Run(ctx, JobMissingCommission, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Zero(t, rep.Found)
}

func TestMissingCommissionFollowsSettledPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "agent", "", 3, true) // tier 1
	f.member(t, "plain", "agent", 0, true)
	f.member(t, "seller", "plain", 0, true)
	c := f.settled(t, "seller", "100", "150")

	// indirect 2.50 and tier 1 4.50
	w, _ := f.balances(t, "agent")
	require.Equal(t, "7.00", w)
	require.Equal(t, "4.50", f.ladderTotal(t, c.ID))

	// promoted to tier 3 after the sale
	require.NoError(t, f.ref.SetAccountType(ctx, "agent", 5))

	rep, err := f.svc.Run(ctx, JobMissingCommission, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Examined)
	require.Zero(t, rep.Found)
	w, _ = f.balances(t, "agent")
	require.Equal(t, "7.00", w)

	// settled before plans were stored: the graph is walked again but the
	// ladder already paid is not paid a second time
	require.NoError(t, f.db.Model(&consignment.Consignment{}).Where("id = ?", c.ID).
		Update("settlement", datatypes.JSON(`{"service_fee_rate":"0.03","split_rate":"0.5"}`)).Error)

	rep, err = f.svc.Run(ctx, JobMissingCommission, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Zero(t, rep.Found)
	w, _ = f.balances(t, "agent")
	require.Equal(t, "7.00", w)
	require.Equal(t, "4.50", f.ladderTotal(t, c.ID))
}

func TestMissingCommissionReplansWithoutLadder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "agent", "", 5, false) // tier 3, no account yet
	f.member(t, "seller", "agent", 0, true)
	c := f.settled(t, "seller", "100", "150")

	_, err := f.ledger.OpenAccount(ctx, "agent")
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&consignment.Consignment{}).Where("id = ?", c.ID).
		Update("settlement", datatypes.JSON(`{"service_fee_rate":"0.03","split_rate":"0.5"}`)).Error)

	// no tier was paid, so the re-planned ladder is still owed
	rep, err := f.svc.Run(ctx, JobMissingCommission, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Found)
	require.Equal(t, 2, rep.Fixed)

	// direct 5.00 and tier 3 7.50
	w, _ := f.balances(t, "agent")
	require.Equal(t, "12.50", w)
	require.Equal(t, "7.50", f.ladderTotal(t, c.ID))
}

func TestSettlementDriftReachesReconstructedSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "seller", "", 0, true)
	c := f.sold(t, "seller", "100", "150")

	// the principal landed but the settlement never finished
	_, err := f.ledger.Apply(ctx, ledger.Posting{
		UserID:       "seller",
		Field:        ledger.FieldWithdrawable,
		Delta:        money.MustParse("100"),
		BusinessType: ledger.BusinessConsignmentSold,
		BusinessID:   c.ID,
		Operator:     ops,
	})
	require.NoError(t, err)

	res, err := f.settle.SettleSale(ctx, ops, c.ID)
	require.NoError(t, err)
	require.True(t, res.AlreadySettled)
	require.True(t, res.Snapshot.Reconstructed)

	rep, err := f.svc.Run(ctx, JobSettlementDrift, RunOptions{DryRun: true, Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Found)
	amounts := map[string]string{}
	for _, fd := range rep.Findings {
		amounts[fd.Key] = fd.Amount
	}
	require.Equal(t, map[string]string{
		"settlement_correction/" + c.ID + "/withdrawable":     "26.50",
		"settlement_correction/" + c.ID + "/spendable_credit": "23.50",
	}, amounts)

	rep, err = f.svc.Run(ctx, JobSettlementDrift, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Fixed)

	w, cr := f.balances(t, "seller")
	require.Equal(t, "126.50", w)
	require.Equal(t, "23.50", cr)
}

func TestSettlementDriftWithoutSellerAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "seller", "", 0, true)
	c := f.settled(t, "seller", "100", "150")

	require.NoError(t, f.db.Where("user_id = ?", "seller").Delete(&ledger.Account{}).Error)

	rep, err := f.svc.Run(ctx, JobSettlementDrift, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Found)
	require.Equal(t, c.ID, rep.Findings[0].Key)
	require.False(t, rep.Findings[0].Fixed)
}

func TestSettlementDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "seller", "", 0, true)
	c := f.settled(t, "seller", "100", "150")

	rep, err := f.svc.Run(ctx, JobSettlementDrift, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Zero(t, rep.Found)

	// the snapshot now says the fee was 5%: one more in fee refund, half of
	// it taken back from the credit share
	require.NoError(t, f.db.Model(&consignment.Consignment{}).Where("id = ?", c.ID).
		Update("settlement", datatypes.JSON(`{"service_fee_rate":"0.05","split_rate":"0.5"}`)).Error)

	rep, err = f.svc.Run(ctx, JobSettlementDrift, RunOptions{DryRun: true, Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Found)
	amounts := map[string]string{}
	for _, fd := range rep.Findings {
		amounts[fd.Key] = fd.Amount
	}
	require.Equal(t, map[string]string{
		"settlement_correction/" + c.ID + "/withdrawable":    "1.00",
		"over_refund_recovery/" + c.ID + "/spendable_credit": "-1.00",
	}, amounts)

	rep, err = f.svc.Run(ctx, JobSettlementDrift, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Fixed)

	w, cr := f.balances(t, "seller")
	require.Equal(t, "127.50", w)
	require.Equal(t, "22.50", cr)

	rep, err = f.svc.Run(ctx, JobSettlementDrift, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Zero(t, rep.Found)
}

func TestDuplicateCoupons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Migrator().DropIndex(&coupon.Coupon{}, "uniq_coupon_active"))

	base := time.Now().UTC().Add(-time.Hour)
	add := func(id, zone string, offset time.Duration) {
		require.NoError(t, f.db.Create(&coupon.Coupon{
			ID:        id,
			UserID:    "alice",
			SessionID: "s1",
			ZoneID:    zone,
			ActiveKey: "active",
			SourceKey: "grant:" + id,
			State:     coupon.Unused,
			ExpiresAt: base.Add(24 * time.Hour),
			CreatedAt: base.Add(offset),
			UpdatedAt: base.Add(offset),
		}).Error)
	}
	add("c1", "mid", 0)
	add("c2", "mid", time.Minute)
	add("c3", "mid", 2*time.Minute)
	add("c4", "low", 0)

	rep, err := f.svc.Run(ctx, JobDuplicateCoupons, RunOptions{DryRun: true, Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Examined)
	require.Equal(t, 2, rep.Found)

	n, err := f.coupons.CountUsable(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	rep, err = f.svc.Run(ctx, JobDuplicateCoupons, RunOptions{Operator: ops})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Fixed)

	n, err = f.coupons.CountUsable(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	var kept coupon.Coupon
	require.NoError(t, f.db.First(&kept, "id = ?", "c1").Error)
	require.Equal(t, coupon.Unused, kept.State)
}

func TestChainAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "alice", "", 0, true)
	f.member(t, "bob", "", 0, true)
	f.settled(t, "alice", "100", "150")
	f.settled(t, "bob", "100", "150")

	rep, err := f.svc.Run(ctx, JobChainAudit, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Examined)
	require.Zero(t, rep.Found)

	var e ledger.LedgerEntry
	require.NoError(t, f.db.Where("user_id = ?", "bob").Order("id").First(&e).Error)
	require.NoError(t, f.db.Model(&ledger.LedgerEntry{}).Where("id = ?", e.ID).Update("delta", money.MustParse("1")).Error)

	rep, err = f.svc.Run(ctx, JobChainAudit, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Found)
	require.Equal(t, "bob", rep.Findings[0].Subject)
	require.Equal(t, e.ID, rep.Findings[0].Key)

	rep, err = f.svc.Run(ctx, JobChainAudit, RunOptions{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Examined)
	require.Zero(t, rep.Found)
}

func TestRunAll(t *testing.T) {
	f := newFixture(t)
	f.member(t, "seller", "", 0, true)
	f.settled(t, "seller", "100", "150")

	reps, err := f.svc.RunAll(context.Background(), RunOptions{DryRun: true, Operator: ops})
	require.NoError(t, err)
	require.Len(t, reps, len(Jobs))
	for i, rep := range reps {
		require.Equal(t, Jobs[i], rep.Job)
		require.Zero(t, rep.Found, rep.Job)
	}
}

type memArchive struct {
	keys []string
}

func (a *memArchive) PutJSON(_ context.Context, key string, v any) error {
	if _, err := json.Marshal(v); err != nil {
		return err
	}
	a.keys = append(a.keys, key)
	return nil
}

func TestRunArchivesReport(t *testing.T) {
	f := newFixture(t)
	archive := &memArchive{}
	f.svc.archive = archive

	rep, err := f.svc.Run(context.Background(), JobDuplicateCoupons, RunOptions{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, []string{
		"reconcile/duplicate_coupons/" + rep.StartedAt.Format("2006/01/02") + "/" + rep.RunID + ".json",
	}, archive.keys)

	require.Nil(t, NewArchiver(archiverParams{}))
}
