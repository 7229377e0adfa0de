package commission

import (
	"context"
	"testing"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/money"
	"consignment-ledger/pkg/sequence"
	"consignment-ledger/pkg/settings"
	"consignment-ledger/services/ledger"
	"consignment-ledger/services/referral"
	"consignment-ledger/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func node(userID string, accountType, depth int) referral.Node {
	return referral.Node{UserID: userID, AccountType: accountType, Depth: depth}
}

func TestPlanLadderPaysEachTierOnce(t *testing.T) {
	snap := settings.Default()
	chain := []referral.Node{
		node("a", 0, 1), // not an agent
		node("b", 5, 2), // tier 3
		node("c", 4, 3), // tier 2, below last paid
		node("d", 5, 4), // tier 3, same as last paid
		node("e", 7, 5), // tier 5
		node("f", 7, 6),
	}

	ladder := PlanLadder(chain, snap)
	require.Len(t, ladder, 2)
	require.Equal(t, "b", ladder[0].UserID)
	require.Equal(t, ledger.TeamCommission(3), ladder[0].BusinessType)
	require.Equal(t, "0.15", ladder[0].Rate.String())
	require.Equal(t, "e", ladder[1].UserID)
	require.Equal(t, "0.06", ladder[1].Rate.String())

	total := decimal.Zero
	for _, p := range ladder {
		total = total.Add(p.Rate)
	}
	require.True(t, total.Equal(snap.TierRate(snap.MaxTier())))
}

func TestPlanCascadeWithGap(t *testing.T) {
	snap := settings.Default()
	chain := []referral.Node{node("a", 0, 1), node("b", 5, 2)}

	plan := Plan(chain, money.MustParse("100"), snap)
	require.Len(t, plan, 3)

	got := map[string]string{}
	for _, p := range plan {
		got[p.BusinessType+"/"+p.UserID] = p.Amount.StringFixed(2)
	}
	require.Equal(t, map[string]string{
		"direct_commission/a":   "10.00",
		"indirect_commission/b": "5.00",
		"team_commission_l3/b":  "15.00",
	}, got)
}

func TestPlanBounds(t *testing.T) {
	snap := settings.Default()
	chain := []referral.Node{node("a", 3, 1), node("b", 4, 2), node("c", 6, 3), node("d", 7, 4)}

	require.Empty(t, Plan(chain, decimal.Zero, snap))
	require.Empty(t, Plan(chain, money.MustParse("0.01"), snap))

	profit := money.MustParse("333.33")
	ladderTotal := decimal.Zero
	for _, p := range Plan(chain, profit, snap) {
		if ledger.IsTeamCommission(p.BusinessType) {
			ladderTotal = ladderTotal.Add(p.Amount)
		}
	}
	require.True(t, ladderTotal.LessThanOrEqual(money.Mul(profit, snap.TierRate(snap.MaxTier())).Add(money.Cent.Mul(decimal.NewFromInt(4)))))
}

type fixture struct {
	db     *gorm.DB
	svc    *Service
	ledger *ledger.Service
	ref    *referral.Service
}

func newFixture(t *testing.T, snap settings.Settings) *fixture {
	t.Helper()

	conn := testutil.NewTestDB(t, &referral.Member{}, &ledger.Account{}, &ledger.LedgerEntry{})
	n, err := snowflake.NewNode(4)
	require.NoError(t, err)

	provider := settings.Static(snap)
	led := ledger.NewService(ledger.ServiceParams{
		DB:       conn,
		Node:     n,
		Sequence: sequence.NewSnowflakeGenerator(n),
		Settings: provider,
	})
	ref := referral.NewService(referral.ServiceParams{DB: conn})
	svc := NewService(ServiceParams{DB: conn, Settings: provider, Ledger: led, Referral: ref})
	return &fixture{db: conn, svc: svc, ledger: led, ref: ref}
}

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

func (f *fixture) withdrawable(t *testing.T, userID string) string {
	t.Helper()
	acct, err := f.ledger.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return acct.Withdrawable.StringFixed(2)
}

func request(profit string) CascadeRequest {
	return CascadeRequest{
		SellerID:      "seller",
		Profit:        money.MustParse(profit),
		ConsignmentID: "c1",
		BatchNo:       "B1",
		Operator:      actor.System("test"),
	}
}

func TestDistributeSkipsMissingAncestors(t *testing.T) {
	f := newFixture(t, settings.Default())
	ctx := context.Background()

	f.member(t, "seller", "a", 0, true)
	f.member(t, "a", "g", 0, true)
	f.member(t, "g", "m", 5, true)
	f.member(t, "m", "ghost", 7, false)

	res, err := f.svc.Distribute(ctx, request("100"))
	require.NoError(t, err)
	require.Equal(t, referral.StopMissing, res.Stop)
	require.Len(t, res.Paid, 3)
	require.Len(t, res.Skipped, 1)
	require.Equal(t, "m", res.Skipped[0].UserID)
	require.Equal(t, SkipMissingAccount, res.Skipped[0].Reason)
	require.Equal(t, "30.00", res.Total.StringFixed(2))

	require.Equal(t, "10.00", f.withdrawable(t, "a"))
	require.Equal(t, "20.00", f.withdrawable(t, "g"))

	again, err := f.svc.Distribute(ctx, request("100"))
	require.NoError(t, err)
	require.Empty(t, again.Paid)
	require.Len(t, again.Skipped, 4)
	require.True(t, again.Total.IsZero())
	require.Equal(t, "20.00", f.withdrawable(t, "g"))
}

func TestDistributeTerminatesOnCycle(t *testing.T) {
	f := newFixture(t, settings.Default())

	f.member(t, "seller", "a", 0, true)
	f.member(t, "a", "b", 6, true)
	f.member(t, "b", "seller", 6, true)

	res, err := f.svc.Distribute(context.Background(), request("100"))
	require.NoError(t, err)
	require.Equal(t, referral.StopCycle, res.Stop)

	// direct 10 and tier 4 (0.18) to a, indirect 5 to b; b's equal tier is skipped
	require.Equal(t, "28.00", f.withdrawable(t, "a"))
	require.Equal(t, "5.00", f.withdrawable(t, "b"))
	require.Equal(t, "0.00", f.withdrawable(t, "seller"))
}

func TestDistributeAbortsOnBoundViolation(t *testing.T) {
	snap := settings.Default()
	snap.BalanceCap = money.MustParse("8")
	f := newFixture(t, snap)

	f.member(t, "seller", "a", 0, true)
	f.member(t, "a", "", 0, true)

	_, err := f.svc.Distribute(context.Background(), request("100"))
	require.ErrorIs(t, err, ledger.ErrBalanceCapExceeded)

	var count int64
	require.NoError(t, f.db.Model(&ledger.LedgerEntry{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestDistributeValidation(t *testing.T) {
	f := newFixture(t, settings.Default())

	_, err := f.svc.Distribute(context.Background(), CascadeRequest{Profit: money.MustParse("1")})
	require.ErrorIs(t, err, ErrInvalidRequest)

	res, err := f.svc.Distribute(context.Background(), request("0"))
	require.NoError(t, err)
	require.Empty(t, res.Paid)
}

func TestPayKeepsTheOriginalPlan(t *testing.T) {
	f := newFixture(t, settings.Default())
	ctx := context.Background()

	f.member(t, "seller", "a", 0, true)
	f.member(t, "a", "g", 0, true)
	f.member(t, "g", "", 3, true) // tier 1

	res, err := f.svc.Distribute(ctx, request("100"))
	require.NoError(t, err)
	require.Len(t, res.Planned, 3)
	require.Equal(t, "14.00", f.withdrawable(t, "g"))

	// a promotion after the fact changes the ladder key; the stored plan
	// still resolves to payouts that are already on the ledger
	require.NoError(t, f.ref.SetAccountType(ctx, "g", 5))

	again, err := f.svc.Pay(ctx, request("100"), res.Planned)
	require.NoError(t, err)
	require.Empty(t, again.Paid)
	require.Len(t, again.Skipped, 3)
	require.Equal(t, "14.00", f.withdrawable(t, "g"))

	_, err = f.svc.Pay(ctx, CascadeRequest{}, res.Planned)
	require.ErrorIs(t, err, ErrInvalidRequest)
}
