package coupon

import (
	"context"
	"testing"
	"time"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/db"
	"consignment-ledger/pkg/money"
	"consignment-ledger/pkg/settings"
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

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db  *gorm.DB
	svc *Service
	ref *referral.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn := testutil.NewTestDB(t, &referral.Member{}, &Coupon{}, &PriceZone{}, &Purchase{})
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	ref := referral.NewService(referral.ServiceParams{DB: conn})
	svc := NewService(ServiceParams{
		DB:       conn,
		Node:     node,
		Settings: settings.Static(settings.Default()),
		Referral: ref,
	})
	svc.now = func() time.Time { return testNow }

	zones := []*PriceZone{
		{ID: "z1", Name: "0-100", MinPrice: money.MustParse("0"), MaxPrice: decimal.NewNullDecimal(money.MustParse("100")), Sort: 1, Enabled: true},
		{ID: "z2", Name: "100-500", MinPrice: money.MustParse("100.01"), MaxPrice: decimal.NewNullDecimal(money.MustParse("500")), Sort: 2, Enabled: true},
		{ID: "z3", Name: "500+", MinPrice: money.MustParse("500.01"), Sort: 3, Enabled: true},
		{ID: "off", Name: "disabled", MinPrice: money.MustParse("0"), Sort: 0, Enabled: false},
	}
	require.NoError(t, conn.Create(&zones).Error)

	return &fixture{db: conn, svc: svc, ref: ref}
}

func (f *fixture) member(t *testing.T, userID string, accountType int) {
	t.Helper()
	_, err := f.ref.Join(context.Background(), userID, "")
	require.NoError(t, err)
	require.NoError(t, f.ref.SetAccountType(context.Background(), userID, accountType))
}

func (f *fixture) issue(t *testing.T, userID, sessionID, zoneID, source string) *IssueResult {
	t.Helper()
	res, err := f.svc.IssueCoupon(context.Background(), IssueRequest{
		UserID:    userID,
		SessionID: sessionID,
		ZoneID:    zoneID,
		SourceKey: source,
		Operator:  actor.Admin("ops"),
	})
	require.NoError(t, err)
	return res
}

func TestResolveZone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		price string
		want  string
	}{
		{price: "0", want: "z1"},
		{price: "100", want: "z1"},
		{price: "100.01", want: "z2"},
		{price: "500", want: "z2"},
		{price: "1000000", want: "z3"},
	}
	for _, tc := range cases {
		z, err := f.svc.ResolveZone(ctx, money.MustParse(tc.price))
		require.NoError(t, err, tc.price)
		require.Equal(t, tc.want, z.ID, tc.price)
	}

	_, err := f.svc.ResolveZone(ctx, money.MustParse("-1"))
	require.ErrorIs(t, err, ErrZoneNotFound)
}

func TestIssueCouponDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "u1", 2)

	first := f.issue(t, "u1", "s1", "z1", "evt-1")
	require.False(t, first.Deduplicated)
	require.Equal(t, Unused, first.Coupon.State)
	require.Equal(t, testNow.AddDate(0, 0, 30), first.Coupon.ExpiresAt)
	require.Equal(t, "admin:ops", first.Coupon.Operator)

	again := f.issue(t, "u1", "s1", "z1", "evt-2")
	require.True(t, again.Deduplicated)
	require.Equal(t, first.Coupon.ID, again.Coupon.ID)

	replay := f.issue(t, "u1", "s1", "z1", "evt-1")
	require.True(t, replay.Deduplicated)

	other := f.issue(t, "u1", "s1", "z2", "evt-3")
	require.False(t, other.Deduplicated)

	n, err := f.svc.CountUsable(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	_, err = f.svc.IssueCoupon(ctx, IssueRequest{UserID: "ghost", SessionID: "s1", ZoneID: "z1"})
	require.ErrorIs(t, err, referral.ErrMemberNotFound)
}

func TestIssueCouponReplacesExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "u1", 2)

	old := f.issue(t, "u1", "s1", "z1", "evt-1")

	f.svc.now = func() time.Time { return testNow.AddDate(0, 0, 31) }
	fresh := f.issue(t, "u1", "s1", "z1", "evt-2")
	require.False(t, fresh.Deduplicated)
	require.NotEqual(t, old.Coupon.ID, fresh.Coupon.ID)

	var stale Coupon
	require.NoError(t, f.db.First(&stale, "id = ?", old.Coupon.ID).Error)
	require.Equal(t, Expired, stale.State)
	require.Equal(t, stale.ID, stale.ActiveKey)

	n, err := f.svc.CountUsable(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestUniqueActiveCouponIsEnforced(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", 2)
	c := f.issue(t, "u1", "s1", "z1", "evt-1").Coupon

	dup := *c
	dup.ID, dup.SourceKey = "manual-dup", "manual-dup"
	err := f.db.Create(&dup).Error
	require.Error(t, err)
	require.True(t, db.IsDuplicateKey(err))
}

func TestFindUsableCoupon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "u1", 2)

	c2 := f.issue(t, "u1", "s1", "z2", "evt-1").Coupon

	got, err := f.svc.FindUsableCoupon(ctx, "u1", "s1", "z2", decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, c2.ID, got.ID)

	// z1 and z3 are both one zone away from z2
	got, err = f.svc.FindUsableCoupon(ctx, "u1", "s1", "z1", decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, c2.ID, got.ID)

	got, err = f.svc.FindUsableCoupon(ctx, "u1", "s1", "", money.MustParse("900"))
	require.NoError(t, err)
	require.Equal(t, c2.ID, got.ID)

	_, err = f.svc.FindUsableCoupon(ctx, "u1", "s2", "z2", decimal.Zero)
	require.ErrorIs(t, err, ErrNoCouponAvailable)

	c1 := f.issue(t, "u1", "s1", "z1", "evt-2").Coupon
	got, err = f.svc.FindUsableCoupon(ctx, "u1", "s1", "z1", decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, c1.ID, got.ID)

	f.svc.snap.ZoneTolerance = 0
	_, err = f.svc.FindUsableCoupon(ctx, "u1", "s1", "z3", decimal.Zero)
	require.ErrorIs(t, err, ErrNoCouponAvailable)
}

func TestFindUsableCouponSkipsFarZones(t *testing.T) {
	f := newFixture(t)
	f.member(t, "u1", 2)
	f.issue(t, "u1", "s1", "z1", "evt-1")

	_, err := f.svc.FindUsableCoupon(context.Background(), "u1", "s1", "z3", decimal.Zero)
	require.ErrorIs(t, err, ErrNoCouponAvailable)
}

func TestConsumeCoupon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "u1", 2)
	c := f.issue(t, "u1", "s1", "z1", "evt-1").Coupon

	used, err := f.svc.ConsumeCoupon(ctx, actor.User("u1"), c.ID, "cons-1")
	require.NoError(t, err)
	require.Equal(t, Used, used.State)
	require.Equal(t, "cons-1", used.ConsignmentID)

	_, err = f.svc.ConsumeCoupon(ctx, actor.User("u1"), c.ID, "cons-2")
	require.ErrorIs(t, err, ErrAlreadyConsumed)

	_, err = f.svc.ConsumeCoupon(ctx, actor.User("u1"), "missing", "cons-2")
	require.ErrorIs(t, err, ErrCouponNotFound)

	// the used coupon frees the slot for a new one
	next := f.issue(t, "u1", "s1", "z1", "evt-2")
	require.False(t, next.Deduplicated)

	f.svc.now = func() time.Time { return testNow.AddDate(0, 0, 30) }
	_, err = f.svc.ConsumeCoupon(ctx, actor.User("u1"), next.Coupon.ID, "cons-3")
	require.ErrorIs(t, err, ErrCouponExpired)
}

func TestExpireCoupons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "u1", 2)
	f.issue(t, "u1", "s1", "z1", "evt-1")
	f.issue(t, "u1", "s1", "z2", "evt-2")

	n, err := f.svc.ExpireCoupons(ctx, actor.Job("coupon_expiry_sweep"), testNow)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = f.svc.ExpireCoupons(ctx, actor.Job("coupon_expiry_sweep"), testNow.AddDate(0, 0, 30))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	var rows []Coupon
	require.NoError(t, f.db.Find(&rows).Error)
	for _, r := range rows {
		require.Equal(t, Expired, r.State)
		require.Equal(t, r.ID, r.ActiveKey)
	}
}

func TestHandlePurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "u1", 0)

	buy := func(event string) *PurchaseResult {
		res, err := f.svc.HandlePurchase(ctx, actor.System("test"), PurchaseEvent{
			EventID:   event,
			UserID:    "u1",
			SessionID: "s1",
			ItemPrice: money.MustParse("80"),
		})
		require.NoError(t, err)
		return res
	}

	first := buy("evt-1")
	require.True(t, first.Upgraded)
	require.Equal(t, AccountTypeBuyer, first.NewType)
	require.Nil(t, first.Coupon)

	second := buy("evt-2")
	require.True(t, second.Upgraded)
	require.Equal(t, AccountTypeTrader, second.NewType)
	require.NotNil(t, second.Coupon)
	require.Equal(t, "z1", second.Coupon.ZoneID)
	require.False(t, second.Deduplicated)

	third := buy("evt-3")
	require.False(t, third.Upgraded)
	require.NotNil(t, third.Coupon)
	require.True(t, third.Deduplicated)
	require.Equal(t, second.Coupon.ID, third.Coupon.ID)

	replay := buy("evt-2")
	require.True(t, replay.Duplicate)

	var purchases int64
	require.NoError(t, f.db.Model(&Purchase{}).Count(&purchases).Error)
	require.Equal(t, int64(3), purchases)

	m, err := f.ref.GetMember(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, AccountTypeTrader, m.AccountType)
}

func TestHandlePurchaseAgentEarnsCoupon(t *testing.T) {
	f := newFixture(t)
	f.member(t, "agent", 4)

	res, err := f.svc.HandlePurchase(context.Background(), actor.System("test"), PurchaseEvent{
		EventID:   "evt-a",
		UserID:    "agent",
		SessionID: "s9",
		ZoneID:    "z3",
		ItemPrice: money.MustParse("800"),
	})
	require.NoError(t, err)
	require.False(t, res.Upgraded)
	require.Equal(t, int64(1), res.PurchaseCount)
	require.NotNil(t, res.Coupon)
	require.Equal(t, "z3", res.Coupon.ZoneID)
}
