package coupon

import (
	"context"
	"sort"
	"time"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/db"
	"consignment-ledger/pkg/db/option"
	"consignment-ledger/pkg/errutil"
	"consignment-ledger/pkg/repository"
	"consignment-ledger/pkg/settings"
	"consignment-ledger/services/referral"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	tx       *gorm.DB
	node     *snowflake.Node
	settings settings.Provider
	snap     settings.Settings
	referral *referral.Service
	now      func() time.Time

	coupons   repository.Repository[Coupon]
	zones     repository.Repository[PriceZone]
	purchases repository.Repository[Purchase]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Settings settings.Provider
	Referral *referral.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		settings: p.Settings,
		snap:     p.Settings.Current(),
		referral: p.Referral,
		now:      time.Now,

		coupons:   repository.ProvideStore[Coupon](p.DB),
		zones:     repository.ProvideStore[PriceZone](p.DB),
		purchases: repository.ProvideStore[Purchase](p.DB),
	}
}

// Bind returns a copy of the service working inside tx with snap.
func (s *Service) Bind(tx *gorm.DB, snap settings.Settings) *Service {
	c := *s
	c.tx = tx
	c.snap = snap
	c.referral = s.referral.WithTx(tx)
	c.coupons = s.coupons.WithTrx(tx)
	c.zones = s.zones.WithTrx(tx)
	c.purchases = s.purchases.WithTrx(tx)
	return &c
}

func (s *Service) WithTx(tx *gorm.DB) *Service {
	return s.Bind(tx, s.settings.Current())
}

func (s *Service) inTx(ctx context.Context, fn func(b *Service) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// orderedZones lists enabled zones in adjacency order.
func (s *Service) orderedZones(ctx context.Context) ([]*PriceZone, error) {
	zones, err := s.zones.Find(ctx, &PriceZone{},
		option.ApplyOperator(option.Condition{Field: "enabled", Operator: option.EQ, Value: true}))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(zones, func(i, j int) bool {
		if zones[i].Sort != zones[j].Sort {
			return zones[i].Sort < zones[j].Sort
		}
		return zones[i].MinPrice.LessThan(zones[j].MinPrice)
	})
	return zones, nil
}

// ResolveZone returns the first enabled zone, in adjacency order, whose band
// contains price.
func (s *Service) ResolveZone(ctx context.Context, price decimal.Decimal) (*PriceZone, error) {
	zones, err := s.orderedZones(ctx)
	if err != nil {
		return nil, err
	}
	for _, z := range zones {
		if z.Contains(price) {
			return z, nil
		}
	}
	return nil, errutil.NotFound("price zone not found", nil, errutil.WithDetails(errutil.Detail{Field: "price", Message: price.StringFixed(2)}))
}

func (s *Service) findUnused(ctx context.Context, userID, sessionID, zoneID string, now time.Time) (*Coupon, error) {
	return s.coupons.FindOne(ctx,
		&Coupon{UserID: userID, SessionID: sessionID, ZoneID: zoneID, State: Unused},
		option.ApplyOperator(option.Condition{Field: "expires_at", Operator: option.GT, Value: now}),
		option.WithSortBy(option.QuerySortBy{SortBy: "expires_at", OrderBy: "asc"}),
	)
}

// FindUsableCoupon picks the coupon a listing in (sessionID, zoneID) would
// consume: an exact match first, then the nearest zone within the configured
// tolerance. An empty zoneID is resolved from price.
func (s *Service) FindUsableCoupon(ctx context.Context, userID, sessionID, zoneID string, price decimal.Decimal) (*Coupon, error) {
	if userID == "" || sessionID == "" {
		return nil, ErrInvalidRequest
	}

	if zoneID == "" {
		z, err := s.ResolveZone(ctx, price)
		if err != nil {
			return nil, err
		}
		zoneID = z.ID
	}

	now := s.clock()
	c, err := s.findUnused(ctx, userID, sessionID, zoneID, now)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}

	if s.snap.ZoneTolerance > 0 {
		zones, err := s.orderedZones(ctx)
		if err != nil {
			return nil, err
		}
		for _, near := range neighbours(zones, zoneID, s.snap.ZoneTolerance) {
			c, err := s.findUnused(ctx, userID, sessionID, near, now)
			if err != nil {
				return nil, err
			}
			if c != nil {
				zap.L().Debug("coupon matched in adjacent zone",
					zap.String("user_id", userID),
					zap.String("zone_id", zoneID),
					zap.String("coupon_zone_id", near),
				)
				return c, nil
			}
		}
	}

	return nil, ErrNoCouponAvailable
}

// neighbours returns the zone ids within tolerance positions of zoneID,
// nearest first, lower zone first on ties.
func neighbours(zones []*PriceZone, zoneID string, tolerance int) []string {
	idx := -1
	for i, z := range zones {
		if z.ID == zoneID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	var out []string
	for d := 1; d <= tolerance; d++ {
		if i := idx - d; i >= 0 {
			out = append(out, zones[i].ID)
		}
		if i := idx + d; i < len(zones) {
			out = append(out, zones[i].ID)
		}
	}
	return out
}

type IssueRequest struct {
	UserID    string
	SessionID string
	ZoneID    string
	// SourceKey identifies what earned the coupon, normally a purchase event
	// id. Issuing twice for one key returns the first coupon.
	SourceKey string
	Operator  actor.Actor
}

type IssueResult struct {
	Coupon       *Coupon
	Deduplicated bool
}

// IssueCoupon grants one coupon for (user, session, zone) unless an unused,
// unexpired one already exists, in which case that coupon is returned.
func (s *Service) IssueCoupon(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.UserID == "" || req.SessionID == "" || req.ZoneID == "" {
		return nil, ErrInvalidRequest
	}

	var out *IssueResult
	err := s.inTx(ctx, func(b *Service) error {
		res, err := b.issue(ctx, req)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (s *Service) issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	log := zap.L().With(
		zap.String("user_id", req.UserID),
		zap.String("session_id", req.SessionID),
		zap.String("zone_id", req.ZoneID),
	)

	if _, err := s.referral.LockMember(ctx, req.UserID); err != nil {
		return nil, err
	}

	now := s.clock()
	id := s.node.Generate().String()
	if req.SourceKey == "" {
		req.SourceKey = "manual:" + id
	}

	bySource, err := s.coupons.FindOne(ctx, &Coupon{SourceKey: req.SourceKey})
	if err != nil {
		return nil, err
	}
	if bySource != nil {
		couponsIssued.WithLabelValues("deduplicated").Inc()
		return &IssueResult{Coupon: bySource, Deduplicated: true}, nil
	}

	active, err := s.coupons.FindOne(ctx, &Coupon{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		ZoneID:    req.ZoneID,
		ActiveKey: activeKey,
	})
	if err != nil {
		return nil, err
	}
	if active != nil {
		if active.Usable(now) {
			log.Info("coupon already held, issue deduplicated", zap.String("coupon_id", active.ID))
			couponsIssued.WithLabelValues("deduplicated").Inc()
			return &IssueResult{Coupon: active, Deduplicated: true}, nil
		}
		if err := s.expire(ctx, active.ID, now); err != nil {
			return nil, err
		}
	}

	c := &Coupon{
		ID:        id,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		ZoneID:    req.ZoneID,
		ActiveKey: activeKey,
		SourceKey: req.SourceKey,
		State:     Unused,
		ExpiresAt: now.AddDate(0, 0, s.snap.CouponValidDays),
		Operator:  req.Operator.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.tx.Transaction(func(sp *gorm.DB) error {
		return s.coupons.WithTrx(sp).Create(ctx, c)
	})
	if err != nil {
		if db.IsDuplicateKey(err) {
			log.Warn("coupon issue raced an existing coupon", zap.Error(err))
			return nil, errutil.Conflict("coupon already issued", err)
		}
		log.Error("failed to insert coupon", zap.Error(err))
		return nil, err
	}

	log.Info("coupon issued", zap.String("coupon_id", c.ID), zap.Time("expires_at", c.ExpiresAt))
	couponsIssued.WithLabelValues("issued").Inc()
	return &IssueResult{Coupon: c}, nil
}

func (s *Service) expire(ctx context.Context, couponID string, now time.Time) error {
	res := s.tx.WithContext(ctx).Model(&Coupon{}).
		Where("id = ? AND state = ?", couponID, Unused).
		Updates(map[string]any{
			"state":      Expired,
			"active_key": couponID,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		couponsExpired.Inc()
	}
	return nil
}

// ExpireCoupon expires one unused coupon ahead of its expiry. It reports
// false when the coupon was no longer unused.
func (s *Service) ExpireCoupon(ctx context.Context, op actor.Actor, couponID string) (bool, error) {
	if couponID == "" {
		return false, ErrCouponNotFound
	}

	var expired bool
	err := s.inTx(ctx, func(b *Service) error {
		c, err := b.coupons.FindOne(ctx, &Coupon{ID: couponID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCouponNotFound
		}
		if c.State != Unused {
			return nil
		}

		res := b.tx.WithContext(ctx).Model(&Coupon{}).
			Where("id = ? AND state = ?", couponID, Unused).
			Updates(map[string]any{
				"state":      Expired,
				"active_key": couponID,
				"operator":   op.String(),
				"updated_at": b.clock(),
			})
		if res.Error != nil {
			return res.Error
		}
		expired = res.RowsAffected > 0
		return nil
	})
	if expired {
		couponsExpired.Inc()
	}
	return expired, err
}

// ConsumeCoupon moves a coupon from unused to used for consignmentID.
func (s *Service) ConsumeCoupon(ctx context.Context, op actor.Actor, couponID, consignmentID string) (*Coupon, error) {
	if couponID == "" {
		return nil, ErrCouponNotFound
	}

	var out *Coupon
	err := s.inTx(ctx, func(b *Service) error {
		c, err := b.coupons.FindOne(ctx, &Coupon{ID: couponID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCouponNotFound
		}

		now := b.clock()
		switch {
		case c.State == Used:
			return ErrAlreadyConsumed
		case c.State == Expired, !c.ExpiresAt.After(now):
			return ErrCouponExpired
		}

		res := b.tx.WithContext(ctx).Model(&Coupon{}).
			Where("id = ? AND state = ?", couponID, Unused).
			Updates(map[string]any{
				"state":          Used,
				"active_key":     couponID,
				"used_at":        now,
				"consignment_id": consignmentID,
				"operator":       op.String(),
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyConsumed
		}

		c.State, c.ActiveKey, c.UsedAt, c.ConsignmentID, c.Operator = Used, couponID, &now, consignmentID, op.String()
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	couponsConsumed.Inc()
	return out, nil
}

// ExpireCoupons marks every unused coupon past its expiry as expired.
func (s *Service) ExpireCoupons(ctx context.Context, op actor.Actor, now time.Time) (int64, error) {
	now = now.UTC()
	conn := s.db
	if s.tx != nil {
		conn = s.tx
	}

	res := conn.WithContext(ctx).Model(&Coupon{}).
		Where("state = ? AND expires_at <= ?", Unused, now).
		Updates(map[string]any{
			"state":      Expired,
			"active_key": gorm.Expr("id"),
			"operator":   op.String(),
			"updated_at": now,
		})
	if res.Error != nil {
		zap.L().Error("coupon expiry sweep failed", zap.Error(res.Error))
		return 0, res.Error
	}

	couponsExpired.Add(float64(res.RowsAffected))
	zap.L().Info("coupon expiry sweep done", zap.Int64("expired", res.RowsAffected), zap.String("operator", op.String()))
	return res.RowsAffected, nil
}

// CountUsable counts the user's unused, unexpired coupons.
func (s *Service) CountUsable(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidRequest
	}
	return s.coupons.Count(ctx, &Coupon{UserID: userID, State: Unused},
		option.ApplyOperator(option.Condition{Field: "expires_at", Operator: option.GT, Value: s.clock()}))
}
