package consignment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/db/option"
	"consignment-ledger/pkg/errutil"
	"consignment-ledger/pkg/money"
	"consignment-ledger/pkg/repository"
	"consignment-ledger/pkg/settings"
	"consignment-ledger/services/coupon"
	"consignment-ledger/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BusinessListingFee is the ledger business type of the fee charged from
// escrow when an item is listed.
const BusinessListingFee = "consignment_listing_fee"

type Service struct {
	db       *gorm.DB
	tx       *gorm.DB
	node     *snowflake.Node
	settings settings.Provider
	snap     settings.Settings
	coupons  *coupon.Service
	ledger   *ledger.Service
	now      func() time.Time

	consignments repository.Repository[Consignment]
	holdings     repository.Repository[Holding]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Settings settings.Provider
	Coupons  *coupon.Service
	Ledger   *ledger.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		settings: p.Settings,
		snap:     p.Settings.Current(),
		coupons:  p.Coupons,
		ledger:   p.Ledger,
		now:      time.Now,

		consignments: repository.ProvideStore[Consignment](p.DB),
		holdings:     repository.ProvideStore[Holding](p.DB),
	}
}

func (s *Service) Bind(tx *gorm.DB, snap settings.Settings) *Service {
	c := *s
	c.tx = tx
	c.snap = snap
	c.coupons = s.coupons.Bind(tx, snap)
	c.ledger = s.ledger.Bind(tx, snap)
	c.consignments = s.consignments.WithTrx(tx)
	c.holdings = s.holdings.WithTrx(tx)
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

func invalidState(id string, from State, want string) error {
	return errutil.Conflict("invalid consignment state", nil, errutil.WithDetails(
		errutil.Detail{Field: "consignment_id", Message: id},
		errutil.Detail{Field: "state", Message: string(from) + ", want " + want},
	))
}

// AddHolding records an item the user owns, free to be listed.
func (s *Service) AddHolding(ctx context.Context, h *Holding) error {
	if h.UserID == "" || h.ItemID == "" {
		return ErrInvalidRequest
	}
	if h.ID == "" {
		h.ID = s.node.Generate().String()
	}
	h.ConsignmentState = HoldingIdle
	h.Principal = money.Round(h.Principal)
	return s.holdings.Create(ctx, h)
}

func (s *Service) Get(ctx context.Context, id string) (*Consignment, error) {
	if id == "" {
		return nil, ErrConsignmentNotFound
	}
	c, err := s.consignments.FindOne(ctx, &Consignment{ID: id})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConsignmentNotFound
	}
	return c, nil
}

// Lock reads the consignment FOR UPDATE inside the bound transaction.
func (s *Service) Lock(ctx context.Context, id string) (*Consignment, error) {
	if id == "" {
		return nil, ErrConsignmentNotFound
	}
	c, err := s.consignments.FindOne(ctx, &Consignment{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConsignmentNotFound
	}
	return c, nil
}

func (s *Service) setHoldingState(ctx context.Context, holdingID string, state HoldingState) error {
	err := s.holdings.Update(ctx, holdingID, map[string]any{
		"consignment_state": state,
		"updated_at":        s.now().UTC(),
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrHoldingNotFound
	}
	return err
}

type ListRequest struct {
	UserID    string
	HoldingID string
	SessionID string
	// ZoneID may be empty; the zone is then resolved from AskPrice.
	ZoneID   string
	AskPrice decimal.Decimal
}

// List puts a holding up for resale. The seller must hold a usable coupon for
// the session and zone; it is consumed and the listing fee is charged from
// escrow in the same transaction.
func (s *Service) List(ctx context.Context, op actor.Actor, req ListRequest) (*Consignment, error) {
	if req.UserID == "" || req.HoldingID == "" || req.SessionID == "" || !req.AskPrice.IsPositive() {
		return nil, ErrInvalidRequest
	}

	var out *Consignment
	err := s.inTx(ctx, func(b *Service) error {
		c, err := b.list(ctx, op, req)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (s *Service) list(ctx context.Context, op actor.Actor, req ListRequest) (*Consignment, error) {
	log := zap.L().With(zap.String("user_id", req.UserID), zap.String("holding_id", req.HoldingID))

	h, err := s.holdings.FindOne(ctx, &Holding{ID: req.HoldingID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if h == nil || h.UserID != req.UserID {
		return nil, ErrHoldingNotFound
	}
	if h.ConsignmentState != HoldingIdle {
		return nil, errutil.Conflict("invalid consignment state", nil, errutil.WithDetails(
			errutil.Detail{Field: "holding_id", Message: h.ID + " is " + string(h.ConsignmentState)},
		))
	}

	askPrice := money.Round(req.AskPrice)
	zoneID := req.ZoneID
	if zoneID == "" {
		z, err := s.coupons.ResolveZone(ctx, askPrice)
		if err != nil {
			return nil, err
		}
		zoneID = z.ID
	}

	cp, err := s.coupons.FindUsableCoupon(ctx, req.UserID, req.SessionID, zoneID, askPrice)
	if err != nil {
		log.Info("listing refused, no usable coupon", zap.String("session_id", req.SessionID), zap.String("zone_id", zoneID))
		return nil, err
	}

	id := s.node.Generate().String()
	if _, err := s.coupons.ConsumeCoupon(ctx, op, cp.ID, id); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := &Consignment{
		ID:                    id,
		ItemID:                h.ItemID,
		HoldingID:             h.ID,
		SellerID:              h.UserID,
		Principal:             h.Principal,
		AskPrice:              askPrice,
		State:                 Listed,
		IsLegacyAsset:         h.IsLegacyAsset,
		ServiceFeeRateApplied: s.snap.ServiceFeeRate,
		SessionID:             req.SessionID,
		ZoneID:                zoneID,
		CouponID:              cp.ID,
		Operator:              op.String(),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.consignments.Create(ctx, c); err != nil {
		return nil, err
	}

	if fee := money.Mul(askPrice, s.snap.ServiceFeeRate); fee.IsPositive() {
		_, err := s.ledger.Apply(ctx, ledger.Posting{
			UserID:       h.UserID,
			Field:        ledger.FieldEscrowBalance,
			Delta:        fee.Neg(),
			BusinessType: BusinessListingFee,
			BusinessID:   id,
			Memo:         "listing fee",
			Operator:     op,
			Policy:       ledger.HardFail,
			Metadata: map[string]any{
				"ask_price":        askPrice.StringFixed(2),
				"service_fee_rate": s.snap.ServiceFeeRate.String(),
			},
		})
		if err != nil {
			log.Info("listing refused, listing fee not covered", zap.String("fee", fee.StringFixed(2)), zap.Error(err))
			return nil, err
		}
	}

	if err := s.setHoldingState(ctx, h.ID, HoldingListed); err != nil {
		return nil, err
	}

	transitions.WithLabelValues(string(Listed)).Inc()
	log.Info("item listed", zap.String("consignment_id", id), zap.String("coupon_id", cp.ID))
	return c, nil
}

// Cancel withdraws a listing. The consumed coupon is not returned.
func (s *Service) Cancel(ctx context.Context, op actor.Actor, id string) (*Consignment, error) {
	return s.close(ctx, op, id, Cancelled)
}

// Expire closes a listing that did not sell in time.
func (s *Service) Expire(ctx context.Context, op actor.Actor, id string) (*Consignment, error) {
	return s.close(ctx, op, id, Expired)
}

func (s *Service) close(ctx context.Context, op actor.Actor, id string, to State) (*Consignment, error) {
	var out *Consignment
	err := s.inTx(ctx, func(b *Service) error {
		c, err := b.Lock(ctx, id)
		if err != nil {
			return err
		}
		if c.State == to {
			out = c
			return nil
		}
		if c.State != Listed {
			return invalidState(id, c.State, string(Listed))
		}

		now := b.now().UTC()
		if err := b.consignments.Update(ctx, id, map[string]any{
			"state":      to,
			"operator":   op.String(),
			"updated_at": now,
		}); err != nil {
			return err
		}
		if err := b.setHoldingState(ctx, c.HoldingID, HoldingIdle); err != nil {
			return err
		}

		c.State, c.Operator, c.UpdatedAt = to, op.String(), now
		transitions.WithLabelValues(string(to)).Inc()
		out = c
		return nil
	})
	return out, err
}

type SaleEvent struct {
	ConsignmentID string
	SoldPrice     decimal.Decimal
	SoldAt        time.Time
}

// RecordSale moves a listing to sold with settlement pending. Recording the
// same sale twice is a no-op.
func (s *Service) RecordSale(ctx context.Context, op actor.Actor, ev SaleEvent) (*Consignment, error) {
	if ev.ConsignmentID == "" || ev.SoldPrice.IsNegative() {
		return nil, ErrInvalidRequest
	}

	var out *Consignment
	err := s.inTx(ctx, func(b *Service) error {
		c, err := b.Lock(ctx, ev.ConsignmentID)
		if err != nil {
			return err
		}

		price := money.Round(ev.SoldPrice)
		if c.State == Sold {
			if !c.SoldPrice.Equal(price) {
				return errutil.Conflict("invalid consignment state", nil, errutil.WithDetails(
					errutil.Detail{Field: "sold_price", Message: "already sold at " + c.SoldPrice.StringFixed(2)},
				))
			}
			out = c
			return nil
		}
		if c.State != Listed {
			return invalidState(c.ID, c.State, string(Listed))
		}

		soldAt := ev.SoldAt.UTC()
		if ev.SoldAt.IsZero() {
			soldAt = b.now().UTC()
		}
		if err := b.consignments.Update(ctx, c.ID, map[string]any{
			"state":         Sold,
			"sold_price":    price,
			"sold_at":       soldAt,
			"settle_status": SettlePending,
			"operator":      op.String(),
			"updated_at":    b.now().UTC(),
		}); err != nil {
			return err
		}

		c.State, c.SoldPrice, c.SoldAt, c.SettleStatus = Sold, price, &soldAt, SettlePending
		transitions.WithLabelValues(string(Sold)).Inc()
		out = c
		return nil
	})
	return out, err
}

// MarkSettled stores the settlement snapshot, flips settle_status to settled
// and marks the holding sold. It fails with ErrInvalidState unless the
// consignment is sold and pending.
func (s *Service) MarkSettled(ctx context.Context, id string, snapshot any) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(b *Service) error {
		now := b.now().UTC()
		res := b.tx.WithContext(ctx).Model(&Consignment{}).
			Where("id = ? AND state = ? AND settle_status = ?", id, Sold, SettlePending).
			Updates(map[string]any{
				"settle_status": Settled,
				"settled_at":    now,
				"settlement":    datatypes.JSON(raw),
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidState
		}

		c, err := b.Get(ctx, id)
		if err != nil {
			return err
		}
		return b.setHoldingState(ctx, c.HoldingID, HoldingSold)
	})
}

// Settled pages through settled consignments in id order, after the given id.
func (s *Service) Settled(ctx context.Context, afterID string, limit int) ([]*Consignment, error) {
	if limit <= 0 {
		limit = 100
	}
	conds := []option.Condition{}
	if afterID != "" {
		conds = append(conds, option.Condition{Field: "id", Operator: option.GT, Value: afterID})
	}
	return s.consignments.Find(ctx, &Consignment{SettleStatus: Settled},
		option.ApplyOperator(conds...),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
		option.WithLimit(limit),
	)
}
