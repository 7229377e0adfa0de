package commission

import (
	"context"
	"errors"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/db"
	"consignment-ledger/pkg/money"
	"consignment-ledger/pkg/settings"
	"consignment-ledger/services/ledger"
	"consignment-ledger/services/referral"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("consignment-ledger/services/commission")

// Skip reasons.
const (
	SkipAlreadyApplied = "already_applied"
	SkipMissingAccount = "missing_account"
	SkipLocked         = "locked"
)

type CascadeRequest struct {
	SellerID      string
	Profit        decimal.Decimal
	ConsignmentID string
	BatchNo       string
	Operator      actor.Actor
}

type Skipped struct {
	Payout
	Reason string `json:"reason"`
}

type CascadeResult struct {
	Stop referral.StopReason `json:"stop"`
	// Planned is every payout the profit earned, paid or skipped.
	Planned []Payout        `json:"planned"`
	Paid    []Payout        `json:"paid"`
	Skipped []Skipped       `json:"skipped,omitempty"`
	Total   decimal.Decimal `json:"total"`
}

type Service struct {
	db       *gorm.DB
	tx       *gorm.DB
	settings settings.Provider
	snap     settings.Settings
	ledger   *ledger.Service
	referral *referral.Service
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Settings settings.Provider
	Ledger   *ledger.Service
	Referral *referral.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		settings: p.Settings,
		snap:     p.Settings.Current(),
		ledger:   p.Ledger,
		referral: p.Referral,
	}
}

func (s *Service) Bind(tx *gorm.DB, snap settings.Settings) *Service {
	c := *s
	c.tx = tx
	c.snap = snap
	c.ledger = s.ledger.Bind(tx, snap)
	c.referral = s.referral.WithTx(tx)
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

// Chain returns the seller's ancestors within the configured hop bound.
func (s *Service) Chain(ctx context.Context, sellerID string) (*referral.Chain, error) {
	return s.referral.Ancestors(ctx, sellerID, s.snap.MaxHops)
}

// Distribute pays the commission a settled profit earns up the seller's
// referral chain. Each payout runs in its own savepoint: an ancestor without
// an account, or whose row cannot be locked, is skipped, and a payout already
// on the ledger counts as skipped. A bound violation aborts the cascade.
func (s *Service) Distribute(ctx context.Context, req CascadeRequest) (*CascadeResult, error) {
	if req.SellerID == "" || req.ConsignmentID == "" {
		return nil, ErrInvalidRequest
	}
	if !req.Profit.IsPositive() {
		return &CascadeResult{Total: decimal.Zero}, nil
	}

	ctx, span := tracer.Start(ctx, "commission.Distribute")
	defer span.End()
	span.SetAttributes(
		attribute.String("consignment_id", req.ConsignmentID),
		attribute.String("seller_id", req.SellerID),
	)

	var out *CascadeResult
	err := s.inTx(ctx, func(b *Service) error {
		chain, err := b.Chain(ctx, req.SellerID)
		if err != nil {
			return err
		}

		res, err := b.payAll(ctx, req, Plan(chain.Nodes, money.Round(req.Profit), b.snap))
		if err != nil {
			span.RecordError(err)
			return err
		}
		res.Stop = chain.Stop
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("paid", len(out.Paid)), attribute.Int("skipped", len(out.Skipped)))
	return out, nil
}

// Pay posts payouts that were planned earlier, without walking the referral
// graph again. Skip rules are the same as Distribute's.
func (s *Service) Pay(ctx context.Context, req CascadeRequest, payouts []Payout) (*CascadeResult, error) {
	if req.SellerID == "" || req.ConsignmentID == "" {
		return nil, ErrInvalidRequest
	}

	var out *CascadeResult
	err := s.inTx(ctx, func(b *Service) error {
		res, err := b.payAll(ctx, req, payouts)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (s *Service) payAll(ctx context.Context, req CascadeRequest, payouts []Payout) (*CascadeResult, error) {
	res := &CascadeResult{Planned: payouts, Total: decimal.Zero}
	for _, p := range payouts {
		reason, err := s.pay(ctx, req, p)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			res.Skipped = append(res.Skipped, Skipped{Payout: p, Reason: reason})
			payoutsTotal.WithLabelValues(kindLabel(p.BusinessType), reason).Inc()
			continue
		}
		res.Paid = append(res.Paid, p)
		res.Total = res.Total.Add(p.Amount)
		payoutsTotal.WithLabelValues(kindLabel(p.BusinessType), "paid").Inc()
	}
	return res, nil
}

// pay posts one payout in a savepoint. A non-empty reason means the payout
// was skipped.
func (s *Service) pay(ctx context.Context, req CascadeRequest, p Payout) (string, error) {
	log := zap.L().With(
		zap.String("consignment_id", req.ConsignmentID),
		zap.String("user_id", p.UserID),
		zap.String("business_type", p.BusinessType),
		zap.String("amount", p.Amount.StringFixed(2)),
	)

	err := s.tx.Transaction(func(sp *gorm.DB) error {
		_, err := s.ledger.Bind(sp, s.snap).Apply(ctx, ledger.Posting{
			UserID:       p.UserID,
			Field:        ledger.FieldWithdrawable,
			Delta:        p.Amount,
			BusinessType: p.BusinessType,
			BusinessID:   req.ConsignmentID,
			Memo:         "commission",
			BatchNo:      req.BatchNo,
			Operator:     req.Operator,
			Policy:       ledger.HardFail,
			Metadata: map[string]any{
				"seller_id": req.SellerID,
				"profit":    req.Profit.StringFixed(2),
				"rate":      p.Rate.String(),
				"depth":     p.Depth,
			},
		})
		return err
	})

	switch {
	case err == nil:
		return "", nil
	case ledger.IsAlreadyApplied(err):
		log.Debug("commission already paid")
		return SkipAlreadyApplied, nil
	case errors.Is(err, ledger.ErrAccountNotFound):
		log.Warn("commission ancestor has no account, skipped")
		return SkipMissingAccount, nil
	case db.IsLockFailure(err):
		log.Warn("commission ancestor account locked, skipped", zap.Error(err))
		return SkipLocked, nil
	default:
		log.Error("commission payout failed", zap.Error(err))
		return "", err
	}
}
