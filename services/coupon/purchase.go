package coupon

import (
	"context"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/db"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Account types below the agent ladder.
const (
	AccountTypeNew    = 0
	AccountTypeBuyer  = 1
	AccountTypeTrader = 2
)

type PurchaseEvent struct {
	EventID   string
	UserID    string
	SessionID string
	ZoneID    string
	ItemPrice decimal.Decimal
}

type PurchaseResult struct {
	// Duplicate is set when EventID was already recorded; nothing changed.
	Duplicate     bool
	PurchaseCount int64
	Upgraded      bool
	OldType       int
	NewType       int
	Coupon        *Coupon
	Deduplicated  bool
}

// HandlePurchase records a purchase and applies the account upgrade rule: a
// first purchase makes a new user a buyer, a second makes a buyer a trader.
// Becoming a trader, and every purchase by a trader or agent, earns a coupon
// for the purchase's session and zone.
func (s *Service) HandlePurchase(ctx context.Context, op actor.Actor, ev PurchaseEvent) (*PurchaseResult, error) {
	if ev.EventID == "" || ev.UserID == "" {
		return nil, ErrInvalidRequest
	}

	var out *PurchaseResult
	err := s.inTx(ctx, func(b *Service) error {
		res, err := b.handlePurchase(ctx, op, ev)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (s *Service) handlePurchase(ctx context.Context, op actor.Actor, ev PurchaseEvent) (*PurchaseResult, error) {
	log := zap.L().With(zap.String("event_id", ev.EventID), zap.String("user_id", ev.UserID))

	member, err := s.referral.LockMember(ctx, ev.UserID)
	if err != nil {
		return nil, err
	}

	seen, err := s.purchases.FindOne(ctx, &Purchase{EventID: ev.EventID})
	if err != nil {
		return nil, err
	}
	if seen != nil {
		log.Debug("purchase event already recorded")
		return &PurchaseResult{Duplicate: true, OldType: member.AccountType, NewType: member.AccountType}, nil
	}

	p := &Purchase{
		ID:        s.node.Generate().String(),
		EventID:   ev.EventID,
		UserID:    ev.UserID,
		SessionID: ev.SessionID,
		ZoneID:    ev.ZoneID,
		ItemPrice: ev.ItemPrice,
		CreatedAt: s.clock(),
	}
	err = s.tx.Transaction(func(sp *gorm.DB) error {
		return s.purchases.WithTrx(sp).Create(ctx, p)
	})
	if db.IsDuplicateKey(err) {
		return &PurchaseResult{Duplicate: true, OldType: member.AccountType, NewType: member.AccountType}, nil
	}
	if err != nil {
		return nil, err
	}

	count, err := s.purchases.Count(ctx, &Purchase{UserID: ev.UserID})
	if err != nil {
		return nil, err
	}

	res := &PurchaseResult{PurchaseCount: count, OldType: member.AccountType, NewType: member.AccountType}
	needCoupon := false
	switch {
	case member.AccountType < AccountTypeBuyer && count >= 1:
		res.NewType = AccountTypeBuyer
	case member.AccountType < AccountTypeTrader && count >= 2:
		res.NewType = AccountTypeTrader
		needCoupon = true
	case member.AccountType >= AccountTypeTrader:
		needCoupon = true
	}

	if res.NewType != res.OldType {
		if err := s.referral.SetAccountType(ctx, ev.UserID, res.NewType); err != nil {
			return nil, err
		}
		res.Upgraded = true
		log.Info("account upgraded after purchase",
			zap.Int("old_type", res.OldType),
			zap.Int("new_type", res.NewType),
			zap.Int64("purchase_count", count),
		)
	}

	if !needCoupon || ev.SessionID == "" {
		return res, nil
	}

	zoneID := ev.ZoneID
	if zoneID == "" {
		z, err := s.ResolveZone(ctx, ev.ItemPrice)
		if err != nil {
			log.Warn("no price zone for purchase, coupon not issued", zap.String("price", ev.ItemPrice.String()))
			return res, nil
		}
		zoneID = z.ID
	}

	issued, err := s.issue(ctx, IssueRequest{
		UserID:    ev.UserID,
		SessionID: ev.SessionID,
		ZoneID:    zoneID,
		SourceKey: "purchase:" + ev.EventID,
		Operator:  op,
	})
	if err != nil {
		return nil, err
	}
	res.Coupon, res.Deduplicated = issued.Coupon, issued.Deduplicated
	return res, nil
}
