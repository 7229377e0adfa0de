package settlement

import (
	"context"
	"encoding/json"
	"errors"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/errutil"
	"consignment-ledger/pkg/money"
	"consignment-ledger/pkg/sequence"
	"consignment-ledger/pkg/settings"
	"consignment-ledger/services/commission"
	"consignment-ledger/services/consignment"
	"consignment-ledger/services/ledger"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const batchPrefix = "CONSIGNMENT_SETTLE"

var tracer = otel.Tracer("consignment-ledger/services/settlement")

// Snapshot is stored on the consignment when it settles.
type Snapshot struct {
	Breakdown
	ServiceFeeRate  decimal.Decimal `json:"service_fee_rate"`
	SplitRate       decimal.Decimal `json:"split_rate"`
	BatchNo         string          `json:"batch_no"`
	CommissionTotal decimal.Decimal `json:"commission_total"`
	Operator        string          `json:"operator"`
	// PlanStored is false on snapshots written before payouts were recorded.
	PlanStored bool                `json:"plan_stored"`
	Payouts    []commission.Payout `json:"payouts,omitempty"`
	// Reconstructed marks a snapshot rebuilt from entries that were posted
	// without the status being flipped.
	Reconstructed bool `json:"reconstructed,omitempty"`
}

// feeRate is the rate charged when the consignment was listed, or the
// current rate for consignments listed before it was recorded.
func feeRate(c *consignment.Consignment, snap settings.Settings) decimal.Decimal {
	if c.ServiceFeeRateApplied.IsPositive() {
		return c.ServiceFeeRateApplied
	}
	return snap.ServiceFeeRate
}

type Result struct {
	ConsignmentID string
	SellerID      string
	// AlreadySettled means nothing was posted by this call.
	AlreadySettled bool
	Snapshot       *Snapshot
	Entries        []*ledger.LedgerEntry
	Commission     *commission.CascadeResult
}

type Service struct {
	db       *gorm.DB
	seq      sequence.Generator
	settings settings.Provider

	ledger       *ledger.Service
	consignments *consignment.Service
	commission   *commission.Service
}

type ServiceParams struct {
	fx.In
	DB           *gorm.DB
	Sequence     sequence.Generator
	Settings     settings.Provider
	Ledger       *ledger.Service
	Consignments *consignment.Service
	Commission   *commission.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:           p.DB,
		seq:          p.Sequence,
		settings:     p.Settings,
		ledger:       p.Ledger,
		consignments: p.Consignments,
		commission:   p.Commission,
	}
}

// bound is the set of services sharing one transaction and one settings
// snapshot.
type bound struct {
	snap         settings.Settings
	ledger       *ledger.Service
	consignments *consignment.Service
	commission   *commission.Service
}

func (s *Service) transaction(ctx context.Context, fn func(b *bound) error) error {
	snap := s.settings.Current()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&bound{
			snap:         snap,
			ledger:       s.ledger.Bind(tx, snap),
			consignments: s.consignments.Bind(tx, snap),
			commission:   s.commission.Bind(tx, snap),
		})
	})
}

// SettleSale pays out a sold consignment: principal, fee refund and profit
// share to the seller, then the referral commission on the profit, all in one
// transaction. Settling twice returns the stored result with AlreadySettled
// set.
func (s *Service) SettleSale(ctx context.Context, op actor.Actor, consignmentID string) (*Result, error) {
	if consignmentID == "" {
		return nil, ErrInvalidRequest
	}

	ctx, span := tracer.Start(ctx, "settlement.SettleSale")
	defer span.End()
	span.SetAttributes(attribute.String("consignment_id", consignmentID))

	var out *Result
	err := s.transaction(ctx, func(b *bound) error {
		res, err := s.settle(ctx, b, op, consignmentID)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		settlementsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, err
	}
	s.observe(out)
	return out, nil
}

// HandleSaleEvent records a sale and settles it in one transaction. A
// redelivered event finds the consignment settled and changes nothing.
func (s *Service) HandleSaleEvent(ctx context.Context, op actor.Actor, ev consignment.SaleEvent) (*Result, error) {
	ctx, span := tracer.Start(ctx, "settlement.HandleSaleEvent")
	defer span.End()
	span.SetAttributes(attribute.String("consignment_id", ev.ConsignmentID))

	var out *Result
	err := s.transaction(ctx, func(b *bound) error {
		if _, err := b.consignments.RecordSale(ctx, op, ev); err != nil {
			return err
		}
		res, err := s.settle(ctx, b, op, ev.ConsignmentID)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		settlementsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, err
	}
	s.observe(out)
	return out, nil
}

func (s *Service) observe(res *Result) {
	if res.AlreadySettled {
		settlementsTotal.WithLabelValues("already_settled").Inc()
		return
	}
	settlementsTotal.WithLabelValues("settled").Inc()
	if res.Snapshot != nil {
		profitTotal.Add(res.Snapshot.Profit.InexactFloat64())
		commissionTotal.Add(res.Snapshot.CommissionTotal.InexactFloat64())
	}
}

func (s *Service) settle(ctx context.Context, b *bound, op actor.Actor, id string) (*Result, error) {
	log := zap.L().With(zap.String("consignment_id", id))

	c, err := b.consignments.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &Result{ConsignmentID: c.ID, SellerID: c.SellerID}

	if c.IsSettled() {
		snap, err := DecodeSnapshot(c)
		if err != nil {
			return nil, err
		}
		log.Info("consignment already settled")
		res.AlreadySettled, res.Snapshot = true, snap
		return res, nil
	}
	if c.State != consignment.Sold {
		return nil, errutil.Conflict("invalid consignment state", nil, errutil.WithDetails(
			errutil.Detail{Field: "state", Message: string(c.State) + ", want sold"},
		))
	}

	if _, err := b.ledger.LockAccount(ctx, c.SellerID); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, errutil.NotFound("seller account not found", nil, errutil.WithDetails(
				errutil.Detail{Field: "seller_id", Message: c.SellerID},
			))
		}
		return nil, err
	}

	applied, err := b.ledger.Applied(ctx, ledger.Key{
		BusinessType: ledger.BusinessConsignmentSold,
		BusinessID:   c.ID,
		Field:        ledger.FieldWithdrawable,
	})
	if err != nil {
		return nil, err
	}
	if applied {
		// entries exist but the status was never flipped
		log.Warn("principal already posted for pending consignment, marking settled")
		snap, err := s.reconstruct(ctx, b, op, c)
		if err != nil {
			return nil, err
		}
		res.AlreadySettled, res.Snapshot = true, snap
		return res, nil
	}

	rate := feeRate(c, b.snap)
	bd := Compute(Input{
		Principal:      c.Principal,
		SoldPrice:      c.SoldPrice,
		IsLegacyAsset:  c.IsLegacyAsset,
		ServiceFeeRate: rate,
		SplitRate:      b.snap.SplitRate,
	})

	batchNo, err := s.seq.NextBatchNo(ctx, batchPrefix)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{
		"sold_price": bd.SoldPrice.StringFixed(2),
		"profit":     bd.Profit.StringFixed(2),
		"fee_refund": bd.FeeRefund.StringFixed(2),
		"legacy":     c.IsLegacyAsset,
	}
	postings := []ledger.Posting{
		{Field: ledger.FieldWithdrawable, Delta: bd.Principal, BusinessType: ledger.BusinessConsignmentSold, Memo: "trade success"},
		{Field: ledger.FieldWithdrawable, Delta: bd.Income(), BusinessType: ledger.BusinessConsignmentIncome, Memo: "income"},
		{Field: ledger.FieldSpendableCredit, Delta: bd.ProfitToCredit, BusinessType: ledger.BusinessConsignmentIncome, Memo: "income"},
	}
	for _, p := range postings {
		if !p.Delta.IsPositive() {
			continue
		}
		p.UserID = c.SellerID
		p.BusinessID = c.ID
		p.BatchNo = batchNo
		p.Operator = op
		p.Policy = ledger.HardFail
		p.Metadata = meta

		entry, err := b.ledger.Apply(ctx, p)
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, entry)
	}

	snapshot := &Snapshot{
		Breakdown:       bd,
		ServiceFeeRate:  rate,
		SplitRate:       b.snap.SplitRate,
		BatchNo:         batchNo,
		CommissionTotal: decimal.Zero,
		Operator:        op.String(),
		PlanStored:      true,
	}

	if bd.Profit.IsPositive() {
		cascade, err := b.commission.Distribute(ctx, commission.CascadeRequest{
			SellerID:      c.SellerID,
			Profit:        bd.Profit,
			ConsignmentID: c.ID,
			BatchNo:       batchNo,
			Operator:      op,
		})
		if err != nil {
			return nil, err
		}
		res.Commission = cascade
		snapshot.CommissionTotal = cascade.Total
		snapshot.Payouts = cascade.Planned
	}

	if err := b.consignments.MarkSettled(ctx, c.ID, snapshot); err != nil {
		return nil, err
	}

	res.Snapshot = snapshot
	log.Info("consignment settled",
		zap.String("seller_id", c.SellerID),
		zap.String("batch_no", batchNo),
		zap.String("to_withdrawable", bd.ToWithdrawable.StringFixed(2)),
		zap.String("to_credit", bd.ProfitToCredit.StringFixed(2)),
		zap.String("commission", snapshot.CommissionTotal.StringFixed(2)),
	)
	return res, nil
}

// reconstruct marks a consignment settled whose entries are already on the
// ledger, rebuilding the snapshot from those entries. No plan is recorded, so
// reconciliation treats its commission like a pre-plan settlement.
func (s *Service) reconstruct(ctx context.Context, b *bound, op actor.Actor, c *consignment.Consignment) (*Snapshot, error) {
	entries, err := b.ledger.EntriesFor(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	rate := feeRate(c, b.snap)
	snap := &Snapshot{
		Breakdown: Compute(Input{
			Principal:      c.Principal,
			SoldPrice:      c.SoldPrice,
			IsLegacyAsset:  c.IsLegacyAsset,
			ServiceFeeRate: rate,
			SplitRate:      b.snap.SplitRate,
		}),
		ServiceFeeRate: rate,
		SplitRate:      b.snap.SplitRate,
		Operator:       op.String(),
		Reconstructed:  true,
	}
	var paid []decimal.Decimal
	for _, e := range entries {
		switch {
		case e.BusinessType == ledger.BusinessConsignmentSold && e.Field == ledger.FieldWithdrawable:
			snap.BatchNo = e.BatchNo
		case e.BusinessType == ledger.BusinessDirectCommission,
			e.BusinessType == ledger.BusinessIndirectCommission,
			ledger.IsTeamCommission(e.BusinessType):
			paid = append(paid, e.Delta)
		}
	}
	snap.CommissionTotal = money.Sum(paid...)

	if err := b.consignments.MarkSettled(ctx, c.ID, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// DecodeSnapshot returns the snapshot stored on c, nil when it has none.
func DecodeSnapshot(c *consignment.Consignment) (*Snapshot, error) {
	if len(c.Settlement) == 0 {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(c.Settlement, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Expected recomputes the seller side of a settled consignment with the rates
// recorded in its snapshot, falling back to fallback when it has none.
func Expected(c *consignment.Consignment, fallback settings.Settings) (Breakdown, error) {
	snap, err := DecodeSnapshot(c)
	if err != nil {
		return Breakdown{}, err
	}
	in := Input{
		Principal:     c.Principal,
		SoldPrice:     c.SoldPrice,
		IsLegacyAsset: c.IsLegacyAsset,
	}
	if snap != nil {
		in.ServiceFeeRate, in.SplitRate = snap.ServiceFeeRate, snap.SplitRate
	} else {
		in.ServiceFeeRate, in.SplitRate = feeRate(c, fallback), fallback.SplitRate
	}
	return Compute(in), nil
}
