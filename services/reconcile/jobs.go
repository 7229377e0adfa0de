package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"consignment-ledger/pkg/money"
	"consignment-ledger/pkg/settings"
	"consignment-ledger/services/commission"
	"consignment-ledger/services/consignment"
	"consignment-ledger/services/coupon"
	"consignment-ledger/services/ledger"
	"consignment-ledger/services/settlement"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// driftTolerance absorbs rounding differences between recomputation and
// what was posted.
var driftTolerance = money.MustParse("0.01")

type postingGroup struct {
	BusinessType string
	BusinessID   string
	Field        ledger.Field
	N            int64
}

// duplicatePostings finds idempotency keys recorded more than once, keeps the
// earliest entry and reverses the rest.
func (s *Service) duplicatePostings(ctx context.Context, opts RunOptions, rep *Report) error {
	q := s.db.WithContext(ctx).Model(&ledger.LedgerEntry{}).
		Select("business_type, business_id, field, COUNT(*) AS n").
		Where("business_type <> ?", ledger.BusinessReversal).
		Group("business_type, business_id, field").
		Having("COUNT(*) > 1").
		Order("business_type, business_id, field")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var groups []postingGroup
	if err := q.Scan(&groups).Error; err != nil {
		return err
	}
	rep.examine(len(groups))

	extras := map[string][]*ledger.LedgerEntry{}
	for _, g := range groups {
		entries, err := s.ledger.EntriesFor(ctx, g.BusinessID)
		if err != nil {
			return err
		}
		var same []*ledger.LedgerEntry
		for _, e := range entries {
			if e.BusinessType == g.BusinessType && e.Field == g.Field {
				same = append(same, e)
			}
		}
		if len(same) < 2 {
			continue
		}

		ids := make([]string, 0, len(same)-1)
		for _, e := range same[1:] {
			ids = append(ids, e.ID)
		}
		reversed, err := s.reversedSet(ctx, ids)
		if err != nil {
			return err
		}
		for _, e := range same[1:] {
			if !reversed[e.ID] {
				extras[e.UserID] = append(extras[e.UserID], e)
			}
		}
	}

	users := make([]string, 0, len(extras))
	for userID := range extras {
		users = append(users, userID)
	}
	sort.Strings(users)

	// each user's entries are reversed sequentially so the account row lock is
	// never contended within a run
	return s.eachUser(ctx, users, func(ctx context.Context, userID string) error {
		for _, e := range extras[userID] {
			f := Finding{
				Subject: userID,
				Key:     e.Key().String(),
				Detail:  "duplicate entry " + e.ID,
				Amount:  e.Delta.StringFixed(2),
			}
			if !opts.DryRun {
				if _, err := s.ledger.Reverse(ctx, opts.Operator, e.ID, "duplicate posting"); err != nil && !ledger.IsAlreadyApplied(err) {
					zap.L().Error("failed to reverse duplicate entry", zap.String("entry_id", e.ID), zap.Error(err))
					return err
				}
				f.Fixed = true
			}
			rep.add(f)
		}
		return nil
	})
}

func (s *Service) reversedSet(ctx context.Context, ids []string) (map[string]bool, error) {
	revs, err := s.ledger.Reversals(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(revs))
	for _, r := range revs {
		out[r.ReversalOf] = true
	}
	return out, nil
}

// missingCommission posts the payouts a settled consignment planned but that
// are not on the ledger. The plan stored at settlement is authoritative; the
// referral graph is only walked again for consignments settled before plans
// were stored.
func (s *Service) missingCommission(ctx context.Context, opts RunOptions, rep *Report) error {
	snap := s.settings.Current()
	return s.eachSettled(ctx, opts.Limit, func(c *consignment.Consignment) error {
		rep.examine(1)

		stored, err := settlement.DecodeSnapshot(c)
		if err != nil {
			return err
		}
		bd, err := settlement.Expected(c, snap)
		if err != nil {
			return err
		}
		if !bd.Profit.IsPositive() {
			return nil
		}

		var planned []commission.Payout
		if stored != nil && stored.PlanStored {
			planned = stored.Payouts
		} else {
			planned, err = s.replan(ctx, c, bd.Profit, snap)
			if err != nil {
				return err
			}
		}

		var missing []commission.Payout
		for _, p := range planned {
			applied, err := s.ledger.Applied(ctx, ledger.Key{
				BusinessType: p.BusinessType,
				BusinessID:   c.ID,
				Field:        ledger.FieldWithdrawable,
			})
			if err != nil {
				return err
			}
			if !applied {
				missing = append(missing, p)
			}
		}
		if len(missing) == 0 {
			return nil
		}

		paid := map[string]bool{}
		if !opts.DryRun {
			batchNo, err := s.seq.NextBatchNo(ctx, "RECONCILE_COMMISSION")
			if err != nil {
				return err
			}
			res, err := s.commission.Pay(ctx, commission.CascadeRequest{
				SellerID:      c.SellerID,
				Profit:        bd.Profit,
				ConsignmentID: c.ID,
				BatchNo:       batchNo,
				Operator:      opts.Operator,
			}, missing)
			if err != nil {
				return err
			}
			for _, p := range res.Paid {
				paid[p.BusinessType] = true
			}
		}

		for _, p := range missing {
			rep.add(Finding{
				Subject: p.UserID,
				Key:     ledger.Key{BusinessType: p.BusinessType, BusinessID: c.ID, Field: ledger.FieldWithdrawable}.String(),
				Detail:  fmt.Sprintf("missing payout for consignment %s at depth %d", c.ID, p.Depth),
				Amount:  p.Amount.StringFixed(2),
				Fixed:   paid[p.BusinessType],
			})
		}
		return nil
	})
}

// replan rebuilds the cascade of a consignment with no stored plan. Once any
// ladder tier was paid for it the ladder is left out: tiers held now may
// differ from the ones paid, and a new tier would carry a new key.
func (s *Service) replan(ctx context.Context, c *consignment.Consignment, profit decimal.Decimal, snap settings.Settings) ([]commission.Payout, error) {
	chain, err := s.commission.Chain(ctx, c.SellerID)
	if err != nil {
		return nil, err
	}
	planned := commission.Plan(chain.Nodes, profit, snap)

	entries, err := s.ledger.EntriesFor(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	ladderPaid := false
	for _, e := range entries {
		if ledger.IsTeamCommission(e.BusinessType) {
			ladderPaid = true
			break
		}
	}
	if !ladderPaid {
		return planned, nil
	}

	out := planned[:0]
	for _, p := range planned {
		if !ledger.IsTeamCommission(p.BusinessType) {
			out = append(out, p)
		}
	}
	return out, nil
}

// settlementDrift compares what a seller was paid for each settled
// consignment with a recomputation from its snapshot and posts the
// difference. Entries are read and corrected under the seller's account lock.
// Consignments with unreversed duplicate entries are reported and left for
// duplicate_postings.
func (s *Service) settlementDrift(ctx context.Context, opts RunOptions, rep *Report) error {
	snap := s.settings.Current()
	return s.eachSettled(ctx, opts.Limit, func(c *consignment.Consignment) error {
		rep.examine(1)

		bd, err := settlement.Expected(c, snap)
		if err != nil {
			return err
		}
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.drift(ctx, s.ledger.Bind(tx, snap), c, bd, opts, rep)
		})
	})
}

func (s *Service) drift(ctx context.Context, led *ledger.Service, c *consignment.Consignment, bd settlement.Breakdown, opts RunOptions, rep *Report) error {
	if _, err := led.LockAccount(ctx, c.SellerID); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			rep.add(Finding{Subject: c.SellerID, Key: c.ID, Detail: "seller account missing"})
			return nil
		}
		return err
	}

	entries, err := led.EntriesFor(ctx, c.ID)
	if err != nil {
		return err
	}

	var ids []string
	var own []*ledger.LedgerEntry
	for _, e := range entries {
		if e.UserID != c.SellerID {
			continue
		}
		switch e.BusinessType {
		case ledger.BusinessConsignmentSold, ledger.BusinessConsignmentIncome,
			ledger.BusinessSettlementCorrection, ledger.BusinessOverRefundRecovery:
			own = append(own, e)
			ids = append(ids, e.ID)
		}
	}
	reversals, err := led.Reversals(ctx, ids)
	if err != nil {
		return err
	}
	reversed := make(map[string]bool, len(reversals))
	posted := map[ledger.Field]decimal.Decimal{}
	for _, r := range reversals {
		reversed[r.ReversalOf] = true
		posted[r.Field] = posted[r.Field].Add(r.Delta)
	}

	keys := map[ledger.Key]int{}
	for _, e := range own {
		posted[e.Field] = posted[e.Field].Add(e.Delta)
		if !reversed[e.ID] {
			keys[e.Key()]++
		}
	}
	for k, n := range keys {
		if n > 1 {
			rep.add(Finding{
				Subject: c.SellerID,
				Key:     k.String(),
				Detail:  "duplicate entries pending, run " + JobDuplicatePostings + " first",
			})
			return nil
		}
	}

	expected := map[ledger.Field]decimal.Decimal{
		ledger.FieldWithdrawable:    bd.ToWithdrawable,
		ledger.FieldSpendableCredit: bd.ProfitToCredit,
	}
	for _, field := range []ledger.Field{ledger.FieldWithdrawable, ledger.FieldSpendableCredit} {
		diff := expected[field].Sub(posted[field])
		if diff.Abs().LessThanOrEqual(driftTolerance) {
			continue
		}

		businessType := ledger.BusinessSettlementCorrection
		if diff.IsNegative() {
			businessType = ledger.BusinessOverRefundRecovery
		}
		key := ledger.Key{BusinessType: businessType, BusinessID: c.ID, Field: field}
		f := Finding{
			Subject: c.SellerID,
			Key:     key.String(),
			Detail: fmt.Sprintf("consignment %s posted %s, expected %s",
				c.ID, posted[field].StringFixed(2), expected[field].StringFixed(2)),
			Amount: diff.StringFixed(2),
		}

		if !opts.DryRun {
			_, err := led.Apply(ctx, ledger.Posting{
				UserID:       c.SellerID,
				Field:        field,
				Delta:        diff,
				BusinessType: businessType,
				BusinessID:   c.ID,
				Memo:         "settlement correction",
				Operator:     opts.Operator,
				Policy:       ledger.Saturate,
				Metadata: map[string]any{
					"expected": expected[field].StringFixed(2),
					"posted":   posted[field].StringFixed(2),
					"run_id":   rep.RunID,
				},
			})
			switch {
			case ledger.IsAlreadyApplied(err):
				f.Detail += ", correction already posted"
			case err != nil:
				return err
			default:
				f.Fixed = true
			}
		}
		rep.add(f)
	}
	return nil
}

type couponGroup struct {
	UserID    string
	SessionID string
	ZoneID    string
	N         int64
}

// duplicateCoupons keeps the earliest unused coupon of each (user, session,
// zone) and expires the others.
func (s *Service) duplicateCoupons(ctx context.Context, opts RunOptions, rep *Report) error {
	q := s.db.WithContext(ctx).Model(&coupon.Coupon{}).
		Select("user_id, session_id, zone_id, COUNT(*) AS n").
		Where("state = ?", coupon.Unused).
		Group("user_id, session_id, zone_id").
		Having("COUNT(*) > 1").
		Order("user_id, session_id, zone_id")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var groups []couponGroup
	if err := q.Scan(&groups).Error; err != nil {
		return err
	}
	rep.examine(len(groups))

	for _, g := range groups {
		var rows []*coupon.Coupon
		err := s.db.WithContext(ctx).
			Where("user_id = ? AND session_id = ? AND zone_id = ? AND state = ?", g.UserID, g.SessionID, g.ZoneID, coupon.Unused).
			Order("created_at asc, id asc").
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) < 2 {
			continue
		}

		for _, c := range rows[1:] {
			f := Finding{
				Subject: g.UserID,
				Key:     g.SessionID + "/" + g.ZoneID,
				Detail:  "duplicate coupon " + c.ID + ", keeping " + rows[0].ID,
			}
			if !opts.DryRun {
				expired, err := s.coupons.ExpireCoupon(ctx, opts.Operator, c.ID)
				if err != nil {
					return err
				}
				f.Fixed = expired
			}
			rep.add(f)
		}
	}
	return nil
}

// chainAudit verifies every account's hash chain. It only reports.
func (s *Service) chainAudit(ctx context.Context, opts RunOptions, rep *Report) error {
	after, seen := "", 0
	for {
		size := pageSize
		if opts.Limit > 0 && opts.Limit-seen < size {
			size = opts.Limit - seen
		}
		if size <= 0 {
			return nil
		}

		ids, err := s.ledger.AccountIDs(ctx, after, size)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		seen += len(ids)
		rep.examine(len(ids))

		err = s.eachUser(ctx, ids, func(ctx context.Context, userID string) error {
			r, err := s.ledger.VerifyChain(ctx, userID)
			if err != nil {
				return err
			}
			if !r.Valid {
				rep.add(Finding{
					Subject: userID,
					Key:     r.BrokenAt,
					Detail:  fmt.Sprintf("%s after %d entries", r.Reason, r.Entries),
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(ids) < size {
			return nil
		}
		after = ids[len(ids)-1]
	}
}
