package commission

import (
	"consignment-ledger/pkg/money"
	"consignment-ledger/pkg/settings"
	"consignment-ledger/services/ledger"
	"consignment-ledger/services/referral"

	"github.com/shopspring/decimal"
)

// Payout is one planned commission posting.
type Payout struct {
	UserID       string          `json:"user_id"`
	BusinessType string          `json:"business_type"`
	// Level is the agent tier paid, zero for direct and indirect payouts.
	Level  int             `json:"level,omitempty"`
	Depth  int             `json:"depth"`
	Rate   decimal.Decimal `json:"rate"`
	Amount decimal.Decimal `json:"amount"`
}

// PlanLadder walks chain nearest first and returns the agent ladder payouts
// with their marginal rates. A tier is paid at most once, to the nearest
// ancestor holding it or a higher tier; ancestors at or below the last paid
// tier are skipped.
func PlanLadder(chain []referral.Node, snap settings.Settings) []Payout {
	var (
		out      []Payout
		lastPaid int
		maxTier  = snap.MaxTier()
	)
	for _, n := range chain {
		if lastPaid >= maxTier {
			break
		}
		tier := referral.AgentTier(n.AccountType, snap.AgentTypeOffset, maxTier)
		if tier <= lastPaid {
			continue
		}
		out = append(out, Payout{
			UserID:       n.UserID,
			BusinessType: ledger.TeamCommission(tier),
			Level:        tier,
			Depth:        n.Depth,
			Rate:         snap.TierRate(tier).Sub(snap.TierRate(lastPaid)),
		})
		lastPaid = tier
	}
	return out
}

// Plan returns every payout a profit earns along chain: direct to the
// inviter, indirect to the inviter's inviter, then the agent ladder. Each
// amount is rounded once; payouts that round to zero are dropped.
func Plan(chain []referral.Node, profit decimal.Decimal, snap settings.Settings) []Payout {
	if !profit.IsPositive() {
		return nil
	}

	var planned []Payout
	for _, n := range chain {
		switch n.Depth {
		case 1:
			planned = append(planned, Payout{UserID: n.UserID, BusinessType: ledger.BusinessDirectCommission, Depth: 1, Rate: snap.DirectRate})
		case 2:
			planned = append(planned, Payout{UserID: n.UserID, BusinessType: ledger.BusinessIndirectCommission, Depth: 2, Rate: snap.IndirectRate})
		}
	}
	planned = append(planned, PlanLadder(chain, snap)...)

	out := planned[:0]
	for _, p := range planned {
		p.Amount = money.Mul(profit, p.Rate)
		if p.Amount.IsPositive() {
			out = append(out, p)
		}
	}
	return out
}
