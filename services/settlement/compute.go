package settlement

import (
	"consignment-ledger/pkg/money"

	"github.com/shopspring/decimal"
)

type Input struct {
	Principal      decimal.Decimal
	SoldPrice      decimal.Decimal
	IsLegacyAsset  bool
	ServiceFeeRate decimal.Decimal
	SplitRate      decimal.Decimal
}

// Breakdown is how one sale is split between the seller's balances.
type Breakdown struct {
	Principal            decimal.Decimal `json:"principal"`
	SoldPrice            decimal.Decimal `json:"sold_price"`
	Profit               decimal.Decimal `json:"profit"`
	FeeRefund            decimal.Decimal `json:"fee_refund"`
	RemainingProfit      decimal.Decimal `json:"remaining_profit"`
	ProfitToWithdrawable decimal.Decimal `json:"profit_to_withdrawable"`
	ProfitToCredit       decimal.Decimal `json:"profit_to_credit"`
	ToWithdrawable       decimal.Decimal `json:"to_withdrawable"`
}

// Income is what the seller receives on withdrawable beyond the principal.
func (b Breakdown) Income() decimal.Decimal {
	return b.FeeRefund.Add(b.ProfitToWithdrawable)
}

// Compute splits a sale. Legacy assets never get the service fee back. Every
// derived amount is rounded once, half away from zero.
func Compute(in Input) Breakdown {
	principal := money.Round(in.Principal)
	sold := money.Round(in.SoldPrice)

	profit := money.NonNegative(sold.Sub(principal))
	feeRefund := money.Zero
	if !in.IsLegacyAsset {
		feeRefund = money.Mul(principal, in.ServiceFeeRate)
	}
	remaining := money.NonNegative(profit.Sub(feeRefund))
	toWithdrawable := money.Mul(remaining, in.SplitRate)

	return Breakdown{
		Principal:            principal,
		SoldPrice:            sold,
		Profit:               profit,
		FeeRefund:            feeRefund,
		RemainingProfit:      remaining,
		ProfitToWithdrawable: toWithdrawable,
		ProfitToCredit:       remaining.Sub(toWithdrawable),
		ToWithdrawable:       principal.Add(feeRefund).Add(toWithdrawable),
	}
}
