package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Field names one balance bucket of an Account.
type Field string

const (
	FieldWithdrawable    Field = "withdrawable"
	FieldSpendableCredit Field = "spendable_credit"
	FieldEscrowBalance   Field = "escrow_balance"
	FieldStakedCredit    Field = "staked_credit"
	FieldAvailable       Field = "available"
)

var Fields = []Field{
	FieldWithdrawable,
	FieldSpendableCredit,
	FieldEscrowBalance,
	FieldStakedCredit,
	FieldAvailable,
}

func (f Field) Valid() bool {
	switch f {
	case FieldWithdrawable, FieldSpendableCredit, FieldEscrowBalance, FieldStakedCredit, FieldAvailable:
		return true
	}
	return false
}

func (f Field) String() string {
	return string(f)
}

const (
	BusinessConsignmentSold      = "consignment_sold"
	BusinessConsignmentIncome    = "consignment_income"
	BusinessDirectCommission     = "direct_commission"
	BusinessIndirectCommission   = "indirect_commission"
	BusinessSettlementCorrection = "settlement_correction"
	BusinessOverRefundRecovery   = "over_refund_recovery"
	BusinessReversal             = "reversal"

	businessTeamCommissionPrefix = "team_commission_l"
)

// TeamCommission is the business type of a tiered agent payout at level.
func TeamCommission(level int) string {
	return fmt.Sprintf("%s%d", businessTeamCommissionPrefix, level)
}

// IsTeamCommission reports whether businessType is a tiered agent payout.
func IsTeamCommission(businessType string) bool {
	return strings.HasPrefix(businessType, businessTeamCommissionPrefix)
}

type Account struct {
	UserID          string          `gorm:"column:user_id;primaryKey;size:64"`
	Withdrawable    decimal.Decimal `gorm:"column:withdrawable;type:decimal(20,2);not null;default:0"`
	SpendableCredit decimal.Decimal `gorm:"column:spendable_credit;type:decimal(20,2);not null;default:0"`
	EscrowBalance   decimal.Decimal `gorm:"column:escrow_balance;type:decimal(20,2);not null;default:0"`
	StakedCredit    decimal.Decimal `gorm:"column:staked_credit;type:decimal(20,2);not null;default:0"`
	Available       decimal.Decimal `gorm:"column:available;type:decimal(20,2);not null;default:0"`
	LastHash        string          `gorm:"column:last_hash;size:64"`
	Version         int64           `gorm:"column:version;not null;default:0"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "accounts" }

func (a *Account) Balance(f Field) decimal.Decimal {
	switch f {
	case FieldWithdrawable:
		return a.Withdrawable
	case FieldSpendableCredit:
		return a.SpendableCredit
	case FieldEscrowBalance:
		return a.EscrowBalance
	case FieldStakedCredit:
		return a.StakedCredit
	case FieldAvailable:
		return a.Available
	}
	return decimal.Zero
}

// Total is the user's cash-like holdings. Staked credit is excluded.
func (a *Account) Total() decimal.Decimal {
	return a.Withdrawable.Add(a.SpendableCredit).Add(a.EscrowBalance).Add(a.Available)
}

type LedgerEntry struct {
	ID           string          `gorm:"column:id;primaryKey;size:32" json:"id"`
	UserID       string          `gorm:"column:user_id;size:64;not null;index:idx_ledger_user_created,priority:1" json:"user_id"`
	Field        Field           `gorm:"column:field;size:32;not null;uniqueIndex:uniq_ledger_business,priority:3" json:"field"`
	Delta        decimal.Decimal `gorm:"column:delta;type:decimal(20,2);not null" json:"delta"`
	Before       decimal.Decimal `gorm:"column:balance_before;type:decimal(20,2);not null" json:"balance_before"`
	After        decimal.Decimal `gorm:"column:balance_after;type:decimal(20,2);not null" json:"balance_after"`
	FlowNo       string          `gorm:"column:flow_no;size:64;not null;uniqueIndex" json:"flow_no"`
	BatchNo      string          `gorm:"column:batch_no;size:64;index" json:"batch_no"`
	BusinessType string          `gorm:"column:business_type;size:64;not null;uniqueIndex:uniq_ledger_business,priority:1" json:"business_type"`
	BusinessID   string          `gorm:"column:business_id;size:64;not null;uniqueIndex:uniq_ledger_business,priority:2" json:"business_id"`
	Memo         string          `gorm:"column:memo;size:255" json:"memo"`
	Operator     string          `gorm:"column:operator;size:96" json:"operator"`
	ReversalOf   string          `gorm:"column:reversal_of;size:32;index" json:"reversal_of,omitempty"`
	PreviousHash string          `gorm:"column:previous_hash;size:64" json:"previous_hash"`
	Hash         string          `gorm:"column:hash;size:64" json:"hash"`
	Metadata     datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time       `gorm:"column:created_at;index:idx_ledger_user_created,priority:2" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// Key is the idempotency key of an entry.
type Key struct {
	BusinessType string
	BusinessID   string
	Field        Field
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.BusinessType, k.BusinessID, k.Field)
}

func (m *LedgerEntry) Key() Key {
	return Key{BusinessType: m.BusinessType, BusinessID: m.BusinessID, Field: m.Field}
}

func (m *LedgerEntry) IsReversal() bool {
	return m.BusinessType == BusinessReversal
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"user_id":       m.UserID,
		"field":         string(m.Field),
		"delta":         m.Delta.StringFixed(2),
		"before":        m.Before.StringFixed(2),
		"after":         m.After.StringFixed(2),
		"flow_no":       m.FlowNo,
		"batch_no":      m.BatchNo,
		"business_type": m.BusinessType,
		"business_id":   m.BusinessID,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *LedgerEntry) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
