package consignment

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type State string

const (
	Listed    State = "listed"
	Sold      State = "sold"
	Cancelled State = "cancelled"
	Expired   State = "expired"
)

func (s State) String() string {
	switch s {
	case Listed, Sold, Cancelled, Expired:
		return string(s)
	default:
		return ""
	}
}

// Terminal states never transition again.
func (s State) Terminal() bool {
	return s == Sold || s == Cancelled || s == Expired
}

type SettleStatus string

const (
	SettlePending SettleStatus = "pending"
	Settled       SettleStatus = "settled"
)

type Consignment struct {
	ID                    string          `gorm:"column:id;primaryKey;size:32"`
	ItemID                string          `gorm:"column:item_id;size:64;not null;index"`
	HoldingID             string          `gorm:"column:holding_id;size:32;not null;index"`
	SellerID              string          `gorm:"column:seller_id;size:64;not null;index"`
	Principal             decimal.Decimal `gorm:"column:principal;type:decimal(20,2);not null"`
	AskPrice              decimal.Decimal `gorm:"column:ask_price;type:decimal(20,2);not null"`
	SoldPrice             decimal.Decimal `gorm:"column:sold_price;type:decimal(20,2);not null;default:0"`
	State                 State           `gorm:"column:state;size:16;not null;index"`
	IsLegacyAsset         bool            `gorm:"column:is_legacy_asset;not null"`
	ServiceFeeRateApplied decimal.Decimal `gorm:"column:service_fee_rate_applied;type:decimal(6,4);not null;default:0"`
	SessionID             string          `gorm:"column:session_id;size:64"`
	ZoneID                string          `gorm:"column:zone_id;size:64"`
	CouponID              string          `gorm:"column:coupon_id;size:32"`
	SoldAt                *time.Time      `gorm:"column:sold_at"`
	SettleStatus          SettleStatus    `gorm:"column:settle_status;size:16;index"`
	SettledAt             *time.Time      `gorm:"column:settled_at"`
	Settlement            datatypes.JSON  `gorm:"column:settlement"`
	Operator              string          `gorm:"column:operator;size:96"`
	CreatedAt             time.Time       `gorm:"column:created_at"`
	UpdatedAt             time.Time       `gorm:"column:updated_at"`
}

func (Consignment) TableName() string { return "consignments" }

func (c *Consignment) IsSettled() bool {
	return c.SettleStatus == Settled
}

type HoldingState string

const (
	HoldingIdle   HoldingState = "none"
	HoldingListed HoldingState = "listed"
	HoldingSold   HoldingState = "sold"
)

// Holding is one item a user owns. Principal is what the user paid for it.
type Holding struct {
	ID               string          `gorm:"column:id;primaryKey;size:32"`
	UserID           string          `gorm:"column:user_id;size:64;not null;index"`
	ItemID           string          `gorm:"column:item_id;size:64;not null"`
	Principal        decimal.Decimal `gorm:"column:principal;type:decimal(20,2);not null"`
	IsLegacyAsset    bool            `gorm:"column:is_legacy_asset;not null"`
	ConsignmentState HoldingState    `gorm:"column:consignment_state;size:16;not null"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (Holding) TableName() string { return "holdings" }
