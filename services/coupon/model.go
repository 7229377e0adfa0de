package coupon

import (
	"time"

	"github.com/shopspring/decimal"
)

type State string

const (
	Unused  State = "unused"
	Used    State = "used"
	Expired State = "expired"
)

func (s State) String() string {
	switch s {
	case Unused, Used, Expired:
		return string(s)
	default:
		return ""
	}
}

// activeKey marks the one unused coupon allowed per (user, session, zone).
// Used and expired coupons carry their own id instead, which frees the slot.
const activeKey = "active"

// Coupon entitles its owner to list one item in a session and price zone.
type Coupon struct {
	ID            string     `gorm:"column:id;primaryKey;size:32"`
	UserID        string     `gorm:"column:user_id;size:64;not null;uniqueIndex:uniq_coupon_active,priority:1;index:idx_coupon_user_state,priority:1"`
	SessionID     string     `gorm:"column:session_id;size:64;not null;uniqueIndex:uniq_coupon_active,priority:2"`
	ZoneID        string     `gorm:"column:zone_id;size:64;not null;uniqueIndex:uniq_coupon_active,priority:3"`
	ActiveKey     string     `gorm:"column:active_key;size:32;not null;uniqueIndex:uniq_coupon_active,priority:4"`
	SourceKey     string     `gorm:"column:source_key;size:128;not null;uniqueIndex"`
	State         State      `gorm:"column:state;size:16;not null;index:idx_coupon_user_state,priority:2"`
	ExpiresAt     time.Time  `gorm:"column:expires_at;not null;index"`
	UsedAt        *time.Time `gorm:"column:used_at"`
	ConsignmentID string     `gorm:"column:consignment_id;size:32"`
	Operator      string     `gorm:"column:operator;size:96"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (Coupon) TableName() string { return "coupons" }

func (c *Coupon) Usable(now time.Time) bool {
	return c.State == Unused && c.ExpiresAt.After(now)
}

// PriceZone is a price band. A null MaxPrice leaves the band open ended.
type PriceZone struct {
	ID        string              `gorm:"column:id;primaryKey;size:64"`
	Name      string              `gorm:"column:name;size:64;not null"`
	MinPrice  decimal.Decimal     `gorm:"column:min_price;type:decimal(20,2);not null"`
	MaxPrice  decimal.NullDecimal `gorm:"column:max_price;type:decimal(20,2)"`
	Sort      int                 `gorm:"column:sort;not null;default:0"`
	Enabled   bool                `gorm:"column:enabled;not null"`
	CreatedAt time.Time           `gorm:"column:created_at"`
	UpdatedAt time.Time           `gorm:"column:updated_at"`
}

func (PriceZone) TableName() string { return "price_zones" }

// Contains reports whether price falls in [MinPrice, MaxPrice].
func (z *PriceZone) Contains(price decimal.Decimal) bool {
	if price.LessThan(z.MinPrice) {
		return false
	}
	return !z.MaxPrice.Valid || !price.GreaterThan(z.MaxPrice.Decimal)
}

// Purchase records one primary-market purchase. EventID makes redelivered
// purchase events idempotent.
type Purchase struct {
	ID        string          `gorm:"column:id;primaryKey;size:32"`
	EventID   string          `gorm:"column:event_id;size:128;not null;uniqueIndex"`
	UserID    string          `gorm:"column:user_id;size:64;not null;index"`
	SessionID string          `gorm:"column:session_id;size:64"`
	ZoneID    string          `gorm:"column:zone_id;size:64"`
	ItemPrice decimal.Decimal `gorm:"column:item_price;type:decimal(20,2);not null"`
	CreatedAt time.Time       `gorm:"column:created_at"`
}

func (Purchase) TableName() string { return "purchases" }
