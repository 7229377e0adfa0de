// Package settings exposes the business settings (rates, caps, windows) as an
// immutable snapshot. A snapshot is read once at the start of a transaction
// and never consulted again inside it; reloads publish a new snapshot.
package settings

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	KeyServiceFeeRate  = "consignment_service_fee_rate"
	KeySplitRate       = "seller_profit_split_rate"
	KeyDirectRate      = "agent_direct_rate"
	KeyIndirectRate    = "agent_indirect_rate"
	KeyTierRatePattern = "agent_team_level%d_rate"
	KeyBalanceCap      = "balance_cap"
	KeyCouponValidDays = "coupon_valid_days"
	KeyZoneTolerance   = "zone_tolerance"
	KeyMaxHops         = "commission_max_hops"
	KeyAgentTypeOffset = "agent_type_offset"

	maxTierLevels = 10
)

type Settings struct {
	ServiceFeeRate decimal.Decimal
	SplitRate      decimal.Decimal
	DirectRate     decimal.Decimal
	IndirectRate   decimal.Decimal
	// TierRates[i] is the cumulative rate of agent tier i+1.
	TierRates       []decimal.Decimal
	BalanceCap      decimal.Decimal
	CouponValidDays int
	ZoneTolerance   int
	MaxHops         int
	AgentTypeOffset int
}

func Default() Settings {
	return Settings{
		ServiceFeeRate: decimal.RequireFromString("0.03"),
		SplitRate:      decimal.RequireFromString("0.5"),
		DirectRate:     decimal.RequireFromString("0.10"),
		IndirectRate:   decimal.RequireFromString("0.05"),
		TierRates: []decimal.Decimal{
			decimal.RequireFromString("0.09"),
			decimal.RequireFromString("0.12"),
			decimal.RequireFromString("0.15"),
			decimal.RequireFromString("0.18"),
			decimal.RequireFromString("0.21"),
		},
		BalanceCap:      decimal.RequireFromString("99999999.99"),
		CouponValidDays: 30,
		ZoneTolerance:   1,
		MaxHops:         10,
		AgentTypeOffset: 2,
	}
}

// MaxTier is the highest agent tier with a configured rate.
func (s Settings) MaxTier() int {
	return len(s.TierRates)
}

// TierRate returns the cumulative rate of level; level 0 (non agent) is zero.
func (s Settings) TierRate(level int) decimal.Decimal {
	if level <= 0 || len(s.TierRates) == 0 {
		return decimal.Zero
	}
	if level > len(s.TierRates) {
		level = len(s.TierRates)
	}
	return s.TierRates[level-1]
}

// Parse builds a snapshot from a flat key/value map. Values that are missing,
// malformed or out of range keep their default; each rejected value is
// reported so the caller can log it.
func Parse(values map[string]string) (Settings, []error) {
	s := Default()
	var problems []error

	get := func(key string) (string, bool) {
		v, ok := values[key]
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	rate := func(key string, dst *decimal.Decimal) {
		raw, ok := get(key)
		if !ok {
			return
		}
		d, err := decimal.NewFromString(raw)
		if err != nil || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
			problems = append(problems, fmt.Errorf("settings: %s=%q is not a rate in [0,1]", key, raw))
			return
		}
		*dst = d
	}

	positiveInt := func(key string, dst *int, allowZero bool) {
		raw, ok := get(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || (n == 0 && !allowZero) {
			problems = append(problems, fmt.Errorf("settings: %s=%q is not a valid count", key, raw))
			return
		}
		*dst = n
	}

	rate(KeyServiceFeeRate, &s.ServiceFeeRate)
	rate(KeySplitRate, &s.SplitRate)
	rate(KeyDirectRate, &s.DirectRate)
	rate(KeyIndirectRate, &s.IndirectRate)

	if tiers, ok, err := parseTiers(values); err != nil {
		problems = append(problems, err)
	} else if ok {
		s.TierRates = tiers
	}

	if raw, ok := get(KeyBalanceCap); ok {
		d, err := decimal.NewFromString(raw)
		if err != nil || !d.IsPositive() {
			problems = append(problems, fmt.Errorf("settings: %s=%q is not a positive amount", KeyBalanceCap, raw))
		} else {
			s.BalanceCap = d.Round(2)
		}
	}

	positiveInt(KeyCouponValidDays, &s.CouponValidDays, false)
	positiveInt(KeyZoneTolerance, &s.ZoneTolerance, true)
	positiveInt(KeyMaxHops, &s.MaxHops, false)
	positiveInt(KeyAgentTypeOffset, &s.AgentTypeOffset, true)

	return s, problems
}

// parseTiers reads agent_team_level1_rate, agent_team_level2_rate, ... until
// the first missing level. The table must be non-decreasing.
func parseTiers(values map[string]string) ([]decimal.Decimal, bool, error) {
	var tiers []decimal.Decimal
	for level := 1; level <= maxTierLevels; level++ {
		key := fmt.Sprintf(KeyTierRatePattern, level)
		raw, ok := values[key]
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			break
		}
		d, err := decimal.NewFromString(raw)
		if err != nil || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
			return nil, false, fmt.Errorf("settings: %s=%q is not a rate in [0,1]", key, raw)
		}
		if len(tiers) > 0 && d.LessThan(tiers[len(tiers)-1]) {
			return nil, false, fmt.Errorf("settings: %s=%s is lower than level %d", key, raw, level-1)
		}
		tiers = append(tiers, d)
	}
	return tiers, len(tiers) > 0, nil
}
