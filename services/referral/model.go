package referral

import "time"

// Member is one node of the referral graph. InviterID is empty for users who
// joined without an invitation. The graph is not assumed to be acyclic.
type Member struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:64"`
	InviterID   string    `gorm:"column:inviter_id;size:64;index"`
	AccountType int       `gorm:"column:account_type;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (Member) TableName() string { return "members" }

// Node is a member reached while walking up the graph.
type Node struct {
	UserID      string
	AccountType int
	// Depth is 1 for the direct inviter of the starting user.
	Depth int
}

// StopReason says why a walk ended.
type StopReason string

const (
	StopRoot     StopReason = "root"
	StopMaxHops  StopReason = "max_hops"
	StopCycle    StopReason = "cycle"
	StopMissing  StopReason = "missing_member"
	StopCallback StopReason = "callback"
)

type Chain struct {
	Nodes []Node
	Stop  StopReason
	// Missing is the inviter id that had no member row, when Stop is StopMissing.
	Missing string
}

// AgentTier maps an account type onto the agent ladder. Types at or below the
// offset, and types beyond the configured ladder, are tier 0.
func AgentTier(accountType, offset, maxTier int) int {
	tier := accountType - offset
	if tier < 1 || tier > maxTier {
		return 0
	}
	return tier
}
