package reconcile

import (
	"sync"
	"time"

	"consignment-ledger/pkg/actor"
)

// Job names.
const (
	JobDuplicatePostings = "duplicate_postings"
	JobMissingCommission = "missing_commission"
	JobSettlementDrift   = "settlement_drift"
	JobDuplicateCoupons  = "duplicate_coupons"
	JobChainAudit        = "chain_audit"
)

// Jobs lists every job in the order a full run executes them. Duplicates are
// removed before drift is measured.
var Jobs = []string{
	JobDuplicatePostings,
	JobDuplicateCoupons,
	JobMissingCommission,
	JobSettlementDrift,
	JobChainAudit,
}

type RunOptions struct {
	// DryRun reports findings without writing anything.
	DryRun   bool
	Operator actor.Actor
	// Limit caps the number of groups or consignments examined; zero means all.
	Limit int
}

type Finding struct {
	Subject string `json:"subject"`
	Key     string `json:"key,omitempty"`
	Detail  string `json:"detail"`
	Amount  string `json:"amount,omitempty"`
	Fixed   bool   `json:"fixed"`
}

type Report struct {
	RunID      string    `json:"run_id"`
	Job        string    `json:"job"`
	DryRun     bool      `json:"dry_run"`
	Examined   int       `json:"examined"`
	Found      int       `json:"found"`
	Fixed      int       `json:"fixed"`
	Findings   []Finding `json:"findings"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	mu sync.Mutex
}

func (r *Report) add(f Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Findings = append(r.Findings, f)
	r.Found++
	if f.Fixed {
		r.Fixed++
	}
}

func (r *Report) examine(n int) {
	r.mu.Lock()
	r.Examined += n
	r.mu.Unlock()
}
