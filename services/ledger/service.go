package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/db"
	"consignment-ledger/pkg/db/option"
	"consignment-ledger/pkg/db/pagination"
	"consignment-ledger/pkg/errutil"
	"consignment-ledger/pkg/money"
	"consignment-ledger/pkg/repository"
	"consignment-ledger/pkg/sequence"
	"consignment-ledger/pkg/settings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OverflowPolicy decides what happens when a posting would leave [0, cap].
type OverflowPolicy int

const (
	// Saturate clamps the balance and records the effective delta.
	Saturate OverflowPolicy = iota
	// HardFail rejects the posting with ErrBalanceCapExceeded or
	// ErrNegativeResultDisallowed.
	HardFail
)

type Posting struct {
	UserID       string
	Field        Field
	Delta        decimal.Decimal
	BusinessType string
	BusinessID   string
	Memo         string
	BatchNo      string
	Operator     actor.Actor
	Policy       OverflowPolicy
	ReversalOf   string
	Metadata     map[string]any
}

func (p Posting) Key() Key {
	return Key{BusinessType: p.BusinessType, BusinessID: p.BusinessID, Field: p.Field}
}

func (p Posting) validate() error {
	var details []errutil.Detail
	if p.UserID == "" {
		details = append(details, errutil.Detail{Field: "user_id", Message: "required"})
	}
	if !p.Field.Valid() {
		details = append(details, errutil.Detail{Field: "field", Message: "unknown balance field " + string(p.Field)})
	}
	if p.BusinessType == "" || p.BusinessID == "" {
		details = append(details, errutil.Detail{Field: "business_key", Message: "business type and id are required"})
	}
	if money.Round(p.Delta).IsZero() {
		details = append(details, errutil.Detail{Field: "delta", Message: "must be non-zero at cent precision"})
	}
	if len(details) > 0 {
		return errutil.BadRequest("invalid posting", nil, errutil.WithDetails(details...))
	}
	return nil
}

type Service struct {
	db       *gorm.DB
	tx       *gorm.DB
	node     *snowflake.Node
	seq      sequence.Generator
	settings settings.Provider
	snap     settings.Settings
	now      func() time.Time

	accounts repository.Repository[Account]
	entries  repository.Repository[LedgerEntry]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Sequence sequence.Generator
	Settings settings.Provider
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		seq:      p.Sequence,
		settings: p.Settings,
		snap:     p.Settings.Current(),
		now:      time.Now,

		accounts: repository.ProvideStore[Account](p.DB),
		entries:  repository.ProvideStore[LedgerEntry](p.DB),
	}
}

// Bind returns a copy of the service whose reads and writes go through tx and
// whose caps come from snap.
func (s *Service) Bind(tx *gorm.DB, snap settings.Settings) *Service {
	c := *s
	c.tx = tx
	c.snap = snap
	c.accounts = s.accounts.WithTrx(tx)
	c.entries = s.entries.WithTrx(tx)
	return &c
}

// WithTx binds tx with the settings snapshot current at call time.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return s.Bind(tx, s.settings.Current())
}

func (s *Service) inTx(ctx context.Context, fn func(b *Service) error) error {
	if s.tx != nil {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.WithTx(tx))
	})
}

func logFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

func accountNotFound(userID string) error {
	return errutil.NotFound("account not found", nil, errutil.WithDetails(errutil.Detail{Field: "user_id", Message: userID}))
}

func alreadyApplied(k Key) error {
	return errutil.Conflict("posting already applied", nil, errutil.WithDetails(errutil.Detail{Field: "key", Message: k.String()}))
}

// OpenAccount creates a zero balance account for userID if none exists.
func (s *Service) OpenAccount(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, ErrInvalidPosting
	}

	var out *Account
	err := s.inTx(ctx, func(b *Service) error {
		if err := b.tx.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Account{UserID: userID, CreatedAt: b.now().UTC(), UpdatedAt: b.now().UTC()}).Error; err != nil {
			return err
		}

		acct, err := b.accounts.FindOne(ctx, &Account{UserID: userID})
		if err != nil {
			return err
		}
		out = acct
		return nil
	})
	return out, err
}

func (s *Service) GetAccount(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, accountNotFound(userID)
	}

	acct, err := s.accounts.FindOne(ctx, &Account{UserID: userID})
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, accountNotFound(userID)
	}
	return acct, nil
}

// LockAccount reads the account with a row lock held until the bound
// transaction ends.
func (s *Service) LockAccount(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, accountNotFound(userID)
	}

	var out *Account
	err := s.inTx(ctx, func(b *Service) error {
		acct, err := b.accounts.FindOne(ctx, &Account{UserID: userID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if acct == nil {
			return accountNotFound(userID)
		}
		out = acct
		return nil
	})
	return out, err
}

// Applied reports whether an entry exists for k.
func (s *Service) Applied(ctx context.Context, k Key) (bool, error) {
	if k.BusinessType == "" || k.BusinessID == "" || k.Field == "" {
		return false, ErrInvalidPosting
	}

	n, err := s.entries.Count(ctx, &LedgerEntry{BusinessType: k.BusinessType, BusinessID: k.BusinessID, Field: k.Field})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EnsureNotApplied returns ErrAlreadyApplied when the key was already posted.
// Call it while holding the lock of the account the guarded posting writes.
func (s *Service) EnsureNotApplied(ctx context.Context, businessType, businessID string, field Field) error {
	k := Key{BusinessType: businessType, BusinessID: businessID, Field: field}
	applied, err := s.Applied(ctx, k)
	if err != nil {
		return err
	}
	if applied {
		return alreadyApplied(k)
	}
	return nil
}

// PostEntry appends one entry and moves the account balance by its delta.
// The account row is (re)locked, so the balance read is the one written.
func (s *Service) PostEntry(ctx context.Context, p Posting) (*LedgerEntry, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	var out *LedgerEntry
	err := s.inTx(ctx, func(b *Service) error {
		entry, err := b.post(ctx, p)
		if err != nil {
			return err
		}
		out = entry
		return nil
	})
	return out, err
}

func (s *Service) post(ctx context.Context, p Posting) (*LedgerEntry, error) {
	opts := append(logFields(ctx),
		zap.String("user_id", p.UserID),
		zap.String("field", string(p.Field)),
		zap.String("key", p.Key().String()),
	)

	acct, err := s.LockAccount(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	before := acct.Balance(p.Field)
	requested := money.Round(p.Delta)
	after := before.Add(requested)
	limit := decimal.Max(s.snap.BalanceCap, before)

	saturated := false
	switch {
	case after.IsNegative():
		if p.Policy == HardFail {
			zap.L().With(opts...).Error("posting would drive balance negative",
				zap.String("before", before.String()), zap.String("delta", requested.String()))
			postingsRejected.WithLabelValues("negative").Inc()
			return nil, errutil.UnprocessableEntity("negative balance disallowed", nil, errutil.WithDetails(
				errutil.Detail{Field: string(p.Field), Message: before.String() + " + " + requested.String()},
			))
		}
		after, saturated = decimal.Zero, true
	case after.GreaterThan(limit):
		if p.Policy == HardFail {
			zap.L().With(opts...).Error("posting would exceed balance cap",
				zap.String("before", before.String()), zap.String("delta", requested.String()),
				zap.String("cap", s.snap.BalanceCap.String()))
			postingsRejected.WithLabelValues("cap").Inc()
			return nil, errutil.UnprocessableEntity("balance cap exceeded", nil, errutil.WithDetails(
				errutil.Detail{Field: string(p.Field), Message: before.String() + " + " + requested.String() + " > " + s.snap.BalanceCap.String()},
			))
		}
		after, saturated = limit, true
	}

	meta := map[string]any{}
	for k, v := range p.Metadata {
		meta[k] = v
	}
	if saturated {
		meta["requested_delta"] = requested.StringFixed(2)
		postingsSaturated.Inc()
		zap.L().With(opts...).Warn("posting saturated", zap.String("requested", requested.String()), zap.String("after", after.String()))
	}

	var metadata datatypes.JSON
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		metadata = raw
	}

	flowNo, err := s.seq.NextFlowNo(ctx)
	if err != nil {
		return nil, err
	}

	entry := &LedgerEntry{
		ID:           s.node.Generate().String(),
		UserID:       p.UserID,
		Field:        p.Field,
		Delta:        after.Sub(before),
		Before:       before,
		After:        after,
		FlowNo:       flowNo,
		BatchNo:      p.BatchNo,
		BusinessType: p.BusinessType,
		BusinessID:   p.BusinessID,
		Memo:         p.Memo,
		Operator:     p.Operator.String(),
		ReversalOf:   p.ReversalOf,
		PreviousHash: acct.LastHash,
		Metadata:     metadata,
		CreatedAt:    s.now().UTC().Truncate(time.Millisecond),
	}
	entry.Hash = entry.GenerateHash()

	// savepoint, so a duplicate key leaves the outer transaction usable
	err = s.tx.Transaction(func(sp *gorm.DB) error {
		return s.entries.WithTrx(sp).Create(ctx, entry)
	})
	if err != nil {
		if db.IsDuplicateKey(err) {
			if applied, aerr := s.Applied(ctx, p.Key()); aerr == nil && applied {
				return nil, alreadyApplied(p.Key())
			}
		}
		zap.L().With(opts...).Error("failed to insert ledger entry", zap.Error(err))
		return nil, err
	}

	res := s.tx.WithContext(ctx).Model(&Account{}).
		Where("user_id = ?", p.UserID).
		Updates(map[string]any{
			string(p.Field): after,
			"last_hash":     entry.Hash,
			"version":       gorm.Expr("version + 1"),
			"updated_at":    entry.CreatedAt,
		})
	if res.Error != nil {
		zap.L().With(opts...).Error("failed to update account balance", zap.Error(res.Error))
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, accountNotFound(p.UserID)
	}

	postingsTotal.WithLabelValues(metricBusinessType(p.BusinessType), string(p.Field)).Inc()
	return entry, nil
}

// Apply locks the account, checks the key and posts, all in one transaction.
func (s *Service) Apply(ctx context.Context, p Posting) (*LedgerEntry, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	var out *LedgerEntry
	err := s.inTx(ctx, func(b *Service) error {
		if _, err := b.LockAccount(ctx, p.UserID); err != nil {
			return err
		}
		if err := b.EnsureNotApplied(ctx, p.BusinessType, p.BusinessID, p.Field); err != nil {
			return err
		}
		entry, err := b.post(ctx, p)
		if err != nil {
			return err
		}
		out = entry
		return nil
	})
	return out, err
}

// Reverse posts the compensating entry of entryID. A reversal is keyed on the
// reversed entry's flow number, so each entry is reversed at most once.
func (s *Service) Reverse(ctx context.Context, op actor.Actor, entryID, memo string) (*LedgerEntry, error) {
	if entryID == "" {
		return nil, ErrEntryNotFound
	}

	var out *LedgerEntry
	err := s.inTx(ctx, func(b *Service) error {
		orig, err := b.entries.FindOne(ctx, &LedgerEntry{ID: entryID})
		if err != nil {
			return err
		}
		if orig == nil {
			return ErrEntryNotFound
		}
		if orig.IsReversal() {
			return errutil.BadRequest("invalid posting", nil, errutil.WithDetails(errutil.Detail{Field: "entry_id", Message: "reversal entries cannot be reversed"}))
		}
		if orig.Delta.IsZero() {
			return errutil.BadRequest("invalid posting", nil, errutil.WithDetails(errutil.Detail{Field: "entry_id", Message: "entry moved no balance"}))
		}

		batchNo, err := b.seq.NextBatchNo(ctx, "REVERSAL")
		if err != nil {
			return err
		}

		entry, err := b.Apply(ctx, Posting{
			UserID:       orig.UserID,
			Field:        orig.Field,
			Delta:        orig.Delta.Neg(),
			BusinessType: BusinessReversal,
			BusinessID:   orig.FlowNo,
			Memo:         memo,
			BatchNo:      batchNo,
			Operator:     op,
			Policy:       Saturate,
			ReversalOf:   orig.ID,
			Metadata: map[string]any{
				"reversed_business_type": orig.BusinessType,
				"reversed_business_id":   orig.BusinessID,
			},
		})
		if err != nil {
			return err
		}
		out = entry
		return nil
	})
	return out, err
}

type HistoryFilter struct {
	BusinessTypes []string
	Fields        []Field
	From          time.Time
	To            time.Time
	pagination.Pagination
}

type HistoryPage struct {
	Entries  []*LedgerEntry      `json:"entries"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

// GetLedgerHistory pages through a user's entries, newest first.
func (s *Service) GetLedgerHistory(ctx context.Context, userID string, f HistoryFilter) (*HistoryPage, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}

	var conds []option.Condition
	if len(f.BusinessTypes) > 0 {
		conds = append(conds, option.Condition{Field: "business_type", Operator: option.IN, Value: f.BusinessTypes})
	}
	if len(f.Fields) > 0 {
		fields := make([]string, 0, len(f.Fields))
		for _, fl := range f.Fields {
			if !fl.Valid() {
				return nil, errutil.BadRequest("unknown balance field", nil, errutil.WithDetails(errutil.Detail{Field: "field", Message: string(fl)}))
			}
			fields = append(fields, string(fl))
		}
		conds = append(conds, option.Condition{Field: "field", Operator: option.IN, Value: fields})
	}
	if !f.From.IsZero() {
		conds = append(conds, option.Condition{Field: "created_at", Operator: option.GTE, Value: f.From.UTC()})
	}
	if !f.To.IsZero() {
		conds = append(conds, option.Condition{Field: "created_at", Operator: option.LT, Value: f.To.UTC()})
	}

	rows, err := s.entries.Find(ctx, &LedgerEntry{UserID: userID},
		option.ApplyOperator(conds...),
		option.ApplyPagination(f.Pagination),
	)
	if err != nil {
		zap.L().With(logFields(ctx)...).Error("failed to query ledger history", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	rows, info := pagination.Trim(rows, f.Pagination.Size(), func(e *LedgerEntry) string { return e.ID })
	return &HistoryPage{Entries: rows, PageInfo: info}, nil
}

// EntriesFor returns every entry recorded under a business id, across fields
// and business types.
func (s *Service) EntriesFor(ctx context.Context, businessID string) ([]*LedgerEntry, error) {
	if businessID == "" {
		return nil, nil
	}
	return s.entries.Find(ctx, &LedgerEntry{BusinessID: businessID}, option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}))
}

// Reversals returns the reversal entries that compensate any of entryIDs.
func (s *Service) Reversals(ctx context.Context, entryIDs []string) ([]*LedgerEntry, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	return s.entries.Find(ctx, &LedgerEntry{BusinessType: BusinessReversal},
		option.ApplyOperator(option.Condition{Field: "reversal_of", Operator: option.IN, Value: entryIDs}))
}

// AccountIDs pages through account user ids in ascending order.
func (s *Service) AccountIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	var conds []option.Condition
	if afterID != "" {
		conds = append(conds, option.Condition{Field: "user_id", Operator: option.GT, Value: afterID})
	}
	rows, err := s.accounts.Find(ctx, &Account{},
		option.ApplyOperator(conds...),
		option.WithSortBy(option.QuerySortBy{SortBy: "user_id", OrderBy: "asc"}),
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, a := range rows {
		ids = append(ids, a.UserID)
	}
	return ids, nil
}

type ChainReport struct {
	UserID   string `json:"user_id"`
	Entries  int    `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Err is nil for a valid chain and wraps ErrChainBroken otherwise.
func (r *ChainReport) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: user %s at %s: %s", ErrChainBroken, r.UserID, r.BrokenAt, r.Reason)
}

// VerifyChain walks the user's hash chain back from the account tip. Every
// entry must hash to its stored value and be reachable from the tip.
func (s *Service) VerifyChain(ctx context.Context, userID string) (*ChainReport, error) {
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries, err := s.entries.Find(ctx, &LedgerEntry{UserID: userID})
	if err != nil {
		return nil, err
	}

	report := &ChainReport{UserID: userID, Entries: len(entries), Valid: true}
	broken := func(at, reason string) (*ChainReport, error) {
		report.Valid, report.BrokenAt, report.Reason = false, at, reason
		return report, nil
	}

	byHash := make(map[string]*LedgerEntry, len(entries))
	for _, e := range entries {
		if e.GenerateHash() != e.Hash {
			return broken(e.ID, "hash mismatch")
		}
		byHash[e.Hash] = e
	}

	visited := 0
	for cur := acct.LastHash; cur != ""; {
		e, ok := byHash[cur]
		if !ok {
			return broken(cur, "missing link")
		}
		visited++
		if visited > len(entries) {
			return broken(e.ID, "cycle")
		}
		cur = e.PreviousHash
	}

	if visited != len(entries) {
		return broken(acct.LastHash, "entries not reachable from tip")
	}
	return report, nil
}

// IsAlreadyApplied reports whether err is the benign idempotency outcome.
func IsAlreadyApplied(err error) bool {
	return errors.Is(err, ErrAlreadyApplied)
}
