package referral

import (
	"context"
	"errors"
	"time"

	"consignment-ledger/pkg/db/option"
	"consignment-ledger/pkg/repository"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db      *gorm.DB
	members repository.Repository[Member]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		members: repository.ProvideStore[Member](p.DB),
	}
}

func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{
		db:      tx,
		members: s.members.WithTrx(tx),
	}
}

// Join registers userID under inviterID. Joining twice with the same inviter
// is a no-op; an inviter can never be replaced.
func (s *Service) Join(ctx context.Context, userID, inviterID string) (*Member, error) {
	if userID == "" {
		return nil, ErrMemberNotFound
	}
	if userID == inviterID {
		return nil, ErrSelfInvite
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Member{UserID: userID, InviterID: inviterID, CreatedAt: now, UpdatedAt: now}).Error; err != nil {
		return nil, err
	}

	m, err := s.GetMember(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m.InviterID != inviterID {
		return m, ErrInviterChanged
	}
	return m, nil
}

func (s *Service) GetMember(ctx context.Context, userID string) (*Member, error) {
	if userID == "" {
		return nil, ErrMemberNotFound
	}
	m, err := s.members.FindOne(ctx, &Member{UserID: userID})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMemberNotFound
	}
	return m, nil
}

// LockMember reads the member row FOR UPDATE. It must run inside a
// transaction bound with WithTx.
func (s *Service) LockMember(ctx context.Context, userID string) (*Member, error) {
	if userID == "" {
		return nil, ErrMemberNotFound
	}
	m, err := s.members.FindOne(ctx, &Member{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMemberNotFound
	}
	return m, nil
}

func (s *Service) SetAccountType(ctx context.Context, userID string, accountType int) error {
	err := s.members.Update(ctx, userID, map[string]any{
		"account_type": accountType,
		"updated_at":   time.Now().UTC(),
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrMemberNotFound
	}
	return err
}

// Ancestors walks the inviter links above userID. See Traverse.
func (s *Service) Ancestors(ctx context.Context, userID string, maxHops int) (*Chain, error) {
	return Traverse(ctx, s.lookup, userID, maxHops, nil)
}

func (s *Service) lookup(ctx context.Context, userID string) (*Member, error) {
	if userID == "" {
		return nil, nil
	}
	return s.members.FindOne(ctx, &Member{UserID: userID})
}

// LookupFunc loads one member, returning (nil, nil) when it does not exist.
type LookupFunc func(ctx context.Context, userID string) (*Member, error)

// Traverse follows inviter links upward from startID, starting at its direct
// inviter. The walk visits at most maxHops ancestors and never visits a member
// twice, so cyclic data terminates. visit may be nil; returning false from it
// ends the walk after the current node.
func Traverse(ctx context.Context, lookup LookupFunc, startID string, maxHops int, visit func(Node) bool) (*Chain, error) {
	chain := &Chain{}

	start, err := lookup(ctx, startID)
	if err != nil {
		return nil, err
	}
	if start == nil {
		chain.Stop, chain.Missing = StopMissing, startID
		return chain, nil
	}

	visited := map[string]bool{start.UserID: true}
	next := start.InviterID
	for depth := 1; ; depth++ {
		if next == "" {
			chain.Stop = StopRoot
			return chain, nil
		}
		if depth > maxHops {
			chain.Stop = StopMaxHops
			return chain, nil
		}
		if visited[next] {
			zap.L().Warn("referral cycle detected",
				zap.String("start", startID),
				zap.String("user_id", next),
				zap.Int("depth", depth),
			)
			chain.Stop = StopCycle
			return chain, nil
		}

		m, err := lookup(ctx, next)
		if err != nil {
			return nil, err
		}
		if m == nil {
			zap.L().Warn("referral ancestor missing", zap.String("start", startID), zap.String("user_id", next))
			chain.Stop, chain.Missing = StopMissing, next
			return chain, nil
		}

		visited[m.UserID] = true
		node := Node{UserID: m.UserID, AccountType: m.AccountType, Depth: depth}
		chain.Nodes = append(chain.Nodes, node)
		if visit != nil && !visit(node) {
			chain.Stop = StopCallback
			return chain, nil
		}
		next = m.InviterID
	}
}
