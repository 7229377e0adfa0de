package repository

import (
	"context"
	"errors"

	"consignment-ledger/pkg/db/option"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the generic gorm store used by every service. Query structs
// are matched on their non-zero fields.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	// FindOne returns (nil, nil) when no row matches.
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, resource any) error
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}

type store[T any] struct {
	db *gorm.DB
}

func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return s
	}
	return &store[T]{db: tx}
}

func (s *store[T]) query(ctx context.Context, opts []option.QueryOption) *gorm.DB {
	db := s.db.WithContext(ctx)
	for _, opt := range opts {
		db = opt(db)
	}
	return db
}

func (s *store[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if s.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var out []*T
	if err := s.query(ctx, opts).Where(query).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *store[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if s.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var out T
	err := s.query(ctx, opts).Where(query).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *store[T]) Create(ctx context.Context, resource *T) error {
	if s.db == nil {
		return gorm.ErrInvalidDB
	}
	return s.db.WithContext(ctx).Create(resource).Error
}

// Update applies resource (a struct or map of columns) to the row with the
// given primary key. A missing row reports gorm.ErrRecordNotFound.
func (s *store[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if s.db == nil {
		return gorm.ErrInvalidDB
	}

	var model T
	res := s.db.WithContext(ctx).Model(&model).Where(clause.Eq{Column: clause.PrimaryColumn, Value: resourceID}).Updates(resource)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *store[T]) Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error) {
	if s.db == nil {
		return 0, gorm.ErrInvalidDB
	}

	var (
		model T
		count int64
	)
	if err := s.query(ctx, opts).Model(&model).Where(query).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
