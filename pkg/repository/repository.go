package repository

import (
	"context"

	"github.com/smallbiznis/rentway/pkg/db/option"
)

// Repository is a generic gorm-backed store for simple entity lookups.
type Repository[T any] interface {
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	Create(ctx context.Context, resource *T) error
}
