package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/rentway/internal/audit/domain"
	"github.com/smallbiznis/rentway/pkg/db/option"
	"github.com/smallbiznis/rentway/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return repository.ProvideStore[domain.AuditLog](db).Create(ctx, entry)
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.AuditLog, error) {
	// Zero-valued filter fields are dropped by the struct condition.
	query := &domain.AuditLog{
		Action:     strings.TrimSpace(filter.Action),
		TargetType: strings.TrimSpace(filter.TargetType),
		TargetID:   strings.TrimSpace(filter.TargetID),
	}
	opts := []option.QueryOption{
		option.WithOrder("created_at desc, id desc"),
		option.WithLimit(filter.Limit),
	}
	if filter.Since != nil {
		opts = append(opts, option.WithWhere("created_at >= ?", filter.Since.UTC()))
	}
	rows, err := repository.ProvideStore[domain.AuditLog](db).Find(ctx, query, opts...)
	if err != nil {
		return nil, err
	}

	logs := make([]domain.AuditLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, *row)
	}
	return logs, nil
}
