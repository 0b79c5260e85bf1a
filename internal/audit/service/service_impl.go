package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/rentway/internal/audit/domain"
	"github.com/smallbiznis/rentway/internal/clock"
	obslogger "github.com/smallbiznis/rentway/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, tx *gorm.DB, entry auditdomain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	targetType := strings.TrimSpace(entry.TargetType)
	targetID := strings.TrimSpace(entry.TargetID)
	if targetType == "" || targetID == "" {
		return auditdomain.ErrInvalidTarget
	}

	actorType := entry.ActorType
	if actorType == "" {
		actorType = auditdomain.ActorTypeSystem
	}

	payload := map[string]any{}
	for key, value := range entry.Metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}

	log := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  string(actorType),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   datatypes.JSONMap(payload),
		CreatedAt:  s.clock.Now(),
	}
	if requestID := obslogger.RequestIDFromContext(ctx); requestID != "" {
		log.RequestID = &requestID
	}

	if tx == nil {
		tx = s.db
	}
	if err := s.repo.Insert(ctx, tx, &log); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, filter auditdomain.ListFilter) ([]auditdomain.AuditLog, error) {
	if filter.Limit <= 0 || filter.Limit > 250 {
		filter.Limit = 50
	}
	return s.repo.List(ctx, s.db, filter)
}
