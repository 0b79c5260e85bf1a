package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/rentway/internal/apperror"
	auditdomain "github.com/smallbiznis/rentway/internal/audit/domain"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/smallbiznis/rentway/internal/clock"
	"github.com/smallbiznis/rentway/internal/config"
	"github.com/smallbiznis/rentway/internal/consistency/checker"
	"github.com/smallbiznis/rentway/internal/consistency/domain"
	"github.com/smallbiznis/rentway/internal/consistency/repairer"
	meterdomain "github.com/smallbiznis/rentway/internal/meter/domain"
	"github.com/smallbiznis/rentway/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	repairLockKey = "rentway:consistency:repair"
	repairLockTTL = 10 * time.Minute
)

var tracer = otel.Tracer("rentway/consistency")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Bills   billingdomain.Repository
	Meters  meterdomain.Repository
	Billing *config.BillingConfigHolder
	Audit   auditdomain.Service
	Store   domain.ReportStore
	Locker  domain.RunLocker `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	clock    clock.Clock
	billing  *config.BillingConfigHolder
	store    domain.ReportStore
	locker   domain.RunLocker
	metrics  *metrics.Metrics
	checker  *checker.Checker
	repairer *repairer.Repairer
}

func New(p Params) domain.Service {
	return &Service{
		log:     p.Log.Named("consistency.service"),
		clock:   p.Clock,
		billing: p.Billing,
		store:   p.Store,
		locker:  p.Locker,
		metrics: p.Metrics,
		checker: checker.New(p.DB, p.Log, p.Clock, p.Bills, p.Meters, p.Billing),
		repairer: repairer.New(repairer.Deps{
			DB:      p.DB,
			Log:     p.Log,
			GenID:   p.GenID,
			Clock:   p.Clock,
			Bills:   p.Bills,
			Meters:  p.Meters,
			Billing: p.Billing,
			Audit:   p.Audit,
			Metrics: p.Metrics,
		}),
	}
}

func (s *Service) RunCheck(ctx context.Context) (*domain.Report, error) {
	ctx, span := tracer.Start(ctx, "consistency.check")
	defer span.End()

	checks, err := s.checker.Run(ctx)
	if err != nil {
		return nil, err
	}
	report := domain.NewReport(ulid.Make().String(), s.clock.Now(), checks)
	span.SetAttributes(
		attribute.String("report.id", report.ID),
		attribute.Int("report.issues", report.Summary.TotalIssues),
	)
	s.metrics.RecordCheck(report.Counts())

	// The report is returned even when it cannot be stored.
	if err := s.store.Save(ctx, report, s.billing.Get().ReportTTL); err != nil {
		s.log.Warn("failed to store consistency report", zap.String("report_id", report.ID), zap.Error(err))
	}

	s.log.Info("consistency check finished",
		zap.String("report_id", report.ID),
		zap.Int("failed_checks", report.Summary.FailedChecks),
		zap.Int("issues", report.Summary.TotalIssues),
	)
	return report, nil
}

// RunRepair always starts from a fresh check. Requested ids that the check no
// longer finds are reported as skipped.
func (s *Service) RunRepair(ctx context.Context, req domain.RepairRequest) (*domain.RepairResult, error) {
	ctx, span := tracer.Start(ctx, "consistency.repair")
	defer span.End()

	requested := make([]string, 0, len(req.IssueIDs))
	for _, raw := range req.IssueIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if strings.Count(id, ":") != 2 {
			return nil, apperror.Validation(domain.ErrInvalidIssueID, "issue_ids", "issue id "+id+" is not TYPE:entity:id")
		}
		requested = append(requested, id)
	}

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, repairLockKey, repairLockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperror.Violation(domain.ErrRepairInProgress, "another repair run holds the lock", "retry after the running repair finishes")
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), repairLockKey, token); err != nil {
				s.log.Warn("failed to release repair lock", zap.Error(err))
			}
		}()
	}

	report, err := s.RunCheck(ctx)
	if err != nil {
		return nil, err
	}

	runID := ulid.Make().String()
	issues := report.Issues()
	var missing []string
	if len(requested) > 0 {
		byID := make(map[string]domain.Issue, len(issues))
		for _, issue := range issues {
			byID[issue.ID] = issue
		}
		issues = issues[:0:0]
		seen := map[string]struct{}{}
		for _, id := range requested {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if issue, ok := byID[id]; ok {
				issues = append(issues, issue)
				continue
			}
			missing = append(missing, id)
		}
	}

	result := s.repairer.Repair(ctx, runID, issues, req.Options)
	for _, id := range missing {
		result.Add(domain.RepairOutcome{
			IssueID: id,
			Type:    domain.IssueType(strings.SplitN(id, ":", 2)[0]),
			Status:  domain.RepairStatusSkipped,
			Reason:  "issue is no longer detected",
		})
	}
	result.Summarize()

	span.SetAttributes(
		attribute.String("repair.run_id", runID),
		attribute.Int("repair.repaired", result.RepairedIssues),
		attribute.Int("repair.failed", result.FailedIssues),
	)
	s.log.Info("consistency repair finished",
		zap.String("run_id", runID),
		zap.Bool("dry_run", result.DryRun),
		zap.Int("repaired", result.RepairedIssues),
		zap.Int("skipped", result.SkippedIssues),
		zap.Int("failed", result.FailedIssues),
	)
	return result, nil
}

func (s *Service) LatestReport(ctx context.Context) (*domain.Report, error) {
	report, ok, err := s.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrReportNotFound
	}
	return report, nil
}
