package domain

import (
	"context"
	"errors"
	"time"
)

type RepairRequest struct {
	IssueIDs []string      `json:"issue_ids,omitempty"`
	Options  RepairOptions `json:"options"`
}

type Service interface {
	// RunCheck never mutates billing or meter data.
	RunCheck(ctx context.Context) (*Report, error)
	// RunRepair repairs every issue of a fresh check, or only the listed ones.
	RunRepair(ctx context.Context, req RepairRequest) (*RepairResult, error)
	LatestReport(ctx context.Context) (*Report, error)
}

// ReportStore keeps the most recent report for later reads.
type ReportStore interface {
	Save(ctx context.Context, report *Report, ttl time.Duration) error
	Latest(ctx context.Context) (*Report, bool, error)
}

// RunLocker serializes repair runs across processes.
type RunLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

var (
	ErrReportNotFound   = errors.New("report_not_found")
	ErrRepairInProgress = errors.New("repair_in_progress")
	ErrInvalidIssueID   = errors.New("invalid_issue_id")
	ErrUnknownIssueType = errors.New("unknown_issue_type")
)
