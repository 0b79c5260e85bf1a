package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type IssueType string

const (
	IssueMissingBillDetails   IssueType = "MISSING_BILL_DETAILS"
	IssueDuplicateBillDetails IssueType = "DUPLICATE_BILL_DETAILS"
	IssueAmountInconsistency  IssueType = "AMOUNT_INCONSISTENCY"
	IssueOrphanedBilledStatus IssueType = "ORPHANED_BILLED_STATUS"
	IssueBalanceInvariant     IssueType = "BALANCE_INVARIANT"
	IssueUnparseableMetadata  IssueType = "UNPARSEABLE_METADATA"
	IssueOverpayment          IssueType = "OVERPAYMENT"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

const (
	EntityBill    = "bill"
	EntityReading = "reading"
)

// Check names as they appear in a report.
const (
	CheckMissingBillDetails   = "MissingBillDetails"
	CheckDuplicateBillDetails = "DuplicateBillDetails"
	CheckAmountInconsistency  = "AmountInconsistency"
	CheckOrphanedBilledStatus = "OrphanedBilledStatus"
	CheckBalanceInvariant     = "BalanceInvariant"
	CheckUnparseableMetadata  = "UnparseableMetadata"
	CheckOverpayment          = "Overpayment"
)

type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Issue is a data quality finding. It is never persisted on its own; the id
// is derived from type and entity so a later check finds the same issue again.
type Issue struct {
	ID           string    `json:"id"`
	Type         IssueType `json:"type"`
	Severity     Severity  `json:"severity"`
	EntityRef    EntityRef `json:"entity_ref"`
	Description  string    `json:"description"`
	SuggestedFix string    `json:"suggested_fix"`
}

func NewIssue(issueType IssueType, severity Severity, ref EntityRef, description, fix string) Issue {
	return Issue{
		ID:           IssueID(issueType, ref),
		Type:         issueType,
		Severity:     severity,
		EntityRef:    ref,
		Description:  description,
		SuggestedFix: fix,
	}
}

func IssueID(issueType IssueType, ref EntityRef) string {
	return fmt.Sprintf("%s:%s:%s", issueType, ref.Kind, ref.ID)
}

type CheckResult struct {
	Name       string    `json:"name"`
	Passed     bool      `json:"passed"`
	Issues     []Issue   `json:"issues"`
	ExecutedAt time.Time `json:"executed_at"`
}

type Summary struct {
	TotalChecks  int              `json:"total_checks"`
	PassedChecks int              `json:"passed_checks"`
	FailedChecks int              `json:"failed_checks"`
	TotalIssues  int              `json:"total_issues"`
	BySeverity   map[Severity]int `json:"by_severity"`
	Message      string           `json:"message"`
}

type Report struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []CheckResult `json:"checks"`
	Summary   Summary       `json:"summary"`
}

// NewReport aggregates check results into a report with its summary.
func NewReport(id string, at time.Time, checks []CheckResult) *Report {
	summary := Summary{
		TotalChecks: len(checks),
		BySeverity: map[Severity]int{
			SeverityLow:      0,
			SeverityMedium:   0,
			SeverityHigh:     0,
			SeverityCritical: 0,
		},
	}
	for _, c := range checks {
		if c.Passed {
			summary.PassedChecks++
		} else {
			summary.FailedChecks++
		}
		for _, issue := range c.Issues {
			summary.TotalIssues++
			summary.BySeverity[issue.Severity]++
		}
	}
	summary.Message = summaryMessage(summary)
	return &Report{ID: id, Timestamp: at, Checks: checks, Summary: summary}
}

func summaryMessage(s Summary) string {
	if s.TotalIssues == 0 {
		return fmt.Sprintf("all %d checks passed", s.TotalChecks)
	}
	var parts []string
	for _, sev := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow} {
		if n := s.BySeverity[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(string(sev))))
		}
	}
	return fmt.Sprintf("%d of %d checks failed with %d issues (%s)",
		s.FailedChecks, s.TotalChecks, s.TotalIssues, strings.Join(parts, ", "))
}

// Issues flattens the report in check order.
func (r *Report) Issues() []Issue {
	var out []Issue
	for _, c := range r.Checks {
		out = append(out, c.Issues...)
	}
	return out
}

// Counts returns issue counts keyed by (type, severity).
func (r *Report) Counts() map[[2]string]int {
	counts := map[[2]string]int{}
	for _, issue := range r.Issues() {
		counts[[2]string{string(issue.Type), string(issue.Severity)}]++
	}
	return counts
}

func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].ID < issues[j].ID })
}

type RepairStatus string

const (
	RepairStatusRepaired RepairStatus = "REPAIRED"
	RepairStatusSkipped  RepairStatus = "SKIPPED"
	RepairStatusFailed   RepairStatus = "FAILED"
)

type RepairOptions struct {
	DryRun bool `json:"dry_run"`
	// Actor is recorded on the audit rows of applied repairs.
	Actor string `json:"-"`
}

type RepairOutcome struct {
	IssueID string       `json:"issue_id"`
	Type    IssueType    `json:"type"`
	Status  RepairStatus `json:"status"`
	Reason  string       `json:"reason,omitempty"`
}

type RepairError struct {
	IssueID string `json:"issue_id"`
	Message string `json:"message"`
}

type RepairResult struct {
	RunID          string          `json:"run_id"`
	DryRun         bool            `json:"dry_run"`
	RepairedIssues int             `json:"repaired_issues"`
	SkippedIssues  int             `json:"skipped_issues"`
	FailedIssues   int             `json:"failed_issues"`
	Outcomes       []RepairOutcome `json:"outcomes"`
	Errors         []RepairError   `json:"errors"`
	FollowUps      []Issue         `json:"follow_ups"`
	Message        string          `json:"message"`
}

func (r *RepairResult) Add(outcome RepairOutcome) {
	r.Outcomes = append(r.Outcomes, outcome)
	switch outcome.Status {
	case RepairStatusRepaired:
		r.RepairedIssues++
	case RepairStatusSkipped:
		r.SkippedIssues++
	case RepairStatusFailed:
		r.FailedIssues++
		r.Errors = append(r.Errors, RepairError{IssueID: outcome.IssueID, Message: outcome.Reason})
	}
}

func (r *RepairResult) Summarize() {
	verb := "repaired"
	if r.DryRun {
		verb = "would repair"
	}
	r.Message = fmt.Sprintf("%s %d, skipped %d, failed %d", verb, r.RepairedIssues, r.SkippedIssues, r.FailedIssues)
	if len(r.FollowUps) > 0 {
		r.Message += fmt.Sprintf(", %d follow-up issues", len(r.FollowUps))
	}
}
