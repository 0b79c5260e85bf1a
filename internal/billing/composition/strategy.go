// Package composition decides how priced line items are grouped into bills.
package composition

import (
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/rentway/internal/apperror"
	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/smallbiznis/rentway/internal/config"
)

// Draft is a bill that has not been persisted yet. Its key decides whether it
// becomes a new bill or is appended to an existing one.
type Draft struct {
	Key         billingdomain.CompositionKey
	Composition string
	Details     []billingdomain.BillDetail
}

func (d Draft) Amount() decimal.Decimal {
	return billingdomain.SumAmounts(d.Details)
}

type Strategy interface {
	Mode() string
	Compose(contractID snowflake.ID, lines []billingdomain.DetailDraft) ([]Draft, error)
}

func ForMode(mode string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case config.AggregationModeAggregated:
		return Aggregated{}, nil
	case config.AggregationModeItemized:
		return Itemized{}, nil
	default:
		return nil, apperror.Validation(billingdomain.ErrInvalidAggregationMode, "aggregation_mode", "aggregation mode must be AGGREGATED or ITEMIZED")
	}
}

// Aggregated produces one utilities bill per period. Lines are grouped by
// their own period label, never by generation time.
type Aggregated struct{}

func (Aggregated) Mode() string { return config.AggregationModeAggregated }

func (Aggregated) Compose(contractID snowflake.ID, lines []billingdomain.DetailDraft) ([]Draft, error) {
	if len(lines) == 0 {
		return nil, apperror.Validation(billingdomain.ErrEmptyReadingSet, "readings", "aggregated billing needs at least one reading")
	}

	byPeriod := map[string][]billingdomain.BillDetail{}
	for _, line := range lines {
		byPeriod[line.Period] = append(byPeriod[line.Period], line.Detail)
	}

	periods := make([]string, 0, len(byPeriod))
	for period := range byPeriod {
		periods = append(periods, period)
	}
	sort.Strings(periods)

	drafts := make([]Draft, 0, len(periods))
	for _, period := range periods {
		drafts = append(drafts, Draft{
			Key: billingdomain.CompositionKey{
				ContractID: contractID,
				Period:     period,
				Type:       billingdomain.BillTypeUtilities,
				GroupKey:   billingdomain.GroupKeyAggregate,
			},
			Composition: config.AggregationModeAggregated,
			Details:     byPeriod[period],
		})
	}
	return drafts, nil
}

// Itemized produces one bill per reading. An empty input yields no bills.
type Itemized struct{}

func (Itemized) Mode() string { return config.AggregationModeItemized }

func (Itemized) Compose(contractID snowflake.ID, lines []billingdomain.DetailDraft) ([]Draft, error) {
	drafts := make([]Draft, 0, len(lines))
	for _, line := range lines {
		drafts = append(drafts, Draft{
			Key: billingdomain.CompositionKey{
				ContractID: contractID,
				Period:     line.Period,
				Type:       billingdomain.BillTypeUtilities,
				GroupKey:   billingdomain.ItemizedGroupKey(line.Detail.MeterReadingID),
			},
			Composition: config.AggregationModeItemized,
			Details:     []billingdomain.BillDetail{line.Detail},
		})
	}
	return drafts, nil
}
