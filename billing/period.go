package billing

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// PERIOD - Closed date range used for both bills and tenant billing windows
// =============================================================================

// Period is an inclusive [Start, End] range of calendar days.
//
// Examples:
//   - Tenant billing window: Jun 1 - Jun 30 (30 days)
//   - Supplier bill: Jun 16 - Jul 15 (30 days, spans two tenant windows)
type Period struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
}

// Contains returns true if the date is within the period [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// Days returns the inclusive day count.
func (p Period) Days() int {
	return InclusiveDays(p.Start, p.End)
}

func (p Period) Valid() bool {
	return p.Start.BeforeOrEqual(p.End)
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// OVERLAP RESOLVER
// =============================================================================

// OverlapResult describes the intersection of a bill window with a billing period.
type OverlapResult struct {
	OverlapStart      Date
	OverlapEnd        Date
	OverlapDays       int
	BillTotalDays     int
	OverlapPercentage decimal.Decimal // OverlapDays / BillTotalDays, in (0, 1]
}

// Overlap intersects a bill window with a billing period. The second return
// value is false when the ranges are disjoint (billEnd < periodStart or
// billStart > periodEnd). Touching on a single day counts as one overlap day.
func Overlap(periodStart, periodEnd, billStart, billEnd Date) (OverlapResult, bool) {
	if billEnd.Before(periodStart) || billStart.After(periodEnd) {
		return OverlapResult{}, false
	}

	start := MaxDate(periodStart, billStart)
	end := MinDate(periodEnd, billEnd)
	overlapDays := InclusiveDays(start, end)
	totalDays := InclusiveDays(billStart, billEnd)

	return OverlapResult{
		OverlapStart:      start,
		OverlapEnd:        end,
		OverlapDays:       overlapDays,
		BillTotalDays:     totalDays,
		OverlapPercentage: decimal.NewFromInt(int64(overlapDays)).Div(decimal.NewFromInt(int64(totalDays))),
	}, true
}
