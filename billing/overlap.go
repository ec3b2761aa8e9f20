package billing

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// BILL ALLOCATION - One bill's contribution to a billing window
// =============================================================================

// BillAllocation is the overlap of a single bill with a billing window, with
// the bill's quantities scaled by AllocationPercentage. It is stored on the
// invoice as the calculation trail.
type BillAllocation struct {
	BillID                 BillID           `json:"bill_id"`
	BillStart              Date             `json:"bill_start"`
	BillEnd                Date             `json:"bill_end"`
	OverlapStart           Date             `json:"overlap_start"`
	OverlapEnd             Date             `json:"overlap_end"`
	OverlapDays            int              `json:"overlap_days"`
	TotalDays              int              `json:"total_days"`
	AllocationPercentage   decimal.Decimal  `json:"allocation_percentage"`
	KilowattHours          decimal.Decimal  `json:"kilowatt_hours"`
	KilowattHoursMissing   bool             `json:"kilowatt_hours_missing,omitempty"`
	AllocatedKilowattHours decimal.Decimal  `json:"allocated_kilowatt_hours"`
	CostPerKilowattHour    *decimal.Decimal `json:"cost_per_kwh,omitempty"`
	// AllocatedAmounts is each shared cost times AllocationPercentage, before
	// the tenant ratio is applied.
	AllocatedAmounts SharedCosts `json:"allocated_amounts"`
}

// OverlapReport is the output of FindOverlaps.
type OverlapReport struct {
	Window      Period
	Allocations []BillAllocation
	// ExcludedBillIDs are bills skipped because a date was missing or inverted.
	ExcludedBillIDs []BillID
}

func (r OverlapReport) ExcludedCount() int { return len(r.ExcludedBillIDs) }

// =============================================================================
// FINDER
// =============================================================================

// FindOverlaps resolves every bill against the full window exactly once.
// Bills without usable dates are reported, not dropped silently. Output keeps
// the input order, which callers supply as bill creation order.
func FindOverlaps(window Period, bills []UtilityBill) OverlapReport {
	report := OverlapReport{Window: window}

	for _, bill := range bills {
		if !bill.HasDates() {
			report.ExcludedBillIDs = append(report.ExcludedBillIDs, bill.ID)
			continue
		}

		ov, ok := Overlap(window.Start, window.End, *bill.StartDate, *bill.EndDate)
		if !ok {
			continue
		}

		report.Allocations = append(report.Allocations, BillAllocation{
			BillID:                 bill.ID,
			BillStart:              *bill.StartDate,
			BillEnd:                *bill.EndDate,
			OverlapStart:           ov.OverlapStart,
			OverlapEnd:             ov.OverlapEnd,
			OverlapDays:            ov.OverlapDays,
			TotalDays:              ov.BillTotalDays,
			AllocationPercentage:   ov.OverlapPercentage,
			KilowattHours:          bill.KilowattHours,
			KilowattHoursMissing:   bill.KilowattHoursMissing,
			AllocatedKilowattHours: bill.KilowattHours.Mul(ov.OverlapPercentage),
			CostPerKilowattHour:    bill.CostPerKilowattHour,
			AllocatedAmounts:       bill.SharedCosts().Mul(ov.OverlapPercentage),
		})
	}

	return report
}
