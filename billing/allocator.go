/*
allocator.go - Pro-rata cost allocation

PURPOSE:
  Turns an OverlapReport plus the tenant's metered usage into the tenant's
  share of the property's costs.

ALGORITHM:
  1. TotalPropertyKwh = sum(bill.kWh * allocationPercentage)
  2. TenantRatio      = tenantKwh / TotalPropertyKwh   (0 when the total is 0,
                        flagged when above 1)
  3. AverageRate      = sum(rate * overlapDays) / sum(overlapDays) over bills
                        that carry a rate; the configured fallback otherwise
  4. DirectCost       = tenantKwh * AverageRate
  5. AllocatedCosts   = sum(bill.AllocatedAmounts) * TenantRatio, per category
  6. TotalAmount      = DirectCost + sum(AllocatedCosts)

  All arithmetic is decimal. Sums are exact, so the result does not depend
  on bill order. Nothing is rounded here; presentation rounds.

EXAMPLE:
  Period Jun 1-30, tenant usage 1000 kWh
  Bill A Jun 1-15:       15000 kWh @ 0.12, tax 100, pct 1.0
  Bill B Jun 16-Jul 15:  20000 kWh @ 0.10, tax 200, pct 0.5
  -> property 25000 kWh, ratio 0.04, rate 0.11, direct 110.00,
     tax (100 + 100) * 0.04 = 8.00, total 118.00

SEE ALSO:
  - overlap.go: Produces the report consumed here
  - invoice.go: Persists the result
*/
package billing

import (
	"github.com/shopspring/decimal"
)

// AllocatorConfig holds the tunables of the allocation.
type AllocatorConfig struct {
	// FallbackRate is the unit rate used when no overlapping bill has one.
	FallbackRate decimal.Decimal
}

// AllocationFlags is the degradation trail of one allocation. A zero value
// means every input was complete.
type AllocationFlags struct {
	UsedFallbackRate  bool     `json:"used_fallback_rate"`
	ZeroPropertyUsage bool     `json:"zero_property_usage"`
	ExcludedBillCount int      `json:"excluded_bill_count"`
	ExcludedBillIDs   []BillID `json:"excluded_bill_ids,omitempty"`
	BillsMissingRate  int      `json:"bills_missing_rate"`
	// BillsMissingUsage counts overlapping bills whose kWh reading was absent.
	// Their shared costs still enter the pool, so the ratio is overstated.
	BillsMissingUsage     int  `json:"bills_missing_usage"`
	TenantRatioExceedsOne bool `json:"tenant_ratio_exceeds_one"`
}

// LowConfidence reports whether any degradation occurred.
func (f AllocationFlags) LowConfidence() bool {
	return f.UsedFallbackRate || f.ZeroPropertyUsage || f.ExcludedBillCount > 0 || f.BillsMissingRate > 0 ||
		f.BillsMissingUsage > 0 || f.TenantRatioExceedsOne
}

// Reasons lists the active degradations as stable identifiers.
func (f AllocationFlags) Reasons() []string {
	var reasons []string
	if f.UsedFallbackRate {
		reasons = append(reasons, "fallback_rate")
	}
	if f.ZeroPropertyUsage {
		reasons = append(reasons, "zero_property_usage")
	}
	if f.ExcludedBillCount > 0 {
		reasons = append(reasons, "excluded_bills")
	}
	if f.BillsMissingRate > 0 {
		reasons = append(reasons, "missing_rate")
	}
	if f.BillsMissingUsage > 0 {
		reasons = append(reasons, "missing_usage")
	}
	if f.TenantRatioExceedsOne {
		reasons = append(reasons, "tenant_ratio_exceeds_one")
	}
	return reasons
}

// AllocationResult is the tenant's share for one window.
type AllocationResult struct {
	TenantKwh        decimal.Decimal
	TotalPropertyKwh decimal.Decimal
	TenantRatio      decimal.Decimal
	AverageRate      decimal.Decimal
	DirectCost       decimal.Decimal
	AllocatedCosts   SharedCosts
	TotalAmount      decimal.Decimal
	Allocations      []BillAllocation
	// BillShares is each bill's shared costs after the tenant ratio, in the
	// same order as Allocations.
	BillShares []SharedCosts
	Flags      AllocationFlags
}

func (r AllocationResult) LowConfidence() bool { return r.Flags.LowConfidence() }

// Allocator is stateless apart from its configuration and safe for concurrent use.
type Allocator struct {
	config AllocatorConfig
}

func NewAllocator(cfg AllocatorConfig) *Allocator {
	return &Allocator{config: cfg}
}

func (a *Allocator) FallbackRate() decimal.Decimal { return a.config.FallbackRate }

// Allocate never fails: malformed input reduces confidence and is recorded in
// the result's flags.
func (a *Allocator) Allocate(tenantKwh decimal.Decimal, report OverlapReport) AllocationResult {
	res := AllocationResult{
		TenantKwh:   tenantKwh,
		Allocations: report.Allocations,
		Flags: AllocationFlags{
			ExcludedBillCount: report.ExcludedCount(),
			ExcludedBillIDs:   report.ExcludedBillIDs,
		},
	}

	// Step 1: property usage attributable to the window
	totalKwh := decimal.Zero
	sharedPool := SharedCosts{}
	for _, alloc := range report.Allocations {
		totalKwh = totalKwh.Add(alloc.AllocatedKilowattHours)
		sharedPool = sharedPool.Add(alloc.AllocatedAmounts)
		if alloc.KilowattHoursMissing {
			res.Flags.BillsMissingUsage++
		}
	}
	res.TotalPropertyKwh = totalKwh

	// Step 2: tenant ratio. Above one the tenant outran the bills, which means
	// a reading is wrong somewhere; the result is kept and flagged.
	if totalKwh.IsPositive() {
		res.TenantRatio = tenantKwh.Div(totalKwh)
		res.Flags.TenantRatioExceedsOne = res.TenantRatio.GreaterThan(decimal.NewFromInt(1))
	} else {
		res.TenantRatio = decimal.Zero
		res.Flags.ZeroPropertyUsage = true
	}

	// Step 3: days-weighted rate
	weighted := decimal.Zero
	days := 0
	for _, alloc := range report.Allocations {
		if alloc.CostPerKilowattHour == nil {
			res.Flags.BillsMissingRate++
			continue
		}
		weighted = weighted.Add(alloc.CostPerKilowattHour.Mul(decimal.NewFromInt(int64(alloc.OverlapDays))))
		days += alloc.OverlapDays
	}
	if days > 0 {
		res.AverageRate = weighted.Div(decimal.NewFromInt(int64(days)))
	} else {
		res.AverageRate = a.config.FallbackRate
		res.Flags.UsedFallbackRate = true
	}

	// Step 4-6
	res.DirectCost = tenantKwh.Mul(res.AverageRate)
	res.AllocatedCosts = sharedPool.Mul(res.TenantRatio)
	res.TotalAmount = res.DirectCost.Add(res.AllocatedCosts.Total())

	res.BillShares = make([]SharedCosts, len(report.Allocations))
	for i, alloc := range report.Allocations {
		res.BillShares[i] = alloc.AllocatedAmounts.Mul(res.TenantRatio)
	}

	return res
}
