/*
Package billing provides the pro-rata utility cost allocation engine.

PURPOSE:
  A property receives supplier utility bills whose service windows rarely line
  up with the billing windows of its tenants. This package works out which
  bills overlap a tenant's window, by how many days, and turns that into an
  auditable invoice: a days-weighted unit rate for the tenant's own usage plus
  a usage-proportional share of each bill's shared costs.

KEY CONCEPTS IN THIS FILE (types.go):
  - UtilityBill: Supplier bill as materialized by extraction (read-only here)
  - BillingPeriod: A tenant's metered usage over a closed date range
  - SharedCosts: The four cost categories split pro-rata between tenants
  - Actor: Pre-validated caller identity carried into the audit trail

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, rounding only for presentation
  2. Degrade, don't fail: incomplete bills lower confidence, they never abort
  3. Immutability: invoice financials are computed once and stored
  4. Auditability: every invoice mutation is recorded through AuditSink

USAGE:
  engine := billing.NewEngine(store, billing.EngineConfig{
      FallbackRate: decimal.RequireFromString("0.1479"),
  })
  res, err := engine.GenerateInvoice(ctx, billing.GenerateInvoiceRequest{...})

SEE ALSO:
  - period.go: Overlap resolver
  - overlap.go: Bill overlap finder
  - allocator.go: Cost allocator
  - invoice.go: Invoice assembly, numbering, breakdown text
  - lifecycle.go: draft -> sent -> paid
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PropertyID string
type TenantID string
type BillID string
type BillingPeriodID string
type InvoiceID string

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

// MustParseDecimal panics on malformed input. Use it for literals and fixtures
// only; stored or user-supplied values go through decimal.NewFromString.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DecimalPtr is a convenience for optional fields such as a bill's unit rate.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

// =============================================================================
// PROPERTY / TENANT
// =============================================================================

type Property struct {
	ID        PropertyID
	Name      string
	Address   string
	CreatedAt time.Time
}

type Tenant struct {
	ID         TenantID
	PropertyID PropertyID
	Name       string
	Email      string
	CreatedAt  time.Time
}

// =============================================================================
// UTILITY BILL
// =============================================================================

// UtilityBill is a supplier bill for a whole property. Dates and the unit rate
// are optional because extraction may not find them; numeric amounts that were
// absent are zero by the time a bill reaches the engine. KilowattHoursMissing
// keeps the difference between a metered zero and a missing reading.
type UtilityBill struct {
	ID                   BillID
	PropertyID           PropertyID
	StartDate            *Date
	EndDate              *Date
	KilowattHours        decimal.Decimal
	KilowattHoursMissing bool
	CostPerKilowattHour  *decimal.Decimal
	StateSalesTax       decimal.Decimal
	GrossReceiptTax     decimal.Decimal
	Adjustment          decimal.Decimal
	DeliveryCharges     decimal.Decimal
	CreatedAt           time.Time
}

// HasDates reports whether the bill can be placed on the calendar at all.
// A bill whose end precedes its start is treated as undated.
func (b UtilityBill) HasDates() bool {
	return b.StartDate != nil && b.EndDate != nil && b.StartDate.BeforeOrEqual(*b.EndDate)
}

// Window returns the bill's service period. Only valid when HasDates is true.
func (b UtilityBill) Window() Period {
	return Period{Start: *b.StartDate, End: *b.EndDate}
}

func (b UtilityBill) SharedCosts() SharedCosts {
	return SharedCosts{
		StateSalesTax:   b.StateSalesTax,
		GrossReceiptTax: b.GrossReceiptTax,
		Adjustment:      b.Adjustment,
		DeliveryCharges: b.DeliveryCharges,
	}
}

// Incomplete lists the fields extraction failed to provide.
func (b UtilityBill) Incomplete() []string {
	var missing []string
	if b.StartDate == nil {
		missing = append(missing, "start_date")
	}
	if b.EndDate == nil {
		missing = append(missing, "end_date")
	}
	if b.StartDate != nil && b.EndDate != nil && b.EndDate.Before(*b.StartDate) {
		missing = append(missing, "date_order")
	}
	if b.KilowattHoursMissing {
		missing = append(missing, "kilowatt_hours")
	}
	if b.CostPerKilowattHour == nil {
		missing = append(missing, "cost_per_kwh")
	}
	return missing
}

// =============================================================================
// BILLING PERIOD
// =============================================================================

// BillingPeriod is a tenant's metered usage over [Start, End]. Periods are
// created once and never edited.
type BillingPeriod struct {
	ID            BillingPeriodID
	PropertyID    PropertyID
	TenantID      TenantID
	Start         Date
	End           Date
	KilowattHours decimal.Decimal
	CreatedAt     time.Time
}

func (p BillingPeriod) Window() Period {
	return Period{Start: p.Start, End: p.End}
}

// ValidateBillingPeriod enforces creation-time rules. Stores and the API call
// it; the engine trusts stored periods.
func ValidateBillingPeriod(p BillingPeriod) error {
	if p.PropertyID == "" || p.TenantID == "" {
		return &ValidationError{Field: "billing_period", Message: "property and tenant are required"}
	}
	if !p.Start.Before(p.End) {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, p.Window())
	}
	if p.KilowattHours.IsNegative() {
		return &ValidationError{Field: "kilowatt_hours", Message: "must not be negative"}
	}
	return nil
}

// =============================================================================
// SHARED COSTS
// =============================================================================

// CostCategory names one of the shared cost lines on a supplier bill.
type CostCategory string

const (
	CategoryStateSalesTax   CostCategory = "state_sales_tax"
	CategoryGrossReceiptTax CostCategory = "gross_receipt_tax"
	CategoryAdjustment      CostCategory = "adjustment"
	CategoryDeliveryCharges CostCategory = "delivery_charges"
)

// SharedCostCategories is the fixed presentation order.
var SharedCostCategories = []CostCategory{
	CategoryStateSalesTax,
	CategoryGrossReceiptTax,
	CategoryAdjustment,
	CategoryDeliveryCharges,
}

func (c CostCategory) Label() string {
	switch c {
	case CategoryStateSalesTax:
		return "State sales tax"
	case CategoryGrossReceiptTax:
		return "Gross receipt tax"
	case CategoryAdjustment:
		return "Adjustment"
	case CategoryDeliveryCharges:
		return "Delivery charges"
	default:
		return string(c)
	}
}

type SharedCosts struct {
	StateSalesTax   decimal.Decimal `json:"state_sales_tax"`
	GrossReceiptTax decimal.Decimal `json:"gross_receipt_tax"`
	Adjustment      decimal.Decimal `json:"adjustment"`
	DeliveryCharges decimal.Decimal `json:"delivery_charges"`
}

func (s SharedCosts) Get(c CostCategory) decimal.Decimal {
	switch c {
	case CategoryStateSalesTax:
		return s.StateSalesTax
	case CategoryGrossReceiptTax:
		return s.GrossReceiptTax
	case CategoryAdjustment:
		return s.Adjustment
	case CategoryDeliveryCharges:
		return s.DeliveryCharges
	default:
		return decimal.Zero
	}
}

func (s SharedCosts) Add(o SharedCosts) SharedCosts {
	return SharedCosts{
		StateSalesTax:   s.StateSalesTax.Add(o.StateSalesTax),
		GrossReceiptTax: s.GrossReceiptTax.Add(o.GrossReceiptTax),
		Adjustment:      s.Adjustment.Add(o.Adjustment),
		DeliveryCharges: s.DeliveryCharges.Add(o.DeliveryCharges),
	}
}

func (s SharedCosts) Mul(f decimal.Decimal) SharedCosts {
	return SharedCosts{
		StateSalesTax:   s.StateSalesTax.Mul(f),
		GrossReceiptTax: s.GrossReceiptTax.Mul(f),
		Adjustment:      s.Adjustment.Mul(f),
		DeliveryCharges: s.DeliveryCharges.Mul(f),
	}
}

func (s SharedCosts) Total() decimal.Decimal {
	return s.StateSalesTax.Add(s.GrossReceiptTax).Add(s.Adjustment).Add(s.DeliveryCharges)
}

// =============================================================================
// ACTOR
// =============================================================================

// Role is the caller's role as asserted by the upstream identity layer.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleStaff   Role = "staff"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

var roleRank = map[Role]int{RoleViewer: 1, RoleStaff: 2, RoleManager: 3, RoleAdmin: 4}

// AtLeast reports whether r ranks at or above min. Unknown roles rank lowest.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min] && roleRank[r] > 0
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Actor is the pre-validated identity performing an operation.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used for jobs and demo loaders.
var SystemActor = Actor{ID: "system", Role: RoleAdmin}
