/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  billing package types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  h.decode, which rejects malformed JSON and failed tags with 400 and a
  per-field list. Semantic checks (period ordering, status edges) stay in
  the billing package.

MONEY:
  Decimals marshal as JSON strings ("118", "0.04") so clients never see
  float rounding.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/utility-billing/billing"
)

// =============================================================================
// REFERENCE DATA
// =============================================================================

type PropertyDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type CreatePropertyRequest struct {
	ID      string `json:"id" validate:"omitempty,max=64"`
	Name    string `json:"name" validate:"required,max=200"`
	Address string `json:"address" validate:"max=500"`
}

type TenantDTO struct {
	ID         string `json:"id"`
	PropertyID string `json:"property_id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
}

type CreateTenantRequest struct {
	ID    string `json:"id" validate:"omitempty,max=64"`
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"omitempty,email"`
}

// =============================================================================
// BILLS & PERIODS
// =============================================================================

type BillDTO struct {
	ID                  string           `json:"id"`
	PropertyID          string           `json:"property_id"`
	StartDate           *billing.Date    `json:"start_date"`
	EndDate             *billing.Date    `json:"end_date"`
	KilowattHours       decimal.Decimal  `json:"kilowatt_hours"`
	CostPerKilowattHour *decimal.Decimal `json:"cost_per_kwh"`
	StateSalesTax       decimal.Decimal  `json:"state_sales_tax"`
	GrossReceiptTax     decimal.Decimal  `json:"gross_receipt_tax"`
	Adjustment          decimal.Decimal  `json:"adjustment"`
	DeliveryCharges     decimal.Decimal  `json:"delivery_charges"`
	Incomplete          []string         `json:"incomplete,omitempty"`
}

// CreateBillResponse echoes the normalized bill and what was missing from
// the raw document.
type CreateBillResponse struct {
	Bill     BillDTO  `json:"bill"`
	Warnings []string `json:"warnings,omitempty"`
}

type PeriodDTO struct {
	ID            string          `json:"id"`
	PropertyID    string          `json:"property_id"`
	TenantID      string          `json:"tenant_id"`
	StartDate     billing.Date    `json:"start_date"`
	EndDate       billing.Date    `json:"end_date"`
	KilowattHours decimal.Decimal `json:"kilowatt_hours"`
}

type CreatePeriodRequest struct {
	ID            string `json:"id" validate:"omitempty,max=64"`
	TenantID      string `json:"tenant_id" validate:"required"`
	StartDate     string `json:"start_date" validate:"required"`
	EndDate       string `json:"end_date" validate:"required"`
	KilowattHours string `json:"kilowatt_hours" validate:"required,numeric"`
}

type OverlapReportDTO struct {
	Start           billing.Date             `json:"start"`
	End             billing.Date             `json:"end"`
	Bills           []billing.BillAllocation `json:"bills"`
	ExcludedBillIDs []billing.BillID         `json:"excluded_bill_ids,omitempty"`
}

// =============================================================================
// INVOICES
// =============================================================================

type GenerateInvoiceRequest struct {
	PropertyID       string   `json:"property_id" validate:"required"`
	TenantID         string   `json:"tenant_id" validate:"required"`
	BillingPeriodIDs []string `json:"billing_period_ids" validate:"required,min=1,dive,required"`
	DueDate          string   `json:"due_date"`
	Notes            string   `json:"notes" validate:"max=2000"`
}

type GenerateInvoiceResponse struct {
	InvoiceID     string          `json:"invoice_id"`
	InvoiceNumber string          `json:"invoice_number"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	LowConfidence bool            `json:"low_confidence"`
	Warnings      []string        `json:"warnings,omitempty"`
}

type InvoiceDTO struct {
	ID                         string                    `json:"id"`
	InvoiceNumber              string                    `json:"invoice_number"`
	PropertyID                 string                    `json:"property_id"`
	TenantID                   string                    `json:"tenant_id"`
	BillingPeriodIDs           []billing.BillingPeriodID `json:"billing_period_ids"`
	PeriodStart                billing.Date              `json:"period_start"`
	PeriodEnd                  billing.Date              `json:"period_end"`
	TotalKilowattHours         decimal.Decimal           `json:"total_kwh"`
	TotalPropertyKilowattHours decimal.Decimal           `json:"total_property_kwh"`
	TenantRatio                decimal.Decimal           `json:"tenant_ratio"`
	ElectricRate               decimal.Decimal           `json:"electric_rate"`
	DirectCost                 decimal.Decimal           `json:"direct_cost"`
	AllocatedCosts             billing.SharedCosts       `json:"allocated_costs"`
	TotalAmount                decimal.Decimal           `json:"total_amount"`
	Allocations                []billing.BillAllocation  `json:"utility_bill_allocations"`
	Flags                      billing.AllocationFlags   `json:"flags"`
	CalculationBreakdown       string                    `json:"calculation_breakdown"`
	DueDate                    *billing.Date             `json:"due_date,omitempty"`
	Notes                      string                    `json:"notes,omitempty"`
	Status                     billing.InvoiceStatus     `json:"status"`
	Attachments                []string                  `json:"attachments"`
	Version                    int                       `json:"version"`
	CreatedBy                  string                    `json:"created_by,omitempty"`
	CreatedAt                  string                    `json:"created_at"`
	UpdatedAt                  string                    `json:"updated_at"`
}

type TransitionRequest struct {
	Status string `json:"status" validate:"required,oneof=draft sent paid"`
}

type AttachmentRequest struct {
	URL string `json:"url" validate:"required,url"`
}

type BreakdownDTO struct {
	InvoiceID string `json:"invoice_id"`
	Stored    string `json:"stored"`
	Rendered  string `json:"rendered"`
	Matches   bool   `json:"matches"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type FieldErrorDTO struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error   string          `json:"error"`
	Details string          `json:"details,omitempty"`
	Fields  []FieldErrorDTO `json:"fields,omitempty"`
	// InvoiceID and InvoiceNumber are set when the invoice was stored before
	// the failure, so a client can look it up instead of generating again.
	InvoiceID     string `json:"invoice_id,omitempty"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPropertyDTO(p billing.Property) PropertyDTO {
	dto := PropertyDTO{ID: string(p.ID), Name: p.Name, Address: p.Address}
	if !p.CreatedAt.IsZero() {
		dto.CreatedAt = p.CreatedAt.Format(timeLayout)
	}
	return dto
}

func toTenantDTO(t billing.Tenant) TenantDTO {
	return TenantDTO{ID: string(t.ID), PropertyID: string(t.PropertyID), Name: t.Name, Email: t.Email}
}

func toBillDTO(b billing.UtilityBill) BillDTO {
	return BillDTO{
		ID:                  string(b.ID),
		PropertyID:          string(b.PropertyID),
		StartDate:           b.StartDate,
		EndDate:             b.EndDate,
		KilowattHours:       b.KilowattHours,
		CostPerKilowattHour: b.CostPerKilowattHour,
		StateSalesTax:       b.StateSalesTax,
		GrossReceiptTax:     b.GrossReceiptTax,
		Adjustment:          b.Adjustment,
		DeliveryCharges:     b.DeliveryCharges,
		Incomplete:          b.Incomplete(),
	}
}

func toPeriodDTO(p billing.BillingPeriod) PeriodDTO {
	return PeriodDTO{
		ID:            string(p.ID),
		PropertyID:    string(p.PropertyID),
		TenantID:      string(p.TenantID),
		StartDate:     p.Start,
		EndDate:       p.End,
		KilowattHours: p.KilowattHours,
	}
}

func toInvoiceDTO(inv *billing.Invoice) InvoiceDTO {
	attachments := inv.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return InvoiceDTO{
		ID:                         string(inv.ID),
		InvoiceNumber:              inv.InvoiceNumber,
		PropertyID:                 string(inv.PropertyID),
		TenantID:                   string(inv.TenantID),
		BillingPeriodIDs:           inv.BillingPeriodIDs,
		PeriodStart:                inv.PeriodStart,
		PeriodEnd:                  inv.PeriodEnd,
		TotalKilowattHours:         inv.TotalKilowattHours,
		TotalPropertyKilowattHours: inv.TotalPropertyKilowattHours,
		TenantRatio:                inv.TenantRatio,
		ElectricRate:               inv.ElectricRate,
		DirectCost:                 inv.DirectCost,
		AllocatedCosts:             inv.AllocatedCosts,
		TotalAmount:                inv.TotalAmount,
		Allocations:                inv.UtilityBillAllocations,
		Flags:                      inv.Flags,
		CalculationBreakdown:       inv.CalculationBreakdown,
		DueDate:                    inv.DueDate,
		Notes:                      inv.Notes,
		Status:                     inv.Status,
		Attachments:                attachments,
		Version:                    inv.Version,
		CreatedBy:                  inv.CreatedBy,
		CreatedAt:                  inv.CreatedAt.Format(timeLayout),
		UpdatedAt:                  inv.UpdatedAt.Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// =============================================================================
// VALIDATION
// =============================================================================

// newValidator reports errors under JSON field names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fieldErrors(err error) []FieldErrorDTO {
	var out []FieldErrorDTO
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range verrs {
			out = append(out, FieldErrorDTO{Field: e.Field(), Message: validationMessage(e)})
		}
	}
	return out
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Invalid email format"
	case "url":
		return "Invalid URL format"
	case "numeric":
		return "Must be numeric"
	case "oneof":
		return "Must be one of: " + e.Param()
	case "min":
		return "Must have at least " + e.Param() + " entries"
	case "max":
		return "Must be at most " + e.Param() + " characters"
	default:
		return "Invalid value"
	}
}
