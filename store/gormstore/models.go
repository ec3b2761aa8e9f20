package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/utility-billing/billing"
)

// Decimals are stored as text and dates as YYYY-MM-DD strings so both
// dialects round-trip them exactly.

type propertyModel struct {
	ID        string    `gorm:"primaryKey;column:id"`
	Name      string    `gorm:"column:name"`
	Address   string    `gorm:"column:address"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (propertyModel) TableName() string { return "properties" }

type tenantModel struct {
	ID         string    `gorm:"primaryKey;column:id"`
	PropertyID string    `gorm:"index;column:property_id"`
	Name       string    `gorm:"column:name"`
	Email      string    `gorm:"column:email"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (tenantModel) TableName() string { return "tenants" }

type billModel struct {
	Seq                  uint      `gorm:"primaryKey;autoIncrement;column:seq"`
	ID                   string    `gorm:"uniqueIndex;column:id"`
	PropertyID           string    `gorm:"index;column:property_id"`
	StartDate            *string   `gorm:"column:start_date"`
	EndDate              *string   `gorm:"column:end_date"`
	KilowattHours        string    `gorm:"column:kilowatt_hours"`
	KilowattHoursMissing bool      `gorm:"column:kilowatt_hours_missing;not null;default:false"`
	CostPerKwh           *string   `gorm:"column:cost_per_kwh"`
	StateSalesTax        string    `gorm:"column:state_sales_tax"`
	GrossReceiptTax      string    `gorm:"column:gross_receipt_tax"`
	Adjustment           string    `gorm:"column:adjustment"`
	DeliveryCharges      string    `gorm:"column:delivery_charges"`
	CreatedAt            time.Time `gorm:"column:created_at"`
}

func (billModel) TableName() string { return "utility_bills" }

type periodModel struct {
	Seq           uint      `gorm:"primaryKey;autoIncrement;column:seq"`
	ID            string    `gorm:"uniqueIndex;column:id"`
	PropertyID    string    `gorm:"index:idx_period_owner;column:property_id"`
	TenantID      string    `gorm:"index:idx_period_owner;column:tenant_id"`
	StartDate     string    `gorm:"column:start_date"`
	EndDate       string    `gorm:"column:end_date"`
	KilowattHours string    `gorm:"column:kilowatt_hours"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (periodModel) TableName() string { return "billing_periods" }

type invoiceModel struct {
	Seq                  uint      `gorm:"primaryKey;autoIncrement;column:seq"`
	ID                   string    `gorm:"uniqueIndex;column:id"`
	InvoiceNumber        string    `gorm:"uniqueIndex;column:invoice_number"`
	PropertyID           string    `gorm:"index:idx_invoice_owner;column:property_id"`
	TenantID             string    `gorm:"index:idx_invoice_owner;column:tenant_id"`
	PeriodIDsJSON        string    `gorm:"column:period_ids_json"`
	PeriodStart          string    `gorm:"column:period_start"`
	PeriodEnd            string    `gorm:"column:period_end"`
	TotalKwh             string    `gorm:"column:total_kwh"`
	TotalPropertyKwh     string    `gorm:"column:total_property_kwh"`
	TenantRatio          string    `gorm:"column:tenant_ratio"`
	ElectricRate         string    `gorm:"column:electric_rate"`
	DirectCost           string    `gorm:"column:direct_cost"`
	StateSalesTax        string    `gorm:"column:state_sales_tax"`
	GrossReceiptTax      string    `gorm:"column:gross_receipt_tax"`
	Adjustment           string    `gorm:"column:adjustment"`
	DeliveryCharges      string    `gorm:"column:delivery_charges"`
	TotalAmount          string    `gorm:"column:total_amount"`
	AllocationsJSON      string    `gorm:"column:allocations_json"`
	FlagsJSON            string    `gorm:"column:flags_json"`
	CalculationBreakdown string    `gorm:"column:calculation_breakdown"`
	DueDate              *string   `gorm:"column:due_date"`
	Notes                string    `gorm:"column:notes"`
	CreatedBy            string    `gorm:"column:created_by"`
	CreatedAt            time.Time `gorm:"column:created_at"`
	Status               string    `gorm:"index;column:status"`
	AttachmentsJSON      string    `gorm:"column:attachments_json"`
	Version              int       `gorm:"column:version"`
	UpdatedAt            time.Time `gorm:"column:updated_at"`
}

func (invoiceModel) TableName() string { return "invoices" }

type auditModel struct {
	Seq          uint      `gorm:"primaryKey;autoIncrement;column:seq"`
	ID           string    `gorm:"uniqueIndex;column:id"`
	Timestamp    time.Time `gorm:"index;column:timestamp"`
	ActorID      string    `gorm:"column:actor_id"`
	ActorRole    string    `gorm:"column:actor_role"`
	Action       string    `gorm:"column:action"`
	ResourceType string    `gorm:"column:resource_type"`
	ResourceID   string    `gorm:"index;column:resource_id"`
	MetadataJSON string    `gorm:"column:metadata_json"`
}

func (auditModel) TableName() string { return "audit_log" }

type sequenceModel struct {
	Scope string `gorm:"primaryKey;column:scope"`
	Value int64  `gorm:"column:value"`
}

func (sequenceModel) TableName() string { return "invoice_sequences" }

// =============================================================================
// CONVERSIONS
// =============================================================================

func datePtrString(d *billing.Date) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// fields decodes the text columns of one model and keeps the first failure.
type fields struct {
	row string
	err error
}

func (f *fields) fail(column, value string, err error) {
	if f.err == nil {
		f.err = fmt.Errorf("%s: bad %s %q: %w", f.row, column, value, err)
	}
}

func (f *fields) decimal(column, value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		f.fail(column, value, err)
	}
	return d
}

func (f *fields) decimalPtr(column string, value *string) *decimal.Decimal {
	if value == nil {
		return nil
	}
	d := f.decimal(column, *value)
	return &d
}

func (f *fields) date(column, value string) billing.Date {
	d, err := billing.ParseDate(value)
	if err != nil {
		f.fail(column, value, err)
	}
	return d
}

func (f *fields) datePtr(column string, value *string) *billing.Date {
	if value == nil {
		return nil
	}
	d := f.date(column, *value)
	return &d
}

func toBillModel(b billing.UtilityBill) billModel {
	return billModel{
		ID:                   string(b.ID),
		PropertyID:           string(b.PropertyID),
		StartDate:            datePtrString(b.StartDate),
		EndDate:              datePtrString(b.EndDate),
		KilowattHours:        b.KilowattHours.String(),
		KilowattHoursMissing: b.KilowattHoursMissing,
		CostPerKwh:           decimalPtrString(b.CostPerKilowattHour),
		StateSalesTax:        b.StateSalesTax.String(),
		GrossReceiptTax:      b.GrossReceiptTax.String(),
		Adjustment:           b.Adjustment.String(),
		DeliveryCharges:      b.DeliveryCharges.String(),
		CreatedAt:            b.CreatedAt,
	}
}

func (m billModel) toDomain() (billing.UtilityBill, error) {
	f := fields{row: "bill " + m.ID}
	b := billing.UtilityBill{
		ID:                   billing.BillID(m.ID),
		PropertyID:           billing.PropertyID(m.PropertyID),
		StartDate:            f.datePtr("start_date", m.StartDate),
		EndDate:              f.datePtr("end_date", m.EndDate),
		KilowattHours:        f.decimal("kilowatt_hours", m.KilowattHours),
		KilowattHoursMissing: m.KilowattHoursMissing,
		CostPerKilowattHour:  f.decimalPtr("cost_per_kwh", m.CostPerKwh),
		StateSalesTax:        f.decimal("state_sales_tax", m.StateSalesTax),
		GrossReceiptTax:      f.decimal("gross_receipt_tax", m.GrossReceiptTax),
		Adjustment:           f.decimal("adjustment", m.Adjustment),
		DeliveryCharges:      f.decimal("delivery_charges", m.DeliveryCharges),
		CreatedAt:            m.CreatedAt,
	}
	return b, f.err
}

func (m periodModel) toDomain() (billing.BillingPeriod, error) {
	f := fields{row: "billing period " + m.ID}
	p := billing.BillingPeriod{
		ID:            billing.BillingPeriodID(m.ID),
		PropertyID:    billing.PropertyID(m.PropertyID),
		TenantID:      billing.TenantID(m.TenantID),
		Start:         f.date("start_date", m.StartDate),
		End:           f.date("end_date", m.EndDate),
		KilowattHours: f.decimal("kilowatt_hours", m.KilowattHours),
		CreatedAt:     m.CreatedAt,
	}
	return p, f.err
}

func toInvoiceModel(inv billing.Invoice) (invoiceModel, error) {
	periodIDs, err := json.Marshal(inv.BillingPeriodIDs)
	if err != nil {
		return invoiceModel{}, err
	}
	allocations, err := json.Marshal(inv.UtilityBillAllocations)
	if err != nil {
		return invoiceModel{}, err
	}
	flags, err := json.Marshal(inv.Flags)
	if err != nil {
		return invoiceModel{}, err
	}
	attachments, err := marshalAttachments(inv.Attachments)
	if err != nil {
		return invoiceModel{}, err
	}
	return invoiceModel{
		ID:                   string(inv.ID),
		InvoiceNumber:        inv.InvoiceNumber,
		PropertyID:           string(inv.PropertyID),
		TenantID:             string(inv.TenantID),
		PeriodIDsJSON:        string(periodIDs),
		PeriodStart:          inv.PeriodStart.String(),
		PeriodEnd:            inv.PeriodEnd.String(),
		TotalKwh:             inv.TotalKilowattHours.String(),
		TotalPropertyKwh:     inv.TotalPropertyKilowattHours.String(),
		TenantRatio:          inv.TenantRatio.String(),
		ElectricRate:         inv.ElectricRate.String(),
		DirectCost:           inv.DirectCost.String(),
		StateSalesTax:        inv.AllocatedCosts.StateSalesTax.String(),
		GrossReceiptTax:      inv.AllocatedCosts.GrossReceiptTax.String(),
		Adjustment:           inv.AllocatedCosts.Adjustment.String(),
		DeliveryCharges:      inv.AllocatedCosts.DeliveryCharges.String(),
		TotalAmount:          inv.TotalAmount.String(),
		AllocationsJSON:      string(allocations),
		FlagsJSON:            string(flags),
		CalculationBreakdown: inv.CalculationBreakdown,
		DueDate:              datePtrString(inv.DueDate),
		Notes:                inv.Notes,
		CreatedBy:            inv.CreatedBy,
		CreatedAt:            inv.CreatedAt,
		Status:               string(inv.Status),
		AttachmentsJSON:      attachments,
		Version:              inv.Version,
		UpdatedAt:            inv.UpdatedAt,
	}, nil
}

func (m invoiceModel) toDomain() (billing.Invoice, error) {
	f := fields{row: "invoice " + m.ID}
	inv := billing.Invoice{
		ID:                         billing.InvoiceID(m.ID),
		InvoiceNumber:              m.InvoiceNumber,
		PropertyID:                 billing.PropertyID(m.PropertyID),
		TenantID:                   billing.TenantID(m.TenantID),
		PeriodStart:                f.date("period_start", m.PeriodStart),
		PeriodEnd:                  f.date("period_end", m.PeriodEnd),
		TotalKilowattHours:         f.decimal("total_kwh", m.TotalKwh),
		TotalPropertyKilowattHours: f.decimal("total_property_kwh", m.TotalPropertyKwh),
		TenantRatio:                f.decimal("tenant_ratio", m.TenantRatio),
		ElectricRate:               f.decimal("electric_rate", m.ElectricRate),
		DirectCost:                 f.decimal("direct_cost", m.DirectCost),
		AllocatedCosts: billing.SharedCosts{
			StateSalesTax:   f.decimal("state_sales_tax", m.StateSalesTax),
			GrossReceiptTax: f.decimal("gross_receipt_tax", m.GrossReceiptTax),
			Adjustment:      f.decimal("adjustment", m.Adjustment),
			DeliveryCharges: f.decimal("delivery_charges", m.DeliveryCharges),
		},
		TotalAmount:          f.decimal("total_amount", m.TotalAmount),
		CalculationBreakdown: m.CalculationBreakdown,
		DueDate:              f.datePtr("due_date", m.DueDate),
		Notes:                m.Notes,
		CreatedBy:            m.CreatedBy,
		CreatedAt:            m.CreatedAt,
		Status:               billing.InvoiceStatus(m.Status),
		Version:              m.Version,
		UpdatedAt:            m.UpdatedAt,
	}
	if f.err != nil {
		return inv, f.err
	}
	if err := json.Unmarshal([]byte(m.PeriodIDsJSON), &inv.BillingPeriodIDs); err != nil {
		return inv, err
	}
	if err := json.Unmarshal([]byte(m.AllocationsJSON), &inv.UtilityBillAllocations); err != nil {
		return inv, err
	}
	if err := json.Unmarshal([]byte(m.FlagsJSON), &inv.Flags); err != nil {
		return inv, err
	}
	if err := json.Unmarshal([]byte(m.AttachmentsJSON), &inv.Attachments); err != nil {
		return inv, err
	}
	if len(inv.Attachments) == 0 {
		inv.Attachments = nil
	}
	return inv, nil
}

func marshalAttachments(a []string) (string, error) {
	if a == nil {
		a = []string{}
	}
	b, err := json.Marshal(a)
	return string(b), err
}
