/*
Package factory provides JSON to Go conversion for extracted bill documents.

PURPOSE:
  Utility bills arrive from an extraction step that is not type-safe: a
  number may be a JSON number, a string with a currency symbol, an empty
  string, or missing entirely. The factory is the single boundary where
  those shapes are normalized into a billing.UtilityBill, so the engine
  only ever sees decimals and optional dates.

JSON SCHEMA:
  {
    "id": "bill-2025-06",
    "property_id": "prop-1",
    "start_date": "2025-06-01",
    "end_date": "2025-06-15",
    "kilowatt_hours": "15,000",
    "cost_per_kwh": 0.12,
    "state_sales_tax": "$100.00",
    "gross_receipt_tax": null,
    "adjustment": "(4.50)",
    "delivery_charges": ""
  }

NORMALIZATION RULES:
  - Amounts: numbers, numeric strings, "$1,234.50", "(4.50)" as negative
  - Missing/null/"" amounts become zero, except cost_per_kwh which stays absent
  - Dates: "YYYY-MM-DD" or RFC3339; unparseable dates become absent and the
    engine excludes the bill, rather than the ingest failing
  - Garbage in an amount field is an error: it is not a missing value

USAGE:
  f := factory.NewBillFactory()
  bill, warnings, err := f.ParseBill(jsonBytes)

SEE ALSO:
  - billing/types.go: UtilityBill definition
  - api/handlers.go: Bill ingestion endpoint
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/utility-billing/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// Number is a JSON value that should hold a decimal but may be a string,
// null, or absent.
type Number struct {
	Value decimal.Decimal
	Set   bool
}

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = Number{}
		return nil
	}

	raw := string(b)
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = s
	}

	v, ok, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*n = Number{Value: v, Set: ok}
	return nil
}

// BillDocument is the raw extracted bill.
type BillDocument struct {
	ID              string `json:"id,omitempty"`
	PropertyID      string `json:"property_id"`
	StartDate       string `json:"start_date,omitempty"`
	EndDate         string `json:"end_date,omitempty"`
	KilowattHours   Number `json:"kilowatt_hours"`
	CostPerKwh      Number `json:"cost_per_kwh"`
	StateSalesTax   Number `json:"state_sales_tax"`
	GrossReceiptTax Number `json:"gross_receipt_tax"`
	Adjustment      Number `json:"adjustment"`
	DeliveryCharges Number `json:"delivery_charges"`
}

// =============================================================================
// BILL FACTORY
// =============================================================================

// BillFactory converts raw bill documents to billing.UtilityBill.
type BillFactory struct {
	Clock func() time.Time
	NewID func() billing.BillID
}

// NewBillFactory creates a new bill factory.
func NewBillFactory() *BillFactory {
	return &BillFactory{
		Clock: func() time.Time { return time.Now().UTC() },
		NewID: func() billing.BillID { return billing.BillID(uuid.NewString()) },
	}
}

// ParseBill decodes and normalizes a JSON bill document.
func (f *BillFactory) ParseBill(data []byte) (billing.UtilityBill, []string, error) {
	var doc BillDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return billing.UtilityBill{}, nil, fmt.Errorf("invalid bill JSON: %w", err)
	}
	return f.NormalizeBill(doc)
}

// NormalizeBill applies the normalization rules. The returned warnings name
// fields that were absent or unusable; they never block ingestion. Negative
// usage or rates are rejected: an adjustment may be a credit, a meter reading
// may not.
func (f *BillFactory) NormalizeBill(doc BillDocument) (billing.UtilityBill, []string, error) {
	if strings.TrimSpace(doc.PropertyID) == "" {
		return billing.UtilityBill{}, nil, &billing.ValidationError{Field: "property_id", Message: "required"}
	}
	if doc.KilowattHours.Value.IsNegative() {
		return billing.UtilityBill{}, nil, &billing.ValidationError{Field: "kilowatt_hours", Message: "must not be negative"}
	}
	if doc.CostPerKwh.Value.IsNegative() {
		return billing.UtilityBill{}, nil, &billing.ValidationError{Field: "cost_per_kwh", Message: "must not be negative"}
	}

	var warnings []string
	bill := billing.UtilityBill{
		ID:              billing.BillID(doc.ID),
		PropertyID:      billing.PropertyID(doc.PropertyID),
		KilowattHours:   doc.KilowattHours.Value,
		StateSalesTax:   doc.StateSalesTax.Value,
		GrossReceiptTax: doc.GrossReceiptTax.Value,
		Adjustment:      doc.Adjustment.Value,
		DeliveryCharges: doc.DeliveryCharges.Value,
		CreatedAt:       f.Clock(),
	}
	if bill.ID == "" {
		bill.ID = f.NewID()
	}
	if doc.CostPerKwh.Set {
		bill.CostPerKilowattHour = billing.DecimalPtr(doc.CostPerKwh.Value)
	} else {
		warnings = append(warnings, "cost_per_kwh missing")
	}
	if !doc.KilowattHours.Set {
		bill.KilowattHoursMissing = true
		warnings = append(warnings, "kilowatt_hours missing")
	}

	bill.StartDate, warnings = optionalDate("start_date", doc.StartDate, warnings)
	bill.EndDate, warnings = optionalDate("end_date", doc.EndDate, warnings)
	if bill.StartDate != nil && bill.EndDate != nil && bill.EndDate.Before(*bill.StartDate) {
		warnings = append(warnings, "end_date before start_date")
	}

	return bill, warnings, nil
}

func optionalDate(field, raw string, warnings []string) (*billing.Date, []string) {
	if strings.TrimSpace(raw) == "" {
		return nil, append(warnings, field+" missing")
	}
	d, err := billing.ParseDate(raw)
	if err != nil {
		return nil, append(warnings, field+" unparseable")
	}
	return &d, warnings
}

// =============================================================================
// AMOUNT PARSING
// =============================================================================

// ParseAmount accepts the shapes extraction produces. ok is false for empty
// input.
func ParseAmount(raw string) (v decimal.Decimal, ok bool, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false, nil
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "", "USD", "").Replace(s)
	if s == "" {
		return decimal.Zero, false, nil
	}

	v, err = decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid amount %q", raw)
	}
	if negative {
		v = v.Neg()
	}
	return v, true, nil
}
