/*
invoice.go - Invoice model, numbering, and calculation breakdown

PURPOSE:
  Packages an AllocationResult into an immutable invoice record. The
  financial fields and the breakdown text are fixed at creation: there is
  no recompute path, and a later change to bill data does not move an
  issued invoice.

NUMBERING:
  INV-{yyyy}{mm}-{token}
  - TokenNumberer:    time-based base-36 token, unique in practice
  - SequenceNumberer: per-month counter from a Sequence, guaranteed unique

BREAKDOWN:
  RenderBreakdown reads only stored fields, so the text on an invoice can
  always be regenerated byte-for-byte from the persisted numbers.

SEE ALSO:
  - allocator.go: Produces the numbers
  - lifecycle.go: The only code allowed to touch an invoice after creation
*/
package billing

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	StatusDraft InvoiceStatus = "draft"
	StatusSent  InvoiceStatus = "sent"
	StatusPaid  InvoiceStatus = "paid"
)

func (s InvoiceStatus) Valid() bool {
	return s == StatusDraft || s == StatusSent || s == StatusPaid
}

func ParseInvoiceStatus(s string) (InvoiceStatus, error) {
	st := InvoiceStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

type Invoice struct {
	ID               InvoiceID
	InvoiceNumber    string
	PropertyID       PropertyID
	TenantID         TenantID
	BillingPeriodIDs []BillingPeriodID
	PeriodStart      Date
	PeriodEnd        Date

	// Financials, immutable after creation
	TotalKilowattHours         decimal.Decimal
	TotalPropertyKilowattHours decimal.Decimal
	TenantRatio                decimal.Decimal
	ElectricRate               decimal.Decimal
	DirectCost                 decimal.Decimal
	AllocatedCosts             SharedCosts
	TotalAmount                decimal.Decimal
	UtilityBillAllocations     []BillAllocation
	Flags                      AllocationFlags
	CalculationBreakdown       string

	DueDate   *Date
	Notes     string
	CreatedBy string
	CreatedAt time.Time

	// Mutable through Lifecycle only
	Status      InvoiceStatus
	Attachments []string
	Version     int
	UpdatedAt   time.Time
}

func (inv *Invoice) Window() Period {
	return Period{Start: inv.PeriodStart, End: inv.PeriodEnd}
}

func (inv *Invoice) State() InvoiceState {
	return InvoiceState{
		Status:      inv.Status,
		Attachments: append([]string(nil), inv.Attachments...),
		Version:     inv.Version,
		UpdatedAt:   inv.UpdatedAt,
	}
}

func (inv *Invoice) Guard() StateGuard {
	return StateGuard{Status: inv.Status, Version: inv.Version}
}

// =============================================================================
// NUMBERING
// =============================================================================

// InvoiceNumberer produces human-facing invoice numbers.
type InvoiceNumberer interface {
	Next(ctx context.Context, at time.Time) (string, error)
}

func numberPrefix(at time.Time) string {
	return fmt.Sprintf("INV-%04d%02d", at.Year(), int(at.Month()))
}

// TokenNumberer derives the token from the clock plus two random base-36
// characters. Collisions need two invoices in the same millisecond drawing
// the same suffix.
type TokenNumberer struct{}

func (TokenNumberer) Next(_ context.Context, at time.Time) (string, error) {
	ms := strconv.FormatInt(at.UnixMilli(), 36)
	if len(ms) > 6 {
		ms = ms[len(ms)-6:]
	}
	id := uuid.New()
	suffix := strconv.FormatUint(uint64(binary.BigEndian.Uint32(id[:4])%1296), 36)
	if len(suffix) < 2 {
		suffix = "0" + suffix
	}
	return numberPrefix(at) + "-" + strings.ToUpper(ms+suffix), nil
}

// SequenceNumberer uses a per-month counter, e.g. INV-202506-000042.
type SequenceNumberer struct {
	Sequence Sequence
}

func (n SequenceNumberer) Next(ctx context.Context, at time.Time) (string, error) {
	scope := fmt.Sprintf("%04d%02d", at.Year(), int(at.Month()))
	seq, err := n.Sequence.Next(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("next invoice sequence: %w", err)
	}
	return fmt.Sprintf("%s-%06d", numberPrefix(at), seq), nil
}

// =============================================================================
// BREAKDOWN
// =============================================================================

func money(d decimal.Decimal) string { return "$" + d.StringFixed(2) }

// RenderBreakdown produces the human-readable calculation trail.
func RenderBreakdown(inv *Invoice) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Billing period: %s to %s\n", inv.PeriodStart, inv.PeriodEnd)
	fmt.Fprintf(&b, "Tenant usage: %s kWh\n", inv.TotalKilowattHours.StringFixed(2))
	fmt.Fprintf(&b, "Property usage: %s kWh\n", inv.TotalPropertyKilowattHours.StringFixed(2))
	fmt.Fprintf(&b, "Tenant share: %s%%\n", inv.TenantRatio.Mul(decimal.NewFromInt(100)).StringFixed(2))
	fmt.Fprintf(&b, "Average rate: $%s/kWh\n", inv.ElectricRate.StringFixed(4))
	fmt.Fprintf(&b, "Direct cost: %s\n", money(inv.DirectCost))
	for _, c := range SharedCostCategories {
		fmt.Fprintf(&b, "%s: %s\n", c.Label(), money(inv.AllocatedCosts.Get(c)))
	}
	fmt.Fprintf(&b, "Total: %s\n", money(inv.TotalAmount))
	fmt.Fprintf(&b, "Overlapping bills: %d\n", len(inv.UtilityBillAllocations))

	if inv.Flags.UsedFallbackRate {
		fmt.Fprintf(&b, "Warning: no overlapping bill had a rate; fallback rate applied\n")
	}
	if inv.Flags.BillsMissingRate > 0 && !inv.Flags.UsedFallbackRate {
		fmt.Fprintf(&b, "Warning: %d overlapping bill(s) had no rate and were left out of the average\n", inv.Flags.BillsMissingRate)
	}
	if inv.Flags.ZeroPropertyUsage {
		fmt.Fprintf(&b, "Warning: property usage is zero; shared costs not allocated\n")
	}
	if inv.Flags.ExcludedBillCount > 0 {
		fmt.Fprintf(&b, "Warning: %d bill(s) excluded for missing dates\n", inv.Flags.ExcludedBillCount)
	}
	if inv.Flags.BillsMissingUsage > 0 {
		fmt.Fprintf(&b, "Warning: %d overlapping bill(s) had no kWh reading; property usage is understated\n", inv.Flags.BillsMissingUsage)
	}
	if inv.Flags.TenantRatioExceedsOne {
		fmt.Fprintf(&b, "Warning: tenant usage exceeds property usage; shared costs allocated above 100%%\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// =============================================================================
// ASSEMBLER
// =============================================================================

type AssembleInput struct {
	PropertyID       PropertyID
	TenantID         TenantID
	BillingPeriodIDs []BillingPeriodID
	Window           Period
	Allocation       AllocationResult
	DueDate          *Date
	Notes            string
	Actor            Actor
}

type Assembler struct {
	Numberer InvoiceNumberer
	Clock    func() time.Time
	NewID    func() InvoiceID
}

func NewAssembler(numberer InvoiceNumberer) *Assembler {
	if numberer == nil {
		numberer = TokenNumberer{}
	}
	return &Assembler{
		Numberer: numberer,
		Clock:    func() time.Time { return time.Now().UTC() },
		NewID:    func() InvoiceID { return InvoiceID(uuid.NewString()) },
	}
}

// Assemble builds a draft invoice. It does not persist anything.
func (a *Assembler) Assemble(ctx context.Context, in AssembleInput) (*Invoice, error) {
	now := a.Clock()
	number, err := a.Numberer.Next(ctx, now)
	if err != nil {
		return nil, err
	}

	alloc := in.Allocation
	inv := &Invoice{
		ID:                         a.NewID(),
		InvoiceNumber:              number,
		PropertyID:                 in.PropertyID,
		TenantID:                   in.TenantID,
		BillingPeriodIDs:           append([]BillingPeriodID(nil), in.BillingPeriodIDs...),
		PeriodStart:                in.Window.Start,
		PeriodEnd:                  in.Window.End,
		TotalKilowattHours:         alloc.TenantKwh,
		TotalPropertyKilowattHours: alloc.TotalPropertyKwh,
		TenantRatio:                alloc.TenantRatio,
		ElectricRate:               alloc.AverageRate,
		DirectCost:                 alloc.DirectCost,
		AllocatedCosts:             alloc.AllocatedCosts,
		TotalAmount:                alloc.TotalAmount,
		UtilityBillAllocations:     append([]BillAllocation(nil), alloc.Allocations...),
		Flags:                      alloc.Flags,
		DueDate:                    in.DueDate,
		Notes:                      in.Notes,
		CreatedBy:                  in.Actor.ID,
		CreatedAt:                  now,
		Status:                     StatusDraft,
		Version:                    1,
		UpdatedAt:                  now,
	}
	inv.CalculationBreakdown = RenderBreakdown(inv)
	return inv, nil
}
