package billing_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/utility-billing/billing"
	"github.com/warp/utility-billing/billing/store"
)

const juneBreakdown = `Billing period: 2025-06-01 to 2025-06-30
Tenant usage: 1000.00 kWh
Property usage: 25000.00 kWh
Tenant share: 4.00%
Average rate: $0.1100/kWh
Direct cost: $110.00
State sales tax: $8.00
Gross receipt tax: $0.00
Adjustment: $0.00
Delivery charges: $0.00
Total: $118.00
Overlapping bills: 2`

func TestTokenNumberer_Format(t *testing.T) {
	at := time.Date(2025, time.July, 2, 9, 30, 0, 0, time.UTC)
	number, err := billing.TokenNumberer{}.Next(context.Background(), at)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^INV-202507-[0-9A-Z]{8}$`), number)
}

func TestSequenceNumberer_CountsPerMonth(t *testing.T) {
	// GIVEN: A memory sequence
	// WHEN: Numbering two July invoices and one August invoice
	// THEN: July counts 1, 2 and August restarts at 1

	ctx := context.Background()
	n := billing.SequenceNumberer{Sequence: store.NewMemory()}

	first, err := n.Next(ctx, time.Date(2025, time.July, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	second, err := n.Next(ctx, time.Date(2025, time.July, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	august, err := n.Next(ctx, time.Date(2025, time.August, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "INV-202507-000001", first)
	assert.Equal(t, "INV-202507-000002", second)
	assert.Equal(t, "INV-202508-000001", august)
}

type failingSequence struct{}

func (failingSequence) Next(context.Context, string) (int64, error) {
	return 0, errors.New("redis unavailable")
}

func TestAssembler_NumberingFailureAborts(t *testing.T) {
	a := billing.NewAssembler(billing.SequenceNumberer{Sequence: failingSequence{}})
	_, err := a.Assemble(context.Background(), billing.AssembleInput{Window: june2025()})
	assert.ErrorContains(t, err, "redis unavailable")
}

func TestAssembler_JuneBreakdown(t *testing.T) {
	// GIVEN: The June allocation
	// WHEN: Assembling
	// THEN: Draft, version 1, breakdown matches the expected text exactly

	report := billing.FindOverlaps(june2025(), []billing.UtilityBill{billA(), billB()})
	alloc := newAllocator().Allocate(d("1000"), report)

	a := billing.NewAssembler(nil)
	inv, err := a.Assemble(context.Background(), billing.AssembleInput{
		PropertyID:       "prop-1",
		TenantID:         "tenant-1",
		BillingPeriodIDs: []billing.BillingPeriodID{"period-jun"},
		Window:           june2025(),
		Allocation:       alloc,
		Actor:            manager,
	})
	require.NoError(t, err)

	assert.Equal(t, billing.StatusDraft, inv.Status)
	assert.Equal(t, 1, inv.Version)
	assert.Equal(t, "user-7", inv.CreatedBy)
	assert.Equal(t, juneBreakdown, inv.CalculationBreakdown)
	assert.Equal(t, inv.CalculationBreakdown, billing.RenderBreakdown(inv))
}

func TestRenderBreakdown_Warnings(t *testing.T) {
	// GIVEN: An allocation that used the fallback rate and skipped an undated bill
	// THEN: Both degradations appear in the text

	a, b := billA(), billB()
	a.CostPerKilowattHour = nil
	b.CostPerKilowattHour = nil
	undated := billing.UtilityBill{ID: "bill-x"}
	report := billing.FindOverlaps(june2025(), []billing.UtilityBill{a, undated, b})
	alloc := newAllocator().Allocate(d("1000"), report)

	inv, err := billing.NewAssembler(nil).Assemble(context.Background(), billing.AssembleInput{
		Window:     june2025(),
		Allocation: alloc,
	})
	require.NoError(t, err)

	assert.Contains(t, inv.CalculationBreakdown, "Average rate: $0.1479/kWh")
	assert.Contains(t, inv.CalculationBreakdown, "fallback rate applied")
	assert.Contains(t, inv.CalculationBreakdown, "1 bill(s) excluded for missing dates")
	assert.NotContains(t, inv.CalculationBreakdown, "left out of the average")
}

func TestRenderBreakdown_MissingUsageWarnings(t *testing.T) {
	// GIVEN: Bill A lost its kWh reading and the tenant outran the rest
	// THEN: The text warns about both

	a := billA()
	a.KilowattHours = d("0")
	a.KilowattHoursMissing = true
	report := billing.FindOverlaps(june2025(), []billing.UtilityBill{a, billB()})
	alloc := newAllocator().Allocate(d("12000"), report)
	require.True(t, alloc.Flags.TenantRatioExceedsOne)

	inv, err := billing.NewAssembler(nil).Assemble(context.Background(), billing.AssembleInput{
		Window:     june2025(),
		Allocation: alloc,
	})
	require.NoError(t, err)

	assert.Contains(t, inv.CalculationBreakdown, "1 overlapping bill(s) had no kWh reading")
	assert.Contains(t, inv.CalculationBreakdown, "shared costs allocated above 100%")
	assert.Contains(t, inv.CalculationBreakdown, "Tenant share: 120.00%")
}

func TestRenderBreakdown_Deterministic(t *testing.T) {
	report := billing.FindOverlaps(june2025(), messyBills())
	alloc := newAllocator().Allocate(d("321.09"), report)
	inv, err := billing.NewAssembler(nil).Assemble(context.Background(), billing.AssembleInput{
		Window:     june2025(),
		Allocation: alloc,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Equal(t, inv.CalculationBreakdown, billing.RenderBreakdown(inv))
	}
}

func TestParseInvoiceStatus(t *testing.T) {
	st, err := billing.ParseInvoiceStatus(" Sent ")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusSent, st)

	_, err = billing.ParseInvoiceStatus("void")
	assert.True(t, billing.IsClientError(err))
}
