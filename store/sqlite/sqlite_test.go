package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/utility-billing/billing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func datePtr(y int, m time.Month, day int) *billing.Date {
	dt := billing.NewDate(y, m, day)
	return &dt
}

// seedJune stores the June example: bills A and B and a 1000 kWh period.
func seedJune(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveProperty(ctx, billing.Property{ID: "prop-1", Name: "Maple Court"}))
	require.NoError(t, s.SaveTenant(ctx, billing.Tenant{ID: "tenant-1", PropertyID: "prop-1", Name: "Suite 100", Email: "suite100@example.com"}))
	require.NoError(t, s.SaveBill(ctx, billing.UtilityBill{
		ID: "bill-a", PropertyID: "prop-1",
		StartDate: datePtr(2025, time.June, 1), EndDate: datePtr(2025, time.June, 15),
		KilowattHours: d("15000"), CostPerKilowattHour: billing.DecimalPtr(d("0.12")), StateSalesTax: d("100"),
	}))
	require.NoError(t, s.SaveBill(ctx, billing.UtilityBill{
		ID: "bill-b", PropertyID: "prop-1",
		StartDate: datePtr(2025, time.June, 16), EndDate: datePtr(2025, time.July, 15),
		KilowattHours: d("20000"), CostPerKilowattHour: billing.DecimalPtr(d("0.10")), StateSalesTax: d("200"),
	}))
	require.NoError(t, s.SaveBillingPeriod(ctx, billing.BillingPeriod{
		ID: "period-jun", PropertyID: "prop-1", TenantID: "tenant-1",
		Start: billing.NewDate(2025, time.June, 1), End: billing.NewDate(2025, time.June, 30),
		KilowattHours: d("1000"),
	}))
}

func TestMigrations_Applied(t *testing.T) {
	s := newTestStore(t)
	v, err := SchemaVersion(context.Background(), s.DB())
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestBills_RoundTripAndOrder(t *testing.T) {
	// GIVEN: Bills A, B, then an undated bill
	// WHEN: Bill A is corrected after the others were stored
	// THEN: Creation order is kept and optional fields round-trip

	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)
	require.NoError(t, s.SaveBill(ctx, billing.UtilityBill{ID: "bill-c", PropertyID: "prop-1", KilowattHours: d("5")}))

	corrected, err := s.GetBill(ctx, "bill-a")
	require.NoError(t, err)
	corrected.StateSalesTax = d("101.25")
	require.NoError(t, s.SaveBill(ctx, *corrected))

	bills, err := s.ListBills(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, bills, 3)
	assert.Equal(t, billing.BillID("bill-a"), bills[0].ID)
	assert.Equal(t, billing.BillID("bill-b"), bills[1].ID)
	assert.Equal(t, billing.BillID("bill-c"), bills[2].ID)

	assert.True(t, d("101.25").Equal(bills[0].StateSalesTax))
	require.NotNil(t, bills[0].CostPerKilowattHour)
	assert.True(t, d("0.12").Equal(*bills[0].CostPerKilowattHour))
	assert.Nil(t, bills[2].StartDate)
	assert.Nil(t, bills[2].CostPerKilowattHour)
}

func TestBills_MissingUsageRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)
	require.NoError(t, s.SaveBill(ctx, billing.UtilityBill{
		ID: "bill-no-usage", PropertyID: "prop-1",
		StartDate: datePtr(2025, time.June, 1), EndDate: datePtr(2025, time.June, 30),
		KilowattHoursMissing: true, StateSalesTax: d("100"),
	}))

	bill, err := s.GetBill(ctx, "bill-no-usage")
	require.NoError(t, err)
	assert.True(t, bill.KilowattHoursMissing)
	assert.True(t, bill.KilowattHours.IsZero())

	a, err := s.GetBill(ctx, "bill-a")
	require.NoError(t, err)
	assert.False(t, a.KilowattHoursMissing)
}

func TestBills_InRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)

	bills, err := s.ListBillsInRange(ctx, "prop-1", billing.NewDate(2025, time.July, 1), billing.NewDate(2025, time.July, 31))
	require.NoError(t, err)
	require.Len(t, bills, 1)
	assert.Equal(t, billing.BillID("bill-b"), bills[0].ID)
}

func TestBills_UnknownProperty(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveBill(context.Background(), billing.UtilityBill{ID: "x", PropertyID: "nope"})
	assert.ErrorIs(t, err, billing.ErrPropertyNotFound)
}

func TestBillingPeriods_Validation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)

	err := s.SaveBillingPeriod(ctx, billing.BillingPeriod{
		ID: "bad", PropertyID: "prop-1", TenantID: "tenant-1",
		Start: billing.NewDate(2025, time.June, 30), End: billing.NewDate(2025, time.June, 1),
	})
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)

	_, err = s.GetBillingPeriod(ctx, "bad")
	assert.ErrorIs(t, err, billing.ErrBillingPeriodNotFound)

	periods, err := s.ListBillingPeriods(ctx, "prop-1", "tenant-1")
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.True(t, d("1000").Equal(periods[0].KilowattHours))
}

func TestEngine_OnSQLite(t *testing.T) {
	// GIVEN: The June example persisted in SQLite
	// WHEN: Generating, reloading, and walking the lifecycle
	// THEN: Numbers, trail and breakdown survive the round trip exactly

	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)

	engine := billing.NewEngine(s, s, billing.EngineConfig{
		FallbackRate: d("0.1479"),
		Numberer:     billing.SequenceNumberer{Sequence: s},
		Clock:        func() time.Time { return time.Date(2025, time.July, 2, 9, 30, 0, 0, time.UTC) },
	})
	actor := billing.Actor{ID: "user-7", Role: billing.RoleManager}

	res, err := engine.GenerateInvoice(ctx, billing.GenerateInvoiceRequest{
		PropertyID: "prop-1", TenantID: "tenant-1",
		BillingPeriodIDs: []billing.BillingPeriodID{"period-jun"},
		Notes:            "June utilities",
		Actor:            actor,
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-202507-000001", res.InvoiceNumber)

	inv, err := s.GetInvoice(ctx, res.InvoiceID)
	require.NoError(t, err)
	assert.True(t, d("118").Equal(inv.TotalAmount))
	assert.True(t, d("0.04").Equal(inv.TenantRatio))
	assert.Equal(t, "June utilities", inv.Notes)
	assert.Equal(t, []billing.BillingPeriodID{"period-jun"}, inv.BillingPeriodIDs)
	require.Len(t, inv.UtilityBillAllocations, 2)
	assert.Equal(t, billing.BillID("bill-b"), inv.UtilityBillAllocations[1].BillID)
	assert.True(t, d("0.5").Equal(inv.UtilityBillAllocations[1].AllocationPercentage))
	assert.Equal(t, res.Invoice.CalculationBreakdown, inv.CalculationBreakdown)
	assert.Equal(t, inv.CalculationBreakdown, billing.RenderBreakdown(inv))

	_, err = engine.TransitionInvoiceStatus(ctx, actor, res.InvoiceID, billing.StatusSent)
	require.NoError(t, err)
	_, err = engine.AddInvoiceAttachment(ctx, actor, res.InvoiceID, "s3://invoices/meter.jpg")
	require.NoError(t, err)

	inv, err = s.GetInvoice(ctx, res.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusSent, inv.Status)
	assert.Equal(t, 3, inv.Version)
	assert.Equal(t, []string{"s3://invoices/meter.jpg"}, inv.Attachments)

	resourceID := string(res.InvoiceID)
	entries, err := s.Query(ctx, billing.AuditFilter{ResourceID: &resourceID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, billing.AuditInvoiceCreated, entries[0].Action)
	assert.Equal(t, billing.AuditInvoiceStatusChange, entries[1].Action)
	assert.Equal(t, "sent", entries[1].Metadata["to"])
	assert.Equal(t, billing.RoleManager, entries[1].ActorRole)
}

func TestInvoices_CorruptAmountsAreErrors(t *testing.T) {
	// GIVEN: A stored invoice whose total and allocation rows were damaged
	// WHEN: Reading it back
	// THEN: The read fails naming the column instead of loading zero

	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)
	engine := billing.NewEngine(s, s, billing.EngineConfig{FallbackRate: d("0.1479")})
	res, err := engine.GenerateInvoice(ctx, billing.GenerateInvoiceRequest{
		PropertyID: "prop-1", TenantID: "tenant-1", BillingPeriodIDs: []billing.BillingPeriodID{"period-jun"},
	})
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `UPDATE invoices SET total_amount = 'one hundred' WHERE id = ?`, res.InvoiceID)
	require.NoError(t, err)
	_, err = s.GetInvoice(ctx, res.InvoiceID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "total_amount")

	_, err = s.ListInvoices(ctx, billing.InvoiceFilter{})
	assert.Error(t, err)

	_, err = s.DB().ExecContext(ctx, `UPDATE invoices SET total_amount = '118' WHERE id = ?`, res.InvoiceID)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `UPDATE invoice_bill_allocations SET allocated_kwh = '' WHERE invoice_id = ?`, res.InvoiceID)
	require.NoError(t, err)
	_, err = s.GetInvoice(ctx, res.InvoiceID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allocated_kwh")
}

func TestBills_CorruptAmountsAreErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)

	_, err := s.DB().ExecContext(ctx, `UPDATE utility_bills SET cost_per_kwh = 'n/a' WHERE id = 'bill-a'`)
	require.NoError(t, err)

	_, err = s.ListBills(ctx, "prop-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cost_per_kwh")
}

func TestInvoices_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)
	engine := billing.NewEngine(s, s, billing.EngineConfig{FallbackRate: d("0.1479")})

	res, err := engine.GenerateInvoice(ctx, billing.GenerateInvoiceRequest{
		PropertyID: "prop-1", TenantID: "tenant-1", BillingPeriodIDs: []billing.BillingPeriodID{"period-jun"},
	})
	require.NoError(t, err)

	guard := billing.StateGuard{Status: billing.StatusDraft, Version: 1}
	next := billing.InvoiceState{Status: billing.StatusSent, Version: 2, UpdatedAt: time.Now()}

	require.NoError(t, s.UpdateInvoiceState(ctx, res.InvoiceID, guard, next))
	err = s.UpdateInvoiceState(ctx, res.InvoiceID, guard, next)
	assert.ErrorIs(t, err, billing.ErrConcurrentModification)

	err = s.UpdateInvoiceState(ctx, "missing", guard, next)
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
}

func TestInvoices_DuplicateNumberRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)

	inv := billing.Invoice{
		ID: "inv-1", InvoiceNumber: "INV-202507-000001", PropertyID: "prop-1", TenantID: "tenant-1",
		PeriodStart: billing.NewDate(2025, time.June, 1), PeriodEnd: billing.NewDate(2025, time.June, 30),
		Status: billing.StatusDraft, Version: 1,
	}
	require.NoError(t, s.CreateInvoice(ctx, inv))

	inv.ID = "inv-2"
	err := s.CreateInvoice(ctx, inv)
	assert.ErrorIs(t, err, billing.ErrDuplicateInvoiceNumber)
}

func TestSequence_PerScope(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for want := int64(1); want <= 3; want++ {
		got, err := s.Next(ctx, "202507")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := s.Next(ctx, "202508")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)

	require.NoError(t, s.Reset(ctx))

	props, err := s.ListProperties(ctx)
	require.NoError(t, err)
	assert.Empty(t, props)
}
