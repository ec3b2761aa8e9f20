package gormstore

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
	s, err := New("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func datePtr(y int, m time.Month, day int) *billing.Date {
	dt := billing.NewDate(y, m, day)
	return &dt
}

func seedJune(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveProperty(ctx, billing.Property{ID: "prop-1", Name: "Maple Court"}))
	require.NoError(t, s.SaveTenant(ctx, billing.Tenant{ID: "tenant-1", PropertyID: "prop-1", Name: "Suite 100"}))
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

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New("oracle", "")
	assert.Error(t, err)
}

func TestBills_CorrectionKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)

	a, err := s.GetBill(ctx, "bill-a")
	require.NoError(t, err)
	a.Adjustment = d("-12.5")
	require.NoError(t, s.SaveBill(ctx, *a))

	bills, err := s.ListBills(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, bills, 2)
	assert.Equal(t, billing.BillID("bill-a"), bills[0].ID)
	assert.True(t, d("-12.5").Equal(bills[0].Adjustment))

	inRange, err := s.ListBillsInRange(ctx, "prop-1", billing.NewDate(2025, time.July, 1), billing.NewDate(2025, time.July, 31))
	require.NoError(t, err)
	require.Len(t, inRange, 1)
	assert.Equal(t, billing.BillID("bill-b"), inRange[0].ID)
}

func TestTenant_RequiresProperty(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveTenant(context.Background(), billing.Tenant{ID: "t", PropertyID: "ghost"})
	assert.ErrorIs(t, err, billing.ErrPropertyNotFound)
}

func TestEngine_OnGorm(t *testing.T) {
	// GIVEN: The June example stored through GORM
	// WHEN: Generating an invoice and sending it
	// THEN: The stored invoice reproduces the calculation exactly

	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)

	engine := billing.NewEngine(s, s, billing.EngineConfig{
		FallbackRate: d("0.1479"),
		Numberer:     billing.SequenceNumberer{Sequence: s},
		Clock:        func() time.Time { return time.Date(2025, time.July, 2, 0, 0, 0, 0, time.UTC) },
	})
	actor := billing.Actor{ID: "user-7", Role: billing.RoleAdmin}

	res, err := engine.GenerateInvoice(ctx, billing.GenerateInvoiceRequest{
		PropertyID: "prop-1", TenantID: "tenant-1",
		BillingPeriodIDs: []billing.BillingPeriodID{"period-jun"},
		DueDate:          datePtr(2025, time.July, 31),
		Actor:            actor,
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-202507-000001", res.InvoiceNumber)

	inv, err := s.GetInvoice(ctx, res.InvoiceID)
	require.NoError(t, err)
	assert.True(t, d("118").Equal(inv.TotalAmount))
	assert.True(t, d("0.11").Equal(inv.ElectricRate))
	require.NotNil(t, inv.DueDate)
	assert.Equal(t, billing.NewDate(2025, time.July, 31), *inv.DueDate)
	require.Len(t, inv.UtilityBillAllocations, 2)
	assert.Equal(t, inv.CalculationBreakdown, billing.RenderBreakdown(inv))

	_, err = engine.TransitionInvoiceStatus(ctx, actor, res.InvoiceID, billing.StatusSent)
	require.NoError(t, err)

	status := billing.StatusSent
	sent, err := s.ListInvoices(ctx, billing.InvoiceFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, 2, sent[0].Version)

	resourceID := string(res.InvoiceID)
	entries, err := s.Query(ctx, billing.AuditFilter{
		ResourceID: &resourceID,
		Actions:    []billing.AuditAction{billing.AuditInvoiceStatusChange},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "draft", entries[0].Metadata["from"])
}

func TestReads_CorruptAmountsAreErrors(t *testing.T) {
	// GIVEN: Stored rows whose decimal text was damaged
	// WHEN: Loading them
	// THEN: Each read fails naming the column; nothing loads as zero

	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)
	engine := billing.NewEngine(s, s, billing.EngineConfig{FallbackRate: d("0.1479")})
	res, err := engine.GenerateInvoice(ctx, billing.GenerateInvoiceRequest{
		PropertyID: "prop-1", TenantID: "tenant-1", BillingPeriodIDs: []billing.BillingPeriodID{"period-jun"},
	})
	require.NoError(t, err)

	require.NoError(t, s.db.WithContext(ctx).Model(&invoiceModel{}).
		Where("id = ?", string(res.InvoiceID)).Update("tenant_ratio", "4%").Error)
	_, err = s.GetInvoice(ctx, res.InvoiceID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant_ratio")

	require.NoError(t, s.db.WithContext(ctx).Model(&billModel{}).
		Where("id = ?", "bill-b").Update("state_sales_tax", "").Error)
	_, err = s.ListBills(ctx, "prop-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state_sales_tax")
}

func TestBills_MissingUsageRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)
	require.NoError(t, s.SaveBill(ctx, billing.UtilityBill{
		ID: "bill-no-usage", PropertyID: "prop-1", KilowattHoursMissing: true, StateSalesTax: d("100"),
	}))

	bill, err := s.GetBill(ctx, "bill-no-usage")
	require.NoError(t, err)
	assert.True(t, bill.KilowattHoursMissing)

	bill.KilowattHours = d("900")
	bill.KilowattHoursMissing = false
	require.NoError(t, s.SaveBill(ctx, *bill))
	bill, err = s.GetBill(ctx, "bill-no-usage")
	require.NoError(t, err)
	assert.False(t, bill.KilowattHoursMissing)
}

func TestInvoices_StaleGuardRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)

	inv := billing.Invoice{
		ID: "inv-1", InvoiceNumber: "INV-202507-AAAA", PropertyID: "prop-1", TenantID: "tenant-1",
		PeriodStart: billing.NewDate(2025, time.June, 1), PeriodEnd: billing.NewDate(2025, time.June, 30),
		Status: billing.StatusDraft, Version: 1,
	}
	require.NoError(t, s.CreateInvoice(ctx, inv))

	dup := inv
	dup.ID = "inv-2"
	assert.ErrorIs(t, s.CreateInvoice(ctx, dup), billing.ErrDuplicateInvoiceNumber)

	guard := billing.StateGuard{Status: billing.StatusDraft, Version: 1}
	next := billing.InvoiceState{Status: billing.StatusSent, Version: 2}
	require.NoError(t, s.UpdateInvoiceState(ctx, "inv-1", guard, next))
	assert.ErrorIs(t, s.UpdateInvoiceState(ctx, "inv-1", guard, next), billing.ErrConcurrentModification)
	assert.ErrorIs(t, s.UpdateInvoiceState(ctx, "inv-9", guard, next), billing.ErrInvoiceNotFound)
}

func TestSequence_Increments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.Next(ctx, "202507")
	require.NoError(t, err)
	second, err := s.Next(ctx, "202507")
	require.NoError(t, err)
	other, err := s.Next(ctx, "202508")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, int64(1), other)
}

func TestReset_ClearsEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedJune(t, s)

	require.NoError(t, s.Reset(ctx))

	props, err := s.ListProperties(ctx)
	require.NoError(t, err)
	assert.Empty(t, props)
	_, err = s.GetBill(ctx, "bill-a")
	assert.ErrorIs(t, err, billing.ErrBillNotFound)
}
