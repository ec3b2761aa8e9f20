package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/utility-billing/billing"
	"github.com/warp/utility-billing/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(y int, m time.Month, day int) billing.Date { return billing.NewDate(y, m, day) }

func datePtr(y int, m time.Month, day int) *billing.Date {
	dt := billing.NewDate(y, m, day)
	return &dt
}

func june2025() billing.Period {
	return billing.Period{Start: date(2025, time.June, 1), End: date(2025, time.June, 30)}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}

// billA and billB are the two bills of the June example.
func billA() billing.UtilityBill {
	return billing.UtilityBill{
		ID:                  "bill-a",
		PropertyID:          "prop-1",
		StartDate:           datePtr(2025, time.June, 1),
		EndDate:             datePtr(2025, time.June, 15),
		KilowattHours:       d("15000"),
		CostPerKilowattHour: billing.DecimalPtr(d("0.12")),
		StateSalesTax:       d("100"),
	}
}

func billB() billing.UtilityBill {
	return billing.UtilityBill{
		ID:                  "bill-b",
		PropertyID:          "prop-1",
		StartDate:           datePtr(2025, time.June, 16),
		EndDate:             datePtr(2025, time.July, 15),
		KilowattHours:       d("20000"),
		CostPerKilowattHour: billing.DecimalPtr(d("0.10")),
		StateSalesTax:       d("200"),
	}
}

// recordingAudit is an AuditSink double that counts what it receives.
type recordingAudit struct {
	mu      sync.Mutex
	entries []billing.AuditEntry
	err     error
}

func (r *recordingAudit) Append(_ context.Context, e billing.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingAudit) count(action billing.AuditAction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	audit  *recordingAudit
	engine *billing.Engine
}

// newFixture seeds the June example: one property, one tenant with a
// 1000 kWh June period, and bills A and B.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	audit := &recordingAudit{}

	require.NoError(t, mem.SaveProperty(ctx, billing.Property{ID: "prop-1", Name: "Maple Court"}))
	require.NoError(t, mem.SaveTenant(ctx, billing.Tenant{ID: "tenant-1", PropertyID: "prop-1", Name: "Suite 100"}))
	require.NoError(t, mem.SaveBillingPeriod(ctx, billing.BillingPeriod{
		ID:            "period-jun",
		PropertyID:    "prop-1",
		TenantID:      "tenant-1",
		Start:         date(2025, time.June, 1),
		End:           date(2025, time.June, 30),
		KilowattHours: d("1000"),
	}))
	require.NoError(t, mem.SaveBill(ctx, billA()))
	require.NoError(t, mem.SaveBill(ctx, billB()))

	engine := billing.NewEngine(mem, audit, billing.EngineConfig{
		FallbackRate: d("0.1479"),
		Numberer:     billing.SequenceNumberer{Sequence: mem},
		Clock:        func() time.Time { return time.Date(2025, time.July, 2, 9, 30, 0, 0, time.UTC) },
	})
	return &fixture{ctx: ctx, store: mem, audit: audit, engine: engine}
}

var manager = billing.Actor{ID: "user-7", Role: billing.RoleManager}

func (f *fixture) generate(t *testing.T) *billing.GenerateInvoiceResult {
	t.Helper()
	res, err := f.engine.GenerateInvoice(f.ctx, billing.GenerateInvoiceRequest{
		PropertyID:       "prop-1",
		TenantID:         "tenant-1",
		BillingPeriodIDs: []billing.BillingPeriodID{"period-jun"},
		Actor:            manager,
	})
	require.NoError(t, err)
	return res
}
