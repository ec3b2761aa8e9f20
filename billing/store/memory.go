// Package store provides in-process Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/utility-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements billing.Store, billing.AuditLog and billing.Sequence.
// Reads return copies so callers cannot mutate stored records.
type Memory struct {
	mu          sync.RWMutex
	properties  map[billing.PropertyID]billing.Property
	propOrder   []billing.PropertyID
	tenants     map[billing.TenantID]billing.Tenant
	bills       map[billing.BillID]billing.UtilityBill
	billOrder   map[billing.PropertyID][]billing.BillID
	periods     map[billing.BillingPeriodID]billing.BillingPeriod
	periodOrder []billing.BillingPeriodID
	invoices    map[billing.InvoiceID]billing.Invoice
	invOrder    []billing.InvoiceID
	numbers     map[string]billing.InvoiceID
	audit       []billing.AuditEntry
	sequences   map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		properties: make(map[billing.PropertyID]billing.Property),
		tenants:    make(map[billing.TenantID]billing.Tenant),
		bills:      make(map[billing.BillID]billing.UtilityBill),
		billOrder:  make(map[billing.PropertyID][]billing.BillID),
		periods:    make(map[billing.BillingPeriodID]billing.BillingPeriod),
		invoices:   make(map[billing.InvoiceID]billing.Invoice),
		numbers:    make(map[string]billing.InvoiceID),
		sequences:  make(map[string]int64),
	}
}

// =============================================================================
// PROPERTIES & TENANTS
// =============================================================================

func (m *Memory) SaveProperty(_ context.Context, p billing.Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.properties[p.ID]; !ok {
		m.propOrder = append(m.propOrder, p.ID)
	}
	m.properties[p.ID] = p
	return nil
}

func (m *Memory) GetProperty(_ context.Context, id billing.PropertyID) (*billing.Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.properties[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrPropertyNotFound, id)
	}
	return &p, nil
}

func (m *Memory) ListProperties(_ context.Context) ([]billing.Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]billing.Property, 0, len(m.propOrder))
	for _, id := range m.propOrder {
		result = append(result, m.properties[id])
	}
	return result, nil
}

func (m *Memory) SaveTenant(_ context.Context, t billing.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.properties[t.PropertyID]; !ok {
		return fmt.Errorf("%w: %s", billing.ErrPropertyNotFound, t.PropertyID)
	}
	m.tenants[t.ID] = t
	return nil
}

func (m *Memory) GetTenant(_ context.Context, id billing.TenantID) (*billing.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrTenantNotFound, id)
	}
	return &t, nil
}

func (m *Memory) ListTenants(_ context.Context, propertyID billing.PropertyID) ([]billing.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []billing.Tenant
	for _, t := range m.tenants {
		if t.PropertyID == propertyID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// =============================================================================
// BILLS
// =============================================================================

func (m *Memory) SaveBill(_ context.Context, b billing.UtilityBill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.properties[b.PropertyID]; !ok {
		return fmt.Errorf("%w: %s", billing.ErrPropertyNotFound, b.PropertyID)
	}
	if _, ok := m.bills[b.ID]; !ok {
		m.billOrder[b.PropertyID] = append(m.billOrder[b.PropertyID], b.ID)
	}
	m.bills[b.ID] = b
	return nil
}

func (m *Memory) GetBill(_ context.Context, id billing.BillID) (*billing.UtilityBill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bills[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrBillNotFound, id)
	}
	return &b, nil
}

func (m *Memory) ListBills(_ context.Context, propertyID billing.PropertyID) ([]billing.UtilityBill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.billOrder[propertyID]
	result := make([]billing.UtilityBill, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.bills[id])
	}
	return result, nil
}

func (m *Memory) ListBillsInRange(ctx context.Context, propertyID billing.PropertyID, from, to billing.Date) ([]billing.UtilityBill, error) {
	all, err := m.ListBills(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	var result []billing.UtilityBill
	for _, b := range all {
		if b.HasDates() && !b.EndDate.Before(from) && !b.StartDate.After(to) {
			result = append(result, b)
		}
	}
	return result, nil
}

// =============================================================================
// BILLING PERIODS
// =============================================================================

func (m *Memory) SaveBillingPeriod(_ context.Context, p billing.BillingPeriod) error {
	if err := billing.ValidateBillingPeriod(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.periods[p.ID]; ok {
		return fmt.Errorf("billing period %s already exists", p.ID)
	}
	m.periods[p.ID] = p
	m.periodOrder = append(m.periodOrder, p.ID)
	return nil
}

func (m *Memory) GetBillingPeriod(_ context.Context, id billing.BillingPeriodID) (*billing.BillingPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.periods[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrBillingPeriodNotFound, id)
	}
	return &p, nil
}

func (m *Memory) ListBillingPeriods(_ context.Context, propertyID billing.PropertyID, tenantID billing.TenantID) ([]billing.BillingPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []billing.BillingPeriod
	for _, id := range m.periodOrder {
		p := m.periods[id]
		if p.PropertyID != propertyID {
			continue
		}
		if tenantID != "" && p.TenantID != tenantID {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (m *Memory) CreateInvoice(_ context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[inv.ID]; ok {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	if _, ok := m.numbers[inv.InvoiceNumber]; ok {
		return fmt.Errorf("%w: %s", billing.ErrDuplicateInvoiceNumber, inv.InvoiceNumber)
	}
	m.invoices[inv.ID] = copyInvoice(inv)
	m.invOrder = append(m.invOrder, inv.ID)
	m.numbers[inv.InvoiceNumber] = inv.ID
	return nil
}

func (m *Memory) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrInvoiceNotFound, id)
	}
	out := copyInvoice(inv)
	return &out, nil
}

func (m *Memory) ListInvoices(_ context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []billing.Invoice
	for _, id := range m.invOrder {
		inv := m.invoices[id]
		if f.PropertyID != nil && inv.PropertyID != *f.PropertyID {
			continue
		}
		if f.TenantID != nil && inv.TenantID != *f.TenantID {
			continue
		}
		if f.Status != nil && inv.Status != *f.Status {
			continue
		}
		result = append(result, copyInvoice(inv))
	}
	return result, nil
}

func (m *Memory) UpdateInvoiceState(_ context.Context, id billing.InvoiceID, guard billing.StateGuard, next billing.InvoiceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return fmt.Errorf("%w: %s", billing.ErrInvoiceNotFound, id)
	}
	if inv.Status != guard.Status || inv.Version != guard.Version {
		return fmt.Errorf("%w: invoice %s is %s v%d, expected %s v%d",
			billing.ErrConcurrentModification, id, inv.Status, inv.Version, guard.Status, guard.Version)
	}
	inv.Status = next.Status
	inv.Attachments = append([]string(nil), next.Attachments...)
	inv.Version = next.Version
	inv.UpdatedAt = next.UpdatedAt
	m.invoices[id] = inv
	return nil
}

func copyInvoice(inv billing.Invoice) billing.Invoice {
	inv.BillingPeriodIDs = append([]billing.BillingPeriodID(nil), inv.BillingPeriodIDs...)
	inv.UtilityBillAllocations = append([]billing.BillAllocation(nil), inv.UtilityBillAllocations...)
	inv.Attachments = append([]string(nil), inv.Attachments...)
	inv.Flags.ExcludedBillIDs = append([]billing.BillID(nil), inv.Flags.ExcludedBillIDs...)
	return inv
}

// =============================================================================
// AUDIT LOG & SEQUENCE
// =============================================================================

func (m *Memory) Append(_ context.Context, entry billing.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) Query(_ context.Context, filter billing.AuditFilter) ([]billing.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []billing.AuditEntry
	for _, e := range m.audit {
		if filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Memory) Next(_ context.Context, scope string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[scope]++
	return m.sequences[scope], nil
}

// Reset drops everything. Used by the demo scenario loader.
func (m *Memory) Reset(_ context.Context) error {
	fresh := NewMemory()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.properties = fresh.properties
	m.propOrder = nil
	m.tenants = fresh.tenants
	m.bills = fresh.bills
	m.billOrder = fresh.billOrder
	m.periods = fresh.periods
	m.periodOrder = nil
	m.invoices = fresh.invoices
	m.invOrder = nil
	m.numbers = fresh.numbers
	m.audit = nil
	m.sequences = fresh.sequences
	return nil
}
