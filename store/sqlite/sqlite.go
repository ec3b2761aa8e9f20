/*
Package sqlite provides a SQLite-backed implementation of the billing ports.

PURPOSE:
  Implements billing.Store, billing.AuditLog and billing.Sequence using
  SQLite through mattn/go-sqlite3. The schema is versioned with goose and
  embedded in the binary.

INTERFACES IMPLEMENTED:
  billing.Store:    Properties, tenants, bills, periods, invoices
  billing.AuditLog: Append-only audit entries
  billing.Sequence: Per-scope invoice counters

KEY TABLES:
  utility_bills:            Supplier bills, seq column keeps creation order
  billing_periods:          Tenant usage windows (CHECK start < end)
  invoices:                 Immutable financials + mutable status/attachments
  invoice_bill_allocations: Per-bill calculation trail, written with the invoice
  audit_log:                Who changed which invoice, and when
  invoice_sequences:        Counters for sequence-based invoice numbers

NUMBERS:
  Every decimal is stored as TEXT so values round-trip exactly. REAL would
  silently lose precision on money.

ATOMIC INVOICE CREATE:
  CreateInvoice inserts the invoice row and all allocation rows in one
  transaction. A cancelled context rolls the whole thing back.

OPTIMISTIC CONCURRENCY:
  UpdateInvoiceState is a single UPDATE ... WHERE status = ? AND version = ?.
  Zero affected rows means another writer got there first.

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. In production with PostgreSQL,
  see store/gormstore.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
  - migrations/: goose migrations
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/utility-billing/billing"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path and applies
// pending migrations. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}

	if err := MigrateUp(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Open opens the database without migrating. Used by the migrate command.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks and migrations.
func (s *Store) DB() *sql.DB { return s.db }

// =============================================================================
// PROPERTIES & TENANTS
// =============================================================================

func (s *Store) SaveProperty(ctx context.Context, p billing.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO properties (id, name, address, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, address = excluded.address
	`, p.ID, p.Name, nullString(p.Address), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save property: %w", err)
	}
	return nil
}

func (s *Store) GetProperty(ctx context.Context, id billing.PropertyID) (*billing.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p billing.Property
	var address sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, address, created_at FROM properties WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &address, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", billing.ErrPropertyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	p.Address = address.String
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (s *Store) ListProperties(ctx context.Context) ([]billing.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, address, created_at FROM properties ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	defer rows.Close()

	var result []billing.Property
	for rows.Next() {
		var p billing.Property
		var address sql.NullString
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &address, &createdAt); err != nil {
			return nil, err
		}
		p.Address = address.String
		p.CreatedAt = parseTime(createdAt)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) SaveTenant(ctx context.Context, t billing.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireProperty(ctx, t.PropertyID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, property_id, name, email, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email
	`, t.ID, t.PropertyID, t.Name, nullString(t.Email), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id billing.TenantID) (*billing.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t billing.Tenant
	var email sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, property_id, name, email, created_at FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.PropertyID, &t.Name, &email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", billing.ErrTenantNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	t.Email = email.String
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context, propertyID billing.PropertyID) ([]billing.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, property_id, name, email, created_at FROM tenants
		WHERE property_id = ? ORDER BY name
	`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var result []billing.Tenant
	for rows.Next() {
		var t billing.Tenant
		var email sql.NullString
		var createdAt string
		if err := rows.Scan(&t.ID, &t.PropertyID, &t.Name, &email, &createdAt); err != nil {
			return nil, err
		}
		t.Email = email.String
		t.CreatedAt = parseTime(createdAt)
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) requireProperty(ctx context.Context, id billing.PropertyID) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM properties WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", billing.ErrPropertyNotFound, id)
	}
	return err
}

// =============================================================================
// UTILITY BILLS
// =============================================================================

const billColumns = `id, property_id, start_date, end_date, kilowatt_hours, kilowatt_hours_missing, cost_per_kwh,
	state_sales_tax, gross_receipt_tax, adjustment, delivery_charges, created_at`

// SaveBill inserts or corrects a bill. Corrections keep the original
// creation order.
func (s *Store) SaveBill(ctx context.Context, b billing.UtilityBill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireProperty(ctx, b.PropertyID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO utility_bills (`+billColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			kilowatt_hours = excluded.kilowatt_hours,
			kilowatt_hours_missing = excluded.kilowatt_hours_missing,
			cost_per_kwh = excluded.cost_per_kwh,
			state_sales_tax = excluded.state_sales_tax,
			gross_receipt_tax = excluded.gross_receipt_tax,
			adjustment = excluded.adjustment,
			delivery_charges = excluded.delivery_charges
	`,
		b.ID,
		b.PropertyID,
		nullDate(b.StartDate),
		nullDate(b.EndDate),
		b.KilowattHours.String(),
		b.KilowattHoursMissing,
		nullDecimal(b.CostPerKilowattHour),
		b.StateSalesTax.String(),
		b.GrossReceiptTax.String(),
		b.Adjustment.String(),
		b.DeliveryCharges.String(),
		formatTime(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save bill: %w", err)
	}
	return nil
}

func (s *Store) GetBill(ctx context.Context, id billing.BillID) (*billing.UtilityBill, error) {
	bills, err := s.queryBills(ctx, `SELECT `+billColumns+` FROM utility_bills WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(bills) == 0 {
		return nil, fmt.Errorf("%w: %s", billing.ErrBillNotFound, id)
	}
	return &bills[0], nil
}

func (s *Store) ListBills(ctx context.Context, propertyID billing.PropertyID) ([]billing.UtilityBill, error) {
	return s.queryBills(ctx, `SELECT `+billColumns+` FROM utility_bills WHERE property_id = ? ORDER BY seq`, propertyID)
}

func (s *Store) ListBillsInRange(ctx context.Context, propertyID billing.PropertyID, from, to billing.Date) ([]billing.UtilityBill, error) {
	return s.queryBills(ctx, `
		SELECT `+billColumns+` FROM utility_bills
		WHERE property_id = ?
		  AND start_date IS NOT NULL AND end_date IS NOT NULL
		  AND start_date <= end_date
		  AND end_date >= ? AND start_date <= ?
		ORDER BY seq
	`, propertyID, from.String(), to.String())
}

func (s *Store) queryBills(ctx context.Context, query string, args ...any) ([]billing.UtilityBill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var result []billing.UtilityBill
	for rows.Next() {
		var b billing.UtilityBill
		var start, end, rate sql.NullString
		var kwh, sst, grt, adj, del, createdAt string
		if err := rows.Scan(&b.ID, &b.PropertyID, &start, &end, &kwh, &b.KilowattHoursMissing, &rate,
			&sst, &grt, &adj, &del, &createdAt); err != nil {
			return nil, err
		}
		c := columns{row: "bill " + string(b.ID)}
		b.StartDate = c.nullDate("start_date", start)
		b.EndDate = c.nullDate("end_date", end)
		b.KilowattHours = c.decimal("kilowatt_hours", kwh)
		b.CostPerKilowattHour = c.nullDecimal("cost_per_kwh", rate)
		b.StateSalesTax = c.decimal("state_sales_tax", sst)
		b.GrossReceiptTax = c.decimal("gross_receipt_tax", grt)
		b.Adjustment = c.decimal("adjustment", adj)
		b.DeliveryCharges = c.decimal("delivery_charges", del)
		b.CreatedAt = parseTime(createdAt)
		if c.err != nil {
			return nil, c.err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// =============================================================================
// BILLING PERIODS
// =============================================================================

func (s *Store) SaveBillingPeriod(ctx context.Context, p billing.BillingPeriod) error {
	if err := billing.ValidateBillingPeriod(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_periods (id, property_id, tenant_id, start_date, end_date, kilowatt_hours, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.PropertyID, p.TenantID, p.Start.String(), p.End.String(), p.KilowattHours.String(), formatTime(p.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("billing period %s already exists", p.ID)
		}
		return fmt.Errorf("failed to save billing period: %w", err)
	}
	return nil
}

func (s *Store) GetBillingPeriod(ctx context.Context, id billing.BillingPeriodID) (*billing.BillingPeriod, error) {
	periods, err := s.queryPeriods(ctx, `
		SELECT id, property_id, tenant_id, start_date, end_date, kilowatt_hours, created_at
		FROM billing_periods WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		return nil, fmt.Errorf("%w: %s", billing.ErrBillingPeriodNotFound, id)
	}
	return &periods[0], nil
}

func (s *Store) ListBillingPeriods(ctx context.Context, propertyID billing.PropertyID, tenantID billing.TenantID) ([]billing.BillingPeriod, error) {
	query := `
		SELECT id, property_id, tenant_id, start_date, end_date, kilowatt_hours, created_at
		FROM billing_periods WHERE property_id = ?`
	args := []any{propertyID}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	return s.queryPeriods(ctx, query+` ORDER BY seq`, args...)
}

func (s *Store) queryPeriods(ctx context.Context, query string, args ...any) ([]billing.BillingPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query billing periods: %w", err)
	}
	defer rows.Close()

	var result []billing.BillingPeriod
	for rows.Next() {
		var p billing.BillingPeriod
		var start, end, kwh, createdAt string
		if err := rows.Scan(&p.ID, &p.PropertyID, &p.TenantID, &start, &end, &kwh, &createdAt); err != nil {
			return nil, err
		}
		c := columns{row: "billing period " + string(p.ID)}
		p.Start = c.date("start_date", start)
		p.End = c.date("end_date", end)
		p.KilowattHours = c.decimal("kilowatt_hours", kwh)
		p.CreatedAt = parseTime(createdAt)
		if c.err != nil {
			return nil, c.err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, invoice_number, property_id, tenant_id, period_ids_json, period_start, period_end,
	total_kwh, total_property_kwh, tenant_ratio, electric_rate, direct_cost,
	state_sales_tax, gross_receipt_tax, adjustment, delivery_charges, total_amount,
	flags_json, calculation_breakdown, due_date, notes, created_by, created_at,
	status, attachments_json, version, updated_at`

// CreateInvoice writes the invoice and its allocation trail atomically.
func (s *Store) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	periodIDs, _ := json.Marshal(inv.BillingPeriodIDs)
	flags, _ := json.Marshal(inv.Flags)
	attachments, _ := json.Marshal(nonNil(inv.Attachments))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID,
		inv.InvoiceNumber,
		inv.PropertyID,
		inv.TenantID,
		string(periodIDs),
		inv.PeriodStart.String(),
		inv.PeriodEnd.String(),
		inv.TotalKilowattHours.String(),
		inv.TotalPropertyKilowattHours.String(),
		inv.TenantRatio.String(),
		inv.ElectricRate.String(),
		inv.DirectCost.String(),
		inv.AllocatedCosts.StateSalesTax.String(),
		inv.AllocatedCosts.GrossReceiptTax.String(),
		inv.AllocatedCosts.Adjustment.String(),
		inv.AllocatedCosts.DeliveryCharges.String(),
		inv.TotalAmount.String(),
		string(flags),
		inv.CalculationBreakdown,
		nullDate(inv.DueDate),
		nullString(inv.Notes),
		nullString(inv.CreatedBy),
		formatTime(inv.CreatedAt),
		inv.Status,
		string(attachments),
		inv.Version,
		formatTime(inv.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "invoice_number") {
			return fmt.Errorf("%w: %s", billing.ErrDuplicateInvoiceNumber, inv.InvoiceNumber)
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}

	for i, a := range inv.UtilityBillAllocations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_bill_allocations
			(invoice_id, position, bill_id, bill_start, bill_end, overlap_start, overlap_end,
			 overlap_days, total_days, allocation_percentage, kilowatt_hours, kilowatt_hours_missing,
			 allocated_kwh, cost_per_kwh, state_sales_tax, gross_receipt_tax, adjustment, delivery_charges)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			inv.ID, i, a.BillID,
			a.BillStart.String(), a.BillEnd.String(), a.OverlapStart.String(), a.OverlapEnd.String(),
			a.OverlapDays, a.TotalDays,
			a.AllocationPercentage.String(), a.KilowattHours.String(), a.KilowattHoursMissing,
			a.AllocatedKilowattHours.String(),
			nullDecimal(a.CostPerKilowattHour),
			a.AllocatedAmounts.StateSalesTax.String(),
			a.AllocatedAmounts.GrossReceiptTax.String(),
			a.AllocatedAmounts.Adjustment.String(),
			a.AllocatedAmounts.DeliveryCharges.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert allocation %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	invoices, err := s.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return nil, fmt.Errorf("%w: %s", billing.ErrInvoiceNotFound, id)
	}
	return &invoices[0], nil
}

func (s *Store) ListInvoices(ctx context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE 1=1`
	var args []any
	if f.PropertyID != nil {
		query += ` AND property_id = ?`
		args = append(args, *f.PropertyID)
	}
	if f.TenantID != nil {
		query += ` AND tenant_id = ?`
		args = append(args, *f.TenantID)
	}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, *f.Status)
	}
	return s.queryInvoices(ctx, query+` ORDER BY seq`, args...)
}

func (s *Store) UpdateInvoiceState(ctx context.Context, id billing.InvoiceID, guard billing.StateGuard, next billing.InvoiceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	attachments, _ := json.Marshal(nonNil(next.Attachments))
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET status = ?, attachments_json = ?, version = ?, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?
	`, next.Status, string(attachments), next.Version, formatTime(next.UpdatedAt), id, guard.Status, guard.Version)
	if err != nil {
		return fmt.Errorf("failed to update invoice state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM invoices WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", billing.ErrInvoiceNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: invoice %s changed since %s v%d", billing.ErrConcurrentModification, id, guard.Status, guard.Version)
}

func (s *Store) queryInvoices(ctx context.Context, query string, args ...any) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}

	var result []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		result = append(result, inv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Allocation rows are loaded after the invoice cursor is closed: the
	// store runs on a single connection.
	for i := range result {
		allocs, err := s.loadAllocations(ctx, result[i].ID)
		if err != nil {
			return nil, err
		}
		result[i].UtilityBillAllocations = allocs
	}
	return result, nil
}

func scanInvoice(rows *sql.Rows) (billing.Invoice, error) {
	var inv billing.Invoice
	var periodIDs, periodStart, periodEnd string
	var totalKwh, propKwh, ratio, rate, direct, sst, grt, adj, del, total string
	var flags, attachments, createdAt, updatedAt string
	var dueDate, notes, createdBy sql.NullString

	err := rows.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.PropertyID, &inv.TenantID, &periodIDs, &periodStart, &periodEnd,
		&totalKwh, &propKwh, &ratio, &rate, &direct,
		&sst, &grt, &adj, &del, &total,
		&flags, &inv.CalculationBreakdown, &dueDate, &notes, &createdBy, &createdAt,
		&inv.Status, &attachments, &inv.Version, &updatedAt,
	)
	if err != nil {
		return inv, err
	}

	if err := json.Unmarshal([]byte(periodIDs), &inv.BillingPeriodIDs); err != nil {
		return inv, fmt.Errorf("invoice %s: bad period ids: %w", inv.ID, err)
	}
	if err := json.Unmarshal([]byte(flags), &inv.Flags); err != nil {
		return inv, fmt.Errorf("invoice %s: bad flags: %w", inv.ID, err)
	}
	if err := json.Unmarshal([]byte(attachments), &inv.Attachments); err != nil {
		return inv, fmt.Errorf("invoice %s: bad attachments: %w", inv.ID, err)
	}
	if len(inv.Attachments) == 0 {
		inv.Attachments = nil
	}

	c := columns{row: "invoice " + string(inv.ID)}
	inv.PeriodStart = c.date("period_start", periodStart)
	inv.PeriodEnd = c.date("period_end", periodEnd)
	inv.TotalKilowattHours = c.decimal("total_kwh", totalKwh)
	inv.TotalPropertyKilowattHours = c.decimal("total_property_kwh", propKwh)
	inv.TenantRatio = c.decimal("tenant_ratio", ratio)
	inv.ElectricRate = c.decimal("electric_rate", rate)
	inv.DirectCost = c.decimal("direct_cost", direct)
	inv.AllocatedCosts = billing.SharedCosts{
		StateSalesTax:   c.decimal("state_sales_tax", sst),
		GrossReceiptTax: c.decimal("gross_receipt_tax", grt),
		Adjustment:      c.decimal("adjustment", adj),
		DeliveryCharges: c.decimal("delivery_charges", del),
	}
	inv.TotalAmount = c.decimal("total_amount", total)
	inv.DueDate = c.nullDate("due_date", dueDate)
	inv.Notes = notes.String
	inv.CreatedBy = createdBy.String
	inv.CreatedAt = parseTime(createdAt)
	inv.UpdatedAt = parseTime(updatedAt)
	return inv, c.err
}

func (s *Store) loadAllocations(ctx context.Context, id billing.InvoiceID) ([]billing.BillAllocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bill_id, bill_start, bill_end, overlap_start, overlap_end, overlap_days, total_days,
		       allocation_percentage, kilowatt_hours, kilowatt_hours_missing, allocated_kwh, cost_per_kwh,
		       state_sales_tax, gross_receipt_tax, adjustment, delivery_charges
		FROM invoice_bill_allocations WHERE invoice_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load allocations: %w", err)
	}
	defer rows.Close()

	var result []billing.BillAllocation
	for rows.Next() {
		var a billing.BillAllocation
		var bs, be, os, oe, pct, kwh, akwh, sst, grt, adj, del string
		var rate sql.NullString
		if err := rows.Scan(&a.BillID, &bs, &be, &os, &oe, &a.OverlapDays, &a.TotalDays,
			&pct, &kwh, &a.KilowattHoursMissing, &akwh, &rate, &sst, &grt, &adj, &del); err != nil {
			return nil, err
		}
		c := columns{row: fmt.Sprintf("invoice %s allocation %s", id, a.BillID)}
		a.BillStart = c.date("bill_start", bs)
		a.BillEnd = c.date("bill_end", be)
		a.OverlapStart = c.date("overlap_start", os)
		a.OverlapEnd = c.date("overlap_end", oe)
		a.AllocationPercentage = c.decimal("allocation_percentage", pct)
		a.KilowattHours = c.decimal("kilowatt_hours", kwh)
		a.AllocatedKilowattHours = c.decimal("allocated_kwh", akwh)
		a.CostPerKilowattHour = c.nullDecimal("cost_per_kwh", rate)
		a.AllocatedAmounts = billing.SharedCosts{
			StateSalesTax:   c.decimal("state_sales_tax", sst),
			GrossReceiptTax: c.decimal("gross_receipt_tax", grt),
			Adjustment:      c.decimal("adjustment", adj),
			DeliveryCharges: c.decimal("delivery_charges", del),
		}
		if c.err != nil {
			return nil, c.err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// =============================================================================
// AUDIT LOG (billing.AuditLog interface)
// =============================================================================

func (s *Store) Append(ctx context.Context, e billing.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, _ := json.Marshal(e.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, actor_role, action, resource_type, resource_id, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, formatTime(e.Timestamp), e.ActorID, nullString(string(e.ActorRole)), e.Action, e.ResourceType, e.ResourceID, string(meta))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, f billing.AuditFilter) ([]billing.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, timestamp, actor_id, actor_role, action, resource_type, resource_id, metadata_json FROM audit_log WHERE 1=1`
	var args []any
	if f.ResourceID != nil {
		query += ` AND resource_id = ?`
		args = append(args, *f.ResourceID)
	}
	if f.ActorID != nil {
		query += ` AND actor_id = ?`
		args = append(args, *f.ActorID)
	}
	if len(f.Actions) > 0 {
		query += ` AND action IN (?` + strings.Repeat(", ?", len(f.Actions)-1) + `)`
		for _, a := range f.Actions {
			args = append(args, a)
		}
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var result []billing.AuditEntry
	for rows.Next() {
		var e billing.AuditEntry
		var ts string
		var role, meta sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &role, &e.Action, &e.ResourceType, &e.ResourceID, &meta); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		e.ActorRole = billing.Role(role.String)
		if meta.Valid && meta.String != "null" {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		// Time bounds are applied here; RFC3339 strings with varying
		// fractional seconds do not compare correctly as text.
		if !f.Matches(e) {
			continue
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// SEQUENCE (billing.Sequence interface)
// =============================================================================

func (s *Store) Next(ctx context.Context, scope string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO invoice_sequences (scope, value) VALUES (?, 1)
		ON CONFLICT(scope) DO UPDATE SET value = value + 1
		RETURNING value
	`, scope).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", scope, err)
	}
	return value, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset deletes all data. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{
		"audit_log", "invoice_bill_allocations", "invoices", "billing_periods",
		"utility_bills", "tenants", "properties", "invoice_sequences",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d *billing.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

// columns decodes the text columns of one row and keeps the first failure.
// A corrupt amount is an error, never a zero.
type columns struct {
	row string
	err error
}

func (c *columns) fail(column, value string, err error) {
	if c.err == nil {
		c.err = fmt.Errorf("%s: bad %s %q: %w", c.row, column, value, err)
	}
}

func (c *columns) decimal(column, value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		c.fail(column, value, err)
	}
	return d
}

func (c *columns) nullDecimal(column string, value sql.NullString) *decimal.Decimal {
	if !value.Valid {
		return nil
	}
	d := c.decimal(column, value.String)
	return &d
}

func (c *columns) date(column, value string) billing.Date {
	d, err := billing.ParseDate(value)
	if err != nil {
		c.fail(column, value, err)
	}
	return d
}

func (c *columns) nullDate(column string, value sql.NullString) *billing.Date {
	if !value.Valid {
		return nil
	}
	d := c.date(column, value.String)
	return &d
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
