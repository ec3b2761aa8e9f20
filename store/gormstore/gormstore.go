/*
Package gormstore provides a GORM-backed implementation of the billing ports.

PURPOSE:
  The production backend. Runs against PostgreSQL through gorm.io/driver/postgres,
  or against a pure-Go SQLite (glebarez/sqlite) for single-binary deployments
  and tests.

SCHEMA:
  Managed with AutoMigrate from the models in models.go. Decimals and dates
  are text columns. The allocation trail is stored as JSON on the invoice row,
  so an invoice insert is a single statement.

OPTIMISTIC CONCURRENCY:
  UpdateInvoiceState issues UPDATE ... WHERE id AND status AND version and
  checks RowsAffected.

USAGE:
  st, err := gormstore.New("postgres", "host=localhost user=billing dbname=billing sslmode=disable")
  if err != nil {
      log.Fatal(err)
  }
  if err := st.Migrate(ctx); err != nil {
      log.Fatal(err)
  }

SEE ALSO:
  - store/sqlite: goose-migrated SQLite store on database/sql
  - billing/store.go: Interface definitions
*/
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/warp/utility-billing/billing"
)

// Store implements billing.Store, billing.AuditLog and billing.Sequence.
type Store struct {
	db *gorm.DB
}

// Option configures New.
type Option func(*gorm.Config)

// WithLogger replaces GORM's default stdout logger.
func WithLogger(l logger.Interface) Option {
	return func(c *gorm.Config) { c.Logger = l }
}

// New opens a store. driver is "postgres" or "sqlite".
func New(driver, dsn string, opts ...Option) (*Store, error) {
	var d gorm.Dialector
	switch driver {
	case "postgres", "postgresql":
		d = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		d = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := gorm.Open(d, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}

	if driver == "sqlite" || driver == "sqlite3" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Store{db: db}, nil
}

// Migrate creates or updates tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&propertyModel{},
		&tenantModel{},
		&billModel{},
		&periodModel{},
		&invoiceModel{},
		&auditModel{},
		&sequenceModel{},
	)
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// =============================================================================
// PROPERTIES & TENANTS
// =============================================================================

func (s *Store) SaveProperty(ctx context.Context, p billing.Property) error {
	m := propertyModel{ID: string(p.ID), Name: p.Name, Address: p.Address, CreatedAt: stamp(p.CreatedAt)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "address"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save property: %w", err)
	}
	return nil
}

func (s *Store) GetProperty(ctx context.Context, id billing.PropertyID) (*billing.Property, error) {
	var m propertyModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", billing.ErrPropertyNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &billing.Property{ID: billing.PropertyID(m.ID), Name: m.Name, Address: m.Address, CreatedAt: m.CreatedAt}, nil
}

func (s *Store) ListProperties(ctx context.Context) ([]billing.Property, error) {
	var rows []propertyModel
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]billing.Property, 0, len(rows))
	for _, m := range rows {
		out = append(out, billing.Property{ID: billing.PropertyID(m.ID), Name: m.Name, Address: m.Address, CreatedAt: m.CreatedAt})
	}
	return out, nil
}

func (s *Store) SaveTenant(ctx context.Context, t billing.Tenant) error {
	if _, err := s.GetProperty(ctx, t.PropertyID); err != nil {
		return err
	}
	m := tenantModel{ID: string(t.ID), PropertyID: string(t.PropertyID), Name: t.Name, Email: t.Email, CreatedAt: stamp(t.CreatedAt)}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id billing.TenantID) (*billing.Tenant, error) {
	var m tenantModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", billing.ErrTenantNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	t := tenantFromModel(m)
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context, propertyID billing.PropertyID) ([]billing.Tenant, error) {
	var rows []tenantModel
	if err := s.db.WithContext(ctx).Where("property_id = ?", string(propertyID)).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]billing.Tenant, 0, len(rows))
	for _, m := range rows {
		out = append(out, tenantFromModel(m))
	}
	return out, nil
}

func tenantFromModel(m tenantModel) billing.Tenant {
	return billing.Tenant{
		ID:         billing.TenantID(m.ID),
		PropertyID: billing.PropertyID(m.PropertyID),
		Name:       m.Name,
		Email:      m.Email,
		CreatedAt:  m.CreatedAt,
	}
}

// =============================================================================
// UTILITY BILLS
// =============================================================================

var billUpdateColumns = []string{
	"start_date", "end_date", "kilowatt_hours", "kilowatt_hours_missing", "cost_per_kwh",
	"state_sales_tax", "gross_receipt_tax", "adjustment", "delivery_charges",
}

// SaveBill inserts or corrects a bill. A correction keeps its seq, and so
// its place in creation order.
func (s *Store) SaveBill(ctx context.Context, b billing.UtilityBill) error {
	if _, err := s.GetProperty(ctx, b.PropertyID); err != nil {
		return err
	}
	b.CreatedAt = stamp(b.CreatedAt)
	m := toBillModel(b)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(billUpdateColumns),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to save bill: %w", err)
	}
	return nil
}

func (s *Store) GetBill(ctx context.Context, id billing.BillID) (*billing.UtilityBill, error) {
	var m billModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", billing.ErrBillNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	b, err := m.toDomain()
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBills(ctx context.Context, propertyID billing.PropertyID) ([]billing.UtilityBill, error) {
	var rows []billModel
	if err := s.db.WithContext(ctx).Where("property_id = ?", string(propertyID)).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list bills: %w", err)
	}
	return billsFromModels(rows)
}

func (s *Store) ListBillsInRange(ctx context.Context, propertyID billing.PropertyID, from, to billing.Date) ([]billing.UtilityBill, error) {
	var rows []billModel
	err := s.db.WithContext(ctx).
		Where("property_id = ?", string(propertyID)).
		Where("start_date IS NOT NULL AND end_date IS NOT NULL").
		Where("start_date <= end_date").
		Where("end_date >= ? AND start_date <= ?", from.String(), to.String()).
		Order("seq").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list bills in range: %w", err)
	}
	return billsFromModels(rows)
}

func billsFromModels(rows []billModel) ([]billing.UtilityBill, error) {
	out := make([]billing.UtilityBill, 0, len(rows))
	for _, m := range rows {
		b, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// =============================================================================
// BILLING PERIODS
// =============================================================================

func (s *Store) SaveBillingPeriod(ctx context.Context, p billing.BillingPeriod) error {
	if err := billing.ValidateBillingPeriod(p); err != nil {
		return err
	}
	m := periodModel{
		ID:            string(p.ID),
		PropertyID:    string(p.PropertyID),
		TenantID:      string(p.TenantID),
		StartDate:     p.Start.String(),
		EndDate:       p.End.String(),
		KilowattHours: p.KilowattHours.String(),
		CreatedAt:     stamp(p.CreatedAt),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("billing period %s already exists", p.ID)
		}
		return fmt.Errorf("failed to save billing period: %w", err)
	}
	return nil
}

func (s *Store) GetBillingPeriod(ctx context.Context, id billing.BillingPeriodID) (*billing.BillingPeriod, error) {
	var m periodModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", billing.ErrBillingPeriodNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	p, err := m.toDomain()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListBillingPeriods(ctx context.Context, propertyID billing.PropertyID, tenantID billing.TenantID) ([]billing.BillingPeriod, error) {
	q := s.db.WithContext(ctx).Where("property_id = ?", string(propertyID))
	if tenantID != "" {
		q = q.Where("tenant_id = ?", string(tenantID))
	}
	var rows []periodModel
	if err := q.Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]billing.BillingPeriod, 0, len(rows))
	for _, m := range rows {
		p, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (s *Store) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	m, err := toInvoiceModel(inv)
	if err != nil {
		return fmt.Errorf("failed to encode invoice: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&invoiceModel{}).Where("invoice_number = ?", inv.InvoiceNumber).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", billing.ErrDuplicateInvoiceNumber, inv.InvoiceNumber)
		}
		if err := tx.Create(&m).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", billing.ErrDuplicateInvoiceNumber, inv.InvoiceNumber)
			}
			return fmt.Errorf("failed to insert invoice: %w", err)
		}
		return nil
	})
}

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	var m invoiceModel
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", billing.ErrInvoiceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	inv, err := m.toDomain()
	if err != nil {
		return nil, fmt.Errorf("invoice %s: %w", id, err)
	}
	return &inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	q := s.db.WithContext(ctx)
	if f.PropertyID != nil {
		q = q.Where("property_id = ?", string(*f.PropertyID))
	}
	if f.TenantID != nil {
		q = q.Where("tenant_id = ?", string(*f.TenantID))
	}
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	var rows []invoiceModel
	if err := q.Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]billing.Invoice, 0, len(rows))
	for _, m := range rows {
		inv, err := m.toDomain()
		if err != nil {
			return nil, fmt.Errorf("invoice %s: %w", m.ID, err)
		}
		out = append(out, inv)
	}
	return out, nil
}

func (s *Store) UpdateInvoiceState(ctx context.Context, id billing.InvoiceID, guard billing.StateGuard, next billing.InvoiceState) error {
	attachments, err := marshalAttachments(next.Attachments)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&invoiceModel{}).
		Where("id = ? AND status = ? AND version = ?", string(id), string(guard.Status), guard.Version).
		Updates(map[string]any{
			"status":           string(next.Status),
			"attachments_json": attachments,
			"version":          next.Version,
			"updated_at":       stamp(next.UpdatedAt),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update invoice state: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&invoiceModel{}).Where("id = ?", string(id)).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", billing.ErrInvoiceNotFound, id)
	}
	return fmt.Errorf("%w: invoice %s changed since %s v%d", billing.ErrConcurrentModification, id, guard.Status, guard.Version)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) Append(ctx context.Context, e billing.AuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	m := auditModel{
		ID:           e.ID,
		Timestamp:    stamp(e.Timestamp),
		ActorID:      e.ActorID,
		ActorRole:    string(e.ActorRole),
		Action:       string(e.Action),
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		MetadataJSON: string(meta),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, f billing.AuditFilter) ([]billing.AuditEntry, error) {
	q := s.db.WithContext(ctx)
	if f.ResourceID != nil {
		q = q.Where("resource_id = ?", *f.ResourceID)
	}
	if f.ActorID != nil {
		q = q.Where("actor_id = ?", *f.ActorID)
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		q = q.Where("action IN ?", actions)
	}
	var rows []auditModel
	if err := q.Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}

	var out []billing.AuditEntry
	for _, m := range rows {
		e := billing.AuditEntry{
			ID:           m.ID,
			Timestamp:    m.Timestamp,
			ActorID:      m.ActorID,
			ActorRole:    billing.Role(m.ActorRole),
			Action:       billing.AuditAction(m.Action),
			ResourceType: m.ResourceType,
			ResourceID:   m.ResourceID,
		}
		if m.MetadataJSON != "" && m.MetadataJSON != "null" {
			_ = json.Unmarshal([]byte(m.MetadataJSON), &e.Metadata)
		}
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// SEQUENCE
// =============================================================================

func (s *Store) Next(ctx context.Context, scope string) (int64, error) {
	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := sequenceModel{Scope: scope, Value: 1}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}},
			DoUpdates: clause.Assignments(map[string]any{"value": gorm.Expr("invoice_sequences.value + 1")}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		var current sequenceModel
		if err := tx.Where("scope = ?", scope).First(&current).Error; err != nil {
			return err
		}
		value = current.Value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", scope, err)
	}
	return value, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset deletes all rows. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{
			&auditModel{}, &invoiceModel{}, &periodModel{}, &billModel{},
			&tenantModel{}, &propertyModel{}, &sequenceModel{},
		} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}
