/*
store.go - Persistence ports for the billing engine

PURPOSE:
  Defines the interface between the allocation logic and the database.
  The engine needs little more than lookups by id, by property, and by date
  range, an atomic invoice insert, and a compare-and-swap on invoice state.

KEY INTERFACES:
  PropertyStore / TenantStore:  Thin CRUD for owners of bills and periods
  BillStore:                    Supplier bills, read-only to the engine
  BillingPeriodStore:           Tenant usage windows, immutable once created
  InvoiceStore:                 Atomic create + optimistic state updates
  AuditSink / AuditLog:         Append-only record of invoice mutations
  Sequence:                     Monotonic counters for invoice numbering

ORDERING:
  ListBills returns bills in creation order. The overlap finder preserves
  that order, so the stored allocation trail is stable across runs.

OPTIMISTIC CONCURRENCY:
  UpdateInvoiceState only succeeds if the stored status and version still
  equal the guard. Otherwise it returns ErrConcurrentModification and the
  caller decides whether to re-read and retry.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for testing and demos
  - store/sqlite/sqlite.go: SQLite (mattn/go-sqlite3, goose migrations)
  - store/gormstore/gormstore.go: PostgreSQL via GORM

SEE ALSO:
  - engine.go: The only consumer inside this package
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// REFERENCE DATA
// =============================================================================

type PropertyStore interface {
	SaveProperty(ctx context.Context, p Property) error
	// GetProperty returns ErrPropertyNotFound if the id is unknown.
	GetProperty(ctx context.Context, id PropertyID) (*Property, error)
	ListProperties(ctx context.Context) ([]Property, error)
}

type TenantStore interface {
	SaveTenant(ctx context.Context, t Tenant) error
	// GetTenant returns ErrTenantNotFound if the id is unknown.
	GetTenant(ctx context.Context, id TenantID) (*Tenant, error)
	ListTenants(ctx context.Context, propertyID PropertyID) ([]Tenant, error)
}

// =============================================================================
// BILLS & PERIODS
// =============================================================================

type BillStore interface {
	SaveBill(ctx context.Context, b UtilityBill) error
	GetBill(ctx context.Context, id BillID) (*UtilityBill, error)

	// ListBills returns every bill of a property in creation order,
	// including bills with missing dates.
	ListBills(ctx context.Context, propertyID PropertyID) ([]UtilityBill, error)

	// ListBillsInRange returns dated bills whose window intersects [from, to].
	ListBillsInRange(ctx context.Context, propertyID PropertyID, from, to Date) ([]UtilityBill, error)
}

type BillingPeriodStore interface {
	// SaveBillingPeriod inserts a new period; periods are never updated.
	SaveBillingPeriod(ctx context.Context, p BillingPeriod) error
	GetBillingPeriod(ctx context.Context, id BillingPeriodID) (*BillingPeriod, error)
	ListBillingPeriods(ctx context.Context, propertyID PropertyID, tenantID TenantID) ([]BillingPeriod, error)
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceState is the mutable part of an invoice. Everything else is
// written once by CreateInvoice.
type InvoiceState struct {
	Status      InvoiceStatus
	Attachments []string
	Version     int
	UpdatedAt   time.Time
}

// StateGuard is the state the caller last observed.
type StateGuard struct {
	Status  InvoiceStatus
	Version int
}

type InvoiceFilter struct {
	PropertyID *PropertyID
	TenantID   *TenantID
	Status     *InvoiceStatus
}

type InvoiceStore interface {
	// CreateInvoice inserts the invoice and its allocation trail atomically.
	CreateInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)

	// UpdateInvoiceState replaces status and attachments if the stored
	// state matches guard. Returns ErrConcurrentModification otherwise.
	UpdateInvoiceState(ctx context.Context, id InvoiceID, guard StateGuard, next InvoiceState) error
}

// =============================================================================
// AUDIT LOG - Tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditInvoiceCreated      AuditAction = "invoice_created"
	AuditInvoiceStatusChange AuditAction = "invoice_status_changed"
	AuditAttachmentAdded     AuditAction = "invoice_attachment_added"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	ActorID      string            `json:"actor_id"`
	ActorRole    Role              `json:"actor_role"`
	Action       AuditAction       `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives entries synchronously after a successful state change.
type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// AuditLog is an AuditSink that can be queried. Also append-only.
type AuditLog interface {
	AuditSink
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	ResourceID *string
	ActorID    *string
	Actions    []AuditAction
	From       *time.Time
	To         *time.Time
}

// Matches reports whether e passes the filter. Shared by in-process stores.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.ResourceID != nil && e.ResourceID != *f.ResourceID {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// =============================================================================
// SEQUENCE
// =============================================================================

// Sequence hands out strictly increasing counters per scope (e.g. "202506").
type Sequence interface {
	Next(ctx context.Context, scope string) (int64, error)
}

// =============================================================================
// COMPOSITE
// =============================================================================

// Store is everything the engine reads and writes.
type Store interface {
	PropertyStore
	TenantStore
	BillStore
	BillingPeriodStore
	InvoiceStore
}
