package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ENGINE - External operations
// =============================================================================

// EngineConfig wires the tunables. FallbackRate has no built-in default:
// callers pass the configured value explicitly.
type EngineConfig struct {
	FallbackRate decimal.Decimal
	Numberer     InvoiceNumberer
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Engine exposes the three external operations plus read helpers. It holds
// no cached state; each call reads fresh from the store. Role checks happen
// upstream: only manager and above should reach GenerateInvoice and
// TransitionInvoiceStatus.
type Engine struct {
	store     Store
	audit     AuditSink
	allocator *Allocator
	assembler *Assembler
	lifecycle *Lifecycle
	logger    *zap.Logger
}

func NewEngine(store Store, audit AuditSink, cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	assembler := NewAssembler(cfg.Numberer)
	lifecycle := NewLifecycle(store, audit, logger)
	if cfg.Clock != nil {
		assembler.Clock = cfg.Clock
		lifecycle.Clock = cfg.Clock
	}
	return &Engine{
		store:     store,
		audit:     audit,
		allocator: NewAllocator(AllocatorConfig{FallbackRate: cfg.FallbackRate}),
		assembler: assembler,
		lifecycle: lifecycle,
		logger:    logger,
	}
}

func (e *Engine) Allocator() *Allocator { return e.allocator }

// FindOverlappingBills returns the property's bills intersecting [start, end].
// Read-only and idempotent.
func (e *Engine) FindOverlappingBills(ctx context.Context, propertyID PropertyID, start, end Date) (OverlapReport, error) {
	if end.Before(start) {
		return OverlapReport{}, fmt.Errorf("%w: %s", ErrInvalidPeriod, Period{Start: start, End: end})
	}
	if _, err := e.store.GetProperty(ctx, propertyID); err != nil {
		return OverlapReport{}, err
	}
	bills, err := e.store.ListBills(ctx, propertyID)
	if err != nil {
		return OverlapReport{}, fmt.Errorf("list bills for %s: %w", propertyID, err)
	}
	return FindOverlaps(Period{Start: start, End: end}, bills), nil
}

// =============================================================================
// GENERATE INVOICE
// =============================================================================

type GenerateInvoiceRequest struct {
	PropertyID       PropertyID
	TenantID         TenantID
	BillingPeriodIDs []BillingPeriodID
	DueDate          *Date
	Notes            string
	Actor            Actor
}

type GenerateInvoiceResult struct {
	InvoiceID     InvoiceID
	InvoiceNumber string
	TotalAmount   decimal.Decimal
	Invoice       *Invoice
	Allocation    AllocationResult
}

// GenerateInvoice allocates costs over the combined window of the listed
// periods and stores a draft invoice. Multiple periods are merged into
// [earliest start, latest end] with their usage summed, and each bill is
// resolved once against that window.
//
// Calling it twice for the same periods produces two invoices.
func (e *Engine) GenerateInvoice(ctx context.Context, req GenerateInvoiceRequest) (*GenerateInvoiceResult, error) {
	if len(req.BillingPeriodIDs) == 0 {
		return nil, ErrNoBillingPeriods
	}

	if _, err := e.store.GetProperty(ctx, req.PropertyID); err != nil {
		return nil, err
	}
	tenant, err := e.store.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant.PropertyID != req.PropertyID {
		return nil, &ValidationError{Field: "tenant_id", Message: fmt.Sprintf("tenant %s is not on property %s", req.TenantID, req.PropertyID)}
	}

	window, usage, err := e.loadPeriods(ctx, req)
	if err != nil {
		return nil, err
	}

	bills, err := e.store.ListBills(ctx, req.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("list bills for %s: %w", req.PropertyID, err)
	}
	report := FindOverlaps(window, bills)
	alloc := e.allocator.Allocate(usage, report)

	if alloc.LowConfidence() {
		e.logger.Warn("allocation degraded",
			zap.String("property_id", string(req.PropertyID)),
			zap.String("tenant_id", string(req.TenantID)),
			zap.Strings("reasons", alloc.Flags.Reasons()),
			zap.Int("excluded_bills", alloc.Flags.ExcludedBillCount))
	}

	inv, err := e.assembler.Assemble(ctx, AssembleInput{
		PropertyID:       req.PropertyID,
		TenantID:         req.TenantID,
		BillingPeriodIDs: req.BillingPeriodIDs,
		Window:           window,
		Allocation:       alloc,
		DueDate:          req.DueDate,
		Notes:            req.Notes,
		Actor:            req.Actor,
	})
	if err != nil {
		return nil, err
	}

	// An abandoned request must not leave an invoice behind.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.store.CreateInvoice(ctx, *inv); err != nil {
		return nil, fmt.Errorf("create invoice %s: %w", inv.InvoiceNumber, err)
	}

	e.logger.Info("invoice generated",
		zap.String("invoice_id", string(inv.ID)),
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("total", inv.TotalAmount.StringFixed(2)),
		zap.Int("overlapping_bills", len(inv.UtilityBillAllocations)))

	result := &GenerateInvoiceResult{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		TotalAmount:   inv.TotalAmount,
		Invoice:       inv,
		Allocation:    alloc,
	}

	if err := appendAudit(ctx, e.audit, inv.CreatedAt, req.Actor, AuditInvoiceCreated, inv, map[string]string{
		"invoice_number": inv.InvoiceNumber,
		"total_amount":   inv.TotalAmount.String(),
		"period":         window.String(),
	}); err != nil {
		return result, err
	}
	return result, nil
}

func (e *Engine) loadPeriods(ctx context.Context, req GenerateInvoiceRequest) (Period, decimal.Decimal, error) {
	seen := make(map[BillingPeriodID]bool, len(req.BillingPeriodIDs))
	var window Period
	usage := decimal.Zero

	for i, id := range req.BillingPeriodIDs {
		if seen[id] {
			return Period{}, decimal.Zero, fmt.Errorf("%w: %s", ErrDuplicatePeriod, id)
		}
		seen[id] = true

		p, err := e.store.GetBillingPeriod(ctx, id)
		if err != nil {
			return Period{}, decimal.Zero, err
		}
		if p.PropertyID != req.PropertyID || p.TenantID != req.TenantID {
			return Period{}, decimal.Zero, fmt.Errorf("%w: %s", ErrPeriodOwnership, id)
		}

		if i == 0 {
			window = p.Window()
		} else {
			window.Start = MinDate(window.Start, p.Start)
			window.End = MaxDate(window.End, p.End)
		}
		usage = usage.Add(p.KilowattHours)
	}
	return window, usage, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// TransitionInvoiceStatus applies one lifecycle edge.
func (e *Engine) TransitionInvoiceStatus(ctx context.Context, actor Actor, id InvoiceID, next InvoiceStatus) (*Invoice, error) {
	return e.lifecycle.Transition(ctx, actor, id, next)
}

// AddInvoiceAttachment appends a document reference to an unpaid invoice.
func (e *Engine) AddInvoiceAttachment(ctx context.Context, actor Actor, id InvoiceID, url string) (*Invoice, error) {
	return e.lifecycle.AddAttachment(ctx, actor, id, url)
}

func (e *Engine) GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error) {
	return e.store.GetInvoice(ctx, id)
}

// VerifyBreakdown re-renders the stored invoice and compares it with the
// stored text.
func (e *Engine) VerifyBreakdown(ctx context.Context, id InvoiceID) (stored, rendered string, err error) {
	inv, err := e.store.GetInvoice(ctx, id)
	if err != nil {
		return "", "", err
	}
	return inv.CalculationBreakdown, RenderBreakdown(inv), nil
}
