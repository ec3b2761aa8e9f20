/*
lifecycle.go - Invoice status lifecycle

PURPOSE:
  The only code path that changes an invoice after creation. It moves the
  status forward and appends attachments; financial fields are never touched.

STATE MACHINE:
  ┌───────┐   send   ┌──────┐   pay   ┌──────┐
  │ draft │ ───────▶ │ sent │ ──────▶ │ paid │  (terminal)
  └───────┘          └──────┘         └──────┘

  Any other edge, including skipping draft -> paid and re-entering the
  current state, fails with a *TransitionError. Attachments may be added
  in draft and sent, never in paid.

CONCURRENCY:
  Each write is a compare-and-swap on (status, version). A lost race
  returns ErrConcurrentModification; the caller re-reads and retries.

AUDIT:
  After each successful write an AuditEntry goes to the AuditSink,
  synchronously. If the sink fails the error is returned (wrapping
  ErrAuditFailed) even though the state change is already stored.

SEE ALSO:
  - store.go: UpdateInvoiceState, AuditSink
  - engine.go: Public entry points
*/
package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var allowedTransitions = map[InvoiceStatus]InvoiceStatus{
	StatusDraft: StatusSent,
	StatusSent:  StatusPaid,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to InvoiceStatus) bool {
	next, ok := allowedTransitions[from]
	return ok && next == to
}

// Lifecycle applies status transitions and attachments.
type Lifecycle struct {
	Invoices InvoiceStore
	Audit    AuditSink
	Clock    func() time.Time
	Logger   *zap.Logger
}

func NewLifecycle(invoices InvoiceStore, audit AuditSink, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		Invoices: invoices,
		Audit:    audit,
		Clock:    func() time.Time { return time.Now().UTC() },
		Logger:   logger,
	}
}

// Transition moves the invoice to next and returns the updated invoice.
func (l *Lifecycle) Transition(ctx context.Context, actor Actor, id InvoiceID, next InvoiceStatus) (*Invoice, error) {
	if !next.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", next)}
	}

	inv, err := l.Invoices.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}

	prev := inv.Status
	if !CanTransition(prev, next) {
		return nil, &TransitionError{InvoiceID: id, From: prev, To: next}
	}

	state := inv.State()
	state.Status = next
	state.Version = inv.Version + 1
	state.UpdatedAt = l.Clock()

	if err := l.Invoices.UpdateInvoiceState(ctx, id, inv.Guard(), state); err != nil {
		return nil, err
	}
	applyState(inv, state)

	l.Logger.Info("invoice status changed",
		zap.String("invoice_id", string(id)),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("actor", actor.ID))

	if err := l.record(ctx, actor, AuditInvoiceStatusChange, inv, map[string]string{
		"from":           string(prev),
		"to":             string(next),
		"invoice_number": inv.InvoiceNumber,
	}); err != nil {
		return inv, err
	}
	return inv, nil
}

// AddAttachment appends a document URL to a draft or sent invoice.
func (l *Lifecycle) AddAttachment(ctx context.Context, actor Actor, id InvoiceID, url string) (*Invoice, error) {
	if url == "" {
		return nil, &ValidationError{Field: "url", Message: "attachment url is required"}
	}

	inv, err := l.Invoices.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status == StatusPaid {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrInvoiceLocked)
	}

	state := inv.State()
	state.Attachments = append(state.Attachments, url)
	state.Version = inv.Version + 1
	state.UpdatedAt = l.Clock()

	if err := l.Invoices.UpdateInvoiceState(ctx, id, inv.Guard(), state); err != nil {
		return nil, err
	}
	applyState(inv, state)

	if err := l.record(ctx, actor, AuditAttachmentAdded, inv, map[string]string{
		"url":         url,
		"attachments": strconv.Itoa(len(inv.Attachments)),
	}); err != nil {
		return inv, err
	}
	return inv, nil
}

func applyState(inv *Invoice, s InvoiceState) {
	inv.Status = s.Status
	inv.Attachments = s.Attachments
	inv.Version = s.Version
	inv.UpdatedAt = s.UpdatedAt
}

func (l *Lifecycle) record(ctx context.Context, actor Actor, action AuditAction, inv *Invoice, meta map[string]string) error {
	return appendAudit(ctx, l.Audit, l.Clock(), actor, action, inv, meta)
}

func appendAudit(ctx context.Context, sink AuditSink, at time.Time, actor Actor, action AuditAction, inv *Invoice, meta map[string]string) error {
	if sink == nil {
		return fmt.Errorf("%w: no audit sink configured", ErrAuditFailed)
	}
	entry := AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    at,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		Action:       action,
		ResourceType: "invoice",
		ResourceID:   string(inv.ID),
		Metadata:     meta,
	}
	if err := sink.Append(ctx, entry); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", ErrAuditFailed, action, inv.ID, err)
	}
	return nil
}
