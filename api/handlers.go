/*
handlers.go - HTTP API handlers for the utility billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the billing package.

ENDPOINTS:
  Reference data:
    GET    /api/properties                       List properties
    POST   /api/properties                       Create or rename a property
    GET    /api/properties/{id}/tenants          List tenants
    POST   /api/properties/{id}/tenants          Create tenant
    GET    /api/properties/{id}/bills            List bills in creation order (?start&end)
    POST   /api/properties/{id}/bills            Ingest a raw extracted bill
    GET    /api/properties/{id}/overlaps         Bills intersecting ?start=&end=
    GET    /api/properties/{id}/periods          List billing periods (?tenant_id=)
    POST   /api/properties/{id}/periods          Record a tenant billing period

  Invoices:
    POST   /api/invoices                         Generate a draft invoice
    GET    /api/invoices                         List (?property_id=&tenant_id=&status=)
    GET    /api/invoices/{id}                    Invoice with allocation trail
    GET    /api/invoices/{id}/breakdown          Stored vs regenerated breakdown
    POST   /api/invoices/{id}/status             draft -> sent -> paid
    POST   /api/invoices/{id}/attachments        Attach a document URL

  Audit & scenarios:
    GET    /api/audit                            Query (?resource_id=&actor_id=)
    GET    /api/scenarios                        List demo scenarios
    POST   /api/scenarios/load                   Reset and load a scenario

REQUEST FLOW:
  1. Parse and validate the request (validator tags in dto.go)
  2. Call the engine or store
  3. Serialize response
  4. Map domain errors to HTTP status

ERROR HANDLING:
  - 400: Validation errors, invalid periods, forbidden transitions
  - 401/403: Missing actor or insufficient role (auth middleware)
  - 404: Unknown property, tenant, period or invoice
  - 409: Concurrent modification, duplicate invoice number
  - 500: Storage or audit failures

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/utility-billing/auth"
	"github.com/warp/utility-billing/billing"
	"github.com/warp/utility-billing/factory"
	"github.com/warp/utility-billing/metrics"
	"github.com/warp/utility-billing/notify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the API needs beyond the engine: direct reads for listings
// and a reset for demo scenarios.
type Store interface {
	billing.Store
	Reset(ctx context.Context) error
}

// HandlerConfig holds the dependencies for NewHandler.
type HandlerConfig struct {
	Engine   *billing.Engine
	Store    Store
	Audit    billing.AuditLog
	Notifier notify.Notifier
	Logger   *zap.Logger
	Clock    func() time.Time
	// DueDays sets the due date when a generate request omits one. Zero
	// leaves it empty.
	DueDays int
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *billing.Engine
	Store    Store
	Audit    billing.AuditLog
	Bills    *factory.BillFactory
	Notifier notify.Notifier
	Logger   *zap.Logger
	Clock    func() time.Time
	NewID    func() string
	DueDays  int

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	bills := factory.NewBillFactory()
	bills.Clock = clock
	return &Handler{
		Engine:   cfg.Engine,
		Store:    cfg.Store,
		Audit:    cfg.Audit,
		Bills:    bills,
		Notifier: notifier,
		Logger:   logger,
		Clock:    clock,
		NewID:    uuid.NewString,
		DueDays:  cfg.DueDays,
		validate: newValidator(),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PROPERTIES & TENANTS
// =============================================================================

func (h *Handler) ListProperties(w http.ResponseWriter, r *http.Request) {
	props, err := h.Store.ListProperties(r.Context())
	if err != nil {
		h.writeDomainError(w, r, "Failed to list properties", err)
		return
	}
	dtos := make([]PropertyDTO, len(props))
	for i, p := range props {
		dtos[i] = toPropertyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateProperty(w http.ResponseWriter, r *http.Request) {
	var req CreatePropertyRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := billing.Property{
		ID:        billing.PropertyID(req.ID),
		Name:      req.Name,
		Address:   req.Address,
		CreatedAt: h.Clock(),
	}
	if p.ID == "" {
		p.ID = billing.PropertyID(h.NewID())
	}
	if err := h.Store.SaveProperty(r.Context(), p); err != nil {
		h.writeDomainError(w, r, "Failed to save property", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPropertyDTO(p))
}

func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	propertyID := billing.PropertyID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetProperty(r.Context(), propertyID); err != nil {
		h.writeDomainError(w, r, "Property not found", err)
		return
	}
	tenants, err := h.Store.ListTenants(r.Context(), propertyID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list tenants", err)
		return
	}
	dtos := make([]TenantDTO, len(tenants))
	for i, t := range tenants {
		dtos[i] = toTenantDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !h.decode(w, r, &req) {
		return
	}
	t := billing.Tenant{
		ID:         billing.TenantID(req.ID),
		PropertyID: billing.PropertyID(chi.URLParam(r, "id")),
		Name:       req.Name,
		Email:      req.Email,
		CreatedAt:  h.Clock(),
	}
	if t.ID == "" {
		t.ID = billing.TenantID(h.NewID())
	}
	if err := h.Store.SaveTenant(r.Context(), t); err != nil {
		h.writeDomainError(w, r, "Failed to save tenant", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTenantDTO(t))
}

// =============================================================================
// BILLS
// =============================================================================

// ListBills lists a property's bills in creation order. With ?start and ?end
// only dated bills whose service window touches that range are returned.
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	propertyID := billing.PropertyID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetProperty(r.Context(), propertyID); err != nil {
		h.writeDomainError(w, r, "Property not found", err)
		return
	}
	q := r.URL.Query()
	var bills []billing.UtilityBill
	var err error
	if q.Has("start") || q.Has("end") {
		start, perr := billing.ParseDate(q.Get("start"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid start date", perr)
			return
		}
		end, perr := billing.ParseDate(q.Get("end"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid end date", perr)
			return
		}
		bills, err = h.Store.ListBillsInRange(r.Context(), propertyID, start, end)
	} else {
		bills, err = h.Store.ListBills(r.Context(), propertyID)
	}
	if err != nil {
		h.writeDomainError(w, r, "Failed to list bills", err)
		return
	}
	dtos := make([]BillDTO, len(bills))
	for i, b := range bills {
		dtos[i] = toBillDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBill ingests a raw extracted bill. Missing fields are accepted and
// reported as warnings; the allocator deals with them later.
func (h *Handler) CreateBill(w http.ResponseWriter, r *http.Request) {
	var doc factory.BillDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	doc.PropertyID = chi.URLParam(r, "id")

	bill, warnings, err := h.Bills.NormalizeBill(doc)
	if err != nil {
		h.writeDomainError(w, r, "Invalid bill", err)
		return
	}
	if err := h.Store.SaveBill(r.Context(), bill); err != nil {
		h.writeDomainError(w, r, "Failed to save bill", err)
		return
	}
	if len(warnings) > 0 {
		h.Logger.Warn("bill ingested with gaps",
			zap.String("bill_id", string(bill.ID)),
			zap.Strings("warnings", warnings),
		)
	}
	writeJSON(w, http.StatusCreated, CreateBillResponse{Bill: toBillDTO(bill), Warnings: warnings})
}

func (h *Handler) GetOverlaps(w http.ResponseWriter, r *http.Request) {
	start, err := billing.ParseDate(r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start date", err)
		return
	}
	end, err := billing.ParseDate(r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end date", err)
		return
	}

	report, err := h.Engine.FindOverlappingBills(r.Context(), billing.PropertyID(chi.URLParam(r, "id")), start, end)
	if err != nil {
		h.writeDomainError(w, r, "Failed to find overlapping bills", err)
		return
	}
	bills := report.Allocations
	if bills == nil {
		bills = []billing.BillAllocation{}
	}
	writeJSON(w, http.StatusOK, OverlapReportDTO{
		Start:           start,
		End:             end,
		Bills:           bills,
		ExcludedBillIDs: report.ExcludedBillIDs,
	})
}

// =============================================================================
// BILLING PERIODS
// =============================================================================

func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	propertyID := billing.PropertyID(chi.URLParam(r, "id"))
	tenantID := billing.TenantID(r.URL.Query().Get("tenant_id"))
	periods, err := h.Store.ListBillingPeriods(r.Context(), propertyID, tenantID)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list billing periods", err)
		return
	}
	dtos := make([]PeriodDTO, len(periods))
	for i, p := range periods {
		dtos[i] = toPeriodDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := billing.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date", err)
		return
	}
	end, err := billing.ParseDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date", err)
		return
	}
	kwh, err := decimal.NewFromString(req.KilowattHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid kilowatt_hours", err)
		return
	}

	ctx := r.Context()
	propertyID := billing.PropertyID(chi.URLParam(r, "id"))
	tenant, err := h.Store.GetTenant(ctx, billing.TenantID(req.TenantID))
	if err != nil {
		h.writeDomainError(w, r, "Tenant not found", err)
		return
	}
	if tenant.PropertyID != propertyID {
		writeError(w, http.StatusBadRequest, "Tenant does not belong to property", billing.ErrPeriodOwnership)
		return
	}

	p := billing.BillingPeriod{
		ID:            billing.BillingPeriodID(req.ID),
		PropertyID:    propertyID,
		TenantID:      tenant.ID,
		Start:         start,
		End:           end,
		KilowattHours: kwh,
		CreatedAt:     h.Clock(),
	}
	if p.ID == "" {
		p.ID = billing.BillingPeriodID(h.NewID())
	}
	if err := h.Store.SaveBillingPeriod(ctx, p); err != nil {
		h.writeDomainError(w, r, "Failed to save billing period", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(p))
}

// =============================================================================
// INVOICES
// =============================================================================

func (h *Handler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	var req GenerateInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := auth.ActorFrom(r.Context())

	var due *billing.Date
	if req.DueDate != "" {
		d, err := billing.ParseDate(req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid due_date", err)
			return
		}
		due = &d
	} else if h.DueDays > 0 {
		d := billing.DateOf(h.Clock()).AddDays(h.DueDays)
		due = &d
	}

	periodIDs := make([]billing.BillingPeriodID, len(req.BillingPeriodIDs))
	for i, id := range req.BillingPeriodIDs {
		periodIDs[i] = billing.BillingPeriodID(id)
	}

	res, err := h.Engine.GenerateInvoice(r.Context(), billing.GenerateInvoiceRequest{
		PropertyID:       billing.PropertyID(req.PropertyID),
		TenantID:         billing.TenantID(req.TenantID),
		BillingPeriodIDs: periodIDs,
		DueDate:          due,
		Notes:            req.Notes,
		Actor:            actor,
	})
	if err != nil && res != nil {
		// Stored but not audited.
		metrics.RecordGeneration(nil, err)
		h.Logger.Error("invoice stored without audit entry",
			zap.String("invoice_id", string(res.InvoiceID)),
			zap.String("invoice_number", res.InvoiceNumber),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:         "Invoice created but audit log write failed",
			Details:       err.Error(),
			InvoiceID:     string(res.InvoiceID),
			InvoiceNumber: res.InvoiceNumber,
		})
		return
	}
	if err != nil {
		metrics.RecordGeneration(nil, err)
		h.writeDomainError(w, r, "Failed to generate invoice", err)
		return
	}
	metrics.RecordGeneration(&res.Allocation.Flags, nil)

	writeJSON(w, http.StatusCreated, GenerateInvoiceResponse{
		InvoiceID:     string(res.InvoiceID),
		InvoiceNumber: res.InvoiceNumber,
		TotalAmount:   res.TotalAmount,
		LowConfidence: res.Allocation.Flags.LowConfidence(),
		Warnings:      res.Allocation.Flags.Reasons(),
	})
}

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	var filter billing.InvoiceFilter
	q := r.URL.Query()
	if v := q.Get("property_id"); v != "" {
		id := billing.PropertyID(v)
		filter.PropertyID = &id
	}
	if v := q.Get("tenant_id"); v != "" {
		id := billing.TenantID(v)
		filter.TenantID = &id
	}
	if v := q.Get("status"); v != "" {
		st, err := billing.ParseInvoiceStatus(v)
		if err != nil {
			h.writeDomainError(w, r, "Invalid status", err)
			return
		}
		filter.Status = &st
	}

	invoices, err := h.Store.ListInvoices(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "Failed to list invoices", err)
		return
	}
	dtos := make([]InvoiceDTO, len(invoices))
	for i := range invoices {
		dtos[i] = toInvoiceDTO(&invoices[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.GetInvoice(r.Context(), billing.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, "Invoice not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// GetBreakdown returns the stored breakdown next to a fresh rendering of
// the stored figures.
func (h *Handler) GetBreakdown(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceID(chi.URLParam(r, "id"))
	stored, rendered, err := h.Engine.VerifyBreakdown(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "Invoice not found", err)
		return
	}
	writeJSON(w, http.StatusOK, BreakdownDTO{
		InvoiceID: string(id),
		Stored:    stored,
		Rendered:  rendered,
		Matches:   stored == rendered,
	})
}

func (h *Handler) TransitionInvoice(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	next := billing.InvoiceStatus(req.Status)
	actor, _ := auth.ActorFrom(r.Context())
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	inv, err := h.Engine.TransitionInvoiceStatus(r.Context(), actor, id, next)
	metrics.RecordTransition(next, err)
	if err != nil {
		h.writeDomainError(w, r, "Failed to change invoice status", err)
		return
	}

	if next == billing.StatusSent {
		h.notifySent(r.Context(), inv)
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

func (h *Handler) notifySent(ctx context.Context, inv *billing.Invoice) {
	tenant, err := h.Store.GetTenant(ctx, inv.TenantID)
	if err == nil {
		err = h.Notifier.InvoiceSent(ctx, *inv, *tenant)
	}
	if err != nil {
		h.Logger.Warn("invoice notification failed",
			zap.String("invoice_number", inv.InvoiceNumber),
			zap.Error(err),
		)
	}
}

func (h *Handler) AddAttachment(w http.ResponseWriter, r *http.Request) {
	var req AttachmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := auth.ActorFrom(r.Context())
	inv, err := h.Engine.AddInvoiceAttachment(r.Context(), actor, billing.InvoiceID(chi.URLParam(r, "id")), req.URL)
	if err != nil {
		h.writeDomainError(w, r, "Failed to add attachment", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// =============================================================================
// AUDIT
// =============================================================================

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	var filter billing.AuditFilter
	q := r.URL.Query()
	if v := q.Get("resource_id"); v != "" {
		filter.ResourceID = &v
	}
	if v := q.Get("actor_id"); v != "" {
		filter.ActorID = &v
	}
	if v := q.Get("action"); v != "" {
		filter.Actions = []billing.AuditAction{billing.AuditAction(v)}
	}

	entries, err := h.Audit.Query(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, "Failed to query audit log", err)
		return
	}
	if entries == nil {
		entries = []billing.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and runs the validator. On failure it
// writes a 400 and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Request validation failed",
			Fields: fieldErrors(err),
		})
		return false
	}
	return true
}

// writeDomainError maps billing errors to HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	var ve *billing.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   message,
			Details: err.Error(),
			Fields:  []FieldErrorDTO{{Field: ve.Field, Message: ve.Message}},
		})
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case billing.IsRetryable(err), errors.Is(err, billing.ErrDuplicateInvoiceNumber):
		writeError(w, http.StatusConflict, message, err)
	case billing.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Logger.Error(message,
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeAuthError adapts writeError to the auth middleware.
func writeAuthError(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message, nil)
}
