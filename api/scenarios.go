/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic
  data for testing and demos. Each scenario creates a property, tenants,
  billing periods, and extracted bills that exercise specific allocation
  paths.

AVAILABLE SCENARIOS:
  june-split:       Two bills straddling June, one tenant; invoice total $118.00
  messy-extraction: Bills with missing rates, missing dates, currency strings
  shared-building:  Three tenants with their own June periods on one property

HOW SCENARIOS WORK:
  1. Reset store (clear all data)
  2. Create property and tenants
  3. Ingest bills as raw documents through the bill factory
  4. Record billing periods

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "june-split"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Reference data handlers
  - factory/bill.go: Raw bill normalization
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/utility-billing/billing"
	"github.com/warp/utility-billing/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "june-split",
		Name:        "June Split",
		Description: "Two bills straddling June with different rates; one tenant using 1,000 kWh",
	},
	{
		ID:          "messy-extraction",
		Name:        "Messy Extraction",
		Description: "Bills with a missing rate, a missing end date, and currency-formatted amounts",
	},
	{
		ID:          "shared-building",
		Name:        "Shared Building",
		Description: "Three tenants splitting one month of bills by their own usage",
	},
}

// scenarioLoaders maps a scenario id to its loader.
var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"june-split":       (*Handler).loadJuneSplitScenario,
	"messy-extraction": (*Handler).loadMessyExtractionScenario,
	"shared-building":  (*Handler).loadSharedBuildingScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	if err := load(h, ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadJuneSplitScenario(ctx context.Context) error {
	if err := h.seedProperty(ctx, "prop-maple", "Maple Court", "12 Maple St"); err != nil {
		return err
	}
	if err := h.seedTenant(ctx, "prop-maple", "tenant-suite-100", "Suite 100", "billing@suite100.example"); err != nil {
		return err
	}
	bills := []string{
		`{"id":"bill-jun-a","start_date":"2025-06-01","end_date":"2025-06-15",
		  "kilowatt_hours":15000,"cost_per_kwh":0.12,"state_sales_tax":100}`,
		`{"id":"bill-jun-b","start_date":"2025-06-16","end_date":"2025-07-15",
		  "kilowatt_hours":20000,"cost_per_kwh":0.10,"state_sales_tax":200}`,
	}
	if err := h.seedBills(ctx, "prop-maple", bills); err != nil {
		return err
	}
	return h.seedPeriod(ctx, "prop-maple", "tenant-suite-100", "period-suite-100-jun", "2025-06-01", "2025-06-30", "1000")
}

func (h *Handler) loadMessyExtractionScenario(ctx context.Context) error {
	if err := h.seedProperty(ctx, "prop-harbor", "Harbor Lofts", "400 Harbor Way"); err != nil {
		return err
	}
	if err := h.seedTenant(ctx, "prop-harbor", "tenant-loft-2", "Loft 2", ""); err != nil {
		return err
	}
	bills := []string{
		// No rate: usage counts, the average rate is weighted over the rest.
		`{"id":"bill-harbor-1","start_date":"2025-05-20","end_date":"2025-06-07",
		  "kilowatt_hours":"7,777.7","cost_per_kwh":"","state_sales_tax":"$33.33",
		  "gross_receipt_tax":"12.01","adjustment":"(4.50)","delivery_charges":"$88.88"}`,
		`{"id":"bill-harbor-2","start_date":"2025-06-08","end_date":"2025-06-30",
		  "kilowatt_hours":"12001","cost_per_kwh":"0.0991","state_sales_tax":"71.10",
		  "delivery_charges":"140.07"}`,
		// Extraction lost the end date: excluded and flagged.
		`{"id":"bill-harbor-3","start_date":"2025-06-14",
		  "kilowatt_hours":15000,"cost_per_kwh":0.1111,"state_sales_tax":150}`,
	}
	if err := h.seedBills(ctx, "prop-harbor", bills); err != nil {
		return err
	}
	return h.seedPeriod(ctx, "prop-harbor", "tenant-loft-2", "period-loft-2-jun", "2025-06-01", "2025-06-30", "850.5")
}

func (h *Handler) loadSharedBuildingScenario(ctx context.Context) error {
	if err := h.seedProperty(ctx, "prop-cedar", "Cedar Plaza", "9 Cedar Ave"); err != nil {
		return err
	}
	tenants := []struct{ id, name, kwh string }{
		{"tenant-bakery", "Corner Bakery", "4200"},
		{"tenant-studio", "Yoga Studio", "1300"},
		{"tenant-office", "Dental Office", "2500"},
	}
	for _, t := range tenants {
		if err := h.seedTenant(ctx, "prop-cedar", t.id, t.name, ""); err != nil {
			return err
		}
	}
	bills := []string{
		`{"id":"bill-cedar-jun","start_date":"2025-06-01","end_date":"2025-06-30",
		  "kilowatt_hours":24000,"cost_per_kwh":0.1325,"state_sales_tax":"$212.40",
		  "gross_receipt_tax":"$61.20","delivery_charges":"$410.00"}`,
	}
	if err := h.seedBills(ctx, "prop-cedar", bills); err != nil {
		return err
	}
	for _, t := range tenants {
		if err := h.seedPeriod(ctx, "prop-cedar", t.id, "period-"+t.id+"-jun", "2025-06-01", "2025-06-30", t.kwh); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func (h *Handler) seedProperty(ctx context.Context, id, name, address string) error {
	return h.Store.SaveProperty(ctx, billing.Property{
		ID:        billing.PropertyID(id),
		Name:      name,
		Address:   address,
		CreatedAt: h.Clock(),
	})
}

func (h *Handler) seedTenant(ctx context.Context, propertyID, id, name, email string) error {
	return h.Store.SaveTenant(ctx, billing.Tenant{
		ID:         billing.TenantID(id),
		PropertyID: billing.PropertyID(propertyID),
		Name:       name,
		Email:      email,
		CreatedAt:  h.Clock(),
	})
}

// seedBills ingests raw documents in order, so creation order is the
// order given.
func (h *Handler) seedBills(ctx context.Context, propertyID string, docs []string) error {
	for i, raw := range docs {
		var doc factory.BillDocument
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return fmt.Errorf("bill %d: %w", i, err)
		}
		doc.PropertyID = propertyID
		bill, _, err := h.Bills.NormalizeBill(doc)
		if err != nil {
			return fmt.Errorf("bill %d: %w", i, err)
		}
		bill.CreatedAt = h.Clock().Add(time.Duration(i) * time.Second)
		if err := h.Store.SaveBill(ctx, bill); err != nil {
			return fmt.Errorf("bill %s: %w", bill.ID, err)
		}
	}
	return nil
}

func (h *Handler) seedPeriod(ctx context.Context, propertyID, tenantID, id, start, end, kwh string) error {
	p := billing.BillingPeriod{
		ID:            billing.BillingPeriodID(id),
		PropertyID:    billing.PropertyID(propertyID),
		TenantID:      billing.TenantID(tenantID),
		Start:         billing.MustParseDate(start),
		End:           billing.MustParseDate(end),
		KilowattHours: billing.MustParseDecimal(kwh),
		CreatedAt:     h.Clock(),
	}
	return h.Store.SaveBillingPeriod(ctx, p)
}
