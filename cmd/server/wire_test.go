package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/utility-billing/auth"
	"github.com/warp/utility-billing/config"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("UTILBILL_STORAGE_DRIVER", "memory")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuildApp_Memory(t *testing.T) {
	// GIVEN: Default config on the memory store with sequence numbering
	// WHEN: Building the app and generating an invoice from a scenario
	// THEN: The router serves the full flow

	cfg := memoryConfig(t)
	cfg.Invoice.Numbering = "sequence"

	app, err := buildApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close()
	require.NotNil(t, app.Scheduler)

	post := func(path, role, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		req.Header.Set(auth.HeaderActorID, "ops")
		req.Header.Set(auth.HeaderActorRole, role)
		rec := httptest.NewRecorder()
		app.Router.ServeHTTP(rec, req)
		return rec
	}

	rec := post("/api/scenarios/load", "admin", `{"scenario_id":"june-split"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = post("/api/invoices", "manager", `{
		"property_id": "prop-maple",
		"tenant_id": "tenant-suite-100",
		"billing_period_ids": ["period-suite-100-jun"]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `-000001"`)
}

func TestBuildApp_SchedulerDisabled(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Scheduler.Enabled = false

	app, err := buildApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	assert.Nil(t, app.Scheduler)
}

func TestBuildApp_SQLite(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = t.TempDir() + "/billing.db"

	app, err := buildApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	app.Close()
}

func TestBuildApp_UnknownDriver(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Storage.Driver = "oracle"

	_, err := buildApp(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
