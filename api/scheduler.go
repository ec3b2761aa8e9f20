/*
scheduler.go - Scheduled extraction audit

PURPOSE:
  Periodically scans every property's bills for extraction gaps (missing
  dates, missing rate) so staff can fix them before invoices are
  generated. Bills with gaps are not errors: the allocator excludes or
  falls back on them and flags the invoice. This job surfaces them early.

DESIGN:
  - robfig/cron schedule in standard 5-field syntax (default "0 6 * * *")
  - One run at a time; a tick that arrives mid-run is skipped
  - Per-property gauge utilbill_incomplete_bills plus a warning log line
    listing the incomplete bill ids
  - Job timing and failures recorded through metrics.UpdateJobMetrics

USAGE:
  scheduler, err := NewExtractionAuditScheduler(store, logger, "0 6 * * *")
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - billing/types.go: UtilityBill.Incomplete
  - metrics/metrics.go: Gauges
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/utility-billing/billing"
	"github.com/warp/utility-billing/metrics"
)

const extractionAuditJob = "extraction_audit"

// AuditReport is the result of one extraction audit run.
type AuditReport struct {
	RanAt time.Time
	// Incomplete maps property id to the ids of bills with gaps.
	Incomplete map[billing.PropertyID][]billing.BillID
}

// Total returns the number of incomplete bills across all properties.
func (r AuditReport) Total() int {
	n := 0
	for _, ids := range r.Incomplete {
		n += len(ids)
	}
	return n
}

// ExtractionAuditScheduler runs the extraction audit on a cron schedule.
type ExtractionAuditScheduler struct {
	Store  billing.Store
	Logger *zap.Logger
	Clock  func() time.Time

	cron    *cron.Cron
	spec    string
	running sync.Mutex
	mu      sync.Mutex
	started bool
	last    *AuditReport
}

// NewExtractionAuditScheduler validates spec and creates the scheduler.
func NewExtractionAuditScheduler(store billing.Store, logger *zap.Logger, spec string) (*ExtractionAuditScheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtractionAuditScheduler{
		Store:  store,
		Logger: logger,
		Clock:  func() time.Time { return time.Now().UTC() },
		cron:   cron.New(),
		spec:   spec,
	}, nil
}

// Start begins the scheduler.
func (s *ExtractionAuditScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	_, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.Logger.Error("extraction audit failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.started = true
	s.Logger.Info("extraction audit scheduled", zap.String("schedule", s.spec))
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (s *ExtractionAuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
	s.Logger.Info("extraction audit stopped")
}

// LastReport returns the most recent report, or nil before the first run.
func (s *ExtractionAuditScheduler) LastReport() *AuditReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunOnce scans all properties now. Overlapping calls are skipped and
// return a nil report.
func (s *ExtractionAuditScheduler) RunOnce(ctx context.Context) (report *AuditReport, err error) {
	if !s.running.TryLock() {
		s.Logger.Debug("extraction audit already running, skipping")
		return nil, nil
	}
	defer s.running.Unlock()

	startedAt := time.Now()
	defer func() { metrics.UpdateJobMetrics(extractionAuditJob, startedAt, err) }()

	props, err := s.Store.ListProperties(ctx)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}

	report = &AuditReport{RanAt: s.Clock(), Incomplete: make(map[billing.PropertyID][]billing.BillID)}
	for _, p := range props {
		bills, err := s.Store.ListBills(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("list bills for %s: %w", p.ID, err)
		}

		var ids []billing.BillID
		for _, b := range bills {
			if len(b.Incomplete()) > 0 {
				ids = append(ids, b.ID)
			}
		}
		metrics.IncompleteBills.WithLabelValues(string(p.ID)).Set(float64(len(ids)))
		if len(ids) == 0 {
			continue
		}

		report.Incomplete[p.ID] = ids
		names := make([]string, len(ids))
		for i, id := range ids {
			names[i] = string(id)
		}
		s.Logger.Warn("bills with extraction gaps",
			zap.String("property_id", string(p.ID)),
			zap.Strings("bill_ids", names),
		)
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	s.Logger.Info("extraction audit complete",
		zap.Int("properties", len(props)),
		zap.Int("incomplete_bills", report.Total()),
	)
	return report, nil
}
