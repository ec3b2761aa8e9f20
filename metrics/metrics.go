// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/utility-billing/billing"
)

var (
	InvoicesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilbill_invoices_generated_total",
			Help: "Invoices generated, by outcome",
		},
		[]string{"outcome"},
	)

	InvoiceDegradationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilbill_invoice_degradations_total",
			Help: "Generated invoices flagged as low confidence, by reason",
		},
		[]string{"reason"},
	)

	ExcludedBillsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utilbill_excluded_bills_total",
			Help: "Bills skipped during allocation because of missing or inverted dates",
		},
	)

	InvoiceTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilbill_invoice_transitions_total",
			Help: "Invoice status transitions, by target status and outcome",
		},
		[]string{"to", "outcome"},
	)

	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "utilbill_request_duration_seconds",
			Help:    "HTTP request duration in seconds, by method, route and status code",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	IncompleteBills = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "utilbill_incomplete_bills",
			Help: "Bills missing dates or rate, per property, as of the last extraction audit",
		},
		[]string{"property"},
	)

	ScheduledJobLastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "utilbill_job_last_run_timestamp",
			Help: "Unix timestamp of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobLastDurationSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "utilbill_job_last_duration_seconds",
			Help: "Duration of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utilbill_job_failures_total",
			Help: "Total number of failed executions per job",
		},
		[]string{"job"},
	)

	AuditMirrorFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utilbill_audit_mirror_failures_total",
			Help: "Audit entries the secondary sink failed to accept",
		},
	)
)

// RecordGeneration updates invoice counters from a generation attempt.
func RecordGeneration(flags *billing.AllocationFlags, err error) {
	if err != nil {
		InvoicesGeneratedTotal.WithLabelValues("error").Inc()
		return
	}
	InvoicesGeneratedTotal.WithLabelValues("ok").Inc()
	if flags == nil {
		return
	}
	for _, reason := range flags.Reasons() {
		InvoiceDegradationsTotal.WithLabelValues(reason).Inc()
	}
	if flags.ExcludedBillCount > 0 {
		ExcludedBillsTotal.Add(float64(flags.ExcludedBillCount))
	}
}

// RecordTransition counts a lifecycle transition attempt.
func RecordTransition(to billing.InvoiceStatus, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case billing.IsRetryable(err):
		outcome = "conflict"
	case billing.IsClientError(err):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	InvoiceTransitionsTotal.WithLabelValues(string(to), outcome).Inc()
}

func UpdateJobMetrics(job string, startedAt time.Time, err error) {
	ScheduledJobLastDurationSeconds.WithLabelValues(job).Set(time.Since(startedAt).Seconds())
	ScheduledJobLastRun.WithLabelValues(job).Set(float64(time.Now().Unix()))
	if err != nil {
		ScheduledJobFailuresTotal.WithLabelValues(job).Inc()
	}
}
