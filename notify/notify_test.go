package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/utility-billing/billing"
)

type fakeSender struct {
	sent   []*mail.SGMailV3
	status int
	err    error
}

func (f *fakeSender) SendWithContext(_ context.Context, m *mail.SGMailV3) (*rest.Response, error) {
	f.sent = append(f.sent, m)
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status, Body: "bad request"}, nil
}

func juneInvoice() billing.Invoice {
	due := billing.NewDate(2025, time.July, 31)
	return billing.Invoice{
		InvoiceNumber: "INV-202507-000001",
		PeriodStart:   billing.NewDate(2025, time.June, 1),
		PeriodEnd:     billing.NewDate(2025, time.June, 30),
		TotalAmount:   decimal.NewFromInt(118),
		DueDate:       &due,
	}
}

var suite100 = billing.Tenant{ID: "tenant-1", Name: "Suite 100", Email: "suite100@example.com"}

func TestSendGridNotifier_Sends(t *testing.T) {
	fake := &fakeSender{status: 202}
	n := &SendGridNotifier{client: fake, fromName: "Billing", fromEmail: "billing@example.com"}

	require.NoError(t, n.InvoiceSent(context.Background(), juneInvoice(), suite100))

	require.Len(t, fake.sent, 1)
	assert.Equal(t, "Utility invoice INV-202507-000001", fake.sent[0].Subject)
	require.Len(t, fake.sent[0].Personalizations, 1)
	assert.Equal(t, "suite100@example.com", fake.sent[0].Personalizations[0].To[0].Address)
}

func TestSendGridNotifier_Failures(t *testing.T) {
	n := &SendGridNotifier{client: &fakeSender{status: 400}}
	assert.ErrorContains(t, n.InvoiceSent(context.Background(), juneInvoice(), suite100), "400")

	n = &SendGridNotifier{client: &fakeSender{err: errors.New("timeout")}}
	assert.ErrorContains(t, n.InvoiceSent(context.Background(), juneInvoice(), suite100), "timeout")

	fake := &fakeSender{status: 202}
	n = &SendGridNotifier{client: fake}
	assert.Error(t, n.InvoiceSent(context.Background(), juneInvoice(), billing.Tenant{ID: "t"}))
	assert.Empty(t, fake.sent)
}

func TestRenderInvoiceEmail(t *testing.T) {
	_, plain, html := renderInvoiceEmail(juneInvoice(), suite100)
	assert.Contains(t, plain, "is $118.00, due 2025-07-31")
	assert.Contains(t, html, "<strong>$118.00</strong>")
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	require.NoError(t, LogNotifier{Logger: zap.New(core)}.InvoiceSent(context.Background(), juneInvoice(), suite100))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "118.00", logs.All()[0].ContextMap()["total"])
}
