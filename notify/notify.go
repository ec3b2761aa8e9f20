// Package notify tells tenants when an invoice has been sent.
package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/warp/utility-billing/billing"
)

// Notifier is called after an invoice moves to sent. Delivery failures
// never roll back the transition.
type Notifier interface {
	InvoiceSent(ctx context.Context, inv billing.Invoice, tenant billing.Tenant) error
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier only logs. Used when no email provider is configured.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) InvoiceSent(_ context.Context, inv billing.Invoice, tenant billing.Tenant) error {
	n.Logger.Info("invoice sent",
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("tenant_id", string(tenant.ID)),
		zap.String("email", tenant.Email),
		zap.String("total", inv.TotalAmount.StringFixed(2)),
	)
	return nil
}

// =============================================================================
// SENDGRID
// =============================================================================

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type SendGridNotifier struct {
	client    mailSender
	fromName  string
	fromEmail string
}

func NewSendGridNotifier(apiKey, fromName, fromEmail string) *SendGridNotifier {
	return &SendGridNotifier{
		client:    sendgrid.NewSendClient(apiKey),
		fromName:  fromName,
		fromEmail: fromEmail,
	}
}

func (n *SendGridNotifier) InvoiceSent(ctx context.Context, inv billing.Invoice, tenant billing.Tenant) error {
	if tenant.Email == "" {
		return fmt.Errorf("tenant %s has no email address", tenant.ID)
	}
	subject, plain, html := renderInvoiceEmail(inv, tenant)
	msg := mail.NewSingleEmail(
		mail.NewEmail(n.fromName, n.fromEmail),
		subject,
		mail.NewEmail(tenant.Name, tenant.Email),
		plain,
		html,
	)
	resp, err := n.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid error: %d %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func renderInvoiceEmail(inv billing.Invoice, tenant billing.Tenant) (subject, plain, html string) {
	subject = fmt.Sprintf("Utility invoice %s", inv.InvoiceNumber)
	due := "on receipt"
	if inv.DueDate != nil {
		due = inv.DueDate.String()
	}
	plain = fmt.Sprintf("Hello %s,\n\nYour utility invoice %s for %s to %s is $%s, due %s.\n\n%s\n",
		tenant.Name, inv.InvoiceNumber, inv.PeriodStart, inv.PeriodEnd,
		inv.TotalAmount.StringFixed(2), due, inv.CalculationBreakdown)
	html = fmt.Sprintf("<p>Hello %s,</p><p>Your utility invoice <strong>%s</strong> for %s to %s is <strong>$%s</strong>, due %s.</p><pre>%s</pre>",
		tenant.Name, inv.InvoiceNumber, inv.PeriodStart, inv.PeriodEnd,
		inv.TotalAmount.StringFixed(2), due, inv.CalculationBreakdown)
	return subject, plain, html
}
