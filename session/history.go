package session

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/billdora/billing-engine/billing"
)

// =============================================================================
// CROSS-INVOICE LEDGER
// =============================================================================
//
// A task can be billed across many invoices. The percentage billed "before"
// an invoice is the sum of task line items that precede it in ledger order:
// invoice creation time, then line item ID for invoices created at the same
// instant. The live Task.BilledPercentage already includes every committed
// invoice, so it cannot answer that question for an old invoice.

// PriorPercentage sums the percentages of records that precede the line item
// created at the given time. An empty lineItem counts only strictly earlier
// invoices.
func PriorPercentage(records []billing.TaskBillingRecord, at time.Time, lineItem billing.LineItemID) decimal.Decimal {
	total := decimal.Zero
	for _, r := range records {
		if precedes(r, at, lineItem) {
			total = total.Add(r.Percentage)
		}
	}
	return total
}

// precedes matches the order TaskBillingHistory returns.
func precedes(r billing.TaskBillingRecord, at time.Time, lineItem billing.LineItemID) bool {
	if r.InvoiceCreatedAt.Equal(at) {
		return r.LineItemID < lineItem
	}
	return r.InvoiceCreatedAt.Before(at)
}

// InvoiceLine is a stored line item plus its reconstructed prior percentage.
// PriorPercentage is nil for time entry and expense lines.
type InvoiceLine struct {
	billing.LineItem
	PriorPercentage *decimal.Decimal
}

// InvoiceDetail is an invoice rendered for display.
type InvoiceDetail struct {
	Invoice billing.Invoice
	Lines   []InvoiceLine
}
