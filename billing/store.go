/*
store.go - Persistence interface for billing records

PURPOSE:
  Defines the interface between the session controller and the external
  data store. The engine never touches it; only session.Controller does.
  Different implementations can use SQLite, a hosted Postgres, or memory.

KEY INTERFACES:
  Store:   Candidate queries, invoice/line-item inserts, task ledger updates
  TxStore: Store plus WithTx for all-or-nothing commits
  Seeder:  Reference-data loading for demos and tests

CONSUMPTION CONTRACT:
  MarkTimeEntryInvoiced and MarkExpenseInvoiced are compare-and-swap: they
  only succeed while the record's invoice_id is still null, and return
  ErrAlreadyInvoiced otherwise. Two sessions racing for the same entry
  cannot both consume it.

ADDITIVE TASK UPDATES:
  ApplyTaskBilling adds to billed_percentage / billed_amount and sets the
  billing mode only when the task is still unset. It never decrements.
  It is a guarded write in the same sense as the consumption calls: the
  check and the update happen under one lock or transaction, and it returns
  *ModeLockError when the stored mode is set and differs from the update's,
  or *BudgetExceededError when billed + added would pass 100. Two sessions
  that both passed the commit-time recheck cannot both land.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, transactional
  - billing/store/memory.go: In-memory for tests and demos

SEE ALSO:
  - session/controller.go: The only consumer
*/
package billing

import "context"

// Store handles persistence of billing records.
type Store interface {
	// ProjectTasks returns the project's tasks in a stable order.
	ProjectTasks(ctx context.Context, projectID ProjectID) ([]Task, error)

	// GetTask returns a single task or ErrTaskNotFound.
	GetTask(ctx context.Context, id TaskID) (Task, error)

	// UnbilledTimeEntries returns approved, billable entries with no invoice.
	UnbilledTimeEntries(ctx context.Context, projectID ProjectID) ([]TimeEntry, error)

	// UnbilledExpenses returns approved, billable expenses not yet invoiced.
	UnbilledExpenses(ctx context.Context, projectID ProjectID) ([]Expense, error)

	// CreateInvoice inserts the parent invoice record.
	CreateInvoice(ctx context.Context, inv Invoice) error

	// CreateLineItems inserts line items. All reference existing invoices.
	CreateLineItems(ctx context.Context, items []LineItem) error

	// ApplyTaskBilling adds an invoice's billing to a task's running totals.
	// ErrModeLocked or ErrBudgetExceeded (wrapped) if the task no longer admits it.
	ApplyTaskBilling(ctx context.Context, update TaskBillingUpdate) error

	// MarkTimeEntryInvoiced consumes an entry. ErrAlreadyInvoiced if taken.
	MarkTimeEntryInvoiced(ctx context.Context, id TimeEntryID, invoiceID InvoiceID) error

	// MarkExpenseInvoiced consumes an expense. ErrAlreadyInvoiced if taken.
	MarkExpenseInvoiced(ctx context.Context, id ExpenseID, invoiceID InvoiceID) error

	// GetInvoice returns an invoice or ErrInvoiceNotFound.
	GetInvoice(ctx context.Context, id InvoiceID) (Invoice, error)

	// ListInvoices returns a project's invoices ordered by CreatedAt.
	ListInvoices(ctx context.Context, projectID ProjectID) ([]Invoice, error)

	// InvoiceLineItems returns an invoice's line items in insertion order.
	InvoiceLineItems(ctx context.Context, invoiceID InvoiceID) ([]LineItem, error)

	// TaskBillingHistory returns every task line item for the task joined with
	// its invoice's creation time, ordered by that time.
	TaskBillingHistory(ctx context.Context, taskID TaskID) ([]TaskBillingRecord, error)
}

// TxStore wraps Store with transaction support.
// Use this when the commit must be all-or-nothing.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Seeder loads records the billing flow only reads. Concrete stores implement
// it for demo scenarios and tests.
type Seeder interface {
	SaveTask(ctx context.Context, t Task) error
	SaveTimeEntry(ctx context.Context, e TimeEntry) error
	SaveExpense(ctx context.Context, x Expense) error

	// Reset removes every record, including invoices.
	Reset(ctx context.Context) error
}
