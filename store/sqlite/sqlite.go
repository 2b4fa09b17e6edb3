/*
Package sqlite provides a SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Persists tasks, time entries, expenses, invoices, and line items. In
  production the same patterns apply to PostgreSQL with minor SQL dialect
  differences.

INTERFACES IMPLEMENTED:
  billing.Store:   Candidate queries and invoice writes
  billing.TxStore: WithTx for all-or-nothing commits
  billing.Seeder:  Reference-data loading

CONSUMPTION:
  Marking a time entry or expense as invoiced is a single conditional UPDATE
  (WHERE invoice_id IS NULL). Zero rows affected means another invoice got
  there first and ErrAlreadyInvoiced is returned.

KEY TABLES:
  tasks:        Budget and cumulative billing per task
  time_entries: Logged hours; invoice_id set once consumed
  expenses:     Reimbursables; invoice_id and status set once consumed
  invoices:     One row per committed session
  line_items:   Invoice children, one per task / entry / expense

NUMBERS AND TIMES:
  Decimals are stored as TEXT to keep exact values. Timestamps are stored as
  fixed-width UTC strings so text ordering matches time ordering.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so an
  in-memory database is shared by every caller.

USAGE:
  store, err := sqlite.New("./billdora.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ctrl := session.NewController(store, logger, opts)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/billdora/billing-engine/billing"
)

const (
	timeLayout = "2006-01-02T15:04:05.000000000Z"
	dateLayout = "2006-01-02"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		total_budget TEXT,
		estimated_fees TEXT,
		billed_percentage TEXT NOT NULL DEFAULT '0',
		billed_amount TEXT NOT NULL DEFAULT '0',
		billing_mode TEXT NOT NULL DEFAULT 'unset'
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project
		ON tasks(project_id);

	CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT,
		date TEXT NOT NULL,
		hours TEXT NOT NULL,
		hourly_rate TEXT,
		description TEXT NOT NULL DEFAULT '',
		billable INTEGER NOT NULL DEFAULT 1,
		approval_status TEXT NOT NULL,
		invoice_id TEXT
	);

	-- Candidate loading (hot path)
	CREATE INDEX IF NOT EXISTS idx_time_entries_unbilled
		ON time_entries(project_id, approval_status, billable)
		WHERE invoice_id IS NULL;

	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		date TEXT NOT NULL,
		amount TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		billable INTEGER NOT NULL DEFAULT 1,
		approval_status TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'approved',
		invoice_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_expenses_unbilled
		ON expenses(project_id, approval_status, billable)
		WHERE invoice_id IS NULL;

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		billing_mode TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		tax_amount TEXT NOT NULL,
		total TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_project_created
		ON invoices(project_id, created_at);

	CREATE TABLE IF NOT EXISTS line_items (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		source TEXT NOT NULL,
		task_id TEXT,
		time_entry_id TEXT,
		expense_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		rate TEXT NOT NULL,
		amount TEXT NOT NULL,
		billing_percentage TEXT,
		prior_billed_percentage TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_invoice
		ON line_items(invoice_id);

	-- Task ledger history
	CREATE INDEX IF NOT EXISTS idx_line_items_task
		ON line_items(task_id) WHERE task_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS (billing.Store interface)
// =============================================================================

func (s *Store) ProjectTasks(ctx context.Context, projectID billing.ProjectID) ([]billing.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ProjectTasks(ctx, projectID)
}

func (s *Store) GetTask(ctx context.Context, id billing.TaskID) (billing.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetTask(ctx, id)
}

func (s *Store) UnbilledTimeEntries(ctx context.Context, projectID billing.ProjectID) ([]billing.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.UnbilledTimeEntries(ctx, projectID)
}

func (s *Store) UnbilledExpenses(ctx context.Context, projectID billing.ProjectID) ([]billing.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.UnbilledExpenses(ctx, projectID)
}

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetInvoice(ctx, id)
}

func (s *Store) ListInvoices(ctx context.Context, projectID billing.ProjectID) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListInvoices(ctx, projectID)
}

func (s *Store) InvoiceLineItems(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.InvoiceLineItems(ctx, invoiceID)
}

func (s *Store) TaskBillingHistory(ctx context.Context, taskID billing.TaskID) ([]billing.TaskBillingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.TaskBillingHistory(ctx, taskID)
}

// GetTimeEntry returns an entry whether or not it has been invoiced.
func (s *Store) GetTimeEntry(ctx context.Context, id billing.TimeEntryID) (billing.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := s.q.queryTimeEntries(ctx, timeEntrySelect+` WHERE id = ?`, id)
	if err != nil {
		return billing.TimeEntry{}, err
	}
	if len(entries) == 0 {
		return billing.TimeEntry{}, billing.ErrTimeEntryNotFound
	}
	return entries[0], nil
}

// GetExpense returns an expense whether or not it has been invoiced.
func (s *Store) GetExpense(ctx context.Context, id billing.ExpenseID) (billing.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expenses, err := s.q.queryExpenses(ctx, expenseSelect+` WHERE id = ?`, id)
	if err != nil {
		return billing.Expense{}, err
	}
	if len(expenses) == 0 {
		return billing.Expense{}, billing.ErrExpenseNotFound
	}
	return expenses[0], nil
}

// =============================================================================
// WRITES (billing.Store interface)
// =============================================================================

func (s *Store) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreateInvoice(ctx, inv)
}

// CreateLineItems inserts all items atomically.
func (s *Store) CreateLineItems(ctx context.Context, items []billing.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q queries) error {
		return q.CreateLineItems(ctx, items)
	})
}

// ApplyTaskBilling reads and writes the task in one transaction.
func (s *Store) ApplyTaskBilling(ctx context.Context, update billing.TaskBillingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q queries) error {
		return q.ApplyTaskBilling(ctx, update)
	})
}

func (s *Store) MarkTimeEntryInvoiced(ctx context.Context, id billing.TimeEntryID, invoiceID billing.InvoiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.MarkTimeEntryInvoiced(ctx, id, invoiceID)
}

func (s *Store) MarkExpenseInvoiced(ctx context.Context, id billing.ExpenseID, invoiceID billing.InvoiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.MarkExpenseInvoiced(ctx, id, invoiceID)
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q queries) error {
		return fn(q)
	})
}

// inTx runs fn against a transaction. Caller holds s.mu.
func (s *Store) inTx(ctx context.Context, fn func(q queries) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// SEEDING (billing.Seeder interface)
// =============================================================================

// SaveTask inserts or updates a task, keeping its position in listings.
func (s *Store) SaveTask(ctx context.Context, t billing.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode := t.BillingMode
	if mode == "" {
		mode = billing.ModeUnset
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, name, total_budget, estimated_fees,
		                   billed_percentage, billed_amount, billing_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			name = excluded.name,
			total_budget = excluded.total_budget,
			estimated_fees = excluded.estimated_fees,
			billed_percentage = excluded.billed_percentage,
			billed_amount = excluded.billed_amount,
			billing_mode = excluded.billing_mode
	`,
		t.ID, t.ProjectID, t.Name,
		nullDecimal(t.TotalBudget), nullDecimal(t.EstimatedFees),
		t.BilledPercentage.String(), t.BilledAmount.String(), mode,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// SaveTimeEntry inserts or updates a time entry.
func (s *Store) SaveTimeEntry(ctx context.Context, e billing.TimeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var taskID sql.NullString
	if e.TaskID != nil {
		taskID = nullString(string(*e.TaskID))
	}
	var invoiceID sql.NullString
	if e.InvoiceID != nil {
		invoiceID = nullString(string(*e.InvoiceID))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO time_entries (id, project_id, task_id, date, hours, hourly_rate,
		                          description, billable, approval_status, invoice_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			task_id = excluded.task_id,
			date = excluded.date,
			hours = excluded.hours,
			hourly_rate = excluded.hourly_rate,
			description = excluded.description,
			billable = excluded.billable,
			approval_status = excluded.approval_status,
			invoice_id = excluded.invoice_id
	`,
		e.ID, e.ProjectID, taskID, e.Date.Format(dateLayout), e.Hours.String(),
		nullDecimal(e.HourlyRate), e.Description, e.Billable, e.ApprovalStatus, invoiceID,
	)
	if err != nil {
		return fmt.Errorf("failed to save time entry: %w", err)
	}
	return nil
}

// SaveExpense inserts or updates an expense.
func (s *Store) SaveExpense(ctx context.Context, x billing.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := x.Status
	if status == "" {
		status = billing.ExpenseApproved
	}
	var invoiceID sql.NullString
	if x.InvoiceID != nil {
		invoiceID = nullString(string(*x.InvoiceID))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, project_id, date, amount, category, description,
		                      billable, approval_status, status, invoice_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			date = excluded.date,
			amount = excluded.amount,
			category = excluded.category,
			description = excluded.description,
			billable = excluded.billable,
			approval_status = excluded.approval_status,
			status = excluded.status,
			invoice_id = excluded.invoice_id
	`,
		x.ID, x.ProjectID, x.Date.Format(dateLayout), x.Amount.String(), x.Category,
		x.Description, x.Billable, x.ApprovalStatus, status, invoiceID,
	)
	if err != nil {
		return fmt.Errorf("failed to save expense: %w", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"line_items", "invoices", "time_entries", "expenses", "tasks"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES - billing.Store over a *sql.DB or *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds no lock; Store and WithTx serialize access.
type queries struct {
	db querier
}

const taskSelect = `
	SELECT id, project_id, name, total_budget, estimated_fees,
	       billed_percentage, billed_amount, billing_mode
	FROM tasks`

const timeEntrySelect = `
	SELECT id, project_id, task_id, date, hours, hourly_rate, description,
	       billable, approval_status, invoice_id
	FROM time_entries`

const expenseSelect = `
	SELECT id, project_id, date, amount, category, description, billable,
	       approval_status, status, invoice_id
	FROM expenses`

const invoiceSelect = `
	SELECT id, project_id, billing_mode, subtotal, tax_rate, tax_amount, total,
	       status, created_at
	FROM invoices`

func (q queries) ProjectTasks(ctx context.Context, projectID billing.ProjectID) ([]billing.Task, error) {
	return q.queryTasks(ctx, taskSelect+` WHERE project_id = ? ORDER BY rowid`, projectID)
}

func (q queries) GetTask(ctx context.Context, id billing.TaskID) (billing.Task, error) {
	tasks, err := q.queryTasks(ctx, taskSelect+` WHERE id = ?`, id)
	if err != nil {
		return billing.Task{}, err
	}
	if len(tasks) == 0 {
		return billing.Task{}, billing.ErrTaskNotFound
	}
	return tasks[0], nil
}

func (q queries) UnbilledTimeEntries(ctx context.Context, projectID billing.ProjectID) ([]billing.TimeEntry, error) {
	return q.queryTimeEntries(ctx, timeEntrySelect+`
		WHERE project_id = ? AND approval_status = ? AND billable = 1 AND invoice_id IS NULL
		ORDER BY rowid`,
		projectID, billing.ApprovalApproved)
}

func (q queries) UnbilledExpenses(ctx context.Context, projectID billing.ProjectID) ([]billing.Expense, error) {
	return q.queryExpenses(ctx, expenseSelect+`
		WHERE project_id = ? AND approval_status = ? AND billable = 1
		  AND invoice_id IS NULL AND status != ?
		ORDER BY rowid`,
		projectID, billing.ApprovalApproved, billing.ExpenseInvoiced)
}

func (q queries) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO invoices (id, project_id, billing_mode, subtotal, tax_rate,
		                      tax_amount, total, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID, inv.ProjectID, inv.BillingMode, inv.Subtotal.String(), inv.TaxRate.String(),
		inv.TaxAmount.String(), inv.Total.String(), inv.Status, formatTime(inv.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("invoice %s already exists: %w", inv.ID, err)
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (q queries) CreateLineItems(ctx context.Context, items []billing.LineItem) error {
	// Check all parents first
	seen := make(map[billing.InvoiceID]bool)
	for _, item := range items {
		if seen[item.InvoiceID] {
			continue
		}
		var count int
		if err := q.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM invoices WHERE id = ?", item.InvoiceID,
		).Scan(&count); err != nil {
			return fmt.Errorf("failed to check invoice: %w", err)
		}
		if count == 0 {
			return billing.ErrInvoiceNotFound
		}
		seen[item.InvoiceID] = true
	}

	for _, item := range items {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO line_items (id, invoice_id, source, task_id, time_entry_id, expense_id,
			                        description, quantity, rate, amount, billing_percentage,
			                        prior_billed_percentage, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			item.ID, item.InvoiceID, item.Source,
			nullID(item.TaskID), nullID(item.TimeEntryID), nullID(item.ExpenseID),
			item.Description, item.Quantity.String(), item.Rate.String(), item.Amount.String(),
			nullDecimal(item.BillingPercentage), nullDecimal(item.PriorBilledPercentage),
			formatTime(item.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create line item: %w", err)
		}
	}
	return nil
}

func (q queries) ApplyTaskBilling(ctx context.Context, u billing.TaskBillingUpdate) error {
	t, err := q.GetTask(ctx, u.TaskID)
	if err != nil {
		return err
	}
	if err := t.Admit(u); err != nil {
		return err
	}
	mode := t.BillingMode
	if (mode == "" || mode == billing.ModeUnset) && u.Mode.IsValid() {
		mode = u.Mode
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE tasks SET billed_percentage = ?, billed_amount = ?, billing_mode = ?
		WHERE id = ?
	`,
		t.BilledPercentage.Add(u.AddPercentage).String(),
		t.BilledAmount.Add(u.AddAmount).String(),
		mode, u.TaskID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

func (q queries) MarkTimeEntryInvoiced(ctx context.Context, id billing.TimeEntryID, invoiceID billing.InvoiceID) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE time_entries SET invoice_id = ? WHERE id = ? AND invoice_id IS NULL`,
		invoiceID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to link time entry: %w", err)
	}
	return q.checkClaimed(ctx, res, "time_entries", string(id), billing.ErrTimeEntryNotFound)
}

func (q queries) MarkExpenseInvoiced(ctx context.Context, id billing.ExpenseID, invoiceID billing.InvoiceID) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE expenses SET invoice_id = ?, status = ?
		WHERE id = ? AND invoice_id IS NULL AND status != ?
	`,
		invoiceID, billing.ExpenseInvoiced, id, billing.ExpenseInvoiced,
	)
	if err != nil {
		return fmt.Errorf("failed to link expense: %w", err)
	}
	return q.checkClaimed(ctx, res, "expenses", string(id), billing.ErrExpenseNotFound)
}

// checkClaimed turns a zero-row conditional update into the right error.
func (q queries) checkClaimed(ctx context.Context, res sql.Result, table, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var count int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return notFound
	}
	return billing.ErrAlreadyInvoiced
}

func (q queries) GetInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	invoices, err := q.queryInvoices(ctx, invoiceSelect+` WHERE id = ?`, id)
	if err != nil {
		return billing.Invoice{}, err
	}
	if len(invoices) == 0 {
		return billing.Invoice{}, billing.ErrInvoiceNotFound
	}
	return invoices[0], nil
}

func (q queries) ListInvoices(ctx context.Context, projectID billing.ProjectID) ([]billing.Invoice, error) {
	return q.queryInvoices(ctx, invoiceSelect+` WHERE project_id = ? ORDER BY created_at, rowid`, projectID)
}

func (q queries) InvoiceLineItems(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.LineItem, error) {
	if _, err := q.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, invoice_id, source, task_id, time_entry_id, expense_id, description,
		       quantity, rate, amount, billing_percentage, prior_billed_percentage, created_at
		FROM line_items
		WHERE invoice_id = ?
		ORDER BY rowid
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	var items []billing.LineItem
	for rows.Next() {
		var (
			item                   billing.LineItem
			taskID, entryID, expID sql.NullString
			quantity, rate, amount string
			pct, prior             sql.NullString
			createdAt              string
		)
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Source, &taskID, &entryID, &expID,
			&item.Description, &quantity, &rate, &amount, &pct, &prior, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		if taskID.Valid {
			id := billing.TaskID(taskID.String)
			item.TaskID = &id
		}
		if entryID.Valid {
			id := billing.TimeEntryID(entryID.String)
			item.TimeEntryID = &id
		}
		if expID.Valid {
			id := billing.ExpenseID(expID.String)
			item.ExpenseID = &id
		}
		item.Quantity = billing.MustParseDecimal(quantity)
		item.Rate = billing.MustParseDecimal(rate)
		item.Amount = billing.MustParseDecimal(amount)
		item.BillingPercentage = parseNullDecimal(pct)
		item.PriorBilledPercentage = parseNullDecimal(prior)
		item.CreatedAt = parseTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (q queries) TaskBillingHistory(ctx context.Context, taskID billing.TaskID) ([]billing.TaskBillingRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT li.invoice_id, li.id, i.created_at, li.billing_percentage, li.amount
		FROM line_items li
		JOIN invoices i ON i.id = li.invoice_id
		WHERE li.task_id = ? AND li.source = ?
		ORDER BY i.created_at, li.id
	`, taskID, billing.SourceTask)
	if err != nil {
		return nil, fmt.Errorf("failed to query billing history: %w", err)
	}
	defer rows.Close()

	var records []billing.TaskBillingRecord
	for rows.Next() {
		var (
			rec       = billing.TaskBillingRecord{TaskID: taskID}
			createdAt string
			pct       sql.NullString
			amount    string
		)
		if err := rows.Scan(&rec.InvoiceID, &rec.LineItemID, &createdAt, &pct, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan billing history: %w", err)
		}
		rec.InvoiceCreatedAt = parseTime(createdAt)
		rec.Amount = billing.MustParseDecimal(amount)
		if p := parseNullDecimal(pct); p != nil {
			rec.Percentage = *p
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

func (q queries) queryTasks(ctx context.Context, query string, args ...any) ([]billing.Task, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []billing.Task
	for rows.Next() {
		var (
			t                   billing.Task
			budget, fees        sql.NullString
			billedPct, billedAm string
		)
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Name, &budget, &fees,
			&billedPct, &billedAm, &t.BillingMode); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.TotalBudget = parseNullDecimal(budget)
		t.EstimatedFees = parseNullDecimal(fees)
		t.BilledPercentage = billing.MustParseDecimal(billedPct)
		t.BilledAmount = billing.MustParseDecimal(billedAm)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (q queries) queryTimeEntries(ctx context.Context, query string, args ...any) ([]billing.TimeEntry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query time entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.TimeEntry
	for rows.Next() {
		var (
			e                 billing.TimeEntry
			taskID, invoiceID sql.NullString
			date, hours       string
			rate              sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &taskID, &date, &hours, &rate,
			&e.Description, &e.Billable, &e.ApprovalStatus, &invoiceID); err != nil {
			return nil, fmt.Errorf("failed to scan time entry: %w", err)
		}
		if taskID.Valid {
			id := billing.TaskID(taskID.String)
			e.TaskID = &id
		}
		if invoiceID.Valid {
			id := billing.InvoiceID(invoiceID.String)
			e.InvoiceID = &id
		}
		e.Date, _ = time.Parse(dateLayout, date)
		e.Hours = billing.MustParseDecimal(hours)
		e.HourlyRate = parseNullDecimal(rate)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q queries) queryExpenses(ctx context.Context, query string, args ...any) ([]billing.Expense, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expenses: %w", err)
	}
	defer rows.Close()

	var expenses []billing.Expense
	for rows.Next() {
		var (
			x            billing.Expense
			date, amount string
			invoiceID    sql.NullString
		)
		if err := rows.Scan(&x.ID, &x.ProjectID, &date, &amount, &x.Category, &x.Description,
			&x.Billable, &x.ApprovalStatus, &x.Status, &invoiceID); err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		if invoiceID.Valid {
			id := billing.InvoiceID(invoiceID.String)
			x.InvoiceID = &id
		}
		x.Date, _ = time.Parse(dateLayout, date)
		x.Amount = billing.MustParseDecimal(amount)
		expenses = append(expenses, x)
	}
	return expenses, rows.Err()
}

func (q queries) queryInvoices(ctx context.Context, query string, args ...any) ([]billing.Invoice, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []billing.Invoice
	for rows.Next() {
		var (
			inv                               billing.Invoice
			subtotal, taxRate, taxAmount, tot string
			createdAt                         string
		)
		if err := rows.Scan(&inv.ID, &inv.ProjectID, &inv.BillingMode, &subtotal, &taxRate,
			&taxAmount, &tot, &inv.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.Subtotal = billing.MustParseDecimal(subtotal)
		inv.TaxRate = billing.MustParseDecimal(taxRate)
		inv.TaxAmount = billing.MustParseDecimal(taxAmount)
		inv.Total = billing.MustParseDecimal(tot)
		inv.CreatedAt = parseTime(createdAt)
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func nullID[T ~string](id *T) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ billing.TxStore = (*Store)(nil)
var _ billing.Seeder = (*Store)(nil)
