// Package store provides in-memory billing.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/billdora/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a mutex-guarded billing.Store. It has no transactions: use
// TxMemory when the caller needs WithTx.
type Memory struct {
	mu    sync.RWMutex
	state *memState
}

func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

// SaveTask inserts or replaces a task.
func (m *Memory) SaveTask(_ context.Context, t billing.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.saveTask(t)
	return nil
}

// SaveTimeEntry inserts or replaces a time entry.
func (m *Memory) SaveTimeEntry(_ context.Context, e billing.TimeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.saveTimeEntry(e)
	return nil
}

// SaveExpense inserts or replaces an expense.
func (m *Memory) SaveExpense(_ context.Context, x billing.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.saveExpense(x)
	return nil
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemState()
	return nil
}

// TimeEntry returns a stored entry, consumed or not.
func (m *Memory) TimeEntry(id billing.TimeEntryID) (billing.TimeEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.state.entries[id]
	return e, ok
}

// Expense returns a stored expense, consumed or not.
func (m *Memory) Expense(id billing.ExpenseID) (billing.Expense, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	x, ok := m.state.expenses[id]
	return x, ok
}

func (m *Memory) ProjectTasks(ctx context.Context, projectID billing.ProjectID) ([]billing.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ProjectTasks(ctx, projectID)
}

func (m *Memory) GetTask(ctx context.Context, id billing.TaskID) (billing.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetTask(ctx, id)
}

func (m *Memory) UnbilledTimeEntries(ctx context.Context, projectID billing.ProjectID) ([]billing.TimeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.UnbilledTimeEntries(ctx, projectID)
}

func (m *Memory) UnbilledExpenses(ctx context.Context, projectID billing.ProjectID) ([]billing.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.UnbilledExpenses(ctx, projectID)
}

func (m *Memory) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateInvoice(ctx, inv)
}

func (m *Memory) CreateLineItems(ctx context.Context, items []billing.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateLineItems(ctx, items)
}

func (m *Memory) ApplyTaskBilling(ctx context.Context, update billing.TaskBillingUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ApplyTaskBilling(ctx, update)
}

func (m *Memory) MarkTimeEntryInvoiced(ctx context.Context, id billing.TimeEntryID, invoiceID billing.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.MarkTimeEntryInvoiced(ctx, id, invoiceID)
}

func (m *Memory) MarkExpenseInvoiced(ctx context.Context, id billing.ExpenseID, invoiceID billing.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.MarkExpenseInvoiced(ctx, id, invoiceID)
}

func (m *Memory) GetInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetInvoice(ctx, id)
}

func (m *Memory) ListInvoices(ctx context.Context, projectID billing.ProjectID) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListInvoices(ctx, projectID)
}

func (m *Memory) InvoiceLineItems(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.InvoiceLineItems(ctx, invoiceID)
}

func (m *Memory) TaskBillingHistory(ctx context.Context, taskID billing.TaskID) ([]billing.TaskBillingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.TaskBillingHistory(ctx, taskID)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.clone()

	// The unlocked state is the transactional view; the lock is already held.
	if err := fn(tm.state); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

// =============================================================================
// STATE - Unlocked data + billing.Store implementation
// =============================================================================

type memState struct {
	tasks     map[billing.TaskID]billing.Task
	taskOrder []billing.TaskID

	entries    map[billing.TimeEntryID]billing.TimeEntry
	entryOrder []billing.TimeEntryID

	expenses     map[billing.ExpenseID]billing.Expense
	expenseOrder []billing.ExpenseID

	invoices     map[billing.InvoiceID]billing.Invoice
	invoiceOrder []billing.InvoiceID

	lineItems map[billing.InvoiceID][]billing.LineItem
}

func newMemState() *memState {
	return &memState{
		tasks:     make(map[billing.TaskID]billing.Task),
		entries:   make(map[billing.TimeEntryID]billing.TimeEntry),
		expenses:  make(map[billing.ExpenseID]billing.Expense),
		invoices:  make(map[billing.InvoiceID]billing.Invoice),
		lineItems: make(map[billing.InvoiceID][]billing.LineItem),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.expenses {
		c.expenses[k] = v
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.lineItems {
		c.lineItems[k] = append([]billing.LineItem{}, v...)
	}
	c.taskOrder = append([]billing.TaskID{}, s.taskOrder...)
	c.entryOrder = append([]billing.TimeEntryID{}, s.entryOrder...)
	c.expenseOrder = append([]billing.ExpenseID{}, s.expenseOrder...)
	c.invoiceOrder = append([]billing.InvoiceID{}, s.invoiceOrder...)
	return c
}

func (s *memState) saveTask(t billing.Task) {
	if _, ok := s.tasks[t.ID]; !ok {
		s.taskOrder = append(s.taskOrder, t.ID)
	}
	if t.BillingMode == "" {
		t.BillingMode = billing.ModeUnset
	}
	s.tasks[t.ID] = t
}

func (s *memState) saveTimeEntry(e billing.TimeEntry) {
	if _, ok := s.entries[e.ID]; !ok {
		s.entryOrder = append(s.entryOrder, e.ID)
	}
	s.entries[e.ID] = e
}

func (s *memState) saveExpense(x billing.Expense) {
	if _, ok := s.expenses[x.ID]; !ok {
		s.expenseOrder = append(s.expenseOrder, x.ID)
	}
	s.expenses[x.ID] = x
}

func (s *memState) ProjectTasks(_ context.Context, projectID billing.ProjectID) ([]billing.Task, error) {
	var out []billing.Task
	for _, id := range s.taskOrder {
		if t := s.tasks[id]; t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memState) GetTask(_ context.Context, id billing.TaskID) (billing.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return billing.Task{}, billing.ErrTaskNotFound
	}
	return t, nil
}

func (s *memState) UnbilledTimeEntries(_ context.Context, projectID billing.ProjectID) ([]billing.TimeEntry, error) {
	var out []billing.TimeEntry
	for _, id := range s.entryOrder {
		if e := s.entries[id]; e.ProjectID == projectID && e.IsCandidate() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memState) UnbilledExpenses(_ context.Context, projectID billing.ProjectID) ([]billing.Expense, error) {
	var out []billing.Expense
	for _, id := range s.expenseOrder {
		if x := s.expenses[id]; x.ProjectID == projectID && x.IsCandidate() {
			out = append(out, x)
		}
	}
	return out, nil
}

func (s *memState) CreateInvoice(_ context.Context, inv billing.Invoice) error {
	if _, ok := s.invoices[inv.ID]; ok {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	s.invoiceOrder = append(s.invoiceOrder, inv.ID)
	s.invoices[inv.ID] = inv
	return nil
}

func (s *memState) CreateLineItems(_ context.Context, items []billing.LineItem) error {
	// Check all parents first (atomic check)
	for _, item := range items {
		if _, ok := s.invoices[item.InvoiceID]; !ok {
			return billing.ErrInvoiceNotFound
		}
	}
	for _, item := range items {
		s.lineItems[item.InvoiceID] = append(s.lineItems[item.InvoiceID], item)
	}
	return nil
}

func (s *memState) ApplyTaskBilling(_ context.Context, u billing.TaskBillingUpdate) error {
	t, ok := s.tasks[u.TaskID]
	if !ok {
		return billing.ErrTaskNotFound
	}
	if err := t.Admit(u); err != nil {
		return err
	}
	t.BilledPercentage = t.BilledPercentage.Add(u.AddPercentage)
	t.BilledAmount = t.BilledAmount.Add(u.AddAmount)
	if (t.BillingMode == "" || t.BillingMode == billing.ModeUnset) && u.Mode.IsValid() {
		t.BillingMode = u.Mode
	}
	s.tasks[u.TaskID] = t
	return nil
}

func (s *memState) MarkTimeEntryInvoiced(_ context.Context, id billing.TimeEntryID, invoiceID billing.InvoiceID) error {
	e, ok := s.entries[id]
	if !ok {
		return billing.ErrTimeEntryNotFound
	}
	if e.InvoiceID != nil {
		return billing.ErrAlreadyInvoiced
	}
	e.InvoiceID = &invoiceID
	s.entries[id] = e
	return nil
}

func (s *memState) MarkExpenseInvoiced(_ context.Context, id billing.ExpenseID, invoiceID billing.InvoiceID) error {
	x, ok := s.expenses[id]
	if !ok {
		return billing.ErrExpenseNotFound
	}
	if x.InvoiceID != nil || x.Status == billing.ExpenseInvoiced {
		return billing.ErrAlreadyInvoiced
	}
	x.InvoiceID = &invoiceID
	x.Status = billing.ExpenseInvoiced
	s.expenses[id] = x
	return nil
}

func (s *memState) GetInvoice(_ context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return billing.Invoice{}, billing.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *memState) ListInvoices(_ context.Context, projectID billing.ProjectID) ([]billing.Invoice, error) {
	var out []billing.Invoice
	for _, id := range s.invoiceOrder {
		if inv := s.invoices[id]; inv.ProjectID == projectID {
			out = append(out, inv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memState) InvoiceLineItems(_ context.Context, invoiceID billing.InvoiceID) ([]billing.LineItem, error) {
	if _, ok := s.invoices[invoiceID]; !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	return append([]billing.LineItem{}, s.lineItems[invoiceID]...), nil
}

func (s *memState) TaskBillingHistory(_ context.Context, taskID billing.TaskID) ([]billing.TaskBillingRecord, error) {
	var out []billing.TaskBillingRecord
	for invoiceID, items := range s.lineItems {
		inv := s.invoices[invoiceID]
		for _, item := range items {
			if item.Source != billing.SourceTask || item.TaskID == nil || *item.TaskID != taskID {
				continue
			}
			rec := billing.TaskBillingRecord{
				TaskID:           taskID,
				InvoiceID:        invoiceID,
				LineItemID:       item.ID,
				InvoiceCreatedAt: inv.CreatedAt,
				Amount:           item.Amount,
			}
			if item.BillingPercentage != nil {
				rec.Percentage = *item.BillingPercentage
			}
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].InvoiceCreatedAt.Equal(out[j].InvoiceCreatedAt) {
			return out[i].LineItemID < out[j].LineItemID
		}
		return out[i].InvoiceCreatedAt.Before(out[j].InvoiceCreatedAt)
	})
	return out, nil
}
