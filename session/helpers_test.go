package session_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billdora/billing-engine/billing"
	"github.com/billdora/billing-engine/billing/store"
	"github.com/billdora/billing-engine/logger"
	"github.com/billdora/billing-engine/session"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const project = billing.ProjectID("proj-1")

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("id-%03d", n.Add(1))
	}
}

func newController(s billing.Store, clock *testClock) *session.Controller {
	return session.NewController(s, logger.Nop(), session.Options{
		DefaultHourlyRate: dec("100"),
		TaxRate:           decimal.Zero,
		RetryAttempts:     2,
		RetryInitialDelay: time.Millisecond,
		CommitConcurrency: 2,
		Clock:             clock.Now,
		NewID:             sequentialIDs(),
	})
}

// seedProject loads one project:
//
//	task-design   budget 1,000  (time is logged against it)
//	task-cd       budget 10,000
//	te-1          5h @ 150
//	te-2          3h, no rate (default 100)
//	ex-1          200 travel
func seedProject(t *testing.T, s billing.Seeder) {
	t.Helper()
	ctx := context.Background()
	design := billing.TaskID("task-design")

	require.NoError(t, s.SaveTask(ctx, billing.Task{
		ID:          design,
		ProjectID:   project,
		Name:        "Schematic Design",
		TotalBudget: billing.DecimalPtr(dec("1000")),
	}))
	require.NoError(t, s.SaveTask(ctx, billing.Task{
		ID:          "task-cd",
		ProjectID:   project,
		Name:        "Construction Documents",
		TotalBudget: billing.DecimalPtr(dec("10000")),
	}))
	require.NoError(t, s.SaveTimeEntry(ctx, billing.TimeEntry{
		ID:             "te-1",
		ProjectID:      project,
		TaskID:         &design,
		Date:           time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Hours:          dec("5"),
		HourlyRate:     billing.DecimalPtr(dec("150")),
		Description:    "Site survey",
		Billable:       true,
		ApprovalStatus: billing.ApprovalApproved,
	}))
	require.NoError(t, s.SaveTimeEntry(ctx, billing.TimeEntry{
		ID:             "te-2",
		ProjectID:      project,
		TaskID:         &design,
		Date:           time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		Hours:          dec("3"),
		Description:    "Sketches",
		Billable:       true,
		ApprovalStatus: billing.ApprovalApproved,
	}))
	require.NoError(t, s.SaveExpense(ctx, billing.Expense{
		ID:             "ex-1",
		ProjectID:      project,
		Date:           time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		Amount:         dec("200"),
		Category:       "Travel",
		Description:    "Mileage",
		Billable:       true,
		ApprovalStatus: billing.ApprovalApproved,
		Status:         billing.ExpenseApproved,
	}))
}

// faultyStore is a non-transactional store with injectable failures.
type faultyStore struct {
	*store.Memory

	// expenseLoadFailures fails that many UnbilledExpenses calls; -1 fails all.
	expenseLoadFailures int64
	expenseLoads        atomic.Int64

	linkExpenseErr error
	lineItemErr    error // returned for line items sourced from a task
	historyErr     error
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Memory: store.NewMemory()}
}

func (f *faultyStore) UnbilledExpenses(ctx context.Context, projectID billing.ProjectID) ([]billing.Expense, error) {
	n := f.expenseLoads.Add(1)
	if f.expenseLoadFailures < 0 || n <= f.expenseLoadFailures {
		return nil, fmt.Errorf("connection reset")
	}
	return f.Memory.UnbilledExpenses(ctx, projectID)
}

func (f *faultyStore) MarkExpenseInvoiced(ctx context.Context, id billing.ExpenseID, invoiceID billing.InvoiceID) error {
	if f.linkExpenseErr != nil {
		return f.linkExpenseErr
	}
	return f.Memory.MarkExpenseInvoiced(ctx, id, invoiceID)
}

func (f *faultyStore) TaskBillingHistory(ctx context.Context, taskID billing.TaskID) ([]billing.TaskBillingRecord, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.Memory.TaskBillingHistory(ctx, taskID)
}

func (f *faultyStore) CreateLineItems(ctx context.Context, items []billing.LineItem) error {
	for _, item := range items {
		if f.lineItemErr != nil && item.Source == billing.SourceTask {
			return f.lineItemErr
		}
	}
	return f.Memory.CreateLineItems(ctx, items)
}

// blockingStore parks the first CreateInvoice until released.
type blockingStore struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingStore() *blockingStore {
	return &blockingStore{
		Memory:  store.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *blockingStore) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Memory.CreateInvoice(ctx, inv)
}

// barrierStore holds each CreateInvoice until n callers have arrived, so
// concurrent commits all pass their recheck before any of them writes.
type barrierStore struct {
	*store.Memory
	arrived sync.WaitGroup
}

func newBarrierStore(n int) *barrierStore {
	b := &barrierStore{Memory: store.NewMemory()}
	b.arrived.Add(n)
	return b
}

func (b *barrierStore) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	b.arrived.Done()
	b.arrived.Wait()
	return b.Memory.CreateInvoice(ctx, inv)
}
