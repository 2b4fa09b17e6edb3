package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billdora/billing-engine/billing"
	"github.com/billdora/billing-engine/billing/store"
	"github.com/billdora/billing-engine/session"
)

// =============================================================================
// OPEN / LOAD
// =============================================================================

func TestOpen_TimeMaterialsSelectsEveryCandidate(t *testing.T) {
	// GIVEN: A seeded project
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	ctrl := newController(mem, newTestClock())

	// WHEN: Opening a time & materials session
	s, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)

	// THEN: All entries and expenses start selected
	require.NoError(t, err)
	assert.Equal(t, session.StateOpen, s.State())
	assert.Empty(t, s.LoadWarnings())
	sel := s.Selection()
	assert.True(t, sel.HasTimeEntry("te-1"))
	assert.True(t, sel.HasTimeEntry("te-2"))
	assert.True(t, sel.HasExpense("ex-1"))

	// AND: 750 + 300 (default rate) + 200
	calc := s.Calculation()
	require.True(t, calc.Valid())
	assertDecimal(t, "1250", calc.Subtotal)
	require.Len(t, calc.NTEWarnings, 1)
	assertDecimal(t, "50", calc.NTEWarnings[0].Overage)
}

func TestOpen_TaskModeStartsEmpty(t *testing.T) {
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	ctrl := newController(mem, newTestClock())

	s, err := ctrl.Open(ctx, project, billing.ModePercentage)

	require.NoError(t, err)
	assert.True(t, s.Selection().IsEmpty())
	assert.Len(t, s.Candidates().Tasks, 2)
	assert.False(t, s.Calculation().Valid())
}

func TestOpen_RejectsUnknownMode(t *testing.T) {
	ctrl := newController(store.NewMemory(), newTestClock())

	_, err := ctrl.Open(context.Background(), project, billing.Mode("hourly"))

	assert.ErrorIs(t, err, session.ErrInvalidMode)
}

func TestOpen_LoadFailureDegradesToEmptyWithWarning(t *testing.T) {
	// GIVEN: A store whose expense query always fails
	ctx := context.Background()
	fs := newFaultyStore()
	fs.expenseLoadFailures = -1
	seedProject(t, fs)
	ctrl := newController(fs, newTestClock())

	// WHEN: Opening
	s, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)

	// THEN: The session opens without expenses and says why
	require.NoError(t, err)
	assert.Empty(t, s.Candidates().Expenses)
	assert.Len(t, s.Candidates().TimeEntries, 2)
	require.Len(t, s.LoadWarnings(), 1)
	assert.Contains(t, s.LoadWarnings()[0], "failed to load expenses")

	// AND: Each load was retried
	assert.Equal(t, int64(2), fs.expenseLoads.Load())
}

func TestOpen_TransientLoadFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	fs := newFaultyStore()
	fs.expenseLoadFailures = 1
	seedProject(t, fs)
	ctrl := newController(fs, newTestClock())

	s, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)

	require.NoError(t, err)
	assert.Empty(t, s.LoadWarnings())
	assert.Len(t, s.Candidates().Expenses, 1)
}

func TestRefresh_NewRecordsAreNotSelected(t *testing.T) {
	// GIVEN: An open T&M session
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	ctrl := newController(mem, newTestClock())
	s, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)
	require.NoError(t, err)
	before := s.Calculation().Subtotal

	// WHEN: A new entry is approved and the session refreshes
	require.NoError(t, mem.SaveTimeEntry(ctx, billing.TimeEntry{
		ID:             "te-3",
		ProjectID:      project,
		Hours:          dec("1"),
		Billable:       true,
		ApprovalStatus: billing.ApprovalApproved,
	}))
	require.NoError(t, ctrl.Refresh(ctx, s))

	// THEN: It is a candidate but not selected
	assert.Len(t, s.Candidates().TimeEntries, 3)
	assert.False(t, s.Selection().HasTimeEntry("te-3"))
	assert.True(t, before.Equal(s.Calculation().Subtotal))
}

// =============================================================================
// COMMIT - TRANSACTIONAL STORE
// =============================================================================

func TestCommit_TimeMaterialsWritesEverything(t *testing.T) {
	// GIVEN: An open T&M session with everything selected
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	ctrl := newController(mem, newTestClock())
	s, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)
	require.NoError(t, err)

	// WHEN: Committing
	result, err := ctrl.Commit(ctx, s)

	// THEN: One invoice with three lines; the records are consumed
	require.NoError(t, err)
	assert.True(t, result.Report.Transactional)
	assert.Empty(t, result.Report.Failed())
	assert.Equal(t, session.StateCommitted, s.State())
	assert.Equal(t, result.InvoiceID, s.InvoiceID())

	inv, err := mem.GetInvoice(ctx, result.InvoiceID)
	require.NoError(t, err)
	assertDecimal(t, "1250", inv.Subtotal)
	assert.Equal(t, billing.ModeTimeMaterials, inv.BillingMode)

	items, err := mem.InvoiceLineItems(ctx, result.InvoiceID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "Travel: Mileage", items[2].Description)

	e, _ := mem.TimeEntry("te-1")
	require.NotNil(t, e.InvoiceID)
	assert.Equal(t, result.InvoiceID, *e.InvoiceID)
	x, _ := mem.Expense("ex-1")
	assert.Equal(t, billing.ExpenseInvoiced, x.Status)

	// AND: The session is closed for business
	_, err = s.ToggleTimeEntry("te-1")
	assert.ErrorIs(t, err, session.ErrSessionNotOpen)
	_, err = ctrl.Commit(ctx, s)
	assert.ErrorIs(t, err, session.ErrSessionNotOpen)
	assert.ErrorIs(t, s.Cancel(), session.ErrSessionNotOpen)
}

func TestCommit_PercentageUpdatesTaskAndLedger(t *testing.T) {
	// GIVEN: A fresh 10,000 task
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	clock := newTestClock()
	ctrl := newController(mem, clock)

	// WHEN: Billing 50% and then another 30%
	first, err := ctrl.Open(ctx, project, billing.ModePercentage)
	require.NoError(t, err)
	require.NoError(t, first.SetTaskPercentage("task-cd", dec("50")))
	r1, err := ctrl.Commit(ctx, first)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	second, err := ctrl.Open(ctx, project, billing.ModePercentage)
	require.NoError(t, err)
	require.NoError(t, second.SetTaskPercentage("task-cd", dec("30")))
	r2, err := ctrl.Commit(ctx, second)
	require.NoError(t, err)

	// THEN: The task carries 80% / 8,000 and is locked to percentage
	task, err := mem.GetTask(ctx, "task-cd")
	require.NoError(t, err)
	assertDecimal(t, "80", task.BilledPercentage)
	assertDecimal(t, "8000", task.BilledAmount)
	assert.Equal(t, billing.ModePercentage, task.BillingMode)

	// AND: Each line item records the percentage billed before it
	require.Len(t, r2.LineItems, 1)
	assertDecimal(t, "30", *r2.LineItems[0].BillingPercentage)
	assertDecimal(t, "50", *r2.LineItems[0].PriorBilledPercentage)
	assert.Equal(t, "Construction Documents (30% of $10,000.00)", r2.LineItems[0].Description)

	// AND: History and invoice detail agree with the ledger
	history, err := ctrl.TaskHistory(ctx, "task-cd")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, r1.InvoiceID, history[0].InvoiceID)

	detail, err := ctrl.InvoiceDetail(ctx, r2.InvoiceID)
	require.NoError(t, err)
	require.Len(t, detail.Lines, 1)
	require.NotNil(t, detail.Lines[0].PriorPercentage)
	assertDecimal(t, "50", *detail.Lines[0].PriorPercentage)

	invoices, err := ctrl.ListInvoices(ctx, project)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, r1.InvoiceID, invoices[0].ID)
}

func TestCommit_MilestoneClosesOutTask(t *testing.T) {
	// GIVEN: A task already 90% billed
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	require.NoError(t, mem.ApplyTaskBilling(ctx, billing.TaskBillingUpdate{
		TaskID: "task-design", AddPercentage: dec("90"), AddAmount: dec("900"), Mode: billing.ModeMilestone,
	}))
	ctrl := newController(mem, newTestClock())

	// WHEN: A milestone session selects it and commits
	s, err := ctrl.Open(ctx, project, billing.ModeMilestone)
	require.NoError(t, err)
	require.NoError(t, s.SelectTask("task-design"))
	result, err := ctrl.Commit(ctx, s)

	// THEN: The remaining 10% is billed
	require.NoError(t, err)
	assertDecimal(t, "100", result.Invoice.Subtotal)
	task, _ := mem.GetTask(ctx, "task-design")
	assertDecimal(t, "100", task.BilledPercentage)
}

func TestCommit_InvalidSelectionWritesNothing(t *testing.T) {
	// GIVEN: A T&M session with everything deselected
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	ctrl := newController(mem, newTestClock())
	s, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)
	require.NoError(t, err)
	for _, id := range []billing.TimeEntryID{"te-1", "te-2"} {
		_, err := s.ToggleTimeEntry(id)
		require.NoError(t, err)
	}
	_, err = s.ToggleExpense("ex-1")
	require.NoError(t, err)

	// WHEN: Committing
	result, err := ctrl.Commit(ctx, s)

	// THEN: Rejected with the validation message; still open
	assert.Nil(t, result)
	assert.ErrorIs(t, err, session.ErrNotCommittable)
	assert.Contains(t, err.Error(), "Please select at least one time entry or expense")
	assert.Equal(t, session.StateOpen, s.State())
	invoices, _ := mem.ListInvoices(ctx, project)
	assert.Empty(t, invoices)
}

func TestCommit_ZeroSubtotalIsRejected(t *testing.T) {
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	ctrl := newController(mem, newTestClock())
	s, err := ctrl.Open(ctx, project, billing.ModePercentage)
	require.NoError(t, err)
	require.NoError(t, s.SetTaskPercentage("task-cd", dec("0")))

	_, err = ctrl.Commit(ctx, s)

	assert.ErrorIs(t, err, session.ErrNotCommittable)
	assert.Contains(t, err.Error(), "greater than zero")
}

func TestCommit_ModeLockRaceRollsBack(t *testing.T) {
	// GIVEN: Two sessions loaded while the task was still unset
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	ctrl := newController(mem, newTestClock())
	pct, err := ctrl.Open(ctx, project, billing.ModePercentage)
	require.NoError(t, err)
	require.NoError(t, pct.SetTaskPercentage("task-cd", dec("10")))
	ms, err := ctrl.Open(ctx, project, billing.ModeMilestone)
	require.NoError(t, err)
	require.NoError(t, ms.SelectTask("task-cd"))

	// WHEN: The percentage session commits first
	_, err = ctrl.Commit(ctx, pct)
	require.NoError(t, err)
	result, err := ctrl.Commit(ctx, ms)

	// THEN: The milestone commit sees the lock and nothing is written
	assert.Nil(t, result)
	assert.ErrorIs(t, err, billing.ErrModeLocked)
	assert.True(t, billing.IsConflict(err))
	var ce *session.CommitError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Retryable())
	assert.Equal(t, session.StateOpen, ms.State())

	invoices, _ := mem.ListInvoices(ctx, project)
	assert.Len(t, invoices, 1)
}

func TestCommit_BudgetRaceIsRejected(t *testing.T) {
	// GIVEN: Two sessions each asking for 60% of the same fresh task
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	ctrl := newController(mem, newTestClock())
	a, err := ctrl.Open(ctx, project, billing.ModePercentage)
	require.NoError(t, err)
	b, err := ctrl.Open(ctx, project, billing.ModePercentage)
	require.NoError(t, err)
	require.NoError(t, a.SetTaskPercentage("task-cd", dec("60")))
	require.NoError(t, b.SetTaskPercentage("task-cd", dec("60")))

	// WHEN: Both commit
	_, errA := ctrl.Commit(ctx, a)
	_, errB := ctrl.Commit(ctx, b)

	// THEN: The second would exceed 100% and is refused
	require.NoError(t, errA)
	assert.ErrorIs(t, errB, billing.ErrBudgetExceeded)
	task, _ := mem.GetTask(ctx, "task-cd")
	assertDecimal(t, "60", task.BilledPercentage)

	// AND: After refreshing, the engine clamps the request to what remains
	require.NoError(t, ctrl.Refresh(ctx, b))
	alloc, ok := b.Calculation().Allocation("task-cd")
	require.True(t, ok)
	assertDecimal(t, "40", alloc.PercentageToBill)
}

func TestCommit_ConcurrentStepCommitsCannotOverbillTask(t *testing.T) {
	// GIVEN: Two sessions on a non-transactional store asking for 60% and 50%
	// of the same fresh task, both past their recheck before either writes
	ctx := context.Background()
	bs := newBarrierStore(2)
	seedProject(t, bs)
	ctrl := newController(bs, newTestClock())
	a, err := ctrl.Open(ctx, project, billing.ModePercentage)
	require.NoError(t, err)
	b, err := ctrl.Open(ctx, project, billing.ModePercentage)
	require.NoError(t, err)
	require.NoError(t, a.SetTaskPercentage("task-cd", dec("60")))
	require.NoError(t, b.SetTaskPercentage("task-cd", dec("50")))

	// WHEN: Both commit at once
	sessions := []*session.Session{a, b}
	errs := make([]error, len(sessions))
	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *session.Session) {
			defer wg.Done()
			_, errs[i] = ctrl.Commit(ctx, s)
		}(i, s)
	}
	wg.Wait()

	// THEN: Exactly one lands cleanly
	winner, loser := 0, 1
	if errs[0] != nil {
		winner, loser = 1, 0
	}
	require.NoError(t, errs[winner])

	// AND: The other reports a failed task update refused by the budget
	var ce *session.CommitError
	require.ErrorAs(t, errs[loser], &ce)
	assert.True(t, ce.Partial)
	assert.ErrorIs(t, errs[loser], billing.ErrBudgetExceeded)
	var failed []session.Step
	for _, step := range ce.Steps {
		if step.Status == session.StepFailed {
			failed = append(failed, step)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, session.StepUpdateTask, failed[0].Kind)
	assert.Equal(t, session.StateFailed, sessions[loser].State())

	// AND: The task carries only the winner's percentage
	task, err := bs.GetTask(ctx, "task-cd")
	require.NoError(t, err)
	want := map[int]string{0: "60", 1: "50"}[winner]
	assertDecimal(t, want, task.BilledPercentage)
}

func TestCommit_ConsumedTimeEntryRollsBackTransaction(t *testing.T) {
	// GIVEN: Two T&M sessions holding the same records
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	ctrl := newController(mem, newTestClock())
	a, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)
	require.NoError(t, err)
	b, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)
	require.NoError(t, err)

	// WHEN: Both commit
	_, err = ctrl.Commit(ctx, a)
	require.NoError(t, err)
	result, err := ctrl.Commit(ctx, b)

	// THEN: The loser writes nothing
	assert.Nil(t, result)
	assert.ErrorIs(t, err, billing.ErrAlreadyInvoiced)
	var ce *session.CommitError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Steps, 1)
	assert.Equal(t, session.StepLinkTimeEntry, ce.Steps[0].Kind)
	invoices, _ := mem.ListInvoices(ctx, project)
	assert.Len(t, invoices, 1)

	// AND: Refreshing drops the consumed records
	require.NoError(t, ctrl.Refresh(ctx, b))
	assert.True(t, b.Selection().IsEmpty())
	_, err = ctrl.Commit(ctx, b)
	assert.ErrorIs(t, err, session.ErrNotCommittable)
}

// =============================================================================
// COMMIT - NON-TRANSACTIONAL STORE
// =============================================================================

func TestCommit_PartialFailureReportsFailedSteps(t *testing.T) {
	// GIVEN: A store that cannot link expenses
	ctx := context.Background()
	fs := newFaultyStore()
	fs.linkExpenseErr = errors.New("disk full")
	seedProject(t, fs)
	ctrl := newController(fs, newTestClock())
	s, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)
	require.NoError(t, err)

	// WHEN: Committing
	result, err := ctrl.Commit(ctx, s)

	// THEN: The invoice exists and the failure is reported, not hidden
	require.NotNil(t, result)
	var ce *session.CommitError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Partial)
	assert.False(t, ce.Retryable())
	assert.Equal(t, result.InvoiceID, ce.InvoiceID)
	require.Len(t, ce.Steps, 1)
	assert.Equal(t, session.StepLinkExpense, ce.Steps[0].Kind)
	assert.Contains(t, err.Error(), "failed to link expense ex-1: disk full")
	assert.Equal(t, session.StateFailed, s.State())
	assert.False(t, result.Report.Transactional)

	// AND: The expense line item was skipped, the time entries went through
	items, err := fs.InvoiceLineItems(ctx, result.InvoiceID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	e, _ := fs.TimeEntry("te-2")
	assert.NotNil(t, e.InvoiceID)

	var skipped int
	for _, step := range result.Report.Steps {
		if step.Status == session.StepSkipped {
			skipped++
			assert.Equal(t, session.StepCreateLineItem, step.Kind)
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestCommit_TaskLineFailureSkipsTaskUpdate(t *testing.T) {
	// GIVEN: Task line items cannot be written
	ctx := context.Background()
	fs := newFaultyStore()
	fs.lineItemErr = errors.New("constraint failed")
	seedProject(t, fs)
	ctrl := newController(fs, newTestClock())
	s, err := ctrl.Open(ctx, project, billing.ModeMilestone)
	require.NoError(t, err)
	require.NoError(t, s.SelectTask("task-cd"))

	// WHEN: Committing
	result, err := ctrl.Commit(ctx, s)

	// THEN: The task's running total is untouched
	require.NotNil(t, result)
	require.Error(t, err)
	task, _ := fs.GetTask(ctx, "task-cd")
	assertDecimal(t, "0", task.BilledPercentage)
	assert.Equal(t, billing.ModeUnset, task.BillingMode)
}

func TestCommit_ConsumedRecordWithoutTransactions(t *testing.T) {
	// GIVEN: Two sessions on a plain store
	ctx := context.Background()
	mem := store.NewMemory()
	seedProject(t, mem)
	ctrl := newController(mem, newTestClock())
	a, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)
	require.NoError(t, err)
	b, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)
	require.NoError(t, err)

	// WHEN: Both commit
	_, err = ctrl.Commit(ctx, a)
	require.NoError(t, err)
	result, err := ctrl.Commit(ctx, b)

	// THEN: The loser's claims fail and no line item bills a consumed record
	require.NotNil(t, result)
	assert.True(t, billing.IsConflict(err))
	items, err := mem.InvoiceLineItems(ctx, result.InvoiceID)
	require.NoError(t, err)
	assert.Empty(t, items)

	e, _ := mem.TimeEntry("te-1")
	assert.NotEqual(t, result.InvoiceID, *e.InvoiceID)
}

func TestCommit_SecondSubmitWhileWritingIsRejected(t *testing.T) {
	// GIVEN: A commit parked inside the store
	ctx := context.Background()
	bs := newBlockingStore()
	seedProject(t, bs)
	ctrl := newController(bs, newTestClock())
	s, err := ctrl.Open(ctx, project, billing.ModeTimeMaterials)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Commit(ctx, s)
		done <- err
	}()
	<-bs.entered

	// WHEN: The user submits again and pokes the session
	_, err = ctrl.Commit(ctx, s)

	// THEN: Everything is refused until the first commit finishes
	assert.ErrorIs(t, err, session.ErrCommitInProgress)
	assert.Equal(t, session.StateCommitting, s.State())
	_, err = s.ToggleTimeEntry("te-1")
	assert.ErrorIs(t, err, session.ErrCommitInProgress)
	assert.ErrorIs(t, s.Cancel(), session.ErrCommitInProgress)
	assert.ErrorIs(t, ctrl.Refresh(ctx, s), session.ErrCommitInProgress)
	assert.False(t, s.Expired(time.Now().Add(24*time.Hour), time.Minute))

	close(bs.release)
	require.NoError(t, <-done)
	assert.Equal(t, session.StateCommitted, s.State())

	invoices, _ := bs.ListInvoices(ctx, project)
	assert.Len(t, invoices, 1)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestTaskHistory_UnknownTask(t *testing.T) {
	ctrl := newController(store.NewMemory(), newTestClock())

	_, err := ctrl.TaskHistory(context.Background(), "task-missing")

	assert.True(t, billing.IsNotFound(err))
}

func TestInvoiceDetail_UnknownInvoice(t *testing.T) {
	ctrl := newController(store.NewMemory(), newTestClock())

	_, err := ctrl.InvoiceDetail(context.Background(), "inv-missing")

	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
}

func TestInvoiceDetail_SurfacesHistoryErrors(t *testing.T) {
	// GIVEN: A committed percentage invoice whose task history can no longer be read
	ctx := context.Background()
	fs := newFaultyStore()
	seedProject(t, fs)
	ctrl := newController(fs, newTestClock())
	s, err := ctrl.Open(ctx, project, billing.ModePercentage)
	require.NoError(t, err)
	require.NoError(t, s.SetTaskPercentage("task-cd", dec("20")))
	result, err := ctrl.Commit(ctx, s)
	require.NoError(t, err)

	for _, cause := range []error{billing.ErrTaskNotFound, errors.New("connection reset")} {
		fs.historyErr = cause

		// WHEN: Rendering the invoice
		detail, err := ctrl.InvoiceDetail(ctx, result.InvoiceID)

		// THEN: The failure is reported instead of a line without its prior percentage
		assert.Nil(t, detail)
		assert.ErrorIs(t, err, cause)
	}
}

func TestOpen_WithoutStore(t *testing.T) {
	ctrl := newController(nil, newTestClock())

	_, err := ctrl.Open(context.Background(), project, billing.ModePercentage)

	assert.ErrorIs(t, err, billing.ErrNoStore)
}

func TestPreview_DoesNotWrite(t *testing.T) {
	ctx := context.Background()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	ctrl := newController(mem, newTestClock())
	sel := billing.NewSelection(billing.ModeMilestone)
	sel.Tasks["task-cd"] = dec("0")

	calc, candidates, warnings := ctrl.Preview(ctx, project, sel)

	assert.Empty(t, warnings)
	assert.Len(t, candidates.Tasks, 2)
	assertDecimal(t, "10000", calc.Subtotal)
	task, _ := mem.GetTask(ctx, "task-cd")
	assertDecimal(t, "0", task.BilledPercentage)
}
