package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billdora/billing-engine/billing"
	"github.com/billdora/billing-engine/billing/store"
	"github.com/billdora/billing-engine/session"
)

func openSession(t *testing.T, mode billing.Mode) (*session.Session, *testClock) {
	t.Helper()
	mem := store.NewTxMemory()
	seedProject(t, mem)
	clock := newTestClock()
	s, err := newController(mem, clock).Open(context.Background(), project, mode)
	require.NoError(t, err)
	return s, clock
}

func TestSession_ToggleRequiresTimeMaterials(t *testing.T) {
	// GIVEN: A percentage session
	s, _ := openSession(t, billing.ModePercentage)

	// WHEN: Toggling a time entry
	_, err := s.ToggleTimeEntry("te-1")

	// THEN: Wrong mode
	assert.ErrorIs(t, err, session.ErrInvalidMode)
	_, err = s.ToggleExpense("ex-1")
	assert.ErrorIs(t, err, session.ErrInvalidMode)
}

func TestSession_UnknownCandidatesAreRejected(t *testing.T) {
	s, _ := openSession(t, billing.ModeTimeMaterials)

	_, err := s.ToggleTimeEntry("te-nope")
	assert.ErrorIs(t, err, session.ErrUnknownCandidate)
	_, err = s.ToggleExpense("ex-nope")
	assert.ErrorIs(t, err, session.ErrUnknownCandidate)

	require.NoError(t, s.SwitchMode(billing.ModeMilestone))
	assert.ErrorIs(t, s.SelectTask("task-nope"), session.ErrUnknownCandidate)
	assert.ErrorIs(t, s.SetTaskPercentage("task-nope", dec("10")), session.ErrUnknownCandidate)
}

func TestSession_TaskSelectionRequiresTaskMode(t *testing.T) {
	s, _ := openSession(t, billing.ModeTimeMaterials)

	assert.ErrorIs(t, s.SelectTask("task-cd"), session.ErrInvalidMode)
	assert.ErrorIs(t, s.SetTaskPercentage("task-cd", dec("10")), session.ErrInvalidMode)
}

func TestSession_ToggleUpdatesCalculation(t *testing.T) {
	// GIVEN: Everything selected
	s, _ := openSession(t, billing.ModeTimeMaterials)

	// WHEN: Deselecting the expense
	selected, err := s.ToggleExpense("ex-1")

	// THEN: The total drops by 200
	require.NoError(t, err)
	assert.False(t, selected)
	assertDecimal(t, "1050", s.Calculation().Subtotal)
}

func TestSession_SwitchModeResetsSelection(t *testing.T) {
	// GIVEN: A T&M session with one entry deselected
	s, _ := openSession(t, billing.ModeTimeMaterials)
	_, err := s.ToggleTimeEntry("te-1")
	require.NoError(t, err)

	// WHEN: Switching to percentage and back
	require.NoError(t, s.SwitchMode(billing.ModePercentage))
	assert.True(t, s.Selection().IsEmpty())
	require.NoError(t, s.SelectTask("task-cd"))
	require.NoError(t, s.SwitchMode(billing.ModeTimeMaterials))

	// THEN: Every candidate is selected again and task picks are gone
	sel := s.Selection()
	assert.True(t, sel.HasTimeEntry("te-1"))
	assert.True(t, sel.HasTimeEntry("te-2"))
	assert.True(t, sel.HasExpense("ex-1"))
	assert.Empty(t, sel.Tasks)
	assert.Equal(t, billing.ModeTimeMaterials, s.Mode())

	assert.ErrorIs(t, s.SwitchMode(billing.ModeUnset), session.ErrInvalidMode)
}

func TestSession_SelectTaskDefaultsAndDeselect(t *testing.T) {
	s, _ := openSession(t, billing.ModePercentage)

	require.NoError(t, s.SelectTask("task-cd"))
	alloc, ok := s.Calculation().Allocation("task-cd")
	require.True(t, ok)
	assertDecimal(t, "10", alloc.PercentageToBill)
	assertDecimal(t, "1000", alloc.AmountToBill)

	require.NoError(t, s.DeselectTask("task-cd"))
	assert.True(t, s.Selection().IsEmpty())
}

func TestSession_OverRequestIsClampedNotRejected(t *testing.T) {
	s, _ := openSession(t, billing.ModePercentage)

	require.NoError(t, s.SetTaskPercentage("task-cd", dec("150")))

	alloc, _ := s.Calculation().Allocation("task-cd")
	assertDecimal(t, "100", alloc.PercentageToBill)
}

func TestSession_CancelIsFinal(t *testing.T) {
	// GIVEN: An open session
	s, _ := openSession(t, billing.ModeTimeMaterials)

	// WHEN: Cancelling
	require.NoError(t, s.Cancel())

	// THEN: Nothing else is allowed
	assert.Equal(t, session.StateCancelled, s.State())
	assert.ErrorIs(t, s.Cancel(), session.ErrSessionNotOpen)
	_, err := s.ToggleTimeEntry("te-1")
	assert.ErrorIs(t, err, session.ErrSessionNotOpen)
	assert.ErrorIs(t, s.SwitchMode(billing.ModeMilestone), session.ErrSessionNotOpen)
}

func TestSession_ExpiresAfterIdleTTL(t *testing.T) {
	// GIVEN: A session touched at the test clock's start
	s, clock := openSession(t, billing.ModeTimeMaterials)
	opened := clock.Now()

	// THEN: Idle time is measured from the last touch
	assert.False(t, s.Expired(opened.Add(10*time.Minute), 30*time.Minute))
	assert.True(t, s.Expired(opened.Add(31*time.Minute), 30*time.Minute))

	// WHEN: The user does something later
	clock.Advance(20 * time.Minute)
	_, err := s.ToggleExpense("ex-1")
	require.NoError(t, err)

	// THEN: The idle window restarts
	assert.False(t, s.Expired(opened.Add(31*time.Minute), 30*time.Minute))
	assert.Equal(t, opened.Add(20*time.Minute), s.LastTouched())
}

func TestCommitError_Messages(t *testing.T) {
	err := &session.CommitError{
		InvoiceID: "inv-1",
		Partial:   true,
		Steps: []session.Step{
			{Kind: session.StepLinkTimeEntry, Ref: "te-1", Status: session.StepFailed, Err: billing.ErrAlreadyInvoiced},
		},
		Err: billing.ErrAlreadyInvoiced,
	}

	assert.Equal(t, "invoice inv-1 created with 1 failed step(s); failed to link time entry te-1: already invoiced", err.Error())
	assert.ErrorIs(t, err, billing.ErrAlreadyInvoiced)
	assert.False(t, err.Retryable())
}
