/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes billing sessions and the calculation engine via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the session
  controller.

ENDPOINTS:
  Projects:
    GET    /api/projects/{id}/candidates  Tasks, time entries, expenses
    POST   /api/projects/{id}/preview     Stateless engine run
    GET    /api/projects/{id}/invoices    Invoices, oldest first
    POST   /api/projects/{id}/sessions    Open a billing session

  Sessions:
    GET    /api/sessions/{sid}                           Snapshot
    PUT    /api/sessions/{sid}/mode                      Switch mode
    POST   /api/sessions/{sid}/time-entries/{eid}/toggle Toggle entry
    POST   /api/sessions/{sid}/expenses/{eid}/toggle     Toggle expense
    PUT    /api/sessions/{sid}/tasks/{tid}               Select task / set pct
    DELETE /api/sessions/{sid}/tasks/{tid}               Deselect task
    POST   /api/sessions/{sid}/refresh                   Reload candidates
    POST   /api/sessions/{sid}/commit                    Write the invoice
    DELETE /api/sessions/{sid}                           Cancel

  Ledger:
    GET    /api/invoices/{id}             Invoice with line items
    GET    /api/tasks/{id}/history        Task billing history

  Scenarios:
    GET    /api/scenarios                 List demo scenarios
    POST   /api/scenarios/load            Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input, wrong mode for the action
  - 404: Unknown session, invoice, task, or candidate
  - 409: Session not open, commit in flight, record consumed by another invoice
  - 422: Selection cannot be committed (validation message in details)
  - 207: Invoice written but some child writes failed (body lists steps)
  - 500: Internal errors

  Business-rule problems in the calculation are NOT errors: they are reported
  in CalculationDTO.valid / validation_error with a 200.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/billdora/billing-engine/billing"
	"github.com/billdora/billing-engine/session"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Controller *session.Controller
	Store      billing.Store
	Sessions   *SessionRegistry

	log zerolog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. The store must be the one the controller uses.
func NewHandler(ctrl *session.Controller, store billing.Store, sessions *SessionRegistry, log zerolog.Logger) *Handler {
	return &Handler{
		Controller: ctrl,
		Store:      store,
		Sessions:   sessions,
		log:        log,
	}
}

// =============================================================================
// PROJECT HANDLERS
// =============================================================================

// GetCandidates returns the project's billable records.
// GET /api/projects/{id}/candidates
func (h *Handler) GetCandidates(w http.ResponseWriter, r *http.Request) {
	projectID := billing.ProjectID(chi.URLParam(r, "id"))
	candidates, warnings := h.Controller.LoadCandidates(r.Context(), projectID)
	writeJSON(w, http.StatusOK, toCandidatesDTO(candidates, warnings))
}

// Preview runs the engine on a posted selection without opening a session.
// POST /api/projects/{id}/preview
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var req SelectionDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	projectID := billing.ProjectID(chi.URLParam(r, "id"))
	calc, _, warnings := h.Controller.Preview(r.Context(), projectID, fromSelectionDTO(req))
	writeJSON(w, http.StatusOK, PreviewResponse{
		Calculation: toCalculationDTO(calc),
		Warnings:    warnings,
	})
}

// ListInvoices returns a project's invoices.
// GET /api/projects/{id}/invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	projectID := billing.ProjectID(chi.URLParam(r, "id"))
	invoices, err := h.Controller.ListInvoices(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list invoices", err)
		return
	}

	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// OpenSession starts a billing session.
// POST /api/projects/{id}/sessions
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	mode := billing.ParseMode(req.Mode)
	if req.Mode != "" && mode == billing.ModeUnset {
		writeError(w, http.StatusBadRequest, "Unknown billing mode", nil)
		return
	}

	projectID := billing.ProjectID(chi.URLParam(r, "id"))
	s, err := h.Controller.Open(r.Context(), projectID, mode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to open session", err)
		return
	}
	h.Sessions.Add(s)

	writeJSON(w, http.StatusCreated, toSessionDTO(s))
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// GetSession returns a session snapshot.
// GET /api/sessions/{sid}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// SwitchMode changes the billing mode.
// PUT /api/sessions/{sid}/mode
func (h *Handler) SwitchMode(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req SwitchModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.SwitchMode(billing.ParseMode(req.Mode)); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// ToggleTimeEntry flips one time entry.
// POST /api/sessions/{sid}/time-entries/{eid}/toggle
func (h *Handler) ToggleTimeEntry(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	selected, err := s.ToggleTimeEntry(billing.TimeEntryID(chi.URLParam(r, "eid")))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToggleResponse{
		Selected:    selected,
		Calculation: toCalculationDTO(s.Calculation()),
	})
}

// ToggleExpense flips one expense.
// POST /api/sessions/{sid}/expenses/{eid}/toggle
func (h *Handler) ToggleExpense(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	selected, err := s.ToggleExpense(billing.ExpenseID(chi.URLParam(r, "eid")))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToggleResponse{
		Selected:    selected,
		Calculation: toCalculationDTO(s.Calculation()),
	})
}

// SelectTask selects a task, optionally with a requested percentage.
// PUT /api/sessions/{sid}/tasks/{tid}
func (h *Handler) SelectTask(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req TaskSelectionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	taskID := billing.TaskID(chi.URLParam(r, "tid"))
	var err error
	if req.Percentage != nil {
		err = s.SetTaskPercentage(taskID, *req.Percentage)
	} else {
		err = s.SelectTask(taskID)
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// DeselectTask removes a task from the selection.
// DELETE /api/sessions/{sid}/tasks/{tid}
func (h *Handler) DeselectTask(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := s.DeselectTask(billing.TaskID(chi.URLParam(r, "tid"))); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// RefreshSession reloads candidates without selecting new ones.
// POST /api/sessions/{sid}/refresh
func (h *Handler) RefreshSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := h.Controller.Refresh(r.Context(), s); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// CommitSession writes the invoice.
// POST /api/sessions/{sid}/commit
func (h *Handler) CommitSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	// Once started a commit runs to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	result, err := h.Controller.Commit(ctx, s)

	var commitErr *session.CommitError
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, toCommitResponse(result, nil))
	case result != nil:
		writeJSON(w, http.StatusMultiStatus, toCommitResponse(result, err))
	case errors.Is(err, session.ErrNotCommittable):
		writeError(w, http.StatusUnprocessableEntity, "Selection cannot be committed", err)
	case billing.IsConflict(err):
		writeError(w, http.StatusConflict, "Billing changed since the session was loaded", err)
	case errors.As(err, &commitErr):
		writeError(w, http.StatusInternalServerError, "Failed to commit invoice", err)
	default:
		writeSessionError(w, err)
	}
}

// CancelSession discards a session. Nothing is written.
// DELETE /api/sessions/{sid}
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := s.Cancel(); err != nil {
		writeSessionError(w, err)
		return
	}
	h.Sessions.Remove(s.ID)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetInvoice returns an invoice with its line items. Prior percentages on task
// lines are rebuilt from the billing ledger.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Controller.InvoiceDetail(r.Context(), billing.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		if billing.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Invoice not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDetailDTO(detail))
}

// GetTaskHistory returns a task's billing ledger, oldest first.
// GET /api/tasks/{id}/history
func (h *Handler) GetTaskHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.Controller.TaskHistory(r.Context(), billing.TaskID(chi.URLParam(r, "id")))
	if err != nil {
		if billing.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Task not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load task history", err)
		return
	}

	dtos := make([]TaskBillingRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = TaskBillingRecordDTO{
			InvoiceID:        string(rec.InvoiceID),
			LineItemID:       string(rec.LineItemID),
			InvoiceCreatedAt: rec.InvoiceCreatedAt.Format(timeLayout),
			Percentage:       rec.Percentage,
			Amount:           rec.Amount,
			PriorPercentage:  session.PriorPercentage(records, rec.InvoiceCreatedAt, rec.LineItemID),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// session resolves {sid} or writes a 404.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, ok := h.Sessions.Get(chi.URLParam(r, "sid"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found", nil)
		return nil, false
	}
	return s, true
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownCandidate):
		writeError(w, http.StatusNotFound, "Not a candidate in this session", err)
	case errors.Is(err, session.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, "Action not valid for this billing mode", err)
	case errors.Is(err, session.ErrCommitInProgress):
		writeError(w, http.StatusConflict, "Commit in progress", err)
	case errors.Is(err, session.ErrSessionNotOpen):
		writeError(w, http.StatusConflict, "Session is no longer open", err)
	default:
		writeError(w, http.StatusInternalServerError, "Session operation failed", err)
	}
}

func toCommitResponse(result *session.CommitResult, err error) CommitResponse {
	resp := CommitResponse{
		InvoiceID:     string(result.InvoiceID),
		Invoice:       toInvoiceDTO(result.Invoice),
		Transactional: result.Report.Transactional,
		Steps:         toStepDTOs(result.Report.Steps),
	}
	if err != nil {
		resp.Error = err.Error()
		var commitErr *session.CommitError
		resp.Partial = errors.As(err, &commitErr) && commitErr.Partial
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
