// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/admissionerrors"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/model"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/service"
)

// AdmissionHandler holds all HTTP handlers for the waiting room API.
type AdmissionHandler struct {
	svc *service.AdmissionService
}

// NewAdmissionHandler constructs an AdmissionHandler.
func NewAdmissionHandler(svc *service.AdmissionService) *AdmissionHandler {
	return &AdmissionHandler{svc: svc}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind admissionerrors.Kind, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg, Kind: string(kind)})
}

// writeServiceError maps an error kind to its status code. Infrastructure
// failures are reported with a generic message; the service has logged them.
func writeServiceError(w http.ResponseWriter, err error) {
	kind := admissionerrors.KindOf(err)
	switch kind {
	case admissionerrors.KindNotFound:
		writeError(w, http.StatusNotFound, kind, err.Error())
	case admissionerrors.KindConflict:
		writeError(w, http.StatusConflict, kind, err.Error())
	case admissionerrors.KindValidation:
		writeError(w, http.StatusBadRequest, kind, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, admissionerrors.KindInfrastructure, "internal error, please try again")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// decodeBody decodes the request body and writes a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, http.StatusBadRequest, admissionerrors.KindValidation, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// ─── Sessions ─────────────────────────────────────────────────────────────────

// CreateSession handles POST /sessions
// Joins the queue, or resumes an existing session. An empty body asks the
// server to generate the session id.
func (h *AdmissionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, admissionerrors.KindValidation, "invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.CreateOrResumeSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if resp.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// GetSession handles GET /sessions/{id}
func (h *AdmissionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// SubmitEligibility handles POST /sessions/{id}/eligibility
func (h *AdmissionHandler) SubmitEligibility(w http.ResponseWriter, r *http.Request) {
	var rec model.EligibilityRecord
	if !decodeBody(w, r, &rec) {
		return
	}

	out, err := h.svc.SubmitEligibility(r.Context(), chi.URLParam(r, "id"), rec)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// CheckEligibility handles GET /sessions/{id}/eligibility
func (h *AdmissionHandler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.CheckEligibility(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// SubmitApplication handles POST /sessions/{id}/application
// Exactly one submission per selected session succeeds; the rest get 409.
func (h *AdmissionHandler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	var form model.ApplicationForm
	if !decodeBody(w, r, &form) {
		return
	}

	app, err := h.svc.SubmitApplication(r.Context(), chi.URLParam(r, "id"), form)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

// CheckSubmissionStatus handles GET /sessions/{id}/application
func (h *AdmissionHandler) CheckSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.CheckSubmissionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// AddToWaitlist handles POST /sessions/{id}/waitlist
func (h *AdmissionHandler) AddToWaitlist(w http.ResponseWriter, r *http.Request) {
	var entry model.WaitlistEntry
	if !decodeBody(w, r, &entry) {
		return
	}

	out, err := h.svc.AddToWaitlist(r.Context(), chi.URLParam(r, "id"), entry)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// ─── Queue & countdown ────────────────────────────────────────────────────────

// GetQueueState handles GET /queue
func (h *AdmissionHandler) GetQueueState(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.GetQueueState(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// OpenQueue handles POST /queue/open
func (h *AdmissionHandler) OpenQueue(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.OpenQueue(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// CloseQueue handles POST /queue/close
func (h *AdmissionHandler) CloseQueue(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.CloseQueue(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// SetCapacity handles PUT /queue/capacity
func (h *AdmissionHandler) SetCapacity(w http.ResponseWriter, r *http.Request) {
	var req model.SetCapacityRequest
	if !decodeBody(w, r, &req) {
		return
	}

	q, err := h.svc.SetCapacity(r.Context(), req.MaxUsers)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetCountdown handles GET /countdown
func (h *AdmissionHandler) GetCountdown(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.GetCountdown(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateCountdown handles PUT /countdown
func (h *AdmissionHandler) UpdateCountdown(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateCountdownRequest
	if !decodeBody(w, r, &req) {
		return
	}

	window, err := h.svc.UpdateCountdown(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, window)
}

// RunSelection handles POST /selection
// Safe to call from every client that sees the countdown expire.
func (h *AdmissionHandler) RunSelection(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.RunSelection(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ─── Admin ────────────────────────────────────────────────────────────────────

// ListApplications handles GET /admin/applications
func (h *AdmissionHandler) ListApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := h.svc.ListApplications(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

// ListWaitlist handles GET /admin/waitlist
func (h *AdmissionHandler) ListWaitlist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.ListWaitlist(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// CountSessions handles GET /admin/sessions/count
func (h *AdmissionHandler) CountSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.CountDistinctSessions(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.CountResponse{Count: n})
}

// Stats handles GET /admin/stats
func (h *AdmissionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
