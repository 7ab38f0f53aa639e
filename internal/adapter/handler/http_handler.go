package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/yardworks/pipeyard/internal/core/domain"
	"github.com/yardworks/pipeyard/internal/core/service"
)

// HTTPHandler exposes the engine to the admin and tenant UI layers.
// Authentication is external; the caller's identity arrives as a capability
// claim in the X-Actor-ID / X-Actor-Role headers.
type HTTPHandler struct {
	workflow *service.Workflow
}

func NewHTTPHandler(workflow *service.Workflow) *HTTPHandler {
	return &HTTPHandler{workflow: workflow}
}

func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/requests", h.SubmitRequest)
	mux.HandleFunc("POST /api/requests/approve", h.Approve)
	mux.HandleFunc("POST /api/requests/reject", h.Reject)
	mux.HandleFunc("POST /api/requests/pickup", h.RequestPickup)
	mux.HandleFunc("POST /api/loads", h.CreateLoad)
	mux.HandleFunc("POST /api/loads/transition", h.TransitionLoad)
	mux.HandleFunc("POST /api/loads/complete", h.CompleteLoad)
	mux.HandleFunc("GET /api/locations/availability", h.Availability)
	mux.HandleFunc("GET /health", h.HealthCheck)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type submitRequestBody struct {
	TenantID string          `json:"tenant_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Notes    string          `json:"notes"`
}

func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if !decode(w, r, &body) {
		return
	}
	if body.TenantID == "" || !body.Quantity.IsPositive() {
		writeBadRequest(w, "tenant_id and a positive quantity are required")
		return
	}
	result, err := h.workflow.SubmitRequest(r.Context(), service.SubmitRequestCommand{
		TenantID: body.TenantID,
		Quantity: body.Quantity,
		Notes:    body.Notes,
		Actor:    actorFrom(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"request_id": result.RequestID,
		"load_id":    result.LoadID,
		"status":     result.Status,
	})
}

type approveBody struct {
	RequestID   string          `json:"request_id"`
	LocationIDs []string        `json:"location_ids"`
	Quantity    decimal.Decimal `json:"quantity"`
	Notes       string          `json:"notes"`
}

func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var body approveBody
	if !decode(w, r, &body) {
		return
	}
	if body.RequestID == "" || len(body.LocationIDs) == 0 || !body.Quantity.IsPositive() {
		writeBadRequest(w, "request_id, location_ids and a positive quantity are required")
		return
	}
	result, err := h.workflow.Approve(r.Context(), service.ApproveCommand{
		RequestID:   body.RequestID,
		LocationIDs: body.LocationIDs,
		Quantity:    body.Quantity,
		Notes:       body.Notes,
		Actor:       actorFrom(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"assigned_locations": result.Assignments,
		"status":             result.Status,
		"replayed":           result.Replayed,
	})
}

type rejectBody struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var body rejectBody
	if !decode(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		writeBadRequest(w, "request_id is required")
		return
	}
	result, err := h.workflow.Reject(r.Context(), service.RejectCommand{
		RequestID: body.RequestID,
		Reason:    body.Reason,
		Actor:     actorFrom(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": result.Status})
}

type pickupBody struct {
	RequestID string `json:"request_id"`
}

func (h *HTTPHandler) RequestPickup(w http.ResponseWriter, r *http.Request) {
	var body pickupBody
	if !decode(w, r, &body) {
		return
	}
	if body.RequestID == "" {
		writeBadRequest(w, "request_id is required")
		return
	}
	result, err := h.workflow.RequestPickup(r.Context(), service.PickupCommand{
		RequestID: body.RequestID,
		Actor:     actorFrom(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"load_id":  result.LoadID,
		"quantity": result.Quantity,
		"status":   result.Status,
	})
}

type createLoadBody struct {
	RequestID       string          `json:"request_id"`
	Direction       string          `json:"direction"`
	Sequence        int             `json:"sequence"`
	PlannedQuantity decimal.Decimal `json:"planned_quantity"`
}

func (h *HTTPHandler) CreateLoad(w http.ResponseWriter, r *http.Request) {
	var body createLoadBody
	if !decode(w, r, &body) {
		return
	}
	if body.RequestID == "" || body.Sequence <= 0 || !body.PlannedQuantity.IsPositive() {
		writeBadRequest(w, "request_id, a positive sequence and a positive planned_quantity are required")
		return
	}
	load, err := h.workflow.CreateLoad(r.Context(), service.CreateLoadCommand{
		RequestID:       body.RequestID,
		Direction:       domain.LoadDirection(body.Direction),
		Sequence:        body.Sequence,
		PlannedQuantity: body.PlannedQuantity,
		Actor:           actorFrom(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"load_id":  load.ID,
		"sequence": load.Sequence,
		"status":   load.Status,
	})
}

type transitionBody struct {
	LoadID string `json:"load_id"`
	Target string `json:"target"`
}

func (h *HTTPHandler) TransitionLoad(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if !decode(w, r, &body) {
		return
	}
	if body.LoadID == "" || body.Target == "" {
		writeBadRequest(w, "load_id and target are required")
		return
	}
	load, err := h.workflow.TransitionLoad(r.Context(), service.TransitionLoadCommand{
		LoadID: body.LoadID,
		Target: domain.LoadStatus(body.Target),
		Actor:  actorFrom(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": load.Status})
}

type completeLoadBody struct {
	LoadID         string          `json:"load_id"`
	ActualQuantity decimal.Decimal `json:"actual_quantity"`
	LocationID     string          `json:"location_id"`
}

func (h *HTTPHandler) CompleteLoad(w http.ResponseWriter, r *http.Request) {
	var body completeLoadBody
	if !decode(w, r, &body) {
		return
	}
	if body.LoadID == "" || !body.ActualQuantity.IsPositive() {
		writeBadRequest(w, "load_id and a positive actual_quantity are required")
		return
	}
	result, err := h.workflow.CompleteLoad(r.Context(), service.CompleteLoadCommand{
		LoadID:         body.LoadID,
		ActualQuantity: body.ActualQuantity,
		LocationID:     body.LocationID,
		Actor:          actorFrom(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	response := map[string]any{
		"success":              true,
		"inventory_record_ids": result.InventoryRecordIDs,
		"replayed":             result.Replayed,
	}
	if result.Warning != nil {
		response["warning"] = result.Warning
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *HTTPHandler) Availability(w http.ResponseWriter, r *http.Request) {
	locationID := r.URL.Query().Get("id")
	if locationID == "" {
		writeBadRequest(w, "id is required")
		return
	}
	available, err := h.workflow.GetAvailability(r.Context(), locationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"location_id": locationID,
		"available":   available,
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actorFrom(r *http.Request) domain.Actor {
	return domain.Actor{
		ID:   r.Header.Get("X-Actor-ID"),
		Role: domain.Role(r.Header.Get("X-Actor-Role")),
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}

// writeError maps business errors to {kind, message} so the UI can render
// specific guidance. Anything unrecognized is an internal failure.
func writeError(w http.ResponseWriter, err error) {
	var (
		insufficient *domain.InsufficientCapacityError
		invalidLoc   *domain.InvalidLocationError
		transition   *domain.InvalidStateTransitionError
		state        *domain.InvalidStateError
		notFound     *domain.NotFoundError
	)
	switch {
	case errors.As(err, &insufficient):
		writeErrorBody(w, http.StatusConflict, "insufficient_capacity", err)
	case errors.As(err, &invalidLoc):
		writeErrorBody(w, http.StatusBadRequest, "invalid_location", err)
	case errors.As(err, &transition):
		writeErrorBody(w, http.StatusConflict, "invalid_state_transition", err)
	case errors.As(err, &state):
		writeErrorBody(w, http.StatusConflict, "invalid_state", err)
	case errors.As(err, &notFound):
		writeErrorBody(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, service.ErrDuplicateRequest):
		writeErrorBody(w, http.StatusConflict, "duplicate_request", err)
	case errors.Is(err, domain.ErrPermissionDenied):
		writeErrorBody(w, http.StatusForbidden, "permission_denied", err)
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: errorBody{Kind: "internal", Message: "internal error"},
		})
	}
}

func writeErrorBody(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: err.Error()}})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error: errorBody{Kind: "bad_request", Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
