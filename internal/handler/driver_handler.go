package handler

import (
	"encoding/json"
	"net/http"

	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/aditya/tow-dispatch/internal/service"
	"github.com/aditya/tow-dispatch/pkg/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxDriverIDLength = 64

type DriverHandler struct {
	presence service.PresenceService
	dispatch service.DispatchService
	validate *validator.Validate
}

func NewDriverHandler(presence service.PresenceService, dispatch service.DispatchService) *DriverHandler {
	return &DriverHandler{
		presence: presence,
		dispatch: dispatch,
		validate: validator.New(),
	}
}

func (h *DriverHandler) RegisterRoutes(r chi.Router) {
	r.Post("/drivers/{id}/online", h.GoOnline)
	r.Post("/drivers/{id}/offline", h.GoOffline)
	r.Post("/drivers/{id}/location", h.UpdateLocation)
	r.Get("/drivers/{id}/presence", h.GetPresence)
	r.Get("/drivers/{id}/offer", h.GetOffer)
}

// POST /v1/drivers/{id}/online
func (h *DriverHandler) GoOnline(w http.ResponseWriter, r *http.Request) {
	h.setOnline(w, r, true)
}

// POST /v1/drivers/{id}/offline
func (h *DriverHandler) GoOffline(w http.ResponseWriter, r *http.Request) {
	h.setOnline(w, r, false)
}

func (h *DriverHandler) setOnline(w http.ResponseWriter, r *http.Request, online bool) {
	id, ok := driverID(w, r)
	if !ok {
		return
	}

	presence, err := h.presence.SetOnline(r.Context(), id, online)
	if err != nil {
		handleError(w, err)
		return
	}

	utils.Success(w, http.StatusOK, presence)
}

// POST /v1/drivers/{id}/location
func (h *DriverHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := driverID(w, r)
	if !ok {
		return
	}

	var req models.UpdateLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.BadRequest(w, "invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		utils.BadRequest(w, err.Error())
		return
	}

	stored, err := h.presence.UpdateLocation(r.Context(), id, req.Lat, req.Lng)
	if err != nil {
		handleError(w, err)
		return
	}

	utils.Success(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"stored": stored,
	})
}

// GET /v1/drivers/{id}/presence
func (h *DriverHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	id, ok := driverID(w, r)
	if !ok {
		return
	}

	presence, err := h.presence.Get(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}

	utils.Success(w, http.StatusOK, presence)
}

// GET /v1/drivers/{id}/offer
func (h *DriverHandler) GetOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := driverID(w, r)
	if !ok {
		return
	}

	offer, err := h.dispatch.CurrentOffer(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}

	utils.Success(w, http.StatusOK, map[string]interface{}{
		"offer": offer,
	})
}

func driverID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxDriverIDLength {
		utils.BadRequest(w, "driver id is required")
		return "", false
	}
	return id, true
}
