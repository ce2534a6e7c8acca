// Package parcels_api — JSON-обвязка над трекером.
package parcels_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/ParcelBox/internal/carriers"
	"github.com/BearBump/ParcelBox/internal/models"
	"github.com/BearBump/ParcelBox/internal/services/tracker"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type Service interface {
	AddParcel(ctx context.Context, trackingNumber, carrierID string, description, sender *string) (*models.Parcel, error)
	GetParcel(ctx context.Context, id uint64) (*models.Parcel, error)
	ListParcels(ctx context.Context, activeOnly bool) ([]*models.Parcel, error)
	ListEvents(ctx context.Context, parcelID uint64, limit, offset int) ([]*models.TrackingEvent, error)
	RefreshParcelByID(ctx context.Context, id uint64) (carriers.TrackingResult, error)
	RefreshAllActive(ctx context.Context) (map[uint64]carriers.TrackingResult, error)
	DeleteParcel(ctx context.Context, id uint64) (bool, error)
	DetectCarrier(trackingNumber string) []carriers.Carrier
	ListCarriers() []carriers.Config
}

type ParcelsAPI struct {
	svc Service
}

func New(svc Service) *ParcelsAPI {
	return &ParcelsAPI{svc: svc}
}

func (a *ParcelsAPI) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Route("/parcels", func(r chi.Router) {
			r.Post("/", a.createParcel)
			r.Get("/", a.listParcels)
			r.Post("/refresh_all", a.refreshAll)
			r.Route("/{parcelID}", func(r chi.Router) {
				r.Get("/", a.getParcel)
				r.Delete("/", a.deleteParcel)
				r.Post("/refresh", a.refreshParcel)
				r.Get("/events", a.listEvents)
			})
		})
		r.Route("/carriers", func(r chi.Router) {
			r.Get("/", a.listCarriers)
			r.Get("/detect", a.detectCarrier)
		})
	})
	return r
}

type createParcelRequest struct {
	TrackingNumber string  `json:"trackingNumber"`
	CarrierID      string  `json:"carrierId"`
	Description    *string `json:"description"`
	Sender         *string `json:"sender"`
}

type parcelView struct {
	ID               uint64     `json:"id"`
	TrackingNumber   string     `json:"trackingNumber"`
	CarrierID        string     `json:"carrierId"`
	Description      *string    `json:"description,omitempty"`
	Sender           *string    `json:"sender,omitempty"`
	Status           string     `json:"status"`
	LastStatusText   string     `json:"lastStatusText"`
	ExpectedDelivery *time.Time `json:"expectedDelivery,omitempty"`
	IsActive         bool       `json:"isActive"`
	LastChecked      *time.Time `json:"lastChecked,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type eventView struct {
	ID         uint64    `json:"id"`
	ParcelID   uint64    `json:"parcelId"`
	Status     string    `json:"status"`
	StatusText string    `json:"statusText"`
	Location   *string   `json:"location,omitempty"`
	EventTime  time.Time `json:"eventTime"`
	CreatedAt  time.Time `json:"createdAt"`
}

type refreshView struct {
	Success    bool   `json:"success"`
	Status     string `json:"status"`
	StatusText string `json:"statusText"`
	Events     int    `json:"events"`
	Error      string `json:"error,omitempty"`
}

type carrierView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
	Enabled bool   `json:"enabled"`
}

func (a *ParcelsAPI) createParcel(w http.ResponseWriter, r *http.Request) {
	var req createParcelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TrackingNumber == "" {
		writeError(w, http.StatusBadRequest, "trackingNumber is required")
		return
	}

	p, err := a.svc.AddParcel(r.Context(), req.TrackingNumber, req.CarrierID, req.Description, req.Sender)
	switch {
	case errors.Is(err, tracker.ErrDuplicateParcel):
		writeError(w, http.StatusConflict, "parcel is already tracked")
		return
	case errors.Is(err, tracker.ErrCarrierUndetectable):
		writeError(w, http.StatusUnprocessableEntity, "could not detect carrier, pass carrierId explicitly")
		return
	case errors.Is(err, tracker.ErrUnknownCarrier):
		writeError(w, http.StatusUnprocessableEntity, "unknown carrier")
		return
	case err != nil:
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParcelView(p))
}

func (a *ParcelsAPI) listParcels(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	ps, err := a.svc.ListParcels(r.Context(), activeOnly)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	out := make([]parcelView, 0, len(ps))
	for _, p := range ps {
		out = append(out, toParcelView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"parcels": out})
}

func (a *ParcelsAPI) getParcel(w http.ResponseWriter, r *http.Request) {
	id, ok := parcelID(w, r)
	if !ok {
		return
	}
	p, err := a.svc.GetParcel(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "parcel not found")
		return
	}
	writeJSON(w, http.StatusOK, toParcelView(p))
}

func (a *ParcelsAPI) listEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parcelID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	evs, err := a.svc.ListEvents(r.Context(), id, limit, offset)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	out := make([]eventView, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventView{
			ID:         e.ID,
			ParcelID:   e.ParcelID,
			Status:     string(e.Status),
			StatusText: e.StatusText,
			Location:   e.Location,
			EventTime:  e.EventTime,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *ParcelsAPI) refreshParcel(w http.ResponseWriter, r *http.Request) {
	id, ok := parcelID(w, r)
	if !ok {
		return
	}
	res, err := a.svc.RefreshParcelByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toRefreshView(res))
}

func (a *ParcelsAPI) refreshAll(w http.ResponseWriter, r *http.Request) {
	results, err := a.svc.RefreshAllActive(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	out := make(map[string]refreshView, len(results))
	refreshed := 0
	for id, res := range results {
		if res.Success {
			refreshed++
		}
		out[strconv.FormatUint(id, 10)] = toRefreshView(res)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(results),
		"refreshed": refreshed,
		"results":   out,
	})
}

func (a *ParcelsAPI) deleteParcel(w http.ResponseWriter, r *http.Request) {
	id, ok := parcelID(w, r)
	if !ok {
		return
	}
	deleted, err := a.svc.DeleteParcel(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "parcel not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ParcelsAPI) listCarriers(w http.ResponseWriter, _ *http.Request) {
	cfgs := a.svc.ListCarriers()
	out := make([]carrierView, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, carrierView{ID: cfg.ID, Name: cfg.Name, Website: cfg.Website, Enabled: cfg.Enabled})
	}
	writeJSON(w, http.StatusOK, map[string]any{"carriers": out})
}

func (a *ParcelsAPI) detectCarrier(w http.ResponseWriter, r *http.Request) {
	tn := r.URL.Query().Get("trackingNumber")
	if tn == "" {
		writeError(w, http.StatusBadRequest, "trackingNumber query param is required")
		return
	}
	matches := a.svc.DetectCarrier(tn)
	out := make([]carrierView, 0, len(matches))
	for _, c := range matches {
		cfg := c.Config()
		out = append(out, carrierView{ID: cfg.ID, Name: cfg.Name, Website: cfg.Website, Enabled: cfg.Enabled})
	}
	writeJSON(w, http.StatusOK, map[string]any{"carriers": out})
}

func toParcelView(p *models.Parcel) parcelView {
	return parcelView{
		ID:               p.ID,
		TrackingNumber:   p.TrackingNumber,
		CarrierID:        p.CarrierID,
		Description:      p.Description,
		Sender:           p.Sender,
		Status:           string(p.Status),
		LastStatusText:   p.LastStatusText,
		ExpectedDelivery: p.ExpectedDelivery,
		IsActive:         p.IsActive,
		LastChecked:      p.LastChecked,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func toRefreshView(res carriers.TrackingResult) refreshView {
	return refreshView{
		Success:    res.Success,
		Status:     string(res.Status),
		StatusText: res.StatusText,
		Events:     len(res.Events),
		Error:      res.Error,
	}
}

func parcelID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "parcelID"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid parcel id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeInternalError(w http.ResponseWriter, err error) {
	slog.Error("internal error", "error", err.Error())
	writeError(w, http.StatusInternalServerError, "internal error")
}
