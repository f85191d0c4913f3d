package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/draw"
)

type CreateDrawsRequest struct {
	Payloads []draw.Payload `json:"payloads"`
}

type UpdateDrawRequest struct {
	Payload draw.Payload `json:"payload"`
}

type DeleteDrawsRequest struct {
	IDs []string `json:"ids"`
}

func (a *API) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	floors, err := a.database.Snapshot(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}
	if floors == nil {
		floors = []draw.Floor{}
	}
	a.jsonResponse(w, http.StatusOK, map[string]any{"floors": floors})
}

// CreateDrawsHandler stores a batch and answers with the records in request
// order.
func (a *API) CreateDrawsHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateDrawsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.badRequest(w, r, "api.CreateDraws", "invalid request body: %v", err)
		return
	}

	records, err := a.database.CreateDraws(r.Context(), chi.URLParam(r, "floorID"), r.Header.Get(userHeader), req.Payloads)
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusCreated, map[string]any{"draws": records})
}

func (a *API) UpdateDrawHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateDrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.badRequest(w, r, "api.UpdateDraw", "invalid request body: %v", err)
		return
	}

	record, err := a.database.UpdateDraw(r.Context(), chi.URLParam(r, "drawID"), r.Header.Get(userHeader), req.Payload)
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, record)
}

func (a *API) DeleteDrawsHandler(w http.ResponseWriter, r *http.Request) {
	var req DeleteDrawsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.badRequest(w, r, "api.DeleteDraws", "invalid request body")
		return
	}

	userID := r.Header.Get(userHeader)
	if err := a.database.DeleteDraws(r.Context(), req.IDs, userID); err != nil {
		a.errorResponse(w, r, err)
		return
	}

	a.logger.Debug("draws deleted", zap.Strings("ids", req.IDs), zap.String("user_id", userID))
	a.jsonResponse(w, http.StatusOK, map[string]any{"deleted": len(req.IDs)})
}
