package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
	"github.com/manpreetbhatti/stratsync/internal/db"
	"github.com/manpreetbhatti/stratsync/internal/room"
	"github.com/manpreetbhatti/stratsync/internal/ws"
)

const userHeader = "X-User-ID"

type API struct {
	registry         *room.Registry
	hub              *ws.Hub
	database         *db.Database
	logger           *zap.Logger
	keepAutoVersions int
}

func New(registry *room.Registry, hub *ws.Hub, database *db.Database, keepAutoVersions int, logger *zap.Logger) *API {
	if keepAutoVersions <= 0 {
		keepAutoVersions = 20
	}
	return &API{
		registry:         registry,
		hub:              hub,
		database:         database,
		logger:           logger,
		keepAutoVersions: keepAutoVersions,
	}
}

// Routes mounts the REST surface on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.HealthHandler)
	r.Get("/api/stats", a.StatsHandler)

	r.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", a.ListRoomsHandler)
		r.Post("/", a.CreateRoomHandler)
		r.Route("/{roomID}", func(r chi.Router) {
			r.Get("/", a.GetRoomHandler)
			r.Delete("/", a.DeleteRoomHandler)
			r.Get("/floors", a.ListFloorsHandler)
			r.Post("/floors", a.CreateFloorHandler)
			r.Get("/snapshot", a.SnapshotHandler)
			r.Get("/versions", a.ListVersionsHandler)
			r.With(a.requireUser).Post("/versions", a.CreateVersionHandler)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(a.requireUser)
		r.Post("/api/floors/{floorID}/draws", a.CreateDrawsHandler)
		r.Put("/api/draws/{drawID}", a.UpdateDrawHandler)
		r.Post("/api/draws/delete", a.DeleteDrawsHandler)
		r.Delete("/api/versions/{versionID}", a.DeleteVersionHandler)
	})

	r.Get("/api/versions/diff", a.DiffVersionsHandler)
	r.Get("/api/versions/{versionID}", a.GetVersionHandler)
}

// requireUser rejects writes that arrive without the identity header the
// authenticating proxy sets.
func (a *API) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(userHeader) == "" {
			a.jsonResponse(w, http.StatusUnauthorized, map[string]string{"error": "missing " + userHeader})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("encoding response failed", zap.Error(err))
	}
}

// errorResponse answers with the status matching err's kind. Errors of
// unknown kind are logged and reported without detail.
func (a *API) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}
	a.jsonResponse(w, status, map[string]string{"error": msg})
}

func (a *API) badRequest(w http.ResponseWriter, r *http.Request, op, format string, args ...any) {
	a.errorResponse(w, r, apperr.Invalid(op, format, args...))
}

func pagination(r *http.Request, def int) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = def
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":       a.registry.RoomCount(),
		"active_connections": a.hub.ConnectionCount(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats(r.Context())
	if err != nil {
		a.logger.Warn("stats query failed", zap.Error(err))
	} else {
		stats["total_rooms"] = dbStats.RoomCount
		stats["total_floors"] = dbStats.FloorCount
		stats["total_draws"] = dbStats.DrawCount
		stats["deleted_draws"] = dbStats.DeletedCount
		stats["total_versions"] = dbStats.VersionCount
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Participants int       `json:"participants"`
}

type CreateRoomRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func roomResponse(room db.Room, active map[string]int) RoomResponse {
	return RoomResponse{
		ID:           room.ID,
		Name:         room.Name,
		CreatedAt:    room.CreatedAt,
		UpdatedAt:    room.UpdatedAt,
		Participants: active[room.ID],
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20)

	rooms, err := a.database.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}

	active := a.registry.ActiveRooms()
	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = roomResponse(room, active)
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.badRequest(w, r, "api.CreateRoom", "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := a.database.CreateRoom(r.Context(), req.ID, req.Name); err != nil {
		a.errorResponse(w, r, err)
		return
	}

	room, err := a.database.GetRoom(r.Context(), req.ID)
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}

	a.logger.Info("room created", zap.String("room_id", room.ID))
	a.jsonResponse(w, http.StatusCreated, roomResponse(*room, nil))
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	room, err := a.database.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, roomResponse(*room, a.registry.ActiveRooms()))
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if _, err := a.database.GetRoom(r.Context(), roomID); err != nil {
		a.errorResponse(w, r, err)
		return
	}
	if err := a.database.DeleteRoom(r.Context(), roomID); err != nil {
		a.errorResponse(w, r, err)
		return
	}

	a.logger.Info("room deleted", zap.String("room_id", roomID))
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "room deleted"})
}

// Floor handlers

type CreateFloorRequest struct {
	Name string `json:"name"`
}

func (a *API) ListFloorsHandler(w http.ResponseWriter, r *http.Request) {
	floors, err := a.database.ListFloors(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]any{"floors": floors})
}

func (a *API) CreateFloorHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateFloorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.badRequest(w, r, "api.CreateFloor", "invalid request body")
		return
	}
	if req.Name == "" {
		a.badRequest(w, r, "api.CreateFloor", "name is required")
		return
	}

	floor, err := a.database.CreateFloor(r.Context(), chi.URLParam(r, "roomID"), req.Name)
	if err != nil {
		a.errorResponse(w, r, err)
		return
	}
	a.jsonResponse(w, http.StatusCreated, floor)
}
