package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/codesync/internal/db"
	"github.com/manpreetbhatti/codesync/internal/logging"
	"github.com/manpreetbhatti/codesync/internal/ws"
)

const maxRequestBody = 64 << 10

type API struct {
	hub      *ws.Hub
	database *db.Database
	logger   *slog.Logger
}

func New(hub *ws.Hub, database *db.Database, logger *slog.Logger) *API {
	logger = logging.OrDefault(logger)
	return &API{
		hub:      hub,
		database: database,
		logger:   logger.With("component", "api"),
	}
}

// Register mounts the REST routes on r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/rooms", a.CreateRoomHandler).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{roomId}", a.GetRoomHandler).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{roomId}", a.DeleteRoomHandler).Methods(http.MethodDelete)
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("encode response failed", "error", err)
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.database.Ping(ctx); err != nil {
		a.logger.Error("health check failed", "error", err)
		a.jsonResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  "database unreachable",
		})
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":   len(a.hub.ActiveRooms()),
		"loaded_rooms":   a.hub.RoomCount(),
		"active_clients": a.hub.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats(r.Context())
	if err == nil {
		stats["total_rooms"] = dbStats.RoomCount
		stats["total_code_bytes"] = dbStats.CodeLength
	} else {
		a.logger.Warn("stats query failed", "error", err)
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`
}

type CreateRoomRequest struct {
	ID string `json:"id"`
}

// toResponse prefers the in-memory code, which may be ahead of the last flush.
func (a *API) toResponse(room db.Room) RoomResponse {
	resp := RoomResponse{
		ID:          room.ID,
		Code:        room.Code,
		CreatedAt:   room.CreatedAt,
		UpdatedAt:   room.UpdatedAt,
		ActiveUsers: a.hub.ClientsIn(room.ID),
	}
	if live, ok := a.hub.Lookup(room.ID); ok {
		resp.Code = live.Code()
		if at := live.UpdatedAt(); at.After(resp.UpdatedAt) {
			resp.UpdatedAt = at
		}
	}
	return resp
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.database.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error("list rooms failed", "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = a.toResponse(room)
	}

	a.jsonResponse(w, http.StatusOK, response)
}

// CreateRoomHandler accepts an optional id; a random one is assigned otherwise.
func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		a.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := a.database.CreateRoom(r.Context(), req.ID); err != nil {
		a.logger.Error("create room failed", "room_id", req.ID, "error", err)
		a.errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	room, err := a.database.GetRoom(r.Context(), req.ID)
	if err != nil || room == nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	a.jsonResponse(w, http.StatusCreated, a.toResponse(*room))
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	room, err := a.database.GetRoom(r.Context(), roomID)
	if err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if room == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, a.toResponse(*room))
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]

	if err := a.database.DeleteRoom(r.Context(), roomID); err != nil {
		a.errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}
