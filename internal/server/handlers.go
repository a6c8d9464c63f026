package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/matteoterruzzi/llpp/internal/broadcast"
	"github.com/matteoterruzzi/llpp/internal/models"
)

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse is the JSON response for GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
	Observers int64     `json:"observers"`
	Error     string    `json:"error,omitempty"`
}

// StationHandler serves the read side of the store over plain HTTP. Every
// request opens its own reader, like a websocket observer does.
type StationHandler struct {
	readers broadcast.ReaderFactory
	hub     *broadcast.Hub
}

// NewStationHandler creates a handler reading through readers. hub may be nil.
func NewStationHandler(readers broadcast.ReaderFactory, hub *broadcast.Hub) *StationHandler {
	return &StationHandler{readers: readers, hub: hub}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// withReader opens a reader for the duration of fn
func (h *StationHandler) withReader(ctx context.Context, fn func(broadcast.Reader) error) error {
	reader, err := h.readers(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := reader.Close(); err != nil {
			log.Printf("Failed to close store reader: %v", err)
		}
	}()
	return fn(reader)
}

// Health handles GET /health
// Checks that a fresh reader can query the store
func (h *StationHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var observers int64
	if h.hub != nil {
		observers = h.hub.Stats().Clients
	}

	err := h.withReader(ctx, func(reader broadcast.Reader) error {
		_, err := reader.ListStations(ctx)
		return err
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    "error",
			Database:  "disconnected",
			Timestamp: time.Now().UTC(),
			Observers: observers,
			Error:     err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Database:  "connected",
		Timestamp: time.Now().UTC(),
		Observers: observers,
	})
}

// ListStations handles GET /api/stations
// Same payload as the websocket "list_stations" answer
func (h *StationHandler) ListStations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var stations []string
	err := h.withReader(ctx, func(reader broadcast.Reader) (err error) {
		stations, err = reader.ListStations(ctx)
		return err
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list stations",
			Details: map[string]interface{}{"error": err.Error()},
		})
		return
	}

	writeJSON(w, http.StatusOK, models.StationsResponse{Stations: stations})
}

// GetSnapshot handles GET /api/stations/{station}
// Same payload as the websocket {"station": S} answer, without subscribing
func (h *StationHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	station := chi.URLParam(r, "station")
	if station == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "station is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var snapshot models.Snapshot
	err := h.withReader(ctx, func(reader broadcast.Reader) (err error) {
		snapshot, err = broadcast.ReadSnapshot(ctx, reader, station)
		return err
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to read station history",
			Details: map[string]interface{}{"station": station, "error": err.Error()},
		})
		return
	}

	writeJSON(w, http.StatusOK, models.PastResponse{Past: snapshot})
}
