package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Guizzs26/field-outbox/internal/db"
	"github.com/Guizzs26/field-outbox/internal/models"
	"github.com/Guizzs26/field-outbox/internal/service"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// Outbox is the part of the sync coordinator the local API drives
type Outbox interface {
	Enqueue(ctx context.Context, rec models.EventRecord) (string, error)
	Count(ctx context.Context) (int, error)
	Pending(ctx context.Context) ([]models.EventRecord, error)
	Status() service.Status
	Trigger()
}

type Handler struct {
	outbox Outbox
	logger *slog.Logger
}

func NewHandler(o Outbox, l *slog.Logger) *Handler {
	return &Handler{outbox: o, logger: l}
}

// Routes mounts the producer, observer and observability endpoints
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", h.submitEvent)
	mux.HandleFunc("GET /v1/status", h.status)
	mux.HandleFunc("GET /v1/queue", h.queue)
	mux.HandleFunc("POST /v1/sync", h.sync)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OUTBOX ALIVE"))
	})
	return mux
}

// NewServer wraps the routes with the timeouts used by every listener in the relay
func NewServer(addr string, h *Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// submitRequest is what a form submission looks like on the wire. id and timestamp are optional.
type submitRequest struct {
	ID        string            `json:"id"`
	MachineID string            `json:"machine_id"`
	EventType string            `json:"event_type"`
	Timestamp string            `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

func (req submitRequest) record(now time.Time) (models.EventRecord, error) {
	eventType, err := models.ParseEventType(req.EventType)
	if err != nil {
		return models.EventRecord{}, err
	}

	ts := now.UTC()
	if req.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			return models.EventRecord{}, fmt.Errorf("%w: timestamp %q is not RFC 3339", models.ErrInvalidRecord, req.Timestamp)
		}
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	return models.EventRecord{
		ID:        id,
		MachineID: strings.TrimSpace(req.MachineID),
		EventType: eventType,
		Timestamp: ts.UTC(),
		Payload:   req.Payload,
		State:     models.StatePending,
	}, nil
}

func (h *Handler) submitEvent(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed body: %v", err))
		return
	}

	rec, err := req.record(time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.outbox.Enqueue(r.Context(), rec)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": "submitted"})
	case errors.Is(err, models.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrDuplicateID):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Could not store submitted event", "event_id", rec.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "event could not be stored, try again")
	}
}

type statusResponse struct {
	QueueDepth int `json:"queue_depth"`
	service.Status
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	depth, err := h.outbox.Count(r.Context())
	if err != nil {
		h.logger.Error("Could not read queue depth", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{QueueDepth: depth, Status: h.outbox.Status()})
}

func (h *Handler) queue(w http.ResponseWriter, r *http.Request) {
	records, err := h.outbox.Pending(r.Context())
	if err != nil {
		h.logger.Error("Could not list queue", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	if records == nil {
		records = []models.EventRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	h.outbox.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
