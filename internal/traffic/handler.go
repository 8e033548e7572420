package traffic

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"traffic-state/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const defaultHistoryLimit = 100

// SnapshotSource exposes the most recent snapshot.
type SnapshotSource interface {
	Latest() (Snapshot, bool)
}

// HistoryReader returns recorded samples for a road, newest first.
type HistoryReader interface {
	History(ctx context.Context, roadID string, limit int) ([]RoadSample, error)
}

// Handler exposes the control surface over HTTP using go-chi.
type Handler struct {
	svc       *Service
	snapshots SnapshotSource
	history   HistoryReader
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewHandler returns a Handler. history and m may be nil to disable
// history queries and metric recording.
func NewHandler(svc *Service, snapshots SnapshotSource, history HistoryReader, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, snapshots: snapshots, history: history, log: log, metrics: m}
}

type rectBody struct {
	X1 *float64 `json:"x1"`
	Y1 *float64 `json:"y1"`
	X2 *float64 `json:"x2"`
	Y2 *float64 `json:"y2"`
}

func (b rectBody) complete() bool {
	return b.X1 != nil && b.Y1 != nil && b.X2 != nil && b.Y2 != nil
}

type sourceBody struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Target     string `json:"target"`
	ROI        ROI    `json:"roi"`
	Line       *Line  `json:"line,omitempty"`
	Discipline string `json:"discipline"`
}

// ListRoads handles GET /roads.
func (h *Handler) ListRoads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Roads())
}

// AddRoad handles POST /roads.
func (h *Handler) AddRoad(w http.ResponseWriter, r *http.Request) {
	var body sourceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.log.Debug("invalid road body", slog.String("error", err.Error()))
		writeStatus(w, http.StatusBadRequest, "invalid body")
		return
	}
	disc, err := ParseDiscipline(body.Discipline)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := SourceConfig{
		ID:         body.ID,
		Name:       body.Name,
		Target:     body.Target,
		ROI:        body.ROI,
		Line:       DefaultLine,
		Discipline: disc,
	}
	if body.Line != nil {
		cfg.Line = *body.Line
	}

	st, err := h.svc.AddSource(cfg)
	if err != nil {
		h.fail(w, "add road failed", body.ID, err)
		return
	}
	h.metrics.IncControlOps("add")
	h.log.Info("road added", slog.String("road_id", cfg.ID), slog.String("discipline", string(disc)))
	writeJSON(w, http.StatusCreated, st)
}

// GetRoad handles GET /roads/{road_id}.
func (h *Handler) GetRoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "road_id")
	st, err := h.svc.Road(id)
	if err != nil {
		h.fail(w, "get road failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RemoveRoad handles DELETE /roads/{road_id}.
func (h *Handler) RemoveRoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "road_id")
	if err := h.svc.RemoveSource(id); err != nil {
		h.fail(w, "remove road failed", id, err)
		return
	}
	h.metrics.IncControlOps("remove")
	h.log.Info("road removed", slog.String("road_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// StartRoad handles POST /roads/{road_id}/start.
func (h *Handler) StartRoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "road_id")
	st, err := h.svc.StartSource(id)
	if err != nil {
		h.fail(w, "start road failed", id, err)
		return
	}
	h.metrics.IncControlOps("start")
	h.log.Info("road started", slog.String("road_id", id))
	writeJSON(w, http.StatusOK, st)
}

// StopRoad handles POST /roads/{road_id}/stop.
func (h *Handler) StopRoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "road_id")
	if err := h.svc.StopSource(id); err != nil {
		h.fail(w, "stop road failed", id, err)
		return
	}
	h.metrics.IncControlOps("stop")
	h.log.Info("road stopped", slog.String("road_id", id))
	writeStatus(w, http.StatusOK, "stopped")
}

// ResetCounter handles POST /roads/{road_id}/reset.
func (h *Handler) ResetCounter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "road_id")
	if err := h.svc.ResetCounter(id); err != nil {
		h.fail(w, "reset counter failed", id, err)
		return
	}
	h.metrics.IncControlOps("reset")
	writeStatus(w, http.StatusOK, "reset")
}

// SetLine handles PUT /roads/{road_id}/line. Body: {"x1":0,"y1":300,"x2":640,"y2":300}.
func (h *Handler) SetLine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "road_id")
	var body rectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.complete() {
		writeStatus(w, http.StatusBadRequest, "body must carry x1, y1, x2, y2")
		return
	}
	l := Line{X1: *body.X1, Y1: *body.Y1, X2: *body.X2, Y2: *body.Y2}
	if err := h.svc.SetLine(id, l); err != nil {
		h.fail(w, "set line failed", id, err)
		return
	}
	h.metrics.IncControlOps("line")
	writeStatus(w, http.StatusOK, "line updated")
}

// SetROI handles PUT /roads/{road_id}/roi. Body: {"x1":100,"y1":100,"x2":1100,"y2":650}.
func (h *Handler) SetROI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "road_id")
	var body rectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.complete() {
		writeStatus(w, http.StatusBadRequest, "body must carry x1, y1, x2, y2")
		return
	}
	roi := ROI{X1: *body.X1, Y1: *body.Y1, X2: *body.X2, Y2: *body.Y2}
	if err := h.svc.SetROI(id, roi); err != nil {
		h.fail(w, "set roi failed", id, err)
		return
	}
	h.metrics.IncControlOps("roi")
	writeStatus(w, http.StatusOK, "roi updated")
}

// Stats handles GET /roads/{road_id}/stats with the crossing totals, frame
// rate and run state.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "road_id")
	st, err := h.svc.Stats(id)
	if err != nil {
		h.fail(w, "stats failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// History handles GET /roads/{road_id}/history?limit=N.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "road_id")
	if h.history == nil {
		writeStatus(w, http.StatusNotImplemented, "history disabled")
		return
	}
	if _, err := h.svc.Road(id); err != nil {
		h.fail(w, "history failed", id, err)
		return
	}
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeStatus(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	rows, err := h.history.History(r.Context(), id, limit)
	if err != nil {
		h.log.Error("history query failed", slog.String("road_id", id), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []RoadSample{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetSnapshot handles GET /snapshot.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshots.Latest()
	if !ok {
		writeStatus(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "live_sources": h.svc.LiveCount()})
}

// fail maps control-surface errors to status codes. Misuse is reported to
// the caller; nothing is retried.
func (h *Handler) fail(w http.ResponseWriter, msg, id string, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, ErrSourceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrSourceClosed), errors.Is(err, ErrSourceExists), errors.Is(err, ErrCrossingDisabled):
		status = http.StatusConflict
	}
	h.log.Info(msg, slog.String("road_id", id), slog.String("error", err.Error()))
	writeStatus(w, status, err.Error())
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	key := "status"
	if code >= 400 {
		key = "error"
	}
	writeJSON(w, code, map[string]string{key: status})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
