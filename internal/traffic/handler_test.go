package traffic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
)

type staticSnapshots struct {
	snap Snapshot
	ok   bool
}

func (s staticSnapshots) Latest() (Snapshot, bool) { return s.snap, s.ok }

type fakeHistory struct {
	rows      []RoadSample
	err       error
	lastLimit int
}

func (f *fakeHistory) History(_ context.Context, roadID string, limit int) ([]RoadSample, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	var out []RoadSample
	for _, r := range f.rows {
		if r.RoadID == roadID {
			out = append(out, r)
		}
	}
	return out, nil
}

type handlerFixture struct {
	router  *chi.Mux
	history *fakeHistory
}

func newHandlerFixture(t *testing.T, snaps SnapshotSource, withHistory bool) *handlerFixture {
	t.Helper()
	sources := map[string]FrameSource{"cam1": newGatedSource(), "cam2": newGatedSource()}
	reg := NewRegistry(testOptions(sources))
	t.Cleanup(reg.Close)
	svc := NewService(reg)

	f := &handlerFixture{}
	var hist HistoryReader
	if withHistory {
		f.history = &fakeHistory{}
		hist = f.history
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	h := NewHandler(svc, snaps, hist, log, nil)
	f.router = newTestRouter(h)
	return f
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/healthz", h.Health)
	r.Get("/snapshot", h.GetSnapshot)
	r.Route("/roads", func(r chi.Router) {
		r.Get("/", h.ListRoads)
		r.Post("/", h.AddRoad)
		r.Route("/{road_id}", func(r chi.Router) {
			r.Get("/", h.GetRoad)
			r.Delete("/", h.RemoveRoad)
			r.Post("/start", h.StartRoad)
			r.Post("/stop", h.StopRoad)
			r.Post("/reset", h.ResetCounter)
			r.Put("/line", h.SetLine)
			r.Put("/roi", h.SetROI)
			r.Get("/stats", h.Stats)
			r.Get("/history", h.History)
		})
	})
	return r
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *handlerFixture) addRoad(t *testing.T, id, target, discipline string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/roads", map[string]any{
		"id":         id,
		"name":       "Road " + id,
		"target":     target,
		"roi":        map[string]float64{"x1": 0, "y1": 0, "x2": 1000, "y2": 1000},
		"discipline": discipline,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("setup: add road %s: expected 201, got %d: %s", id, rec.Code, rec.Body.String())
	}
}

func TestHandler_AddRoad(t *testing.T) {
	f := newHandlerFixture(t, staticSnapshots{}, false)

	rec := f.do(t, http.MethodPost, "/roads", map[string]any{
		"id":         "road_1",
		"target":     "cam1",
		"roi":        map[string]float64{"x1": 0, "y1": 0, "x2": 640, "y2": 480},
		"discipline": "both",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.Bytes()
	if got := gjson.GetBytes(body, "id").String(); got != "road_1" {
		t.Errorf("id = %q", got)
	}
	if got := gjson.GetBytes(body, "line.y1").Float(); got != 300 {
		t.Errorf("default line y1 = %v, want 300", got)
	}
	if got := gjson.GetBytes(body, "level").String(); got != "LOW" {
		t.Errorf("level = %q, want LOW", got)
	}
}

func TestHandler_AddRoad_errors(t *testing.T) {
	f := newHandlerFixture(t, staticSnapshots{}, false)
	f.addRoad(t, "road_1", "cam1", "")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"not json", "not json", http.StatusBadRequest},
		{"unknown discipline", map[string]any{"id": "r2", "discipline": "psychic"}, http.StatusBadRequest},
		{"missing id", map[string]any{"target": "cam2"}, http.StatusBadRequest},
		{"inverted roi", map[string]any{"id": "r2", "roi": map[string]float64{"x1": 10, "x2": 0}}, http.StatusBadRequest},
		{"duplicate", map[string]any{"id": "road_1", "target": "cam1"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/roads", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if !gjson.GetBytes(rec.Body.Bytes(), "error").Exists() {
				t.Errorf("error body missing: %s", rec.Body.String())
			}
		})
	}
}

func TestHandler_ListRoads(t *testing.T) {
	f := newHandlerFixture(t, staticSnapshots{}, false)
	f.addRoad(t, "road_2", "cam2", "")
	f.addRoad(t, "road_1", "cam1", "")

	rec := f.do(t, http.MethodGet, "/roads", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	ids := gjson.GetBytes(rec.Body.Bytes(), "#.id").Array()
	if len(ids) != 2 || ids[0].String() != "road_1" || ids[1].String() != "road_2" {
		t.Errorf("ids = %v", ids)
	}
}

func TestHandler_GetRoad_not_found(t *testing.T) {
	f := newHandlerFixture(t, staticSnapshots{}, false)
	rec := f.do(t, http.MethodGet, "/roads/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_Stop_then_Start(t *testing.T) {
	f := newHandlerFixture(t, staticSnapshots{}, false)
	f.addRoad(t, "road_1", "cam1", "")

	rec := f.do(t, http.MethodPost, "/roads/road_1/stop", nil)
	if rec.Code != http.StatusOK || gjson.Get(rec.Body.String(), "status").String() != "stopped" {
		t.Fatalf("stop: got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/roads/road_1/stop", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second stop: expected 409, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPut, "/roads/road_1/roi", map[string]float64{"x1": 0, "y1": 0, "x2": 1, "y2": 1})
	if rec.Code != http.StatusConflict {
		t.Errorf("roi on stopped road: expected 409, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/roads/road_1/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", rec.Code)
	}
	if state := gjson.Get(rec.Body.String(), "state").String(); state == "closed" {
		t.Errorf("restarted road state = %q", state)
	}
}

func TestHandler_RemoveRoad(t *testing.T) {
	f := newHandlerFixture(t, staticSnapshots{}, false)
	f.addRoad(t, "road_1", "cam1", "")

	rec := f.do(t, http.MethodDelete, "/roads/road_1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/roads/road_1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("removed road: expected 404, got %d", rec.Code)
	}
}

func TestHandler_crossing_controls(t *testing.T) {
	f := newHandlerFixture(t, staticSnapshots{}, false)
	f.addRoad(t, "cross", "cam1", "crossing")
	f.addRoad(t, "window", "cam2", "window")

	rec := f.do(t, http.MethodGet, "/roads/cross/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); gjson.Get(body, "vehicle").Int() != 0 || !gjson.Get(body, "person").Exists() {
		t.Errorf("stats body = %s", body)
	}

	rec = f.do(t, http.MethodPost, "/roads/cross/reset", nil)
	if rec.Code != http.StatusOK || gjson.Get(rec.Body.String(), "status").String() != "reset" {
		t.Errorf("reset: got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPut, "/roads/cross/line", map[string]float64{"x1": 0, "y1": 200, "x2": 640, "y2": 220})
	if rec.Code != http.StatusOK {
		t.Errorf("line: expected 200, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/roads/cross", nil)
	if got := gjson.Get(rec.Body.String(), "line.y2").Float(); got != 220 {
		t.Errorf("line.y2 = %v, want 220", got)
	}

	for _, path := range []string{"/roads/window/stats", "/roads/window/reset"} {
		method := http.MethodGet
		if path == "/roads/window/reset" {
			method = http.MethodPost
		}
		if rec := f.do(t, method, path, nil); rec.Code != http.StatusConflict {
			t.Errorf("%s on window-only road: expected 409, got %d", path, rec.Code)
		}
	}
}

func TestHandler_Stats_reports_run_state(t *testing.T) {
	f := newHandlerFixture(t, staticSnapshots{}, false)
	f.addRoad(t, "cross", "cam1", "both")

	rec := f.do(t, http.MethodGet, "/roads/cross/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !gjson.Get(body, "running").Bool() || !gjson.Get(body, "fps").Exists() || gjson.Get(body, "state").String() == "" {
		t.Errorf("stats body = %s", body)
	}

	if rec := f.do(t, http.MethodPost, "/roads/cross/stop", nil); rec.Code != http.StatusOK {
		t.Fatalf("stop: got %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/roads/cross/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats on stopped road: expected 200, got %d", rec.Code)
	}
	body = rec.Body.String()
	if gjson.Get(body, "running").Bool() || !gjson.Get(body, "vehicle").Exists() {
		t.Errorf("stopped stats body = %s", body)
	}
}

func TestHandler_SetLine_SetROI_bad_body(t *testing.T) {
	f := newHandlerFixture(t, staticSnapshots{}, false)
	f.addRoad(t, "road_1", "cam1", "both")

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"line missing field", "/roads/road_1/line", map[string]float64{"x1": 0, "y1": 0, "x2": 10}, http.StatusBadRequest},
		{"line zero length", "/roads/road_1/line", map[string]float64{"x1": 5, "y1": 5, "x2": 5, "y2": 5}, http.StatusBadRequest},
		{"roi not json", "/roads/road_1/roi", "{", http.StatusBadRequest},
		{"roi inverted", "/roads/road_1/roi", map[string]float64{"x1": 9, "y1": 0, "x2": 1, "y2": 5}, http.StatusBadRequest},
		{"roi unknown road", "/roads/nope/roi", map[string]float64{"x1": 0, "y1": 0, "x2": 1, "y2": 5}, http.StatusNotFound},
		{"roi ok", "/roads/road_1/roi", map[string]float64{"x1": 0, "y1": 0, "x2": 1, "y2": 5}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_GetSnapshot(t *testing.T) {
	t.Run("before_first_tick", func(t *testing.T) {
		f := newHandlerFixture(t, staticSnapshots{}, false)
		rec := f.do(t, http.MethodGet, "/snapshot", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})

	t.Run("latest", func(t *testing.T) {
		snap := BuildSnapshot(12.5, []RoadMeasurement{{ID: "road_1", Name: "Main St", Measurement: Measurement{
			Now: Counts{Vehicles: 11}, Smooth: Smoothed{Vehicles: 10.5}, Level: LevelMed,
		}}}, DefaultThresholds(), 2.0)
		f := newHandlerFixture(t, staticSnapshots{snap: snap, ok: true}, false)

		rec := f.do(t, http.MethodGet, "/snapshot", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := rec.Body.String()
		if got := gjson.Get(body, "roads.road_1.level").String(); got != "MED" {
			t.Errorf("level = %q", got)
		}
		if got := gjson.Get(body, "ts").Float(); got != 12.5 {
			t.Errorf("ts = %v", got)
		}
	})
}

func TestHandler_History(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newHandlerFixture(t, staticSnapshots{}, false)
		f.addRoad(t, "road_1", "cam1", "")
		rec := f.do(t, http.MethodGet, "/roads/road_1/history", nil)
		if rec.Code != http.StatusNotImplemented {
			t.Errorf("expected 501, got %d", rec.Code)
		}
	})

	f := newHandlerFixture(t, staticSnapshots{}, true)
	f.addRoad(t, "road_1", "cam1", "")
	f.history.rows = []RoadSample{
		{TS: 2, RoadID: "road_1", Level: LevelMed},
		{TS: 1, RoadID: "road_1", Level: LevelLow},
		{TS: 1, RoadID: "road_2", Level: LevelHigh},
	}

	t.Run("default_limit", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/roads/road_1/history", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if f.history.lastLimit != defaultHistoryLimit {
			t.Errorf("limit = %d, want %d", f.history.lastLimit, defaultHistoryLimit)
		}
		if n := gjson.Get(rec.Body.String(), "#").Int(); n != 2 {
			t.Errorf("rows = %d, want 2", n)
		}
	})

	t.Run("explicit_limit", func(t *testing.T) {
		f.do(t, http.MethodGet, "/roads/road_1/history?limit=7", nil)
		if f.history.lastLimit != 7 {
			t.Errorf("limit = %d, want 7", f.history.lastLimit)
		}
	})

	t.Run("bad_limit", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/roads/road_1/history?limit=-3", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown_road", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/roads/road_9/history", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("store_error", func(t *testing.T) {
		f.history.err = errors.New("disk full")
		defer func() { f.history.err = nil }()
		rec := f.do(t, http.MethodGet, "/roads/road_1/history", nil)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})
}

func TestHandler_Health(t *testing.T) {
	f := newHandlerFixture(t, staticSnapshots{}, false)
	f.addRoad(t, "road_1", "cam1", "")

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if gjson.Get(body, "status").String() != "ok" || gjson.Get(body, "live_sources").Int() != 1 {
		t.Errorf("health body = %s", body)
	}
}
