// Package adapter is the thin HTTP ingestion surface described in
// spec.md §2: it decodes, validates request shape (not Position semantics —
// that's the Processor's job), and forwards to the Coordinator. Router
// wiring (chi, chi/middleware, go-chi/cors) follows the teacher's
// internal/web/api.go.
package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"nuha.dev/gpsgateway/internal/coordinator"
	"nuha.dev/gpsgateway/internal/processor"
)

const maxBatchSize = 100

// Adapter is the thin HTTP ingestion and query surface.
type Adapter struct {
	coord    *coordinator.Coordinator
	validate *validator.Validate
	log      log.Logger
	router   chi.Router
}

// New builds an Adapter wired to coord.
func New(coord *coordinator.Coordinator) *Adapter {
	a := &Adapter{coord: coord, validate: validator.New()}
	a.log = log.DefaultLogger
	a.log.Context = log.NewContext(nil).Str("module", "adapter").Value()
	a.router = a.newRouter()
	return a
}

// Router returns the http.Handler to mount.
func (a *Adapter) Router() http.Handler {
	return a.router
}

func (a *Adapter) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/v1/positions", a.submitOne)
	r.Post("/v1/positions/batch", a.submitBatch)
	r.Get("/v1/devices/{deviceId}/latest", a.getLatest)
	r.Get("/v1/devices/latest", a.getLatestMany)
	r.Post("/v1/flush", a.forceFlush)
	r.Post("/v1/cleanup", a.cleanup)
	r.Get("/v1/health", a.health)
	r.Get("/v1/stats", a.stats)
	return r
}

type submitOneRequest struct {
	DeviceID  string                 `json:"device_id" validate:"required_without=ID"`
	ID        string                 `json:"id"`
	Lat       interface{}            `json:"lat"`
	Lng       interface{}            `json:"lng"`
	Timestamp interface{}            `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata"`
}

func (req submitOneRequest) toRaw() processor.RawPosition {
	return processor.RawPosition{
		ID: req.ID, DeviceID: req.DeviceID,
		Lat: req.Lat, Lng: req.Lng, Timestamp: req.Timestamp,
		Metadata: req.Metadata,
	}
}

func (a *Adapter) submitOne(w http.ResponseWriter, r *http.Request) {
	var req submitOneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed_json")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "missing_device_id")
		return
	}
	res := a.coord.SubmitOne(req.toRaw())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed": res.Processed,
		"duplicate": res.Duplicate,
		"reason":    res.Reason,
	})
}

func (a *Adapter) submitBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []submitOneRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed_json")
		return
	}
	if len(reqs) > maxBatchSize {
		writeJSONError(w, http.StatusBadRequest, "batch_too_large")
		return
	}
	raws := make([]processor.RawPosition, len(reqs))
	for i, req := range reqs {
		raws[i] = req.toRaw()
	}
	res := a.coord.SubmitBatch(raws)
	errs := make([]map[string]interface{}, len(res.Errors))
	for i, e := range res.Errors {
		errs[i] = map[string]interface{}{"index": e.Index, "reason": e.Reason}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed_count": res.ProcessedCount,
		"duplicate_count": res.DuplicateCount,
		"errors":          errs,
	})
}

func (a *Adapter) getLatest(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	pos, err := a.coord.GetLatest(r.Context(), deviceID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	if pos == nil {
		writeJSONError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (a *Adapter) getLatestMany(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["device_id"]
	positions, err := a.coord.GetLatestMany(r.Context(), ids)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (a *Adapter) forceFlush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := a.coord.ForceFlush(ctx); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "flush_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *Adapter) cleanup(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.Cleanup(r.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "cleanup_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *Adapter) health(w http.ResponseWriter, r *http.Request) {
	h := a.coord.Health(r.Context())
	status := http.StatusOK
	if !h.StoreOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (a *Adapter) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.coord.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}
