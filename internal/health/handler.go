package health

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aeromesh/skygate/internal/httpserver"
	"github.com/aeromesh/skygate/internal/registry"
)

// Handler serves the health and availability endpoints.
type Handler struct {
	cache     *registry.Cache
	log       *Log
	logger    *slog.Logger
	startedAt time.Time
}

// NewHandler creates the health endpoint handler.
func NewHandler(cache *registry.Cache, log *Log, logger *slog.Logger) *Handler {
	return &Handler{
		cache:     cache,
		log:       log,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Routes returns the router for the /health subtree.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleLiveness)
	r.Get("/system", h.handleSystem)
	r.Get("/services", h.handleServices)
	r.Get("/services/{name}", h.handleService)
	r.Get("/services/{name}/availability", h.handleAvailability)
	return r
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, r, http.StatusOK, "ok", map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// serviceStatus summarizes one backend for the health endpoints.
type serviceStatus struct {
	Name      string              `json:"name"`
	Status    string              `json:"status"`
	Instances []registry.Instance `json:"instances"`
	FetchedAt *time.Time          `json:"fetched_at,omitempty"`
}

func (h *Handler) serviceStatuses() []serviceStatus {
	instances, fetchedAt := h.cache.View()

	out := make([]serviceStatus, 0, len(h.cache.Services()))
	for _, name := range h.cache.Services() {
		st := serviceStatus{Name: name, Status: "unknown", Instances: []registry.Instance{}}
		if list, ok := instances[name]; ok {
			st.Instances = list
			if len(list) > 0 {
				st.Status = "healthy"
			} else {
				st.Status = "unavailable"
			}
		}
		if t, ok := fetchedAt[name]; ok {
			ft := t
			st.FetchedAt = &ft
		}
		out = append(out, st)
	}
	return out
}

func (h *Handler) handleSystem(w http.ResponseWriter, r *http.Request) {
	statuses := h.serviceStatuses()

	overall := "healthy"
	for _, st := range statuses {
		if st.Status != "healthy" {
			overall = "degraded"
			break
		}
	}

	httpserver.Respond(w, r, http.StatusOK, "system health", map[string]any{
		"status":         overall,
		"gateway":        "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"services":       statuses,
	})
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, r, http.StatusOK, "backend services", h.serviceStatuses())
}

func (h *Handler) handleService(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, st := range h.serviceStatuses() {
		if st.Name == name {
			httpserver.Respond(w, r, http.StatusOK, "backend service", st)
			return
		}
	}
	httpserver.RespondError(w, r, http.StatusNotFound, "unknown_service", "no such backend: "+name)
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	known := false
	for _, s := range h.cache.Services() {
		if s == name {
			known = true
			break
		}
	}
	if !known {
		httpserver.RespondError(w, r, http.StatusNotFound, "unknown_service", "no such backend: "+name)
		return
	}

	hours := 1
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 168 {
			httpserver.RespondError(w, r, http.StatusBadRequest, "bad_request", "hours must be an integer between 1 and 168")
			return
		}
		hours = n
	}

	window := time.Duration(hours) * time.Hour
	ok, total := h.log.Availability(name, window)

	ratio := 0.0
	if total > 0 {
		ratio = float64(ok) / float64(total)
	}

	httpserver.Respond(w, r, http.StatusOK, "availability", map[string]any{
		"backend":      name,
		"window_hours": hours,
		"observations": total,
		"ok":           ok,
		"availability": ratio,
	})
}
