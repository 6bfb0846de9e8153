package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aeromesh/skygate/internal/httpserver"
	"github.com/aeromesh/skygate/internal/telemetry"
)

// PublisherHandler accepts inbound telemetry and status publications from
// trusted backend services, normalizes them, and routes them to the hub.
// Publications are not durable: with no subscribers they are dropped after
// the snapshot update.
type PublisherHandler struct {
	hub       *Hub
	snapshots *SnapshotCache
	logger    *slog.Logger
}

// NewPublisherHandler creates the publisher ingress handler.
func NewPublisherHandler(hub *Hub, snapshots *SnapshotCache, logger *slog.Logger) *PublisherHandler {
	return &PublisherHandler{hub: hub, snapshots: snapshots, logger: logger}
}

// Routes returns the router for the publisher ingress. The caller mounts it
// behind an authenticated admission middleware.
func (h *PublisherHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handlePublish)
	return r
}

func (h *PublisherHandler) handlePublish(w http.ResponseWriter, r *http.Request) {
	var pub Publication
	if !httpserver.DecodeAndValidate(w, r, &pub) {
		return
	}

	kind, ok := ParseKind(pub.Kind)
	if !ok {
		telemetry.PublicationsReceivedTotal.WithLabelValues(pub.Kind, "invalid").Inc()
		httpserver.RespondError(w, r, http.StatusBadRequest, "invalid_kind", "kind must be position, status, or command-response")
		return
	}

	key, _, ok := ParseSubjectKey(pub.SubjectKey)
	if !ok {
		telemetry.PublicationsReceivedTotal.WithLabelValues(string(kind), "invalid").Inc()
		httpserver.RespondError(w, r, http.StatusBadRequest, "invalid_subject", "subject identifier does not parse")
		return
	}

	if !json.Valid(pub.Payload) {
		telemetry.PublicationsReceivedTotal.WithLabelValues(string(kind), "invalid").Inc()
		httpserver.RespondError(w, r, http.StatusBadRequest, "invalid_payload", "payload must be a JSON value")
		return
	}

	pub.ReceivedTS = time.Now()

	// Command responses are transient; position and status feed the
	// initial-snapshot cache for future subscribers.
	if h.snapshots != nil && kind != KindCommandResponse {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.snapshots.Store(ctx, key, kind, pub.Payload); err != nil {
			h.logger.Warn("storing publication snapshot", "subject", key, "error", err)
		}
		cancel()
	}

	delivered := h.hub.Broadcast(key, kind, pub.Payload)
	telemetry.PublicationsReceivedTotal.WithLabelValues(string(kind), "ok").Inc()

	httpserver.Respond(w, r, http.StatusOK, "publication routed", map[string]any{
		"subjectKey": key,
		"kind":       string(kind),
		"delivered":  delivered,
	})
}
