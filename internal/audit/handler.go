package audit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aeromesh/skygate/internal/httpserver"
)

// Handler serves the audit trail query endpoint.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates the audit query handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns the router for the audit trail. The caller mounts it behind
// a role-gated admission middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

// record is the API shape of one audit entry.
type record struct {
	OccurredAt time.Time       `json:"occurred_at"`
	Action     string          `json:"action"`
	SubjectID  *string         `json:"subject_id,omitempty"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	Status     int             `json:"status"`
	RequestID  *string         `json:"request_id,omitempty"`
	ClientIP   *string         `json:"client_ip,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			httpserver.RespondError(w, r, http.StatusBadRequest, "bad_request", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	rows, err := h.pool.Query(r.Context(), `
		SELECT occurred_at, action, subject_id, method, path, status, request_id, client_ip, detail
		FROM gateway_audit_log
		ORDER BY occurred_at DESC
		LIMIT $1`, limit)
	if err != nil {
		h.logger.Error("querying audit log", "error", err)
		httpserver.RespondError(w, r, http.StatusInternalServerError, "internal", "querying audit log failed")
		return
	}
	defer rows.Close()

	records := make([]record, 0, limit)
	for rows.Next() {
		var rec record
		if err := rows.Scan(&rec.OccurredAt, &rec.Action, &rec.SubjectID, &rec.Method,
			&rec.Path, &rec.Status, &rec.RequestID, &rec.ClientIP, &rec.Detail); err != nil {
			h.logger.Error("scanning audit row", "error", err)
			httpserver.RespondError(w, r, http.StatusInternalServerError, "internal", "reading audit log failed")
			return
		}
		records = append(records, rec)
	}

	httpserver.Respond(w, r, http.StatusOK, "audit log", records)
}
