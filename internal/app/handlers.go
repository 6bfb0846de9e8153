package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aeromesh/skygate/internal/auth"
	"github.com/aeromesh/skygate/internal/config"
	"github.com/aeromesh/skygate/internal/httpserver"
	"github.com/aeromesh/skygate/internal/hub"
	"github.com/aeromesh/skygate/internal/registry"
	"github.com/aeromesh/skygate/internal/route"
	"github.com/aeromesh/skygate/internal/version"
)

// routeView is the introspection shape of one route table entry.
type routeView struct {
	Prefix      string           `json:"prefix"`
	Transport   string           `json:"transport"`
	Backend     string           `json:"backend"`
	Policy      auth.Requirement `json:"policy"`
	Timeout     string           `json:"timeout"`
	RetryBudget int              `json:"retry_budget"`
}

// handleRoutes serves the current route table in match order.
func handleRoutes(table *route.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		routes := table.Routes()
		out := make([]routeView, 0, len(routes))
		for _, rt := range routes {
			out = append(out, routeView{
				Prefix:      rt.Prefix,
				Transport:   string(rt.Transport),
				Backend:     rt.Backend,
				Policy:      rt.Policy,
				Timeout:     rt.Timeout.String(),
				RetryBudget: rt.RetryBudget,
			})
		}
		httpserver.Respond(w, r, http.StatusOK, "route table", out)
	}
}

// handleRoutesReload re-reads the route table and swaps it atomically.
// In-flight requests complete under the table they matched against.
func handleRoutesReload(table *route.Table, cfg *config.Config, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		routes := route.DefaultRoutes(cfg.DefaultHTTPTimeout, cfg.DefaultRetryBudget)
		if cfg.RouteTableFile != "" {
			loaded, err := route.LoadFile(cfg.RouteTableFile, cfg.DefaultHTTPTimeout, cfg.DefaultRetryBudget)
			if err != nil {
				logger.Error("route table reload failed", "file", cfg.RouteTableFile, "error", err)
				httpserver.RespondError(w, r, http.StatusBadRequest, "bad_route_table", err.Error())
				return
			}
			routes = loaded
		}

		table.Reload(routes)
		logger.Info("route table reloaded", "routes", len(routes))
		httpserver.Respond(w, r, http.StatusOK, "route table reloaded", map[string]any{
			"routes": len(routes),
		})
	}
}

// handleRefresh forces a registry cache refresh.
func handleRefresh(cache *registry.Cache, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cache.Refresh(r.Context()); err != nil {
			logger.Warn("forced registry refresh had failures", "error", err)
			httpserver.Respond(w, r, http.StatusOK, "refresh completed with failures", map[string]any{
				"error": err.Error(),
			})
			return
		}
		httpserver.Respond(w, r, http.StatusOK, "registry cache refreshed", nil)
	}
}

// handleStatus reports gateway uptime and hub statistics.
func handleStatus(srv *httpserver.Server, rtHub *hub.Hub, revocations *auth.RevocationSet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := time.Since(srv.StartedAt)
		sockets, subscriptions := rtHub.Stats()

		data := map[string]any{
			"status":         "ok",
			"version":        version.Version,
			"commit_sha":     version.Commit,
			"uptime":         uptime.Truncate(time.Second).String(),
			"uptime_seconds": int64(uptime.Seconds()),
			"sockets":        sockets,
			"subscriptions":  subscriptions,
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if n, err := revocations.Size(ctx); err == nil {
			data["revoked_sessions"] = n
		}

		httpserver.Respond(w, r, http.StatusOK, "gateway status", data)
	}
}

// handleWhoami decodes the presented credential without verifying it. For
// diagnostics only; the response is explicitly flagged unverified and the
// decoded claims are never an input to admission.
func handleWhoami(verifier *auth.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := auth.BearerFromRequest(r)
		if !ok {
			httpserver.RespondError(w, r, http.StatusUnauthorized, "authentication_required", "no credential presented")
			return
		}

		registered, custom, err := verifier.DecodeUnverified(raw)
		if err != nil {
			httpserver.RespondError(w, r, http.StatusBadRequest, "bad_request", "credential does not decode")
			return
		}

		httpserver.Respond(w, r, http.StatusOK, "decoded credential (unverified)", map[string]any{
			"unverified": true,
			"subject":    registered.Subject,
			"issuer":     registered.Issuer,
			"audience":   registered.Audience,
			"expiry":     registered.Expiry,
			"username":   custom.User.Username,
			"roles":      custom.Access.Roles,
			"session_id": custom.Session.ID,
		})
	}
}
