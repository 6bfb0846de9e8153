// Package proxy implements the gateway's forwarding core: route matching,
// admission, the HTTP proxy engine, and the protocol-upgrade router.
package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/aeromesh/skygate/internal/httpserver"
	"github.com/aeromesh/skygate/internal/route"
)

// AuditLogger records admission denials for after-the-fact investigation.
// Implemented by the audit writer; nil disables the trail.
type AuditLogger interface {
	LogFromRequest(r *http.Request, action, subjectID string, status int, detail json.RawMessage)
}

// Gateway is the ingress handler for everything that is not a gateway-owned
// endpoint: it matches the route table, runs admission, and dispatches to the
// HTTP engine or the upgrade router.
type Gateway struct {
	table    *route.Table
	admitter *Admitter
	engine   *Engine
	upgrades *UpgradeRouter
	audit    AuditLogger
	logger   *slog.Logger

	draining atomic.Bool
}

// NewGateway wires the ingress handler. audit may be nil.
func NewGateway(table *route.Table, admitter *Admitter, engine *Engine, upgrades *UpgradeRouter, audit AuditLogger, logger *slog.Logger) *Gateway {
	return &Gateway{
		table:    table,
		admitter: admitter,
		engine:   engine,
		upgrades: upgrades,
		audit:    audit,
		logger:   logger,
	}
}

// StartDraining makes the gateway refuse new work with a shutdown reason.
// In-flight requests are unaffected.
func (g *Gateway) StartDraining() {
	g.draining.Store(true)
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		httpserver.RespondError(w, r, http.StatusServiceUnavailable, "shutting_down", "gateway is draining")
		return
	}

	rt, ok := g.table.Match(r.URL.Path)
	if !ok {
		if IsUpgradeRequest(r) {
			httpserver.RespondError(w, r, http.StatusBadRequest, "upgrade_not_supported", "protocol upgrade not supported on this path")
			return
		}
		httpserver.RespondError(w, r, http.StatusNotFound, "no_route", "no matching route")
		return
	}

	params := rt.Params(r.URL.Path)
	ac, err := g.admitter.Admit(r, rt.Policy, params)
	if err != nil {
		g.logger.Warn("admission rejected",
			"path", r.URL.Path,
			"error", err,
			"request_id", httpserver.RequestIDFromContext(r.Context()),
		)
		if g.audit != nil {
			g.audit.LogFromRequest(r, "admission_denied", "", admissionStatus(err), nil)
		}
		WriteAdmissionError(w, r, err)
		return
	}

	switch rt.Transport {
	case route.TransportUpgrade:
		if !IsUpgradeRequest(r) {
			httpserver.RespondError(w, r, http.StatusBadRequest, "upgrade_required", "this route only accepts protocol upgrades")
			return
		}
		g.upgrades.Handle(w, r, rt, ac)
	default:
		if IsUpgradeRequest(r) {
			httpserver.RespondError(w, r, http.StatusBadRequest, "upgrade_not_supported", "protocol upgrade not supported on this path")
			return
		}
		g.engine.Forward(w, r, rt, ac)
	}
}
