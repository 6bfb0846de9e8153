package proxy

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeromesh/skygate/internal/auth"
	"github.com/aeromesh/skygate/internal/health"
	"github.com/aeromesh/skygate/internal/httpserver"
	"github.com/aeromesh/skygate/internal/registry"
	"github.com/aeromesh/skygate/internal/route"
	"github.com/aeromesh/skygate/internal/telemetry"
)

// Terminator accepts an admitted upgrade and owns the resulting socket.
// Implemented by the real-time hub.
type Terminator interface {
	ServeUpgrade(w http.ResponseWriter, r *http.Request, ac *auth.AuthContext)
}

// UpgradeRouter classifies protocol-upgrade handshakes by route and either
// terminates them at the local hub or tunnels them to a backend WebSocket
// service. Credential and policy are evaluated by the caller before the
// upgrade completes.
type UpgradeRouter struct {
	cache  *registry.Cache
	obs    *health.Log
	hub    Terminator
	logger *slog.Logger

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// NewUpgradeRouter creates the upgrade router.
func NewUpgradeRouter(cache *registry.Cache, obs *health.Log, hub Terminator, logger *slog.Logger) *UpgradeRouter {
	return &UpgradeRouter{
		cache:  cache,
		obs:    obs,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced by the CORS middleware; the
			// upgrade itself accepts any origin that got this far.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// IsUpgradeRequest reports whether the request carries a WebSocket upgrade intent.
func IsUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Handle dispatches an admitted upgrade to the local hub or a backend tunnel.
func (u *UpgradeRouter) Handle(w http.ResponseWriter, r *http.Request, rt route.Route, ac *auth.AuthContext) {
	if rt.Backend == route.LocalHub {
		u.hub.ServeUpgrade(w, r, ac)
		return
	}
	u.tunnel(w, r, rt, ac)
}

// tunnel splices a client socket to a backend socket. After the handshake the
// gateway only relays frames and never parses payloads; each direction closes
// independently.
func (u *UpgradeRouter) tunnel(w http.ResponseWriter, r *http.Request, rt route.Route, ac *auth.AuthContext) {
	attempts := rt.RetryBudget + 1

	var backendConn *websocket.Conn
	for attempt := 0; attempt < attempts && backendConn == nil; attempt++ {
		inst, err := u.cache.Pick(rt.Backend)
		if err != nil {
			httpserver.RespondError(w, r, http.StatusServiceUnavailable, "backend_unavailable", "no healthy backend instance")
			return
		}

		target := "ws://" + inst.HostPort() + rt.StripPrefix(r.URL.Path)
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}

		conn, resp, err := u.dialer.DialContext(r.Context(), target, tunnelHeaders(r, ac))
		if resp != nil {
			defer resp.Body.Close()
		}
		if err != nil {
			outcome := classifyTransportError(err)
			u.obs.Record(health.Observation{Backend: rt.Backend, InstanceID: inst.ID, Outcome: outcome})
			u.cache.ReportOutcome(inst, false)
			telemetry.ProxyAttemptsTotal.WithLabelValues(rt.Backend, string(outcome)).Inc()
			continue
		}

		u.obs.Record(health.Observation{Backend: rt.Backend, InstanceID: inst.ID, Outcome: health.OutcomeOK})
		u.cache.ReportOutcome(inst, true)
		telemetry.ProxyAttemptsTotal.WithLabelValues(rt.Backend, string(health.OutcomeOK)).Inc()
		backendConn = conn
	}

	if backendConn == nil {
		httpserver.RespondError(w, r, http.StatusBadGateway, "bad_gateway", "backend websocket handshake failed")
		return
	}

	clientConn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error to the client.
		u.logger.Warn("client upgrade failed after backend dial", "error", err)
		_ = backendConn.Close()
		return
	}

	u.logger.Info("websocket tunnel established",
		"backend", rt.Backend,
		"path", r.URL.Path,
		"request_id", httpserver.RequestIDFromContext(r.Context()),
	)

	done := make(chan struct{}, 2)
	go relay(clientConn, backendConn, done)
	go relay(backendConn, clientConn, done)

	// Both directions propagate their close independently; the tunnel is torn
	// down once each has finished.
	<-done
	<-done
	_ = clientConn.Close()
	_ = backendConn.Close()
}

// relay copies messages from src to dst until src closes or errors, then
// propagates the close to dst.
func relay(src, dst *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			closeCode := websocket.CloseGoingAway
			closeText := ""
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseAbnormalClosure {
				closeCode = ce.Code
				closeText = ce.Text
			}
			deadline := time.Now().Add(5 * time.Second)
			_ = dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode, closeText), deadline)
			return
		}
		if err := dst.WriteMessage(msgType, payload); err != nil {
			return
		}
	}
}

// tunnelHeaders builds the handshake headers for the backend leg: correlation
// id, forward-auth identity, and client cookies. Hop-by-hop and WebSocket
// negotiation headers are owned by the dialer.
func tunnelHeaders(r *http.Request, ac *auth.AuthContext) http.Header {
	h := http.Header{}
	h.Set("X-Request-ID", httpserver.RequestIDFromContext(r.Context()))
	if cookie := r.Header.Get("Cookie"); cookie != "" {
		h.Set("Cookie", cookie)
	}
	if ac != nil {
		h.Set(HeaderForwardSubject, ac.SubjectID)
		h.Set(HeaderForwardUsername, ac.Username)
		h.Set(HeaderForwardRoles, strings.Join(ac.Roles, ","))
		h.Set(HeaderForwardPermissions, strings.Join(ac.Permissions, ","))
	}
	return h
}
