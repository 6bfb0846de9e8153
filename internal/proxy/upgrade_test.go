package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeromesh/skygate/internal/auth"
	"github.com/aeromesh/skygate/internal/httpserver"
	"github.com/aeromesh/skygate/internal/registry"
	"github.com/aeromesh/skygate/internal/route"
)

// echoBackend is a WebSocket backend that echoes every message and records
// the handshake headers it saw.
func echoBackend(t *testing.T, gotHeaders *atomic.Value) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders.Store(r.Header.Clone())
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTunnelSplicesBothDirections(t *testing.T) {
	var gotHeaders atomic.Value
	backend := echoBackend(t, &gotHeaders)

	fix := newFixture(t,
		[]route.Route{{
			Prefix: "/api/llm/stream", Transport: route.TransportUpgrade, Backend: "llm-service",
			Policy: auth.Authenticated, Timeout: time.Minute, RetryBudget: 0,
		}},
		map[string][]registry.Instance{"llm-service": {instanceFor(t, "l1", backend)}},
	)

	// The correlation-id middleware runs in front of the gateway, as in the
	// real server, so the tunnel can propagate X-Request-ID.
	gatewaySrv := httptest.NewServer(httpserver.RequestID(fix.gateway))
	t.Cleanup(gatewaySrv.Close)

	wsURL := "ws" + strings.TrimPrefix(gatewaySrv.URL, "http") + "/api/llm/stream/session-1"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+mintToken(t, "7", []string{"pilot"}, nil))

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dialing through gateway: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	// Client→backend→client round trip through the splice.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"prompt":"hello"}`)); err != nil {
		t.Fatalf("writing through tunnel: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, echoed, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading echo through tunnel: %v", err)
	}
	if string(echoed) != `{"prompt":"hello"}` {
		t.Errorf("echo = %s, want original payload", echoed)
	}

	// The backend leg carried forward-auth identity and a correlation id.
	h, _ := gotHeaders.Load().(http.Header)
	if h == nil {
		t.Fatal("backend recorded no handshake")
	}
	if got := h.Get(HeaderForwardSubject); got != "7" {
		t.Errorf("forward-auth subject = %q, want 7", got)
	}
	if got := h.Get("X-Request-ID"); got == "" {
		t.Error("backend handshake missing correlation id")
	}
}

func TestTunnelRequiresCredential(t *testing.T) {
	var gotHeaders atomic.Value
	backend := echoBackend(t, &gotHeaders)

	fix := newFixture(t,
		[]route.Route{{
			Prefix: "/api/llm/stream", Transport: route.TransportUpgrade, Backend: "llm-service",
			Policy: auth.Authenticated, Timeout: time.Minute, RetryBudget: 0,
		}},
		map[string][]registry.Instance{"llm-service": {instanceFor(t, "l1", backend)}},
	)

	gatewaySrv := httptest.NewServer(fix.gateway)
	t.Cleanup(gatewaySrv.Close)

	wsURL := "ws" + strings.TrimPrefix(gatewaySrv.URL, "http") + "/api/llm/stream/session-1"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded without a credential")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake status = %v, want 401", resp)
	}
	_ = resp.Body.Close()

	if gotHeaders.Load() != nil {
		t.Error("backend saw a handshake despite rejected admission")
	}
}

func TestTunnelNoBackend(t *testing.T) {
	fix := newFixture(t,
		[]route.Route{{
			Prefix: "/api/llm/stream", Transport: route.TransportUpgrade, Backend: "llm-service",
			Policy: auth.Public, Timeout: time.Minute, RetryBudget: 0,
		}},
		map[string][]registry.Instance{"llm-service": {}},
	)

	gatewaySrv := httptest.NewServer(fix.gateway)
	t.Cleanup(gatewaySrv.Close)

	wsURL := "ws" + strings.TrimPrefix(gatewaySrv.URL, "http") + "/api/llm/stream/session-1"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded with no backend instance")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("handshake status = %v, want 503", resp)
	}
	_ = resp.Body.Close()
}
