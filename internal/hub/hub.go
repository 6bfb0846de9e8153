package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aeromesh/skygate/internal/auth"
	"github.com/aeromesh/skygate/internal/httpserver"
	"github.com/aeromesh/skygate/internal/telemetry"
)

// Hub owns every locally-terminated client socket and the subject index.
// All structural mutation of the index goes through the hub under its lock;
// writes to an individual socket go through that socket's single-writer queue.
type Hub struct {
	logger      *slog.Logger
	queueDepth  int
	idleTimeout time.Duration
	snapshots   *SnapshotCache
	controller  *Controller
	upgrader    websocket.Upgrader

	mu       sync.RWMutex
	sockets  map[string]*socket
	index    map[subjectKind]map[string]struct{}
	draining bool
}

// NewHub creates the real-time hub. snapshots may be nil to disable initial
// snapshot delivery.
func NewHub(queueDepth int, idleTimeout time.Duration, snapshots *SnapshotCache, logger *slog.Logger) *Hub {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	h := &Hub{
		logger:      logger,
		queueDepth:  queueDepth,
		idleTimeout: idleTimeout,
		snapshots:   snapshots,
		sockets:     make(map[string]*socket),
		index:       make(map[subjectKind]map[string]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	h.controller = NewController(h, snapshots, logger)
	return h
}

// ServeUpgrade terminates an admitted upgrade at the hub. The AuthContext may
// be nil; anonymous sockets connect but cannot subscribe until the platform
// grows an anonymous-read model.
func (h *Hub) ServeUpgrade(w http.ResponseWriter, r *http.Request, ac *auth.AuthContext) {
	h.mu.RLock()
	draining := h.draining
	h.mu.RUnlock()
	if draining {
		httpserver.RespondError(w, r, http.StatusServiceUnavailable, "shutting_down", "gateway is draining")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &socket{
		id:            uuid.New().String(),
		hub:           h,
		conn:          conn,
		ac:            ac,
		createdAt:     time.Now(),
		lastActivity:  time.Now(),
		send:          make(chan []byte, h.queueDepth),
		subscriptions: make(map[subjectKind]struct{}),
	}

	h.mu.Lock()
	h.sockets[s.id] = s
	h.mu.Unlock()
	telemetry.HubConnectionsActive.Inc()

	subject := ""
	if ac != nil {
		subject = ac.SubjectID
	}
	h.logger.Info("realtime socket connected",
		"socket_id", s.id,
		"subject", subject,
		"request_id", httpserver.RequestIDFromContext(r.Context()),
	)

	s.sendEvent(serverEvent{Event: "connection-established", SocketID: s.id})

	go s.writePump()
	s.readPump(h.controller, h.idleTimeout)
}

// Join adds a (subject, kind, socket) subscription. Idempotent: the triple
// exists at most once. Returns false when the socket is unknown.
func (h *Hub) Join(socketID, subject string, kind Kind) bool {
	key := subjectKind{subject: subject, kind: kind}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sockets[socketID]
	if !ok {
		return false
	}

	set, ok := h.index[key]
	if !ok {
		set = make(map[string]struct{})
		h.index[key] = set
	}
	if _, exists := set[socketID]; !exists {
		set[socketID] = struct{}{}
		s.subscriptions[key] = struct{}{}
		telemetry.HubSubscriptionsActive.Inc()
	}
	return true
}

// Leave removes a (subject, kind, socket) subscription. Empty subject entries
// are removed from the index.
func (h *Hub) Leave(socketID, subject string, kind Kind) {
	key := subjectKind{subject: subject, kind: kind}

	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.index[key]; ok {
		if _, exists := set[socketID]; exists {
			delete(set, socketID)
			telemetry.HubSubscriptionsActive.Dec()
			if len(set) == 0 {
				delete(h.index, key)
			}
		}
	}
	if s, ok := h.sockets[socketID]; ok {
		delete(s.subscriptions, key)
	}
}

// Broadcast fans a publication out to every current subscriber of its
// (subject, kind). The fan-out decision never blocks; a full per-socket queue
// invokes the slow-consumer policy instead of stalling the broadcaster.
func (h *Hub) Broadcast(subject string, kind Kind, payload []byte) int {
	msg := serverEvent{
		Event:      kind.updateEvent(),
		SubjectKey: subject,
		Kind:       string(kind),
		Data:       payload,
		Timestamp:  time.Now(),
		Broadcast:  true,
	}.encode()

	h.mu.RLock()
	targets := make([]*socket, 0, 4)
	if set, ok := h.index[subjectKind{subject: subject, kind: kind}]; ok {
		for id := range set {
			if s, ok := h.sockets[id]; ok {
				targets = append(targets, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(msg)
	}
	telemetry.HubBroadcastsTotal.WithLabelValues(string(kind)).Inc()
	return len(targets)
}

// Unicast delivers an event to a single socket.
func (h *Hub) Unicast(socketID string, e serverEvent) bool {
	h.mu.RLock()
	s, ok := h.sockets[socketID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	s.sendEvent(e)
	return true
}

// Subscribers returns the socket ids subscribed to (subject, kind).
func (h *Hub) Subscribers(subject string, kind Kind) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.index[subjectKind{subject: subject, kind: kind}]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// SubscriptionsOf returns how many index entries refer to the socket.
func (h *Hub) SubscriptionsOf(socketID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, set := range h.index {
		if _, ok := set[socketID]; ok {
			n++
		}
	}
	return n
}

// Stats reports connection and subscription counts for the status endpoint.
func (h *Hub) Stats() (sockets, subscriptions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, set := range h.index {
		subscriptions += len(set)
	}
	return len(h.sockets), subscriptions
}

// dropSocket removes a socket from the slab and every subscription it held.
// Called exactly once per socket, when its read pump exits.
func (h *Hub) dropSocket(id string) {
	h.mu.Lock()
	s, ok := h.sockets[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sockets, id)
	for key := range s.subscriptions {
		if set, ok := h.index[key]; ok {
			delete(set, id)
			telemetry.HubSubscriptionsActive.Dec()
			if len(set) == 0 {
				delete(h.index, key)
			}
		}
	}
	h.mu.Unlock()

	if s.markClosed() {
		close(s.send)
	}
	_ = s.conn.Close()
	telemetry.HubConnectionsActive.Dec()

	h.logger.Info("realtime socket disconnected", "socket_id", id)
}

// closeSocket sends a close frame with a machine-readable reason and tears
// the connection down. The read pump notices and performs the removal.
func (h *Hub) closeSocket(id string, code int, reason string) {
	h.mu.RLock()
	s, ok := h.sockets[id]
	h.mu.RUnlock()
	if !ok {
		return
	}

	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
}

// Shutdown drains the hub: new upgrades are refused, every socket receives a
// close frame with a shutdown reason, and sockets that do not acknowledge by
// the deadline are force-closed.
func (h *Hub) Shutdown(ctx context.Context, deadline time.Duration) {
	h.mu.Lock()
	h.draining = true
	ids := make([]string, 0, len(h.sockets))
	for id, s := range h.sockets {
		ids = append(ids, id)
		closeDeadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseShuttingDown, "gateway shutting down"), closeDeadline)
	}
	h.mu.Unlock()

	h.logger.Info("hub draining", "sockets", len(ids))

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		h.mu.RLock()
		remaining := len(h.sockets)
		h.mu.RUnlock()
		if remaining == 0 {
			return
		}

		select {
		case <-waitCtx.Done():
			// Force-close whatever did not acknowledge in time.
			h.mu.RLock()
			stragglers := make([]*socket, 0, remaining)
			for _, s := range h.sockets {
				stragglers = append(stragglers, s)
			}
			h.mu.RUnlock()
			for _, s := range stragglers {
				_ = s.conn.Close()
			}
			h.logger.Warn("hub force-closed sockets at drain deadline", "count", len(stragglers))
			return
		case <-ticker.C:
		}
	}
}
