package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeromesh/skygate/internal/auth"
	"github.com/aeromesh/skygate/internal/telemetry"
)

const (
	// writeWait bounds a single frame write to a client.
	writeWait = 10 * time.Second
	// pingInterval keeps idle connections alive; must be shorter than the
	// read deadline the idle timeout imposes.
	pingInterval = 30 * time.Second
	// maxMessageSize bounds inbound client frames.
	maxMessageSize = 64 << 10
	// lagCloseThreshold is how many dropped messages a socket survives
	// before it is force-closed as a persistent slow consumer.
	lagCloseThreshold = 16
)

// CloseLaggingConsumer is the close code sent when the slow-consumer policy
// force-closes a socket (4000-range codes are application-defined).
const CloseLaggingConsumer = 4008

// CloseShuttingDown is the close code sent during graceful drain.
const CloseShuttingDown = 4001

// CloseMalformedFrame is the close code for unparseable client frames.
const CloseMalformedFrame = 4002

// ClosePolicyViolations is the close code after repeated policy violations.
const ClosePolicyViolations = 4003

type subjectKind struct {
	subject string
	kind    Kind
}

// socket is one client connection owned by the hub. The hub holds the only
// reference; everything else addresses sockets by id.
type socket struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	ac   *auth.AuthContext // nil for anonymous connections

	createdAt    time.Time
	lastActivity time.Time

	// send is the bounded outbound queue served by the single writer task.
	send chan []byte

	// sendMu serializes enqueue so the drop-oldest policy cannot race with
	// itself; closed guards against enqueue after teardown.
	sendMu sync.Mutex
	closed bool
	lag    int

	violations int

	// subscriptions mirrors the hub index entries this socket holds, so
	// disconnect cleanup does not scan the whole index.
	subscriptions map[subjectKind]struct{}
}

// enqueue places a message on the socket's write queue. A full queue drops
// the oldest message for this socket and records the lag; persistent lag
// force-closes the socket. The broadcaster is never blocked.
func (s *socket) enqueue(msg []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.send <- msg:
		return
	default:
	}

	// Queue full: drop the oldest message for this socket only.
	select {
	case <-s.send:
	default:
	}
	s.lag++
	telemetry.HubMessagesDroppedTotal.Inc()

	select {
	case s.send <- msg:
	default:
	}

	if s.lag >= lagCloseThreshold {
		telemetry.HubSlowConsumerClosesTotal.Inc()
		s.hub.logger.Warn("closing lagging consumer",
			"socket_id", s.id, "dropped", s.lag)
		go s.hub.closeSocket(s.id, CloseLaggingConsumer, "lagging consumer")
	}
}

// sendEvent marshals and enqueues a server event.
func (s *socket) sendEvent(e serverEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.enqueue(e.encode())
}

// sendError reports a recoverable error on the socket without closing it.
func (s *socket) sendError(event, code, message, subjectKey string) {
	s.sendEvent(serverEvent{
		Event:      event,
		Error:      code,
		Message:    message,
		SubjectKey: subjectKey,
	})
}

// markClosed flips the socket to closed and reports whether this call did it.
func (s *socket) markClosed() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// writePump is the socket's single writer task: it serializes every outbound
// frame so fragmented writes never interleave, and keeps the connection alive
// with pings.
func (s *socket) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames and hands them to the controller. It owns
// the read side: when it returns, the socket is removed from the hub.
func (s *socket) readPump(controller *Controller, idleTimeout time.Duration) {
	defer s.hub.dropSocket(s.id)

	s.conn.SetReadLimit(maxMessageSize)
	resetDeadline := func() {
		if idleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}
	}
	resetDeadline()
	s.conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		resetDeadline()
		s.lastActivity = time.Now()
		if !controller.HandleMessage(s, raw) {
			return
		}
	}
}
