package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/aeromesh/skygate/internal/auth"
	"github.com/aeromesh/skygate/internal/telemetry"
)

// violationCloseThreshold is how many policy denials a socket survives before
// it is closed.
const violationCloseThreshold = 3

// Controller runs the per-socket subscription state machine over the events
// accepted from clients. Errors are reported as structured events on the same
// socket; only malformed framing and repeated policy violations close it.
type Controller struct {
	hub       *Hub
	snapshots *SnapshotCache
	logger    *slog.Logger
}

// NewController creates the subscription controller.
func NewController(hub *Hub, snapshots *SnapshotCache, logger *slog.Logger) *Controller {
	return &Controller{hub: hub, snapshots: snapshots, logger: logger}
}

// HandleMessage processes one inbound client frame. Returning false tells the
// read pump to tear the socket down.
func (c *Controller) HandleMessage(s *socket, raw []byte) bool {
	var ev clientEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.logger.Warn("malformed client frame", "socket_id", s.id, "error", err)
		c.hub.closeSocket(s.id, CloseMalformedFrame, "malformed frame")
		return false
	}

	switch ev.Event {
	case "subscribe":
		return c.handleSubscribe(s, ev)
	case "unsubscribe":
		return c.handleUnsubscribe(s, ev)
	case "publish-status-update":
		return c.handlePublishStatus(s, ev)
	default:
		s.sendError("event-error", "unknown-event", "unrecognized event: "+ev.Event, "")
		return true
	}
}

func (c *Controller) handleSubscribe(s *socket, ev clientEvent) bool {
	if s.ac == nil {
		s.sendError("subscription-error", "authentication-required", "subscribe requires an authenticated connection", ev.SubjectKey)
		return true
	}

	key, droneID, ok := ParseSubjectKey(ev.SubjectKey)
	if !ok {
		s.sendError("subscription-error", "invalid-subject", "subject identifier does not parse", ev.SubjectKey)
		return true
	}

	kind, ok := ParseKind(ev.Kind)
	if !ok {
		s.sendError("subscription-error", "invalid-kind", "kind must be position, status, or command-response", ev.SubjectKey)
		return true
	}

	if err := c.authorizeSubscription(s.ac, droneID, kind); err != nil {
		s.violations++
		if s.violations >= violationCloseThreshold {
			c.logger.Warn("closing socket after repeated policy violations",
				"socket_id", s.id, "violations", s.violations)
			c.hub.closeSocket(s.id, ClosePolicyViolations, "repeated policy violations")
			return false
		}
		s.sendError("subscription-error", "authorization-denied", "not allowed to subscribe to this subject", key)
		return true
	}

	c.hub.Join(s.id, key, kind)

	confirm := serverEvent{
		Event:      "subscribed",
		SubjectKey: key,
		Kind:       string(kind),
	}
	if c.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if snap, ok := c.snapshots.Get(ctx, key, kind); ok {
			confirm.Data = snap
		}
		cancel()
	}
	s.sendEvent(confirm)
	return true
}

func (c *Controller) handleUnsubscribe(s *socket, ev clientEvent) bool {
	key, _, ok := ParseSubjectKey(ev.SubjectKey)
	if !ok {
		s.sendError("subscription-error", "invalid-subject", "subject identifier does not parse", ev.SubjectKey)
		return true
	}
	kind, ok := ParseKind(ev.Kind)
	if !ok {
		s.sendError("subscription-error", "invalid-kind", "kind must be position, status, or command-response", ev.SubjectKey)
		return true
	}

	c.hub.Leave(s.id, key, kind)
	s.sendEvent(serverEvent{
		Event:      "unsubscribed",
		SubjectKey: key,
		Kind:       string(kind),
	})
	return true
}

func (c *Controller) handlePublishStatus(s *socket, ev clientEvent) bool {
	if s.ac == nil {
		s.sendError("event-error", "authentication-required", "publishing requires an authenticated connection", ev.SubjectKey)
		return true
	}

	key, droneID, ok := ParseSubjectKey(ev.SubjectKey)
	if !ok {
		s.sendError("event-error", "invalid-subject", "subject identifier does not parse", ev.SubjectKey)
		return true
	}

	if len(ev.Update) == 0 || !json.Valid(ev.Update) {
		s.sendError("event-error", "invalid-payload", "update must be a JSON value", key)
		return true
	}

	if err := c.authorizePublish(s.ac, droneID); err != nil {
		s.violations++
		if s.violations >= violationCloseThreshold {
			c.hub.closeSocket(s.id, ClosePolicyViolations, "repeated policy violations")
			return false
		}
		s.sendError("event-error", "authorization-denied", "not allowed to publish for this subject", key)
		return true
	}

	if c.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.snapshots.Store(ctx, key, KindStatus, ev.Update); err != nil {
			c.logger.Warn("storing status snapshot", "subject", key, "error", err)
		}
		cancel()
	}

	c.hub.Broadcast(key, KindStatus, ev.Update)
	telemetry.PublicationsReceivedTotal.WithLabelValues(string(KindStatus), "ok").Inc()
	return true
}

// authorizeSubscription admits admins, the subject's owner, and holders of
// the kind's read permission. All decisions go through the policy evaluator.
func (c *Controller) authorizeSubscription(ac *auth.AuthContext, droneID int64, kind Kind) error {
	params := map[string]string{"droneId": strconv.FormatInt(droneID, 10)}
	if auth.Evaluate(ac, auth.Ownership("droneId"), params) == nil {
		return nil
	}
	return auth.Evaluate(ac, auth.Permissions(kind.ReadPermission()), nil)
}

// authorizePublish admits admins, the subject's owner, and holders of the
// status write permission.
func (c *Controller) authorizePublish(ac *auth.AuthContext, droneID int64) error {
	params := map[string]string{"droneId": strconv.FormatInt(droneID, 10)}
	if auth.Evaluate(ac, auth.Ownership("droneId"), params) == nil {
		return nil
	}
	return auth.Evaluate(ac, auth.Permissions("drone.status.write"), nil)
}
