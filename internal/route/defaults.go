package route

import (
	"time"

	"github.com/aeromesh/skygate/internal/auth"
)

// Backend service names as they appear in the service registry.
const (
	BackendAuth    = "auth-service"
	BackendRBAC    = "rbac-service"
	BackendDrone   = "drone-service"
	BackendGeneral = "general-service"
	BackendDocs    = "docs-service"
	BackendAdmin   = "scheduler-service"
	BackendLLM     = "llm-service"
)

// DefaultRoutes returns the built-in route table. httpTimeout and retryBudget
// apply to routes without an explicit override.
func DefaultRoutes(httpTimeout time.Duration, retryBudget int) []Route {
	return []Route{
		{
			// Credential lifecycle (login, refresh, logout) is public; the
			// auth service does its own verification.
			Prefix:      "/api/auth",
			Transport:   TransportHTTP,
			Backend:     BackendAuth,
			Policy:      auth.Public,
			Timeout:     httpTimeout,
			RetryBudget: retryBudget,
		},
		{
			Prefix:      "/api/rbac",
			Transport:   TransportHTTP,
			Backend:     BackendRBAC,
			Policy:      auth.Authenticated,
			Timeout:     httpTimeout,
			RetryBudget: retryBudget,
		},
		{
			// Profile routes are reachable by their owner or an admin.
			Prefix:      "/api/users",
			Transport:   TransportHTTP,
			Backend:     BackendRBAC,
			Policy:      auth.Ownership("userId"),
			Pattern:     "/api/users/{userId}",
			Timeout:     httpTimeout,
			RetryBudget: retryBudget,
		},
		{
			Prefix:      "/api/drone",
			Transport:   TransportHTTP,
			Backend:     BackendDrone,
			Policy:      auth.Permissions("drone.data.read"),
			Timeout:     httpTimeout,
			RetryBudget: retryBudget,
		},
		{
			Prefix:      "/api/general",
			Transport:   TransportHTTP,
			Backend:     BackendGeneral,
			Policy:      auth.Authenticated,
			Timeout:     httpTimeout,
			RetryBudget: retryBudget,
		},
		{
			Prefix:      "/api/docs",
			Transport:   TransportHTTP,
			Backend:     BackendDocs,
			Policy:      auth.Public,
			Timeout:     httpTimeout,
			RetryBudget: retryBudget,
		},
		{
			Prefix:      "/api/scheduler",
			Transport:   TransportHTTP,
			Backend:     BackendAdmin,
			Policy:      auth.Roles("operator"),
			Timeout:     httpTimeout,
			RetryBudget: retryBudget,
		},
		{
			// Inference calls run long; no retries, generation is not idempotent.
			Prefix:      "/api/llm",
			Transport:   TransportHTTP,
			Backend:     BackendLLM,
			Policy:      auth.Authenticated,
			Timeout:     2 * time.Minute,
			RetryBudget: 0,
		},
		{
			// Token streaming over WebSocket, tunneled byte-for-byte.
			Prefix:      "/api/llm/stream",
			Transport:   TransportUpgrade,
			Backend:     BackendLLM,
			Policy:      auth.Authenticated,
			Timeout:     2 * time.Minute,
			RetryBudget: 0,
		},
		{
			// Real-time client sockets terminate at the gateway's own hub.
			// Connections may start anonymous; subscriptions are gated per
			// subject by the subscription controller.
			Prefix:      "/ws",
			Transport:   TransportUpgrade,
			Backend:     LocalHub,
			Policy:      auth.Public,
			Timeout:     httpTimeout,
			RetryBudget: 0,
		},
	}
}
