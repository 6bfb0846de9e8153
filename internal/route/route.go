// Package route holds the declarative binding of URL prefixes to backends,
// policies, and budgets. The active table is an immutable snapshot swapped
// atomically on reload; in-flight requests finish under the table they
// matched against.
package route

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aeromesh/skygate/internal/auth"
)

// Transport selects how matched traffic traverses the gateway.
type Transport string

const (
	// TransportHTTP forwards plain HTTP requests.
	TransportHTTP Transport = "http"
	// TransportUpgrade handles protocol-upgrade handshakes (WebSocket).
	TransportUpgrade Transport = "upgrade"
)

// LocalHub is the pseudo-backend name for upgrade routes terminated at the
// gateway's own real-time hub rather than tunneled to a backend.
const LocalHub = "local-hub"

// Route binds a URL prefix to a backend, a policy, and budgets. Immutable for
// the lifetime of a table generation.
type Route struct {
	// Prefix is matched against the request path on segment boundaries;
	// the longest matching prefix wins.
	Prefix    string           `json:"prefix"`
	Transport Transport        `json:"transport"`
	Backend   string           `json:"backend"`
	Policy    auth.Requirement `json:"policy"`
	// Pattern optionally names path parameters for ownership policies,
	// e.g. "/api/users/{userId}". Empty for routes without parameters.
	Pattern     string        `json:"pattern,omitempty"`
	Timeout     time.Duration `json:"timeout"`
	RetryBudget int           `json:"retry_budget"`
}

// StripPrefix returns the path with the route's prefix removed, suitable for
// the outbound request. The result always begins with "/".
func (rt Route) StripPrefix(path string) string {
	p := strings.TrimPrefix(path, rt.Prefix)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Params binds the route's pattern against the path and returns the named
// parameters. Returns an empty map when the route has no pattern or the path
// does not fit it.
func (rt Route) Params(path string) map[string]string {
	if rt.Pattern == "" {
		return map[string]string{}
	}
	return BindParams(rt.Pattern, path)
}

// BindParams matches a "{name}"-style pattern against a path segment by
// segment and returns the captured parameters. A trailing unmatched remainder
// of the path is allowed; a pattern segment with no path counterpart is not.
func BindParams(pattern, path string) map[string]string {
	params := map[string]string{}
	patSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	pathSegs := strings.Split(strings.Trim(path, "/"), "/")

	if len(pathSegs) < len(patSegs) {
		return params
	}
	for i, seg := range patSegs {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params[seg[1:len(seg)-1]] = pathSegs[i]
			continue
		}
		if seg != pathSegs[i] {
			return map[string]string{}
		}
	}
	return params
}

// Table is the active route table. Safe for concurrent use.
type Table struct {
	snap atomic.Pointer[tableSnapshot]
}

type tableSnapshot struct {
	// ordered holds routes sorted by prefix length descending; among
	// equal-length prefixes the earlier-registered route comes first.
	ordered []Route
}

// NewTable creates a table from the given routes.
func NewTable(routes []Route) *Table {
	t := &Table{}
	t.Reload(routes)
	return t
}

// Reload atomically replaces the table. The next Match uses the new routes;
// requests already matched keep their old Route value.
func (t *Table) Reload(routes []Route) {
	ordered := make([]Route, len(routes))
	copy(ordered, routes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Prefix) > len(ordered[j].Prefix)
	})
	t.snap.Store(&tableSnapshot{ordered: ordered})
}

// Match returns the route for the given path, longest prefix first.
func (t *Table) Match(path string) (Route, bool) {
	snap := t.snap.Load()
	if snap == nil {
		return Route{}, false
	}
	for _, rt := range snap.ordered {
		if matchesPrefix(path, rt.Prefix) {
			return rt, true
		}
	}
	return Route{}, false
}

// Routes returns the current table in match order, for introspection.
func (t *Table) Routes() []Route {
	snap := t.snap.Load()
	if snap == nil {
		return nil
	}
	out := make([]Route, len(snap.ordered))
	copy(out, snap.ordered)
	return out
}

// Backends returns the distinct backend names the table references,
// excluding the local hub.
func (t *Table) Backends() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, rt := range t.Routes() {
		if rt.Backend == LocalHub {
			continue
		}
		if _, ok := seen[rt.Backend]; ok {
			continue
		}
		seen[rt.Backend] = struct{}{}
		out = append(out, rt.Backend)
	}
	sort.Strings(out)
	return out
}

// matchesPrefix reports whether path falls under prefix on a segment
// boundary: "/api/drone" matches "/api/drone" and "/api/drone/42" but not
// "/api/dronex".
func matchesPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}
