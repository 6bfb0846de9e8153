package route

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aeromesh/skygate/internal/auth"
)

// fileEntry is the JSON shape of one route in a table override file.
type fileEntry struct {
	Prefix    string `json:"prefix"`
	Transport string `json:"transport"`
	Backend   string `json:"backend"`
	Policy    struct {
		Kind           string   `json:"kind"`
		Permissions    []string `json:"permissions,omitempty"`
		Roles          []string `json:"roles,omitempty"`
		OwnershipParam string   `json:"ownership_param,omitempty"`
	} `json:"policy"`
	Pattern     string `json:"pattern,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	RetryBudget *int   `json:"retry_budget,omitempty"`
}

// LoadFile reads a route table from a JSON file. Entries inherit the default
// timeout and retry budget when they omit them.
func LoadFile(path string, defaultTimeout time.Duration, defaultRetryBudget int) ([]Route, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading route table file: %w", err)
	}

	var entries []fileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing route table file: %w", err)
	}

	routes := make([]Route, 0, len(entries))
	for i, e := range entries {
		rt, err := e.toRoute(defaultTimeout, defaultRetryBudget)
		if err != nil {
			return nil, fmt.Errorf("route entry %d (%s): %w", i, e.Prefix, err)
		}
		routes = append(routes, rt)
	}
	return routes, nil
}

func (e fileEntry) toRoute(defaultTimeout time.Duration, defaultRetryBudget int) (Route, error) {
	if e.Prefix == "" {
		return Route{}, fmt.Errorf("prefix is required")
	}
	if e.Backend == "" {
		return Route{}, fmt.Errorf("backend is required")
	}

	rt := Route{
		Prefix:      e.Prefix,
		Backend:     e.Backend,
		Pattern:     e.Pattern,
		Timeout:     defaultTimeout,
		RetryBudget: defaultRetryBudget,
	}

	switch e.Transport {
	case "", "http":
		rt.Transport = TransportHTTP
	case "upgrade":
		rt.Transport = TransportUpgrade
	default:
		return Route{}, fmt.Errorf("unknown transport %q", e.Transport)
	}

	switch auth.RequirementKind(e.Policy.Kind) {
	case auth.RequireNone, "":
		rt.Policy = auth.Public
	case auth.RequireAuthenticated:
		rt.Policy = auth.Authenticated
	case auth.RequirePermissions:
		rt.Policy = auth.Permissions(e.Policy.Permissions...)
	case auth.RequireRoles:
		rt.Policy = auth.Roles(e.Policy.Roles...)
	case auth.RequireOwnership:
		if e.Policy.OwnershipParam == "" {
			return Route{}, fmt.Errorf("ownership policy requires ownership_param")
		}
		rt.Policy = auth.Ownership(e.Policy.OwnershipParam)
	default:
		return Route{}, fmt.Errorf("unknown policy kind %q", e.Policy.Kind)
	}

	if e.Timeout != "" {
		d, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return Route{}, fmt.Errorf("parsing timeout: %w", err)
		}
		rt.Timeout = d
	}
	if e.RetryBudget != nil {
		rt.RetryBudget = *e.RetryBudget
	}
	return rt, nil
}
