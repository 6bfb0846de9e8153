package route

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aeromesh/skygate/internal/auth"
)

func testRoutes() []Route {
	return []Route{
		{Prefix: "/api/llm", Transport: TransportHTTP, Backend: "llm-service"},
		{Prefix: "/api/llm/stream", Transport: TransportUpgrade, Backend: "llm-service"},
		{Prefix: "/api/drone", Transport: TransportHTTP, Backend: "drone-service"},
		{Prefix: "/ws", Transport: TransportUpgrade, Backend: LocalHub},
	}
}

func TestMatchLongestPrefix(t *testing.T) {
	table := NewTable(testRoutes())

	tests := []struct {
		name        string
		path        string
		wantBackend string
		wantFound   bool
		wantKind    Transport
	}{
		{"exact prefix", "/api/drone", "drone-service", true, TransportHTTP},
		{"nested path", "/api/drone/42/telemetry", "drone-service", true, TransportHTTP},
		{"longest prefix wins", "/api/llm/stream/session-1", "llm-service", true, TransportUpgrade},
		{"shorter prefix for other llm paths", "/api/llm/generate", "llm-service", true, TransportHTTP},
		{"local hub", "/ws", LocalHub, true, TransportUpgrade},
		{"segment boundary respected", "/api/dronex", "", false, ""},
		{"no route", "/nope", "", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, ok := table.Match(tt.path)
			if ok != tt.wantFound {
				t.Fatalf("Match(%q) found = %v, want %v", tt.path, ok, tt.wantFound)
			}
			if !ok {
				return
			}
			if rt.Backend != tt.wantBackend {
				t.Errorf("backend = %q, want %q", rt.Backend, tt.wantBackend)
			}
			if rt.Transport != tt.wantKind {
				t.Errorf("transport = %q, want %q", rt.Transport, tt.wantKind)
			}
		})
	}
}

func TestReloadIsAtomicAndIdempotent(t *testing.T) {
	table := NewTable(testRoutes())

	before := table.Routes()
	table.Reload(testRoutes())
	after := table.Routes()

	if len(before) != len(after) {
		t.Fatalf("route count changed across identical reload: %d != %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Prefix != after[i].Prefix || before[i].Backend != after[i].Backend {
			t.Errorf("route %d changed across identical reload: %+v != %+v", i, before[i], after[i])
		}
	}

	// A genuinely new table takes effect on the next match.
	table.Reload([]Route{{Prefix: "/only", Transport: TransportHTTP, Backend: "other"}})
	if _, ok := table.Match("/api/drone"); ok {
		t.Error("Match() still finds route from previous generation")
	}
	if _, ok := table.Match("/only/x"); !ok {
		t.Error("Match() does not find route from new generation")
	}
}

func TestStripPrefix(t *testing.T) {
	rt := Route{Prefix: "/api/drone"}

	tests := []struct {
		path string
		want string
	}{
		{"/api/drone/42", "/42"},
		{"/api/drone", "/"},
		{"/api/drone/42/telemetry", "/42/telemetry"},
	}
	for _, tt := range tests {
		if got := rt.StripPrefix(tt.path); got != tt.want {
			t.Errorf("StripPrefix(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestBindParams(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		path    string
		key     string
		want    string
	}{
		{"simple bind", "/api/users/{userId}", "/api/users/42", "userId", "42"},
		{"trailing remainder allowed", "/api/users/{userId}", "/api/users/42/profile", "userId", "42"},
		{"literal mismatch", "/api/users/{userId}", "/api/drones/42", "userId", ""},
		{"path too short", "/api/users/{userId}", "/api/users", "userId", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := BindParams(tt.pattern, tt.path)
			if got := params[tt.key]; got != tt.want {
				t.Errorf("params[%q] = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestDefaultRoutesShape(t *testing.T) {
	table := NewTable(DefaultRoutes(30*time.Second, 2))

	rt, ok := table.Match("/ws")
	if !ok || rt.Backend != LocalHub || rt.Transport != TransportUpgrade {
		t.Errorf("Match(/ws) = %+v, %v; want local-hub upgrade route", rt, ok)
	}

	rt, ok = table.Match("/api/llm/stream")
	if !ok || rt.Transport != TransportUpgrade {
		t.Errorf("Match(/api/llm/stream) = %+v, %v; want tunneled upgrade route", rt, ok)
	}

	rt, ok = table.Match("/api/drone/42")
	if !ok || rt.Policy.Kind != auth.RequirePermissions {
		t.Errorf("Match(/api/drone/42) policy = %+v, want permission gate", rt.Policy)
	}

	rt, ok = table.Match("/api/users/7/profile")
	if !ok || rt.Policy.Kind != auth.RequireOwnership {
		t.Errorf("Match(/api/users/7/profile) policy = %+v, want ownership gate", rt.Policy)
	}
	if got := rt.Params("/api/users/7/profile")["userId"]; got != "7" {
		t.Errorf("ownership param = %q, want %q", got, "7")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")

	content := `[
		{"prefix": "/api/custom", "backend": "custom-service",
		 "policy": {"kind": "roles", "roles": ["operator"]}, "timeout": "5s", "retry_budget": 1},
		{"prefix": "/api/open", "backend": "open-service", "policy": {"kind": "none"}}
	]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	routes, err := LoadFile(path, 30*time.Second, 2)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("len(routes) = %d, want 2", len(routes))
	}

	if routes[0].Timeout != 5*time.Second || routes[0].RetryBudget != 1 {
		t.Errorf("explicit budgets not honored: %+v", routes[0])
	}
	if routes[0].Policy.Kind != auth.RequireRoles {
		t.Errorf("policy kind = %q, want roles", routes[0].Policy.Kind)
	}
	if routes[1].Timeout != 30*time.Second || routes[1].RetryBudget != 2 {
		t.Errorf("defaults not inherited: %+v", routes[1])
	}
}

func TestLoadFileRejectsBadEntries(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"missing prefix", `[{"backend": "x"}]`},
		{"missing backend", `[{"prefix": "/x"}]`},
		{"bad transport", `[{"prefix": "/x", "backend": "x", "transport": "carrier-pigeon"}]`},
		{"ownership without param", `[{"prefix": "/x", "backend": "x", "policy": {"kind": "ownership"}}]`},
		{"bad timeout", `[{"prefix": "/x", "backend": "x", "timeout": "soon"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("writing fixture: %v", err)
			}
			if _, err := LoadFile(path, time.Second, 0); err == nil {
				t.Error("LoadFile() = nil error, want rejection")
			}
		})
	}
}
