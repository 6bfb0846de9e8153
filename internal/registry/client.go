package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client wraps the service registry's Consul-compatible HTTP API.
type Client struct {
	baseURL    string // e.g. "http://consul:8500"
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a registry API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// healthEntry is one element of the registry's health query response.
type healthEntry struct {
	Service struct {
		ID      string `json:"ID"`
		Service string `json:"Service"`
		Address string `json:"Address"`
		Port    int    `json:"Port"`
	} `json:"Service"`
	Node struct {
		Address string `json:"Address"`
	} `json:"Node"`
}

// HealthyInstances queries the registry for the passing instances of a service.
func (c *Client) HealthyInstances(ctx context.Context, service string) ([]Instance, error) {
	path := fmt.Sprintf("/v1/health/service/%s?passing=true", service)

	var entries []healthEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, fmt.Errorf("querying healthy instances for %s: %w", service, err)
	}

	instances := make([]Instance, 0, len(entries))
	for _, e := range entries {
		addr := e.Service.Address
		if addr == "" {
			addr = e.Node.Address
		}
		instances = append(instances, Instance{
			ID:      e.Service.ID,
			Service: e.Service.Service,
			Address: addr,
			Port:    e.Service.Port,
		})
	}
	return instances, nil
}

// serviceRegistration is the payload for registering the gateway itself.
type serviceRegistration struct {
	ID      string            `json:"ID"`
	Name    string            `json:"Name"`
	Address string            `json:"Address"`
	Port    int               `json:"Port"`
	Tags    []string          `json:"Tags,omitempty"`
	Check   registrationCheck `json:"Check"`
}

type registrationCheck struct {
	TTL                            string `json:"TTL"`
	DeregisterCriticalServiceAfter string `json:"DeregisterCriticalServiceAfter"`
}

// RegisterSelf registers the gateway as a service with a TTL health check.
// The caller must keep the check passing via Heartbeat.
func (c *Client) RegisterSelf(ctx context.Context, id, name, address string, port int, ttl time.Duration) error {
	reg := serviceRegistration{
		ID:      id,
		Name:    name,
		Address: address,
		Port:    port,
		Tags:    []string{"gateway"},
		Check: registrationCheck{
			TTL:                            ttl.String(),
			DeregisterCriticalServiceAfter: (10 * ttl).String(),
		},
	}
	if err := c.do(ctx, http.MethodPut, "/v1/agent/service/register", reg, nil); err != nil {
		return fmt.Errorf("registering service %s: %w", id, err)
	}
	return nil
}

// Heartbeat marks the gateway's TTL check as passing.
func (c *Client) Heartbeat(ctx context.Context, id string) error {
	path := fmt.Sprintf("/v1/agent/check/pass/service:%s", id)
	if err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("heartbeat for %s: %w", id, err)
	}
	return nil
}

// Deregister removes the gateway's registration.
func (c *Client) Deregister(ctx context.Context, id string) error {
	path := fmt.Sprintf("/v1/agent/service/deregister/%s", id)
	if err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("deregistering service %s: %w", id, err)
	}
	return nil
}

// do executes a registry API request with an optional JSON body and decodes
// the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
