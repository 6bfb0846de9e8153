package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aeromesh/skygate/internal/auth"
	"github.com/aeromesh/skygate/internal/health"
	"github.com/aeromesh/skygate/internal/httpserver"
	"github.com/aeromesh/skygate/internal/registry"
	"github.com/aeromesh/skygate/internal/route"
	"github.com/aeromesh/skygate/internal/telemetry"
)

// maxBufferedBody bounds how much request body the engine will hold for
// retransmission across retries.
const maxBufferedBody = 8 << 20 // 8 MiB

// Forward-auth headers injected on admitted outbound requests. Backends trust
// these instead of re-verifying the bearer.
const (
	HeaderForwardSubject     = "X-Forwarded-Subject"
	HeaderForwardUsername    = "X-Forwarded-Username"
	HeaderForwardRoles       = "X-Forwarded-Roles"
	HeaderForwardPermissions = "X-Forwarded-Permissions"
)

// hopByHopHeaders must not traverse the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Engine forwards admitted HTTP requests to backend instances with retry,
// per-route timeout, and health feedback.
type Engine struct {
	cache     *registry.Cache
	obs       *health.Log
	logger    *slog.Logger
	transport http.RoundTripper
}

// NewEngine creates the HTTP proxy engine.
func NewEngine(cache *registry.Cache, obs *health.Log, logger *slog.Logger) *Engine {
	return &Engine{
		cache:  cache,
		obs:    obs,
		logger: logger,
		transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Forward resolves a backend instance and forwards the request, retrying
// within the route's budget. The AuthContext may be nil for public routes.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, rt route.Route, ac *auth.AuthContext) {
	body, err := bufferBody(r)
	if err != nil {
		httpserver.RespondError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds the proxy buffer limit")
		return
	}

	attempts := rt.RetryBudget + 1
	var lastOutcome health.Outcome

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			telemetry.ProxyRetriesTotal.WithLabelValues(rt.Backend).Inc()
		}

		inst, pickErr := e.cache.Pick(rt.Backend)
		if pickErr != nil {
			if lastOutcome == "" {
				httpserver.RespondError(w, r, http.StatusServiceUnavailable, "backend_unavailable", "no healthy backend instance")
				return
			}
			break
		}

		ctx, cancel := context.WithTimeout(r.Context(), rt.Timeout)
		resp, attemptErr := e.attempt(ctx, r, rt, inst, body, ac)

		if attemptErr != nil {
			cancel()
			outcome := classifyTransportError(attemptErr)
			e.observe(rt.Backend, inst, outcome)
			lastOutcome = outcome

			if r.Context().Err() != nil {
				// Client went away; outbound work for this request is already
				// cancelled, nothing to write. An expired client deadline falls
				// through and ends in a gateway-timeout response.
				if errors.Is(r.Context().Err(), context.Canceled) {
					return
				}
			}
			if !mayRetry(r.Method, attemptErr) {
				break
			}
			continue
		}

		if resp.StatusCode >= 500 {
			e.observe(rt.Backend, inst, health.Outcome5xx)
			lastOutcome = health.Outcome5xx

			if retryable5xx(resp.StatusCode) && isIdempotent(r.Method) && attempt < attempts-1 {
				drainAndClose(resp)
				cancel()
				continue
			}
			if !retryable5xx(resp.StatusCode) || !isIdempotent(r.Method) {
				// Application errors flow through untouched so clients can
				// distinguish backend semantics.
				e.copyResponse(w, resp)
				cancel()
				return
			}
			drainAndClose(resp)
			cancel()
			break
		}

		e.observe(rt.Backend, inst, health.OutcomeOK)
		e.copyResponse(w, resp)
		cancel()
		return
	}

	switch lastOutcome {
	case health.OutcomeTimeout:
		httpserver.RespondError(w, r, http.StatusGatewayTimeout, "gateway_timeout", "backend did not respond within the route timeout")
	default:
		httpserver.RespondError(w, r, http.StatusBadGateway, "bad_gateway", "backend failed after all retries")
	}
}

// attempt issues a single outbound request to the instance. ctx carries the
// route's per-attempt deadline.
func (e *Engine) attempt(ctx context.Context, r *http.Request, rt route.Route, inst registry.Instance, body []byte, ac *auth.AuthContext) (*http.Response, error) {
	target := inst.URL() + rt.StripPrefix(r.URL.Path)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building outbound request: %w", err)
	}
	out.ContentLength = int64(len(body))

	copyInboundHeaders(out.Header, r.Header)

	// Correlation id always travels; forward-auth only for admitted subjects.
	out.Header.Set("X-Request-ID", httpserver.RequestIDFromContext(r.Context()))
	if ac != nil {
		out.Header.Set(HeaderForwardSubject, ac.SubjectID)
		out.Header.Set(HeaderForwardUsername, ac.Username)
		out.Header.Set(HeaderForwardRoles, strings.Join(ac.Roles, ","))
		out.Header.Set(HeaderForwardPermissions, strings.Join(ac.Permissions, ","))
	}

	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			out.Header.Set("X-Forwarded-For", host)
		}
	}

	return e.transport.RoundTrip(out)
}

// copyResponse relays the backend response to the client verbatim, minus
// hop-by-hop headers.
func (e *Engine) copyResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		e.logger.Debug("copying backend response interrupted", "error", err)
	}
}

func (e *Engine) observe(backend string, inst registry.Instance, outcome health.Outcome) {
	e.obs.Record(health.Observation{
		Backend:    backend,
		InstanceID: inst.ID,
		Outcome:    outcome,
	})
	e.cache.ReportOutcome(inst, outcome == health.OutcomeOK)
	telemetry.ProxyAttemptsTotal.WithLabelValues(backend, string(outcome)).Inc()
}

// bufferBody reads the inbound body into memory so it can be replayed across
// retries. Bodies above the limit abort the forward.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if int64(len(body)) > maxBufferedBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBufferedBody)
	}
	return body, nil
}

// copyInboundHeaders copies client headers onto the outbound request,
// dropping hop-by-hop headers and any spoofed forward-auth headers.
func copyInboundHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopByHop(k) || strings.HasPrefix(k, "X-Forwarded-") || k == "X-Request-Id" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

// classifyTransportError maps an attempt error to a health outcome.
func classifyTransportError(err error) health.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return health.OutcomeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return health.OutcomeTimeout
	}
	return health.OutcomeRefused
}

// mayRetry reports whether a failed attempt may be retried on another
// instance. Idempotent methods retry on any transport failure; non-idempotent
// methods only when the connection was never established.
func mayRetry(method string, err error) bool {
	if isIdempotent(method) {
		return true
	}
	return isConnectError(err)
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}

// isConnectError reports whether the error happened while establishing the
// connection, before any request bytes were sent.
func isConnectError(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

func retryable5xx(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
