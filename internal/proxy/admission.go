package proxy

import (
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/aeromesh/skygate/internal/auth"
	"github.com/aeromesh/skygate/internal/httpserver"
	"github.com/aeromesh/skygate/internal/telemetry"
)

// Admitter runs the credential and policy checks for a request against a
// route's requirement. It is shared by the HTTP engine, the upgrade router,
// and the publisher ingress so admission has exactly one implementation.
type Admitter struct {
	verifier *auth.Verifier
	limiter  *auth.RateLimiter
	logger   *slog.Logger
}

// NewAdmitter creates an admitter. limiter may be nil to disable brute-force
// damping.
func NewAdmitter(verifier *auth.Verifier, limiter *auth.RateLimiter, logger *slog.Logger) *Admitter {
	return &Admitter{verifier: verifier, limiter: limiter, logger: logger}
}

// ErrRateLimited is returned when the client IP has exceeded the rejected
// credential budget.
var ErrRateLimited = errors.New("too many rejected credentials")

// Admit verifies the request's credential (when present) and evaluates the
// requirement. On success it returns the AuthContext, which is nil for an
// anonymous request admitted by a public route.
//
// The returned error is a *auth.CredentialError, auth.ErrAuthenticationRequired,
// auth.ErrDenied, ErrRateLimited, or a plain error when the revocation lookup
// itself fails; WriteAdmissionError maps each to a response (the last to 500).
func (a *Admitter) Admit(r *http.Request, req auth.Requirement, params map[string]string) (*auth.AuthContext, error) {
	var ac *auth.AuthContext

	raw, present := auth.BearerFromRequest(r)
	if present {
		ip := clientIP(r)
		if a.limiter != nil {
			if res, err := a.limiter.Check(r.Context(), ip); err == nil && !res.Allowed {
				return nil, ErrRateLimited
			}
		}

		verified, err := a.verifier.Verify(r.Context(), raw)
		switch {
		case err == nil:
			ac = verified
		case req.Kind == auth.RequireNone || req.Kind == "":
			// A bad credential on a public route does not block the request;
			// it just stays anonymous.
			a.logger.Debug("ignoring invalid credential on public route",
				"kind", string(auth.KindOf(err)), "path", r.URL.Path)
		default:
			telemetry.CredentialRejectionsTotal.WithLabelValues(string(auth.KindOf(err))).Inc()
			if a.limiter != nil {
				_ = a.limiter.Record(r.Context(), ip)
			}
			return nil, err
		}
	}

	if err := auth.Evaluate(ac, req, params); err != nil {
		if errors.Is(err, auth.ErrAuthenticationRequired) {
			telemetry.CredentialRejectionsTotal.WithLabelValues(string(auth.ErrMissing)).Inc()
		}
		return nil, err
	}
	return ac, nil
}

// Middleware returns an http middleware enforcing the requirement on a
// gateway-owned endpoint. The admitted AuthContext is stored in the request
// context.
func (a *Admitter) Middleware(req auth.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := a.Admit(r, req, nil)
			if err != nil {
				WriteAdmissionError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.NewContext(r.Context(), ac)))
		})
	}
}

// WriteAdmissionError maps an Admit failure onto the gateway's JSON envelope.
// Admission errors never leak backend details and are never retried.
func WriteAdmissionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrRateLimited):
		httpserver.RespondError(w, r, http.StatusTooManyRequests, "rate_limited", "too many rejected credentials, retry later")
	case errors.Is(err, auth.ErrAuthenticationRequired):
		httpserver.RespondError(w, r, http.StatusUnauthorized, "authentication_required", "authentication required")
	case errors.Is(err, auth.ErrDenied):
		httpserver.RespondError(w, r, http.StatusForbidden, "authorization_denied", "authorization denied")
	case auth.KindOf(err) == auth.ErrMissing:
		httpserver.RespondError(w, r, http.StatusUnauthorized, "authentication_required", "authentication required")
	case auth.KindOf(err) != "":
		httpserver.RespondError(w, r, http.StatusUnauthorized, "credential_rejected", "credential rejected")
	default:
		httpserver.RespondError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

// admissionStatus returns the HTTP status an admission error maps to.
func admissionStatus(err error) int {
	switch {
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, auth.ErrDenied):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// clientIP extracts the remote IP, preferring X-Forwarded-For's first hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
