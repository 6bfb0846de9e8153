package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// CookieName is the cookie the auth service sets for browser clients.
const CookieName = "auth_token"

// ErrorKind categorizes credential verification failures. The gateway maps
// Missing on an authenticated route to "authentication required" and every
// other kind to "credential rejected".
type ErrorKind string

const (
	ErrMissing         ErrorKind = "missing"
	ErrMalformed       ErrorKind = "malformed"
	ErrBadSignature    ErrorKind = "bad-signature"
	ErrExpired         ErrorKind = "expired"
	ErrInactiveSubject ErrorKind = "inactive-subject"
	ErrRevoked         ErrorKind = "revoked"
)

// CredentialError is a categorized verification failure.
type CredentialError struct {
	Kind ErrorKind
	err  error
}

func (e *CredentialError) Error() string {
	if e.err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *CredentialError) Unwrap() error { return e.err }

func credErr(kind ErrorKind, err error) *CredentialError {
	return &CredentialError{Kind: kind, err: err}
}

// KindOf returns the error kind of err, or an empty string if err is not a
// CredentialError.
func KindOf(err error) ErrorKind {
	var ce *CredentialError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Claims is the raw claim set carried by a platform credential.
type Claims struct {
	User struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
		Active   bool   `json:"is_active"`
	} `json:"user"`
	Access struct {
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
		Scopes      []string `json:"scopes"`
	} `json:"permissions"`
	Session struct {
		ID         string `json:"session_id"`
		IP         string `json:"ip"`
		UserAgent  string `json:"user_agent"`
		RememberMe bool   `json:"remember_me"`
	} `json:"session"`
	Metadata struct {
		LastLogin  *time.Time `json:"last_login,omitempty"`
		LoginCount int64      `json:"login_count"`
	} `json:"metadata"`
}

// Revocations answers whether a session has been invalidated before its
// natural expiry. Implemented by the Redis-backed RevocationSet.
type Revocations interface {
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// Verifier parses and validates bearer credentials. It never mutates state;
// the revocation set is a read-through resource.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	revoked  Revocations
}

// NewVerifier creates a credential verifier for HS256-signed tokens.
func NewVerifier(secret, issuer, audience string, revoked Revocations) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		revoked:  revoked,
	}
}

// BearerFromRequest extracts the raw bearer from the Authorization header or
// the auth_token cookie. Returns false when neither is present.
func BearerFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") || strings.HasPrefix(h, "bearer ") {
			raw := strings.TrimSpace(h[len("Bearer "):])
			if raw != "" {
				return raw, true
			}
		}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

// Verify decodes and validates a raw bearer and emits the AuthContext.
// Failures carry a CredentialError with the category the caller maps to a
// response status.
func (v *Verifier) Verify(ctx context.Context, raw string) (*AuthContext, error) {
	if raw == "" {
		return nil, credErr(ErrMissing, nil)
	}

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, credErr(ErrMalformed, err)
	}

	var registered jwt.Claims
	var custom Claims
	if err := tok.Claims(v.secret, &registered, &custom); err != nil {
		return nil, credErr(ErrBadSignature, err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer:      v.issuer,
		AnyAudience: jwt.Audience{v.audience},
		Time:        time.Now(),
	}, 5*time.Second); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, credErr(ErrExpired, err)
		}
		return nil, credErr(ErrMalformed, err)
	}

	if !custom.User.Active {
		return nil, credErr(ErrInactiveSubject, nil)
	}

	if custom.Session.ID != "" && v.revoked != nil {
		revoked, err := v.revoked.IsRevoked(ctx, custom.Session.ID)
		if err != nil {
			return nil, fmt.Errorf("checking revocation set: %w", err)
		}
		if revoked {
			return nil, credErr(ErrRevoked, nil)
		}
	}

	ac := &AuthContext{
		SubjectID:   registered.Subject,
		Username:    custom.User.Username,
		Roles:       custom.Access.Roles,
		Permissions: custom.Access.Permissions,
		Scopes:      custom.Access.Scopes,
		SessionID:   custom.Session.ID,
		Issuer:      registered.Issuer,
		Active:      custom.User.Active,
	}
	if len(registered.Audience) > 0 {
		ac.Audience = registered.Audience[0]
	}
	if registered.IssuedAt != nil {
		ac.IssuedAt = registered.IssuedAt.Time()
	}
	if registered.Expiry != nil {
		ac.ExpiresAt = registered.Expiry.Time()
	}
	return ac, nil
}

// DecodeUnverified returns the claims without verifying the signature. For
// diagnostic endpoints only; never an input to admission decisions.
func (v *Verifier) DecodeUnverified(raw string) (*jwt.Claims, *Claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, nil, fmt.Errorf("parsing token: %w", err)
	}
	var registered jwt.Claims
	var custom Claims
	if err := tok.UnsafeClaimsWithoutVerification(&registered, &custom); err != nil {
		return nil, nil, fmt.Errorf("decoding claims: %w", err)
	}
	return &registered, &custom, nil
}
