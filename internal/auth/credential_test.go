package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testIssuer   = "aiot-auth"
	testAudience = "aiot-platform"
)

type tokenOpts struct {
	subject   string
	issuer    string
	audience  string
	expiresIn time.Duration
	active    bool
	sessionID string
	roles     []string
	perms     []string
}

func mintToken(t *testing.T, secret string, opts tokenOpts) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:  opts.subject,
		Issuer:   opts.issuer,
		Audience: jwt.Audience{opts.audience},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(opts.expiresIn)),
	}

	var custom Claims
	custom.User.ID = 7
	custom.User.Username = "pilot-7"
	custom.User.Active = opts.active
	custom.Access.Roles = opts.roles
	custom.Access.Permissions = opts.perms
	custom.Session.ID = opts.sessionID

	raw, err := jwt.Signed(signer).Claims(registered).Claims(custom).Serialize()
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return raw
}

func validOpts() tokenOpts {
	return tokenOpts{
		subject:   "7",
		issuer:    testIssuer,
		audience:  testAudience,
		expiresIn: time.Hour,
		active:    true,
		sessionID: "sess-1",
		roles:     []string{"pilot"},
		perms:     []string{"drone.position.read"},
	}
}

type staticRevocations map[string]bool

func (s staticRevocations) IsRevoked(_ context.Context, sessionID string) (bool, error) {
	return s[sessionID], nil
}

func TestVerify(t *testing.T) {
	v := NewVerifier(testSecret, testIssuer, testAudience, staticRevocations{"sess-dead": true})
	ctx := context.Background()

	t.Run("valid token yields auth context", func(t *testing.T) {
		ac, err := v.Verify(ctx, mintToken(t, testSecret, validOpts()))
		if err != nil {
			t.Fatalf("Verify() error: %v", err)
		}
		if ac.SubjectID != "7" {
			t.Errorf("SubjectID = %q, want %q", ac.SubjectID, "7")
		}
		if ac.Username != "pilot-7" {
			t.Errorf("Username = %q, want %q", ac.Username, "pilot-7")
		}
		if !ac.HasRole("pilot") {
			t.Error("HasRole(pilot) = false, want true")
		}
		if !ac.HasPermission("drone.position.read") {
			t.Error("HasPermission(drone.position.read) = false, want true")
		}
		if ac.SessionID != "sess-1" {
			t.Errorf("SessionID = %q, want %q", ac.SessionID, "sess-1")
		}
	})

	t.Run("empty bearer is missing", func(t *testing.T) {
		_, err := v.Verify(ctx, "")
		if KindOf(err) != ErrMissing {
			t.Errorf("kind = %q, want %q", KindOf(err), ErrMissing)
		}
	})

	t.Run("garbage is malformed", func(t *testing.T) {
		_, err := v.Verify(ctx, "not.a.token")
		if KindOf(err) != ErrMalformed {
			t.Errorf("kind = %q, want %q", KindOf(err), ErrMalformed)
		}
	})

	t.Run("wrong secret is bad signature", func(t *testing.T) {
		other := "ffffffffffffffffffffffffffffffff"
		_, err := v.Verify(ctx, mintToken(t, other, validOpts()))
		if KindOf(err) != ErrBadSignature {
			t.Errorf("kind = %q, want %q", KindOf(err), ErrBadSignature)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		opts := validOpts()
		opts.expiresIn = -time.Hour
		_, err := v.Verify(ctx, mintToken(t, testSecret, opts))
		if KindOf(err) != ErrExpired {
			t.Errorf("kind = %q, want %q", KindOf(err), ErrExpired)
		}
	})

	t.Run("wrong issuer rejected", func(t *testing.T) {
		opts := validOpts()
		opts.issuer = "someone-else"
		_, err := v.Verify(ctx, mintToken(t, testSecret, opts))
		if KindOf(err) != ErrMalformed {
			t.Errorf("kind = %q, want %q", KindOf(err), ErrMalformed)
		}
	})

	t.Run("wrong audience rejected", func(t *testing.T) {
		opts := validOpts()
		opts.audience = "other-platform"
		_, err := v.Verify(ctx, mintToken(t, testSecret, opts))
		if KindOf(err) != ErrMalformed {
			t.Errorf("kind = %q, want %q", KindOf(err), ErrMalformed)
		}
	})

	t.Run("inactive subject", func(t *testing.T) {
		opts := validOpts()
		opts.active = false
		_, err := v.Verify(ctx, mintToken(t, testSecret, opts))
		if KindOf(err) != ErrInactiveSubject {
			t.Errorf("kind = %q, want %q", KindOf(err), ErrInactiveSubject)
		}
	})

	t.Run("revoked session", func(t *testing.T) {
		opts := validOpts()
		opts.sessionID = "sess-dead"
		_, err := v.Verify(ctx, mintToken(t, testSecret, opts))
		if KindOf(err) != ErrRevoked {
			t.Errorf("kind = %q, want %q", KindOf(err), ErrRevoked)
		}
	})
}

func TestDecodeUnverified(t *testing.T) {
	v := NewVerifier(testSecret, testIssuer, testAudience, nil)

	// Signed with a different secret — decoding must still succeed.
	raw := mintToken(t, "ffffffffffffffffffffffffffffffff", validOpts())

	registered, custom, err := v.DecodeUnverified(raw)
	if err != nil {
		t.Fatalf("DecodeUnverified() error: %v", err)
	}
	if registered.Subject != "7" {
		t.Errorf("subject = %q, want %q", registered.Subject, "7")
	}
	if custom.User.Username != "pilot-7" {
		t.Errorf("username = %q, want %q", custom.User.Username, "pilot-7")
	}
}

func TestBearerFromRequest(t *testing.T) {
	t.Run("authorization header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer tok-123")

		raw, ok := BearerFromRequest(r)
		if !ok || raw != "tok-123" {
			t.Errorf("BearerFromRequest() = %q, %v; want tok-123, true", raw, ok)
		}
	})

	t.Run("cookie fallback", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.AddCookie(&http.Cookie{Name: CookieName, Value: "tok-cookie"})

		raw, ok := BearerFromRequest(r)
		if !ok || raw != "tok-cookie" {
			t.Errorf("BearerFromRequest() = %q, %v; want tok-cookie, true", raw, ok)
		}
	})

	t.Run("header wins over cookie", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer tok-header")
		r.AddCookie(&http.Cookie{Name: CookieName, Value: "tok-cookie"})

		raw, _ := BearerFromRequest(r)
		if raw != "tok-header" {
			t.Errorf("BearerFromRequest() = %q, want tok-header", raw)
		}
	})

	t.Run("absent", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)

		if _, ok := BearerFromRequest(r); ok {
			t.Error("BearerFromRequest() = true, want false")
		}
	})
}
