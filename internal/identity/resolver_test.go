package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mdhira/presenced/internal/presence"
)

const testSecret = "test-secret"

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func TestResolveValidToken(t *testing.T) {
	r := NewJWTResolver(testSecret)
	tok := signedToken(t, jwt.MapClaims{
		"sub":   "user-42",
		"name":  "Ada",
		"email": "ada@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	ident, err := r.Resolve(tok)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if ident.UserKey != "user-42" {
		t.Errorf("expected user key user-42, got %q", ident.UserKey)
	}
	if ident.Group != presence.GroupAuthenticated {
		t.Errorf("expected authenticated group, got %q", ident.Group)
	}
	if ident.Profile.Name != "Ada" || ident.Profile.Email != "ada@example.com" {
		t.Errorf("unexpected profile: %+v", ident.Profile)
	}
}

func TestResolveUserIDClaimFallback(t *testing.T) {
	r := NewJWTResolver(testSecret)
	tok := signedToken(t, jwt.MapClaims{"user_id": "user-7"})

	ident, err := r.Resolve(tok)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if ident.UserKey != "user-7" {
		t.Errorf("expected user key from user_id claim, got %q", ident.UserKey)
	}
	// Name falls back to the user id when the claim is missing.
	if ident.Profile.Name != "user-7" {
		t.Errorf("expected name fallback to user id, got %q", ident.Profile.Name)
	}
}

func TestResolveMissingCredentialsIsAnonymous(t *testing.T) {
	r := NewJWTResolver(testSecret)

	ident, err := r.Resolve("")
	if err != nil {
		t.Fatalf("missing credentials must not be an error, got %v", err)
	}
	if ident.Group != presence.GroupAnonymous {
		t.Errorf("expected anonymous group, got %q", ident.Group)
	}
	if ident.UserKey == "" {
		t.Errorf("expected generated user key")
	}

	// Two anonymous resolutions never share a key.
	other, _ := r.Resolve("")
	if other.UserKey == ident.UserKey {
		t.Errorf("two anonymous identities share user key %q", ident.UserKey)
	}
}

func TestResolveMalformedToken(t *testing.T) {
	r := NewJWTResolver(testSecret)

	for _, tok := range []string{
		"not-a-jwt",
		"aaa.bbb.ccc",
		signedToken(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()}), // expired
	} {
		if _, err := r.Resolve(tok); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("expected ErrUnauthenticated for %q, got %v", tok, err)
		}
	}
}

func TestResolveWrongSecret(t *testing.T) {
	r := NewJWTResolver("other-secret")
	tok := signedToken(t, jwt.MapClaims{"sub": "u1"})

	if _, err := r.Resolve(tok); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated for wrong secret, got %v", err)
	}
}

func TestResolveEmptySecretRejectsAllTokens(t *testing.T) {
	r := NewJWTResolver("")

	// A token signed with the empty key must not authenticate; an empty
	// secret means token verification is disabled, not wide open.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "mallory"})
	forged, err := token.SignedString([]byte(""))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := r.Resolve(forged); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated for token against empty secret, got %v", err)
	}

	// Anonymous resolution still works.
	ident, err := r.Resolve("")
	if err != nil {
		t.Fatalf("anonymous resolution failed: %v", err)
	}
	if ident.Group != presence.GroupAnonymous {
		t.Errorf("expected anonymous group, got %q", ident.Group)
	}
}

func TestResolveTokenWithoutSubject(t *testing.T) {
	r := NewJWTResolver(testSecret)
	tok := signedToken(t, jwt.MapClaims{"email": "nobody@example.com"})

	if _, err := r.Resolve(tok); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated for token without subject, got %v", err)
	}
}
