package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mdhira/presenced/internal/presence"
)

// ErrUnauthenticated signals malformed credentials. Absent credentials
// are not an error; they resolve to an anonymous identity.
var ErrUnauthenticated = errors.New("identity: invalid credentials")

// Identity is the result of resolving connection-time credentials.
type Identity struct {
	UserKey string
	Group   presence.Group
	Profile presence.Profile
}

// Resolver maps connection-time credentials to a logical identity. It
// is a pure mapping with no side effects.
type Resolver interface {
	Resolve(credentials string) (Identity, error)
}

// JWTResolver validates HMAC-signed tokens issued by the external auth
// service. The registry never mints tokens itself; it only consumes the
// identity the auth service put in the claims.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver validating tokens against secret.
// An empty secret disables verification entirely: every token is
// rejected and only anonymous identities resolve.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

// Resolve returns an authenticated identity for a valid token, an
// anonymous identity for empty credentials, and ErrUnauthenticated for
// anything malformed. Anonymous user keys are freshly generated, so two
// anonymous sessions never merge.
func (r *JWTResolver) Resolve(credentials string) (Identity, error) {
	if credentials == "" {
		return Anonymous(), nil
	}
	if len(r.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: no verification secret configured", ErrUnauthenticated)
	}

	token, err := jwt.Parse(credentials, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		userID, _ = claims["user_id"].(string)
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	name, _ := claims["name"].(string)
	email, _ := claims["email"].(string)
	if name == "" {
		name = userID
	}

	return Identity{
		UserKey: userID,
		Group:   presence.GroupAuthenticated,
		Profile: presence.Profile{Name: name, Email: email},
	}, nil
}

// Anonymous returns a fresh anonymous identity bound to nothing; each
// call yields a distinct user key.
func Anonymous() Identity {
	key := uuid.NewString()
	return Identity{
		UserKey: key,
		Group:   presence.GroupAnonymous,
		Profile: presence.Profile{Name: "guest-" + key[:8]},
	}
}
