package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/vault-ledger/internal/model"
)

// IdentityHeader carries the caller identity when no JWT secret is
// configured. Development only.
const IdentityHeader = "X-Identity"

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidToken       = errors.New("invalid or expired token")
)

type callerKey struct{}

// WithCaller returns a context carrying the authenticated caller.
func WithCaller(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, callerKey{}, id)
}

// Caller returns the authenticated caller, or "" for anonymous requests.
func Caller(ctx context.Context) model.Identity {
	id, _ := ctx.Value(callerKey{}).(model.Identity)
	return id
}

// Authenticator resolves the caller identity of each request. With a
// secret, identities come from the subject of an HS256 Bearer token;
// without one the X-Identity header is trusted.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an authenticator. An empty secret enables
// header-based development identities.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for identity valid for ttl.
func (a *Authenticator) Issue(id model.Identity, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: no signing secret configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   string(id),
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(token string) (model.Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil || !tok.Valid || claims.Subject == "" {
		return "", errInvalidToken
	}
	return model.Identity(claims.Subject), nil
}

// Middleware attaches the caller identity to the request context. Requests
// without credentials continue anonymously; handlers that need a caller
// reject them. Malformed or invalid credentials are rejected here with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			if id := strings.TrimSpace(r.Header.Get(IdentityHeader)); id != "" {
				r = r.WithContext(WithCaller(r.Context(), model.Identity(id)))
			}
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeStatus(w, http.StatusUnauthorized, "unauthenticated", errInvalidToken.Error())
			return
		}
		id, err := a.parse(token)
		if err != nil {
			writeStatus(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), id)))
	})
}
