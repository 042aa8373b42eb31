// Package auth verifies bearer tokens on the HTTP and websocket surfaces.
// HMAC-signed JWTs; an empty secret disables verification entirely, which
// is the default for local single-user deployments.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims Zeus cares about.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens.
type Verifier struct {
	secret []byte
}

// New creates a Verifier. An empty secret disables auth: every request
// passes.
func New(secret string) *Verifier {
	if secret == "" {
		return &Verifier{}
	}
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether tokens are actually checked.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Verify parses and validates a token string, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("verify token: invalid")
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFrom extracts verified claims from a request context, when present.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Middleware enforces a bearer token on each request. The token comes from
// the Authorization header, or from the "token" query parameter for
// websocket upgrades where custom headers are awkward.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		claims, err := v.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return after
		}
	}
	return r.URL.Query().Get("token")
}
